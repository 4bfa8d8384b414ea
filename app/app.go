// Package app builds the demo system: sensor tasks publishing samples, a
// logger and a stats server consuming them, a heartbeat timer driving the LED,
// a button interrupt and a compute task, all supervised by one task that
// reports and eventually halts the kernel.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sparkrt/hal"
	"sparkrt/internal/config"
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/patterns/compute"
	"sparkrt/sparkos/patterns/processor"
	"sparkrt/sparkos/patterns/pubsub"
	"sparkrt/sparkos/proto"
	timersvc "sparkrt/sparkos/services/timer"
)

// Task priorities before clamping to the configured range.
const (
	prioSupervisor kernel.Priority = 3
	prioSensor     kernel.Priority = 2
	prioStats      kernel.Priority = 2
	prioButton     kernel.Priority = 2
	prioLogger     kernel.Priority = 1
	prioCompute    kernel.Priority = 1
)

var sensorPins = []string{"SIG10", "SIGPULSE"}

const statsReplySize = 2 * proto.U32Size

// Options configures New.
type Options struct {
	Logger *zap.Logger

	// Host drives the tick from the host clock at TickRateHz instead of
	// virtual time.
	Host bool
}

// System is a configured demo ready to run.
type System struct {
	cfg  config.DemoConfig
	log  *zap.Logger
	host bool

	h      *hal.HostHAL
	k      *kernel.Kernel
	timers *timersvc.Service
	pub    *pubsub.Publisher
	stats  *processor.Processor
	sum    *compute.Task[uint32]
	button *kernel.Task
	led    hal.GPIOPin
	pulse  hal.GPIOPin

	// now mirrors the tick count for the HAL's signal pins. It is written
	// by the tick hook, so the pins never call back into the kernel.
	now       atomic.Uint32
	lastPulse bool

	// Written by tasks; read after the kernel halts.
	rep Report
}

// Report summarizes a finished run.
type Report struct {
	Ticks      kernel.Ticks
	Published  int
	Delivered  int
	Logged     int
	StatsCount uint32
	StatsHigh  uint32
	Beats      int
	Presses    int
	Checksum   uint32
	LEDOn      bool
	State      kernel.SystemState
	Heap       kernel.HeapStats
}

// New creates the kernel and every task, queue and timer of the demo. Nothing
// runs until Run.
func New(file *config.File, opts Options) (*System, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &System{cfg: file.Demo, log: log.Named("app"), host: opts.Host}

	kc := file.KernelConfig(log)
	if opts.Host {
		kc.VirtualTime = false
	}
	kc.TickHook = s.tickHook
	kc.PanicHandler = s.panicHandler
	k, err := kernel.New(kc)
	if err != nil {
		return nil, err
	}
	s.k = k
	s.h = hal.New(hal.HostConfig{
		Logger:     log,
		TickPeriod: k.TickPeriod(),
		Clock:      s.now.Load,
	})
	s.led = hal.PinByName(s.h.GPIO(), "LED")
	if err := s.led.Configure(hal.GPIOModeOutput, hal.GPIOPullNone); err != nil {
		return nil, err
	}
	s.pulse = hal.PinByName(s.h.GPIO(), "SIGPULSE")

	if err := s.build(file); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return s, nil
}

func (s *System) prio(p kernel.Priority) kernel.Priority {
	if top := kernel.Priority(s.k.Config().MaxPriorities - 1); p > top {
		return top
	}
	return p
}

func (s *System) spawn(name string, p kernel.Priority, run kernel.RunFunc) (*kernel.Task, error) {
	return s.k.CreateTask(kernel.TaskConfig{Name: name, Priority: s.prio(p), Run: run})
}

func (s *System) build(file *config.File) error {
	var err error
	if s.pub, err = pubsub.New(s.k, s.cfg.SubscriberDepth, proto.SampleSize); err != nil {
		return err
	}
	if s.stats, err = processor.New(s.k, s.cfg.SubscriberDepth, proto.U32Size, statsReplySize); err != nil {
		return err
	}
	iterations := s.cfg.ComputeIterations
	if s.sum, err = compute.Spawn(s.k, "checksum", s.prio(prioCompute), func(ctx *kernel.Context) uint32 {
		return checksum(iterations, func() { _ = ctx.Yield() })
	}); err != nil {
		return err
	}

	if _, err := s.spawn("supervisor", prioSupervisor, s.supervisor); err != nil {
		return err
	}
	if _, err := s.spawn("stats", prioStats, s.serveStats); err != nil {
		return err
	}
	if _, err := s.spawn("logger", prioLogger, s.logSamples); err != nil {
		return err
	}
	if s.button, err = s.spawn("button", prioButton, s.countPresses); err != nil {
		return err
	}
	for ch := 0; ch < s.cfg.Sensors; ch++ {
		if _, err := s.spawn(fmt.Sprintf("sensor%d", ch), prioSensor, s.sensor(uint16(ch))); err != nil {
			return err
		}
	}

	if !file.Kernel.UseTimers {
		s.log.Info("timers disabled, no heartbeat")
		return nil
	}
	tc, err := file.TimerConfig(s.log)
	if err != nil {
		return err
	}
	if s.timers, err = timersvc.NewService(s.k, tc); err != nil {
		return err
	}
	beat, err := s.timers.Create("heartbeat", kernel.Ticks(s.cfg.HeartbeatPeriod), true, nil, s.heartbeat)
	if err != nil {
		return err
	}
	return beat.Start(nil, 0)
}

// Kernel returns the demo's kernel.
func (s *System) Kernel() *kernel.Kernel { return s.k }

// Run starts the kernel and returns when it halts or ctx is done. In host
// mode the HAL's clock feeds the tick interrupt.
func (s *System) Run(ctx context.Context) (Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if s.host {
		g.Go(func() error { return s.h.RunTicks(runCtx) })
		g.Go(func() error {
			return hal.DriveTicks(runCtx, s.h.Time(), s.k, kernel.ErrSchedulerNotRunning)
		})
	}

	s.log.Info("starting",
		zap.Int("sensors", s.cfg.Sensors),
		zap.Uint32("run_ticks", s.cfg.RunTicks),
		zap.Bool("host", s.host))
	err := s.k.Start(runCtx)
	cancel()
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) && !errors.Is(gerr, kernel.ErrHalted) {
		s.log.Warn("tick source stopped", zap.Error(gerr))
	}

	rep := s.rep
	rep.Ticks = s.k.TickCount()
	rep.LEDOn = s.h.LEDOn()
	rep.State = s.k.SystemState()
	rep.Heap = s.k.HeapStats()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	return rep, err
}

func (s *System) tickHook(isr *kernel.ISR) {
	s.now.Store(uint32(isr.TickCount()))
	level, err := s.pulse.Read()
	if err != nil {
		return
	}
	if level && !s.lastPulse && s.button != nil {
		woken, _ := isr.NotifyGive(s.button)
		isr.YieldFromISR(woken)
	}
	s.lastPulse = level
}

func (s *System) sensor(ch uint16) kernel.RunFunc {
	pin := hal.PinByName(s.h.GPIO(), sensorPins[int(ch)%len(sensorPins)])
	period := kernel.Ticks(s.cfg.SamplePeriod) + kernel.Ticks(ch)*3
	return func(ctx *kernel.Context) {
		buf := make([]byte, proto.SampleSize)
		last := ctx.TickCount()
		for seq := uint16(0); ; seq++ {
			if _, err := ctx.DelayUntil(&last, period); err != nil {
				return
			}
			level, _ := pin.Read()
			smp := proto.Sample{Channel: ch, Seq: seq, Tick: uint32(ctx.TickCount())}
			if level {
				smp.Value = 1
			}
			smp.Encode(buf)
			n, err := s.pub.Send(ctx, buf, 0)
			if err != nil {
				s.log.Debug("sample not published", zap.Uint16("channel", ch), zap.Error(err))
			}
			s.rep.Delivered += n
			s.rep.Published++
		}
	}
}

func (s *System) logSamples(ctx *kernel.Context) {
	sub, err := s.pub.Subscribe(ctx, kernel.MaxDelay)
	if err != nil {
		s.log.Error("subscribe failed", zap.Error(err))
		return
	}
	client := s.stats.NewClient()
	out := s.h.Logger()
	buf := make([]byte, proto.SampleSize)
	for {
		if err := sub.Receive(ctx, buf, kernel.MaxDelay); err != nil {
			return
		}
		smp, _ := proto.DecodeSample(buf)
		out.WriteLineString(fmt.Sprintf("sample ch=%d seq=%d value=%d tick=%d", smp.Channel, smp.Seq, smp.Value, smp.Tick))
		s.rep.Logged++
		if err := client.Send(ctx, proto.U32Payload(smp.Value), 10); err != nil {
			s.log.Warn("stats dropped a sample", zap.Error(err))
		}
	}
}

func (s *System) serveStats(ctx *kernel.Context) {
	var count, high uint32
	for {
		req, err := s.stats.Receive(ctx, kernel.MaxDelay)
		if err != nil {
			return
		}
		if !req.WantsReply() {
			v, _ := proto.DecodeU32(req.Body)
			count++
			high += v & 1
			continue
		}
		reply := append(proto.U32Payload(count), proto.U32Payload(high)...)
		if _, err := s.stats.Reply(ctx, req, reply, 0); err != nil {
			s.log.Warn("stats reply failed", zap.Error(err))
		}
	}
}

func (s *System) countPresses(ctx *kernel.Context) {
	for {
		n, err := ctx.NotifyTake(true, kernel.MaxDelay)
		if err != nil {
			return
		}
		s.rep.Presses += int(n)
	}
}

func (s *System) heartbeat(ctx *kernel.Context, t *timersvc.Timer) {
	s.rep.Beats++
	_ = s.led.Write(s.rep.Beats%2 == 1)
}

func (s *System) supervisor(ctx *kernel.Context) {
	sum, err := s.sum.Result(ctx, kernel.MaxDelay)
	if err != nil {
		s.log.Error("compute failed", zap.Error(err))
		ctx.Halt(err)
		return
	}
	s.rep.Checksum = sum
	s.log.Info("checksum ready", zap.Uint32("checksum", sum), zap.Uint32("tick", uint32(ctx.TickCount())))

	client, err := s.stats.NewReplyClient(ctx, kernel.MaxDelay)
	if err != nil {
		ctx.Halt(err)
		return
	}
	reply := make([]byte, statsReplySize)
	query := func() error {
		if err := client.Call(ctx, proto.U32Payload(0), reply, kernel.MaxDelay); err != nil {
			return err
		}
		s.rep.StatsCount, _ = proto.DecodeU32(reply[0:4])
		s.rep.StatsHigh, _ = proto.DecodeU32(reply[4:8])
		return nil
	}

	last := ctx.TickCount()
	for {
		step := kernel.Ticks(s.cfg.ReportPeriod)
		if s.cfg.RunTicks > 0 {
			left := kernel.Ticks(s.cfg.RunTicks) - last
			if int32(left) <= 0 {
				break
			}
			if left < step {
				step = left
			}
		}
		if _, err := ctx.DelayUntil(&last, step); err != nil {
			return
		}
		if err := query(); err != nil {
			ctx.Halt(err)
			return
		}
		s.log.Info("report",
			zap.Uint32("tick", uint32(ctx.TickCount())),
			zap.Int("published", s.rep.Published),
			zap.Int("logged", s.rep.Logged),
			zap.Uint32("stats_count", s.rep.StatsCount),
			zap.Uint32("stats_high", s.rep.StatsHigh),
			zap.Int("beats", s.rep.Beats),
			zap.Int("presses", s.rep.Presses))
	}
	ctx.Halt(nil)
}

// checksum is FNV-1a over the loop counter, calling yield every 256 rounds.
func checksum(n int, yield func()) uint32 {
	h := uint32(2166136261)
	for i := 0; i < n; i++ {
		h ^= uint32(i)
		h *= 16777619
		if yield != nil && i%256 == 255 {
			yield()
		}
	}
	return h
}
