// Package timersvc implements software timers on top of the kernel.
//
// A single service task owns every timer. Other tasks and interrupt handlers
// never touch the active list; they send fixed-size commands to the service's
// queue and the service applies them in order, firing callbacks on its own
// task when timers expire.
package timersvc

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sparkrt/sparkos/internal/dlist"
	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/proto"
)

// Callback runs on the service task when a timer expires. It must not block
// for long: later timers wait for it.
type Callback func(ctx *kernel.Context, t *Timer)

// ChangePeriodPolicy selects how ChangePeriod treats an active timer.
type ChangePeriodPolicy uint8

const (
	// PreserveAnchor keeps an active timer's next expiry; the new period
	// applies from that expiry on.
	PreserveAnchor ChangePeriodPolicy = iota
	// RestartFromNow re-arms an active timer at the command tick plus the
	// new period.
	RestartFromNow
)

func (p ChangePeriodPolicy) String() string {
	switch p {
	case PreserveAnchor:
		return "preserve-anchor"
	case RestartFromNow:
		return "restart-from-now"
	default:
		return "unknown"
	}
}

// ParseChangePeriodPolicy parses the String form of a policy.
func ParseChangePeriodPolicy(s string) (ChangePeriodPolicy, error) {
	switch s {
	case "", "preserve-anchor":
		return PreserveAnchor, nil
	case "restart-from-now":
		return RestartFromNow, nil
	default:
		return 0, fmt.Errorf("timer: unknown change period policy %q", s)
	}
}

// Config configures the service. Zero values select defaults.
type Config struct {
	// Priority of the service task. Zero selects the highest priority.
	Priority kernel.Priority
	// QueueLength is the command queue capacity.
	QueueLength int
	// StackDepth of the service task in words.
	StackDepth uint32
	// MaxTimers bounds the timer table.
	MaxTimers    int
	ChangePeriod ChangePeriodPolicy
	Logger       *zap.Logger
}

const (
	defaultQueueLength = 10
	defaultMaxTimers   = 16
)

// Service is the timer service task.
type Service struct {
	k    *kernel.Kernel
	cfg  Config
	log  *zap.Logger
	cmds *kernel.Queue
	task *kernel.Task

	slots  []slot
	active dlist.List[Timer] // ordered by expiry
	// now extends the tick counter to 64 bits so expiries order correctly
	// across counter wraps; last is the tick it was advanced to.
	now  uint64
	last kernel.Ticks
}

type slot struct {
	t   *Timer
	gen uint16
}

// Timer is a handle to a software timer.
type Timer struct {
	svc  *Service
	slot uint16
	gen  uint16

	name       string
	period     kernel.Ticks
	autoReload bool
	id         any
	cb         Callback

	node    dlist.Node[Timer] // on the active list while armed
	expiry  uint64            // service time of the next expiry
	deleted bool
}

// NewService creates the command queue and the service task. It must be
// called before the kernel is started.
func NewService(k *kernel.Kernel, cfg Config) (*Service, error) {
	kc := k.Config()
	if !kc.UseTimers {
		return nil, k.FeatureDisabled("timers")
	}
	if cfg.Priority == 0 {
		cfg.Priority = kernel.Priority(kc.MaxPriorities - 1)
	}
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = defaultQueueLength
	}
	if cfg.StackDepth == 0 {
		cfg.StackDepth = 2 * kc.MinimalStackSize
	}
	if cfg.MaxTimers <= 0 {
		cfg.MaxTimers = defaultMaxTimers
	}
	if cfg.MaxTimers > 1<<16 {
		return nil, fmt.Errorf("timer: max timers %d out of range", cfg.MaxTimers)
	}
	if cfg.Logger == nil {
		cfg.Logger = k.Logger()
	}

	s := &Service{
		k:     k,
		cfg:   cfg,
		log:   cfg.Logger.Named("timer"),
		slots: make([]slot, cfg.MaxTimers),
	}
	q, err := k.NewQueue(cfg.QueueLength, proto.TimerCommandSize)
	if err != nil {
		return nil, fmt.Errorf("timer: command queue: %w", err)
	}
	s.cmds = q
	task, err := k.CreateTask(kernel.TaskConfig{
		Name:       "Tmr Svc",
		Priority:   cfg.Priority,
		Run:        s,
		StackDepth: cfg.StackDepth,
	})
	if err != nil {
		_ = q.Delete()
		return nil, fmt.Errorf("timer: service task: %w", err)
	}
	s.task = task
	return s, nil
}

// Task returns the service task.
func (s *Service) Task() *kernel.Task { return s.task }

// Create allocates a dormant timer. It may be called before Start or from any
// task. The callback receives the timer; id is an opaque tag for it.
func (s *Service) Create(name string, period kernel.Ticks, autoReload bool, id any, cb Callback) (*Timer, error) {
	if period == 0 || period == kernel.MaxDelay {
		return nil, s.k.Violation("timer %q needs a finite non-zero period", name)
	}
	if cb == nil {
		return nil, s.k.Violation("timer %q has no callback", name)
	}
	var t *Timer
	s.k.Critical(func() {
		for i := range s.slots {
			sl := &s.slots[i]
			if sl.t != nil {
				continue
			}
			t = &Timer{
				svc:        s,
				slot:       uint16(i),
				gen:        sl.gen,
				name:       name,
				period:     period,
				autoReload: autoReload,
				id:         id,
				cb:         cb,
			}
			t.node.Init(t)
			sl.t = t
			return
		}
	})
	if t == nil {
		return nil, fmt.Errorf("timer: table full (%d timers): %w", len(s.slots), kernel.ErrResourceExhausted)
	}
	s.log.Debug("timer created",
		zap.String("timer", name),
		zap.Uint32("period", uint32(period)),
		zap.Bool("auto_reload", autoReload))
	return t, nil
}

// Name returns the timer's name.
func (t *Timer) Name() string { return t.name }

// ID returns the tag given at creation.
func (t *Timer) ID() any {
	var id any
	t.svc.k.Critical(func() { id = t.id })
	return id
}

// SetID replaces the timer's tag.
func (t *Timer) SetID(id any) {
	t.svc.k.Critical(func() { t.id = id })
}

// Period returns the current period.
func (t *Timer) Period() kernel.Ticks {
	var p kernel.Ticks
	t.svc.k.Critical(func() { p = t.period })
	return p
}

// AutoReload reports whether the timer re-arms after firing.
func (t *Timer) AutoReload() bool { return t.autoReload }

// IsActive reports whether the timer is armed. Commands still queued are not
// reflected.
func (t *Timer) IsActive() bool {
	var active bool
	t.svc.k.Critical(func() { active = t.node.Linked() })
	return active
}

// Expiry returns the tick at which an active timer fires next.
func (t *Timer) Expiry() (kernel.Ticks, bool) {
	var (
		at     kernel.Ticks
		active bool
	)
	t.svc.k.Critical(func() {
		at, active = kernel.Ticks(t.expiry), t.node.Linked()
	})
	return at, active
}

// Start arms the timer to fire one period after the call. Starting an active
// timer restarts it. block bounds the wait for space in the command queue. A
// nil ctx sends from interrupt context, which is how timers are started
// before the kernel runs.
func (t *Timer) Start(ctx *kernel.Context, block kernel.Ticks) error {
	return t.command(ctx, proto.CmdTimerStart, 0, block)
}

// Stop disarms the timer.
func (t *Timer) Stop(ctx *kernel.Context, block kernel.Ticks) error {
	return t.command(ctx, proto.CmdTimerStop, 0, block)
}

// Reset re-arms the timer one period after the call, starting it if dormant.
func (t *Timer) Reset(ctx *kernel.Context, block kernel.Ticks) error {
	return t.command(ctx, proto.CmdTimerReset, 0, block)
}

// ChangePeriod sets a new period. A dormant timer is started; an active one
// follows the service's ChangePeriodPolicy.
func (t *Timer) ChangePeriod(ctx *kernel.Context, period, block kernel.Ticks) error {
	if period == 0 || period == kernel.MaxDelay {
		return t.svc.k.Violation("timer %q needs a finite non-zero period", t.name)
	}
	return t.command(ctx, proto.CmdTimerChangePeriod, uint32(period), block)
}

// Delete stops the timer and frees its slot. The handle must not be used
// afterwards.
func (t *Timer) Delete(ctx *kernel.Context, block kernel.Ticks) error {
	return t.command(ctx, proto.CmdTimerDelete, 0, block)
}

func (t *Timer) command(ctx *kernel.Context, kind proto.Kind, value uint32, block kernel.Ticks) error {
	s := t.svc
	if err := t.usable(); err != nil {
		return err
	}
	if ctx == nil {
		var err error
		if ierr := s.k.Interrupt(func(isr *kernel.ISR) {
			_, err = t.commandFromISR(isr, kind, value)
		}); ierr != nil {
			return ierr
		}
		return err
	}
	cmd := proto.TimerCommand{
		Kind:   kind,
		Slot:   t.slot,
		Gen:    t.gen,
		Value:  value,
		Issued: uint32(ctx.TickCount()),
	}
	return s.cmds.Send(ctx, proto.TimerCommandPayload(cmd), block)
}

func (t *Timer) usable() error {
	var deleted bool
	t.svc.k.Critical(func() { deleted = t.deleted })
	if deleted {
		return t.svc.k.Violation("use of deleted timer %q", t.name)
	}
	return nil
}

// StartFromISR is Start from an interrupt handler. It reports whether the
// service task outranks the interrupted task.
func (t *Timer) StartFromISR(isr *kernel.ISR) (bool, error) {
	return t.commandFromISR(isr, proto.CmdTimerStart, 0)
}

// StopFromISR is Stop from an interrupt handler.
func (t *Timer) StopFromISR(isr *kernel.ISR) (bool, error) {
	return t.commandFromISR(isr, proto.CmdTimerStop, 0)
}

// ResetFromISR is Reset from an interrupt handler.
func (t *Timer) ResetFromISR(isr *kernel.ISR) (bool, error) {
	return t.commandFromISR(isr, proto.CmdTimerReset, 0)
}

// ChangePeriodFromISR is ChangePeriod from an interrupt handler.
func (t *Timer) ChangePeriodFromISR(isr *kernel.ISR, period kernel.Ticks) (bool, error) {
	if period == 0 || period == kernel.MaxDelay {
		return false, t.svc.k.Violation("timer %q needs a finite non-zero period", t.name)
	}
	return t.commandFromISR(isr, proto.CmdTimerChangePeriod, uint32(period))
}

func (t *Timer) commandFromISR(isr *kernel.ISR, kind proto.Kind, value uint32) (bool, error) {
	if t.deleted {
		return false, t.svc.k.Violation("use of deleted timer %q", t.name)
	}
	cmd := proto.TimerCommand{
		Kind:   kind,
		Slot:   t.slot,
		Gen:    t.gen,
		Value:  value,
		Issued: uint32(isr.TickCount()),
	}
	return t.svc.cmds.SendFromISR(isr, proto.TimerCommandPayload(cmd))
}

// Run is the service task body.
func (s *Service) Run(ctx *kernel.Context) {
	buf := make([]byte, proto.TimerCommandSize)
	for {
		s.fireExpired(ctx)

		s.advance(ctx)
		var err error
		switch n := s.active.Front(); {
		case n == nil:
			err = s.cmds.Receive(ctx, buf, kernel.MaxDelay)
		case n.Owner().expiry <= s.now:
			continue
		case n.Owner().expiry-s.now < longWait:
			err = s.cmds.ReceiveUntil(ctx, buf, kernel.Ticks(n.Owner().expiry))
		default:
			err = s.cmds.Receive(ctx, buf, longWait)
		}
		switch {
		case err == nil:
			s.apply(ctx, buf)
		case errors.Is(err, kernel.ErrTimeout):
		default:
			s.log.Debug("timer service stopped", zap.Error(err))
			return
		}
	}
}

// longWait bounds one wait of the service so the final stretch before an
// expiry is always waited for with an absolute deadline.
const longWait = 1 << 30

// advance moves the service clock to the current tick.
func (s *Service) advance(ctx *kernel.Context) {
	tick := ctx.TickCount()
	s.now += uint64(tick - s.last)
	s.last = tick
}

// since converts a tick at or before the current one to service time.
func (s *Service) since(tick kernel.Ticks) uint64 {
	return s.now - uint64(s.last-tick)
}

func byExpiry(a, b *dlist.Node[Timer]) bool {
	return a.Owner().expiry < b.Owner().expiry
}

// arm puts t on the active list to fire at expiry.
func (s *Service) arm(t *Timer, expiry uint64) {
	s.k.Critical(func() {
		dlist.Unlink(&t.node)
		t.expiry = expiry
		s.active.InsertOrdered(&t.node, byExpiry)
	})
}

func (s *Service) disarm(t *Timer) {
	s.k.Critical(func() { dlist.Unlink(&t.node) })
}

// fireExpired runs the callbacks of every timer due at the current tick.
// Auto-reload timers re-arm from their previous expiry, so periods missed
// while the service could not run are replayed back to back.
func (s *Service) fireExpired(ctx *kernel.Context) {
	s.advance(ctx)
	for {
		n := s.active.Front()
		if n == nil || n.Owner().expiry > s.now {
			return
		}
		t := n.Owner()
		if t.autoReload {
			s.arm(t, t.expiry+uint64(t.period))
		} else {
			s.disarm(t)
		}
		t.cb(ctx, t)
	}
}

func (s *Service) apply(ctx *kernel.Context, buf []byte) {
	cmd, ok := proto.DecodeTimerCommand(buf)
	if !ok {
		s.log.Warn("malformed timer command", zap.Binary("item", buf))
		return
	}
	if int(cmd.Slot) >= len(s.slots) {
		s.log.Warn("timer command for unknown slot", zap.Uint16("slot", cmd.Slot))
		return
	}
	sl := &s.slots[cmd.Slot]
	t := sl.t
	if t == nil || sl.gen != cmd.Gen {
		s.log.Debug("stale timer command dropped",
			zap.Stringer("kind", cmd.Kind),
			zap.Uint16("slot", cmd.Slot),
			zap.Uint16("gen", cmd.Gen))
		return
	}
	s.advance(ctx)
	issued := s.since(kernel.Ticks(cmd.Issued))

	switch cmd.Kind {
	case proto.CmdTimerStart, proto.CmdTimerReset:
		s.arm(t, issued+uint64(t.period))
	case proto.CmdTimerStop:
		s.disarm(t)
	case proto.CmdTimerChangePeriod:
		s.k.Critical(func() { t.period = kernel.Ticks(cmd.Value) })
		if t.node.Linked() && s.cfg.ChangePeriod == PreserveAnchor {
			break
		}
		s.arm(t, issued+uint64(t.period))
	case proto.CmdTimerDelete:
		s.k.Critical(func() {
			dlist.Unlink(&t.node)
			t.deleted = true
			sl.t = nil
			sl.gen++
		})
		s.log.Debug("timer deleted", zap.String("timer", t.name))
	}
}
