package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sparkrt/sparkos/internal/dlist"
)

// Ticks counts tick interrupts. The counter wraps; ordering between two tick
// values is taken relative to the current tick.
type Ticks uint32

// MaxDelay as a timeout blocks without a deadline.
const MaxDelay Ticks = 0xFFFFFFFF

// Priority orders tasks. Higher values run first; the idle task runs at 0.
type Priority uint8

// IdlePriority is the priority of the idle task.
const IdlePriority Priority = 0

// SchedulerState is the global scheduler state.
type SchedulerState uint8

const (
	SchedulerNotStarted SchedulerState = iota
	SchedulerRunning
	SchedulerSuspended
	SchedulerHalted
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerNotStarted:
		return "not started"
	case SchedulerRunning:
		return "running"
	case SchedulerSuspended:
		return "suspended"
	case SchedulerHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Kernel is a preemptive priority scheduler for one simulated core.
//
// Every task runs on its own goroutine but only the current task executes;
// the others are parked until the scheduler hands them the CPU.
type Kernel struct {
	cfg           Config
	log           *zap.Logger
	assertHandler func(Assertion)

	mu           sync.Mutex // interrupt mask
	critNesting  uint32
	yieldPending bool
	rotate       bool
	isrActive    atomic.Bool // an interrupt handler holds mu
	isrReentry   int         // task-level sections opened by that handler

	cur          atomic.Pointer[Task]
	ready        []dlist.List[Task] // indexed by priority
	delayLists   [2]dlist.List[Task] // by wake tick; see delayList
	delayCur     int
	blocked      dlist.List[Task]   // waiting without timeout
	suspended    dlist.List[Task]
	pendingReady dlist.List[Task] // readied while the scheduler was suspended
	terminating  dlist.List[Task]
	tasks        []*Task
	idle         *Task

	tick        Ticks
	suspendAll  uint32
	pendedTicks uint32
	nextNumber  uint32
	switches    uint64
	heap        heap

	started  atomic.Bool
	halted   atomic.Bool
	haltCh   chan struct{}
	haltOnce sync.Once
	haltErr  error
	irq      chan struct{}
	group    errgroup.Group

	idleStack [StackWordSize * 64]byte

	panicActive atomic.Bool
	panicOnce   sync.Once
}

// New creates a kernel. Tasks and objects may be created before Start.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	k := &Kernel{
		cfg:           cfg,
		log:           cfg.Logger.Named("kernel"),
		assertHandler: cfg.AssertHandler,
		ready:         make([]dlist.List[Task], cfg.MaxPriorities),
		heap:          newHeap(cfg.TotalHeapSize),
		haltCh:        make(chan struct{}),
		irq:           make(chan struct{}, 1),
	}
	if k.assertHandler == nil {
		k.assertHandler = panicOnAssert
	}
	return k, nil
}

// Config returns the configuration the kernel was created with.
func (k *Kernel) Config() Config { return k.cfg }

// Logger returns the kernel's logger for services layered on it.
func (k *Kernel) Logger() *zap.Logger { return k.cfg.Logger }

// Start creates the idle task and dispatches the highest priority task. It
// returns once the kernel halts, with the halt reason.
func (k *Kernel) Start(ctx context.Context) error {
	if !k.started.CompareAndSwap(false, true) {
		return k.assertf(ErrProtocolViolation, "scheduler already started")
	}

	k.enterCritical()
	idle := &Task{}
	k.initTask(idle, TaskConfig{
		Name:       "IDLE",
		Priority:   IdlePriority,
		Run:        RunFunc(k.idleLoop),
		StackDepth: uint32(len(k.idleStack) / StackWordSize),
	})
	idle.stack = k.idleStack[:]
	idle.static = true
	k.idle = idle
	k.addTask(idle)

	for _, t := range k.tasks {
		k.launch(t)
	}
	first := k.highestReady()
	first.state = TaskRunning
	k.cur.Store(first)
	k.log.Debug("scheduler started",
		zap.Int("tasks", len(k.tasks)),
		zap.String("first", first.name))

	go func() {
		select {
		case <-ctx.Done():
			k.Halt(ctx.Err())
		case <-k.haltCh:
		}
	}()

	// The first task inherits the critical section entered above.
	first.wake <- struct{}{}

	<-k.haltCh
	werr := k.group.Wait()
	k.yieldPending = false
	if k.critNesting > 0 {
		k.critNesting = 0
		k.mu.Unlock()
	}
	if k.haltErr != nil {
		return k.haltErr
	}
	return werr
}

// Halt stops the kernel. Parked tasks exit at once; the running task exits at
// its next kernel call. Start returns err.
func (k *Kernel) Halt(err error) {
	k.haltOnce.Do(func() {
		k.haltErr = err
		k.halted.Store(true)
		k.log.Debug("kernel halted", zap.Error(err))
		close(k.haltCh)
	})
}

// Halted returns a channel closed when the kernel halts.
func (k *Kernel) Halted() <-chan struct{} { return k.haltCh }

// SchedulerState reports the global scheduler state.
func (k *Kernel) SchedulerState() SchedulerState {
	switch {
	case k.halted.Load():
		return SchedulerHalted
	case k.current() == nil:
		return SchedulerNotStarted
	}
	k.enterCritical()
	defer k.exitCritical()
	if k.suspendAll > 0 {
		return SchedulerSuspended
	}
	return SchedulerRunning
}

// NumberOfTasks returns the number of tasks the kernel tracks, including the
// idle task and deleted tasks not yet reclaimed.
func (k *Kernel) NumberOfTasks() int {
	k.enterCritical()
	defer k.exitCritical()
	return len(k.tasks)
}

// ContextSwitches returns how many times the CPU changed tasks.
func (k *Kernel) ContextSwitches() uint64 {
	k.enterCritical()
	defer k.exitCritical()
	return k.switches
}

// IdleTask returns the idle task, or nil before Start.
func (k *Kernel) IdleTask() *Task {
	if k.current() == nil {
		return nil
	}
	return k.idle
}
