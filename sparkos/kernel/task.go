package kernel

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"sparkrt/sparkos/internal/dlist"
)

// TaskState is the scheduler state of a task.
type TaskState uint8

const (
	TaskRunning TaskState = iota
	TaskReady
	TaskBlocked
	TaskSuspended
	TaskDeleted
	TaskInvalid
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskReady:
		return "ready"
	case TaskBlocked:
		return "blocked"
	case TaskSuspended:
		return "suspended"
	case TaskDeleted:
		return "deleted"
	default:
		return "invalid"
	}
}

// Runner is the body of a task. Returning from Run deletes the task.
type Runner interface {
	Run(ctx *Context)
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx *Context)

func (f RunFunc) Run(ctx *Context) { f(ctx) }

// TaskConfig describes a task to create.
type TaskConfig struct {
	Name     string
	Priority Priority
	Run      Runner

	// StackDepth is the stack size in words. Zero selects MinimalStackSize.
	StackDepth uint32
}

// StackWordSize is the width of one stack word in bytes.
const StackWordSize = 4

type wakeReason uint8

const (
	wakeNone wakeReason = iota
	wakeEvent
	wakeTimeout
	wakeResumed
)

// Task is a task control block.
type Task struct {
	k *Kernel

	name   string
	number uint32
	run    Runner

	priority     Priority // effective, raised by mutex inheritance
	basePriority Priority
	state        TaskState

	// stateNode links the task into exactly one of the ready, delayed, blocked,
	// suspended, pending-ready or termination lists. Key holds the wake tick
	// while delayed.
	stateNode dlist.Node[Task]
	// eventNode links the task into a queue wait list.
	eventNode  dlist.Node[Task]
	wakeReason wakeReason

	notifyValue []uint32
	notifyState []notifyState

	held []*Queue // mutexes held, for priority inheritance

	stackDepth uint32
	stack      []byte
	static     bool
	heapBytes  uintptr

	runTicks uint32

	wake     chan struct{}
	killed   chan struct{}
	launched bool
	deleted  atomic.Bool

	savedNesting uint32
	exiting      bool
}

// Name returns the task name, truncated to MaxTaskNameLen-1 bytes.
func (t *Task) Name() string { return t.name }

// Number returns the unique task number assigned at creation.
func (t *Task) Number() uint32 { return t.number }

// State returns the task's scheduler state.
func (t *Task) State() TaskState {
	if t.deleted.Load() {
		return TaskDeleted
	}
	t.k.enterCritical()
	defer t.k.exitCritical()
	return t.state
}

// Priority returns the task's effective priority.
func (t *Task) Priority() Priority {
	t.k.enterCritical()
	defer t.k.exitCritical()
	return t.priority
}

// BasePriority returns the priority assigned by the application.
func (t *Task) BasePriority() Priority {
	t.k.enterCritical()
	defer t.k.exitCritical()
	return t.basePriority
}

// StateFromISR is State from an interrupt handler.
func (t *Task) StateFromISR(isr *ISR) TaskState {
	if isr.check(t.k) != nil {
		return TaskInvalid
	}
	if t.deleted.Load() {
		return TaskDeleted
	}
	return t.state
}

// PriorityFromISR is Priority from an interrupt handler.
func (t *Task) PriorityFromISR(isr *ISR) Priority {
	if isr.check(t.k) != nil {
		return IdlePriority
	}
	return t.priority
}

// CreateTask allocates a task's control block and stack from the heap
// budget and makes it ready. It may be called before Start or from a task.
func (k *Kernel) CreateTask(cfg TaskConfig) (*Task, error) {
	if !k.cfg.SupportDynamicAllocation {
		return nil, k.assertf(ErrFeatureDisabled, "dynamic allocation")
	}
	if err := k.checkTaskConfig(&cfg); err != nil {
		return nil, err
	}
	t := &Task{}

	k.enterCritical()
	defer k.exitCritical()
	size := unsafe.Sizeof(Task{}) + uintptr(cfg.StackDepth)*StackWordSize
	charged := k.heap.alloc(size)
	if charged == 0 {
		k.log.Debug("task allocation failed", zap.String("task", cfg.Name), zap.Uintptr("bytes", size))
		return nil, ErrResourceExhausted
	}
	k.initTask(t, cfg)
	t.heapBytes = charged
	k.addTask(t)
	return t, nil
}

// CreateTaskStatic creates a task in caller-provided memory. stack must hold
// at least StackDepth words.
func (k *Kernel) CreateTaskStatic(cfg TaskConfig, stack []byte, tcb *Task) (*Task, error) {
	if !k.cfg.SupportStaticAllocation {
		return nil, k.assertf(ErrFeatureDisabled, "static allocation")
	}
	if tcb == nil {
		return nil, k.assertf(ErrProtocolViolation, "nil task buffer")
	}
	if err := k.checkTaskConfig(&cfg); err != nil {
		return nil, err
	}
	if uintptr(len(stack)) < uintptr(cfg.StackDepth)*StackWordSize {
		return nil, ErrResourceExhausted
	}

	k.enterCritical()
	defer k.exitCritical()
	if tcb.k != nil && !tcb.deleted.Load() {
		return nil, k.assertf(ErrProtocolViolation, "task buffer %q already in use", tcb.name)
	}
	*tcb = Task{}
	k.initTask(tcb, cfg)
	tcb.stack = stack
	tcb.static = true
	k.addTask(tcb)
	return tcb, nil
}

func (k *Kernel) checkTaskConfig(cfg *TaskConfig) error {
	if cfg.Run == nil {
		return k.assertAt(1, ErrProtocolViolation, "task has no body")
	}
	if int(cfg.Priority) >= k.cfg.MaxPriorities {
		return k.assertAt(1, ErrProtocolViolation, "task priority out of range")
	}
	if cfg.StackDepth == 0 {
		cfg.StackDepth = k.cfg.MinimalStackSize
	}
	if max := k.cfg.MaxTaskNameLen - 1; len(cfg.Name) > max {
		cfg.Name = cfg.Name[:max]
	}
	return nil
}

func (k *Kernel) initTask(t *Task, cfg TaskConfig) {
	t.k = k
	t.name = cfg.Name
	t.run = cfg.Run
	t.priority = cfg.Priority
	t.basePriority = cfg.Priority
	t.stackDepth = cfg.StackDepth
	t.stateNode.Init(t)
	t.eventNode.Init(t)
	t.notifyValue = make([]uint32, k.cfg.NotificationSlots)
	t.notifyState = make([]notifyState, k.cfg.NotificationSlots)
	t.wake = make(chan struct{}, 1)
	t.killed = make(chan struct{})
	// A fresh task resumes inside the critical section its dispatcher holds.
	t.savedNesting = 1
	k.nextNumber++
	t.number = k.nextNumber
}

// addTask makes t ready. Called inside a critical section.
func (k *Kernel) addTask(t *Task) {
	k.tasks = append(k.tasks, t)
	k.makeReady(t)
	k.log.Debug("task created",
		zap.String("task", t.name),
		zap.Uint32("number", t.number),
		zap.Uint8("priority", uint8(t.priority)),
		zap.Bool("static", t.static))
	if k.current() != nil {
		k.launch(t)
		k.preemptIfHigher(t)
	}
}

func (k *Kernel) launch(t *Task) {
	if t.launched {
		return
	}
	t.launched = true
	k.group.Go(func() error { return k.runTask(t) })
}

// runTask is the goroutine body of every task.
func (k *Kernel) runTask(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = k.taskPanicked(t, r)
		}
	}()
	k.park(t)
	k.critNesting = t.savedNesting
	k.exitCritical()

	t.run.Run(&Context{k: k, task: t})

	k.enterCritical()
	k.deleteCurrent()
	return nil
}

// park blocks the calling task goroutine until it is handed the CPU. A
// killed task or a halted kernel ends the goroutine.
func (k *Kernel) park(t *Task) {
	select {
	case <-t.wake:
	case <-t.killed:
		t.exit()
	case <-k.haltCh:
		t.exit()
	}
}

// exit ends the task's goroutine. Deferred kernel exits on the way out are
// skipped since the goroutine no longer owns the CPU.
func (t *Task) exit() {
	t.exiting = true
	runtime.Goexit()
}

// Delete removes a task. A nil task or the caller's own task deletes the
// caller, whose memory is reclaimed later by the idle task. A task holding a
// mutex cannot be deleted.
func (c *Context) Delete(t *Task) error {
	if t == nil || t == c.task {
		if err := c.enter(); err != nil {
			return err
		}
		if len(c.task.held) > 0 {
			c.exit()
			return c.k.assertf(ErrProtocolViolation, "task %q deleted itself holding a mutex", c.task.name)
		}
		c.k.deleteCurrent()
		return nil // unreachable
	}
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	return c.k.deleteOther(t)
}

func (k *Kernel) deleteOther(t *Task) error {
	if t.k != k || t == k.idle {
		return k.assertf(ErrProtocolViolation, "cannot delete task %q", t.name)
	}
	if t.state == TaskDeleted {
		return nil
	}
	if len(t.held) > 0 {
		return k.assertf(ErrProtocolViolation, "delete of task %q holding a mutex", t.name)
	}
	waitList := t.eventNode.List()
	dlist.Unlink(&t.stateNode)
	dlist.Unlink(&t.eventNode)
	t.state = TaskDeleted
	t.deleted.Store(true)
	close(t.killed)
	if waitList != nil {
		k.relowerHolder(waitList)
	}
	k.forget(t)
	k.log.Debug("task deleted", zap.String("task", t.name))
	return nil
}

// deleteCurrent removes the running task and switches away. The task's
// goroutine ends during the switch. Called inside a critical section.
func (k *Kernel) deleteCurrent() {
	t := k.current()
	if k.critNesting != 1 || k.suspendAll > 0 {
		k.assertf(ErrProtocolViolation, "task %q deleted itself inside a critical section", t.name)
	}
	dlist.Unlink(&t.stateNode)
	dlist.Unlink(&t.eventNode)
	t.state = TaskDeleted
	t.deleted.Store(true)
	k.terminating.PushBack(&t.stateNode)
	k.log.Debug("task deleted", zap.String("task", t.name))
	k.switchContext()
}

// forget drops a deleted task from the registry and returns its heap charge.
func (k *Kernel) forget(t *Task) {
	for i, x := range k.tasks {
		if x == t {
			k.tasks = append(k.tasks[:i], k.tasks[i+1:]...)
			break
		}
	}
	k.heap.release(t.heapBytes)
	t.heapBytes = 0
}

// reapTerminated releases tasks that deleted themselves.
func (k *Kernel) reapTerminated() {
	for n := k.terminating.PopFront(); n != nil; n = k.terminating.PopFront() {
		k.forget(n.Owner())
	}
}

// Suspend moves a task (nil for the caller) to the suspended list until Resume.
func (c *Context) Suspend(t *Task) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	if t == nil {
		t = c.task
	}
	return c.k.suspend(t)
}

func (k *Kernel) suspend(t *Task) error {
	if t.state == TaskDeleted || t.k != k {
		return k.assertf(ErrProtocolViolation, "suspend of deleted task")
	}
	if t == k.idle {
		return k.assertf(ErrProtocolViolation, "cannot suspend the idle task")
	}
	if t.state == TaskSuspended {
		return nil
	}
	dlist.Unlink(&t.stateNode)
	dlist.Unlink(&t.eventNode)
	for i, st := range t.notifyState {
		if st == notifyWaiting {
			t.notifyState[i] = notifyIdle
		}
	}
	wasRunning := t == k.current()
	t.state = TaskSuspended
	t.wakeReason = wakeResumed
	k.suspended.PushBack(&t.stateNode)
	if wasRunning {
		if k.critNesting != 1 || k.suspendAll > 0 {
			return k.assertf(ErrProtocolViolation, "task %q suspended itself inside a critical section", t.name)
		}
		k.switchContext()
	}
	return nil
}

// Resume readies a suspended task.
func (c *Context) Resume(t *Task) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	if t == nil || t == c.task {
		return c.k.assertf(ErrProtocolViolation, "task cannot resume itself")
	}
	if c.k.resume(t) {
		c.k.preemptIfHigher(t)
	}
	return nil
}

func (k *Kernel) resume(t *Task) bool {
	if t.state != TaskSuspended {
		return false
	}
	k.suspended.Remove(&t.stateNode)
	k.makeReady(t)
	return true
}

// SetPriority changes a task's base priority (nil for the caller). The
// effective priority never drops below what held mutexes require.
func (c *Context) SetPriority(t *Task, p Priority) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	if int(p) >= c.k.cfg.MaxPriorities {
		return c.k.assertf(ErrProtocolViolation, "priority %d out of range", p)
	}
	if t == nil {
		t = c.task
	}
	if t.state == TaskDeleted {
		return c.k.assertf(ErrProtocolViolation, "set priority of deleted task")
	}
	t.basePriority = p
	c.k.setEffectivePriority(t, c.k.inheritedPriority(t))
	return nil
}
