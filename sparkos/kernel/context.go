package kernel

import (
	"time"
)

// Context provides task-local access to kernel operations. It is handed to
// Runner.Run and is only valid on that task.
type Context struct {
	k    *Kernel
	task *Task
}

// Kernel returns the kernel running the task.
func (c *Context) Kernel() *Kernel { return c.k }

// Task returns the calling task.
func (c *Context) Task() *Task { return c.task }

// enter opens a critical section for a task-context operation.
func (c *Context) enter() error {
	t := c.task
	if t.deleted.Load() || t.exiting {
		return ErrTaskDeleted
	}
	k := c.k
	if k.halted.Load() && k.critNesting == 0 {
		t.exit()
	}
	k.enterCritical()
	if k.current() != t {
		k.exitCritical()
		return k.assertAt(1, ErrProtocolViolation, "task context used off its task")
	}
	return nil
}

func (c *Context) exit() {
	if c.task.exiting {
		return
	}
	c.k.exitCritical()
}

// timeout tracks the remaining wait of a blocking call across retries.
type timeout struct {
	start Ticks
	wait  Ticks
}

func (c *Context) startTimeout(wait Ticks) timeout {
	return timeout{start: c.k.tick, wait: wait}
}

// remaining returns the ticks left to wait, or false once the wait elapsed.
func (to timeout) remaining(now Ticks) (Ticks, bool) {
	if to.wait == MaxDelay {
		return MaxDelay, true
	}
	elapsed := now - to.start
	if elapsed >= to.wait {
		return 0, false
	}
	return to.wait - elapsed, true
}

// TickCount returns the tick counter.
func (c *Context) TickCount() Ticks {
	if err := c.enter(); err != nil {
		return 0
	}
	defer c.exit()
	return c.k.tick
}

// Delay blocks the task for ticks tick periods, counted from the call.
// Delay(0) yields.
func (c *Context) Delay(ticks Ticks) error {
	if ticks == 0 {
		return c.Yield()
	}
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	_, err := c.k.blockCurrent(nil, ticks)
	return err
}

// DelayFor blocks for at least d of wall-clock time at the configured tick rate.
func (c *Context) DelayFor(d time.Duration) error {
	return c.Delay(c.k.DurationToTicks(d))
}

// DelayUntil blocks until *lastWake + increment and stores that tick in
// *lastWake, so periodic tasks do not drift. It reports whether the task
// actually blocked; a deadline already in the past returns at once.
func (c *Context) DelayUntil(lastWake *Ticks, increment Ticks) (bool, error) {
	if lastWake == nil || increment == 0 {
		return false, c.k.assertf(ErrProtocolViolation, "DelayUntil needs a last wake tick and a positive increment")
	}
	if err := c.enter(); err != nil {
		return false, err
	}
	defer c.exit()

	k := c.k
	now := k.tick
	wake := *lastWake + increment
	var shouldDelay bool
	if now < *lastWake {
		// The tick counter wrapped since lastWake.
		shouldDelay = wake < *lastWake && wake > now
	} else {
		shouldDelay = wake < *lastWake || wake > now
	}
	*lastWake = wake
	if !shouldDelay {
		return false, nil
	}
	if _, err := k.blockCurrent(nil, wake-now); err != nil {
		return false, err
	}
	return true, nil
}

// Yield moves the task behind the other ready tasks of its priority.
func (c *Context) Yield() error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	c.k.rotate = true
	c.k.yieldPending = true
	return nil
}

// Busy consumes n ticks of CPU time. With virtual time each tick interrupt is
// raised by the task itself; otherwise the task spins until the external tick
// source has advanced n ticks. Higher priority tasks preempt it either way.
func (c *Context) Busy(n Ticks) error {
	k := c.k
	if k.cfg.VirtualTime {
		for i := Ticks(0); i < n; i++ {
			if err := c.enter(); err != nil {
				return err
			}
			if k.tickLocked(nil) {
				k.yieldPending = true
			}
			c.exit()
		}
		return nil
	}

	period := k.TickPeriod()
	var used Ticks
	for used < n {
		if err := c.enter(); err != nil {
			return err
		}
		before := k.tick
		c.exit()
		time.Sleep(period)
		if err := c.enter(); err != nil {
			return err
		}
		used += k.tick - before
		c.exit()
	}
	return nil
}

// SuspendAll freezes scheduling without masking interrupts. Calls nest; ticks
// and wakeups that arrive meanwhile are applied by the matching ResumeAll.
func (c *Context) SuspendAll() error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	c.k.suspendAll++
	return nil
}

// ResumeAll undoes one SuspendAll. It reports whether resuming caused a
// context switch.
func (c *Context) ResumeAll() (bool, error) {
	if err := c.enter(); err != nil {
		return false, err
	}
	defer c.exit()
	k := c.k
	if k.suspendAll == 0 {
		return false, k.assertf(ErrProtocolViolation, "ResumeAll without SuspendAll")
	}
	k.suspendAll--
	if k.suspendAll > 0 {
		return false, nil
	}

	for n := k.pendingReady.PopFront(); n != nil; n = k.pendingReady.PopFront() {
		t := n.Owner()
		k.ready[t.priority].PushBack(&t.stateNode)
		k.preemptIfHigher(t)
	}
	for ; k.pendedTicks > 0; k.pendedTicks-- {
		if k.tickLocked(nil) {
			k.yieldPending = true
		}
	}
	return k.yieldPending && k.critNesting == 1, nil
}

// Halt stops the kernel with err and ends the calling task.
func (c *Context) Halt(err error) {
	k := c.k
	k.Halt(err)
	if !c.task.exiting {
		k.teardown(c.task)
	}
}

// TickPeriod returns the wall-clock length of one tick.
func (k *Kernel) TickPeriod() time.Duration {
	return time.Second / time.Duration(k.cfg.TickRateHz)
}

// DurationToTicks converts d to ticks, rounding up.
func (k *Kernel) DurationToTicks(d time.Duration) Ticks {
	p := k.TickPeriod()
	return Ticks((d + p - 1) / p)
}

// TickCount returns the tick counter. It may be called from any task, before
// Start or after Halt.
func (k *Kernel) TickCount() Ticks {
	k.enterCritical()
	defer k.exitCritical()
	return k.tick
}
