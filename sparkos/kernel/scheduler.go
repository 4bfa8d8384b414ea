package kernel

import (
	"sparkrt/sparkos/internal/dlist"
)

func (k *Kernel) current() *Task { return k.cur.Load() }

// after reports whether tick a is later than tick b.
func after(a, b Ticks) bool { return int32(a-b) > 0 }

// byPriority orders wait lists: highest priority first, FIFO among equals.
func byPriority(a, b *dlist.Node[Task]) bool {
	return a.Owner().priority > b.Owner().priority
}

func byWakeTick(a, b *dlist.Node[Task]) bool {
	return a.Key < b.Key
}

// delayList holds tasks waking before the tick counter next wraps; the other
// list holds those waking after it. The two swap roles when the counter wraps.
func (k *Kernel) delayList() *dlist.List[Task] { return &k.delayLists[k.delayCur] }

func (k *Kernel) overflowList() *dlist.List[Task] { return &k.delayLists[1-k.delayCur] }

func (k *Kernel) anyDelayed() bool {
	return !k.delayLists[0].Empty() || !k.delayLists[1].Empty()
}

// delay puts t on the delayed lists to wake timeout ticks from now.
func (k *Kernel) delay(t *Task, timeout Ticks) {
	wake := k.tick + timeout
	t.stateNode.Key = uint32(wake)
	if wake < k.tick {
		k.overflowList().InsertOrdered(&t.stateNode, byWakeTick)
		return
	}
	k.delayList().InsertOrdered(&t.stateNode, byWakeTick)
}

func (k *Kernel) highestReady() *Task {
	for p := len(k.ready) - 1; p >= 0; p-- {
		if n := k.ready[p].Front(); n != nil {
			return n.Owner()
		}
	}
	return nil
}

func (k *Kernel) highestReadyPriority() Priority {
	if t := k.highestReady(); t != nil {
		return t.priority
	}
	return IdlePriority
}

// makeReady puts t on the back of its ready list. While the scheduler is
// suspended the ready lists are frozen and t waits on the pending-ready list.
func (k *Kernel) makeReady(t *Task) {
	t.state = TaskReady
	if k.suspendAll > 0 {
		k.pendingReady.PushBack(&t.stateNode)
		return
	}
	k.ready[t.priority].PushBack(&t.stateNode)
}

// preemptIfHigher requests a switch when t should run before the current task.
func (k *Kernel) preemptIfHigher(t *Task) bool {
	cur := k.current()
	if cur == nil || !k.cfg.UsePreemption || t.priority <= cur.priority {
		return false
	}
	k.yieldPending = true
	return true
}

// wakeTask moves a waiting task to ready.
func (k *Kernel) wakeTask(t *Task, reason wakeReason) {
	dlist.Unlink(&t.stateNode)
	dlist.Unlink(&t.eventNode)
	t.wakeReason = reason
	k.makeReady(t)
}

// wakeFirst readies the highest priority waiter of l, if any.
func (k *Kernel) wakeFirst(l *dlist.List[Task]) *Task {
	n := l.Front()
	if n == nil {
		return nil
	}
	t := n.Owner()
	k.wakeTask(t, wakeEvent)
	return t
}

// blockCurrent moves the running task off the ready list, optionally onto an
// event wait list, and switches away until it is woken or the timeout
// expires. Called with exactly one level of critical section held.
func (k *Kernel) blockCurrent(event *dlist.List[Task], timeout Ticks) (wakeReason, error) {
	t := k.current()
	if k.suspendAll > 0 {
		return wakeNone, k.assertAt(1, ErrProtocolViolation, "blocking call while the scheduler is suspended")
	}
	if k.critNesting != 1 {
		return wakeNone, k.assertAt(1, ErrProtocolViolation, "blocking call inside a critical section")
	}
	k.ready[t.priority].Remove(&t.stateNode)
	if event != nil {
		event.InsertOrdered(&t.eventNode, byPriority)
	}
	t.state = TaskBlocked
	t.wakeReason = wakeNone
	if timeout == MaxDelay {
		k.blocked.PushBack(&t.stateNode)
	} else {
		k.delay(t, timeout)
	}
	k.switchContext()
	return t.wakeReason, nil
}

// switchContext hands the CPU to the highest priority ready task. The
// caller's goroutine parks until it is selected again, still inside its
// critical section.
func (k *Kernel) switchContext() {
	cur := k.current()
	if k.halted.Load() {
		k.teardown(cur)
	}
	if cur.state == TaskRunning && k.rotate {
		if l := &k.ready[cur.priority]; l.Len() > 1 && cur.stateNode.List() == l {
			l.Remove(&cur.stateNode)
			l.PushBack(&cur.stateNode)
		}
	}
	k.rotate = false
	k.yieldPending = false

	next := k.highestReady()
	if next == cur {
		return
	}
	if cur.state == TaskRunning {
		cur.state = TaskReady
	}
	next.state = TaskRunning
	cur.savedNesting = k.critNesting
	k.switches++
	k.cur.Store(next)
	next.wake <- struct{}{}

	if cur.state == TaskDeleted {
		cur.exit()
	}
	k.park(cur)
	k.critNesting = cur.savedNesting
}

// teardown ends the running task's goroutine after a halt, releasing the
// critical section it holds.
func (k *Kernel) teardown(t *Task) {
	if k.critNesting > 0 {
		k.critNesting = 0
		k.mu.Unlock()
	}
	t.exit()
}

// tickLocked is the body of the tick interrupt. It reports whether a switch
// is needed.
func (k *Kernel) tickLocked(isr *ISR) bool {
	if k.suspendAll > 0 {
		k.pendedTicks++
		return false
	}
	k.tick++
	now := k.tick
	cur := k.current()
	if cur != nil {
		cur.runTicks++
	}

	switchNeeded := false
	expire := func(t *Task) {
		k.wakeTask(t, wakeTimeout)
		if cur != nil && k.cfg.UsePreemption && t.priority > cur.priority {
			switchNeeded = true
		}
	}
	if now == 0 {
		// Wrapped: whatever is left was due by the last tick of the old range.
		for n := k.delayList().Front(); n != nil; n = k.delayList().Front() {
			expire(n.Owner())
		}
		k.delayCur = 1 - k.delayCur
	}
	for n := k.delayList().Front(); n != nil && Ticks(n.Key) <= now; n = k.delayList().Front() {
		expire(n.Owner())
	}
	if cur != nil && k.cfg.UsePreemption && k.cfg.UseTimeSlicing && k.ready[cur.priority].Len() > 1 {
		k.rotate = true
		switchNeeded = true
	}
	if hook := k.cfg.TickHook; hook != nil {
		if isr == nil {
			isr = &ISR{k: k}
			k.runTickHook(isr, hook)
		} else {
			hook(isr)
		}
		if isr.yield {
			switchNeeded = true
		}
	}
	return switchNeeded
}

// runTickHook runs the tick hook for a tick the idle task plays itself. The
// hook sees the same interrupt context as on a real tick.
func (k *Kernel) runTickHook(isr *ISR, hook func(*ISR)) {
	k.isrActive.Store(true)
	defer func() {
		isr.done = true
		k.isrReentry = 0
		k.isrActive.Store(false)
	}()
	k.runHandler(isr, hook)
}

// idleLoop is the body of the idle task. It reclaims self-deleted tasks, runs
// the idle hook and, when nothing else can run, either advances virtual time
// to the next wake tick or waits for an interrupt.
func (k *Kernel) idleLoop(ctx *Context) {
	for {
		if k.halted.Load() {
			ctx.task.exit()
		}
		k.enterCritical()
		k.reapTerminated()
		if k.ready[IdlePriority].Len() > 1 {
			k.rotate = true
			k.yieldPending = true
		}
		k.exitCritical()

		if hook := k.cfg.IdleHook; hook != nil {
			hook()
		}

		k.enterCritical()
		if !k.yieldPending {
			if k.cfg.VirtualTime && k.suspendAll == 0 && k.anyDelayed() {
				k.advanceTime()
			} else {
				k.waitForInterrupt(ctx.task)
			}
		}
		k.exitCritical()
	}
}

// advanceTime plays tick interrupts until a delayed task becomes ready. Without
// a tick hook idle stretches are skipped.
func (k *Kernel) advanceTime() {
	for k.onlyIdleReady() && k.anyDelayed() {
		if k.cfg.TickHook == nil {
			k.skipIdleTicks()
		}
		k.tickLocked(nil)
	}
	k.rotate = true
	k.yieldPending = true
}

// skipIdleTicks moves the counter to the tick before the next wake-up, or to
// the last tick before the counter wraps when every delayed task wakes after
// the wrap.
func (k *Kernel) skipIdleTicks() {
	d := MaxDelay - k.tick
	if n := k.delayList().Front(); n != nil {
		if d = Ticks(n.Key) - k.tick; d > 0 {
			d--
		}
	}
	k.tick += d
	k.idle.runTicks += uint32(d)
}

func (k *Kernel) onlyIdleReady() bool {
	return k.highestReady() == k.idle && k.ready[IdlePriority].Len() == 1
}

// waitForInterrupt releases the interrupt mask while the idle task sleeps.
func (k *Kernel) waitForInterrupt(idle *Task) {
	k.critNesting = 0
	k.mu.Unlock()
	select {
	case <-k.irq:
	case <-k.haltCh:
		idle.exit()
	}
	k.mu.Lock()
	k.critNesting = 1
}

func (k *Kernel) signalInterrupt() {
	select {
	case k.irq <- struct{}{}:
	default:
	}
}
