package kernel

import "sparkrt/sparkos/internal/dlist"

// Mutex is a binary semaphore with an owner. While a higher priority task
// waits for it, the holder runs at that task's priority; the boost is undone
// when the holder releases the mutex.
type Mutex struct {
	q Queue
}

// NewMutex creates an available mutex.
func (k *Kernel) NewMutex() (*Mutex, error) {
	return k.newMutex(kindMutex, nil)
}

// NewMutexStatic creates an available mutex in buf.
func (k *Kernel) NewMutexStatic(buf *Mutex) (*Mutex, error) {
	if buf == nil {
		return nil, k.assertf(ErrProtocolViolation, "nil mutex buffer")
	}
	return k.newMutex(kindMutex, buf)
}

// NewRecursiveMutex creates a mutex its holder may take repeatedly; it is
// released after as many GiveRecursive calls as TakeRecursive calls.
func (k *Kernel) NewRecursiveMutex() (*Mutex, error) {
	return k.newMutex(kindRecursiveMutex, nil)
}

// NewRecursiveMutexStatic creates a recursive mutex in buf.
func (k *Kernel) NewRecursiveMutexStatic(buf *Mutex) (*Mutex, error) {
	if buf == nil {
		return nil, k.assertf(ErrProtocolViolation, "nil mutex buffer")
	}
	return k.newMutex(kindRecursiveMutex, buf)
}

func (k *Kernel) newMutex(kind queueKind, buf *Mutex) (*Mutex, error) {
	if !k.cfg.UseMutexes {
		return nil, k.assertAt(1, ErrFeatureDisabled, "mutexes")
	}
	if kind == kindRecursiveMutex && !k.cfg.UseRecursiveMutexes {
		return nil, k.assertAt(1, ErrFeatureDisabled, "recursive mutexes")
	}
	m := buf
	var err error
	if m == nil {
		m = &Mutex{}
		err = k.allocQueue(&m.q, kind, 1, 0)
	} else {
		err = k.initStaticQueue(&m.q, kind, 1, 0, nil)
	}
	if err != nil {
		return nil, err
	}
	m.q.ring.count = 1
	return m, nil
}

// Take acquires the mutex, waiting up to timeout ticks.
func (m *Mutex) Take(ctx *Context, timeout Ticks) error {
	return m.q.receive(ctx, nil, timeout, false, kindMutex)
}

// Give releases the mutex. Only the holder may give it; any other caller is
// a protocol violation.
func (m *Mutex) Give(ctx *Context) error {
	if err := ctx.enter(); err != nil {
		return err
	}
	defer ctx.exit()
	if err := m.q.usable(kindMutex); err != nil {
		return err
	}
	if m.q.holder != ctx.task {
		return m.q.k.assertf(ErrProtocolViolation, "mutex given by task %q which does not hold it", ctx.task.name)
	}
	m.q.release(ctx.task)
	return nil
}

// TakeRecursive acquires a recursive mutex or deepens the caller's hold on it.
func (m *Mutex) TakeRecursive(ctx *Context, timeout Ticks) error {
	if err := ctx.enter(); err != nil {
		return err
	}
	defer ctx.exit()
	if err := m.q.usable(kindRecursiveMutex); err != nil {
		return err
	}
	if m.q.holder == ctx.task {
		m.q.recursion++
		return nil
	}
	return m.q.receiveLocked(ctx, nil, ctx.startTimeout(timeout), false)
}

// GiveRecursive undoes one TakeRecursive. It fails with ErrNotOwner when the
// caller does not hold the mutex.
func (m *Mutex) GiveRecursive(ctx *Context) error {
	if err := ctx.enter(); err != nil {
		return err
	}
	defer ctx.exit()
	if err := m.q.usable(kindRecursiveMutex); err != nil {
		return err
	}
	if m.q.holder != ctx.task {
		return ErrNotOwner
	}
	m.q.recursion--
	if m.q.recursion == 0 {
		m.q.release(ctx.task)
	}
	return nil
}

// Holder returns the task holding the mutex, or nil.
func (m *Mutex) Holder() *Task {
	m.q.k.enterCritical()
	defer m.q.k.exitCritical()
	return m.q.holder
}

// HolderFromISR is Holder from an interrupt handler.
func (m *Mutex) HolderFromISR(isr *ISR) *Task {
	if isr.check(m.q.k) != nil {
		return nil
	}
	return m.q.holder
}

// Delete releases a mutex nobody holds.
func (m *Mutex) Delete() error { return m.q.Delete() }

// acquire records t as the holder. Called inside a critical section.
func (q *Queue) acquire(t *Task) {
	q.holder = t
	q.recursion = 1
	t.held = append(t.held, q)
}

// release hands the mutex back: the holder's priority is recomputed without
// this mutex's waiters and the highest priority waiter is woken.
func (q *Queue) release(t *Task) {
	k := q.k
	for i, m := range t.held {
		if m == q {
			t.held = append(t.held[:i], t.held[i+1:]...)
			break
		}
	}
	q.holder = nil
	q.recursion = 0
	k.setEffectivePriority(t, k.inheritedPriority(t))

	q.ring.pushBack(nil)
	if w := k.wakeFirst(&q.recvWaiters); w != nil {
		k.preemptIfHigher(w)
	}
}

// inheritedPriority is t's base priority raised to its highest priority
// waiter across the mutexes it holds.
func (k *Kernel) inheritedPriority(t *Task) Priority {
	p := t.basePriority
	for _, m := range t.held {
		if n := m.recvWaiters.Front(); n != nil && n.Owner().priority > p {
			p = n.Owner().priority
		}
	}
	return p
}

// relowerHolder recomputes the priority of the task holding the mutex whose
// waiters are l, once a waiter left l without taking it.
func (k *Kernel) relowerHolder(l *dlist.List[Task]) {
	for _, h := range k.tasks {
		for _, m := range h.held {
			if &m.recvWaiters == l {
				k.setEffectivePriority(h, k.inheritedPriority(h))
				return
			}
		}
	}
}

// setEffectivePriority changes t's running priority, moving it between ready
// lists and repositioning it in any wait list.
func (k *Kernel) setEffectivePriority(t *Task, p Priority) {
	if t.priority == p {
		return
	}
	old := t.priority
	t.priority = p
	if l := &k.ready[old]; t.stateNode.List() == l {
		l.Remove(&t.stateNode)
		k.ready[p].PushBack(&t.stateNode)
	}
	if l := t.eventNode.List(); l != nil {
		l.Remove(&t.eventNode)
		l.InsertOrdered(&t.eventNode, byPriority)
	}

	if t == k.current() {
		if p < old && k.highestReadyPriority() > p {
			k.yieldPending = true
		}
		return
	}
	if t.state == TaskReady {
		k.preemptIfHigher(t)
	}
}
