package kernel

import (
	"unsafe"

	"sparkrt/sparkos/internal/dlist"
)

type queueKind uint8

const (
	kindQueue queueKind = iota
	kindBinarySemaphore
	kindCountingSemaphore
	kindMutex
	kindRecursiveMutex
)

func (k queueKind) String() string {
	switch k {
	case kindQueue:
		return "queue"
	case kindBinarySemaphore:
		return "binary semaphore"
	case kindCountingSemaphore:
		return "counting semaphore"
	case kindMutex:
		return "mutex"
	case kindRecursiveMutex:
		return "recursive mutex"
	default:
		return "unknown"
	}
}

type sendPosition uint8

const (
	sendToBack sendPosition = iota
	sendToFront
	sendOverwrite
)

// Queue is a bounded FIFO of fixed-size items copied in and out by value.
// Tasks waiting to send or receive are served highest priority first, FIFO
// among equal priorities.
type Queue struct {
	k    *Kernel
	kind queueKind
	ring mailbox

	sendWaiters dlist.List[Task]
	recvWaiters dlist.List[Task]

	// Mutex ownership.
	holder    *Task
	recursion uint32

	static    bool
	heapBytes uintptr
	deleted   bool
}

// NewQueue creates a queue of length items of itemSize bytes, charging the
// control block and storage to the heap budget.
func (k *Kernel) NewQueue(length, itemSize int) (*Queue, error) {
	if err := k.checkQueueShape(length, itemSize); err != nil {
		return nil, err
	}
	q := &Queue{}
	if err := k.allocQueue(q, kindQueue, length, itemSize); err != nil {
		return nil, err
	}
	return q, nil
}

// NewQueueStatic creates a queue in caller-provided memory. storage must hold
// length*itemSize bytes.
func (k *Kernel) NewQueueStatic(length, itemSize int, storage []byte, buf *Queue) (*Queue, error) {
	if err := k.checkQueueShape(length, itemSize); err != nil {
		return nil, err
	}
	if err := k.initStaticQueue(buf, kindQueue, length, itemSize, storage); err != nil {
		return nil, err
	}
	return buf, nil
}

func (k *Kernel) checkQueueShape(length, itemSize int) error {
	if length < 1 || itemSize < 0 {
		return k.assertAt(1, ErrProtocolViolation, "queue needs a positive length and a non-negative item size")
	}
	return nil
}

func (k *Kernel) allocQueue(q *Queue, kind queueKind, length, itemSize int) error {
	if !k.cfg.SupportDynamicAllocation {
		return k.assertAt(1, ErrFeatureDisabled, "dynamic allocation")
	}
	k.enterCritical()
	defer k.exitCritical()
	charged := k.heap.alloc(unsafe.Sizeof(Queue{}) + uintptr(length*itemSize))
	if charged == 0 {
		return ErrResourceExhausted
	}
	*q = Queue{k: k, kind: kind, heapBytes: charged}
	q.ring.init(make([]byte, length*itemSize), length, itemSize)
	return nil
}

func (k *Kernel) initStaticQueue(q *Queue, kind queueKind, length, itemSize int, storage []byte) error {
	if !k.cfg.SupportStaticAllocation {
		return k.assertAt(1, ErrFeatureDisabled, "static allocation")
	}
	if q == nil {
		return k.assertAt(1, ErrProtocolViolation, "nil queue buffer")
	}
	if len(storage) < length*itemSize {
		return ErrResourceExhausted
	}
	*q = Queue{k: k, kind: kind, static: true}
	q.ring.init(storage, length, itemSize)
	return nil
}

func (q *Queue) isMutex() bool {
	return q.kind == kindMutex || q.kind == kindRecursiveMutex
}

// Len returns the queue capacity in items.
func (q *Queue) Len() int { return q.ring.length }

// ItemSize returns the size of one item in bytes.
func (q *Queue) ItemSize() int { return q.ring.itemSize }

// MessagesWaiting returns the number of queued items.
func (q *Queue) MessagesWaiting() int {
	q.k.enterCritical()
	defer q.k.exitCritical()
	return q.ring.count
}

// SpacesAvailable returns the number of free slots.
func (q *Queue) SpacesAvailable() int {
	q.k.enterCritical()
	defer q.k.exitCritical()
	return q.ring.length - q.ring.count
}

// MessagesWaitingFromISR returns the number of queued items.
func (q *Queue) MessagesWaitingFromISR(isr *ISR) int {
	if isr.check(q.k) != nil {
		return 0
	}
	return q.ring.count
}

// usable validates q for an operation. Called inside a critical section.
func (q *Queue) usable(kinds ...queueKind) error {
	if q.deleted {
		return q.k.assertAt(1, ErrProtocolViolation, "use of deleted "+q.kind.String())
	}
	for _, kind := range kinds {
		if q.kind == kind {
			return nil
		}
	}
	return q.k.assertAt(1, ErrProtocolViolation, "operation not supported by "+q.kind.String())
}

func (q *Queue) checkItem(item []byte) error {
	if len(item) < q.ring.itemSize {
		return q.k.assertAt(1, ErrProtocolViolation, "item buffer smaller than the queue item size")
	}
	return nil
}

// Send copies item to the back of the queue, waiting up to timeout ticks for
// space. A zero timeout on a full queue returns ErrFull.
func (q *Queue) Send(ctx *Context, item []byte, timeout Ticks) error {
	return q.send(ctx, item, timeout, sendToBack)
}

// SendToFront copies item to the front of the queue.
func (q *Queue) SendToFront(ctx *Context, item []byte, timeout Ticks) error {
	return q.send(ctx, item, timeout, sendToFront)
}

// Overwrite writes item into a length-one queue whether or not it is full.
func (q *Queue) Overwrite(ctx *Context, item []byte) error {
	return q.send(ctx, item, 0, sendOverwrite)
}

func (q *Queue) send(c *Context, item []byte, wait Ticks, pos sendPosition) error {
	if err := q.checkItem(item); err != nil {
		return err
	}
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	if err := q.usable(kindQueue); err != nil {
		return err
	}
	if pos == sendOverwrite && q.ring.length != 1 {
		return q.k.assertf(ErrProtocolViolation, "overwrite needs a queue of length one")
	}
	return q.sendLocked(c, item, c.startTimeout(wait), pos)
}

// sendLocked is the blocking send loop shared by queues and semaphores.
func (q *Queue) sendLocked(c *Context, item []byte, to timeout, pos sendPosition) error {
	k := q.k
	for {
		if !q.ring.full() || pos == sendOverwrite {
			q.copyIn(item, pos)
			if t := k.wakeFirst(&q.recvWaiters); t != nil {
				k.preemptIfHigher(t)
			}
			return nil
		}
		left, ok := to.remaining(k.tick)
		if !ok {
			if to.wait == 0 {
				return ErrFull
			}
			return ErrTimeout
		}
		if _, err := k.blockCurrent(&q.sendWaiters, left); err != nil {
			return err
		}
	}
}

func (q *Queue) copyIn(item []byte, pos sendPosition) {
	switch pos {
	case sendToFront:
		q.ring.pushFront(item)
	case sendOverwrite:
		q.ring.overwrite(item)
	default:
		q.ring.pushBack(item)
	}
}

// Receive moves the oldest item into dst, waiting up to timeout ticks for
// one. A zero timeout on an empty queue returns ErrEmpty.
func (q *Queue) Receive(ctx *Context, dst []byte, timeout Ticks) error {
	return q.receive(ctx, dst, timeout, false, kindQueue)
}

// ReceiveUntil is Receive with an absolute deadline tick. A deadline more than
// half the tick range ahead reads as already passed; Receive takes longer
// waits.
func (q *Queue) ReceiveUntil(ctx *Context, dst []byte, deadline Ticks) error {
	if err := q.checkItem(dst); err != nil {
		return err
	}
	if err := ctx.enter(); err != nil {
		return err
	}
	defer ctx.exit()
	if err := q.usable(kindQueue); err != nil {
		return err
	}
	to := ctx.startTimeout(0)
	if after(deadline, to.start) {
		to.wait = deadline - to.start
	}
	return q.receiveLocked(ctx, dst, to, false)
}

// Peek copies the oldest item into dst without removing it.
func (q *Queue) Peek(ctx *Context, dst []byte, timeout Ticks) error {
	return q.receive(ctx, dst, timeout, true, kindQueue)
}

func (q *Queue) receive(c *Context, dst []byte, wait Ticks, peek bool, kinds ...queueKind) error {
	if err := q.checkItem(dst); err != nil {
		return err
	}
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()
	if err := q.usable(kinds...); err != nil {
		return err
	}
	return q.receiveLocked(c, dst, c.startTimeout(wait), peek)
}

// receiveLocked is the blocking receive loop shared by queues, semaphores and
// mutexes. For mutexes a successful receive takes ownership, and a waiter
// lends its priority to the holder while it waits.
func (q *Queue) receiveLocked(c *Context, dst []byte, to timeout, peek bool) error {
	k := q.k
	cur := c.task
	for {
		if !q.ring.empty() {
			if peek {
				q.ring.peek(dst)
				// The item is still there for the next receiver.
				if t := k.wakeFirst(&q.recvWaiters); t != nil {
					k.preemptIfHigher(t)
				}
				return nil
			}
			q.ring.pop(dst)
			if q.isMutex() {
				q.acquire(cur)
			}
			if t := k.wakeFirst(&q.sendWaiters); t != nil {
				k.preemptIfHigher(t)
			}
			return nil
		}
		left, ok := to.remaining(k.tick)
		if !ok {
			if q.isMutex() && q.holder != nil {
				k.setEffectivePriority(q.holder, k.inheritedPriority(q.holder))
			}
			if to.wait == 0 {
				return ErrEmpty
			}
			return ErrTimeout
		}
		if q.isMutex() && q.holder != nil && cur.priority > q.holder.priority {
			k.setEffectivePriority(q.holder, cur.priority)
		}
		if _, err := k.blockCurrent(&q.recvWaiters, left); err != nil {
			return err
		}
	}
}

// Reset empties the queue. Tasks waiting to send are released to retry.
func (q *Queue) Reset(ctx *Context) error {
	if err := ctx.enter(); err != nil {
		return err
	}
	defer ctx.exit()
	if err := q.usable(kindQueue); err != nil {
		return err
	}
	q.ring.reset()
	if t := q.k.wakeFirst(&q.sendWaiters); t != nil {
		q.k.preemptIfHigher(t)
	}
	return nil
}

// Delete releases the queue. No task may be waiting on it.
func (q *Queue) Delete() error {
	k := q.k
	k.enterCritical()
	defer k.exitCritical()
	if q.deleted {
		return k.assertf(ErrProtocolViolation, "double delete of %s", q.kind)
	}
	if !q.sendWaiters.Empty() || !q.recvWaiters.Empty() {
		return k.assertf(ErrProtocolViolation, "delete of %s with waiting tasks", q.kind)
	}
	if q.holder != nil {
		return k.assertf(ErrProtocolViolation, "delete of held %s", q.kind)
	}
	q.deleted = true
	k.heap.release(q.heapBytes)
	q.heapBytes = 0
	return nil
}

// SendFromISR copies item to the back of the queue without blocking. It
// fails with ErrWouldBlock when the queue is full.
func (q *Queue) SendFromISR(isr *ISR, item []byte) (bool, error) {
	return q.sendFromISR(isr, item, sendToBack)
}

// SendToFrontFromISR copies item to the front of the queue without blocking.
func (q *Queue) SendToFrontFromISR(isr *ISR, item []byte) (bool, error) {
	return q.sendFromISR(isr, item, sendToFront)
}

// OverwriteFromISR writes item into a length-one queue.
func (q *Queue) OverwriteFromISR(isr *ISR, item []byte) (bool, error) {
	return q.sendFromISR(isr, item, sendOverwrite)
}

func (q *Queue) sendFromISR(isr *ISR, item []byte, pos sendPosition) (bool, error) {
	if err := isr.check(q.k); err != nil {
		return false, err
	}
	if err := q.checkItem(item); err != nil {
		return false, err
	}
	if err := q.usable(kindQueue); err != nil {
		return false, err
	}
	if pos == sendOverwrite && q.ring.length != 1 {
		return false, q.k.assertf(ErrProtocolViolation, "overwrite needs a queue of length one")
	}
	return q.giveFromISR(isr, item, pos)
}

func (q *Queue) giveFromISR(isr *ISR, item []byte, pos sendPosition) (bool, error) {
	if q.ring.full() && pos != sendOverwrite {
		return false, ErrWouldBlock
	}
	q.copyIn(item, pos)
	if t := q.k.wakeFirst(&q.recvWaiters); t != nil {
		return isr.woke(t), nil
	}
	return false, nil
}

// ReceiveFromISR moves the oldest item into dst without blocking. It fails
// with ErrWouldBlock when the queue is empty.
func (q *Queue) ReceiveFromISR(isr *ISR, dst []byte) (bool, error) {
	if err := isr.check(q.k); err != nil {
		return false, err
	}
	if err := q.checkItem(dst); err != nil {
		return false, err
	}
	if err := q.usable(kindQueue); err != nil {
		return false, err
	}
	return q.takeFromISR(isr, dst)
}

func (q *Queue) takeFromISR(isr *ISR, dst []byte) (bool, error) {
	if q.ring.empty() {
		return false, ErrWouldBlock
	}
	q.ring.pop(dst)
	if t := q.k.wakeFirst(&q.sendWaiters); t != nil {
		return isr.woke(t), nil
	}
	return false, nil
}

// PeekFromISR copies the oldest item into dst without removing it.
func (q *Queue) PeekFromISR(isr *ISR, dst []byte) error {
	if err := isr.check(q.k); err != nil {
		return err
	}
	if err := q.checkItem(dst); err != nil {
		return err
	}
	if err := q.usable(kindQueue); err != nil {
		return err
	}
	if q.ring.empty() {
		return ErrWouldBlock
	}
	q.ring.peek(dst)
	return nil
}
