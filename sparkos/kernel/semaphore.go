package kernel

// Semaphore is a binary or counting semaphore: a queue of empty items whose
// count is the semaphore value.
type Semaphore struct {
	q Queue
}

// NewBinarySemaphore creates a binary semaphore. It starts empty, so the
// first Take blocks until a Give.
func (k *Kernel) NewBinarySemaphore() (*Semaphore, error) {
	s := &Semaphore{}
	if err := k.allocQueue(&s.q, kindBinarySemaphore, 1, 0); err != nil {
		return nil, err
	}
	return s, nil
}

// NewBinarySemaphoreStatic creates a binary semaphore in buf.
func (k *Kernel) NewBinarySemaphoreStatic(buf *Semaphore) (*Semaphore, error) {
	if buf == nil {
		return nil, k.assertf(ErrProtocolViolation, "nil semaphore buffer")
	}
	if err := k.initStaticQueue(&buf.q, kindBinarySemaphore, 1, 0, nil); err != nil {
		return nil, err
	}
	return buf, nil
}

// NewCountingSemaphore creates a semaphore counting up to max, starting at
// initial.
func (k *Kernel) NewCountingSemaphore(max, initial int) (*Semaphore, error) {
	if err := k.checkCounts(max, initial); err != nil {
		return nil, err
	}
	s := &Semaphore{}
	if err := k.allocQueue(&s.q, kindCountingSemaphore, max, 0); err != nil {
		return nil, err
	}
	s.q.ring.count = initial
	return s, nil
}

// NewCountingSemaphoreStatic creates a counting semaphore in buf.
func (k *Kernel) NewCountingSemaphoreStatic(max, initial int, buf *Semaphore) (*Semaphore, error) {
	if err := k.checkCounts(max, initial); err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, k.assertf(ErrProtocolViolation, "nil semaphore buffer")
	}
	if err := k.initStaticQueue(&buf.q, kindCountingSemaphore, max, 0, nil); err != nil {
		return nil, err
	}
	buf.q.ring.count = initial
	return buf, nil
}

func (k *Kernel) checkCounts(max, initial int) error {
	if max < 1 || initial < 0 || initial > max {
		return k.assertAt(1, ErrProtocolViolation, "counting semaphore needs 0 <= initial <= max and max >= 1")
	}
	return nil
}

// Give increments the semaphore. Giving a semaphore at its maximum fails
// with ErrFull.
func (s *Semaphore) Give(ctx *Context) error {
	if err := ctx.enter(); err != nil {
		return err
	}
	defer ctx.exit()
	if err := s.q.usable(kindBinarySemaphore, kindCountingSemaphore); err != nil {
		return err
	}
	return s.q.sendLocked(ctx, nil, ctx.startTimeout(0), sendToBack)
}

// Take decrements the semaphore, waiting up to timeout ticks for it to be
// given.
func (s *Semaphore) Take(ctx *Context, timeout Ticks) error {
	return s.q.receive(ctx, nil, timeout, false, kindBinarySemaphore, kindCountingSemaphore)
}

// GiveFromISR increments the semaphore without blocking. It fails with
// ErrWouldBlock at the maximum.
func (s *Semaphore) GiveFromISR(isr *ISR) (bool, error) {
	if err := isr.check(s.q.k); err != nil {
		return false, err
	}
	if err := s.q.usable(kindBinarySemaphore, kindCountingSemaphore); err != nil {
		return false, err
	}
	return s.q.giveFromISR(isr, nil, sendToBack)
}

// TakeFromISR decrements the semaphore without blocking.
func (s *Semaphore) TakeFromISR(isr *ISR) (bool, error) {
	if err := isr.check(s.q.k); err != nil {
		return false, err
	}
	if err := s.q.usable(kindBinarySemaphore, kindCountingSemaphore); err != nil {
		return false, err
	}
	return s.q.takeFromISR(isr, nil)
}

// Count returns the semaphore value.
func (s *Semaphore) Count() int { return s.q.MessagesWaiting() }

// CountFromISR is Count from an interrupt handler.
func (s *Semaphore) CountFromISR(isr *ISR) int { return s.q.MessagesWaitingFromISR(isr) }

// Delete releases the semaphore.
func (s *Semaphore) Delete() error { return s.q.Delete() }
