package kernel

import (
	"fmt"

	"go.uber.org/zap"
)

// ISR is the handle passed to interrupt handlers. Operations on it never
// block and never switch tasks; they report whether a task of higher
// priority than the interrupted one was woken, and the handler requests the
// switch with YieldFromISR.
type ISR struct {
	k     *Kernel
	yield bool
	mask  uint32
	done  bool
}

// Interrupt runs handler as an interrupt service routine. It may be called
// from any goroutine: the handler runs with the interrupt mask held, and a
// switch it requests is taken when the running task next enters the kernel.
//
// Handlers may only use operations taking the *ISR. Task-level calls made
// from a handler, including a nested Interrupt, are protocol violations.
func (k *Kernel) Interrupt(handler func(isr *ISR)) (err error) {
	if k.isrActive.Load() && inHandler() {
		return k.assertf(ErrProtocolViolation, "interrupt raised from an interrupt handler")
	}
	k.mu.Lock()
	if k.halted.Load() {
		k.mu.Unlock()
		return ErrHalted
	}
	isr := &ISR{k: k}
	k.isrActive.Store(true)
	defer func() {
		isr.done = true
		if r := recover(); r != nil {
			err = k.interruptPanicked(r)
		} else if isr.yield {
			k.yieldPending = true
		}
		k.isrReentry = 0
		k.isrActive.Store(false)
		k.mu.Unlock()
		k.signalInterrupt()
	}()
	k.runHandler(isr, handler)
	return nil
}

// runHandler calls handler. Its frame marks handler code on the stack.
//
//go:noinline
func (k *Kernel) runHandler(isr *ISR, handler func(isr *ISR)) {
	handler(isr)
}

func (k *Kernel) interruptPanicked(r any) error {
	var err error
	switch v := r.(type) {
	case Assertion:
		err = v.Err
	case error:
		err = fmt.Errorf("interrupt handler panicked: %w", v)
	default:
		err = fmt.Errorf("interrupt handler panicked: %v", r)
	}
	k.log.Error("interrupt panic", zap.Error(err))
	k.Halt(err)
	return err
}

// Tick raises the tick interrupt.
func (k *Kernel) Tick() error {
	if k.current() == nil {
		return ErrSchedulerNotRunning
	}
	return k.Interrupt(func(isr *ISR) {
		isr.YieldFromISR(k.tickLocked(isr))
	})
}

// Interrupt raises a software interrupt from the running task. A switch the
// handler requests is taken before Interrupt returns.
func (c *Context) Interrupt(handler func(isr *ISR)) error {
	if c.k.critNesting > 0 {
		return c.k.assertf(ErrProtocolViolation, "interrupt raised while interrupts are masked")
	}
	if err := c.k.Interrupt(handler); err != nil {
		return err
	}
	if err := c.enter(); err != nil {
		return err
	}
	c.exit()
	return nil
}

// check validates the handle for an ISR operation on kernel k.
func (isr *ISR) check(k *Kernel) error {
	if isr == nil || isr.done {
		return k.assertAt(1, ErrProtocolViolation, "ISR operation outside an interrupt handler")
	}
	if isr.k != k {
		return k.assertAt(1, ErrProtocolViolation, "ISR handle of another kernel")
	}
	return nil
}

// woke reports whether readying t should preempt the interrupted task.
func (isr *ISR) woke(t *Task) bool {
	cur := isr.k.current()
	return cur != nil && t.priority > cur.priority
}

// YieldFromISR requests a context switch at interrupt exit when woken is true.
func (isr *ISR) YieldFromISR(woken bool) {
	if woken {
		isr.yield = true
	}
}

// TickCount returns the tick counter.
func (isr *ISR) TickCount() Ticks { return isr.k.tick }

// MaskFromISR raises the interrupt mask to MaxSyscallInterruptPriority and
// returns the previous mask for RestoreFromISR.
func (isr *ISR) MaskFromISR() uint32 {
	prev := isr.mask
	isr.mask = isr.k.cfg.MaxSyscallInterruptPriority
	return prev
}

// RestoreFromISR restores a mask returned by MaskFromISR.
func (isr *ISR) RestoreFromISR(mask uint32) {
	isr.mask = mask
}

// Resume readies a suspended task from an interrupt. It reports whether the
// resumed task outranks the interrupted one.
func (isr *ISR) Resume(t *Task) (bool, error) {
	k := isr.k
	if err := isr.check(k); err != nil {
		return false, err
	}
	if k.current() == nil {
		return false, ErrSchedulerNotRunning
	}
	if t == nil || t.k != k {
		return false, k.assertf(ErrProtocolViolation, "resume of unknown task")
	}
	if !k.resume(t) {
		return false, nil
	}
	return isr.woke(t), nil
}
