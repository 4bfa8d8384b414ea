package kernel

import (
	"runtime"
	"strings"
)

// The kernel lock stands in for the interrupt mask. Task context takes it on
// the outermost enterCritical and keeps it across context switches: the
// nesting count is saved per task and the lock is handed to the next task
// with the CPU. Interrupt handlers hold it for their whole run.

func (k *Kernel) enterCritical() {
	if k.isrActive.Load() && inHandler() {
		// The handler already masks interrupts. A recording assert handler
		// lets the call go on under the handler's lock.
		k.assertAt(2, ErrProtocolViolation, "task-level kernel call from an interrupt handler")
		k.isrReentry++
		return
	}
	if k.critNesting == 0 {
		k.mu.Lock()
	}
	k.critNesting++
}

// exitCritical leaves one level of nesting. Leaving the outermost level takes
// any switch that was requested while the section was held.
func (k *Kernel) exitCritical() {
	if k.isrActive.Load() && k.isrReentry > 0 {
		k.isrReentry--
		return
	}
	if k.critNesting == 0 {
		k.assertf(ErrInvariant, "critical section exit without matching enter")
		return
	}
	if k.critNesting == 1 && k.yieldPending && k.canSwitch() {
		k.switchContext()
	}
	k.critNesting--
	if k.critNesting == 0 {
		k.mu.Unlock()
	}
}

// canSwitch reports whether a pended switch may be taken now.
func (k *Kernel) canSwitch() bool {
	return k.current() != nil && k.suspendAll == 0 && !k.halted.Load()
}

// Critical runs fn with interrupts masked. It may be called from a task or
// before Start, and nests with the task's own critical sections.
func (k *Kernel) Critical(fn func()) {
	k.enterCritical()
	defer k.exitCritical()
	fn()
}

// EnterCritical masks interrupts until the matching ExitCritical. Sections
// nest; a task must not block while inside one.
func (c *Context) EnterCritical() {
	if c.k.halted.Load() && c.k.critNesting == 0 {
		c.task.exit()
	}
	c.k.enterCritical()
}

// ExitCritical leaves one level of critical section nesting.
func (c *Context) ExitCritical() error {
	if c.task.exiting {
		return ErrHalted
	}
	if c.k.critNesting == 0 {
		return c.k.assertf(ErrProtocolViolation, "exit critical without enter")
	}
	c.k.exitCritical()
	return nil
}

// CriticalNesting returns the caller's critical section depth.
func (c *Context) CriticalNesting() uint32 {
	return c.k.critNesting
}

// handlerFrame is the function every interrupt handler runs under.
const handlerFrame = ".(*Kernel).runHandler"

// inHandler reports whether the calling goroutine is inside an interrupt
// handler. Only consulted while an interrupt is active.
func inHandler() bool {
	pcs := make([]uintptr, 32)
	for skip := 2; ; {
		n := runtime.Callers(skip, pcs)
		frames := runtime.CallersFrames(pcs[:n])
		for {
			f, more := frames.Next()
			if strings.HasSuffix(f.Function, handlerFrame) {
				return true
			}
			if !more {
				break
			}
		}
		if n < len(pcs) {
			return false
		}
		skip += n
	}
}
