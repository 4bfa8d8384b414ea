package kernel

import (
	"fmt"

	"go.uber.org/zap"
)

// PanicInfo contains details about a recovered task panic.
type PanicInfo struct {
	Task   string
	Number uint32
	Value  any
	Stack  []byte
}

// InPanicMode reports whether a task of this kernel has panicked.
func (k *Kernel) InPanicMode() bool {
	return k.panicActive.Load()
}

func (k *Kernel) triggerPanic(info PanicInfo) {
	k.panicOnce.Do(func() {
		k.panicActive.Store(true)
		info.Stack = captureStack()
		k.log.Error("task panic",
			zap.String("task", info.Task),
			zap.Uint32("number", info.Number),
			zap.Any("value", info.Value))
		if fn := k.cfg.PanicHandler; fn != nil {
			fn(info)
		}
	})
}

// taskPanicked runs on the panicking task's goroutine. It releases the
// critical section if the task held it and halts the kernel.
func (k *Kernel) taskPanicked(t *Task, r any) error {
	var err error
	switch v := r.(type) {
	case Assertion:
		err = v.Err
	case error:
		err = fmt.Errorf("task %q panicked: %w", t.name, v)
	default:
		err = fmt.Errorf("task %q panicked: %v", t.name, r)
	}

	k.triggerPanic(PanicInfo{Task: t.name, Number: t.number, Value: r})
	if k.current() == t && k.critNesting > 0 {
		k.critNesting = 0
		k.mu.Unlock()
	}
	k.Halt(err)
	return err
}
