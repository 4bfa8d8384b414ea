// Package compute runs a function on its own task and hands its result back.
package compute

import (
	"errors"
	"fmt"

	"sparkrt/sparkos/kernel"
)

const statusFinished byte = 1

// ErrNotFinished is returned by Result before the function has returned.
var ErrNotFinished = errors.New("compute: result not ready")

// Task is a task computing a single value of type R.
type Task[R any] struct {
	task   *kernel.Task
	lock   *kernel.Mutex
	status *kernel.Queue

	value    R
	finished bool
}

// Spawn creates a task at prio that runs fn once and posts its result.
func Spawn[R any](k *kernel.Kernel, name string, prio kernel.Priority, fn func(ctx *kernel.Context) R) (*Task[R], error) {
	lock, err := k.NewMutex()
	if err != nil {
		return nil, fmt.Errorf("compute: %w", err)
	}
	status, err := k.NewQueue(1, 1)
	if err != nil {
		_ = lock.Delete()
		return nil, fmt.Errorf("compute: %w", err)
	}
	c := &Task[R]{lock: lock, status: status}
	c.task, err = k.CreateTask(kernel.TaskConfig{
		Name:     name,
		Priority: prio,
		Run: kernel.RunFunc(func(ctx *kernel.Context) {
			if c.lock.Take(ctx, kernel.MaxDelay) != nil {
				return
			}
			c.value = fn(ctx)
			if c.lock.Give(ctx) != nil {
				return
			}
			_ = c.status.Send(ctx, []byte{statusFinished}, kernel.MaxDelay)
		}),
	})
	if err != nil {
		_ = lock.Delete()
		_ = status.Delete()
		return nil, fmt.Errorf("compute: %w", err)
	}
	return c, nil
}

// Task returns the computing task. It is deleted once the result is posted.
func (c *Task[R]) Task() *kernel.Task { return c.task }

// Wait blocks up to timeout for the function to return. Only one task may
// wait.
func (c *Task[R]) Wait(ctx *kernel.Context, timeout kernel.Ticks) error {
	if c.finished {
		return nil
	}
	var b [1]byte
	if err := c.status.Receive(ctx, b[:], timeout); err != nil {
		return err
	}
	c.finished = true
	return nil
}

// Result waits up to timeout for the value and returns it.
func (c *Task[R]) Result(ctx *kernel.Context, timeout kernel.Ticks) (R, error) {
	var zero R
	if err := c.Wait(ctx, timeout); err != nil {
		return zero, err
	}
	if err := c.lock.Take(ctx, 0); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrNotFinished, err)
	}
	v := c.value
	return v, c.lock.Give(ctx)
}
