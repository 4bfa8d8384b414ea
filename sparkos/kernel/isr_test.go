package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestISRReportsHigherPriorityWakeups(t *testing.T) {
	k := newKernel(t)
	qHigh, err := k.NewQueue(1, 4)
	require.NoError(t, err)
	qEqual, err := k.NewQueue(1, 4)
	require.NoError(t, err)
	qIdle, err := k.NewQueue(1, 4)
	require.NoError(t, err)
	qEmpty, err := k.NewQueue(1, 4)
	require.NoError(t, err)

	var ev events
	var woken []bool
	var emptyErr error
	spawn(t, k, "high", 3, func(ctx *Context) {
		if qHigh.Receive(ctx, make([]byte, 4), MaxDelay) == nil {
			ev.add("high")
		}
	})
	spawn(t, k, "equal", 2, func(ctx *Context) {
		_ = qEqual.Receive(ctx, make([]byte, 4), MaxDelay)
	})
	spawn(t, k, "main", 2, func(ctx *Context) {
		err := ctx.Interrupt(func(isr *ISR) {
			w1, _ := qHigh.SendFromISR(isr, u32(1))
			w2, _ := qEqual.SendFromISR(isr, u32(2))
			w3, _ := qIdle.SendFromISR(isr, u32(3))
			_, emptyErr = qEmpty.ReceiveFromISR(isr, make([]byte, 4))
			woken = []bool{w1, w2, w3}
			isr.YieldFromISR(w1 || w2 || w3)
		})
		assert.NoError(t, err)
		ev.add("main")
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []bool{true, false, false}, woken)
	assert.ErrorIs(t, emptyErr, ErrWouldBlock)
	assert.Equal(t, []string{"high", "main"}, ev.list())
}

func TestISRQueueOperations(t *testing.T) {
	k := newKernel(t)
	q, err := k.NewQueue(2, 4)
	require.NoError(t, err)
	box, err := k.NewQueue(1, 4)
	require.NoError(t, err)

	var fullErr, peekErr error
	var waiting int
	var got []uint32
	spawn(t, k, "main", 1, func(ctx *Context) {
		assert.NoError(t, ctx.Interrupt(func(isr *ISR) {
			_, _ = q.SendFromISR(isr, u32(2))
			_, _ = q.SendToFrontFromISR(isr, u32(1))
			_, fullErr = q.SendFromISR(isr, u32(3))
			waiting = q.MessagesWaitingFromISR(isr)

			buf := make([]byte, 4)
			peekErr = q.PeekFromISR(isr, buf)
			for {
				if _, err := q.ReceiveFromISR(isr, buf); err != nil {
					break
				}
				got = append(got, le32(buf))
			}

			_, _ = box.OverwriteFromISR(isr, u32(7))
			_, _ = box.OverwriteFromISR(isr, u32(8))
			_, _ = box.ReceiveFromISR(isr, buf)
			got = append(got, le32(buf))
		}))
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, fullErr, ErrWouldBlock)
	assert.NoError(t, peekErr)
	assert.Equal(t, 2, waiting)
	assert.Equal(t, []uint32{1, 2, 8}, got)
}

func TestISRSemaphoreAndResume(t *testing.T) {
	k := newKernel(t)
	s, err := k.NewCountingSemaphore(1, 0)
	require.NoError(t, err)

	var ev events
	var giveWoken, resumeWoken bool
	var fullErr, takeErr error
	sleeper := spawn(t, k, "sleeper", 3, func(ctx *Context) {
		assert.NoError(t, ctx.Suspend(nil))
		ev.add("sleeper resumed")
	})
	spawn(t, k, "main", 1, func(ctx *Context) {
		assert.NoError(t, ctx.Interrupt(func(isr *ISR) {
			giveWoken, _ = s.GiveFromISR(isr)
			_, fullErr = s.GiveFromISR(isr)
			_, _ = s.TakeFromISR(isr)
			_, takeErr = s.TakeFromISR(isr)
			resumeWoken, _ = isr.Resume(sleeper)
			isr.YieldFromISR(resumeWoken)
		}))
		ev.add("main")
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.False(t, giveWoken)
	assert.ErrorIs(t, fullErr, ErrWouldBlock)
	assert.ErrorIs(t, takeErr, ErrWouldBlock)
	assert.True(t, resumeWoken)
	assert.Equal(t, []string{"sleeper resumed", "main"}, ev.list())
}

func TestISRHandleOutlivingHandlerIsViolation(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec))
	s, err := k.NewBinarySemaphore()
	require.NoError(t, err)

	var stale *ISR
	var staleErr error
	spawn(t, k, "main", 1, func(ctx *Context) {
		assert.NoError(t, ctx.Interrupt(func(isr *ISR) { stale = isr }))
		_, staleErr = s.GiveFromISR(stale)
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, staleErr, ErrProtocolViolation)
	assert.Equal(t, 1, rec.count())
}

func TestInterruptWhileMaskedIsViolation(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec))
	var maskedErr error
	spawn(t, k, "main", 1, func(ctx *Context) {
		ctx.EnterCritical()
		maskedErr = ctx.Interrupt(func(*ISR) {})
		assert.NoError(t, ctx.ExitCritical())
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, maskedErr, ErrProtocolViolation)
	assert.Equal(t, 1, rec.count())
}

func TestInterruptMaskFromISR(t *testing.T) {
	k := newKernel(t)
	var raised, restored uint32
	spawn(t, k, "main", 1, func(ctx *Context) {
		assert.NoError(t, ctx.Interrupt(func(isr *ISR) {
			prev := isr.MaskFromISR()
			raised = isr.mask
			isr.RestoreFromISR(prev)
			restored = isr.mask
		}))
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, k.Config().MaxSyscallInterruptPriority, raised)
	assert.Zero(t, restored)
}

func TestExternalInterruptGivesSemaphore(t *testing.T) {
	k := newKernel(t, func(cfg *Config) { cfg.VirtualTime = false })
	s, err := k.NewBinarySemaphore()
	require.NoError(t, err)

	var ev events
	spawn(t, k, "waiter", 2, func(ctx *Context) {
		if s.Take(ctx, MaxDelay) == nil {
			ev.add("taken")
		}
		ctx.Halt(nil)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, k.Interrupt(func(isr *ISR) {
			woken, err := s.GiveFromISR(isr)
			assert.NoError(t, err)
			isr.YieldFromISR(woken)
		}))
	}()
	require.NoError(t, run(t, k))
	wg.Wait()
	assert.Equal(t, []string{"taken"}, ev.list())
}

func TestInterruptAfterHaltFails(t *testing.T) {
	k := newKernel(t)
	assert.ErrorIs(t, k.Tick(), ErrSchedulerNotRunning)
	spawn(t, k, "main", 1, func(ctx *Context) { ctx.Halt(nil) })
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, k.Interrupt(func(*ISR) {}), ErrHalted)
	assert.ErrorIs(t, k.Tick(), ErrHalted)
}

func TestInterruptHandlerPanicHaltsKernel(t *testing.T) {
	k := newKernel(t)
	var intErr error
	spawn(t, k, "main", 1, func(ctx *Context) {
		intErr = ctx.Interrupt(func(*ISR) { panic("bad handler") })
	})
	err := run(t, k)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad handler")
	assert.Equal(t, err, intErr)
}

func TestInterruptBeforeStart(t *testing.T) {
	k := newKernel(t)
	q, err := k.NewQueue(1, 4)
	require.NoError(t, err)
	task := spawn(t, k, "main", 1, func(ctx *Context) { ctx.Halt(nil) })

	var sendErr, notifyErr, resumeErr error
	require.NoError(t, k.Interrupt(func(isr *ISR) {
		_, sendErr = q.SendFromISR(isr, u32(1))
		_, notifyErr = isr.NotifyGive(task)
		_, resumeErr = isr.Resume(task)
	}))
	assert.NoError(t, sendErr)
	assert.ErrorIs(t, notifyErr, ErrSchedulerNotRunning)
	assert.ErrorIs(t, resumeErr, ErrSchedulerNotRunning)
	assert.Equal(t, 1, q.MessagesWaiting())
	require.NoError(t, run(t, k))
}

func TestTaskLevelCallFromHandlerIsViolation(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec))
	s, err := k.NewCountingSemaphore(3, 2)
	require.NoError(t, err)
	m, err := k.NewMutex()
	require.NoError(t, err)

	var count, countFromISR int
	var state TaskState
	var prio Priority
	var holder *Task
	var nestedErr error
	var main *Task
	main = spawn(t, k, "main", 2, func(ctx *Context) {
		assert.NoError(t, m.Take(ctx, 0))
		assert.NoError(t, ctx.Interrupt(func(isr *ISR) {
			count = s.Count()
			countFromISR = s.CountFromISR(isr)
			state = main.StateFromISR(isr)
			prio = main.PriorityFromISR(isr)
			holder = m.HolderFromISR(isr)
			nestedErr = k.Interrupt(func(*ISR) {})
		}))
		assert.NoError(t, m.Give(ctx))
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, countFromISR)
	assert.Equal(t, TaskRunning, state)
	assert.Equal(t, Priority(2), prio)
	assert.Same(t, main, holder)
	assert.ErrorIs(t, nestedErr, ErrProtocolViolation)
	assert.Equal(t, 2, rec.count())
}

func TestTaskLevelCallFromHandlerHaltsByDefault(t *testing.T) {
	k := newKernel(t)
	s, err := k.NewBinarySemaphore()
	require.NoError(t, err)
	spawn(t, k, "main", 1, func(ctx *Context) {
		_ = ctx.Interrupt(func(*ISR) { _ = s.Count() })
	})
	assert.ErrorIs(t, run(t, k), ErrProtocolViolation)
}

func TestExternalHandlerKernelCallDoesNotDeadlock(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec), func(cfg *Config) { cfg.VirtualTime = false })
	s, err := k.NewBinarySemaphore()
	require.NoError(t, err)

	var ticks Ticks
	spawn(t, k, "waiter", 1, func(ctx *Context) {
		_ = s.Take(ctx, MaxDelay)
		ctx.Halt(nil)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, k.Interrupt(func(isr *ISR) {
			ticks = k.TickCount()
			woken, _ := s.GiveFromISR(isr)
			isr.YieldFromISR(woken)
		}))
	}()
	require.NoError(t, run(t, k))
	wg.Wait()
	assert.Zero(t, ticks)
	assert.Equal(t, 1, rec.count())
}

func TestTickHookKernelCallIsViolation(t *testing.T) {
	var rec recorder
	var k *Kernel
	var seen []Ticks
	k = newKernel(t, recordAsserts(&rec), func(cfg *Config) {
		cfg.TickHook = func(*ISR) {
			if len(seen) == 0 {
				seen = append(seen, k.TickCount())
			}
		}
	})
	spawn(t, k, "main", 1, func(ctx *Context) {
		assert.NoError(t, ctx.Delay(3))
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []Ticks{1}, seen)
	assert.Equal(t, 1, rec.count())
}
