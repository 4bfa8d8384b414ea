package kernel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinarySemaphore(t *testing.T) {
	k := newKernel(t)
	s, err := k.NewBinarySemaphore()
	require.NoError(t, err)

	var errs []error
	spawn(t, k, "main", 1, func(ctx *Context) {
		errs = append(errs,
			s.Take(ctx, 0),
			s.Give(ctx),
			s.Give(ctx),
			s.Take(ctx, 0),
		)
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))

	require.Len(t, errs, 4)
	assert.ErrorIs(t, errs[0], ErrEmpty)
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrFull)
	assert.NoError(t, errs[3])
	assert.Zero(t, s.Count())
}

func TestCountingSemaphore(t *testing.T) {
	k := newKernel(t)
	s, err := k.NewCountingSemaphore(3, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count())

	var fullErr, emptyErr error
	var taken int
	spawn(t, k, "main", 1, func(ctx *Context) {
		assert.NoError(t, s.Give(ctx))
		fullErr = s.Give(ctx)
		for s.Take(ctx, 0) == nil {
			taken++
		}
		emptyErr = s.Take(ctx, 0)
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, fullErr, ErrFull)
	assert.Equal(t, 3, taken)
	assert.ErrorIs(t, emptyErr, ErrEmpty)
}

func TestCountingSemaphoreRejectsBadCounts(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec))
	_, err := k.NewCountingSemaphore(0, 0)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	_, err = k.NewCountingSemaphore(2, 3)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, 2, rec.count())
}

func TestSemaphoreTakeTimesOut(t *testing.T) {
	k := newKernel(t)
	s, err := k.NewBinarySemaphore()
	require.NoError(t, err)

	var takeErr error
	var at Ticks
	spawn(t, k, "main", 1, func(ctx *Context) {
		takeErr = s.Take(ctx, 5)
		at = ctx.TickCount()
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, takeErr, ErrTimeout)
	assert.Equal(t, Ticks(5), at)
}

func TestSemaphoreGiveWakesWaiter(t *testing.T) {
	k := newKernel(t)
	s, err := k.NewBinarySemaphore()
	require.NoError(t, err)

	var ev events
	spawn(t, k, "waiter", 2, func(ctx *Context) {
		if s.Take(ctx, MaxDelay) == nil {
			ev.add("taken")
		}
	})
	spawn(t, k, "giver", 1, func(ctx *Context) {
		ev.add("giving")
		assert.NoError(t, s.Give(ctx))
		ev.add("given")
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{"giving", "taken", "given"}, ev.list())
}

func TestMutexPriorityInheritance(t *testing.T) {
	k := newKernel(t)
	m, err := k.NewMutex()
	require.NoError(t, err)

	var ev events
	spawn(t, k, "H", 3, func(ctx *Context) {
		assert.NoError(t, ctx.Delay(2))
		if m.Take(ctx, MaxDelay) == nil {
			ev.add(fmt.Sprintf("H acquired@%d", ctx.TickCount()))
			assert.NoError(t, m.Give(ctx))
		}
	})
	spawn(t, k, "M", 2, func(ctx *Context) {
		assert.NoError(t, ctx.Delay(3))
		ev.add(fmt.Sprintf("M ran@%d", ctx.TickCount()))
	})
	spawn(t, k, "L", 1, func(ctx *Context) {
		assert.NoError(t, m.Take(ctx, MaxDelay))
		assert.NoError(t, ctx.Busy(5))
		ev.add(fmt.Sprintf("L inherited=%d", ctx.Task().Priority()))
		assert.NoError(t, m.Give(ctx))
		ev.add(fmt.Sprintf("L restored=%d", ctx.Task().Priority()))
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{
		"L inherited=3",
		"H acquired@5",
		"M ran@5",
		"L restored=1",
	}, ev.list())
}

func TestMutexWaiterTimeoutLowersHolder(t *testing.T) {
	k := newKernel(t)
	m, err := k.NewMutex()
	require.NoError(t, err)

	var ev events
	var low *Task
	spawn(t, k, "H", 3, func(ctx *Context) {
		assert.NoError(t, ctx.Delay(1))
		err := m.Take(ctx, 3)
		ev.add(fmt.Sprintf("H %v@%d L=%d", err, ctx.TickCount(), low.Priority()))
		ctx.Halt(nil)
	})
	low = spawn(t, k, "L", 1, func(ctx *Context) {
		assert.NoError(t, m.Take(ctx, MaxDelay))
		_ = ctx.Busy(10)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{fmt.Sprintf("H %v@4 L=1", ErrTimeout)}, ev.list())
}

func TestRecursiveMutex(t *testing.T) {
	k := newKernel(t)
	m, err := k.NewRecursiveMutex()
	require.NoError(t, err)

	var ev events
	var owner, other *Task
	owner = spawn(t, k, "owner", 2, func(ctx *Context) {
		for i := 0; i < 3; i++ {
			assert.NoError(t, m.TakeRecursive(ctx, 0))
		}
		assert.NoError(t, m.GiveRecursive(ctx))
		assert.NoError(t, m.GiveRecursive(ctx))
		ev.add(fmt.Sprintf("held by owner %t", m.Holder() == owner))
		assert.NoError(t, ctx.Delay(1))
		assert.NoError(t, m.GiveRecursive(ctx))
		ev.add(fmt.Sprintf("released %t", m.Holder() == nil))
	})
	other = spawn(t, k, "other", 1, func(ctx *Context) {
		ev.add(fmt.Sprintf("give: %v", m.GiveRecursive(ctx)))
		ev.add(fmt.Sprintf("try: %v", m.TakeRecursive(ctx, 0)))
		if m.TakeRecursive(ctx, MaxDelay) == nil {
			ev.add(fmt.Sprintf("acquired %t", m.Holder() == other))
		}
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{
		"held by owner true",
		fmt.Sprintf("give: %v", ErrNotOwner),
		fmt.Sprintf("try: %v", ErrEmpty),
		"released true",
		"acquired true",
	}, ev.list())
}

func TestMutexGiveByNonOwnerIsViolation(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec))
	m, err := k.NewMutex()
	require.NoError(t, err)

	var giveErr error
	spawn(t, k, "owner", 2, func(ctx *Context) {
		assert.NoError(t, m.Take(ctx, 0))
		_ = ctx.Delay(MaxDelay)
	})
	spawn(t, k, "thief", 1, func(ctx *Context) {
		giveErr = m.Give(ctx)
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, giveErr, ErrProtocolViolation)
	assert.Equal(t, 1, rec.count())
}

func TestMutexOperationsCheckKind(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec))
	plain, err := k.NewMutex()
	require.NoError(t, err)
	recursive, err := k.NewRecursiveMutex()
	require.NoError(t, err)

	var errs []error
	spawn(t, k, "main", 1, func(ctx *Context) {
		errs = append(errs,
			plain.TakeRecursive(ctx, 0),
			recursive.Take(ctx, 0),
		)
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrProtocolViolation)
	}
	assert.Equal(t, 2, rec.count())
}

func TestMutexFeatureFlags(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec), func(cfg *Config) {
		cfg.UseRecursiveMutexes = false
	})
	_, err := k.NewMutex()
	assert.NoError(t, err)
	_, err = k.NewRecursiveMutex()
	assert.ErrorIs(t, err, ErrFeatureDisabled)

	k = newKernel(t, recordAsserts(&rec), func(cfg *Config) {
		cfg.UseMutexes = false
	})
	_, err = k.NewMutex()
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, 2, rec.count())
}

func TestDeleteHeldMutexIsViolation(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec))
	m, err := k.NewMutex()
	require.NoError(t, err)

	var held, free error
	spawn(t, k, "main", 1, func(ctx *Context) {
		assert.NoError(t, m.Take(ctx, 0))
		held = m.Delete()
		assert.NoError(t, m.Give(ctx))
		free = m.Delete()
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, held, ErrProtocolViolation)
	assert.NoError(t, free)
	assert.Equal(t, 1, rec.count())
}

func TestDeleteMutexHolderIsViolation(t *testing.T) {
	var rec recorder
	k := newKernel(t, recordAsserts(&rec))
	m, err := k.NewMutex()
	require.NoError(t, err)

	var other, self error
	var holder *Task
	low := spawn(t, k, "L", 1, func(ctx *Context) {
		assert.NoError(t, m.Take(ctx, MaxDelay))
		assert.NoError(t, ctx.Delay(10))
		self = ctx.Delete(nil)
		assert.NoError(t, m.Give(ctx))
		ctx.Halt(nil)
	})
	spawn(t, k, "main", 2, func(ctx *Context) {
		assert.NoError(t, ctx.Delay(1))
		other = ctx.Delete(low)
		holder = m.Holder()
	})
	require.NoError(t, run(t, k))
	assert.ErrorIs(t, other, ErrProtocolViolation)
	assert.ErrorIs(t, self, ErrProtocolViolation)
	assert.Same(t, low, holder)
	assert.Equal(t, 2, rec.count())
}

func TestDeletingMutexWaiterLowersHolder(t *testing.T) {
	k := newKernel(t)
	m, err := k.NewMutex()
	require.NoError(t, err)

	var boosted, restored Priority
	var low, high *Task
	low = spawn(t, k, "L", 1, func(ctx *Context) {
		assert.NoError(t, m.Take(ctx, MaxDelay))
		assert.NoError(t, ctx.Delay(10))
		assert.NoError(t, m.Give(ctx))
	})
	high = spawn(t, k, "H", 3, func(ctx *Context) {
		assert.NoError(t, ctx.Delay(1))
		_ = m.Take(ctx, MaxDelay)
	})
	spawn(t, k, "main", 2, func(ctx *Context) {
		assert.NoError(t, ctx.Delay(2))
		boosted = low.Priority()
		assert.NoError(t, ctx.Delete(high))
		restored = low.Priority()
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, Priority(3), boosted)
	assert.Equal(t, Priority(1), restored)
}
