package compute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"sparkrt/sparkos/kernel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func start(t *testing.T, k *kernel.Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.Start(ctx))
}

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	k, err := kernel.New(cfg)
	require.NoError(t, err)
	return k
}

func TestResultAfterCompute(t *testing.T) {
	k := newKernel(t)
	c, err := Spawn(k, "sum", 1, func(ctx *kernel.Context) int {
		assert.NoError(t, ctx.Delay(10))
		return 42
	})
	require.NoError(t, err)

	var got int
	var at kernel.Ticks
	var again error
	_, err = k.CreateTask(kernel.TaskConfig{Name: "main", Priority: 2, Run: kernel.RunFunc(func(ctx *kernel.Context) {
		v, err := c.Result(ctx, kernel.MaxDelay)
		assert.NoError(t, err)
		got = v
		at = ctx.TickCount()
		again = c.Wait(ctx, 0)
		ctx.Halt(nil)
	})})
	require.NoError(t, err)
	start(t, k)

	assert.Equal(t, 42, got)
	assert.Equal(t, kernel.Ticks(10), at)
	assert.NoError(t, again)
}

func TestWaitTimesOut(t *testing.T) {
	k := newKernel(t)
	c, err := Spawn(k, "slow", 1, func(ctx *kernel.Context) string {
		_ = ctx.Delay(100)
		return "late"
	})
	require.NoError(t, err)

	var waitErr error
	var at kernel.Ticks
	_, err = k.CreateTask(kernel.TaskConfig{Name: "main", Priority: 2, Run: kernel.RunFunc(func(ctx *kernel.Context) {
		_, waitErr = c.Result(ctx, 5)
		at = ctx.TickCount()
		ctx.Halt(nil)
	})})
	require.NoError(t, err)
	start(t, k)

	assert.ErrorIs(t, waitErr, kernel.ErrTimeout)
	assert.Equal(t, kernel.Ticks(5), at)
}
