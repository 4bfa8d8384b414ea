package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"sparkrt/sparkos/kernel"
	"sparkrt/sparkos/proto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	k, err := kernel.New(cfg)
	require.NoError(t, err)
	return k
}

func run(t *testing.T, k *kernel.Kernel) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return k.Start(ctx)
}

func spawn(t *testing.T, k *kernel.Kernel, name string, prio kernel.Priority, fn func(ctx *kernel.Context)) {
	t.Helper()
	_, err := k.CreateTask(kernel.TaskConfig{Name: name, Priority: prio, Run: kernel.RunFunc(fn)})
	require.NoError(t, err)
}

func receiveU32(ctx *kernel.Context, s *Subscriber) (uint32, error) {
	buf := make([]byte, proto.U32Size)
	if err := s.Receive(ctx, buf, 0); err != nil {
		return 0, err
	}
	v, _ := proto.DecodeU32(buf)
	return v, nil
}

func TestFanOut(t *testing.T) {
	k := newKernel(t)
	p, err := New(k, 2, proto.U32Size)
	require.NoError(t, err)

	var firstSent, secondSent, remaining int
	var got []uint32
	var ids []uint32
	spawn(t, k, "main", 1, func(ctx *kernel.Context) {
		s1, err := p.Subscribe(ctx, 0)
		assert.NoError(t, err)
		s2, err := p.Subscribe(ctx, 0)
		assert.NoError(t, err)
		ids = []uint32{s1.ID(), s2.ID()}

		firstSent, err = p.Send(ctx, proto.U32Payload(7), 0)
		assert.NoError(t, err)
		for _, s := range []*Subscriber{s1, s2} {
			v, err := receiveU32(ctx, s)
			assert.NoError(t, err)
			got = append(got, v)
		}

		assert.NoError(t, s1.Unsubscribe(ctx, 0))
		secondSent, err = p.Send(ctx, proto.U32Payload(8), 0)
		assert.NoError(t, err)
		assert.Equal(t, 1, s2.Pending())
		remaining, err = p.Subscribers(ctx, 0)
		assert.NoError(t, err)
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))

	assert.Equal(t, []uint32{1, 2}, ids)
	assert.Equal(t, 2, firstSent)
	assert.Equal(t, []uint32{7, 7}, got)
	assert.Equal(t, 1, secondSent)
	assert.Equal(t, 1, remaining)
}

func TestFullSubscriberIsSkipped(t *testing.T) {
	k := newKernel(t)
	p, err := New(k, 1, proto.U32Size)
	require.NoError(t, err)

	var sent []int
	spawn(t, k, "main", 1, func(ctx *kernel.Context) {
		_, err := p.Subscribe(ctx, 0)
		assert.NoError(t, err)
		for _, v := range []uint32{1, 2} {
			n, err := p.Send(ctx, proto.U32Payload(v), 0)
			assert.NoError(t, err)
			sent = append(sent, n)
		}
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []int{1, 0}, sent)
}

func TestSendWakesBlockedSubscriber(t *testing.T) {
	k := newKernel(t)
	p, err := New(k, 4, proto.U32Size)
	require.NoError(t, err)

	var events []string
	spawn(t, k, "rx", 2, func(ctx *kernel.Context) {
		s, err := p.Subscribe(ctx, 0)
		if !assert.NoError(t, err) {
			return
		}
		buf := make([]byte, proto.U32Size)
		if s.Receive(ctx, buf, kernel.MaxDelay) == nil {
			v, _ := proto.DecodeU32(buf)
			events = append(events, fmt.Sprintf("rx got %d", v))
		}
	})
	spawn(t, k, "tx", 1, func(ctx *kernel.Context) {
		n, err := p.Send(ctx, proto.U32Payload(5), 0)
		events = append(events, fmt.Sprintf("sent to %d %v", n, err))
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Equal(t, []string{"rx got 5", "sent to 1 <nil>"}, events)
}

func TestSendReportsBusyPublisher(t *testing.T) {
	k := newKernel(t)
	p, err := New(k, 1, proto.U32Size)
	require.NoError(t, err)

	var busyErr error
	var busySent int
	spawn(t, k, "slow", 2, func(ctx *kernel.Context) {
		_, err := p.Subscribe(ctx, 0)
		assert.NoError(t, err)
		_, err = p.Send(ctx, proto.U32Payload(1), 0)
		assert.NoError(t, err)
		// The subscriber queue is full, so this send holds the lock while it
		// waits for space.
		_, _ = p.Send(ctx, proto.U32Payload(2), 5)
	})
	spawn(t, k, "fast", 1, func(ctx *kernel.Context) {
		busySent, busyErr = p.Send(ctx, proto.U32Payload(3), 0)
		ctx.Halt(nil)
	})
	require.NoError(t, run(t, k))
	assert.Zero(t, busySent)
	assert.ErrorIs(t, busyErr, kernel.ErrTimeout)
}
