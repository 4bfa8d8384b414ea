package processor

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

func newKernel(t *testing.T, opts ...func(*kernel.Config)) *kernel.Kernel {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	for _, opt := range opts {
		opt(&cfg)
	}
	k, err := kernel.New(cfg)
	require.NoError(t, err)
	return k
}

func run(t *testing.T, k *kernel.Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.Start(ctx))
}

func spawn(t *testing.T, k *kernel.Kernel, name string, prio kernel.Priority, fn func(ctx *kernel.Context)) {
	t.Helper()
	_, err := k.CreateTask(kernel.TaskConfig{Name: name, Priority: prio, Run: kernel.RunFunc(fn)})
	require.NoError(t, err)
}

func TestCallAndFireAndForget(t *testing.T) {
	k := newKernel(t)
	p, err := New(k, 2, proto.U32Size, proto.U32Size)
	require.NoError(t, err)

	var log []string
	spawn(t, k, "server", 2, func(ctx *kernel.Context) {
		for {
			req, err := p.Receive(ctx, kernel.MaxDelay)
			if err != nil {
				return
			}
			v, _ := proto.DecodeU32(req.Body)
			replied, err := p.Reply(ctx, req, proto.U32Payload(v*2), 0)
			assert.NoError(t, err)
			log = append(log, fmt.Sprintf("served %d replied=%t", v, replied))
		}
	})
	spawn(t, k, "client", 1, func(ctx *kernel.Context) {
		rc, err := p.NewReplyClient(ctx, 0)
		if !assert.NoError(t, err) {
			ctx.Halt(nil)
			return
		}
		buf := make([]byte, proto.U32Size)
		assert.NoError(t, rc.Call(ctx, proto.U32Payload(21), buf, 5))
		v, _ := proto.DecodeU32(buf)
		log = append(log, fmt.Sprintf("call returned %d", v))

		assert.NoError(t, p.NewClient().Send(ctx, proto.U32Payload(5), 0))
		assert.NoError(t, rc.Close(ctx, 0))
		ctx.Halt(nil)
	})
	run(t, k)

	assert.Equal(t, []string{
		"served 21 replied=true",
		"call returned 42",
		"served 5 replied=false",
	}, log)
}

func TestReplyToClosedClient(t *testing.T) {
	k := newKernel(t)
	p, err := New(k, 1, proto.U32Size, proto.U32Size)
	require.NoError(t, err)

	var replied bool
	var replyErr error
	spawn(t, k, "main", 1, func(ctx *kernel.Context) {
		rc, err := p.NewReplyClient(ctx, 0)
		if !assert.NoError(t, err) {
			ctx.Halt(nil)
			return
		}
		req := Request{Client: rc.ID(), Body: proto.U32Payload(1)}
		assert.True(t, req.WantsReply())
		assert.NoError(t, rc.Close(ctx, 0))
		replied, replyErr = p.Reply(ctx, req, proto.U32Payload(2), 0)
		ctx.Halt(nil)
	})
	run(t, k)
	assert.False(t, replied)
	assert.NoError(t, replyErr)
}

func TestClosedProcessorRejectsClients(t *testing.T) {
	k := newKernel(t)
	p, err := New(k, 1, proto.U32Size, proto.U32Size)
	require.NoError(t, err)

	var sendErr, clientErr error
	spawn(t, k, "main", 1, func(ctx *kernel.Context) {
		c := p.NewClient()
		assert.NoError(t, p.Close(ctx, 0))
		sendErr = c.Send(ctx, proto.U32Payload(1), 0)
		_, clientErr = p.NewReplyClient(ctx, 0)
		ctx.Halt(nil)
	})
	run(t, k)
	assert.ErrorIs(t, sendErr, ErrClosed)
	assert.ErrorIs(t, clientErr, ErrClosed)
}

func TestSendFromISRAndBodySize(t *testing.T) {
	var asserts int
	k := newKernel(t, func(cfg *kernel.Config) {
		cfg.AssertHandler = func(kernel.Assertion) { asserts++ }
	})
	p, err := New(k, 2, proto.U32Size, proto.U32Size)
	require.NoError(t, err)

	var got []uint32
	var sizeErr, callErr error
	spawn(t, k, "main", 1, func(ctx *kernel.Context) {
		c := p.NewClient()
		assert.NoError(t, ctx.Interrupt(func(isr *kernel.ISR) {
			_, err := c.SendFromISR(isr, proto.U32Payload(9))
			assert.NoError(t, err)
		}))
		sizeErr = c.Send(ctx, []byte{1}, 0)
		callErr = c.Call(ctx, proto.U32Payload(1), make([]byte, 4), 0)

		req, err := p.Receive(ctx, 0)
		if assert.NoError(t, err) {
			v, _ := proto.DecodeU32(req.Body)
			got = append(got, v)
			assert.False(t, req.WantsReply())
		}
		ctx.Halt(nil)
	})
	run(t, k)
	assert.Equal(t, []uint32{9}, got)
	assert.ErrorIs(t, sizeErr, kernel.ErrProtocolViolation)
	assert.ErrorIs(t, callErr, kernel.ErrProtocolViolation)
	assert.Equal(t, 2, asserts)
}
