package hal

import (
	"context"
	"sync/atomic"
	"time"
)

type hostTime struct {
	ch     chan uint64
	seq    atomic.Uint64
	period time.Duration

	last time.Time
	acc  time.Duration
}

func newHostTime(period time.Duration) *hostTime {
	return &hostTime{ch: make(chan uint64, 1024), period: period}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

func (t *hostTime) count() uint32 { return uint32(t.seq.Load()) }

// step converts wall time elapsed since the previous call into ticks.
func (t *hostTime) step(now time.Time) {
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.stepN(1)
		return
	}

	t.acc += now.Sub(t.last)
	t.last = now

	ticks := uint64(t.acc / t.period)
	if ticks == 0 {
		return
	}
	t.acc = t.acc % t.period
	t.stepN(ticks)
}

func (t *hostTime) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		seq := t.seq.Add(1)
		select {
		case t.ch <- seq:
		default:
		}
	}
}

// RunTicks feeds the tick stream from a wall clock ticker until ctx is done.
func (h *HostHAL) RunTicks(ctx context.Context) error {
	tk := time.NewTicker(h.t.period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tk.C:
			h.t.step(now)
		}
	}
}
