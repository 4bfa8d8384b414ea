package hal

import (
	"context"
	"errors"
	"fmt"
)

// TickSink receives tick interrupts.
type TickSink interface {
	Tick() error
}

// DriveTicks raises one tick on sink for every value on t's stream until ctx
// is done or the sink reports that it stopped. ignore lists sink errors that
// are skipped rather than returned, such as a scheduler that has not started.
func DriveTicks(ctx context.Context, t Time, sink TickSink, ignore ...error) error {
	ch := t.Ticks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sink.Tick(); err != nil && !isAny(err, ignore) {
				return fmt.Errorf("hal: tick: %w", err)
			}
		}
	}
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
