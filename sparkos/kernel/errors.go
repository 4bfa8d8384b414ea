package kernel

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Operations wrap them; match with errors.Is.
var (
	// ErrResourceExhausted reports that the heap budget, a fixed table or a
	// caller-supplied buffer is too small.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTimeout reports that a blocking operation's wait elapsed.
	ErrTimeout = errors.New("timeout")

	// ErrWouldBlock is returned by ISR operations that cannot complete immediately.
	ErrWouldBlock = errors.New("would block")

	// ErrProtocolViolation reports API misuse. It is raised through the
	// assertion handler before it is returned.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrInvariant reports corrupted kernel state.
	ErrInvariant = errors.New("invariant failure")
)

var (
	// ErrFull is returned by a non-blocking send on a full queue.
	ErrFull = fmt.Errorf("queue full: %w", ErrTimeout)

	// ErrEmpty is returned by a non-blocking receive on an empty queue.
	ErrEmpty = fmt.Errorf("queue empty: %w", ErrTimeout)

	// ErrNotOwner is returned when a task gives a recursive mutex it does not hold.
	ErrNotOwner = errors.New("mutex not held by caller")

	// ErrNotificationPending is returned by SetWithoutOverwrite when the target
	// already has an unconsumed notification.
	ErrNotificationPending = errors.New("notification already pending")

	ErrSchedulerNotRunning = fmt.Errorf("scheduler not running: %w", ErrProtocolViolation)
	ErrFeatureDisabled     = fmt.Errorf("feature disabled: %w", ErrProtocolViolation)

	// ErrTaskDeleted is returned when a deleted task's Context is used.
	ErrTaskDeleted = errors.New("task deleted")

	// ErrHalted is returned by interrupts raised after the kernel halted.
	ErrHalted = errors.New("kernel halted")
)
