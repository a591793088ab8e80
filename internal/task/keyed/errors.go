package keyed

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyKey       = errors.New("keyed: key is required")
	ErrNilWork        = errors.New("keyed: work is nil")
	ErrRegistryClosed = errors.New("keyed: registry closed")
	ErrQueueFull      = errors.New("keyed: queue full")

	// ErrCancelled is wrapped by every cancellation outcome.
	ErrCancelled = errors.New("keyed: task cancelled")

	// ErrCancelledByPriority settles envelopes removed by CancelByPriority.
	ErrCancelledByPriority = fmt.Errorf("%w by priority", ErrCancelled)

	// ErrQueueClosed settles envelopes still queued (or aborted in flight)
	// when their queue is disposed.
	ErrQueueClosed = fmt.Errorf("%w: queue closed", ErrCancelled)

	// errRetired is returned by enqueue on a queue the sweeper already
	// retired; the registry resolves the key again.
	errRetired = errors.New("keyed: queue retired")
)

// IsCancelled reports whether err is a cancellation outcome rather than a
// fault raised by the work itself.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// PanicError is the fault delivered when a work closure panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("keyed: work panicked: %v", e.Value) }

func cancelledBy(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
