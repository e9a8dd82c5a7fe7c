package status

import "errors"

var (
	ErrQueueNotFound       = errors.New("queue: queue not found")
	ErrParticipantNotFound = errors.New("queue: participant not found")
	ErrInvalidConfig       = errors.New("queue: invalid config")
	ErrInvalidArgument     = errors.New("queue: invalid argument")
	ErrStoreUnavailable    = errors.New("store: unavailable")

	// ErrVersionConflict reports a lost compare-and-swap. It never leaves the
	// admission controller.
	ErrVersionConflict = errors.New("store: version conflict")
)
