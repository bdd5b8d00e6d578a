package types

import "errors"

// Error kinds that drive the retry and replan machinery. Compare with
// errors.Is; wrap with fmt.Errorf("%w: ...") to attach detail.
var (
	// ErrNeedRetry means the critic rejected the transcript; direct
	// execution retries with advice feedback.
	ErrNeedRetry = errors.New("verification criteria not met")

	// ErrImpossible means retries or replans are exhausted. A parent may
	// still replan; at the root it fails the task.
	ErrImpossible = errors.New("task impossible")

	// ErrCancelled is raised at cancellation check-points. It propagates
	// upward as ErrImpossible with this cause.
	ErrCancelled = errors.New("task cancelled")
)
