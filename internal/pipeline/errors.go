package pipeline

import (
	"errors"
	"fmt"

	"dream_pipeline/internal/domain"
)

// ErrStaleJob marks a job whose title has moved to a state the stage may no
// longer act on, typically after an administrative restart.
var ErrStaleJob = errors.New("stale job")

// TransientGenerationError wraps a generator failure or timeout. Jobs failing
// with it are retried.
type TransientGenerationError struct {
	Stage domain.JobType
	Err   error
}

func (e *TransientGenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Stage, e.Err)
}

func (e *TransientGenerationError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether retrying the job cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrTitleNotFound) || errors.Is(err, ErrStaleJob)
}

func staleError(stage domain.JobType, err error) error {
	return fmt.Errorf("%w: %s stage: %w", ErrStaleJob, stage, err)
}
