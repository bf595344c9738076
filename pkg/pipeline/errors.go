package pipeline

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
)

var (
	// ErrValidation reports a submission that was rejected before any side effect.
	ErrValidation = errors.New("invalid submission")
	// ErrAccessDenied reports a read of another owner's creation.
	ErrAccessDenied = errors.New("access denied")
	// ErrNonRetryable marks collaborator errors that retrying cannot fix.
	ErrNonRetryable = errors.New("non-retryable upstream error")
	// ErrInvalidConfig reports a missing orchestrator dependency.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

// UpstreamError wraps a collaborator failure with the stage it broke.
type UpstreamError struct {
	Stage creation.Stage
	Cause creation.Cause
	Err   error
}

func (upstreamError *UpstreamError) Error() string {
	if upstreamError == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s at %s: %v", upstreamError.Cause, upstreamError.Stage, upstreamError.Err)
}

func (upstreamError *UpstreamError) Unwrap() error {
	if upstreamError == nil {
		return nil
	}
	return upstreamError.Err
}

// NonRetryable marks err so the retry loop gives up after the current attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNonRetryable, err)
}

func validationError(format string, arguments ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, arguments...))
}
