package batch

import "errors"

var (
	ErrValidation          = errors.New("invalid batch job request")
	ErrJobNotFound         = errors.New("batch job not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrEmailNotFound       = errors.New("email not found")
	ErrConcurrencyConflict = errors.New("task already has an active batch job")
	ErrJobNotCancellable   = errors.New("batch job is not pending or running")
)
