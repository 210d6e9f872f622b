package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyRunning     = errors.New("already running")
	ErrStaleState         = errors.New("job has moved on")
	ErrOutOfOrder         = errors.New("progress out of order")
	ErrLeaseLost          = errors.New("lease lost")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendFailure     = errors.New("backend failure")
)
