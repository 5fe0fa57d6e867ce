package session

import "errors"

// Failure classes surfaced to the gateway. Callers distinguish them
// with errors.Is so "exited" is never conflated with "never existed".
var (
	ErrNotFound        = errors.New("session not found")
	ErrExited          = errors.New("session exited")
	ErrAlreadyAttached = errors.New("session already attached")
	ErrNotRunning      = errors.New("session not running")
	ErrLimitReached    = errors.New("session limit reached")
	ErrLabelTooLong    = errors.New("label exceeds 50 characters")
)
