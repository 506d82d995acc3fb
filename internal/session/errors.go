package session

import "fmt"

// ValidationError rejects bad user input: non-positive durations, empty
// reflections, unknown sites. Surfaced directly, never retried, never fatal.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// QuotaExceededError rejects a start whose duration exceeds the remaining
// daily budget. The message embeds the concrete remaining figure.
type QuotaExceededError struct {
	RemainingMinutes int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("only %d minutes remain today", e.RemainingMinutes)
}

// ConflictError rejects starting a session while one is already active. The
// recommended recovery is resuming the existing session.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }
