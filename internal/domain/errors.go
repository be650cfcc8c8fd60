package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateWorkItem = errors.New("work item already active")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAlreadyResolved   = errors.New("approval already resolved")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrInvalidRule       = errors.New("invalid approval rule")
	ErrExecutorTimeout   = errors.New("task executor timed out")
	ErrUnavailable       = errors.New("collaborator unavailable")
)

// TransitionError describes a refused phase change.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

// ForbiddenError indicates the actor holds no role allowed for the action.
type ForbiddenError struct {
	Actor  string
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not %s", e.Actor, e.Action)
}

func (e ForbiddenError) Unwrap() error { return ErrUnauthorized }

// Retryable reports whether the caller may retry err with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrExecutorTimeout)
}
