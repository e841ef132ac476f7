package consent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("consent: validation failed")
	ErrNotFound          = errors.New("consent: grant not found")
	ErrForbidden         = errors.New("consent: forbidden")
	ErrInvalidTransition = errors.New("consent: invalid transition")
	ErrConflict          = errors.New("consent: concurrent modification")
	ErrExpired           = errors.New("consent: request expired")

	ErrRequestPending = fmt.Errorf("%w: a request for this subject is already pending", ErrConflict)
)

// ValidationError carries field level detail. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidTransitionError is returned when the state machine rejects an
// action for the grant's current status. It matches ErrInvalidTransition.
type InvalidTransitionError struct {
	From   Status
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("consent: cannot %s a %s grant", e.Action, strings.ToLower(string(e.From)))
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
