package statemachine

import (
	"errors"
	"fmt"
	"strings"

	"agentfleet/pkg/models"
)

var (
	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrPermissionDenied is returned by validators rejecting a role-restricted transition.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrConcurrentTransition is returned when the project left the expected
	// state before the transition could be recorded.
	ErrConcurrentTransition = errors.New("concurrent transition")
	// ErrProjectNotFound is returned for unknown project ids.
	ErrProjectNotFound = errors.New("project not found")
)

// InvalidTransitionError names the disallowed edge.
type InvalidTransitionError struct {
	From *models.ProjectStatus
	To   models.ProjectStatus
}

func (e *InvalidTransitionError) Error() string {
	from := "<none>"
	if e.From != nil && *e.From != "" {
		from = string(*e.From)
	}
	return fmt.Sprintf("invalid state transition %s -> %s", from, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) true.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ObserverError reports observer failures after the transition was committed.
// Transition is the recorded row.
type ObserverError struct {
	Transition *models.StateTransition
	Errs       []error
}

func (e *ObserverError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("transition %d recorded but %d observer(s) failed: %s",
		e.Transition.ID, len(e.Errs), strings.Join(msgs, "; "))
}

func (e *ObserverError) Unwrap() []error { return e.Errs }
