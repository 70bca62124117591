package pool

import (
	"context"
	"errors"
	"fmt"

	"agentfleet/pkg/models"
)

// ProjectReleaser is a state machine observer that frees agent capacity when
// a project stops running. Each agent currently holding the project gives
// back one unit of load.
type ProjectReleaser struct {
	Pool *Pool
}

// OnTransition implements statemachine.TransitionObserver.
func (r *ProjectReleaser) OnTransition(ctx context.Context, tr *models.StateTransition) error {
	if tr.FromState == nil || *tr.FromState != models.ProjectRunning || tr.ToState == models.ProjectRunning {
		return nil
	}

	agents, err := r.Pool.List(ctx)
	if err != nil {
		return fmt.Errorf("list agents for release: %w", err)
	}

	outcome := releaseOutcome(tr.ToState)
	var errs []error
	for i := range agents {
		a := &agents[i]
		if a.CurrentProjectID == nil || *a.CurrentProjectID != tr.ProjectID || a.CurrentLoad == 0 {
			continue
		}
		if _, err := r.Pool.Release(ctx, a.AgentID, outcome); err != nil && !errors.Is(err, ErrNoLoad) {
			errs = append(errs, fmt.Errorf("release %s: %w", a.AgentID, err))
		}
	}
	return errors.Join(errs...)
}

func releaseOutcome(to models.ProjectStatus) Outcome {
	switch to {
	case models.ProjectCompleted:
		return OutcomeCompleted
	case models.ProjectError:
		return OutcomeFailed
	default:
		return OutcomeDetached
	}
}
