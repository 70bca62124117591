package statemachine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"agentfleet/pkg/logx"
	"agentfleet/pkg/metrics"
	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
)

// Store is the persistence the state machine needs. ApplyTransition must
// compare-and-set the project status and append the audit row atomically.
type Store interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ApplyTransition(ctx context.Context, expectedFrom *models.ProjectStatus, tr *models.StateTransition) error
	ListTransitions(ctx context.Context, projectID string) ([]models.StateTransition, error)
}

// Request asks for one status change. From is the status the caller believes
// the project is in; nil for a project that has none yet.
type Request struct {
	ProjectID   string
	From        *models.ProjectStatus
	To          models.ProjectStatus
	Source      models.TransitionSource
	InitiatedBy string
	Reason      string
	Metadata    map[string]any
}

// TransitionValidator runs before a transition is persisted. It may mutate
// req.Metadata; a returned error aborts the transition with nothing written.
type TransitionValidator interface {
	Validate(ctx context.Context, req *Request) error
}

// ValidatorFunc adapts a function to TransitionValidator.
type ValidatorFunc func(ctx context.Context, req *Request) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, req *Request) error { return f(ctx, req) }

// TransitionObserver runs after a transition is persisted. Its error is
// reported to the caller but cannot undo the transition.
type TransitionObserver interface {
	OnTransition(ctx context.Context, tr *models.StateTransition) error
}

// ObserverFunc adapts a function to TransitionObserver.
type ObserverFunc func(ctx context.Context, tr *models.StateTransition) error

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, tr *models.StateTransition) error {
	return f(ctx, tr)
}

// StateMachine is the only writer of project status.
type StateMachine struct {
	store    Store
	recorder metrics.Recorder
	logger   *logx.Logger
	now      func() time.Time

	mu         sync.RWMutex
	validators []TransitionValidator
	observers  []TransitionObserver
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *StateMachine) { m.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) { m.now = now }
}

// WithObservers appends observers in order.
func WithObservers(o ...TransitionObserver) Option {
	return func(m *StateMachine) { m.observers = append(m.observers, o...) }
}

// New creates a state machine with the built-in auto-retry and role
// validators installed. AddValidator appends more.
func New(store Store, opts ...Option) *StateMachine {
	m := &StateMachine{
		store:      store,
		recorder:   metrics.Nop(),
		logger:     logx.NewLogger("statemachine"),
		now:        time.Now,
		validators: []TransitionValidator{AutoRetryValidator{}, RoleValidator{}},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddValidator registers a validator after construction.
func (m *StateMachine) AddValidator(v TransitionValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators = append(m.validators, v)
}

// Transition validates req against the lifecycle graph and the validators,
// then records it. A returned *ObserverError accompanies a committed record.
func (m *StateMachine) Transition(ctx context.Context, req Request) (*models.StateTransition, error) {
	if req.From != nil && *req.From == "" {
		req.From = nil
	}
	if !IsValidTransition(req.From, req.To) {
		return nil, &InvalidTransitionError{From: req.From, To: req.To}
	}
	if req.Source == "" {
		req.Source = models.SourceSystem
	}
	req.Metadata = maps.Clone(req.Metadata)
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	m.mu.RLock()
	validators := append([]TransitionValidator(nil), m.validators...)
	observers := append([]TransitionObserver(nil), m.observers...)
	m.mu.RUnlock()

	for _, v := range validators {
		if err := v.Validate(ctx, &req); err != nil {
			return nil, fmt.Errorf("transition %s -> %s blocked: %w", statusName(req.From), req.To, err)
		}
	}

	tr := &models.StateTransition{
		ProjectID:   req.ProjectID,
		FromState:   req.From,
		ToState:     req.To,
		Source:      req.Source,
		InitiatedBy: req.InitiatedBy,
		Reason:      req.Reason,
		Metadata:    req.Metadata,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.store.ApplyTransition(ctx, req.From, tr); err != nil {
		switch {
		case errors.Is(err, persistence.ErrConflict):
			return nil, fmt.Errorf("%w: project %s is no longer %s", ErrConcurrentTransition, req.ProjectID, statusName(req.From))
		case errors.Is(err, persistence.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, req.ProjectID)
		default:
			return nil, fmt.Errorf("record transition: %w", err)
		}
	}

	m.recorder.ObserveTransition(statusName(req.From), string(req.To), string(req.Source))
	m.logger.Info("project %s: %s -> %s (%s by %q)", req.ProjectID, statusName(req.From), req.To, req.Source, req.InitiatedBy)

	var errs []error
	for _, o := range observers {
		if err := o.OnTransition(ctx, tr); err != nil {
			m.logger.Warn("observer failed for transition %d: %v", tr.ID, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return tr, &ObserverError{Transition: tr, Errs: errs}
	}
	return tr, nil
}

// TransitionFromCurrent reads the project's current status and transitions
// from it. It is a convenience for callers that do not track status.
func (m *StateMachine) TransitionFromCurrent(ctx context.Context, req Request) (*models.StateTransition, error) {
	current, err := m.Current(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	req.From = current
	return m.Transition(ctx, req)
}

// Current returns the project's status, nil if it has none yet.
func (m *StateMachine) Current(ctx context.Context, projectID string) (*models.ProjectStatus, error) {
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return nil, err
	}
	if p.Status == "" {
		return nil, nil
	}
	status := p.Status
	return &status, nil
}

// History returns the project's transitions in the order they were recorded.
func (m *StateMachine) History(ctx context.Context, projectID string) ([]models.StateTransition, error) {
	return m.store.ListTransitions(ctx, projectID)
}

func statusName(s *models.ProjectStatus) string {
	if s == nil {
		return "<none>"
	}
	return string(*s)
}
