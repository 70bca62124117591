// Package pool tracks agent capacity and health and assigns agents to projects.
//
// All load changes go through conditional updates in the store, so concurrent
// Assign, Release and Reassign calls never push an agent's load outside
// [0, max_capacity] and never lose an update.
package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"agentfleet/pkg/logx"
	"agentfleet/pkg/metrics"
	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
)

var (
	// ErrDuplicateAgent is returned when registering an id that is already active.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrNoAgentAvailable is returned when no agent satisfies an assignment.
	ErrNoAgentAvailable = errors.New("no agent available")
	// ErrAgentNotFound is returned for unknown or deregistered agents.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNoLoad is returned when releasing an agent that carries no load.
	ErrNoLoad = errors.New("agent has no load to release")
)

// Outcome is how an assignment ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDetached frees the slot without touching either counter.
	OutcomeDetached Outcome = "detached"
)

// Store is the persistence the pool needs.
type Store interface {
	InsertAgent(ctx context.Context, a *models.Agent) error
	RestoreAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, includeDeleted bool) ([]models.Agent, error)
	Heartbeat(ctx context.Context, id string, at time.Time, load *int, projectID *string) error
	UpdateProcessInfo(ctx context.Context, a *models.Agent, at time.Time) error
	TryAssign(ctx context.Context, id, projectID string, at time.Time) (bool, error)
	TryRelease(ctx context.Context, id string, completed, failed bool, at time.Time) (bool, error)
	Reassign(ctx context.Context, fromID, toID, projectID string, at time.Time) error
	MarkOffline(ctx context.Context, cutoff, at time.Time) (int64, error)
	SetStatus(ctx context.Context, id string, status models.AgentStatus, at time.Time) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// RegisterRequest describes a new agent.
type RegisterRequest struct {
	AgentID      string
	AgentType    string
	MaxCapacity  int
	Capabilities []string
	AffinityTag  string
	Priority     int
	PID          int
	WorkingDir   string
	Command      string
	TmuxSession  string
}

// AssignRequest selects an agent for a project. Empty fields do not filter.
type AssignRequest struct {
	ProjectID        string
	AgentType        string
	Capabilities     []string
	AffinityTag      string
	PreferredAgentID string
}

// Pool is the agent pool service.
type Pool struct {
	store    Store
	recorder metrics.Recorder
	logger   *logx.Logger
	now      func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool over store.
func New(store Store, opts ...Option) *Pool {
	p := &Pool{
		store:    store,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("pool"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds an agent. A soft-deleted agent with the same id is restored
// with the new registration data; an active one yields ErrDuplicateAgent.
func (p *Pool) Register(ctx context.Context, req RegisterRequest) (*models.Agent, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("register: agent id is required")
	}
	if req.MaxCapacity <= 0 {
		req.MaxCapacity = 1
	}
	now := p.now().UTC()
	a := &models.Agent{
		AgentID:       req.AgentID,
		AgentType:     req.AgentType,
		Status:        models.AgentAvailable,
		MaxCapacity:   req.MaxCapacity,
		Capabilities:  req.Capabilities,
		AffinityTag:   req.AffinityTag,
		Priority:      req.Priority,
		LastHeartbeat: &now,
		PID:           req.PID,
		WorkingDir:    req.WorkingDir,
		Command:       req.Command,
		TmuxSession:   req.TmuxSession,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	existing, err := p.store.GetAgent(ctx, req.AgentID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		if err := p.store.InsertAgent(ctx, a); err != nil {
			if errors.Is(err, persistence.ErrDuplicate) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, req.AgentID)
			}
			return nil, err
		}
		p.logger.Info("registered agent %s (%s, capacity %d)", a.AgentID, a.AgentType, a.MaxCapacity)
	case err != nil:
		return nil, err
	case existing.DeletedAt == nil:
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, req.AgentID)
	default:
		if err := p.store.RestoreAgent(ctx, a); err != nil {
			if errors.Is(err, persistence.ErrConflict) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, req.AgentID)
			}
			return nil, err
		}
		p.logger.Info("restored agent %s", a.AgentID)
	}
	return p.Get(ctx, req.AgentID)
}

// Deregister soft-deletes an agent.
func (p *Pool) Deregister(ctx context.Context, agentID string) error {
	if err := p.store.SoftDelete(ctx, agentID, p.now().UTC()); err != nil {
		return p.mapNotFound(err, agentID)
	}
	p.logger.Info("deregistered agent %s", agentID)
	return nil
}

// Get returns an active agent.
func (p *Pool) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	a, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, p.mapNotFound(err, agentID)
	}
	if a.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a, nil
}

// List returns all active agents.
func (p *Pool) List(ctx context.Context) ([]models.Agent, error) {
	return p.store.ListAgents(ctx, false)
}

// Heartbeat records liveness and optionally the agent's self-reported load
// and project. An offline agent becomes available.
func (p *Pool) Heartbeat(ctx context.Context, agentID string, load *int, projectID *string) (*models.Agent, error) {
	if err := p.store.Heartbeat(ctx, agentID, p.now().UTC(), load, projectID); err != nil {
		return nil, p.mapNotFound(err, agentID)
	}
	logx.Debug(ctx, "pool", "heartbeat from %s", agentID)
	return p.Get(ctx, agentID)
}

// SetStatus forces an administrative status such as maintenance or draining.
func (p *Pool) SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	if err := p.store.SetStatus(ctx, agentID, status, p.now().UTC()); err != nil {
		return p.mapNotFound(err, agentID)
	}
	return nil
}

// Assign picks the best eligible agent and takes one unit of its capacity.
// Candidates are ranked by affinity match, then preferred id, then priority
// (high first), then utilization and load (low first). If another caller
// takes a candidate first, the next one is tried.
func (p *Pool) Assign(ctx context.Context, req AssignRequest) (*models.Agent, error) {
	agents, err := p.store.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.Agent, 0, len(agents))
	for i := range agents {
		a := &agents[i]
		if a.Status != models.AgentAvailable || a.CurrentLoad >= a.MaxCapacity {
			continue
		}
		if req.AgentType != "" && a.AgentType != req.AgentType {
			continue
		}
		if !a.HasCapabilities(req.Capabilities) {
			continue
		}
		candidates = append(candidates, *a)
	}
	rankCandidates(candidates, req)

	for i := range candidates {
		a := &candidates[i]
		ok, err := p.store.TryAssign(ctx, a.AgentID, req.ProjectID, p.now().UTC())
		if err != nil {
			return nil, err
		}
		if !ok {
			logx.Debug(ctx, "pool", "lost race for %s, trying next candidate", a.AgentID)
			continue
		}
		p.logger.Info("assigned agent %s to project %s", a.AgentID, req.ProjectID)
		return p.Get(ctx, a.AgentID)
	}
	return nil, fmt.Errorf("%w: project %s (type %q, capabilities %v)", ErrNoAgentAvailable, req.ProjectID, req.AgentType, req.Capabilities)
}

func rankCandidates(agents []models.Agent, req AssignRequest) {
	affinity := func(a *models.Agent) int {
		if req.AffinityTag != "" && a.AffinityTag == req.AffinityTag {
			return 0
		}
		return 1
	}
	preferred := func(a *models.Agent) int {
		if req.PreferredAgentID != "" && a.AgentID == req.PreferredAgentID {
			return 0
		}
		return 1
	}
	slices.SortStableFunc(agents, func(a, b models.Agent) int {
		return cmp.Or(
			cmp.Compare(affinity(&a), affinity(&b)),
			cmp.Compare(preferred(&a), preferred(&b)),
			cmp.Compare(b.Priority, a.Priority),
			cmp.Compare(a.Utilization(), b.Utilization()),
			cmp.Compare(a.CurrentLoad, b.CurrentLoad),
			cmp.Compare(a.AgentID, b.AgentID),
		)
	})
}

// Release frees one unit of an agent's load and counts the outcome. A busy
// agent whose load drops to zero becomes available.
func (p *Pool) Release(ctx context.Context, agentID string, outcome Outcome) (*models.Agent, error) {
	ok, err := p.store.TryRelease(ctx, agentID,
		outcome == OutcomeCompleted, outcome == OutcomeFailed, p.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := p.Get(ctx, agentID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNoLoad, agentID)
	}
	p.logger.Info("released agent %s (%s)", agentID, outcome)
	return p.Get(ctx, agentID)
}

// Reassign moves one unit of load for projectID from one agent to another as
// a single operation; on failure neither agent changes.
func (p *Pool) Reassign(ctx context.Context, fromID, toID, projectID string) error {
	if fromID == toID {
		return nil
	}
	if err := p.store.Reassign(ctx, fromID, toID, projectID, p.now().UTC()); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return fmt.Errorf("reassign %s -> %s: %w", fromID, toID, err)
		}
		return err
	}
	p.logger.Info("reassigned project %s from %s to %s", projectID, fromID, toID)
	return nil
}

// MarkStale flips agents whose last heartbeat (or registration, if they never
// sent one) is older than timeout to offline and returns how many changed.
func (p *Pool) MarkStale(ctx context.Context, timeout time.Duration) (int, error) {
	now := p.now().UTC()
	n, err := p.store.MarkOffline(ctx, now.Add(-timeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Warn("marked %d agent(s) offline after %s without heartbeat", n, timeout)
	}
	return int(n), nil
}

func (p *Pool) mapNotFound(err error, agentID string) error {
	if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrConflict) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return err
}
