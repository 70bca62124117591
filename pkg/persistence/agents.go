package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentfleet/pkg/models"
)

// AgentRepo handles the agent pool. Every load change is a single conditional
// UPDATE so concurrent assign/release/reassign calls cannot lose updates.
type AgentRepo struct{ s *Store }

const agentColumns = `agent_id, agent_type, status, current_project_id, current_load, max_capacity, capabilities,
	affinity_tag, priority, total_assigned, total_completed, total_failed, last_heartbeat, pid, working_dir,
	command, tmux_session, created_at, updated_at, deleted_at`

// Decrement one unit of load; a busy agent that drains to zero becomes available.
const releaseSet = `current_load = current_load - 1,
	status = CASE WHEN current_load - 1 = 0 AND status = 'busy' THEN 'available' ELSE status END,
	current_project_id = CASE WHEN current_load - 1 = 0 THEN NULL ELSE current_project_id END`

// Increment one unit of load on an available agent with spare capacity.
const assignSet = `current_load = current_load + 1,
	total_assigned = total_assigned + 1,
	current_project_id = ?,
	status = CASE WHEN current_load + 1 >= max_capacity THEN 'busy' ELSE status END`

const assignWhere = `agent_id = ? AND deleted_at IS NULL AND status = 'available' AND current_load < max_capacity`

// InsertAgent adds a new agent row. ErrDuplicate is returned if the id exists,
// whether active or soft-deleted.
func (r *AgentRepo) InsertAgent(ctx context.Context, a *models.Agent) error {
	a.CreatedAt = r.s.stamp(a.CreatedAt)
	a.UpdatedAt = a.CreatedAt
	caps, err := json.Marshal(nonNilStrings(a.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	const q = `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.s.db.ExecContext(ctx, q,
		a.AgentID, a.AgentType, string(a.Status), nullString(a.CurrentProjectID), a.CurrentLoad, a.MaxCapacity,
		string(caps), a.AffinityTag, a.Priority, a.TotalAssigned, a.TotalCompleted, a.TotalFailed,
		nullTS(a.LastHeartbeat), a.PID, a.WorkingDir, a.Command, a.TmuxSession,
		ts(a.CreatedAt), ts(a.UpdatedAt), nullTS(a.DeletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent %s: %w", a.AgentID, ErrDuplicate)
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// RestoreAgent re-activates a soft-deleted agent with fresh registration data.
// Lifetime counters are kept. ErrConflict is returned if the row is not deleted.
func (r *AgentRepo) RestoreAgent(ctx context.Context, a *models.Agent) error {
	a.UpdatedAt = r.s.stamp(a.UpdatedAt)
	caps, err := json.Marshal(nonNilStrings(a.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	res, err := r.s.db.ExecContext(ctx,
		`UPDATE agents SET agent_type = ?, status = ?, current_project_id = NULL, current_load = 0, max_capacity = ?,
			capabilities = ?, affinity_tag = ?, priority = ?, last_heartbeat = ?, pid = ?, working_dir = ?,
			command = ?, tmux_session = ?, updated_at = ?, deleted_at = NULL
		 WHERE agent_id = ? AND deleted_at IS NOT NULL`,
		a.AgentType, string(a.Status), a.MaxCapacity, string(caps), a.AffinityTag, a.Priority,
		nullTS(a.LastHeartbeat), a.PID, a.WorkingDir, a.Command, a.TmuxSession, ts(a.UpdatedAt), a.AgentID)
	if err != nil {
		return fmt.Errorf("restore agent: %w", err)
	}
	return expectOne(res, "agent "+a.AgentID)
}

// GetAgent retrieves an agent by id, including soft-deleted rows.
func (r *AgentRepo) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAgents returns agents ordered by id. Soft-deleted agents are skipped
// unless includeDeleted is set.
func (r *AgentRepo) ListAgents(ctx context.Context, includeDeleted bool) ([]models.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	if !includeDeleted {
		q += ` WHERE deleted_at IS NULL`
	}
	q += ` ORDER BY agent_id ASC`

	rows, err := r.s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Heartbeat records liveness. An offline agent becomes available. A reported
// load is clamped to [0, max_capacity].
func (r *AgentRepo) Heartbeat(ctx context.Context, id string, at time.Time, load *int, projectID *string) error {
	var loadArg any
	if load != nil {
		loadArg = *load
	}
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE agents SET
			last_heartbeat = ?,
			updated_at = ?,
			current_load = CASE WHEN ? IS NULL THEN current_load ELSE MIN(MAX(?, 0), max_capacity) END,
			current_project_id = COALESCE(?, current_project_id),
			status = CASE WHEN status = 'offline' THEN 'available' ELSE status END
		 WHERE agent_id = ? AND deleted_at IS NULL`,
		ts(at), ts(at), loadArg, loadArg, nullString(projectID), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateProcessInfo refreshes detector-supplied fields and the heartbeat.
func (r *AgentRepo) UpdateProcessInfo(ctx context.Context, a *models.Agent, at time.Time) error {
	caps, err := json.Marshal(nonNilStrings(a.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE agents SET pid = ?, working_dir = ?, command = ?, tmux_session = ?, capabilities = ?,
			last_heartbeat = ?, updated_at = ?,
			status = CASE WHEN status = 'offline' THEN 'available' ELSE status END
		 WHERE agent_id = ? AND deleted_at IS NULL`,
		a.PID, a.WorkingDir, a.Command, a.TmuxSession, string(caps), ts(at), ts(at), a.AgentID)
	if err != nil {
		return fmt.Errorf("update process info: %w", err)
	}
	return expectOne(res, "agent "+a.AgentID)
}

// TryAssign adds one unit of load for projectID if the agent is still
// available with spare capacity. It reports whether the agent was taken.
func (r *AgentRepo) TryAssign(ctx context.Context, id, projectID string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE agents SET `+assignSet+`, updated_at = ? WHERE `+assignWhere,
		projectID, ts(at), id)
	if err != nil {
		return false, fmt.Errorf("assign agent: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// TryRelease removes one unit of load and bumps the outcome counter. It
// reports false when the agent has no load to release.
func (r *AgentRepo) TryRelease(ctx context.Context, id string, completed, failed bool, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE agents SET `+releaseSet+`,
			total_completed = total_completed + ?,
			total_failed = total_failed + ?,
			updated_at = ?
		 WHERE agent_id = ? AND deleted_at IS NULL AND current_load > 0`,
		boolInt(completed), boolInt(failed), ts(at), id)
	if err != nil {
		return false, fmt.Errorf("release agent: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// Reassign moves one unit of load for projectID from fromID to toID in a
// single transaction. ErrConflict is returned, with nothing changed, if the
// old agent has no load or the new agent cannot take more.
func (r *AgentRepo) Reassign(ctx context.Context, fromID, toID, projectID string, at time.Time) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agents SET `+releaseSet+`, updated_at = ?
			 WHERE agent_id = ? AND deleted_at IS NULL AND current_load > 0`,
			ts(at), fromID)
		if err != nil {
			return fmt.Errorf("reassign release: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("agent %s has no load to move: %w", fromID, ErrConflict)
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE agents SET `+assignSet+`, updated_at = ? WHERE `+assignWhere,
			projectID, ts(at), toID)
		if err != nil {
			return fmt.Errorf("reassign assign: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("agent %s cannot take more load: %w", toID, ErrConflict)
		}
		return nil
	})
}

// MarkOffline flips every live, non-offline agent whose heartbeat (or, with
// no heartbeat, registration) is strictly older than cutoff.
func (r *AgentRepo) MarkOffline(ctx context.Context, cutoff, at time.Time) (int64, error) {
	c := ts(cutoff)
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE agents SET status = 'offline', updated_at = ?
		 WHERE deleted_at IS NULL AND status != 'offline'
		   AND ((last_heartbeat IS NOT NULL AND last_heartbeat < ?)
		     OR (last_heartbeat IS NULL AND created_at < ?))`,
		ts(at), c, c)
	if err != nil {
		return 0, fmt.Errorf("mark offline: %w", err)
	}
	return affected(res)
}

// SetStatus forces an administrative status (maintenance, draining, available).
func (r *AgentRepo) SetStatus(ctx context.Context, id string, status models.AgentStatus, at time.Time) error {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ? AND deleted_at IS NULL`,
		string(status), ts(at), id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// SoftDelete marks an agent deleted and drops its load.
func (r *AgentRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE agents SET deleted_at = ?, updated_at = ?, status = 'offline', current_load = 0, current_project_id = NULL
		 WHERE agent_id = ? AND deleted_at IS NULL`,
		ts(at), ts(at), id)
	if err != nil {
		return fmt.Errorf("soft delete agent: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a             models.Agent
		status        string
		projectID     sql.NullString
		caps          string
		lastHeartbeat sql.NullString
		createdAt     string
		updatedAt     string
		deletedAt     sql.NullString
	)
	err := row.Scan(&a.AgentID, &a.AgentType, &status, &projectID, &a.CurrentLoad, &a.MaxCapacity, &caps,
		&a.AffinityTag, &a.Priority, &a.TotalAssigned, &a.TotalCompleted, &a.TotalFailed, &lastHeartbeat,
		&a.PID, &a.WorkingDir, &a.Command, &a.TmuxSession, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Status = models.AgentStatus(status)
	a.CurrentProjectID = strPtr(projectID)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	a.LastHeartbeat = tsPtr(lastHeartbeat)
	a.CreatedAt = parseTS(createdAt)
	a.UpdatedAt = parseTS(updatedAt)
	a.DeletedAt = tsPtr(deletedAt)
	return &a, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func expectOne(res sql.Result, what string) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return nil
}
