package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentfleet/pkg/models"
)

// ProjectRepo handles projects and their state transition audit trail.
type ProjectRepo struct{ s *Store }

const projectColumns = `id, name, status, priority, progress, specs_total, specs_completed, last_activity_at, created_at, updated_at`

// CreateProject inserts a project. Status stays empty until the first transition.
func (r *ProjectRepo) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Priority == "" {
		p.Priority = models.PriorityMedium
	}
	p.CreatedAt = r.s.stamp(p.CreatedAt)
	p.UpdatedAt = p.CreatedAt

	const q = `INSERT INTO projects (` + projectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.s.db.ExecContext(ctx, q,
		p.ID, p.Name, string(p.Status), string(p.Priority), p.Progress, p.SpecsTotal, p.SpecsCompleted,
		nullTS(p.LastActivityAt), ts(p.CreatedAt), ts(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("project %q: %w", p.Name, ErrDuplicate)
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (r *ProjectRepo) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

// GetProjectByName retrieves a project by its unique name.
func (r *ProjectRepo) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	return p, err
}

// ListProjects returns projects, optionally restricted to the given statuses.
func (r *ProjectRepo) ListProjects(ctx context.Context, statuses ...models.ProjectStatus) ([]models.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY created_at ASC`

	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project; transitions, pause settings and pause logs cascade.
func (r *ProjectRepo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// ApplyTransition moves the project from expectedFrom (nil = no state yet) to
// tr.ToState and appends tr to the audit trail in one transaction. It returns
// ErrConflict when the project is no longer in expectedFrom. tr.ID and
// tr.DurationMS (time spent in the previous state) are filled in.
func (r *ProjectRepo) ApplyTransition(ctx context.Context, expectedFrom *models.ProjectStatus, tr *models.StateTransition) error {
	tr.CreatedAt = r.s.stamp(tr.CreatedAt)
	from := ""
	if expectedFrom != nil {
		from = string(*expectedFrom)
	}

	metadata, err := json.Marshal(tr.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transition metadata: %w", err)
	}
	if tr.Metadata == nil {
		metadata = []byte("{}")
	}

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE projects SET status = ?, updated_at = ?, last_activity_at = ? WHERE id = ? AND status = ?`,
			string(tr.ToState), ts(tr.CreatedAt), ts(tr.CreatedAt), tr.ProjectID, from)
		if err != nil {
			return fmt.Errorf("update project status: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, tr.ProjectID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("project %s: %w", tr.ProjectID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("check project: %w", err)
			}
			return fmt.Errorf("project %s not in state %q: %w", tr.ProjectID, from, ErrConflict)
		}

		var prevAt sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT created_at FROM state_transitions WHERE project_id = ? ORDER BY id DESC LIMIT 1`,
			tr.ProjectID).Scan(&prevAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load previous transition: %w", err)
		}
		tr.DurationMS = 0
		if prev := tsPtr(prevAt); prev != nil {
			tr.DurationMS = max(tr.CreatedAt.Sub(*prev).Milliseconds(), 0)
		}

		var fromState any
		if tr.FromState != nil {
			fromState = string(*tr.FromState)
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO state_transitions (project_id, from_state, to_state, source, initiated_by, reason, metadata, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ProjectID, fromState, string(tr.ToState), string(tr.Source), tr.InitiatedBy, tr.Reason,
			string(metadata), tr.DurationMS, ts(tr.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
		tr.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("transition id: %w", err)
		}
		return nil
	})
}

// ListTransitions returns a project's audit trail in insertion order.
func (r *ProjectRepo) ListTransitions(ctx context.Context, projectID string) ([]models.StateTransition, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT id, project_id, from_state, to_state, source, initiated_by, reason, metadata, duration_ms, created_at
		 FROM state_transitions WHERE project_id = ? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []models.StateTransition
	for rows.Next() {
		var (
			tr        models.StateTransition
			fromState sql.NullString
			toState   string
			source    string
			metadata  string
			createdAt string
		)
		if err := rows.Scan(&tr.ID, &tr.ProjectID, &fromState, &toState, &source, &tr.InitiatedBy,
			&tr.Reason, &metadata, &tr.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if fromState.Valid {
			st := models.ProjectStatus(fromState.String)
			tr.FromState = &st
		}
		tr.ToState = models.ProjectStatus(toState)
		tr.Source = models.TransitionSource(source)
		tr.CreatedAt = parseTS(createdAt)
		if err := json.Unmarshal([]byte(metadata), &tr.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal transition metadata: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p            models.Project
		status       string
		priority     string
		lastActivity sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&p.ID, &p.Name, &status, &priority, &p.Progress, &p.SpecsTotal, &p.SpecsCompleted,
		&lastActivity, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Status = models.ProjectStatus(status)
	p.Priority = models.ProjectPriority(priority)
	p.LastActivityAt = tsPtr(lastActivity)
	p.CreatedAt = parseTS(createdAt)
	p.UpdatedAt = parseTS(updatedAt)
	return &p, nil
}
