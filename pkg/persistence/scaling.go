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

// ScalingRepo stores the auto-scaler's decision history.
type ScalingRepo struct{ s *Store }

// RecordEvent appends a scaling event and fills its id.
func (r *ScalingRepo) RecordEvent(ctx context.Context, e *models.ScalingEvent) error {
	e.CreatedAt = r.s.stamp(e.CreatedAt)
	metrics, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshal scaling metrics: %w", err)
	}
	if e.Metrics == nil {
		metrics = []byte("{}")
	}
	res, err := r.s.db.ExecContext(ctx,
		`INSERT INTO scaling_events (action, previous_count, new_count, reason, metrics, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Action), e.PreviousCount, e.NewCount, e.Reason, string(metrics), ts(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("record scaling event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("scaling event id: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (r *ScalingRepo) ListEvents(ctx context.Context, limit int) ([]models.ScalingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT id, action, previous_count, new_count, reason, metrics, created_at
		 FROM scaling_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scaling events: %w", err)
	}
	defer rows.Close()

	var out []models.ScalingEvent
	for rows.Next() {
		var (
			e         models.ScalingEvent
			action    string
			metrics   string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &action, &e.PreviousCount, &e.NewCount, &e.Reason, &metrics, &createdAt); err != nil {
			return nil, fmt.Errorf("scan scaling event: %w", err)
		}
		e.Action = models.ScalingAction(action)
		e.CreatedAt = parseTS(createdAt)
		if err := json.Unmarshal([]byte(metrics), &e.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal scaling metrics: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastActionAt returns when an action of the given kind was last executed,
// or nil if never. Cooldown survives restarts through this.
func (r *ScalingRepo) LastActionAt(ctx context.Context, action models.ScalingAction) (*time.Time, error) {
	var createdAt string
	err := r.s.db.QueryRowContext(ctx,
		`SELECT created_at FROM scaling_events WHERE action = ? ORDER BY id DESC LIMIT 1`,
		string(action)).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last scaling action: %w", err)
	}
	t := parseTS(createdAt)
	return &t, nil
}
