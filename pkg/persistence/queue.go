package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentfleet/pkg/models"
)

// QueueRepo handles request queue items and rate limit events.
type QueueRepo struct{ s *Store }

// claimBatch bounds how many candidates one claim pass tries before re-selecting.
const claimBatch = 8

const itemColumns = `id, provider_id, project_id, session_id, endpoint, method, payload, headers, priority, status,
	scheduled_at, retry_count, max_retries, last_error, response_status, processing_started_at, completed_at,
	failed_at, created_at, updated_at`

// InsertItem enqueues an item and fills its id and timestamps.
func (r *QueueRepo) InsertItem(ctx context.Context, it *models.QueueItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Status == "" {
		it.Status = models.QueuePending
	}
	it.CreatedAt = r.s.stamp(it.CreatedAt)
	it.UpdatedAt = it.CreatedAt
	headers, err := json.Marshal(it.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	if it.Headers == nil {
		headers = []byte("{}")
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO queue_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ProviderID, nullString(it.ProjectID), nullString(it.SessionID), it.Endpoint, it.Method, it.Payload,
		string(headers), int(it.Priority), string(it.Status), nullTS(it.ScheduledAt), it.RetryCount, it.MaxRetries,
		it.LastError, it.ResponseStatus, nullTS(it.ProcessingStartedAt), nullTS(it.CompletedAt), nullTS(it.FailedAt),
		ts(it.CreatedAt), ts(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// GetItem retrieves a queue item by id.
func (r *QueueRepo) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	return it, err
}

// ClaimNextPending atomically moves the best ready item to processing and
// returns it, or nil when nothing is ready. Ready means pending with
// scheduled_at unset or not after now; best means highest priority, then
// oldest. Candidates another worker claimed first are skipped, not waited on.
// An empty providerID claims across all providers.
func (r *QueueRepo) ClaimNextPending(ctx context.Context, providerID string, now time.Time) (*models.QueueItem, error) {
	nowTS := ts(now)
	q := `SELECT id FROM queue_items
		WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= ?)`
	args := []any{nowTS}
	if providerID != "" {
		q += ` AND provider_id = ?`
		args = append(args, providerID)
	}
	q += ` ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT ?`
	args = append(args, claimBatch)

	for {
		ids, err := r.candidateIDs(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}

		for _, id := range ids {
			res, err := r.s.db.ExecContext(ctx,
				`UPDATE queue_items SET status = 'processing', processing_started_at = ?, updated_at = ?
				 WHERE id = ? AND status = 'pending'`, nowTS, nowTS, id)
			if err != nil {
				return nil, fmt.Errorf("claim queue item: %w", err)
			}
			n, err := affected(res)
			if err != nil {
				return nil, err
			}
			if n == 1 {
				return r.GetItem(ctx, id)
			}
			// Claimed by another worker since the select; try the next one.
		}
	}
}

func (r *QueueRepo) candidateIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompleteItem marks a processing item completed. It reports false when the
// item left processing meanwhile (e.g. was cancelled).
func (r *QueueRepo) CompleteItem(ctx context.Context, id string, responseStatus int, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'completed', response_status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		responseStatus, ts(at), ts(at), id)
	if err != nil {
		return false, fmt.Errorf("complete queue item: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// RetryItem returns a processing item to pending with a new retry count and schedule.
func (r *QueueRepo) RetryItem(ctx context.Context, id string, retryCount int, scheduledAt time.Time, lastError string, responseStatus int, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', retry_count = ?, scheduled_at = ?, last_error = ?,
			response_status = ?, processing_started_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		retryCount, ts(scheduledAt), lastError, responseStatus, ts(at), id)
	if err != nil {
		return false, fmt.Errorf("retry queue item: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// DeferItem returns a processing item to pending without counting a retry.
func (r *QueueRepo) DeferItem(ctx context.Context, id string, scheduledAt time.Time, reason string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', scheduled_at = ?, last_error = ?, processing_started_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		ts(scheduledAt), reason, ts(at), id)
	if err != nil {
		return false, fmt.Errorf("defer queue item: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// FailItem marks a processing item failed.
func (r *QueueRepo) FailItem(ctx context.Context, id, lastError string, responseStatus int, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'failed', last_error = ?, response_status = ?, failed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		lastError, responseStatus, ts(at), ts(at), id)
	if err != nil {
		return false, fmt.Errorf("fail queue item: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// CancelItem cancels a pending or processing item.
func (r *QueueRepo) CancelItem(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`, ts(at), id)
	if err != nil {
		return false, fmt.Errorf("cancel queue item: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// RequeueStale returns items stuck in processing since before cutoff to pending.
func (r *QueueRepo) RequeueStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', processing_started_at = NULL, scheduled_at = NULL,
			last_error = 'requeued after stale processing', updated_at = ?
		 WHERE status = 'processing' AND processing_started_at < ?`, ts(at), ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	return affected(res)
}

// PurgeTerminal deletes completed, failed and cancelled items last updated before cutoff.
func (r *QueueRepo) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge queue items: %w", err)
	}
	return affected(res)
}

// CountByStatus returns item counts per status, optionally for one provider.
func (r *QueueRepo) CountByStatus(ctx context.Context, providerID string) (map[models.QueueStatus]int, error) {
	q := `SELECT status, COUNT(*) FROM queue_items`
	var args []any
	if providerID != "" {
		q += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	q += ` GROUP BY status`

	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	out := make(map[models.QueueStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		out[models.QueueStatus(status)] = n
	}
	return out, rows.Err()
}

func scanItem(row rowScanner) (*models.QueueItem, error) {
	var (
		it          models.QueueItem
		projectID   sql.NullString
		sessionID   sql.NullString
		headers     string
		priority    int
		status      string
		scheduledAt sql.NullString
		startedAt   sql.NullString
		completedAt sql.NullString
		failedAt    sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&it.ID, &it.ProviderID, &projectID, &sessionID, &it.Endpoint, &it.Method, &it.Payload, &headers,
		&priority, &status, &scheduledAt, &it.RetryCount, &it.MaxRetries, &it.LastError, &it.ResponseStatus,
		&startedAt, &completedAt, &failedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	it.ProjectID = strPtr(projectID)
	it.SessionID = strPtr(sessionID)
	it.Priority = models.QueuePriority(priority)
	it.Status = models.QueueStatus(status)
	it.ScheduledAt = tsPtr(scheduledAt)
	it.ProcessingStartedAt = tsPtr(startedAt)
	it.CompletedAt = tsPtr(completedAt)
	it.FailedAt = tsPtr(failedAt)
	it.CreatedAt = parseTS(createdAt)
	it.UpdatedAt = parseTS(updatedAt)
	if err := json.Unmarshal([]byte(headers), &it.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return &it, nil
}

// InsertRateLimitEvent records a rate limit occurrence and fills its id.
func (r *QueueRepo) InsertRateLimitEvent(ctx context.Context, e *models.RateLimitEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = r.s.stamp(e.CreatedAt)
	e.UpdatedAt = e.CreatedAt
	var retryAfter any
	if e.RetryAfterSeconds != nil {
		retryAfter = *e.RetryAfterSeconds
	}
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_events (id, provider_id, queue_item_id, attempt_number, max_attempts,
			calculated_backoff_seconds, jitter_seconds, retry_after_seconds, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProviderID, e.QueueItemID, e.AttemptNumber, e.MaxAttempts, e.CalculatedBackoffSeconds,
		e.JitterSeconds, retryAfter, string(e.Status), ts(e.CreatedAt), ts(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// SetRateLimitStatus advances one event.
func (r *QueueRepo) SetRateLimitStatus(ctx context.Context, id string, status models.RateLimitStatus, at time.Time) error {
	if _, err := r.s.db.ExecContext(ctx,
		`UPDATE rate_limit_events SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), ts(at), id); err != nil {
		return fmt.Errorf("set rate limit status: %w", err)
	}
	return nil
}

// SettleRateLimitEvents moves every open (detected or retrying) event of an
// item to status and reports how many changed.
func (r *QueueRepo) SettleRateLimitEvents(ctx context.Context, queueItemID string, status models.RateLimitStatus, at time.Time) (int64, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE rate_limit_events SET status = ?, updated_at = ?
		 WHERE queue_item_id = ? AND status IN ('detected', 'retrying')`,
		string(status), ts(at), queueItemID)
	if err != nil {
		return 0, fmt.Errorf("settle rate limit events: %w", err)
	}
	return affected(res)
}

// ListRateLimitEvents returns an item's events in creation order.
func (r *QueueRepo) ListRateLimitEvents(ctx context.Context, queueItemID string) ([]models.RateLimitEvent, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT id, provider_id, queue_item_id, attempt_number, max_attempts, calculated_backoff_seconds,
			jitter_seconds, retry_after_seconds, status, created_at, updated_at
		 FROM rate_limit_events WHERE queue_item_id = ? ORDER BY created_at ASC, rowid ASC`, queueItemID)
	if err != nil {
		return nil, fmt.Errorf("list rate limit events: %w", err)
	}
	defer rows.Close()

	var out []models.RateLimitEvent
	for rows.Next() {
		var (
			e          models.RateLimitEvent
			retryAfter sql.NullFloat64
			status     string
			createdAt  string
			updatedAt  string
		)
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.QueueItemID, &e.AttemptNumber, &e.MaxAttempts,
			&e.CalculatedBackoffSeconds, &e.JitterSeconds, &retryAfter, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		if retryAfter.Valid {
			v := retryAfter.Float64
			e.RetryAfterSeconds = &v
		}
		e.Status = models.RateLimitStatus(status)
		e.CreatedAt = parseTS(createdAt)
		e.UpdatedAt = parseTS(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
