// Package persistence provides the SQLite store for projects, agents, quotas and the request queue.
//
// Every contested mutation (queue claims, agent load changes, usage counters,
// project status) is a single conditional UPDATE or a short transaction on a
// single-writer connection, so the database is the arbiter of mutual exclusion.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"agentfleet/pkg/logx"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate key")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("conditional update lost")
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store owns the database handle and hands out per-entity repositories.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *logx.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for rows whose timestamps the caller left zero.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and migrates it to
// the current schema version.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, now: time.Now, logger: logx.NewLogger("persistence")}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Info("database initialized: %s", path)
	return s, nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Projects returns the project and transition repository.
func (s *Store) Projects() *ProjectRepo { return &ProjectRepo{s} }

// Agents returns the agent pool repository.
func (s *Store) Agents() *AgentRepo { return &AgentRepo{s} }

// Scaling returns the scaling event repository.
func (s *Store) Scaling() *ScalingRepo { return &ScalingRepo{s} }

// Quotas returns the provider, usage, alert and alert config repository.
func (s *Store) Quotas() *QuotaRepo { return &QuotaRepo{s} }

// Queue returns the request queue and rate limit event repository.
func (s *Store) Queue() *QueueRepo { return &QueueRepo{s} }

// Pauses returns the auto-pause settings and log repository.
func (s *Store) Pauses() *PauseRepo { return &PauseRepo{s} }

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func tsPtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// scope maps an optional id to the empty-string sentinel used in unique keys.
func scope(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func scopePtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
