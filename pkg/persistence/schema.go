package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// If database is empty (version 0), create fresh schema
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
// Version 1 is created fresh by createSchema; later versions add cases here.
func runMigration(_ *sql.DB, version int) error {
	return fmt.Errorf("unknown migration version: %d", version)
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT '' CHECK (status IN ('','idle','queued','running','paused','error','completed','cancelled')),
			priority TEXT NOT NULL DEFAULT 'medium' CHECK (priority IN ('low','medium','high','critical')),
			progress REAL NOT NULL DEFAULT 0,
			specs_total INTEGER NOT NULL DEFAULT 0,
			specs_completed INTEGER NOT NULL DEFAULT 0,
			last_activity_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		// Append-only audit trail; rows are only removed by cascade.
		`CREATE TABLE IF NOT EXISTS state_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			from_state TEXT,
			to_state TEXT NOT NULL,
			source TEXT NOT NULL CHECK (source IN ('user','system','api','automation','timeout')),
			initiated_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('available','busy','offline','maintenance','draining')),
			current_project_id TEXT,
			current_load INTEGER NOT NULL DEFAULT 0,
			max_capacity INTEGER NOT NULL DEFAULT 1,
			capabilities TEXT NOT NULL DEFAULT '[]',
			affinity_tag TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			total_assigned INTEGER NOT NULL DEFAULT 0,
			total_completed INTEGER NOT NULL DEFAULT 0,
			total_failed INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TEXT,
			pid INTEGER NOT NULL DEFAULT 0,
			working_dir TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			tmux_session TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			CHECK (current_load >= 0 AND current_load <= max_capacity)
		)`,

		`CREATE TABLE IF NOT EXISTS scaling_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL CHECK (action IN ('scale_up','scale_down','no_op')),
			previous_count INTEGER NOT NULL,
			new_count INTEGER NOT NULL,
			reason TEXT NOT NULL,
			metrics TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			requests_per_minute INTEGER NOT NULL DEFAULT 0,
			tokens_per_minute INTEGER NOT NULL DEFAULT 0,
			quota_requests INTEGER NOT NULL DEFAULT 0,
			quota_tokens INTEGER NOT NULL DEFAULT 0,
			quota_period_ms INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,

		// project_id '' is the provider-wide counter.
		`CREATE TABLE IF NOT EXISTS quota_usage (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			project_id TEXT NOT NULL DEFAULT '',
			current_requests INTEGER NOT NULL DEFAULT 0,
			current_tokens INTEGER NOT NULL DEFAULT 0,
			quota_limit INTEGER NOT NULL DEFAULT 0,
			quota_limit_tokens INTEGER NOT NULL DEFAULT 0,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			last_reset_at TEXT,
			last_alert_at TEXT,
			overage_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			UNIQUE (provider_id, project_id)
		)`,

		`CREATE TABLE IF NOT EXISTS quota_alerts (
			id TEXT PRIMARY KEY,
			quota_usage_id TEXT NOT NULL REFERENCES quota_usage(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			project_id TEXT,
			alert_type TEXT NOT NULL CHECK (alert_type IN ('warning','critical','overage')),
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','acknowledged','resolved')),
			threshold_percent REAL NOT NULL,
			usage_percent REAL NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			escalation_count INTEGER NOT NULL DEFAULT 0,
			escalation_at TEXT,
			channels_sent TEXT NOT NULL DEFAULT '[]',
			acknowledged_by TEXT NOT NULL DEFAULT '',
			acknowledged_at TEXT,
			resolved_at TEXT,
			created_at TEXT NOT NULL
		)`,

		// provider_id '' and project_id '' together are the global row.
		`CREATE TABLE IF NOT EXISTS alert_configs (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			warning_percent REAL NOT NULL,
			critical_percent REAL NOT NULL,
			emergency_percent REAL NOT NULL,
			channels TEXT NOT NULL DEFAULT '[]',
			cooldown_minutes INTEGER NOT NULL,
			escalation_enabled INTEGER NOT NULL DEFAULT 1,
			escalation_minutes INTEGER NOT NULL,
			max_escalations INTEGER NOT NULL,
			UNIQUE (provider_id, project_id)
		)`,

		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			project_id TEXT,
			session_id TEXT,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			payload BLOB,
			headers TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL CHECK (priority IN (1,2,3)),
			status TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed','cancelled')),
			scheduled_at TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			last_error TEXT NOT NULL DEFAULT '',
			response_status INTEGER NOT NULL DEFAULT 0,
			processing_started_at TEXT,
			completed_at TEXT,
			failed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS rate_limit_events (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			queue_item_id TEXT NOT NULL REFERENCES queue_items(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			calculated_backoff_seconds REAL NOT NULL,
			jitter_seconds REAL NOT NULL DEFAULT 0,
			retry_after_seconds REAL,
			status TEXT NOT NULL CHECK (status IN ('detected','retrying','resolved','failed')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS auto_pause_settings (
			project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			threshold_percent REAL NOT NULL,
			auto_resume INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS auto_pause_logs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL CHECK (trigger_type IN ('quota_threshold','quota_exceeded','manual_override')),
			status TEXT NOT NULL CHECK (status IN ('pending','paused','resumed','overridden','cancelled')),
			threshold_percent REAL NOT NULL DEFAULT 0,
			usage_percent REAL NOT NULL DEFAULT 0,
			auto_resume INTEGER NOT NULL DEFAULT 1,
			quota_period_end TEXT,
			paused_at TEXT,
			resumed_at TEXT,
			override_by TEXT NOT NULL DEFAULT '',
			override_at TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_transitions_project ON state_transitions(project_id, id)",
		"CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status) WHERE deleted_at IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(current_project_id)",
		"CREATE INDEX IF NOT EXISTS idx_scaling_events_action ON scaling_events(action, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_quota_alerts_usage ON quota_alerts(quota_usage_id, status, threshold_percent)",
		"CREATE INDEX IF NOT EXISTS idx_quota_alerts_status ON quota_alerts(status)",
		"CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_items(status, provider_id, priority DESC, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_rate_limit_item ON rate_limit_events(queue_item_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_pause_logs_project ON auto_pause_logs(project_id, status)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
