package postgres

import (
	"context"
	"errors"
	"fmt"
)

// ErrMigrationFailed wraps any failure while applying or reverting a migration.
var ErrMigrationFailed = errors.New("postgres: migration failed")

const migrationsTable = "schema_migrations"

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrator applies the embedded migrations in version order, each in its
// own transaction.
type Migrator struct {
	db         DB
	migrations []Migration
}

// NewMigrator creates a migrator over db.
func NewMigrator(db DB) *Migrator {
	return &Migrator{db: db, migrations: GetMigrations()}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrMigrationFailed, migrationsTable, err)
	}
	return nil
}

// Applied returns the versions already recorded.
func (m *Migrator) Applied(ctx context.Context) (map[int]bool, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.Query(ctx, `SELECT version FROM `+migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("%w: list applied: %v", ErrMigrationFailed, err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: scan version: %v", ErrMigrationFailed, err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate applies every pending migration.
func (m *Migrator) Migrate(ctx context.Context) error {
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if applied[mig.Version] {
			continue
		}
		err := m.db.WithTx(ctx, func(tx Querier) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO `+migrationsTable+` (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %03d_%s: %v", ErrMigrationFailed, mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Rollback reverts the newest applied migration. It is a no-op on an
// empty schema.
func (m *Migrator) Rollback(ctx context.Context) error {
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if !applied[mig.Version] {
			continue
		}
		err := m.db.WithTx(ctx, func(tx Querier) error {
			if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `DELETE FROM `+migrationsTable+` WHERE version = $1`, mig.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: revert %03d_%s: %v", ErrMigrationFailed, mig.Version, mig.Name, err)
		}
		return nil
	}
	return nil
}

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_risk_profiles",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_assignments",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_response_log",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: RISK PROFILES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS risk_profiles (
    user_id VARCHAR(128) PRIMARY KEY,
    institution_id VARCHAR(128) NOT NULL DEFAULT '',
    stage VARCHAR(20) NOT NULL DEFAULT 'none',
    risk_level VARCHAR(10) NOT NULL DEFAULT 'low',
    crisis_count INTEGER NOT NULL DEFAULT 0,
    last_crisis_at TIMESTAMP WITH TIME ZONE,
    assigned_counsellor_id VARCHAR(128),
    assigned_listener_id VARCHAR(128),
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    -- derived, never written by the application
    needs_counselling BOOLEAN GENERATED ALWAYS AS (stage IN ('ideation', 'planning', 'action')) STORED,

    CONSTRAINT valid_stage CHECK (stage IN ('none', 'trigger', 'spiral', 'distortions', 'overload', 'isolation', 'ideation', 'planning', 'action')),
    CONSTRAINT valid_risk_level CHECK (risk_level IN ('low', 'medium', 'high', 'critical')),
    CONSTRAINT valid_crisis_count CHECK (crisis_count >= 0)
);

CREATE INDEX IF NOT EXISTS idx_risk_profiles_institution ON risk_profiles(institution_id, stage, risk_level);
CREATE INDEX IF NOT EXISTS idx_risk_profiles_counselling ON risk_profiles(institution_id) WHERE needs_counselling;

CREATE TABLE IF NOT EXISTS stage_reviews (
    id BIGSERIAL PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL REFERENCES risk_profiles(user_id) ON DELETE CASCADE,
    from_stage VARCHAR(20) NOT NULL,
    to_stage VARCHAR(20) NOT NULL,
    reviewer_id VARCHAR(128) NOT NULL,
    reason TEXT NOT NULL,
    reviewed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_stage_reviews_user ON stage_reviews(user_id, reviewed_at DESC);

CREATE TABLE IF NOT EXISTS deferred_signals (
    id UUID PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    institution_id VARCHAR(128) NOT NULL DEFAULT '',
    category VARCHAR(20) NOT NULL,
    severity VARCHAR(10) NOT NULL,
    matched_terms TEXT[] NOT NULL DEFAULT '{}',
    received_at TIMESTAMP WITH TIME ZONE NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_deferred_signals_received ON deferred_signals(received_at);
`

const migration001Down = `
DROP TABLE IF EXISTS deferred_signals;
DROP TABLE IF EXISTS stage_reviews;
DROP TABLE IF EXISTS risk_profiles;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: ASSIGNMENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS assignments (
    id UUID PRIMARY KEY,
    student_user_id VARCHAR(128) NOT NULL,
    institution_id VARCHAR(128) NOT NULL DEFAULT '',
    assignee_user_id VARCHAR(128) NOT NULL DEFAULT '',
    priority VARCHAR(10) NOT NULL,
    status VARCHAR(10) NOT NULL DEFAULT 'pending',
    reason TEXT NOT NULL,
    risk_level_at_creation VARCHAR(10) NOT NULL,
    source VARCHAR(10) NOT NULL DEFAULT 'staff',
    created_by VARCHAR(128) NOT NULL DEFAULT '',
    assigned_at TIMESTAMP WITH TIME ZONE NOT NULL,
    accepted_at TIMESTAMP WITH TIME ZONE,
    completed_at TIMESTAMP WITH TIME ZONE,
    notes TEXT,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_priority CHECK (priority IN ('normal', 'high', 'urgent')),
    CONSTRAINT valid_status CHECK (status IN ('pending', 'active', 'completed')),
    CONSTRAINT valid_source CHECK (source IN ('system', 'staff')),
    CONSTRAINT accepted_has_time CHECK (status = 'pending' OR accepted_at IS NOT NULL),
    CONSTRAINT completed_has_time CHECK (status <> 'completed' OR completed_at IS NOT NULL)
);

-- at most one open assignment per student
CREATE UNIQUE INDEX IF NOT EXISTS uq_assignments_open_student
    ON assignments(student_user_id) WHERE status IN ('pending', 'active');

CREATE INDEX IF NOT EXISTS idx_assignments_institution ON assignments(institution_id, status, assigned_at DESC);
CREATE INDEX IF NOT EXISTS idx_assignments_pending ON assignments(assigned_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS assignment_history (
    id BIGSERIAL PRIMARY KEY,
    assignment_id UUID NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
    from_status VARCHAR(10) NOT NULL DEFAULT '',
    to_status VARCHAR(10) NOT NULL,
    priority VARCHAR(10) NOT NULL,
    actor_id VARCHAR(128) NOT NULL DEFAULT '',
    note TEXT NOT NULL DEFAULT '',
    at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignment_history_assignment ON assignment_history(assignment_id, id);
`

const migration002Down = `
DROP TABLE IF EXISTS assignment_history;
DROP TABLE IF EXISTS assignments;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: RESPONSE LOG
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS response_log (
    id UUID PRIMARY KEY,
    assignment_id UUID REFERENCES assignments(id),
    student_user_id VARCHAR(128) NOT NULL,
    responder_user_id VARCHAR(128) NOT NULL,
    action_type VARCHAR(30) NOT NULL,
    outcome TEXT,
    follow_up_required BOOLEAN NOT NULL DEFAULT FALSE,
    follow_up_at TIMESTAMP WITH TIME ZONE,
    notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
    notification_channel VARCHAR(10),
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_action_type CHECK (action_type IN (
        'contacted-student', 'contacted-guardian', 'assigned-counsellor',
        'emergency-services', 'follow-up', 'resolved', 'escalated'
    )),
    CONSTRAINT follow_up_consistent CHECK (follow_up_at IS NULL OR follow_up_required)
);

CREATE INDEX IF NOT EXISTS idx_response_log_student ON response_log(student_user_id, created_at DESC);

-- the log is append-only
CREATE OR REPLACE FUNCTION response_log_immutable() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'response_log is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_response_log_immutable ON response_log;
CREATE TRIGGER trg_response_log_immutable
    BEFORE UPDATE OR DELETE ON response_log
    FOR EACH ROW EXECUTE FUNCTION response_log_immutable();
`

const migration003Down = `
DROP TRIGGER IF EXISTS trg_response_log_immutable ON response_log;
DROP FUNCTION IF EXISTS response_log_immutable();
DROP TABLE IF EXISTS response_log;
`
