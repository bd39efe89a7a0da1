package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREDIT POOLS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Credit pools: one purchased plan of an academy.
-- Amounts are stored in hundredths of a credit.
CREATE TABLE IF NOT EXISTS credit_pools (
    id UUID PRIMARY KEY,
    academy_id UUID NOT NULL,
    exam_type VARCHAR(50) NOT NULL,
    plan_name VARCHAR(200) NOT NULL,
    total_credits BIGINT NOT NULL,
    used_credits BIGINT NOT NULL DEFAULT 0,
    status VARCHAR(20) NOT NULL DEFAULT 'active',
    expires_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_pool_status CHECK (status IN ('active', 'expired', 'exhausted', 'cancelled')),
    CONSTRAINT valid_total_credits CHECK (total_credits > 0),
    CONSTRAINT valid_used_credits CHECK (used_credits >= 0 AND used_credits <= total_credits)
);

CREATE INDEX IF NOT EXISTS idx_credit_pools_academy ON credit_pools(academy_id);
CREATE INDEX IF NOT EXISTS idx_credit_pools_active ON credit_pools(academy_id) WHERE status = 'active';
`

const migration001Down = `
DROP TABLE IF EXISTS credit_pools;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: EXAM INSTANCES AND SECTIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS exam_instances (
    id UUID PRIMARY KEY,
    student_id UUID NOT NULL,
    pool_id UUID NOT NULL REFERENCES credit_pools(id),
    exam_type VARCHAR(50) NOT NULL,
    mode VARCHAR(20) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'not_started',
    exam_number INTEGER NOT NULL,
    topic VARCHAR(200) NOT NULL DEFAULT '',
    credits_charged BIGINT NOT NULL DEFAULT 0,
    elapsed_ms BIGINT NOT NULL DEFAULT 0,
    running_since TIMESTAMP WITH TIME ZONE,
    overall_band DOUBLE PRECISION,
    overall_percentage DOUBLE PRECISION,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    started_at TIMESTAMP WITH TIME ZONE,
    completed_at TIMESTAMP WITH TIME ZONE,
    expires_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT valid_exam_mode CHECK (mode IN ('full_mock', 'section')),
    CONSTRAINT valid_exam_status CHECK (status IN ('not_started', 'in_progress', 'paused', 'completed', 'expired')),
    CONSTRAINT valid_exam_number CHECK (exam_number >= 1),
    CONSTRAINT valid_credits_charged CHECK (credits_charged >= 0),
    CONSTRAINT unique_exam_number UNIQUE (student_id, pool_id, exam_number)
);

CREATE INDEX IF NOT EXISTS idx_exam_instances_student_pool ON exam_instances(student_id, pool_id, exam_number);
CREATE INDEX IF NOT EXISTS idx_exam_instances_deadline ON exam_instances(expires_at)
    WHERE status IN ('not_started', 'in_progress', 'paused');

CREATE TABLE IF NOT EXISTS exam_sections (
    id UUID PRIMARY KEY,
    instance_id UUID NOT NULL REFERENCES exam_instances(id) ON DELETE CASCADE,
    section_type VARCHAR(20) NOT NULL,
    section_order SMALLINT NOT NULL,
    status VARCHAR(20) NOT NULL,
    time_limit_ms BIGINT NOT NULL DEFAULT 0,
    elapsed_ms BIGINT NOT NULL DEFAULT 0,
    running_since TIMESTAMP WITH TIME ZONE,
    started_at TIMESTAMP WITH TIME ZONE,
    completed_at TIMESTAMP WITH TIME ZONE,
    raw_score DOUBLE PRECISION,
    max_score DOUBLE PRECISION,
    percentage DOUBLE PRECISION,
    band DOUBLE PRECISION,
    charge_state VARCHAR(20) NOT NULL DEFAULT 'none',

    CONSTRAINT valid_section_type CHECK (section_type IN ('listening', 'reading', 'writing', 'speaking')),
    CONSTRAINT valid_section_status CHECK (status IN ('locked', 'available', 'in_progress', 'completed', 'skipped')),
    CONSTRAINT valid_charge_state CHECK (charge_state IN ('none', 'charged', 'failed')),
    CONSTRAINT valid_band CHECK (band IS NULL OR (band >= 0 AND band <= 9)),
    CONSTRAINT unique_instance_section UNIQUE (instance_id, section_type),
    CONSTRAINT unique_instance_order UNIQUE (instance_id, section_order)
);
`

const migration002Down = `
DROP TABLE IF EXISTS exam_sections;
DROP TABLE IF EXISTS exam_instances;
`

// GetMigrations returns all migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_credit_pools", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_exam_instances", UpSQL: migration002Up, DownSQL: migration002Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a new migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		out[version] = appliedAt
	}
	return out, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}

		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			insert := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName)
			_, err := tx.Exec(ctx, insert, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}
	return nil
}

// Rollback rolls back the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	var last int
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			migration = &m.migrations[i]
			break
		}
	}
	if migration == nil || migration.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// Status returns every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		if at, ok := applied[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	return out, nil
}
