package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/shared"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// EXAM INSTANCE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ExamRepository implements exam.Repository for PostgreSQL.
type ExamRepository struct {
	conn *Connection
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(conn *Connection) *ExamRepository {
	return &ExamRepository{conn: conn}
}

const instanceColumns = `
	id, student_id, pool_id, exam_type, mode, status, exam_number, topic,
	credits_charged, elapsed_ms, running_since, overall_band, overall_percentage,
	version, created_at, updated_at, started_at, completed_at, expires_at
`

const sectionColumns = `
	id, instance_id, section_type, section_order, status, time_limit_ms,
	elapsed_ms, running_since, started_at, completed_at,
	raw_score, max_score, percentage, band, charge_state
`

// ─────────────────────────────────────────────────────────────────────────────
// Writes
// ─────────────────────────────────────────────────────────────────────────────

// Create inserts the instance and its sections. Call inside WithinTx so both
// land together.
func (r *ExamRepository) Create(ctx context.Context, inst *exam.Instance) error {
	query := `
		INSERT INTO exam_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err := r.conn.Exec(ctx, query,
		inst.ID.String(),
		inst.StudentID.String(),
		inst.PoolID.String(),
		inst.ExamType,
		string(inst.Mode),
		string(inst.Status),
		inst.ExamNumber,
		inst.Topic,
		inst.CreditsCharged.Int64(),
		inst.Elapsed.Milliseconds(),
		inst.RunningSince,
		inst.OverallBand,
		inst.OverallPercentage,
		inst.Version,
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.StartedAt,
		inst.CompletedAt,
		inst.ExpiresAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrConcurrentProgress
		}
		return fmt.Errorf("failed to create exam instance: %w", err)
	}

	sectionQuery := `
		INSERT INTO exam_sections (` + sectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	for _, s := range inst.Sections {
		_, err := r.conn.Exec(ctx, sectionQuery,
			s.ID,
			inst.ID.String(),
			string(s.Type),
			s.Order,
			string(s.Status),
			s.TimeLimit.Milliseconds(),
			s.Elapsed.Milliseconds(),
			s.RunningSince,
			s.StartedAt,
			s.CompletedAt,
			s.RawScore,
			s.MaxScore,
			s.Percentage,
			s.Band,
			string(s.Charge),
		)
		if err != nil {
			return fmt.Errorf("failed to create exam section %s: %w", s.Type, err)
		}
	}
	return nil
}

// Save writes the instance only if its stored version still matches, then
// bumps the version. Sections are rewritten in the same transaction.
// credits_charged and charge_state belong to Create, RecordCharge and
// ReleaseCharge and are not written here.
func (r *ExamRepository) Save(ctx context.Context, inst *exam.Instance) error {
	return r.conn.WithinTx(ctx, func(ctx context.Context) error {
		query := `
			UPDATE exam_instances SET
				status = $3,
				elapsed_ms = $4,
				running_since = $5,
				overall_band = $6,
				overall_percentage = $7,
				updated_at = $8,
				started_at = $9,
				completed_at = $10,
				expires_at = $11,
				version = version + 1
			WHERE id = $1 AND version = $2
		`

		tag, err := r.conn.Exec(ctx, query,
			inst.ID.String(),
			inst.Version,
			string(inst.Status),
			inst.Elapsed.Milliseconds(),
			inst.RunningSince,
			inst.OverallBand,
			inst.OverallPercentage,
			inst.UpdatedAt,
			inst.StartedAt,
			inst.CompletedAt,
			inst.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save exam instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := r.version(ctx, inst.ID); err != nil {
				return err
			}
			return shared.ErrConcurrentProgress
		}

		sectionQuery := `
			UPDATE exam_sections SET
				status = $2,
				elapsed_ms = $3,
				running_since = $4,
				started_at = $5,
				completed_at = $6,
				raw_score = $7,
				max_score = $8,
				percentage = $9,
				band = $10
			WHERE id = $1
		`
		for _, s := range inst.Sections {
			_, err := r.conn.Exec(ctx, sectionQuery,
				s.ID,
				string(s.Status),
				s.Elapsed.Milliseconds(),
				s.RunningSince,
				s.StartedAt,
				s.CompletedAt,
				s.RawScore,
				s.MaxScore,
				s.Percentage,
				s.Band,
			)
			if err != nil {
				return fmt.Errorf("failed to save exam section %s: %w", s.Type, err)
			}
		}

		inst.Version++
		return nil
	})
}

// RecordCharge adds amount to credits_charged and sets the section charge
// state. The version is left alone: charges are audit, not progress.
func (r *ExamRepository) RecordCharge(ctx context.Context, id shared.InstanceID, section exam.SectionType, amount credit.Amount, state exam.ChargeState) error {
	return r.conn.WithinTx(ctx, func(ctx context.Context) error {
		tag, err := r.conn.Exec(ctx,
			`UPDATE exam_instances SET credits_charged = credits_charged + $2 WHERE id = $1`,
			id.String(), amount.Int64())
		if err != nil {
			return fmt.Errorf("failed to record charge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrInstanceNotFound
		}

		tag, err = r.conn.Exec(ctx,
			`UPDATE exam_sections SET charge_state = $3 WHERE instance_id = $1 AND section_type = $2`,
			id.String(), string(section), string(state))
		if err != nil {
			return fmt.Errorf("failed to record section charge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrSectionNotFound
		}
		return nil
	})
}

// ReleaseCharge zeroes credits_charged under a row lock and returns what it
// held, so a refund never exceeds what was actually charged.
func (r *ExamRepository) ReleaseCharge(ctx context.Context, id shared.InstanceID) (credit.Amount, error) {
	var held int64
	err := r.conn.WithinTx(ctx, func(ctx context.Context) error {
		err := r.conn.QueryRow(ctx,
			`SELECT credits_charged FROM exam_instances WHERE id = $1 FOR UPDATE`, id.String()).Scan(&held)
		if IsNoRows(err) {
			return shared.ErrInstanceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read charge: %w", err)
		}
		if _, err := r.conn.Exec(ctx,
			`UPDATE exam_instances SET credits_charged = 0 WHERE id = $1`, id.String()); err != nil {
			return fmt.Errorf("failed to release charge: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return credit.Amount(held), nil
}

// NextExamNumber returns max(exam_number)+1 for the pair. Callers hold the
// pool row lock so two creations cannot read the same maximum.
func (r *ExamRepository) NextExamNumber(ctx context.Context, student shared.StudentID, pool shared.PoolID) (int, error) {
	var next int
	err := r.conn.QueryRow(ctx,
		`SELECT COALESCE(MAX(exam_number), 0) + 1 FROM exam_instances WHERE student_id = $1 AND pool_id = $2`,
		student.String(), pool.String(),
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute exam number: %w", err)
	}
	return next, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// GetByID returns an instance with its sections.
func (r *ExamRepository) GetByID(ctx context.Context, id shared.InstanceID) (*exam.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM exam_instances WHERE id = $1`

	inst, err := r.scanInstance(r.conn.QueryRow(ctx, query, id.String()))
	if err != nil {
		return nil, err
	}
	if err := r.loadSections(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// ListByStudentPool returns a student's instances for a plan ordered by number.
func (r *ExamRepository) ListByStudentPool(ctx context.Context, student shared.StudentID, pool shared.PoolID) ([]*exam.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM exam_instances
		WHERE student_id = $1 AND pool_id = $2
		ORDER BY exam_number
	`
	return r.list(ctx, query, student.String(), pool.String())
}

// ListPastDeadline returns open instances whose deadline has passed.
func (r *ExamRepository) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*exam.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + instanceColumns + `
		FROM exam_instances
		WHERE status IN ('not_started', 'in_progress', 'paused')
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	return r.list(ctx, query, now, limit)
}

func (r *ExamRepository) list(ctx context.Context, query string, args ...interface{}) ([]*exam.Instance, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exam instances: %w", err)
	}

	var out []*exam.Instance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate exam instances: %w", err)
	}

	// Rows must be closed before the next query on a transaction connection.
	for _, inst := range out {
		if err := r.loadSections(ctx, inst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *ExamRepository) version(ctx context.Context, id shared.InstanceID) (int, error) {
	var v int
	err := r.conn.QueryRow(ctx, `SELECT version FROM exam_instances WHERE id = $1`, id.String()).Scan(&v)
	if err != nil {
		if IsNoRows(err) {
			return 0, shared.ErrInstanceNotFound
		}
		return 0, fmt.Errorf("failed to read exam version: %w", err)
	}
	return v, nil
}

func (r *ExamRepository) loadSections(ctx context.Context, inst *exam.Instance) error {
	query := `SELECT ` + sectionColumns + ` FROM exam_sections WHERE instance_id = $1 ORDER BY section_order`

	rows, err := r.conn.Query(ctx, query, inst.ID.String())
	if err != nil {
		return fmt.Errorf("failed to query exam sections: %w", err)
	}
	defer rows.Close()

	inst.Sections = inst.Sections[:0]
	for rows.Next() {
		s, err := scanSection(rows)
		if err != nil {
			return err
		}
		inst.Sections = append(inst.Sections, s)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate exam sections: %w", err)
	}
	inst.SortSections()
	return nil
}

func (r *ExamRepository) scanInstance(row pgx.Row) (*exam.Instance, error) {
	var (
		inst                 exam.Instance
		id, student, pool    string
		mode, status         string
		charged, elapsedMs   int64
		runningSince         *time.Time
		createdAt, updatedAt time.Time
		startedAt, completed *time.Time
		expiresAt            *time.Time
	)

	err := row.Scan(
		&id, &student, &pool, &inst.ExamType, &mode, &status, &inst.ExamNumber, &inst.Topic,
		&charged, &elapsedMs, &runningSince, &inst.OverallBand, &inst.OverallPercentage,
		&inst.Version, &createdAt, &updatedAt, &startedAt, &completed, &expiresAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to scan exam instance: %w", err)
	}

	inst.ID = shared.InstanceID(id)
	inst.StudentID = shared.StudentID(student)
	inst.PoolID = shared.PoolID(pool)
	inst.Mode = exam.Mode(mode)
	inst.Status = exam.Status(status)
	inst.CreditsCharged = credit.Amount(charged)
	inst.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	inst.RunningSince = utc(runningSince)
	inst.CreatedAt = createdAt.UTC()
	inst.UpdatedAt = updatedAt.UTC()
	inst.StartedAt = utc(startedAt)
	inst.CompletedAt = utc(completed)
	inst.ExpiresAt = utc(expiresAt)
	return &inst, nil
}

func scanSection(row pgx.Row) (*exam.Section, error) {
	var (
		s                    exam.Section
		sectionType, status  string
		charge               string
		limitMs, elapsedMs   int64
		runningSince         *time.Time
		startedAt, completed *time.Time
	)

	err := row.Scan(
		&s.ID, &s.InstanceID, &sectionType, &s.Order, &status, &limitMs,
		&elapsedMs, &runningSince, &startedAt, &completed,
		&s.RawScore, &s.MaxScore, &s.Percentage, &s.Band, &charge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan exam section: %w", err)
	}

	s.Type = exam.SectionType(sectionType)
	s.Status = exam.SectionStatus(status)
	s.Charge = exam.ChargeState(charge)
	s.TimeLimit = time.Duration(limitMs) * time.Millisecond
	s.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	s.RunningSince = utc(runningSince)
	s.StartedAt = utc(startedAt)
	s.CompletedAt = utc(completed)
	return &s, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

var _ exam.Repository = (*ExamRepository)(nil)
