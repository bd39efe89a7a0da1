package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

// ExamRepository implements exam.Repository on SQLite.
type ExamRepository struct {
	db *DB
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(db *DB) *ExamRepository {
	return &ExamRepository{db: db}
}

const instanceColumns = `id, student_id, pool_id, exam_type, mode, status, exam_number, topic,
	credits_charged, elapsed_ms, running_since, overall_band, overall_percentage,
	version, created_at, updated_at, started_at, completed_at, expires_at`

const sectionColumns = `id, instance_id, section_type, section_order, status, time_limit_ms,
	elapsed_ms, running_since, started_at, completed_at,
	raw_score, max_score, percentage, band, charge_state`

// Create inserts the instance and its sections in one transaction.
func (r *ExamRepository) Create(ctx context.Context, inst *exam.Instance) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		_, err := r.db.q(ctx).ExecContext(ctx, `
			INSERT INTO exam_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			inst.ID.String(), inst.StudentID.String(), inst.PoolID.String(),
			inst.ExamType, string(inst.Mode), string(inst.Status), inst.ExamNumber, inst.Topic,
			inst.CreditsCharged.Int64(), inst.Elapsed.Milliseconds(), timeutil.PtrToMillis(inst.RunningSince),
			inst.OverallBand, inst.OverallPercentage, inst.Version,
			timeutil.ToMillis(inst.CreatedAt), timeutil.ToMillis(inst.UpdatedAt),
			timeutil.PtrToMillis(inst.StartedAt), timeutil.PtrToMillis(inst.CompletedAt), timeutil.PtrToMillis(inst.ExpiresAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return shared.ErrConcurrentProgress
			}
			return fmt.Errorf("sqlite: create exam instance: %w", err)
		}

		for _, s := range inst.Sections {
			_, err := r.db.q(ctx).ExecContext(ctx, `
				INSERT INTO exam_sections (`+sectionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
				s.ID, inst.ID.String(), string(s.Type), s.Order, string(s.Status),
				s.TimeLimit.Milliseconds(), s.Elapsed.Milliseconds(), timeutil.PtrToMillis(s.RunningSince),
				timeutil.PtrToMillis(s.StartedAt), timeutil.PtrToMillis(s.CompletedAt),
				s.RawScore, s.MaxScore, s.Percentage, s.Band, string(s.Charge),
			)
			if err != nil {
				return fmt.Errorf("sqlite: create exam section %s: %w", s.Type, err)
			}
		}
		return nil
	})
}

// Save writes the instance if its stored version matches, then bumps it.
// credits_charged and charge_state are owned by Create, RecordCharge and
// ReleaseCharge; Save never writes them back.
func (r *ExamRepository) Save(ctx context.Context, inst *exam.Instance) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		res, err := r.db.q(ctx).ExecContext(ctx, `
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
			WHERE id = $1 AND version = $2`,
			inst.ID.String(), inst.Version, string(inst.Status),
			inst.Elapsed.Milliseconds(), timeutil.PtrToMillis(inst.RunningSince),
			inst.OverallBand, inst.OverallPercentage, timeutil.ToMillis(inst.UpdatedAt),
			timeutil.PtrToMillis(inst.StartedAt), timeutil.PtrToMillis(inst.CompletedAt), timeutil.PtrToMillis(inst.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: save exam instance: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var v int
			err := r.db.q(ctx).QueryRowContext(ctx, `SELECT version FROM exam_instances WHERE id = $1`, inst.ID.String()).Scan(&v)
			if errors.Is(err, sql.ErrNoRows) {
				return shared.ErrInstanceNotFound
			}
			if err != nil {
				return fmt.Errorf("sqlite: read exam version: %w", err)
			}
			return shared.ErrConcurrentProgress
		}

		for _, s := range inst.Sections {
			_, err := r.db.q(ctx).ExecContext(ctx, `
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
				WHERE id = $1`,
				s.ID, string(s.Status), s.Elapsed.Milliseconds(), timeutil.PtrToMillis(s.RunningSince),
				timeutil.PtrToMillis(s.StartedAt), timeutil.PtrToMillis(s.CompletedAt),
				s.RawScore, s.MaxScore, s.Percentage, s.Band,
			)
			if err != nil {
				return fmt.Errorf("sqlite: save exam section %s: %w", s.Type, err)
			}
		}

		inst.Version++
		return nil
	})
}

// RecordCharge adds amount to credits_charged and sets the section charge state.
func (r *ExamRepository) RecordCharge(ctx context.Context, id shared.InstanceID, section exam.SectionType, amount credit.Amount, state exam.ChargeState) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		res, err := r.db.q(ctx).ExecContext(ctx,
			`UPDATE exam_instances SET credits_charged = credits_charged + $2 WHERE id = $1`,
			id.String(), amount.Int64())
		if err != nil {
			return fmt.Errorf("sqlite: record charge: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return shared.ErrInstanceNotFound
		}

		res, err = r.db.q(ctx).ExecContext(ctx,
			`UPDATE exam_sections SET charge_state = $3 WHERE instance_id = $1 AND section_type = $2`,
			id.String(), string(section), string(state))
		if err != nil {
			return fmt.Errorf("sqlite: record section charge: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return shared.ErrSectionNotFound
		}
		return nil
	})
}

// ReleaseCharge zeroes credits_charged and returns what it held.
func (r *ExamRepository) ReleaseCharge(ctx context.Context, id shared.InstanceID) (credit.Amount, error) {
	var held int64
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		err := r.db.q(ctx).QueryRowContext(ctx,
			`SELECT credits_charged FROM exam_instances WHERE id = $1`, id.String()).Scan(&held)
		if errors.Is(err, sql.ErrNoRows) {
			return shared.ErrInstanceNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlite: read charge: %w", err)
		}
		if _, err := r.db.q(ctx).ExecContext(ctx,
			`UPDATE exam_instances SET credits_charged = 0 WHERE id = $1`, id.String()); err != nil {
			return fmt.Errorf("sqlite: release charge: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return credit.Amount(held), nil
}

// NextExamNumber returns max(exam_number)+1 for the pair.
func (r *ExamRepository) NextExamNumber(ctx context.Context, student shared.StudentID, pool shared.PoolID) (int, error) {
	var next int
	err := r.db.q(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(exam_number), 0) + 1 FROM exam_instances WHERE student_id = $1 AND pool_id = $2`,
		student.String(), pool.String(),
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("sqlite: compute exam number: %w", err)
	}
	return next, nil
}

// GetByID returns an instance with its sections.
func (r *ExamRepository) GetByID(ctx context.Context, id shared.InstanceID) (*exam.Instance, error) {
	row := r.db.q(ctx).QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM exam_instances WHERE id = $1`, id.String())
	inst, err := scanInstance(row)
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
	return r.list(ctx, `
		SELECT `+instanceColumns+` FROM exam_instances
		WHERE student_id = $1 AND pool_id = $2
		ORDER BY exam_number`,
		student.String(), pool.String())
}

// ListPastDeadline returns open instances whose deadline has passed.
func (r *ExamRepository) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*exam.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+instanceColumns+` FROM exam_instances
		WHERE status IN ('not_started', 'in_progress', 'paused')
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`,
		timeutil.ToMillis(now), limit)
}

func (r *ExamRepository) list(ctx context.Context, query string, args ...any) ([]*exam.Instance, error) {
	rows, err := r.db.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list exam instances: %w", err)
	}

	var out []*exam.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate exam instances: %w", err)
	}

	// The single connection is busy until rows are closed.
	for _, inst := range out {
		if err := r.loadSections(ctx, inst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *ExamRepository) loadSections(ctx context.Context, inst *exam.Instance) error {
	rows, err := r.db.q(ctx).QueryContext(ctx,
		`SELECT `+sectionColumns+` FROM exam_sections WHERE instance_id = $1 ORDER BY section_order`,
		inst.ID.String())
	if err != nil {
		return fmt.Errorf("sqlite: query exam sections: %w", err)
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
		return fmt.Errorf("sqlite: iterate exam sections: %w", err)
	}
	inst.SortSections()
	return nil
}

func scanInstance(row rowScanner) (*exam.Instance, error) {
	var (
		inst                 exam.Instance
		id, student, pool    string
		mode, status         string
		charged, elapsedMs   int64
		runningSince         sql.NullInt64
		band, pct            sql.NullFloat64
		createdAt, updatedAt int64
		startedAt, completed sql.NullInt64
		expiresAt            sql.NullInt64
	)

	err := row.Scan(
		&id, &student, &pool, &inst.ExamType, &mode, &status, &inst.ExamNumber, &inst.Topic,
		&charged, &elapsedMs, &runningSince, &band, &pct,
		&inst.Version, &createdAt, &updatedAt, &startedAt, &completed, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("sqlite: scan exam instance: %w", err)
	}

	inst.ID = shared.InstanceID(id)
	inst.StudentID = shared.StudentID(student)
	inst.PoolID = shared.PoolID(pool)
	inst.Mode = exam.Mode(mode)
	inst.Status = exam.Status(status)
	inst.CreditsCharged = credit.Amount(charged)
	inst.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	inst.RunningSince = nullTime(runningSince)
	inst.OverallBand = nullFloat(band)
	inst.OverallPercentage = nullFloat(pct)
	inst.CreatedAt = timeutil.FromMillis(createdAt)
	inst.UpdatedAt = timeutil.FromMillis(updatedAt)
	inst.StartedAt = nullTime(startedAt)
	inst.CompletedAt = nullTime(completed)
	inst.ExpiresAt = nullTime(expiresAt)
	return &inst, nil
}

func scanSection(row rowScanner) (*exam.Section, error) {
	var (
		s                        exam.Section
		sectionType, status      string
		charge                   string
		limitMs, elapsedMs       int64
		runningSince             sql.NullInt64
		startedAt, completed     sql.NullInt64
		raw, maxScore, pct, band sql.NullFloat64
	)

	err := row.Scan(
		&s.ID, &s.InstanceID, &sectionType, &s.Order, &status, &limitMs,
		&elapsedMs, &runningSince, &startedAt, &completed,
		&raw, &maxScore, &pct, &band, &charge,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan exam section: %w", err)
	}

	s.Type = exam.SectionType(sectionType)
	s.Status = exam.SectionStatus(status)
	s.Charge = exam.ChargeState(charge)
	s.TimeLimit = time.Duration(limitMs) * time.Millisecond
	s.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	s.RunningSince = nullTime(runningSince)
	s.StartedAt = nullTime(startedAt)
	s.CompletedAt = nullTime(completed)
	s.RawScore = nullFloat(raw)
	s.MaxScore = nullFloat(maxScore)
	s.Percentage = nullFloat(pct)
	s.Band = nullFloat(band)
	return &s, nil
}

var _ exam.Repository = (*ExamRepository)(nil)
