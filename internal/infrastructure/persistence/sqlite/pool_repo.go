package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

// PoolRepository implements credit.Repository on SQLite.
type PoolRepository struct {
	db *DB
}

// NewPoolRepository creates a new PoolRepository.
func NewPoolRepository(db *DB) *PoolRepository {
	return &PoolRepository{db: db}
}

const poolColumns = `id, academy_id, exam_type, plan_name, total_credits, used_credits,
	status, expires_at, created_at, updated_at`

// Create stores a new credit pool.
func (r *PoolRepository) Create(ctx context.Context, p *credit.Pool) error {
	_, err := r.db.q(ctx).ExecContext(ctx, `
		INSERT INTO credit_pools (`+poolColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID.String(), p.AcademyID.String(), p.ExamType, p.PlanName,
		p.Total.Int64(), p.Used.Int64(), string(p.Status),
		timeutil.PtrToMillis(p.ExpiresAt), timeutil.ToMillis(p.CreatedAt), timeutil.ToMillis(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return shared.NewDomainError("credit", "Create", shared.ErrAlreadyExists, "credit pool already exists")
		}
		return fmt.Errorf("sqlite: create credit pool: %w", err)
	}
	return nil
}

// GetByID returns a pool by ID.
func (r *PoolRepository) GetByID(ctx context.Context, id shared.PoolID) (*credit.Pool, error) {
	row := r.db.q(ctx).QueryRowContext(ctx, `SELECT `+poolColumns+` FROM credit_pools WHERE id = $1`, id.String())
	return scanPool(row)
}

// Lock reads the pool. SQLite has no row locks; the single connection
// already gives the caller's transaction exclusive access.
func (r *PoolRepository) Lock(ctx context.Context, id shared.PoolID) (*credit.Pool, error) {
	return r.GetByID(ctx, id)
}

// Debit is one conditional UPDATE; zero affected rows means the pool
// could not cover amount.
func (r *PoolRepository) Debit(ctx context.Context, id shared.PoolID, amount credit.Amount, now time.Time) (bool, error) {
	res, err := r.db.q(ctx).ExecContext(ctx, `
		UPDATE credit_pools SET
			used_credits = used_credits + $2,
			status = CASE WHEN used_credits + $2 >= total_credits THEN 'exhausted' ELSE status END,
			updated_at = $3
		WHERE id = $1
		  AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > $3)
		  AND total_credits - used_credits >= $2`,
		id.String(), amount.Int64(), timeutil.ToMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: debit credit pool: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// Refund gives amount back, flooring used credits at zero.
func (r *PoolRepository) Refund(ctx context.Context, id shared.PoolID, amount credit.Amount, now time.Time) (bool, error) {
	res, err := r.db.q(ctx).ExecContext(ctx, `
		UPDATE credit_pools SET
			used_credits = MAX(used_credits - $2, 0),
			status = CASE
				WHEN status = 'exhausted' AND MAX(used_credits - $2, 0) < total_credits THEN 'active'
				ELSE status
			END,
			updated_at = $3
		WHERE id = $1`,
		id.String(), amount.Int64(), timeutil.ToMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: refund credit pool: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// MarkExpired flips an active pool past its expiry to expired.
func (r *PoolRepository) MarkExpired(ctx context.Context, id shared.PoolID, now time.Time) error {
	_, err := r.db.q(ctx).ExecContext(ctx, `
		UPDATE credit_pools SET status = 'expired', updated_at = $2
		WHERE id = $1 AND status = 'active' AND expires_at IS NOT NULL AND expires_at <= $2`,
		id.String(), timeutil.ToMillis(now),
	)
	if err != nil {
		return fmt.Errorf("sqlite: expire credit pool: %w", err)
	}
	return nil
}

// ListByAcademy returns every pool of an academy, newest first.
func (r *PoolRepository) ListByAcademy(ctx context.Context, academyID shared.AcademyID) ([]*credit.Pool, error) {
	rows, err := r.db.q(ctx).QueryContext(ctx,
		`SELECT `+poolColumns+` FROM credit_pools WHERE academy_id = $1 ORDER BY created_at DESC`,
		academyID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list credit pools: %w", err)
	}
	defer rows.Close()

	var pools []*credit.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*credit.Pool, error) {
	var (
		p                    credit.Pool
		id, academy, status  string
		total, used          int64
		expiresAt            sql.NullInt64
		createdAt, updatedAt int64
	)

	err := row.Scan(&id, &academy, &p.ExamType, &p.PlanName, &total, &used,
		&status, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrPlanNotFound
		}
		return nil, fmt.Errorf("sqlite: scan credit pool: %w", err)
	}

	p.ID = shared.PoolID(id)
	p.AcademyID = shared.AcademyID(academy)
	p.Total = credit.Amount(total)
	p.Used = credit.Amount(used)
	p.Status = credit.Status(status)
	p.ExpiresAt = nullTime(expiresAt)
	p.CreatedAt = timeutil.FromMillis(createdAt)
	p.UpdatedAt = timeutil.FromMillis(updatedAt)
	return &p, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := timeutil.FromMillis(v.Int64)
	return &t
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

var _ credit.Repository = (*PoolRepository)(nil)
