package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/shared"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// CREDIT POOL REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// PoolRepository implements credit.Repository for PostgreSQL.
type PoolRepository struct {
	conn *Connection
}

// NewPoolRepository creates a new PoolRepository.
func NewPoolRepository(conn *Connection) *PoolRepository {
	return &PoolRepository{conn: conn}
}

const poolColumns = `
	id, academy_id, exam_type, plan_name, total_credits, used_credits,
	status, expires_at, created_at, updated_at
`

// Create stores a new credit pool.
func (r *PoolRepository) Create(ctx context.Context, p *credit.Pool) error {
	query := `
		INSERT INTO credit_pools (` + poolColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.conn.Exec(ctx, query,
		p.ID.String(),
		p.AcademyID.String(),
		p.ExamType,
		p.PlanName,
		p.Total.Int64(),
		p.Used.Int64(),
		string(p.Status),
		p.ExpiresAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.NewDomainError("credit", "Create", shared.ErrAlreadyExists, "credit pool already exists")
		}
		return fmt.Errorf("failed to create credit pool: %w", err)
	}
	return nil
}

// GetByID returns a pool by ID.
func (r *PoolRepository) GetByID(ctx context.Context, id shared.PoolID) (*credit.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM credit_pools WHERE id = $1`
	return r.scanPool(r.conn.QueryRow(ctx, query, id.String()))
}

// Lock reads the pool with FOR UPDATE. Must be called within a transaction.
func (r *PoolRepository) Lock(ctx context.Context, id shared.PoolID) (*credit.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM credit_pools WHERE id = $1 FOR UPDATE`
	return r.scanPool(r.conn.QueryRow(ctx, query, id.String()))
}

// Debit is a single conditional UPDATE. The row lock taken by it serialises
// concurrent debits, and the WHERE clause is re-evaluated against the
// committed row, so the balance can never go negative.
func (r *PoolRepository) Debit(ctx context.Context, id shared.PoolID, amount credit.Amount, now time.Time) (bool, error) {
	query := `
		UPDATE credit_pools SET
			used_credits = used_credits + $2,
			status = CASE WHEN used_credits + $2 >= total_credits THEN 'exhausted' ELSE status END,
			updated_at = $3
		WHERE id = $1
		  AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > $3)
		  AND total_credits - used_credits >= $2
	`

	tag, err := r.conn.Exec(ctx, query, id.String(), amount.Int64(), now)
	if err != nil {
		return false, fmt.Errorf("failed to debit credit pool: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Refund gives amount back, flooring used credits at zero.
func (r *PoolRepository) Refund(ctx context.Context, id shared.PoolID, amount credit.Amount, now time.Time) (bool, error) {
	query := `
		UPDATE credit_pools SET
			used_credits = GREATEST(used_credits - $2, 0),
			status = CASE
				WHEN status = 'exhausted' AND GREATEST(used_credits - $2, 0) < total_credits THEN 'active'
				ELSE status
			END,
			updated_at = $3
		WHERE id = $1
	`

	tag, err := r.conn.Exec(ctx, query, id.String(), amount.Int64(), now)
	if err != nil {
		return false, fmt.Errorf("failed to refund credit pool: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpired flips an active pool past its expiry to expired.
// Inside a caller's transaction it runs under a savepoint, so a failure
// here never aborts the caller's transaction.
func (r *PoolRepository) MarkExpired(ctx context.Context, id shared.PoolID, now time.Time) error {
	query := `
		UPDATE credit_pools SET status = 'expired', updated_at = $2
		WHERE id = $1 AND status = 'active' AND expires_at IS NOT NULL AND expires_at <= $2
	`

	return r.conn.WithinSavepoint(ctx, func(ctx context.Context) error {
		if _, err := r.conn.Exec(ctx, query, id.String(), now); err != nil {
			return fmt.Errorf("failed to expire credit pool: %w", err)
		}
		return nil
	})
}

// ListByAcademy returns every pool of an academy, newest first.
func (r *PoolRepository) ListByAcademy(ctx context.Context, academyID shared.AcademyID) ([]*credit.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM credit_pools WHERE academy_id = $1 ORDER BY created_at DESC`

	rows, err := r.conn.Query(ctx, query, academyID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list credit pools: %w", err)
	}
	defer rows.Close()

	var pools []*credit.Pool
	for rows.Next() {
		p, err := r.scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (r *PoolRepository) scanPool(row pgx.Row) (*credit.Pool, error) {
	var (
		p                    credit.Pool
		id, academy          string
		status               string
		total, used          int64
		expiresAt            *time.Time
		createdAt, updatedAt time.Time
	)

	err := row.Scan(&id, &academy, &p.ExamType, &p.PlanName, &total, &used,
		&status, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to scan credit pool: %w", err)
	}

	p.ID = shared.PoolID(id)
	p.AcademyID = shared.AcademyID(academy)
	p.Total = credit.Amount(total)
	p.Used = credit.Amount(used)
	p.Status = credit.Status(status)
	p.CreatedAt = createdAt.UTC()
	p.UpdatedAt = updatedAt.UTC()
	if expiresAt != nil {
		t := expiresAt.UTC()
		p.ExpiresAt = &t
	}
	return &p, nil
}

var _ credit.Repository = (*PoolRepository)(nil)
