package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

var t0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "credits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedPool(t *testing.T, repo *PoolRepository, total credit.Amount, expiresAt *time.Time) *credit.Pool {
	t.Helper()
	p, err := credit.NewPool(credit.NewPoolParams{
		ID:        shared.PoolID(uuid.NewString()),
		AcademyID: shared.AcademyID(uuid.NewString()),
		ExamType:  "ielts_academic",
		PlanName:  "Autumn intake",
		Total:     total,
		ExpiresAt: expiresAt,
		Now:       t0,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), p))
	return p
}

func newTestInstance(t *testing.T, student shared.StudentID, pool shared.PoolID, mode exam.Mode, number int) *exam.Instance {
	t.Helper()
	inst, err := exam.NewInstance(exam.CreateParams{
		ID:         shared.InstanceID(uuid.NewString()),
		StudentID:  student,
		PoolID:     pool,
		Mode:       mode,
		ExamNumber: number,
		TTL:        3 * time.Hour,
		SectionID:  uuid.NewString,
		Now:        t0,
	})
	require.NoError(t, err)
	return inst
}

// ══════════════════════════════════════════════════════════════════════════════
// CREDIT POOLS
// ══════════════════════════════════════════════════════════════════════════════

func TestPoolRepository_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewPoolRepository(db)
	exp := t0.Add(30 * 24 * time.Hour)
	p := seedPool(t, repo, credit.Credits(5), &exp)

	got, err := repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.AcademyID, got.AcademyID)
	assert.Equal(t, credit.Credits(5), got.Total)
	assert.Equal(t, credit.StatusActive, got.Status)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt))
	assert.True(t, t0.Equal(got.CreatedAt))

	_, err = repo.GetByID(context.Background(), shared.PoolID(uuid.NewString()))
	assert.ErrorIs(t, err, shared.ErrPlanNotFound)

	err = repo.Create(context.Background(), p)
	assert.True(t, shared.IsAlreadyExists(err))

	pools, err := repo.ListByAcademy(context.Background(), p.AcademyID)
	require.NoError(t, err)
	assert.Len(t, pools, 1)
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	db := openTestDB(t)
	repo := NewPoolRepository(db)
	p := seedPool(t, repo, credit.Credits(3), nil)
	ledger := credit.NewLedger(repo, timeutil.NewManualClock(t0))

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := ledger.TryDebit(context.Background(), p.ID, credit.FullMockCharge)
			assert.NoError(t, err)
			if d.Granted {
				atomic.AddInt32(&granted, 1)
			} else {
				assert.Equal(t, credit.ReasonInsufficient, d.Reason)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), granted)

	got, err := repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.Credits(3), got.Used)
	assert.Equal(t, credit.StatusExhausted, got.Status)
}

func TestLedger_SectionChargesReachExactBoundary(t *testing.T) {
	db := openTestDB(t)
	repo := NewPoolRepository(db)
	p := seedPool(t, repo, credit.Credits(1), nil)
	ledger := credit.NewLedger(repo, timeutil.NewManualClock(t0))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d, err := ledger.TryDebit(ctx, p.ID, credit.SectionCharge)
		require.NoError(t, err)
		require.True(t, d.Granted, "charge %d", i+1)
	}

	d, err := ledger.TryDebit(ctx, p.ID, credit.SectionCharge)
	require.NoError(t, err)
	assert.False(t, d.Granted)
	assert.Equal(t, credit.ReasonInsufficient, d.Reason)
}

func TestLedger_ExpiredPlanIsMarkedLazily(t *testing.T) {
	db := openTestDB(t)
	repo := NewPoolRepository(db)
	exp := t0.Add(time.Hour)
	p := seedPool(t, repo, credit.Credits(2), &exp)
	ledger := credit.NewLedger(repo, timeutil.NewManualClock(t0.Add(2*time.Hour)))

	d, err := ledger.TryDebit(context.Background(), p.ID, credit.FullMockCharge)
	require.NoError(t, err)
	assert.False(t, d.Granted)
	assert.Equal(t, credit.ReasonExpiredOrInactive, d.Reason)

	got, err := repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusExpired, got.Status)
	assert.Equal(t, credit.Amount(0), got.Used)
}

func TestPoolRepository_RefundFloorAndReactivation(t *testing.T) {
	db := openTestDB(t)
	repo := NewPoolRepository(db)
	p := seedPool(t, repo, credit.Credits(1), nil)
	ctx := context.Background()

	ok, err := repo.Debit(ctx, p.ID, credit.FullMockCharge, t0)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, credit.StatusExhausted, got.Status)

	ok, err = repo.Refund(ctx, p.ID, credit.Credits(3), t0)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.Amount(0), got.Used)
	assert.Equal(t, credit.StatusActive, got.Status)
}

func TestDB_WithinTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	repo := NewPoolRepository(db)
	p := seedPool(t, repo, credit.Credits(1), nil)
	boom := errors.New("boom")

	err := db.WithinTx(context.Background(), func(ctx context.Context) error {
		ok, err := repo.Debit(ctx, p.ID, credit.FullMockCharge, t0)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.Amount(0), got.Used)
}

// ══════════════════════════════════════════════════════════════════════════════
// EXAM INSTANCES
// ══════════════════════════════════════════════════════════════════════════════

func TestExamRepository_CreateAndLoad(t *testing.T) {
	db := openTestDB(t)
	pools := NewPoolRepository(db)
	exams := NewExamRepository(db)
	ctx := context.Background()

	p := seedPool(t, pools, credit.Credits(5), nil)
	student := shared.StudentID(uuid.NewString())

	n, err := exams.NextExamNumber(ctx, student, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	inst := newTestInstance(t, student, p.ID, exam.ModeFullMock, n)
	require.NoError(t, exams.Create(ctx, inst))

	got, err := exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusNotStarted, got.Status)
	assert.Equal(t, credit.FullMockCharge, got.CreditsCharged)
	assert.Equal(t, 1, got.Version)
	require.Len(t, got.Sections, 4)
	for i, s := range got.Sections {
		assert.Equal(t, i+1, s.Order)
		assert.Equal(t, inst.Sections[i].TimeLimit, s.TimeLimit)
	}
	assert.Equal(t, exam.SectionAvailable, got.Sections[0].Status)
	assert.Equal(t, exam.SectionLocked, got.Sections[3].Status)

	n, err = exams.NextExamNumber(ctx, student, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dup := newTestInstance(t, student, p.ID, exam.ModeFullMock, 1)
	assert.ErrorIs(t, exams.Create(ctx, dup), shared.ErrConcurrentProgress)

	_, err = exams.GetByID(ctx, shared.InstanceID(uuid.NewString()))
	assert.ErrorIs(t, err, shared.ErrInstanceNotFound)
}

func TestExamRepository_ConcurrentCompletionHasOneWinner(t *testing.T) {
	db := openTestDB(t)
	pools := NewPoolRepository(db)
	exams := NewExamRepository(db)
	ctx := context.Background()

	p := seedPool(t, pools, credit.Credits(5), nil)
	inst := newTestInstance(t, shared.StudentID(uuid.NewString()), p.ID, exam.ModeSection, 1)
	require.NoError(t, exams.Create(ctx, inst))

	copies := make([]*exam.Instance, 2)
	for i := range copies {
		c, err := exams.GetByID(ctx, inst.ID)
		require.NoError(t, err)
		_, err = c.CompleteSection(exam.SectionReading, float64(20+i), 40, t0.Add(time.Hour))
		require.NoError(t, err)
		copies[i] = c
	}

	var wins, conflicts int32
	var wg sync.WaitGroup
	for _, c := range copies {
		wg.Add(1)
		go func(c *exam.Instance) {
			defer wg.Done()
			err := exams.Save(ctx, c)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, shared.ErrConcurrentProgress):
				atomic.AddInt32(&conflicts, 1)
			default:
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(1), conflicts)

	got, err := exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 1, got.CompletedCount())
}

func TestExamRepository_RecordChargeAndProgress(t *testing.T) {
	db := openTestDB(t)
	pools := NewPoolRepository(db)
	exams := NewExamRepository(db)
	ctx := context.Background()

	p := seedPool(t, pools, credit.Credits(5), nil)
	inst := newTestInstance(t, shared.StudentID(uuid.NewString()), p.ID, exam.ModeSection, 1)
	require.NoError(t, exams.Create(ctx, inst))

	_, err := inst.CompleteSection(exam.SectionWriting, 28, 40, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, exams.Save(ctx, inst))

	require.NoError(t, exams.RecordCharge(ctx, inst.ID, exam.SectionWriting, credit.SectionCharge, exam.ChargeCharged))
	require.NoError(t, exams.RecordCharge(ctx, inst.ID, exam.SectionReading, 0, exam.ChargeFailed))

	got, err := exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SectionCharge, got.CreditsCharged)
	assert.Equal(t, 2, got.Version, "charges must not bump the version")

	writing, err := got.Section(exam.SectionWriting)
	require.NoError(t, err)
	assert.Equal(t, exam.ChargeCharged, writing.Charge)
	require.NotNil(t, writing.Band)
	assert.Equal(t, 6.5, *writing.Band)

	reading, err := got.Section(exam.SectionReading)
	require.NoError(t, err)
	assert.Equal(t, exam.ChargeFailed, reading.Charge)

	err = exams.RecordCharge(ctx, shared.InstanceID(uuid.NewString()), exam.SectionWriting, credit.SectionCharge, exam.ChargeCharged)
	assert.ErrorIs(t, err, shared.ErrInstanceNotFound)
}

func TestExamRepository_SaveKeepsRecordedCharge(t *testing.T) {
	db := openTestDB(t)
	pools := NewPoolRepository(db)
	exams := NewExamRepository(db)
	ctx := context.Background()

	p := seedPool(t, pools, credit.Credits(5), nil)
	inst := newTestInstance(t, shared.StudentID(uuid.NewString()), p.ID, exam.ModeSection, 1)
	require.NoError(t, exams.Create(ctx, inst))

	_, err := inst.CompleteSection(exam.SectionReading, 30, 40, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, exams.Save(ctx, inst))

	// A second request loaded the attempt before the charge landed.
	stale, err := exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)

	require.NoError(t, exams.RecordCharge(ctx, inst.ID, exam.SectionReading, credit.SectionCharge, exam.ChargeCharged))

	_, err = stale.StartSection(exam.SectionWriting, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, exams.Save(ctx, stale))

	got, err := exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SectionCharge, got.CreditsCharged)
	reading, err := got.Section(exam.SectionReading)
	require.NoError(t, err)
	assert.Equal(t, exam.ChargeCharged, reading.Charge)
	writing, err := got.Section(exam.SectionWriting)
	require.NoError(t, err)
	assert.Equal(t, exam.SectionInProgress, writing.Status)
}

func TestExamRepository_ReleaseCharge(t *testing.T) {
	db := openTestDB(t)
	pools := NewPoolRepository(db)
	exams := NewExamRepository(db)
	ctx := context.Background()

	p := seedPool(t, pools, credit.Credits(5), nil)
	inst := newTestInstance(t, shared.StudentID(uuid.NewString()), p.ID, exam.ModeFullMock, 1)
	require.NoError(t, exams.Create(ctx, inst))

	held, err := exams.ReleaseCharge(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.FullMockCharge, held)

	held, err = exams.ReleaseCharge(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.Amount(0), held)

	_, err = exams.ReleaseCharge(ctx, shared.InstanceID(uuid.NewString()))
	assert.ErrorIs(t, err, shared.ErrInstanceNotFound)
}

func TestExamRepository_ListPastDeadline(t *testing.T) {
	db := openTestDB(t)
	pools := NewPoolRepository(db)
	exams := NewExamRepository(db)
	ctx := context.Background()

	p := seedPool(t, pools, credit.Credits(5), nil)
	student := shared.StudentID(uuid.NewString())

	open := newTestInstance(t, student, p.ID, exam.ModeFullMock, 1)
	require.NoError(t, exams.Create(ctx, open))

	closed := newTestInstance(t, student, p.ID, exam.ModeFullMock, 2)
	require.NoError(t, closed.Expire(t0.Add(time.Minute)))
	require.NoError(t, exams.Create(ctx, closed))

	due, err := exams.ListPastDeadline(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = exams.ListPastDeadline(ctx, t0.Add(4*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, open.ID, due[0].ID)
	assert.Len(t, due[0].Sections, 4)

	all, err := exams.ListByStudentPool(ctx, student, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].ExamNumber)
	assert.Equal(t, 2, all[1].ExamNumber)
}
