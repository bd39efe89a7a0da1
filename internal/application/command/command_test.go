package command

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/internal/infrastructure/persistence/sqlite"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

var t0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(t shared.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type fixture struct {
	deps   Deps
	pools  *sqlite.PoolRepository
	exams  *sqlite.ExamRepository
	clock  *timeutil.ManualClock
	events *recorder
	pool   *credit.Pool
	actor  shared.Actor

	create   *CreateExamInstanceHandler
	start    *StartSectionHandler
	complete *CompleteSectionHandler
}

func newFixture(t *testing.T, total credit.Amount) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "credits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		pools:  sqlite.NewPoolRepository(db),
		exams:  sqlite.NewExamRepository(db),
		clock:  timeutil.NewManualClock(t0),
		events: &recorder{},
	}
	f.deps = Deps{Exams: f.exams, Pools: f.pools, Tx: db, Publisher: f.events, Clock: f.clock}

	f.pool = f.seedPool(t, total, nil)
	f.actor = shared.Actor{StudentID: shared.StudentID(uuid.NewString()), AcademyID: f.pool.AcademyID}

	f.create = NewCreateExamInstanceHandler(f.deps, CreateExamInstanceConfig{InstanceTTL: time.Hour})
	f.start = NewStartSectionHandler(f.deps)
	f.complete = NewCompleteSectionHandler(f.deps, DefaultCompleteSectionConfig())
	return f
}

func (f *fixture) seedPool(t *testing.T, total credit.Amount, expiresAt *time.Time) *credit.Pool {
	t.Helper()
	p, err := credit.NewPool(credit.NewPoolParams{
		ID:        shared.PoolID(uuid.NewString()),
		AcademyID: shared.AcademyID(uuid.NewString()),
		ExamType:  "ielts_academic",
		PlanName:  "Spring cohort",
		Total:     total,
		ExpiresAt: expiresAt,
		Now:       t0,
	})
	require.NoError(t, err)
	require.NoError(t, f.pools.Create(context.Background(), p))
	return p
}

func (f *fixture) newExam(t *testing.T, mode exam.Mode) *exam.Instance {
	t.Helper()
	res, err := f.create.Handle(context.Background(), CreateExamInstanceCommand{Actor: f.actor, PoolID: f.pool.ID, Mode: mode})
	require.NoError(t, err)
	return res.Instance
}

func (f *fixture) completeSection(ctx context.Context, id shared.InstanceID, s exam.SectionType, raw float64) (*CompleteSectionResult, error) {
	return f.complete.Handle(ctx, CompleteSectionCommand{Actor: f.actor, InstanceID: id, Section: s, RawScore: raw, MaxScore: 40})
}

func (f *fixture) poolState(t *testing.T) *credit.Pool {
	t.Helper()
	p, err := f.pools.GetByID(context.Background(), f.pool.ID)
	require.NoError(t, err)
	return p
}

// ══════════════════════════════════════════════════════════════════════════════
// CREATE
// ══════════════════════════════════════════════════════════════════════════════

func TestCreateExamInstance_FullMockDebitsUpfront(t *testing.T) {
	f := newFixture(t, credit.Credits(2))
	ctx := context.Background()

	first := f.newExam(t, exam.ModeFullMock)
	assert.Equal(t, 1, first.ExamNumber)
	assert.Equal(t, credit.FullMockCharge, first.CreditsCharged)
	assert.Equal(t, exam.SectionAvailable, first.Sections[0].Status)
	for _, s := range first.Sections[1:] {
		assert.Equal(t, exam.SectionLocked, s.Status)
	}

	second := f.newExam(t, exam.ModeFullMock)
	assert.Equal(t, 2, second.ExamNumber)

	_, err := f.create.Handle(ctx, CreateExamInstanceCommand{Actor: f.actor, PoolID: f.pool.ID, Mode: exam.ModeFullMock})
	assert.ErrorIs(t, err, shared.ErrInsufficientCredits)

	p := f.poolState(t)
	assert.Equal(t, credit.Credits(2), p.Used)
	assert.Equal(t, credit.StatusExhausted, p.Status)
	assert.Equal(t, 2, f.events.count(shared.EventCreditDebited))
	assert.Equal(t, 2, f.events.count(shared.EventExamCreated))
}

func TestCreateExamInstance_SectionModeChargesNothingUpfront(t *testing.T) {
	f := newFixture(t, credit.Credits(1))

	inst := f.newExam(t, exam.ModeSection)
	assert.Equal(t, credit.Amount(0), inst.CreditsCharged)
	for _, s := range inst.Sections {
		assert.Equal(t, exam.SectionAvailable, s.Status)
	}
	assert.Equal(t, credit.Amount(0), f.poolState(t).Used)
	assert.Equal(t, 0, f.events.count(shared.EventCreditDebited))
}

func TestCreateExamInstance_Rejections(t *testing.T) {
	f := newFixture(t, credit.Credits(3))
	ctx := context.Background()

	outsider := shared.Actor{StudentID: f.actor.StudentID, AcademyID: shared.AcademyID(uuid.NewString())}
	_, err := f.create.Handle(ctx, CreateExamInstanceCommand{Actor: outsider, PoolID: f.pool.ID, Mode: exam.ModeFullMock})
	assert.ErrorIs(t, err, shared.ErrAccessDenied)

	_, err = f.create.Handle(ctx, CreateExamInstanceCommand{Actor: f.actor, PoolID: f.pool.ID, Mode: exam.ModeFullMock, ExamType: "toefl_ibt"})
	assert.ErrorIs(t, err, shared.ErrInvalidExamType)

	_, err = f.create.Handle(ctx, CreateExamInstanceCommand{Actor: f.actor, PoolID: f.pool.ID, Mode: "marathon"})
	assert.ErrorIs(t, err, shared.ErrInvalidMode)

	_, err = f.create.Handle(ctx, CreateExamInstanceCommand{Actor: f.actor, PoolID: shared.PoolID(uuid.NewString()), Mode: exam.ModeFullMock})
	assert.ErrorIs(t, err, shared.ErrPlanNotFound)

	_, err = f.create.Handle(ctx, CreateExamInstanceCommand{PoolID: f.pool.ID, Mode: exam.ModeFullMock})
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	assert.Equal(t, credit.Amount(0), f.poolState(t).Used)
}

func TestCreateExamInstance_ConcurrentDuplicatesChargeOnce(t *testing.T) {
	f := newFixture(t, credit.Credits(1))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.create.Handle(context.Background(), CreateExamInstanceCommand{Actor: f.actor, PoolID: f.pool.ID, Mode: exam.ModeFullMock})
		}(i)
	}
	wg.Wait()

	var ok, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, shared.ErrInsufficientCredits):
			refused++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, refused)

	p := f.poolState(t)
	assert.Equal(t, credit.Credits(1), p.Used)
	assert.Equal(t, credit.StatusExhausted, p.Status)
	assert.Equal(t, 1, f.events.count(shared.EventCreditDebited))
}

func TestCreateExamInstance_ExpiredPlanIsMarked(t *testing.T) {
	f := newFixture(t, credit.Credits(3))
	exp := t0.Add(-time.Minute)
	f.pool = f.seedPool(t, credit.Credits(3), &exp)
	f.actor.AcademyID = f.pool.AcademyID

	_, err := f.create.Handle(context.Background(), CreateExamInstanceCommand{Actor: f.actor, PoolID: f.pool.ID, Mode: exam.ModeFullMock})
	assert.ErrorIs(t, err, shared.ErrPlanExpired)

	p := f.poolState(t)
	assert.Equal(t, credit.StatusExpired, p.Status)
	assert.Equal(t, credit.Amount(0), p.Used)

	_, err = f.create.Handle(context.Background(), CreateExamInstanceCommand{Actor: f.actor, PoolID: f.pool.ID, Mode: exam.ModeSection})
	assert.ErrorIs(t, err, shared.ErrPlanExpired)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESSION
// ══════════════════════════════════════════════════════════════════════════════

func TestFullMock_ProgressionAndAggregation(t *testing.T) {
	f := newFixture(t, credit.Credits(1))
	ctx := context.Background()
	inst := f.newExam(t, exam.ModeFullMock)

	_, err := f.completeSection(ctx, inst.ID, exam.SectionReading, 28)
	assert.ErrorIs(t, err, shared.ErrSectionLocked)

	res, err := f.completeSection(ctx, inst.ID, exam.SectionListening, 30)
	require.NoError(t, err)
	assert.Equal(t, 75.0, res.Result.Percentage)
	assert.Equal(t, 7.0, res.Result.Band)
	assert.Equal(t, []exam.SectionType{exam.SectionReading}, res.NextUnlocked)
	assert.Equal(t, exam.ChargeNone, res.ChargeState)

	_, err = f.completeSection(ctx, inst.ID, exam.SectionListening, 30)
	assert.ErrorIs(t, err, shared.ErrAlreadyCompleted)

	_, err = f.completeSection(ctx, inst.ID, exam.SectionReading, 28)
	require.NoError(t, err)
	_, err = f.completeSection(ctx, inst.ID, exam.SectionWriting, 24)
	require.NoError(t, err)
	res, err = f.completeSection(ctx, inst.ID, exam.SectionSpeaking, 32)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	require.NotNil(t, res.Overall)
	assert.Equal(t, 6.5, res.Overall.Band)
	assert.Equal(t, 71.25, res.Overall.Percentage)

	stored, err := f.exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusCompleted, stored.Status)
	require.NotNil(t, stored.OverallBand)
	assert.Equal(t, 6.5, *stored.OverallBand)
	assert.Equal(t, credit.Credits(1), f.poolState(t).Used)
	assert.Equal(t, 1, f.events.count(shared.EventExamCompleted))
	assert.Equal(t, 4, f.events.count(shared.EventSectionCompleted))
}

func TestCompleteSection_ConcurrentDuplicatesHaveOneWinner(t *testing.T) {
	f := newFixture(t, credit.Credits(1))
	inst := f.newExam(t, exam.ModeFullMock)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.completeSection(context.Background(), inst.ID, exam.SectionListening, 30)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, shared.ErrAlreadyCompleted):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)
}

func TestSectionMode_ChargeIsBestEffort(t *testing.T) {
	f := newFixture(t, credit.Amount(50))
	ctx := context.Background()
	inst := f.newExam(t, exam.ModeSection)

	res, err := f.completeSection(ctx, inst.ID, exam.SectionListening, 30)
	require.NoError(t, err)
	assert.Equal(t, exam.ChargeCharged, res.ChargeState)

	res, err = f.completeSection(ctx, inst.ID, exam.SectionReading, 28)
	require.NoError(t, err)
	assert.Equal(t, exam.ChargeCharged, res.ChargeState)

	res, err = f.completeSection(ctx, inst.ID, exam.SectionWriting, 24)
	require.NoError(t, err, "a refused charge never fails the completion")
	assert.Equal(t, exam.ChargeFailed, res.ChargeState)
	assert.Equal(t, credit.ReasonInsufficient, res.ChargeReason)
	assert.Equal(t, 5.5, res.Result.Band)
	assert.False(t, res.Completed)

	stored, err := f.exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.Amount(50), stored.CreditsCharged)
	w, err := stored.Section(exam.SectionWriting)
	require.NoError(t, err)
	assert.Equal(t, exam.SectionCompleted, w.Status)
	assert.Equal(t, exam.ChargeFailed, w.Charge)

	p := f.poolState(t)
	assert.Equal(t, credit.Amount(50), p.Used)
	assert.Equal(t, credit.StatusExhausted, p.Status)
	assert.Equal(t, 1, f.events.count(shared.EventCreditChargeFailed))

	finish := NewFinishSessionHandler(f.deps)
	done, err := finish.Handle(ctx, InstanceCommand{Actor: f.actor, InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, done.Overall.Sections)
	assert.Equal(t, 6.5, done.Overall.Band)
	assert.Equal(t, exam.StatusCompleted, done.Instance.Status)

	sp, err := done.Instance.Section(exam.SectionSpeaking)
	require.NoError(t, err)
	assert.Equal(t, exam.SectionSkipped, sp.Status)
}

// hookedTx runs before and after around the first transaction only.
type hookedTx struct {
	inner  TxManager
	once   sync.Once
	before func()
	after  func()
}

func (h *hookedTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	first := false
	h.once.Do(func() { first = true })
	if !first {
		return h.inner.WithinTx(ctx, fn)
	}
	h.before()
	err := h.inner.WithinTx(ctx, fn)
	h.after()
	return err
}

func TestSectionMode_StaleSaveKeepsCharge(t *testing.T) {
	f := newFixture(t, credit.Credits(2))
	ctx := context.Background()
	inst := f.newExam(t, exam.ModeSection)

	var stale *exam.Instance
	tx := &hookedTx{
		inner: f.deps.Tx,
		before: func() {
			var err error
			stale, err = f.exams.GetByID(ctx, inst.ID)
			require.NoError(t, err)
		},
		after: func() {
			_, err := stale.StartSection(exam.SectionWriting, f.clock.Now())
			require.NoError(t, err)
			require.NoError(t, f.exams.Save(ctx, stale))
		},
	}
	deps := f.deps
	deps.Tx = tx
	complete := NewCompleteSectionHandler(deps, DefaultCompleteSectionConfig())

	res, err := complete.Handle(ctx, CompleteSectionCommand{Actor: f.actor, InstanceID: inst.ID, Section: exam.SectionReading, RawScore: 28, MaxScore: 40})
	require.NoError(t, err)
	assert.Equal(t, exam.ChargeCharged, res.ChargeState)

	stored, err := f.exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.SectionCharge, stored.CreditsCharged)
	reading, err := stored.Section(exam.SectionReading)
	require.NoError(t, err)
	assert.Equal(t, exam.ChargeCharged, reading.Charge)
	writing, err := stored.Section(exam.SectionWriting)
	require.NoError(t, err)
	assert.Equal(t, exam.SectionInProgress, writing.Status)
	assert.Equal(t, credit.SectionCharge, f.poolState(t).Used)
}

func TestFinishSession_RequiresCompletedSection(t *testing.T) {
	f := newFixture(t, credit.Credits(1))
	inst := f.newExam(t, exam.ModeSection)

	_, err := NewFinishSessionHandler(f.deps).Handle(context.Background(), InstanceCommand{Actor: f.actor, InstanceID: inst.ID})
	assert.ErrorIs(t, err, shared.ErrNothingToFinish)
}

func TestStartSection_ResumeAndPause(t *testing.T) {
	f := newFixture(t, credit.Credits(1))
	ctx := context.Background()
	inst := f.newExam(t, exam.ModeFullMock)
	cmd := StartSectionCommand{Actor: f.actor, InstanceID: inst.ID, Section: exam.SectionListening}

	res, err := f.start.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, 40*time.Minute, res.Remaining)
	assert.Equal(t, exam.StatusInProgress, res.Instance.Status)

	f.clock.Advance(10 * time.Minute)
	res, err = f.start.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 30*time.Minute, res.Remaining)

	_, err = f.start.Handle(ctx, StartSectionCommand{Actor: f.actor, InstanceID: inst.ID, Section: exam.SectionWriting})
	assert.ErrorIs(t, err, shared.ErrSectionLocked)

	f.clock.Advance(5 * time.Minute)
	paused, err := NewPauseExamHandler(f.deps).Handle(ctx, InstanceCommand{Actor: f.actor, InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Equal(t, exam.StatusPaused, paused.Instance.Status)
	assert.Equal(t, 15*time.Minute, paused.Instance.Elapsed)

	_, err = NewPauseExamHandler(f.deps).Handle(ctx, InstanceCommand{Actor: f.actor, InstanceID: inst.ID})
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)

	f.clock.Advance(20 * time.Minute)
	resumed, err := NewResumeExamHandler(f.deps).Handle(ctx, InstanceCommand{Actor: f.actor, InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Equal(t, exam.StatusInProgress, resumed.Instance.Status)
	require.NotNil(t, resumed.Instance.StartedAt)
	assert.True(t, t0.Equal(*resumed.Instance.StartedAt))
}

func TestCommands_RejectOtherStudents(t *testing.T) {
	f := newFixture(t, credit.Credits(1))
	inst := f.newExam(t, exam.ModeFullMock)
	intruder := shared.Actor{StudentID: shared.StudentID(uuid.NewString()), AcademyID: f.actor.AcademyID}

	_, err := f.start.Handle(context.Background(), StartSectionCommand{Actor: intruder, InstanceID: inst.ID, Section: exam.SectionListening})
	assert.ErrorIs(t, err, shared.ErrAccessDenied)

	_, err = f.complete.Handle(context.Background(), CompleteSectionCommand{Actor: intruder, InstanceID: inst.ID, Section: exam.SectionListening, RawScore: 1})
	assert.ErrorIs(t, err, shared.ErrAccessDenied)

	_, err = f.start.Handle(context.Background(), StartSectionCommand{Actor: f.actor, InstanceID: shared.InstanceID(uuid.NewString()), Section: exam.SectionListening})
	assert.ErrorIs(t, err, shared.ErrInstanceNotFound)
}

// ══════════════════════════════════════════════════════════════════════════════
// ABANDON AND EXPIRY
// ══════════════════════════════════════════════════════════════════════════════

func TestAbandonExam_RefundsFullMock(t *testing.T) {
	f := newFixture(t, credit.Credits(1))
	ctx := context.Background()
	inst := f.newExam(t, exam.ModeFullMock)
	assert.Equal(t, credit.StatusExhausted, f.poolState(t).Status)

	res, err := NewAbandonExamHandler(f.deps).Handle(ctx, InstanceCommand{Actor: f.actor, InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Equal(t, credit.FullMockCharge, res.Refunded)
	assert.Equal(t, exam.StatusExpired, res.Instance.Status)

	stored, err := f.exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.Amount(0), stored.CreditsCharged)

	p := f.poolState(t)
	assert.Equal(t, credit.Amount(0), p.Used)
	assert.Equal(t, credit.StatusActive, p.Status)
	assert.Equal(t, 1, f.events.count(shared.EventCreditRefunded))
}

func TestAbandonExam_AfterProgressKeepsCharge(t *testing.T) {
	f := newFixture(t, credit.Credits(1))
	ctx := context.Background()
	inst := f.newExam(t, exam.ModeFullMock)
	_, err := f.completeSection(ctx, inst.ID, exam.SectionListening, 20)
	require.NoError(t, err)

	_, err = NewAbandonExamHandler(f.deps).Handle(ctx, InstanceCommand{Actor: f.actor, InstanceID: inst.ID})
	assert.ErrorIs(t, err, shared.ErrChargeAlreadyUsed)
	assert.Equal(t, credit.Credits(1), f.poolState(t).Used)
}

func TestLazyExpiry_PersistsAndBlocksProgress(t *testing.T) {
	f := newFixture(t, credit.Credits(1))
	ctx := context.Background()
	inst := f.newExam(t, exam.ModeFullMock)

	f.clock.Advance(2 * time.Hour)
	_, err := f.start.Handle(ctx, StartSectionCommand{Actor: f.actor, InstanceID: inst.ID, Section: exam.SectionListening})
	assert.ErrorIs(t, err, shared.ErrExamExpired)

	stored, err := f.exams.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, exam.StatusExpired, stored.Status)
	assert.Equal(t, 1, f.events.count(shared.EventExamExpired))
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, credit.Credits(3))
	ctx := context.Background()
	a := f.newExam(t, exam.ModeFullMock)
	f.newExam(t, exam.ModeSection)

	_, err := f.completeSection(ctx, a.ID, exam.SectionListening, 30)
	require.NoError(t, err)

	sweep := NewSweepExpiredHandler(f.deps)
	res, err := sweep.Handle(ctx, SweepExpiredCommand{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)

	f.clock.Advance(2 * time.Hour)
	res, err = sweep.Handle(ctx, SweepExpiredCommand{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 0, res.Failed)

	res, err = sweep.Handle(ctx, SweepExpiredCommand{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)

	again, err := NewExpireExamHandler(f.deps).Handle(ctx, ExpireExamCommand{InstanceID: a.ID})
	require.NoError(t, err)
	assert.False(t, again.Expired)
}
