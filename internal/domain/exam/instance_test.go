package exam

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

const (
	testInstanceID = shared.InstanceID("a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d")
	testStudentID  = shared.StudentID("11111111-2222-4333-8444-555555555555")
	testPoolID     = shared.PoolID("99999999-8888-4777-8666-555555555555")
)

var t0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
	}
}

func newInstance(t *testing.T, mode Mode, examType string) *Instance {
	t.Helper()
	inst, err := NewInstance(CreateParams{
		ID:         testInstanceID,
		StudentID:  testStudentID,
		PoolID:     testPoolID,
		ExamType:   examType,
		Mode:       mode,
		ExamNumber: 1,
		TTL:        24 * time.Hour,
		SectionID:  seqIDs(),
		Now:        t0,
	})
	require.NoError(t, err)
	return inst
}

func statuses(inst *Instance) []SectionStatus {
	out := make([]SectionStatus, len(inst.Sections))
	for i, s := range inst.Sections {
		out[i] = s.Status
	}
	return out
}

func TestNewInstance_FullMockLocksAllButFirst(t *testing.T) {
	inst := newInstance(t, ModeFullMock, "ielts_academic")

	assert.Equal(t, StatusNotStarted, inst.Status)
	assert.Equal(t, credit.FullMockCharge, inst.CreditsCharged)
	require.Len(t, inst.Sections, 4)
	assert.Equal(t, []SectionType{SectionListening, SectionReading, SectionWriting, SectionSpeaking},
		[]SectionType{inst.Sections[0].Type, inst.Sections[1].Type, inst.Sections[2].Type, inst.Sections[3].Type})
	assert.Equal(t, []SectionStatus{SectionAvailable, SectionLocked, SectionLocked, SectionLocked}, statuses(inst))
	assert.Equal(t, 40*time.Minute, inst.Sections[0].TimeLimit)
	require.NotNil(t, inst.ExpiresAt)
	assert.Equal(t, t0.Add(24*time.Hour), *inst.ExpiresAt)
}

func TestNewInstance_SectionModeAllAvailable(t *testing.T) {
	inst := newInstance(t, ModeSection, "toefl_ibt")

	assert.Equal(t, credit.Amount(0), inst.CreditsCharged)
	assert.Equal(t, []SectionStatus{SectionAvailable, SectionAvailable, SectionAvailable, SectionAvailable}, statuses(inst))
	assert.Equal(t, SectionReading, inst.Sections[0].Type)
	assert.Equal(t, SectionWriting, inst.Sections[3].Type)
}

func TestNewInstance_Validation(t *testing.T) {
	_, err := NewInstance(CreateParams{ID: testInstanceID, StudentID: testStudentID, PoolID: testPoolID,
		ExamType: "ielts_academic", Mode: "marathon", ExamNumber: 1, SectionID: seqIDs(), Now: t0})
	assert.ErrorIs(t, err, shared.ErrInvalidMode)

	_, err = NewInstance(CreateParams{ID: testInstanceID, StudentID: testStudentID, PoolID: testPoolID,
		ExamType: "klingon_b2", Mode: ModeFullMock, ExamNumber: 1, SectionID: seqIDs(), Now: t0})
	assert.ErrorIs(t, err, shared.ErrInvalidExamType)

	_, err = NewInstance(CreateParams{ID: testInstanceID, StudentID: testStudentID, PoolID: testPoolID,
		ExamType: "", Mode: ModeFullMock, ExamNumber: 0, SectionID: seqIDs(), Now: t0})
	assert.True(t, shared.IsValidation(err))
}

func TestNewInstance_CustomOrder(t *testing.T) {
	inst, err := NewInstance(CreateParams{ID: testInstanceID, StudentID: testStudentID, PoolID: testPoolID,
		ExamType: "ielts_academic", Mode: ModeFullMock, ExamNumber: 2, SectionID: seqIDs(), Now: t0,
		Order: []SectionType{SectionSpeaking, SectionWriting, SectionReading, SectionListening}})
	require.NoError(t, err)
	assert.Equal(t, SectionSpeaking, inst.Sections[0].Type)
	assert.Equal(t, 15*time.Minute, inst.Sections[0].TimeLimit)
	assert.Equal(t, SectionAvailable, inst.Sections[0].Status)

	_, err = NewInstance(CreateParams{ID: testInstanceID, StudentID: testStudentID, PoolID: testPoolID,
		ExamType: "ielts_academic", Mode: ModeFullMock, ExamNumber: 2, SectionID: seqIDs(), Now: t0,
		Order: []SectionType{SectionSpeaking, SectionSpeaking, SectionReading, SectionListening}})
	assert.True(t, shared.IsValidation(err))
}

func TestStartPauseResume_ElapsedAccounting(t *testing.T) {
	inst := newInstance(t, ModeFullMock, "ielts_academic")

	require.NoError(t, inst.Start(t0))
	require.NotNil(t, inst.StartedAt)
	assert.Equal(t, StatusInProgress, inst.Status)

	// Pause only from in_progress.
	require.NoError(t, inst.Pause(t0.Add(10*time.Minute)))
	assert.ErrorIs(t, inst.Pause(t0.Add(11*time.Minute)), shared.ErrInvalidTransition)
	assert.Equal(t, 10*time.Minute, inst.ElapsedAt(t0.Add(30*time.Minute)))

	require.NoError(t, inst.Resume(t0.Add(30*time.Minute)))
	assert.Equal(t, t0, *inst.StartedAt, "started_at is recorded once")
	assert.Equal(t, 15*time.Minute, inst.ElapsedAt(t0.Add(35*time.Minute)))

	// Idempotent on in_progress.
	require.NoError(t, inst.Start(t0.Add(36*time.Minute)))
	assert.Equal(t, 16*time.Minute, inst.ElapsedAt(t0.Add(36*time.Minute)))
}

func TestPause_FromNotStartedFails(t *testing.T) {
	inst := newInstance(t, ModeSection, "ielts_academic")
	assert.ErrorIs(t, inst.Pause(t0), shared.ErrInvalidTransition)
}

func TestSectionElapsedStopsWhilePaused(t *testing.T) {
	inst := newInstance(t, ModeFullMock, "ielts_academic")
	s, err := inst.StartSection(SectionListening, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, inst.Status)

	require.NoError(t, inst.Pause(t0.Add(5*time.Minute)))
	require.NoError(t, inst.Resume(t0.Add(20*time.Minute)))
	assert.Equal(t, 8*time.Minute, s.ElapsedAt(t0.Add(23*time.Minute)))
	assert.Equal(t, 32*time.Minute, s.RemainingAt(t0.Add(23*time.Minute)))
	assert.False(t, s.IsOvertimeAt(t0.Add(23*time.Minute)))
}

func TestStartSection_Rules(t *testing.T) {
	inst := newInstance(t, ModeFullMock, "ielts_academic")

	_, err := inst.StartSection(SectionReading, t0)
	assert.ErrorIs(t, err, shared.ErrSectionLocked)

	first, err := inst.StartSection(SectionListening, t0)
	require.NoError(t, err)
	assert.Equal(t, SectionInProgress, first.Status)

	again, err := inst.StartSection(SectionListening, t0.Add(time.Minute))
	require.NoError(t, err, "an in-progress section resumes")
	assert.Equal(t, t0, *again.StartedAt)

	_, err = inst.CompleteSection(SectionListening, 30, 40, t0.Add(40*time.Minute))
	require.NoError(t, err)

	_, err = inst.StartSection(SectionListening, t0.Add(41*time.Minute))
	assert.ErrorIs(t, err, shared.ErrAlreadyCompleted)

	_, err = inst.StartSection("music", t0)
	assert.ErrorIs(t, err, shared.ErrSectionNotFound)
}

func TestCompleteSection_SequentialUnlock(t *testing.T) {
	inst := newInstance(t, ModeFullMock, "ielts_academic")

	_, err := inst.CompleteSection(SectionReading, 30, 40, t0)
	assert.ErrorIs(t, err, shared.ErrSectionLocked)
	assert.Equal(t, SectionLocked, inst.Sections[1].Status)

	res, err := inst.CompleteSection(SectionListening, 32, 40, t0.Add(40*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []SectionType{SectionReading}, res.NextUnlocked)
	assert.Equal(t, 7.0, *res.Section.Band)
	assert.Equal(t, 80.0, *res.Section.Percentage)
	assert.Equal(t, credit.Amount(0), res.ChargeDue)
	assert.False(t, res.Completed)
	assert.Equal(t, []SectionStatus{SectionCompleted, SectionAvailable, SectionLocked, SectionLocked}, statuses(inst))

	_, err = inst.CompleteSection(SectionListening, 32, 40, t0.Add(41*time.Minute))
	assert.ErrorIs(t, err, shared.ErrAlreadyCompleted)
}

func TestCompleteSection_AllFourAggregatesAndCompletes(t *testing.T) {
	inst := newInstance(t, ModeFullMock, "ielts_academic")
	at := t0
	steps := []struct {
		section SectionType
		raw     float64
	}{
		{SectionListening, 31}, // 77.5% -> 6.975 -> 7.0
		{SectionReading, 29},   // 72.5% -> 6.525 -> 6.5
		{SectionWriting, 27},   // 67.5% -> 6.075 -> 6.0
		{SectionSpeaking, 31},  // 7.0
	}
	var last Completion
	for _, st := range steps {
		at = at.Add(10 * time.Minute)
		var err error
		last, err = inst.CompleteSection(st.section, st.raw, 40, at)
		require.NoError(t, err)
	}

	assert.True(t, last.Completed)
	require.NotNil(t, last.Overall)
	assert.Equal(t, 6.5, last.Overall.Band) // mean 6.625
	assert.Equal(t, StatusCompleted, inst.Status)
	require.NotNil(t, inst.OverallBand)
	assert.Equal(t, 6.5, *inst.OverallBand)
	assert.Equal(t, 73.75, *inst.OverallPercentage)
	assert.Len(t, inst.Results(), 4)

	_, err := inst.StartSection(SectionListening, at)
	assert.ErrorIs(t, err, shared.ErrAlreadyCompleted)
	assert.ErrorIs(t, inst.Pause(at), shared.ErrExamClosed)
}

func TestSectionMode_AnyOrderSameAggregate(t *testing.T) {
	scores := map[SectionType]float64{
		SectionListening: 33, SectionReading: 25, SectionWriting: 29, SectionSpeaking: 36,
	}
	orders := [][]SectionType{
		{SectionListening, SectionReading, SectionWriting, SectionSpeaking},
		{SectionSpeaking, SectionWriting, SectionReading, SectionListening},
		{SectionWriting, SectionListening, SectionSpeaking, SectionReading},
	}

	var bands, pcts []float64
	for _, order := range orders {
		inst := newInstance(t, ModeSection, "ielts_academic")
		at := t0
		for _, st := range order {
			at = at.Add(time.Minute)
			res, err := inst.CompleteSection(st, scores[st], 40, at)
			require.NoError(t, err)
			assert.Empty(t, res.NextUnlocked)
			assert.Equal(t, credit.SectionCharge, res.ChargeDue)
		}
		require.Equal(t, StatusCompleted, inst.Status)
		bands = append(bands, *inst.OverallBand)
		pcts = append(pcts, *inst.OverallPercentage)
	}
	assert.Equal(t, bands[0], bands[1])
	assert.Equal(t, bands[0], bands[2])
	assert.Equal(t, pcts[0], pcts[1])
	assert.Equal(t, pcts[0], pcts[2])
}

func TestCompleteSection_InvalidScoreLeavesSectionUntouched(t *testing.T) {
	inst := newInstance(t, ModeSection, "ielts_academic")
	_, err := inst.CompleteSection(SectionWriting, 50, 40, t0)
	assert.ErrorIs(t, err, shared.ErrInvalidScore)
	s, _ := inst.Section(SectionWriting)
	assert.Equal(t, SectionAvailable, s.Status)
	assert.Equal(t, StatusNotStarted, inst.Status)
}

func TestFinishSession(t *testing.T) {
	inst := newInstance(t, ModeSection, "ielts_academic")
	_, err := inst.FinishSession(t0)
	assert.ErrorIs(t, err, shared.ErrNothingToFinish)

	_, err = inst.CompleteSection(SectionReading, 30, 40, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = inst.CompleteSection(SectionWriting, 20, 40, t0.Add(2*time.Minute))
	require.NoError(t, err)

	overall, err := inst.FinishSession(t0.Add(3 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, overall.Sections)
	assert.Equal(t, 6.0, overall.Band) // (7.0 + 4.5) / 2 = 5.75, tie rounds up
	assert.Equal(t, StatusCompleted, inst.Status)

	s, _ := inst.Section(SectionListening)
	assert.Equal(t, SectionSkipped, s.Status)

	full := newInstance(t, ModeFullMock, "ielts_academic")
	_, err = full.FinishSession(t0)
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestExpire(t *testing.T) {
	inst := newInstance(t, ModeFullMock, "ielts_academic")
	assert.False(t, inst.ExpireIfDue(t0.Add(23*time.Hour)))
	assert.True(t, inst.ExpireIfDue(t0.Add(24*time.Hour)))
	assert.Equal(t, StatusExpired, inst.Status)
	assert.NoError(t, inst.Expire(t0.Add(25*time.Hour)))

	_, err := inst.StartSection(SectionListening, t0.Add(25*time.Hour))
	assert.ErrorIs(t, err, shared.ErrExamExpired)
	_, err = inst.CompleteSection(SectionListening, 10, 40, t0.Add(25*time.Hour))
	assert.ErrorIs(t, err, shared.ErrExamExpired)
}

func TestAbandon(t *testing.T) {
	inst := newInstance(t, ModeFullMock, "ielts_academic")
	refund, err := inst.Abandon(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, credit.FullMockCharge, refund)
	assert.Equal(t, StatusExpired, inst.Status)
	assert.Equal(t, credit.Amount(0), inst.CreditsCharged)

	used := newInstance(t, ModeFullMock, "ielts_academic")
	_, err = used.CompleteSection(SectionListening, 20, 40, t0)
	require.NoError(t, err)
	_, err = used.Abandon(t0.Add(time.Minute))
	assert.ErrorIs(t, err, shared.ErrChargeAlreadyUsed)
}

func TestProgress(t *testing.T) {
	inst := newInstance(t, ModeSection, "ielts_academic")
	assert.Equal(t, 0, inst.Progress().Percentage)

	_, err := inst.CompleteSection(SectionListening, 20, 40, t0)
	require.NoError(t, err)
	_, err = inst.StartSection(SectionReading, t0)
	require.NoError(t, err)

	p := inst.Progress()
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.InProgress)
	assert.Equal(t, 38, p.Percentage) // 150 / 4 = 37.5
}

func TestCharges(t *testing.T) {
	inst := newInstance(t, ModeSection, "ielts_academic")
	inst.MarkCharged(SectionReading, credit.SectionCharge)
	inst.MarkChargeFailed(SectionWriting)

	r, _ := inst.Section(SectionReading)
	w, _ := inst.Section(SectionWriting)
	assert.Equal(t, ChargeCharged, r.Charge)
	assert.Equal(t, ChargeFailed, w.Charge)
	assert.Equal(t, credit.SectionCharge, inst.CreditsCharged)
}

func TestLookupType(t *testing.T) {
	cfg, err := LookupType("")
	require.NoError(t, err)
	assert.Equal(t, DefaultExamType, cfg.Name)
	assert.Equal(t, 165*time.Minute, cfg.TotalTime)

	cfg, err = LookupType("PTE_Academic")
	require.NoError(t, err)
	assert.Equal(t, []SectionType{SectionSpeaking, SectionWriting, SectionReading, SectionListening}, cfg.Order())

	_, err = LookupType("unknown")
	assert.ErrorIs(t, err, shared.ErrInvalidExamType)
	assert.Len(t, ExamTypes(), 7)
}
