package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJob struct {
	name  string
	err   error
	block chan struct{}
	runs  atomic.Int32
}

func (j *testJob) Name() string        { return j.name }
func (j *testJob) Description() string { return "test job " + j.name }

func (j *testJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

func newTestScheduler() *Scheduler {
	return NewScheduler(DefaultSchedulerConfig())
}

func TestRegister(t *testing.T) {
	s := newTestScheduler()

	assert.ErrorIs(t, s.Register(nil, Every(time.Second)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&testJob{name: "a"}, nil), ErrNilSchedule)

	require.NoError(t, s.Register(&testJob{name: "b"}, Every(time.Minute)))
	require.NoError(t, s.Register(&testJob{name: "a"}, Every(time.Second)))
	assert.ErrorIs(t, s.Register(&testJob{name: "a"}, Every(time.Second)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(&testJob{name: "c"}, Spec("not a cron line")), ErrInvalidSchedule)
	require.NoError(t, s.Register(&testJob{name: "d"}, Spec("15 2 * * *")))

	jobs := s.ListJobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "@every 1s", jobs[0].Schedule)
	assert.True(t, jobs[0].Enabled)
	assert.Equal(t, "15 2 * * *", jobs[2].Schedule)
}

func TestRunNow(t *testing.T) {
	s := newTestScheduler()
	failing := &testJob{name: "fail", err: errors.New("boom")}
	require.NoError(t, s.Register(failing, Every(time.Hour)))

	var mu sync.Mutex
	var reported []string
	s.OnJobError(func(name string, err error) {
		mu.Lock()
		reported = append(reported, name)
		mu.Unlock()
	})

	res, err := s.RunNow(context.Background(), "fail")
	assert.EqualError(t, err, "boom")
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.True(t, res.Manual)
	assert.Equal(t, []string{"fail"}, reported)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	m := s.Metrics().Job("fail")
	assert.Equal(t, int64(1), m.Executions)
	assert.Equal(t, int64(1), m.Failures)
	assert.Len(t, s.History(0), 1)
}

func TestStartRunsDueJobs(t *testing.T) {
	s := newTestScheduler()
	job := &testJob{name: "tick"}
	require.NoError(t, s.Register(job, Every(time.Second)))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	info := s.ListJobs()[0]
	assert.False(t, info.LastRun.IsZero())
	assert.True(t, info.NextRun.After(info.LastRun))
	assert.GreaterOrEqual(t, info.RunCount, int64(1))

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestJobDoesNotOverlap(t *testing.T) {
	s := newTestScheduler()
	job := &testJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, Every(time.Second)))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	// Следующие срабатывания пропускаются, пока первый запуск не вернулся.
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	close(job.block)
	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestStopCancelsRunningJob(t *testing.T) {
	s := newTestScheduler()
	job := &testJob{name: "stuck", block: make(chan struct{})}
	require.NoError(t, s.Register(job, Every(time.Second)))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop())
	history := s.History(1)
	require.Len(t, history, 1)
	assert.ErrorIs(t, history[0].Error, context.Canceled)
}

func TestSetEnabled(t *testing.T) {
	s := newTestScheduler()
	job := &testJob{name: "off"}
	require.NoError(t, s.Register(job, Every(time.Second)))
	require.NoError(t, s.SetEnabled("off", false))
	assert.ErrorIs(t, s.SetEnabled("missing", true), ErrJobNotFound)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(0), job.runs.Load())

	require.NoError(t, s.SetEnabled("off", true))
	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}
