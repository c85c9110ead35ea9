package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	live  atomic.Int32
	peak  atomic.Int32
	delay time.Duration
	err   error
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }

func (j *countingJob) Run(ctx context.Context) error {
	n := j.live.Add(1)
	defer j.live.Add(-1)
	for {
		p := j.peak.Load()
		if n <= p || j.peak.CompareAndSwap(p, n) {
			break
		}
	}
	j.runs.Add(1)
	select {
	case <-time.After(j.delay):
	case <-ctx.Done():
	}
	return j.err
}

// tickSchedule is due again immediately.
type tickSchedule struct{}

func (tickSchedule) Next(t time.Time) time.Time { return t }
func (tickSchedule) String() string             { return "every tick" }

func TestScheduler_RunsDueJobsWithoutOverlap(t *testing.T) {
	s := New(Config{TickInterval: 5 * time.Millisecond})
	job := &countingJob{name: "slow", delay: 30 * time.Millisecond}
	require.NoError(t, s.Register(job, tickSchedule{}))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(1), job.peak.Load(), "a job never runs concurrently with itself")
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestScheduler_Register(t *testing.T) {
	s := New(Config{})
	job := &countingJob{name: "a"}

	assert.ErrorIs(t, s.Register(nil, tickSchedule{}), ErrNilJob)
	assert.ErrorIs(t, s.Register(job, nil), ErrNilSchedule)
	require.NoError(t, s.Register(job, tickSchedule{}))
	assert.ErrorIs(t, s.Register(job, tickSchedule{}), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.SetEnabled("missing", false), ErrJobNotFound)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(Config{})
	boom := errors.New("boom")
	require.NoError(t, s.Register(&countingJob{name: "ok"}, tickSchedule{}))
	require.NoError(t, s.Register(&countingJob{name: "bad", err: boom}, tickSchedule{}))

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Manual)

	res, err = s.RunNow(context.Background(), "bad")
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Success)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "bad", jobs[0].Name)
	assert.Equal(t, int64(1), jobs[0].FailCount)
	assert.Equal(t, int64(1), jobs[1].RunCount)
}

type panicJob struct{}

func (panicJob) Name() string                { return "panics" }
func (panicJob) Description() string         { return "" }
func (panicJob) Run(_ context.Context) error { panic("oops") }

func TestScheduler_RecoversPanics(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.Register(panicJob{}, tickSchedule{}))

	_, err := s.RunNow(context.Background(), "panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 7, 30, 0, time.UTC) // Monday

	tests := []struct {
		spec string
		want time.Time
	}{
		{"@every 1m0s", base.Add(time.Minute)},
		{"*/5 * * * *", time.Date(2026, 3, 2, 10, 10, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)},
		{"30 9 * * *", time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)},
		{"0,15 10-11 * * *", time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)},
		{"0 0 1 4 *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSchedule(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(base))
			assert.Equal(t, tt.spec, s.String())
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, spec := range []string{
		"",
		"@every soon",
		"@every 10ms",
		"* * * *",
		"60 * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
	} {
		_, err := ParseSchedule(spec)
		assert.Error(t, err, spec)
	}
}

func TestParseSchedule_DayFieldsEitherMatch(t *testing.T) {
	s, err := ParseSchedule("0 0 1 * 1")
	require.NoError(t, err)

	from := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) // Thursday
	first := s.Next(from)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), first, "first Monday")
	assert.Equal(t, time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC), s.Next(first))
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), s.Next(time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC)), "first of the month, a Sunday")
}

func TestParseSchedule_Descriptor(t *testing.T) {
	s, err := ParseSchedule("@daily")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), s.Next(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "@daily", s.String())
}

func TestParseSchedule_Impossible(t *testing.T) {
	s, err := ParseSchedule("0 0 31 2 *")
	require.NoError(t, err)
	assert.True(t, s.Next(time.Now()).IsZero())
}
