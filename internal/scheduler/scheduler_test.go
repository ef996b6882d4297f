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

	"index-manager/internal/diagnostics"
)

func TestScheduleRunsImmediatelyThenPeriodically(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	var firsts []bool
	task, err := s.Schedule(context.Background(), "poll", func(_ context.Context, firstRun bool) error {
		mu.Lock()
		firsts = append(firsts, firstRun)
		mu.Unlock()
		return nil
	}, "10ms")
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "poll", task.Name)

	assert.Eventually(t, func() bool { return task.Runs() >= 3 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, firsts[0])
	for _, f := range firsts[1:] {
		assert.False(t, f)
	}
}

func TestScheduleDelayed(t *testing.T) {
	s := New()
	defer s.Stop()

	task, err := s.Schedule(context.Background(), "snapshot", func(context.Context, bool) error { return nil },
		"200ms", Delayed())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), task.Runs())
	assert.Eventually(t, func() bool { return task.Runs() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduleInvalidExpression(t *testing.T) {
	s := New()
	_, err := s.Schedule(context.Background(), "bad", func(context.Context, bool) error { return nil }, "whenever")
	assert.ErrorIs(t, err, ErrInvalidExpression)
	assert.Equal(t, 0, s.Len())
}

func TestTaskStopSuppressesFutureRuns(t *testing.T) {
	s := New()
	task, err := s.Schedule(context.Background(), "stop-me", func(context.Context, bool) error { return nil }, "5ms")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return task.Runs() >= 1 }, time.Second, time.Millisecond)
	task.Stop()
	task.Stop()
	task.Wait()

	runs := task.Runs()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, task.Runs())
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, time.Millisecond)
}

func TestTaskStopLetsInFlightRunFinish(t *testing.T) {
	s := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	task, err := s.Schedule(context.Background(), "slow", func(context.Context, bool) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}, "1h")
	require.NoError(t, err)

	<-started
	task.Stop()
	close(release)
	task.Wait()
	assert.True(t, finished.Load())
	assert.Equal(t, int64(1), task.Runs())
}

func TestContextCancelStopsTask(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	task, err := s.Schedule(ctx, "ctx", func(context.Context, bool) error { return nil }, "5ms")
	require.NoError(t, err)

	cancel()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit after context cancel")
	}
}

func TestFailuresAreReportedAndBackedOff(t *testing.T) {
	s := New()
	defer s.Stop()

	var events []diagnostics.Event
	var mu sync.Mutex
	s.Info().Subscribe(func(e diagnostics.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	boom := errors.New("change log unavailable")
	task, err := s.Schedule(context.Background(), "flaky", func(context.Context, bool) error {
		return boom
	}, "1ms", WithBackoff(100*time.Millisecond, time.Second))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return task.Failures() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	// The 1ms cadence is overridden by the backoff delay.
	assert.Less(t, task.Runs(), int64(3))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	ev, ok := events[0].(diagnostics.ErrorEvent)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, boom)
	assert.Equal(t, diagnostics.LevelError, ev.Level())
}

func TestBackoffResetsAfterSuccess(t *testing.T) {
	s := New()
	defer s.Stop()

	var calls atomic.Int64
	task, err := s.Schedule(context.Background(), "recovering", func(context.Context, bool) error {
		if calls.Add(1) == 1 {
			return errors.New("first run fails")
		}
		return nil
	}, "5ms", WithBackoff(20*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return task.Runs() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), task.Failures())
}

func TestPanicIsRecovered(t *testing.T) {
	s := New()
	defer s.Stop()

	task, err := s.Schedule(context.Background(), "panics", func(context.Context, bool) error {
		panic("kaboom")
	}, "1h")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return task.Failures() == 1 }, time.Second, time.Millisecond)
}

func TestSchedulerStop(t *testing.T) {
	s := New()
	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Schedule(context.Background(), name, func(context.Context, bool) error { return nil }, "5ms")
		require.NoError(t, err)
	}

	s.Stop()
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, time.Millisecond)

	_, err := s.Schedule(context.Background(), "late", func(context.Context, bool) error { return nil }, "5ms")
	assert.Error(t, err)
}
