// Package scheduler runs named callbacks on an interval or cron schedule.
// A failing callback is retried with exponential backoff instead of its
// regular cadence until it succeeds again.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"index-manager/internal/diagnostics"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
)

// Func is a scheduled callback. firstRun is true on the first invocation.
type Func func(ctx context.Context, firstRun bool) error

type options struct {
	delayed        bool
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a scheduled task.
type Option func(*options)

// Delayed makes an interval task wait one interval before its first run
// instead of running immediately. Cron tasks always wait for their first
// occurrence.
func Delayed() Option {
	return func(o *options) { o.delayed = true }
}

// WithBackoff bounds the retry delay applied after failures.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(o *options) {
		o.initialBackoff = initial
		o.maxBackoff = maxDelay
	}
}

// Scheduler owns a set of tasks.
type Scheduler struct {
	info *diagnostics.InfoStream

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{
		info:  diagnostics.NewInfoStream("scheduler"),
		tasks: make(map[string]*Task),
	}
}

// Info is the stream task failures are reported to.
func (s *Scheduler) Info() *diagnostics.InfoStream {
	return s.info
}

// Schedule starts a task. The task runs until ctx is canceled, Task.Stop is
// called, or the scheduler is stopped.
func (s *Scheduler) Schedule(ctx context.Context, name string, fn Func, expr string, opts ...Option) (*Task, error) {
	trigger, err := ParseTrigger(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", name, err)
	}

	o := options{initialBackoff: time.Second, maxBackoff: 5 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("schedule %s: scheduler stopped", name)
	}

	t := &Task{
		ID:      uuid.NewString(),
		Name:    name,
		trigger: trigger,
		fn:      fn,
		opts:    o,
		info:    s.info,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.tasks[t.ID] = t

	go func() {
		t.loop(ctx)
		s.mu.Lock()
		delete(s.tasks, t.ID)
		s.mu.Unlock()
	}()

	logging.Debug("Scheduled task %s (%s) %s", name, t.ID, trigger)
	return t, nil
}

// Len returns the number of running tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop stops every task and waits for in-flight callbacks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
	for _, t := range tasks {
		t.Wait()
	}
}

// Task is a handle to a scheduled callback.
type Task struct {
	ID   string
	Name string

	trigger Trigger
	fn      Func
	opts    options
	info    *diagnostics.InfoStream

	runs     atomic.Int64
	failures atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Stop suppresses every future run. A run already in progress finishes.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Wait blocks until the task loop has exited.
func (t *Task) Wait() {
	<-t.done
}

// Done is closed when the task loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Runs returns how many times the callback has been invoked.
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// Failures returns how many invocations returned an error.
func (t *Task) Failures() int64 {
	return t.failures.Load()
}

func (t *Task) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.opts.initialBackoff
	bo.MaxInterval = t.opts.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var delay time.Duration
	if !t.trigger.Periodic() || t.opts.delayed {
		now := time.Now()
		delay = t.trigger.Next(now).Sub(now)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	firstRun := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-timer.C:
		}
		if t.stopped() || ctx.Err() != nil {
			return
		}

		err := t.run(ctx, firstRun)
		firstRun = false

		now := time.Now()
		next := t.trigger.Next(now).Sub(now)
		if err != nil {
			if wait := bo.NextBackOff(); wait > next {
				next = wait
			}
		} else {
			bo.Reset()
		}
		timer.Reset(next)
	}
}

func (t *Task) run(ctx context.Context, firstRun bool) (err error) {
	start := time.Now()
	t.runs.Add(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
			logging.Error("Task %s panicked: %v\n%s", t.Name, r, debug.Stack())
		}

		metrics.SchedulerRunDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			t.failures.Add(1)
			metrics.SchedulerRunsTotal.WithLabelValues(t.Name, "error").Inc()
			t.info.Error(err, "Task %s failed", t.Name)
			logging.Warn("Task %s failed: %v", t.Name, err)
			return
		}
		metrics.SchedulerRunsTotal.WithLabelValues(t.Name, "success").Inc()
	}()

	return t.fn(ctx, firstRun)
}
