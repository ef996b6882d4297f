// Package writer applies normalized changes to the index and decides when
// to commit. A commit happens every BatchSize mutations, or once
// CommitInterval has passed since the previous commit, whichever is first.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"index-manager/internal/ingest"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
	"index-manager/internal/scheduler"
)

// Index is the part of the document index the writer mutates.
type Index interface {
	Create(ctx context.Context, area string, doc ingest.Document) error
	Write(ctx context.Context, area string, doc ingest.Document) error
	Delete(ctx context.Context, area string, doc ingest.Document) error
	Commit(ctx context.Context) error
	Flush(ctx context.Context) error
}

// Config holds the commit thresholds.
type Config struct {
	BatchSize      int
	CommitInterval time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{BatchSize: 10000, CommitInterval: time.Minute}
}

// Stats is a point-in-time view of the writer.
type Stats struct {
	Writes     int64     `json:"writes"`
	Pending    int64     `json:"pending"`
	Commits    int64     `json:"commits"`
	LastCommit time.Time `json:"lastCommit"`
}

// Writer serializes every mutation and commit against the index.
type Writer struct {
	index Index
	cfg   Config
	now   func() time.Time

	mu         sync.Mutex
	writes     int64
	pending    int64
	commits    int64
	lastCommit time.Time
}

// New creates a writer. Non-positive thresholds fall back to the defaults.
func New(index Index, cfg Config) *Writer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = def.CommitInterval
	}
	return &Writer{index: index, cfg: cfg, now: time.Now, lastCommit: time.Now()}
}

// Create adds a new document.
func (w *Writer) Create(ctx context.Context, area string, doc ingest.Document) error {
	return w.apply(ctx, "create", func() error { return w.index.Create(ctx, area, doc) })
}

// Write adds or replaces a document.
func (w *Writer) Write(ctx context.Context, area string, doc ingest.Document) error {
	return w.apply(ctx, "write", func() error { return w.index.Write(ctx, area, doc) })
}

// Delete removes a document.
func (w *Writer) Delete(ctx context.Context, area string, doc ingest.Document) error {
	return w.apply(ctx, "delete", func() error { return w.index.Delete(ctx, area, doc) })
}

func (w *Writer) apply(ctx context.Context, op string, mutate func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A failed mutation changed nothing and is not counted, but it still
	// gives the interval threshold a chance to commit earlier writes.
	if err := mutate(); err != nil {
		if cerr := w.maybeCommit(ctx); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}

	w.writes++
	w.pending++
	metrics.WriterOperationsTotal.WithLabelValues(op).Inc()
	metrics.WriterPendingWrites.Set(float64(w.pending))

	return w.maybeCommit(ctx)
}

// maybeCommit commits when the batch is full or the interval has elapsed.
// Callers hold w.mu.
func (w *Writer) maybeCommit(ctx context.Context) error {
	switch {
	case w.pending > 0 && w.pending%int64(w.cfg.BatchSize) == 0:
		return w.commit(ctx, "batch")
	case w.pending > 0 && w.now().Sub(w.lastCommit) > w.cfg.CommitInterval:
		return w.commit(ctx, "interval")
	}
	return nil
}

func (w *Writer) commit(ctx context.Context, reason string) error {
	start := time.Now()
	if err := w.index.Commit(ctx); err != nil {
		return fmt.Errorf("commit (%s): %w", reason, err)
	}
	metrics.WriterCommitDuration.Observe(time.Since(start).Seconds())
	metrics.WriterCommitsTotal.WithLabelValues(reason).Inc()

	logging.Debug("Index committed (%s) after %d writes", reason, w.pending)
	w.pending = 0
	w.commits++
	w.lastCommit = w.now()
	metrics.WriterPendingWrites.Set(0)
	return nil
}

// Commit commits regardless of the thresholds.
func (w *Writer) Commit(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commit(ctx, "explicit")
}

// Flush commits and flushes the index to its files.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.commit(ctx, "explicit"); err != nil {
		return err
	}
	if err := w.index.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Tick applies the time threshold without a mutation, so a trickle of
// writes below the batch size still gets committed.
func (w *Writer) Tick(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maybeCommit(ctx)
}

// Schedule registers the interval check with s.
func (w *Writer) Schedule(ctx context.Context, s *scheduler.Scheduler) (*scheduler.Task, error) {
	interval := w.cfg.CommitInterval / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return s.Schedule(ctx, "index-writer:commit", func(ctx context.Context, _ bool) error {
		return w.Tick(ctx)
	}, interval.String(), scheduler.Delayed())
}

// Stats returns the writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{Writes: w.writes, Pending: w.pending, Commits: w.commits, LastCommit: w.lastCommit}
}
