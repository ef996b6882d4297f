// Package manager wires the ingestion pipeline together: it restores the
// newest usable snapshot, runs the area observers, applies their changes to
// the index through the batching writer and takes snapshots on a schedule
// once every area has finished its initial load.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"index-manager/internal/changelog"
	"index-manager/internal/diagnostics"
	"index-manager/internal/index"
	"index-manager/internal/ingest"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
	"index-manager/internal/observer"
	"index-manager/internal/scheduler"
	"index-manager/internal/snapshot"
	"index-manager/internal/tracker"
	"index-manager/internal/writer"
)

// DefaultSnapshotSchedule is used when no schedule is configured.
const DefaultSnapshotSchedule = "30m"

// State is the lifecycle of a Manager.
type State int32

const (
	Created State = iota
	Restoring
	ColdStart
	WarmStart
	Running
	Stopped
)

var stateNames = [...]string{"Created", "Restoring", "ColdStart", "WarmStart", "Running", "Stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the manager settings.
type Config struct {
	Areas            []string
	PollInterval     string
	SnapshotSchedule string
	Writer           writer.Config
	// Throttle, when set, pauses the area observers under memory pressure.
	Throttle observer.Throttle
}

// Manager is created once per process and run with Run.
type Manager struct {
	index     *index.Index
	writer    *writer.Writer
	source    *observer.DocumentSource
	snapshots *snapshot.Strategy
	tracker   *tracker.Tracker
	scheduler *scheduler.Scheduler
	schedule  string

	info  *diagnostics.InfoStream
	state atomic.Int32

	// snapshotMu serializes snapshot creation and restore.
	snapshotMu sync.Mutex
	lastErr    atomic.Pointer[string]
}

// New wires a manager over an opened index, change log and snapshot store.
func New(ix *index.Index, log *changelog.Log, snapshots *snapshot.Strategy, cfg Config) *Manager {
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = DefaultSnapshotSchedule
	}

	s := scheduler.New()
	m := &Manager{
		index:     ix,
		writer:    writer.New(ix, cfg.Writer),
		source:    observer.NewDocumentSource(log, s, cfg.Areas, cfg.PollInterval),
		snapshots: snapshots,
		tracker:   tracker.New(),
		scheduler: s,
		schedule:  cfg.SnapshotSchedule,
		info:      diagnostics.NewInfoStream("index-manager"),
	}

	if cfg.Throttle != nil {
		m.source.SetThrottle(cfg.Throttle)
	}

	// Every configured area gates initialization, including those whose
	// observer has not started yet.
	m.tracker.Register(m.source.Areas()...)

	// Changes are applied before the tracker counts them, so a generation
	// reported by the tracker is always already in the index.
	m.source.Changes().Subscribe(m.dispatch)
	m.tracker.Attach(m.source.Changes(), m.info)

	m.source.Info().Forward(m.info)
	m.snapshots.Info().Forward(m.info)
	m.tracker.Info().Forward(m.info)
	m.info.Subscribe(logEvent)

	return m
}

// Index returns the index the manager writes to.
func (m *Manager) Index() *index.Index {
	return m.index
}

// Info is the merged diagnostic stream of every component.
func (m *Manager) Info() *diagnostics.InfoStream {
	return m.info
}

// Tracker exposes ingest and restore progress.
func (m *Manager) Tracker() *tracker.Tracker {
	return m.tracker
}

// Writer exposes the batching writer.
func (m *Manager) Writer() *writer.Writer {
	return m.writer
}

// Snapshots exposes the snapshot store.
func (m *Manager) Snapshots() *snapshot.Strategy {
	return m.snapshots
}

// Areas returns the observed areas.
func (m *Manager) Areas() []string {
	return m.source.Areas()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	logging.Debug("Index manager %s", s)
}

// Run restores the newest usable snapshot, then ingests until ctx is
// canceled or Stop is called. A canceled ctx is a clean shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(Created), int32(Restoring)) {
		return fmt.Errorf("index manager already %s", m.State())
	}

	restored, state, err := m.RestoreSnapshot(ctx)
	if err != nil {
		m.info.Error(err, "Snapshot restore failed, falling back to a full scan")
	}

	if restored {
		m.setState(WarmStart)
		for _, area := range state.Areas {
			if err := m.source.UpdateGeneration(area.Area, area.Generation.Current); err != nil {
				return err
			}
			m.tracker.UpdateState(area)
		}
	} else {
		m.setState(ColdStart)
		if err := m.index.Reset(ctx); err != nil {
			return fmt.Errorf("reset index for cold start: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := m.writer.Schedule(runCtx, m.scheduler); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return m.source.Run(runCtx)
	})
	g.Go(func() error {
		return m.runSnapshots(runCtx, restored)
	})
	m.setState(Running)
	m.info.Info("Index manager running with %d areas (restored: %t)", len(m.source.Areas()), restored)

	err = g.Wait()
	m.scheduler.Stop()

	if ferr := m.writer.Flush(context.WithoutCancel(ctx)); ferr != nil {
		err = errors.Join(err, fmt.Errorf("final flush: %w", ferr))
	}
	m.setState(Stopped)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop stops every observer. Run returns once in-flight polls finish.
func (m *Manager) Stop() {
	m.source.Stop()
}

func (m *Manager) runSnapshots(ctx context.Context, restored bool) error {
	if err := m.tracker.WhenInitialized(ctx); err != nil {
		return nil
	}
	m.info.Info("All areas initialized")

	if !restored {
		if err := m.TakeSnapshot(ctx); err != nil && ctx.Err() == nil {
			logging.Warn("Initial snapshot failed: %v", err)
		}
	}

	task, err := m.scheduler.Schedule(ctx, "snapshot", func(ctx context.Context, _ bool) error {
		return m.TakeSnapshot(ctx)
	}, m.schedule, scheduler.Delayed())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	task.Wait()
	return nil
}

// dispatch applies one change. Failures are recorded as dead letters and
// never stop ingestion.
func (m *Manager) dispatch(c ingest.Change) {
	ctx := context.Background()

	var err error
	switch c.Type {
	case ingest.ChangeCreate:
		err = m.writer.Create(ctx, c.Area, c.Document)
	case ingest.ChangeUpdate:
		err = m.writer.Write(ctx, c.Area, c.Document)
	case ingest.ChangeDelete:
		err = m.writer.Delete(ctx, c.Area, c.Document)
	default:
		return
	}
	if err != nil {
		m.deadLetter(ctx, c, err)
	}
}

func (m *Manager) deadLetter(ctx context.Context, c ingest.Change, cause error) {
	metrics.IngestFailuresTotal.WithLabelValues(c.Area).Inc()

	id, idErr := m.index.Identity(c.Document)
	if idErr != nil {
		id = ""
	}
	m.info.Error(cause, "Failed to apply %s of %s/%s at generation %d", c.Type, c.Area, id, c.Generation.Current)

	payload, _ := json.Marshal(c.Document)
	err := m.index.AddDeadLetter(ctx, index.DeadLetter{
		Area:       c.Area,
		Generation: c.Generation.Current,
		DocumentID: id,
		ChangeType: c.Type.String(),
		Error:      cause.Error(),
		Payload:    string(payload),
	})
	if err != nil {
		logging.Error("Failed to record dead letter for %s/%s at generation %d: %v", c.Area, id, c.Generation.Current, err)
		return
	}
	metrics.DeadLettersTotal.WithLabelValues(c.Area).Inc()
}

// TakeSnapshot archives the committed index together with the generation
// state the tracker reports at the same moment, then prunes old archives.
func (m *Manager) TakeSnapshot(ctx context.Context) (err error) {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			m.recordError(err)
		}
		metrics.SnapshotsCreatedTotal.WithLabelValues(status).Inc()
		metrics.SnapshotCreateDuration.Observe(time.Since(start).Seconds())
	}()

	state := m.tracker.IngestState()
	target := m.snapshots.CreateTarget(state)

	if err := m.writer.Commit(ctx); err != nil {
		m.info.Error(err, "Failed to commit index before snapshot")
		return err
	}
	if err := m.index.Snapshot(ctx, target); err != nil {
		m.info.Error(err, "Failed to create snapshot")
		return fmt.Errorf("create snapshot: %w", err)
	}

	m.info.Info("Created snapshot %s at generation %d (%d documents ingested)",
		target.Path(), state.Generation().Current, state.IngestedCount())
	if n := m.snapshots.CleanOldSnapshots(); n > 0 {
		m.info.Debug("Removed %d old snapshots", n)
	}
	return nil
}

// RestoreSnapshot restores the newest archive that verifies and returns the
// generation state stored with it. Archives that fail verification are
// deleted before the next older one is tried. Finding no usable archive is
// not an error.
func (m *Manager) RestoreSnapshot(ctx context.Context) (bool, ingest.StorageIngestState, error) {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, ingest.StorageIngestState{}, err
		}

		src, err := m.snapshots.CreateSource(offset)
		if err != nil {
			metrics.SnapshotRestoresTotal.WithLabelValues("error").Inc()
			return false, ingest.StorageIngestState{}, err
		}
		if src == nil {
			metrics.SnapshotRestoresTotal.WithLabelValues("none").Inc()
			m.info.Info("No snapshots restored")
			return false, ingest.StorageIngestState{}, nil
		}

		restored, meta, err := m.restoreFrom(ctx, src)
		switch {
		case restored:
			metrics.SnapshotRestoresTotal.WithLabelValues("restored").Inc()
			m.info.Info("Restored snapshot %s (%d areas)", src.Name(), len(meta.StorageGenerations.Areas))
			return true, meta.StorageGenerations, nil
		case err == nil || errors.Is(err, snapshot.ErrCorrupt):
			if err == nil {
				err = errors.New("index file not usable")
			}
			m.info.Warn("Deleting unusable snapshot %s: %v", src.Name(), err)
			if derr := src.Delete(); derr != nil {
				m.info.Error(derr, "Failed to delete unusable snapshot %s", src.Name())
				offset++
			}
		default:
			metrics.SnapshotRestoresTotal.WithLabelValues("error").Inc()
			m.recordError(err)
			return false, ingest.StorageIngestState{}, fmt.Errorf("restore %s: %w", src.Name(), err)
		}
	}
}

func (m *Manager) restoreFrom(ctx context.Context, src *snapshot.Source) (bool, snapshot.Metadata, error) {
	defer src.Close()

	if err := src.Verify(); err != nil {
		return false, snapshot.Metadata{}, err
	}
	meta, err := src.Metadata()
	if err != nil {
		return false, meta, err
	}
	restored, err := m.index.Restore(ctx, src)
	return restored, meta, err
}

// LastError returns the most recent snapshot failure, if any.
func (m *Manager) LastError() string {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

func (m *Manager) recordError(err error) {
	msg := err.Error()
	m.lastErr.Store(&msg)
}

// logEvent mirrors the info stream into the log. Aggregate state events are
// left out, they are published after every change.
func logEvent(e diagnostics.Event) {
	switch e.(type) {
	case diagnostics.IngestStateEvent, diagnostics.RestoreStateEvent:
		return
	}

	msg := fmt.Sprintf("[%s] %s", e.Source(), e.Message())
	if ee, ok := e.(diagnostics.ErrorEvent); ok && ee.Err != nil {
		msg += ": " + ee.Err.Error()
	}
	switch e.Level() {
	case diagnostics.LevelDebug:
		logging.Debug("%s", msg)
	case diagnostics.LevelWarning:
		logging.Warn("%s", msg)
	case diagnostics.LevelError, diagnostics.LevelCritical:
		logging.Error("%s", msg)
	default:
		logging.Info("%s", msg)
	}
}
