// Package tracker aggregates ingest and restore progress across all areas.
//
// The tracker is the only owner of per-area ingest state and per-file restore
// state. It consumes changes and info stream events, and after every input it
// recomputes the aggregate and republishes it on its own info stream.
package tracker

import (
	"context"
	"sync"
	"time"

	"index-manager/internal/diagnostics"
	"index-manager/internal/ingest"
	"index-manager/internal/logging"
	"index-manager/internal/stream"
)

type areaTracker struct {
	state      ingest.AreaIngestState
	cycleStart time.Time
	frozen     bool
}

// Tracker is safe for concurrent use.
type Tracker struct {
	info *diagnostics.InfoStream
	now  func() time.Time

	mu      sync.Mutex
	areas   map[string]*areaTracker
	order   []string
	restore ingest.SnapshotRestoreState
	files   map[string]int
	changed chan struct{}
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		info:    diagnostics.NewInfoStream("tracker"),
		now:     time.Now,
		areas:   make(map[string]*areaTracker),
		files:   make(map[string]int),
		changed: make(chan struct{}),
	}
}

// Info carries an IngestStateEvent or RestoreStateEvent after every update.
func (t *Tracker) Info() *diagnostics.InfoStream {
	return t.info
}

// Attach subscribes the tracker to a change stream and an info stream.
// Either may be nil.
func (t *Tracker) Attach(changes *stream.Broadcast[ingest.Change], info *diagnostics.InfoStream) (detach func()) {
	var cancels []func()
	if changes != nil {
		cancels = append(cancels, changes.Subscribe(t.OnChange))
	}
	if info != nil {
		cancels = append(cancels, info.Subscribe(t.OnEvent))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// OnChange counts an ingested change and records its generation.
func (t *Tracker) OnChange(c ingest.Change) {
	t.mu.Lock()
	at := t.area(c.Area)
	at.state.IngestedCount++
	at.state.Generation = c.Generation
	state := t.ingestStateLocked()
	t.mu.Unlock()

	t.publishIngest(state)
}

// OnEvent consumes lifecycle, snapshot and file events. Other events are
// ignored.
func (t *Tracker) OnEvent(e diagnostics.Event) {
	switch evt := e.(type) {
	case diagnostics.LifecycleEvent:
		t.onLifecycle(evt)
	case diagnostics.SnapshotEvent:
		t.onSnapshot(evt)
	case diagnostics.FileEvent:
		t.onFile(evt)
	}
}

func (t *Tracker) onLifecycle(evt diagnostics.LifecycleEvent) {
	t.mu.Lock()
	at := t.area(evt.Area)
	if evt.Type != ingest.Starting {
		now := t.now()
		switch {
		case evt.Type == ingest.Updating:
			at.cycleStart = now
			at.frozen = false
			at.state.Duration = 0
		case !at.frozen:
			at.state.Duration = now.Sub(at.cycleStart)
			at.frozen = evt.Type.EndsCycle()
		}
		at.state.LastEvent = evt.Type
	}
	state := t.ingestStateLocked()
	t.mu.Unlock()

	t.publishIngest(state)
}

func (t *Tracker) onSnapshot(evt diagnostics.SnapshotEvent) {
	if evt.Kind != diagnostics.FileOpen {
		return
	}

	t.mu.Lock()
	if t.restore.Snapshot != evt.Snapshot {
		t.restore = ingest.SnapshotRestoreState{Snapshot: evt.Snapshot, StartTime: t.now()}
		t.files = make(map[string]int)
	}
	for _, name := range evt.Files {
		t.file(name)
	}
	state := t.restoreStateLocked()
	t.mu.Unlock()

	t.publishRestore(state)
}

func (t *Tracker) onFile(evt diagnostics.FileEvent) {
	t.mu.Lock()
	if t.restore.Snapshot == "" {
		t.restore = ingest.SnapshotRestoreState{Snapshot: evt.Snapshot, StartTime: t.now()}
	}
	f := t.file(evt.File)
	switch evt.Kind {
	case diagnostics.FileOpen:
		f.State = ingest.RestoreRestoring
		f.StartTime = t.now()
	case diagnostics.FileClose:
		f.State = ingest.RestoreComplete
		f.StopTime = t.now()
	}
	state := t.restoreStateLocked()
	t.mu.Unlock()

	t.publishRestore(state)
}

// Register tracks areas in the Starting state before any of their events
// arrive, so WhenInitialized waits for every one of them.
func (t *Tracker) Register(areas ...string) {
	t.mu.Lock()
	for _, name := range areas {
		t.area(name)
	}
	state := t.ingestStateLocked()
	t.mu.Unlock()

	t.publishIngest(state)
}

// UpdateState seeds an area directly, used after a snapshot restore before
// any change for the area has been observed.
func (t *Tracker) UpdateState(state ingest.AreaIngestState) {
	t.mu.Lock()
	at := t.area(state.Area)
	at.state = state
	at.frozen = state.LastEvent.EndsCycle()
	snapshot := t.ingestStateLocked()
	t.mu.Unlock()

	t.publishIngest(snapshot)
}

// IngestState returns the aggregate ingest state, areas in the order they
// were first seen.
func (t *Tracker) IngestState() ingest.StorageIngestState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregateLocked()
}

// RestoreState returns the state of the most recent snapshot restore.
func (t *Tracker) RestoreState() ingest.SnapshotRestoreState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restoreStateLocked()
}

// WhenInitialized blocks until every tracked area has completed its initial
// load and is idle, or ctx is done.
func (t *Tracker) WhenInitialized(ctx context.Context) error {
	for {
		t.mu.Lock()
		ready := t.aggregateLocked().Initialized()
		changed := t.changed
		t.mu.Unlock()

		if ready {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// area returns the tracker of name, creating it when absent. Callers hold t.mu.
func (t *Tracker) area(name string) *areaTracker {
	at, ok := t.areas[name]
	if !ok {
		now := t.now()
		at = &areaTracker{
			state:      ingest.AreaIngestState{Area: name, StartTime: now, LastEvent: ingest.Starting},
			cycleStart: now,
		}
		t.areas[name] = at
		t.order = append(t.order, name)
		logging.Debug("Tracking area %s", name)
	}
	return at
}

// file returns the restore entry of name, registering it as pending when
// absent. Callers hold t.mu.
func (t *Tracker) file(name string) *ingest.SnapshotFileRestoreState {
	i, ok := t.files[name]
	if !ok {
		i = len(t.restore.Files)
		t.files[name] = i
		t.restore.Files = append(t.restore.Files, ingest.SnapshotFileRestoreState{Name: name, State: ingest.RestorePending})
	}
	return &t.restore.Files[i]
}

// ingestStateLocked wakes WhenInitialized waiters and returns the recomputed
// aggregate. Callers hold t.mu.
func (t *Tracker) ingestStateLocked() ingest.StorageIngestState {
	close(t.changed)
	t.changed = make(chan struct{})
	return t.aggregateLocked()
}

func (t *Tracker) aggregateLocked() ingest.StorageIngestState {
	areas := make([]ingest.AreaIngestState, 0, len(t.order))
	now := t.now()
	for _, name := range t.order {
		at := t.areas[name]
		s := at.state
		if !at.frozen && s.LastEvent != ingest.Starting {
			s.Duration = now.Sub(at.cycleStart)
		}
		areas = append(areas, s)
	}
	return ingest.StorageIngestState{Areas: areas}
}

func (t *Tracker) restoreStateLocked() ingest.SnapshotRestoreState {
	s := t.restore
	s.Files = append([]ingest.SnapshotFileRestoreState(nil), t.restore.Files...)
	return s
}

func (t *Tracker) publishIngest(state ingest.StorageIngestState) {
	t.info.Publish(diagnostics.IngestStateEvent{
		Base:  diagnostics.NewBase(diagnostics.LevelDebug, t.info.Name(), "ingest state changed"),
		State: state,
	})
}

func (t *Tracker) publishRestore(state ingest.SnapshotRestoreState) {
	t.info.Publish(diagnostics.RestoreStateEvent{
		Base:  diagnostics.NewBase(diagnostics.LevelDebug, t.info.Name(), "restore state changed"),
		State: state,
	})
}
