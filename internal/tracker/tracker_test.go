package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"index-manager/internal/diagnostics"
	"index-manager/internal/ingest"
	"index-manager/internal/stream"
)

func lifecycle(area string, typ ingest.Lifecycle) diagnostics.LifecycleEvent {
	return diagnostics.LifecycleEvent{
		Base: diagnostics.NewBase(diagnostics.LevelInfo, "test", typ.String()),
		Area: area,
		Type: typ,
	}
}

func change(area string, current, latest int64) ingest.Change {
	return ingest.Change{
		Area:       area,
		Generation: ingest.GenerationInfo{Current: current, Latest: latest},
		Type:       ingest.ChangeCreate,
		Document:   ingest.Document{"$id": "x"},
	}
}

func TestAggregateCountsAndGenerations(t *testing.T) {
	tr := New()
	for i := int64(1); i <= 5; i++ {
		tr.OnChange(change("orders", i, 10))
	}
	for i := int64(1); i <= 7; i++ {
		tr.OnChange(change("customers", i, 20))
	}

	state := tr.IngestState()
	assert.Equal(t, int64(12), state.IngestedCount())
	assert.Equal(t, ingest.GenerationInfo{Current: 12, Latest: 30}, state.Generation())

	orders, ok := state.Area("orders")
	require.True(t, ok)
	assert.Equal(t, int64(5), orders.IngestedCount)
	assert.Equal(t, ingest.GenerationInfo{Current: 5, Latest: 10}, orders.Generation)
}

func TestInitializedGate(t *testing.T) {
	tests := []struct {
		name   string
		events map[string][]ingest.Lifecycle
		want   bool
	}{
		{name: "no areas", events: nil, want: false},
		{name: "all initialized", events: map[string][]ingest.Lifecycle{
			"a": {ingest.Starting, ingest.Initializing, ingest.Initialized},
			"b": {ingest.Starting, ingest.Initializing, ingest.Initialized, ingest.Updating, ingest.Updated},
		}, want: true},
		{name: "one still starting", events: map[string][]ingest.Lifecycle{
			"a": {ingest.Starting, ingest.Initializing, ingest.Initialized},
			"b": {ingest.Starting},
		}, want: false},
		{name: "one initializing", events: map[string][]ingest.Lifecycle{
			"a": {ingest.Starting, ingest.Initializing},
		}, want: false},
		{name: "one updating", events: map[string][]ingest.Lifecycle{
			"a": {ingest.Starting, ingest.Initializing, ingest.Initialized, ingest.Updating},
		}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New()
			for area, events := range tt.events {
				for _, e := range events {
					tr.OnEvent(lifecycle(area, e))
				}
			}
			assert.Equal(t, tt.want, tr.IngestState().Initialized())
		})
	}
}

func TestDurationFreezesAtEndOfCycle(t *testing.T) {
	tr := New()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	tr.OnEvent(lifecycle("orders", ingest.Starting))
	tr.OnEvent(lifecycle("orders", ingest.Initializing))
	clock = clock.Add(3 * time.Second)

	orders, _ := tr.IngestState().Area("orders")
	assert.Equal(t, 3*time.Second, orders.Duration)

	tr.OnEvent(lifecycle("orders", ingest.Initialized))
	clock = clock.Add(time.Minute)

	orders, _ = tr.IngestState().Area("orders")
	assert.Equal(t, 3*time.Second, orders.Duration)
	assert.Equal(t, ingest.Initialized, orders.LastEvent)

	tr.OnEvent(lifecycle("orders", ingest.Updating))
	clock = clock.Add(time.Second)
	tr.OnEvent(lifecycle("orders", ingest.Updated))

	orders, _ = tr.IngestState().Area("orders")
	assert.Equal(t, time.Second, orders.Duration)
}

func TestStartingDoesNotOverrideSeededState(t *testing.T) {
	tr := New()
	tr.UpdateState(ingest.AreaIngestState{
		Area:       "orders",
		Generation: ingest.GenerationInfo{Current: 50, Latest: 50},
		LastEvent:  ingest.Initialized,
	})
	tr.OnEvent(lifecycle("orders", ingest.Starting))

	state := tr.IngestState()
	assert.True(t, state.Initialized())
	orders, _ := state.Area("orders")
	assert.Equal(t, int64(50), orders.Generation.Current)
}

func TestRegisteredAreasGateInitialization(t *testing.T) {
	tr := New()
	tr.Register("a", "b", "a")

	state := tr.IngestState()
	require.Len(t, state.Areas, 2)
	assert.Equal(t, ingest.Starting, state.Areas[0].LastEvent)
	assert.Equal(t, ingest.Starting, state.Areas[1].LastEvent)

	for _, typ := range []ingest.Lifecycle{ingest.Starting, ingest.Initializing, ingest.Initialized} {
		tr.OnEvent(lifecycle("a", typ))
	}
	assert.False(t, tr.IngestState().Initialized(), "b has not started")

	tr.OnEvent(lifecycle("b", ingest.Initialized))
	assert.True(t, tr.IngestState().Initialized())
}

func TestWhenInitialized(t *testing.T) {
	tr := New()
	tr.OnEvent(lifecycle("orders", ingest.Starting))

	done := make(chan error, 1)
	go func() { done <- tr.WhenInitialized(context.Background()) }()

	tr.OnEvent(lifecycle("orders", ingest.Initializing))
	select {
	case <-done:
		t.Fatal("gate opened while initializing")
	case <-time.After(50 * time.Millisecond):
	}

	tr.OnEvent(lifecycle("orders", ingest.Initialized))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not open")
	}
}

func TestWhenInitializedCanceled(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.WhenInitialized(ctx), context.Canceled)
}

func TestRestoreProgress(t *testing.T) {
	tr := New()
	var last ingest.SnapshotRestoreState
	tr.Info().Subscribe(func(e diagnostics.Event) {
		if rs, ok := e.(diagnostics.RestoreStateEvent); ok {
			last = rs.State
		}
	})

	tr.OnEvent(diagnostics.SnapshotEvent{
		Base:     diagnostics.NewBase(diagnostics.LevelInfo, "test", "open"),
		Snapshot: "snap.zip",
		Files:    []string{"index.db", "extra.db"},
		Kind:     diagnostics.FileOpen,
	})
	require.Len(t, last.Files, 2)
	assert.Equal(t, ingest.RestorePending, last.Files[0].State)
	assert.Equal(t, ingest.RestorePending, last.Files[1].State)

	file := func(name string, kind diagnostics.FileEventKind) diagnostics.FileEvent {
		return diagnostics.FileEvent{
			Base:     diagnostics.NewBase(diagnostics.LevelDebug, "test", name),
			Snapshot: "snap.zip",
			File:     name,
			Kind:     kind,
		}
	}
	tr.OnEvent(file("index.db", diagnostics.FileOpen))
	assert.Equal(t, ingest.RestoreRestoring, last.Files[0].State)

	tr.OnEvent(file("index.db", diagnostics.FileClose))
	tr.OnEvent(file("extra.db", diagnostics.FileOpen))
	tr.OnEvent(file("extra.db", diagnostics.FileClose))

	state := tr.RestoreState()
	assert.Equal(t, "snap.zip", state.Snapshot)
	assert.True(t, state.Complete())
}

func TestAttach(t *testing.T) {
	tr := New()
	changes := stream.New[ingest.Change]()
	info := diagnostics.NewInfoStream("observer:orders")
	detach := tr.Attach(changes, info)

	info.Lifecycle("orders", ingest.Starting, "starting")
	changes.Publish(change("orders", 1, 1))
	detach()
	changes.Publish(change("orders", 2, 2))

	orders, ok := tr.IngestState().Area("orders")
	require.True(t, ok)
	assert.Equal(t, int64(1), orders.IngestedCount)
}
