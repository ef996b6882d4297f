package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationInfoAdd(t *testing.T) {
	a := GenerationInfo{Current: 3, Latest: 10}
	b := GenerationInfo{Current: 4, Latest: 20}
	assert.Equal(t, GenerationInfo{Current: 7, Latest: 30}, a.Add(b))
}

func TestStorageIngestStateAggregates(t *testing.T) {
	early := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	state := StorageIngestState{Areas: []AreaIngestState{
		{Area: "orders", StartTime: late, Duration: 2 * time.Second, IngestedCount: 5, Generation: GenerationInfo{Current: 10, Latest: 12}},
		{Area: "users", StartTime: early, Duration: 5 * time.Second, IngestedCount: 7, Generation: GenerationInfo{Current: 3, Latest: 4}},
	}}

	assert.Equal(t, int64(12), state.IngestedCount())
	assert.Equal(t, GenerationInfo{Current: 13, Latest: 16}, state.Generation())
	assert.Equal(t, early, state.StartTime())
	assert.Equal(t, 5*time.Second, state.Duration())
}

func TestInitialized(t *testing.T) {
	tests := []struct {
		name   string
		events []Lifecycle
		want   bool
	}{
		{name: "no areas", events: nil, want: false},
		{name: "all initialized", events: []Lifecycle{Initialized, Initialized}, want: true},
		{name: "initialized and updated", events: []Lifecycle{Initialized, Updated}, want: true},
		{name: "one starting", events: []Lifecycle{Initialized, Starting}, want: false},
		{name: "one initializing", events: []Lifecycle{Initializing, Updated}, want: false},
		{name: "one updating", events: []Lifecycle{Updated, Updating}, want: false},
		{name: "one stopped", events: []Lifecycle{Updated, Stopped}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var state StorageIngestState
			for i, ev := range tt.events {
				state.Areas = append(state.Areas, AreaIngestState{Area: string(rune('a' + i)), LastEvent: ev})
			}
			assert.Equal(t, tt.want, state.Initialized())
		})
	}
}

func TestStorageIngestStateJSON(t *testing.T) {
	state := StorageIngestState{Areas: []AreaIngestState{
		{Area: "orders", IngestedCount: 2, Generation: GenerationInfo{Current: 50, Latest: 60}, LastEvent: Updated},
	}}

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.EqualValues(t, 2, generic["ingestedCount"])
	areas := generic["areas"].([]any)
	require.Len(t, areas, 1)
	assert.Equal(t, "Updated", areas[0].(map[string]any)["lastEvent"])

	var decoded StorageIngestState
	require.NoError(t, json.Unmarshal(raw, &decoded))
	area, ok := decoded.Area("orders")
	require.True(t, ok)
	assert.Equal(t, int64(50), area.Generation.Current)
	assert.Equal(t, Updated, area.LastEvent)
}

func TestParseChangeType(t *testing.T) {
	assert.Equal(t, ChangeCreate, ParseChangeType("create"))
	assert.Equal(t, ChangeUpdate, ParseChangeType("Update"))
	assert.Equal(t, ChangeDelete, ParseChangeType("DELETE"))
	assert.Equal(t, ChangeFaulty, ParseChangeType("bogus"))
}

func TestSnapshotRestoreStateComplete(t *testing.T) {
	state := SnapshotRestoreState{Files: []SnapshotFileRestoreState{
		{Name: "a", State: RestoreComplete},
		{Name: "b", State: RestoreRestoring},
	}}
	assert.False(t, state.Complete())

	state.Files[1].State = RestoreComplete
	assert.True(t, state.Complete())
	assert.False(t, SnapshotRestoreState{}.Complete())
}
