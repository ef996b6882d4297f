package snapshot

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"index-manager/internal/diagnostics"
	"index-manager/internal/index"
	"index-manager/internal/ingest"
)

func newTestStrategy(t *testing.T, max int) (*Strategy, *time.Time) {
	t.Helper()
	s := NewStrategy(filepath.Join(t.TempDir(), "snapshots"), max)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func writeCommit(t *testing.T, generation int64, files map[string]string) index.Commit {
	t.Helper()
	dir := t.TempDir()
	commit := index.Commit{Generation: generation, SegmentsFile: index.SegmentsFile}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		commit.Files = append(commit.Files, index.File{Name: name, Path: path, Size: int64(len(content))})
	}
	return commit
}

func testState() ingest.StorageIngestState {
	return ingest.StorageIngestState{Areas: []ingest.AreaIngestState{
		{Area: "orders", Generation: ingest.GenerationInfo{Current: 50, Latest: 60}, IngestedCount: 5, LastEvent: ingest.Initialized},
		{Area: "customers", Generation: ingest.GenerationInfo{Current: 7, Latest: 7}, IngestedCount: 7, LastEvent: ingest.Updated},
	}}
}

func TestArchiveName(t *testing.T) {
	s, clock := newTestStrategy(t, 2)
	assert.Equal(t, "2024-03-01T120000.000000.00000042.zip", s.archiveName(42))

	// Local clocks are written as UTC.
	*clock = time.Date(2024, 3, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	assert.Equal(t, "2024-03-01T120000.000000.00000042.zip", s.archiveName(42))
}

func TestSnapshotsInTheSameInstantAreKept(t *testing.T) {
	s, _ := newTestStrategy(t, 5)
	ctx := context.Background()

	first := s.CreateTarget(testState())
	require.NoError(t, first.Write(ctx, writeCommit(t, 3, map[string]string{index.SegmentsFile: "first"})))
	second := s.CreateTarget(testState())
	require.NoError(t, second.Write(ctx, writeCommit(t, 3, map[string]string{index.SegmentsFile: "second"})))

	assert.NotEqual(t, first.Path(), second.Path())
	paths, err := s.LoadSnapshots()
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, second.Path(), paths[0], "the later archive sorts newest")
}

func TestWriteAndRestore(t *testing.T) {
	s, _ := newTestStrategy(t, 2)
	ctx := context.Background()

	target := s.CreateTarget(testState())
	require.NoError(t, target.Write(ctx, writeCommit(t, 3, map[string]string{index.SegmentsFile: "index bytes"})))
	assert.FileExists(t, target.Path())

	src, err := s.CreateSource(0)
	require.NoError(t, err)
	require.NotNil(t, src)
	defer src.Close()

	require.NoError(t, src.Verify())
	meta, err := src.Metadata()
	require.NoError(t, err)
	assert.Equal(t, index.SegmentsFile, meta.SegmentsFile)
	assert.Equal(t, []string{index.SegmentsFile}, meta.Files)
	assert.Equal(t, int64(3), meta.Generation)
	assert.Contains(t, meta.Checksums, index.SegmentsFile)

	orders, ok := meta.StorageGenerations.Area("orders")
	require.True(t, ok)
	assert.Equal(t, int64(50), orders.Generation.Current)
	assert.Equal(t, ingest.Initialized, orders.LastEvent)

	var events []diagnostics.Event
	s.Info().Subscribe(func(e diagnostics.Event) { events = append(events, e) })

	dir := t.TempDir()
	require.NoError(t, src.Extract(ctx, dir))
	data, err := os.ReadFile(filepath.Join(dir, index.SegmentsFile))
	require.NoError(t, err)
	assert.Equal(t, "index bytes", string(data))

	require.NotEmpty(t, events)
	open, ok := events[0].(diagnostics.SnapshotEvent)
	require.True(t, ok)
	assert.Equal(t, diagnostics.FileOpen, open.Kind)
	assert.Equal(t, []string{index.SegmentsFile}, open.Files)
	closed, ok := events[len(events)-1].(diagnostics.SnapshotEvent)
	require.True(t, ok)
	assert.Equal(t, diagnostics.FileClose, closed.Kind)

	var fileEvents int
	for _, e := range events {
		if _, ok := e.(diagnostics.FileEvent); ok {
			fileEvents++
		}
	}
	assert.Equal(t, 2, fileEvents)
}

func TestCreateSourceOutOfRange(t *testing.T) {
	s, _ := newTestStrategy(t, 2)
	src, err := s.CreateSource(0)
	require.NoError(t, err)
	assert.Nil(t, src)
}

// writeArchive builds an archive by hand so tests can produce broken ones.
func writeArchive(t *testing.T, path string, meta map[string]any, entries map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	if meta != nil {
		w, err := zw.Create(MetadataEntry)
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(meta))
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		meta    map[string]any
		entries map[string]string
		valid   bool
	}{
		{
			name:    "complete",
			meta:    map[string]any{"segmentsFile": "index.db", "files": []string{"index.db", "extra"}},
			entries: map[string]string{"index.db": "a", "extra": "b"},
			valid:   true,
		},
		{
			name:    "missing declared file",
			meta:    map[string]any{"segmentsFile": "index.db", "files": []string{"index.db", "extra"}},
			entries: map[string]string{"index.db": "a"},
		},
		{
			name:    "missing segments file",
			meta:    map[string]any{"segmentsFile": "index.db", "files": []string{}},
			entries: map[string]string{"other": "a"},
		},
		{
			name:    "no segments file declared",
			meta:    map[string]any{"files": []string{"index.db"}},
			entries: map[string]string{"index.db": "a"},
		},
		{
			name:    "no file list",
			meta:    map[string]any{"segmentsFile": "index.db"},
			entries: map[string]string{"index.db": "a"},
		},
		{
			name:    "declared segments gen file missing",
			meta:    map[string]any{"segmentsFile": "index.db", "segmentsGenFile": "gen", "files": []string{}},
			entries: map[string]string{"index.db": "a"},
		},
		{
			name:    "path traversal",
			meta:    map[string]any{"segmentsFile": "index.db", "files": []string{"../escape"}},
			entries: map[string]string{"index.db": "a", "../escape": "b"},
		},
		{
			name:    "no metadata",
			entries: map[string]string{"index.db": "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStrategy(t, 2)
			writeArchive(t, filepath.Join(s.Dir(), "2024-01-01T000000.00000001.zip"), tt.meta, tt.entries)

			src, err := s.CreateSource(0)
			require.NoError(t, err)
			defer src.Close()

			err = src.Verify()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrCorrupt)
			}
		})
	}
}

func TestCorruptArchiveCanBeDeleted(t *testing.T) {
	s, _ := newTestStrategy(t, 2)
	require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
	path := filepath.Join(s.Dir(), "2024-01-01T000000.00000001.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	src, err := s.CreateSource(0)
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.ErrorIs(t, src.Verify(), ErrCorrupt)
	assert.Empty(t, src.SegmentsFile())

	require.NoError(t, src.Delete())
	assert.NoFileExists(t, path)
}

func TestChecksumMismatch(t *testing.T) {
	s, _ := newTestStrategy(t, 2)
	writeArchive(t, filepath.Join(s.Dir(), "2024-01-01T000000.00000001.zip"),
		map[string]any{
			"segmentsFile": "index.db",
			"files":        []string{"index.db"},
			"checksums":    map[string]string{"index.db": "00"},
		},
		map[string]string{"index.db": "a"})

	src, err := s.CreateSource(0)
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Verify())
	assert.ErrorIs(t, src.Extract(context.Background(), t.TempDir()), ErrCorrupt)
}

func TestNewestFirstAndRetention(t *testing.T) {
	s, clock := newTestStrategy(t, 2)
	ctx := context.Background()

	var paths []string
	for i := int64(1); i <= 3; i++ {
		target := s.CreateTarget(testState())
		require.NoError(t, target.Write(ctx, writeCommit(t, i, map[string]string{index.SegmentsFile: "gen"})))
		paths = append(paths, target.Path())
		*clock = clock.Add(time.Minute)
	}

	listed, err := s.LoadSnapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{paths[2], paths[1], paths[0]}, listed)

	assert.Equal(t, 1, s.CleanOldSnapshots())
	listed, err = s.LoadSnapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{paths[2], paths[1]}, listed)

	assert.Equal(t, 0, s.CleanOldSnapshots())
}

func TestDefaultMaxSnapshots(t *testing.T) {
	assert.Equal(t, DefaultMaxSnapshots, NewStrategy(t.TempDir(), 0).MaxSnapshots())
}
