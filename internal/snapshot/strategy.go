// Package snapshot stores point-in-time copies of the index as zip archives,
// each paired with the per-area generations it was taken at.
//
// An archive holds one entry per index file plus metadata.json. Archives are
// named <yyyy-MM-ddTHHmmss.ffffff>.<generation:08d>.zip in UTC so listing
// the directory sorted by name yields them oldest first.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"index-manager/internal/diagnostics"
	"index-manager/internal/filesystem"
	"index-manager/internal/ingest"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
)

const (
	// MetadataEntry is the archive entry holding Metadata.
	MetadataEntry = "metadata.json"

	// DefaultMaxSnapshots is the number of archives kept by default.
	DefaultMaxSnapshots = 2

	extension  = ".zip"
	timeLayout = "2006-01-02T150405.000000"
)

var (
	// ErrNoSnapshot is returned when no archive could be restored.
	ErrNoSnapshot = errors.New("no snapshot")
	// ErrCorrupt is returned by Verify for an unusable archive.
	ErrCorrupt = errors.New("corrupt snapshot")
)

// Metadata is the content of metadata.json.
type Metadata struct {
	SegmentsFile       string                    `json:"segmentsFile"`
	SegmentsGenFile    string                    `json:"segmentsGenFile,omitempty"`
	Files              []string                  `json:"files"`
	StorageGenerations ingest.StorageIngestState `json:"storageGenerations"`
	// Checksums maps file names to hex encoded BLAKE2b-256 sums.
	Checksums  map[string]string `json:"checksums,omitempty"`
	Generation int64             `json:"generation"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Strategy manages the archives in one directory.
type Strategy struct {
	dir          string
	maxSnapshots int
	retry        filesystem.RetryConfig
	info         *diagnostics.InfoStream
	now          func() time.Time
}

// NewStrategy creates a strategy storing archives in dir, keeping at most
// maxSnapshots of them. maxSnapshots below 1 means DefaultMaxSnapshots.
func NewStrategy(dir string, maxSnapshots int) *Strategy {
	if maxSnapshots < 1 {
		maxSnapshots = DefaultMaxSnapshots
	}
	return &Strategy{
		dir:          dir,
		maxSnapshots: maxSnapshots,
		retry:        filesystem.DefaultRetryConfig(),
		info:         diagnostics.NewInfoStream("snapshots"),
		now:          time.Now,
	}
}

// Dir returns the archive directory.
func (s *Strategy) Dir() string {
	return s.dir
}

// MaxSnapshots returns the retention limit.
func (s *Strategy) MaxSnapshots() int {
	return s.maxSnapshots
}

// Info carries the snapshot and file events of restores.
func (s *Strategy) Info() *diagnostics.InfoStream {
	return s.info
}

// CreateTarget returns a target that writes a new archive paired with state.
func (s *Strategy) CreateTarget(state ingest.StorageIngestState) *Target {
	return &Target{strategy: s, state: state}
}

// LoadSnapshots lists the archive paths, newest first.
func (s *Strategy) LoadSnapshots() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots in %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(s.dir, name)
	}
	return paths, nil
}

// CreateSource opens the archive at offset in newest-first order. It returns
// nil when there is no archive at offset. An archive that cannot be read is
// still returned, so it can be deleted, but fails Verify.
func (s *Strategy) CreateSource(offset int) (*Source, error) {
	paths, err := s.LoadSnapshots()
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= len(paths) {
		return nil, nil
	}
	return openSource(paths[offset], s.retry, s.info), nil
}

// CleanOldSnapshots deletes every archive beyond the newest MaxSnapshots,
// oldest first, and returns how many were removed. Failures are logged and
// the remaining archives are still attempted.
func (s *Strategy) CleanOldSnapshots() int {
	paths, err := s.LoadSnapshots()
	if err != nil {
		logging.Warn("Failed to list snapshots for cleanup: %v", err)
		return 0
	}
	if len(paths) <= s.maxSnapshots {
		return 0
	}

	deleted := 0
	for i := len(paths) - 1; i >= s.maxSnapshots; i-- {
		if err := filesystem.RemoveWithRetry(paths[i], s.retry); err != nil {
			metrics.SnapshotDeleteErrors.Inc()
			s.info.Error(err, "Failed to delete old snapshot %s", filepath.Base(paths[i]))
			continue
		}
		metrics.SnapshotsDeletedTotal.WithLabelValues("retention").Inc()
		logging.Debug("Deleted old snapshot %s", paths[i])
		deleted++
	}
	return deleted
}

// archiveName returns an unused name for an archive taken now. A name already
// on disk moves the timestamp forward a microsecond, so an archive is never
// replaced and still sorts after the one it collided with.
func (s *Strategy) archiveName(generation int64) string {
	at := s.now().UTC()
	for {
		name := fmt.Sprintf("%s.%08d%s", at.Format(timeLayout), generation, extension)
		if _, err := os.Stat(filepath.Join(s.dir, name)); errors.Is(err, os.ErrNotExist) {
			return name
		}
		at = at.Add(time.Microsecond)
	}
}
