package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenerationInfo pairs an area's cursor with the newest generation known to
// exist when the area was last polled.
type GenerationInfo struct {
	Current int64 `json:"current"`
	Latest  int64 `json:"latest"`
}

// Add sums two GenerationInfo values component-wise.
func (g GenerationInfo) Add(other GenerationInfo) GenerationInfo {
	return GenerationInfo{Current: g.Current + other.Current, Latest: g.Latest + other.Latest}
}

// ChangeType classifies a change-log row.
type ChangeType int

const (
	ChangeCreate ChangeType = iota
	ChangeUpdate
	ChangeDelete
	ChangeFaulty
)

var changeTypeNames = [...]string{"Create", "Update", "Delete", "Faulty"}

func (t ChangeType) String() string {
	if t < 0 || int(t) >= len(changeTypeNames) {
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
	return changeTypeNames[t]
}

// ParseChangeType is the inverse of ChangeType.String. Matching is case
// insensitive; anything unrecognized is Faulty.
func ParseChangeType(s string) ChangeType {
	for i, name := range changeTypeNames {
		if strings.EqualFold(name, s) {
			return ChangeType(i)
		}
	}
	return ChangeFaulty
}

// Document is a materialized JSON document.
type Document map[string]any

// Change is one normalized mutation published by an area observer.
type Change struct {
	Area       string
	Generation GenerationInfo
	Type       ChangeType
	Document   Document
}

// Lifecycle is the per-area observer state machine:
// Starting -> Initializing -> Initialized -> (Updating -> Updated)*, with
// Stopped reachable from anywhere.
type Lifecycle int

const (
	Starting Lifecycle = iota
	Initializing
	Initialized
	Updating
	Updated
	Stopped
)

var lifecycleNames = [...]string{"Starting", "Initializing", "Initialized", "Updating", "Updated", "Stopped"}

func (l Lifecycle) String() string {
	if l < 0 || int(l) >= len(lifecycleNames) {
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
	return lifecycleNames[l]
}

// ParseLifecycle parses the output of Lifecycle.String.
func ParseLifecycle(s string) (Lifecycle, error) {
	for i, name := range lifecycleNames {
		if strings.EqualFold(name, s) {
			return Lifecycle(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle event %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Lifecycle) UnmarshalText(b []byte) error {
	v, err := ParseLifecycle(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// EndsCycle reports whether the event closes an ingest cycle, which freezes
// the area's duration.
func (l Lifecycle) EndsCycle() bool {
	return l == Initialized || l == Updated || l == Stopped
}

// IsIdle reports whether an area in this state has finished its initial load
// and is not mid-cycle.
func (l Lifecycle) IsIdle() bool {
	return l == Initialized || l == Updated
}

// AreaIngestState is the progress of a single area.
type AreaIngestState struct {
	Area          string         `json:"area"`
	StartTime     time.Time      `json:"startTime"`
	Duration      time.Duration  `json:"duration"`
	IngestedCount int64          `json:"ingestedCount"`
	Generation    GenerationInfo `json:"generation"`
	LastEvent     Lifecycle      `json:"lastEvent"`
}

// StorageIngestState aggregates every area. Derived values are computed on
// demand and never stored.
type StorageIngestState struct {
	Areas []AreaIngestState `json:"areas"`
}

// StartTime is the earliest area start time.
func (s StorageIngestState) StartTime() time.Time {
	var start time.Time
	for _, a := range s.Areas {
		if start.IsZero() || a.StartTime.Before(start) {
			start = a.StartTime
		}
	}
	return start
}

// Duration is the longest area duration.
func (s StorageIngestState) Duration() time.Duration {
	var d time.Duration
	for _, a := range s.Areas {
		if a.Duration > d {
			d = a.Duration
		}
	}
	return d
}

// IngestedCount is the sum of all area counts.
func (s StorageIngestState) IngestedCount() int64 {
	var n int64
	for _, a := range s.Areas {
		n += a.IngestedCount
	}
	return n
}

// Generation is the component-wise sum of all area generations.
func (s StorageIngestState) Generation() GenerationInfo {
	var g GenerationInfo
	for _, a := range s.Areas {
		g = g.Add(a.Generation)
	}
	return g
}

// Initialized reports whether every area has completed its initial load and
// is idle. An empty state is not initialized.
func (s StorageIngestState) Initialized() bool {
	if len(s.Areas) == 0 {
		return false
	}
	for _, a := range s.Areas {
		if !a.LastEvent.IsIdle() {
			return false
		}
	}
	return true
}

// Area returns the state of the named area.
func (s StorageIngestState) Area(name string) (AreaIngestState, bool) {
	for _, a := range s.Areas {
		if a.Area == name {
			return a, true
		}
	}
	return AreaIngestState{}, false
}

// MarshalJSON adds the derived aggregate values so progress consumers don't
// have to recompute them.
func (s StorageIngestState) MarshalJSON() ([]byte, error) {
	type plain StorageIngestState
	areas := s.Areas
	if areas == nil {
		areas = []AreaIngestState{}
	}
	return json.Marshal(struct {
		plain
		StartTime     time.Time      `json:"startTime"`
		Duration      time.Duration  `json:"duration"`
		IngestedCount int64          `json:"ingestedCount"`
		Generation    GenerationInfo `json:"generation"`
	}{
		plain:         plain{Areas: areas},
		StartTime:     s.StartTime(),
		Duration:      s.Duration(),
		IngestedCount: s.IngestedCount(),
		Generation:    s.Generation(),
	})
}

// RestoreState is the state of a single file during snapshot restore.
type RestoreState string

const (
	RestorePending   RestoreState = "PENDING"
	RestoreRestoring RestoreState = "RESTORING"
	RestoreComplete  RestoreState = "COMPLETE"
)

// SnapshotFileRestoreState tracks the restore of one snapshot file.
type SnapshotFileRestoreState struct {
	Name      string       `json:"name"`
	State     RestoreState `json:"state"`
	StartTime time.Time    `json:"startTime,omitempty"`
	StopTime  time.Time    `json:"stopTime,omitempty"`
}

// Duration is how long the file took to restore, zero until complete.
func (f SnapshotFileRestoreState) Duration() time.Duration {
	if f.StartTime.IsZero() || f.StopTime.IsZero() {
		return 0
	}
	return f.StopTime.Sub(f.StartTime)
}

// SnapshotRestoreState aggregates the files of the snapshot being restored.
type SnapshotRestoreState struct {
	Snapshot  string                     `json:"snapshot"`
	StartTime time.Time                  `json:"startTime"`
	Files     []SnapshotFileRestoreState `json:"files"`
}

// Complete reports whether every file has been restored.
func (s SnapshotRestoreState) Complete() bool {
	for _, f := range s.Files {
		if f.State != RestoreComplete {
			return false
		}
	}
	return len(s.Files) > 0
}

func (s SnapshotRestoreState) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Restoring %d files from snapshot %s.\n", len(s.Files), s.Snapshot)
	for _, f := range s.Files {
		fmt.Fprintf(&sb, " -> %s : %s\n", f.Name, f.State)
	}
	return sb.String()
}
