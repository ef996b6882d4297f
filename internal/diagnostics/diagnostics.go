// Package diagnostics is the observable info stream every component reports
// through. Events carry a level and a source; typed events (lifecycle,
// snapshot, file, state) additionally carry the data the progress tracker
// and the HTTP status surface consume.
package diagnostics

import (
	"fmt"
	"time"

	"index-manager/internal/ingest"
	"index-manager/internal/stream"
)

// Level is the severity of an event.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Event is anything written to an InfoStream.
type Event interface {
	Level() Level
	Source() string
	Message() string
	Time() time.Time
}

// Base implements Event and is embedded by the typed events.
type Base struct {
	level   Level
	source  string
	message string
	at      time.Time
}

// NewBase creates an event stamped with the current time.
func NewBase(level Level, source, message string) Base {
	return Base{level: level, source: source, message: message, at: time.Now()}
}

func (b Base) Level() Level    { return b.level }
func (b Base) Source() string  { return b.source }
func (b Base) Message() string { return b.message }
func (b Base) Time() time.Time { return b.at }

func (b Base) String() string {
	return fmt.Sprintf("[%s] %s (%s)", b.level, b.message, b.source)
}

// ErrorEvent carries the error that caused it.
type ErrorEvent struct {
	Base
	Err error
}

func (e ErrorEvent) String() string {
	return fmt.Sprintf("[%s] %s: %v (%s)", e.level, e.message, e.Err, e.source)
}

// LifecycleEvent is emitted by area observers on every state transition.
type LifecycleEvent struct {
	Base
	Area string
	Type ingest.Lifecycle
}

// FileEventKind distinguishes open and close events.
type FileEventKind string

const (
	FileOpen  FileEventKind = "OPEN"
	FileClose FileEventKind = "CLOSE"
)

// SnapshotEvent is emitted when a snapshot archive is opened for restore
// (Files lists everything it declares) and when it is closed.
type SnapshotEvent struct {
	Base
	Snapshot string
	Files    []string
	Kind     FileEventKind
}

// FileEvent is emitted when a single snapshot file starts and finishes restoring.
type FileEvent struct {
	Base
	Snapshot string
	File     string
	Kind     FileEventKind
}

// IngestStateEvent republishes the tracker's aggregate ingest state.
type IngestStateEvent struct {
	Base
	State ingest.StorageIngestState
}

// RestoreStateEvent republishes the tracker's aggregate restore state.
type RestoreStateEvent struct {
	Base
	State ingest.SnapshotRestoreState
}

// InfoStream is a named Broadcast of events with convenience writers.
type InfoStream struct {
	*stream.Broadcast[Event]
	source string
}

// NewInfoStream creates a stream whose convenience writers stamp events
// with source.
func NewInfoStream(source string) *InfoStream {
	return &InfoStream{Broadcast: stream.New[Event](), source: source}
}

// Name returns the source name events are stamped with.
func (s *InfoStream) Name() string {
	return s.source
}

// Forward re-publishes every event of s into dst.
func (s *InfoStream) Forward(dst *InfoStream) (cancel func()) {
	return stream.Forward(s.Broadcast, dst.Broadcast)
}

// Debug writes a debug event.
func (s *InfoStream) Debug(format string, args ...any) {
	s.Publish(NewBase(LevelDebug, s.source, fmt.Sprintf(format, args...)))
}

// Info writes an info event.
func (s *InfoStream) Info(format string, args ...any) {
	s.Publish(NewBase(LevelInfo, s.source, fmt.Sprintf(format, args...)))
}

// Warn writes a warning event.
func (s *InfoStream) Warn(format string, args ...any) {
	s.Publish(NewBase(LevelWarning, s.source, fmt.Sprintf(format, args...)))
}

// Error writes an error event carrying err.
func (s *InfoStream) Error(err error, format string, args ...any) {
	s.Publish(ErrorEvent{Base: NewBase(LevelError, s.source, fmt.Sprintf(format, args...)), Err: err})
}

// Lifecycle writes an area lifecycle event. The events of routine update
// polls are written at debug level.
func (s *InfoStream) Lifecycle(area string, typ ingest.Lifecycle, format string, args ...any) {
	level := LevelInfo
	if typ == ingest.Updating || typ == ingest.Updated {
		level = LevelDebug
	}
	s.Publish(LifecycleEvent{
		Base: NewBase(level, s.source, fmt.Sprintf(format, args...)),
		Area: area,
		Type: typ,
	})
}
