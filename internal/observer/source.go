package observer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"index-manager/internal/changelog"
	"index-manager/internal/diagnostics"
	"index-manager/internal/ingest"
	"index-manager/internal/scheduler"
	"index-manager/internal/stream"
)

// ErrUnknownArea is reported when a generation is routed to an area that has
// no observer.
var ErrUnknownArea = errors.New("unknown area")

// DocumentSource fans in the observers of every area.
type DocumentSource struct {
	observers map[string]*AreaObserver
	names     []string

	changes *stream.Broadcast[ingest.Change]
	info    *diagnostics.InfoStream
}

// NewDocumentSource creates one observer per area, all polling on the same
// interval.
func NewDocumentSource(log *changelog.Log, s *scheduler.Scheduler, areas []string, pollInterval string) *DocumentSource {
	observers := make([]*AreaObserver, 0, len(areas))
	for _, area := range areas {
		observers = append(observers, NewAreaObserver(log.Area(area), s, pollInterval))
	}
	return NewDocumentSourceFrom(observers...)
}

// NewDocumentSourceFrom fans in already constructed observers.
func NewDocumentSourceFrom(observers ...*AreaObserver) *DocumentSource {
	ds := &DocumentSource{
		observers: make(map[string]*AreaObserver, len(observers)),
		changes:   stream.New[ingest.Change](),
		info:      diagnostics.NewInfoStream("document-source"),
	}
	for _, o := range observers {
		ds.observers[o.Area()] = o
		ds.names = append(ds.names, o.Area())
		stream.Forward(o.Changes(), ds.changes)
		o.Info().Forward(ds.info)
	}
	sort.Strings(ds.names)
	return ds
}

// SetThrottle sets the throttle of every observer.
func (ds *DocumentSource) SetThrottle(t Throttle) {
	for _, o := range ds.observers {
		o.SetThrottle(t)
	}
}

// Areas returns the observed area names, sorted.
func (ds *DocumentSource) Areas() []string {
	return append([]string(nil), ds.names...)
}

// Observer returns the observer of area.
func (ds *DocumentSource) Observer(area string) (*AreaObserver, bool) {
	o, ok := ds.observers[area]
	return o, ok
}

// Changes carries the changes of every area. Within an area changes arrive in
// generation order; across areas they interleave.
func (ds *DocumentSource) Changes() *stream.Broadcast[ingest.Change] {
	return ds.changes
}

// Info carries the lifecycle events and diagnostics of every observer.
func (ds *DocumentSource) Info() *diagnostics.InfoStream {
	return ds.info
}

// UpdateGeneration seeds the cursor of area. An unknown area is reported as a
// warning and otherwise ignored, so a snapshot taken with an area that has
// since been removed from the configuration still restores.
func (ds *DocumentSource) UpdateGeneration(area string, generation int64) error {
	o, ok := ds.observers[area]
	if !ok {
		ds.info.Warn("Ignoring generation %d for %s: %v", generation, area, ErrUnknownArea)
		return nil
	}
	return o.UpdateGeneration(generation)
}

// Run starts every observer and returns once all of them have returned. The
// errors of all observers that failed are joined.
func (ds *DocumentSource) Run(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(ds.names))
	for i, name := range ds.names {
		o := ds.observers[name]
		g.Go(func() error {
			if err := o.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("observer %s: %w", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Stop stops every observer.
func (ds *DocumentSource) Stop() {
	for _, name := range ds.names {
		ds.observers[name].Stop()
	}
}
