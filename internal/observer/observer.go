// Package observer polls the change log of each area and turns its rows into
// normalized changes.
//
// An area starts cold: its first poll materializes the current state of the
// area and publishes every live document as a Create. Every later poll reads
// the rows after the cursor and publishes them with their own type. Faulty
// rows are never published but still move the cursor.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"index-manager/internal/changelog"
	"index-manager/internal/diagnostics"
	"index-manager/internal/ingest"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
	"index-manager/internal/scheduler"
	"index-manager/internal/stream"
)

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = "10s"

// ErrRunning is returned when the cursor is seeded after polling has started.
var ErrRunning = errors.New("observer already running")

// Throttle delays publishing while downstream consumers cannot keep up.
type Throttle interface {
	Wait(ctx context.Context) error
}

// AreaObserver keeps one area in step with its change log.
type AreaObserver struct {
	area         *changelog.AreaLog
	scheduler    *scheduler.Scheduler
	pollInterval string
	throttle     Throttle

	info    *diagnostics.InfoStream
	changes *stream.Broadcast[ingest.Change]
	log     logging.Logger

	// poll serializes update checks; mu guards the fields below it.
	poll        sync.Mutex
	mu          sync.Mutex
	generation  int64
	initialized bool
	started     bool
	stopped     bool
	announced   bool
	task        *scheduler.Task
}

// NewAreaObserver creates an observer for area. An empty pollInterval means
// DefaultPollInterval.
func NewAreaObserver(area *changelog.AreaLog, s *scheduler.Scheduler, pollInterval string) *AreaObserver {
	if pollInterval == "" {
		pollInterval = DefaultPollInterval
	}
	name := "observer:" + area.Name()
	return &AreaObserver{
		area:         area,
		scheduler:    s,
		pollInterval: pollInterval,
		info:         diagnostics.NewInfoStream(name),
		changes:      stream.New[ingest.Change](),
		log:          logging.With(name),
	}
}

// SetThrottle makes every publish wait on t. Call before Run.
func (o *AreaObserver) SetThrottle(t Throttle) {
	o.throttle = t
}

// Area returns the name of the observed area.
func (o *AreaObserver) Area() string {
	return o.area.Name()
}

// Changes is the stream of normalized changes.
func (o *AreaObserver) Changes() *stream.Broadcast[ingest.Change] {
	return o.changes
}

// Info is the stream lifecycle events and diagnostics are written to.
func (o *AreaObserver) Info() *diagnostics.InfoStream {
	return o.info
}

// Generation returns the cursor and whether the area has been loaded.
func (o *AreaObserver) Generation() (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation, o.initialized
}

// UpdateGeneration seeds the cursor from a restored snapshot and marks the
// area as loaded. It must be called before Run.
func (o *AreaObserver) UpdateGeneration(generation int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("update generation of %s: %w", o.Area(), ErrRunning)
	}
	o.generation = generation
	o.initialized = true
	metrics.ObserverGeneration.WithLabelValues(o.Area(), "current").Set(float64(generation))
	return nil
}

// Run schedules the poll and blocks until the observer is stopped or ctx is
// canceled. Either way the area ends in the Stopped state.
func (o *AreaObserver) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("run %s: %w", o.Area(), ErrRunning)
	}
	o.started = true
	o.mu.Unlock()

	o.info.Lifecycle(o.Area(), ingest.Starting, "Starting observer for %s", o.Area())

	task, err := o.scheduler.Schedule(ctx, "observer:"+o.Area(), func(ctx context.Context, _ bool) error {
		return o.RunUpdateCheck(ctx)
	}, o.pollInterval)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.task = task
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		task.Stop()
	}

	task.Wait()
	o.announceStopped()
	return ctx.Err()
}

// Stop suppresses the next poll. A poll in progress finishes.
func (o *AreaObserver) Stop() {
	o.mu.Lock()
	task := o.task
	o.stopped = true
	o.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	o.announceStopped()
}

// announceStopped emits Stopped once.
func (o *AreaObserver) announceStopped() {
	o.mu.Lock()
	announced := o.announced
	o.announced = true
	o.mu.Unlock()

	if !announced {
		o.info.Lifecycle(o.Area(), ingest.Stopped, "Stopped observer for %s", o.Area())
	}
}

// RunUpdateCheck performs one poll. Errors reading the change log are
// returned as is; the scheduler decides when to try again.
func (o *AreaObserver) RunUpdateCheck(ctx context.Context) error {
	o.poll.Lock()
	defer o.poll.Unlock()

	start := time.Now()
	area := o.Area()
	defer func() {
		metrics.ObserverPollDuration.WithLabelValues(area).Observe(time.Since(start).Seconds())
	}()

	latest, err := o.area.LatestGeneration(ctx)
	if err != nil {
		return err
	}
	metrics.ObserverGeneration.WithLabelValues(area, "latest").Set(float64(latest))

	since, initialized := o.Generation()
	mode, begin, end := "update", ingest.Updating, ingest.Updated
	if !initialized {
		mode, begin, end = "initialize", ingest.Initializing, ingest.Initialized
	}
	metrics.ObserverPollsTotal.WithLabelValues(area, mode).Inc()
	o.info.Lifecycle(area, begin, "%s %s from generation %d of %d", begin, area, since, latest)

	published, err := o.consume(ctx, since, latest, initialized)
	if err != nil {
		return err
	}
	if !initialized {
		// Superseded, deleted and faulty rows up to latest were all seen.
		o.advance(latest)
	}

	o.mu.Lock()
	o.initialized = true
	generation := o.generation
	o.mu.Unlock()

	o.info.Lifecycle(area, end, "%s %s at generation %d, %d changes", end, area, generation, published)
	return nil
}

func (o *AreaObserver) consume(ctx context.Context, since, latest int64, incremental bool) (published int, err error) {
	area := o.Area()
	reader, err := o.area.OpenReader(ctx, since, incremental)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for reader.Next() {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if o.throttle != nil {
			if err := o.throttle.Wait(ctx); err != nil {
				return published, err
			}
		}

		row := reader.Row()
		o.advance(row.Generation)

		if row.Faulty() {
			metrics.ObserverFaultyRows.WithLabelValues(area).Inc()
			o.log.Debug("Skipping faulty row at generation %d", row.Generation)
			continue
		}
		doc, err := row.Document()
		if err != nil {
			metrics.ObserverFaultyRows.WithLabelValues(area).Inc()
			o.info.Warn("Skipping undecodable row at generation %d: %v", row.Generation, err)
			continue
		}

		typ := row.Type
		if !incremental {
			typ = ingest.ChangeCreate
		}
		o.changes.Publish(ingest.Change{
			Area:       area,
			Generation: ingest.GenerationInfo{Current: row.Generation, Latest: max(latest, row.Generation)},
			Type:       typ,
			Document:   doc,
		})
		metrics.ObserverChangesPublished.WithLabelValues(area, typ.String()).Inc()
		published++
	}
	return published, reader.Err()
}

func (o *AreaObserver) advance(generation int64) {
	o.mu.Lock()
	if generation > o.generation {
		o.generation = generation
	}
	o.mu.Unlock()
	metrics.ObserverGeneration.WithLabelValues(o.Area(), "current").Set(float64(generation))
}
