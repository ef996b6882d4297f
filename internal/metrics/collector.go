package metrics

import (
	"os"
	"sync"
	"time"

	"index-manager/internal/ingest"
	"index-manager/internal/logging"
)

// StateProvider exposes the aggregated ingest state. The progress tracker
// implements it.
type StateProvider interface {
	IngestState() ingest.StorageIngestState
}

// Collector periodically mirrors ingest progress and index file sizes into
// gauges.
type Collector struct {
	stateProvider StateProvider
	dbPath        string
	interval      time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewCollector creates a new metrics collector. dbPath is the index database
// whose main, WAL and SHM file sizes are reported; it may be empty.
func NewCollector(provider StateProvider, dbPath string, interval time.Duration) *Collector {
	return &Collector{
		stateProvider: provider,
		dbPath:        dbPath,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *Collector) collectLoop() {
	// Collect immediately on start
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectDBSize()

	if c.stateProvider == nil {
		return
	}

	state := c.stateProvider.IngestState()
	for _, area := range state.Areas {
		IngestedDocuments.WithLabelValues(area.Area).Set(float64(area.IngestedCount))
		AreaIngestDuration.WithLabelValues(area.Area).Set(area.Duration.Seconds())
	}
	if state.Initialized() {
		IngestInitialized.Set(1)
	} else {
		IngestInitialized.Set(0)
	}

	logging.Debug("Metrics collected: areas=%d, ingested=%d, generation=%d, initialized=%v",
		len(state.Areas), state.IngestedCount(), state.Generation(), state.Initialized())
}

func (c *Collector) collectDBSize() {
	if c.dbPath == "" {
		return
	}
	for file, suffix := range map[string]string{"main": "", "wal": "-wal", "shm": "-shm"} {
		info, err := os.Stat(c.dbPath + suffix)
		if err != nil {
			DBSizeBytes.WithLabelValues("index", file).Set(0)
			continue
		}
		DBSizeBytes.WithLabelValues("index", file).Set(float64(info.Size()))
	}
}
