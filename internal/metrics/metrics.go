package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_manager_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_manager_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics (change log and index stores)
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_manager_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_manager_db_transaction_duration_seconds",
			Help:    "Duration of index transactions from begin to commit or rollback",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"type"}, // "commit", "rollback"
	)

	DBSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "index_manager_db_size_bytes",
			Help: "Size of SQLite database files in bytes",
		},
		[]string{"store", "file"}, // store: "index"; file: "main", "wal", "shm"
	)
)

// Scheduler metrics
var (
	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_scheduler_runs_total",
			Help: "Total number of scheduled task executions",
		},
		[]string{"task", "status"},
	)

	SchedulerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_manager_scheduler_run_duration_seconds",
			Help:    "Duration of scheduled task executions in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"task"},
	)
)

// Area observer metrics
var (
	ObserverPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_observer_polls_total",
			Help: "Total number of change log polls by area and mode",
		},
		[]string{"area", "mode"}, // mode: "initialize", "update"
	)

	ObserverPollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_manager_observer_poll_duration_seconds",
			Help:    "Duration of a change log poll including publishing in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"area"},
	)

	ObserverChangesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_observer_changes_published_total",
			Help: "Total number of changes published by area and type",
		},
		[]string{"area", "type"},
	)

	ObserverFaultyRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_observer_faulty_rows_total",
			Help: "Total number of faulty change log rows skipped",
		},
		[]string{"area"},
	)

	ObserverGeneration = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "index_manager_observer_generation",
			Help: "Generation cursor of each area observer",
		},
		[]string{"area", "kind"}, // kind: "current", "latest"
	)
)

// Index writer metrics
var (
	WriterOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_writer_operations_total",
			Help: "Total number of index mutations by operation",
		},
		[]string{"operation"}, // "create", "write", "delete"
	)

	WriterCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_writer_commits_total",
			Help: "Total number of index commits by trigger",
		},
		[]string{"reason"}, // "batch", "interval", "explicit"
	)

	WriterCommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "index_manager_writer_commit_duration_seconds",
			Help:    "Index commit duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	WriterPendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_manager_writer_pending_writes",
			Help: "Number of mutations since the last commit",
		},
	)

	IngestFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_ingest_failures_total",
			Help: "Total number of changes that failed to apply to the index",
		},
		[]string{"area"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_dead_letters_total",
			Help: "Total number of failed changes recorded in the dead letter store",
		},
		[]string{"area"},
	)
)

// Snapshot metrics
var (
	SnapshotsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_snapshots_created_total",
			Help: "Total number of snapshot attempts by status",
		},
		[]string{"status"},
	)

	SnapshotCreateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "index_manager_snapshot_create_duration_seconds",
			Help:    "Snapshot creation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	SnapshotRestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_snapshot_restores_total",
			Help: "Total number of snapshot restore attempts by status",
		},
		[]string{"status"}, // "restored", "none", "error"
	)

	SnapshotsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_snapshots_deleted_total",
			Help: "Total number of snapshot archives deleted by reason",
		},
		[]string{"reason"}, // "retention", "corrupt"
	)

	SnapshotDeleteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "index_manager_snapshot_delete_errors_total",
			Help: "Total number of snapshot archives that could not be deleted",
		},
	)

	SnapshotLastSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_manager_snapshot_last_size_bytes",
			Help: "Size of the most recently created snapshot archive in bytes",
		},
	)

	SnapshotLastTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_manager_snapshot_last_timestamp",
			Help: "Unix timestamp of the most recently created snapshot",
		},
	)
)

// Ingest progress metrics, mirrored from the progress tracker by the Collector
var (
	IngestedDocuments = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "index_manager_area_ingested_documents",
			Help: "Number of changes ingested this run by area",
		},
		[]string{"area"},
	)

	AreaIngestDuration = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "index_manager_area_ingest_duration_seconds",
			Help: "Duration of the current or last ingest cycle by area",
		},
		[]string{"area"},
	)

	IngestInitialized = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_manager_ingest_initialized",
			Help: "Whether every area has completed its initial load (1 = yes)",
		},
	)
)

// Filesystem retry metrics (snapshot archives may live on NFS)
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_filesystem_retry_attempts_total",
			Help: "Total number of filesystem operation retries after stale file handle errors",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_filesystem_retry_success_total",
			Help: "Total number of filesystem operations that succeeded after retrying",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_filesystem_retry_failures_total",
			Help: "Total number of filesystem operations that failed after all retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_manager_filesystem_retry_duration_seconds",
			Help:    "Total time spent in a retried filesystem operation including backoff",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_manager_filesystem_stale_errors_total",
			Help: "Total number of stale file handle errors observed",
		},
		[]string{"operation", "volume"},
	)
)

// Memory backpressure metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_manager_memory_usage_ratio",
			Help: "Heap usage as a ratio of the memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_manager_memory_paused",
			Help: "Whether ingestion is paused due to memory pressure (1 = paused)",
		},
	)

	MemoryGCPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "index_manager_memory_gc_pauses_total",
			Help: "Total number of times ingestion was paused for memory pressure",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "index_manager_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}

// RecordQuery records a database query outcome.
func RecordQuery(operation string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DBQueryTotal.WithLabelValues(operation, status).Inc()
	DBQueryDuration.WithLabelValues(operation).Observe(seconds)
}
