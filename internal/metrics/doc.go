// Package metrics provides Prometheus instrumentation for the index manager.
//
// All metrics are prefixed with "index_manager_" and registered with the
// default registry through promauto. Mount promhttp.Handler() to expose them.
//
// # Metric Categories
//
// ## HTTP Metrics
//   - HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight
//
// ## Database Metrics
//
// The change log and the index store are both SQLite databases:
//   - DBQueryTotal, DBQueryDuration: per operation, see RecordQuery
//   - DBTransactionDuration: index batch transactions by outcome
//   - DBSizeBytes: index main, WAL and SHM file sizes
//
// ## Ingest Metrics
//   - ObserverPollsTotal, ObserverPollDuration: change log polling by area
//   - ObserverChangesPublished, ObserverFaultyRows: published and skipped rows
//   - ObserverGeneration: current and latest cursor per area
//   - WriterOperationsTotal, WriterCommitsTotal, WriterCommitDuration,
//     WriterPendingWrites: batched index writes
//   - IngestFailuresTotal, DeadLettersTotal: changes that failed to apply
//   - IngestedDocuments, AreaIngestDuration, IngestInitialized: mirrored
//     from the progress tracker by the [Collector]
//
// ## Snapshot Metrics
//   - SnapshotsCreatedTotal, SnapshotCreateDuration, SnapshotLastSizeBytes,
//     SnapshotLastTimestamp
//   - SnapshotRestoresTotal, SnapshotsDeletedTotal, SnapshotDeleteErrors
//
// ## Scheduler Metrics
//   - SchedulerRunsTotal, SchedulerRunDuration
//
// ## Filesystem Metrics
//
// Recorded by the filesystem package through [NewFilesystemObserver]:
//   - FilesystemRetryAttempts, FilesystemRetrySuccess,
//     FilesystemRetryFailures, FilesystemRetryDuration, FilesystemStaleErrors
//
// # Prometheus Queries
//
// Changes published per second by area:
//
//	sum(rate(index_manager_observer_changes_published_total[5m])) by (area)
//
// Ingest lag per area:
//
//	index_manager_observer_generation{kind="latest"} - ignoring(kind) index_manager_observer_generation{kind="current"}
//
// Snapshot failure rate:
//
//	rate(index_manager_snapshots_created_total{status="error"}[1h])
package metrics
