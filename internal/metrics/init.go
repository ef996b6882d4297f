package metrics

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup with the configured area names.
func InitializeMetrics(areas []string) {
	for _, area := range areas {
		for _, mode := range []string{"initialize", "update"} {
			ObserverPollsTotal.WithLabelValues(area, mode)
		}
		for _, typ := range []string{"Create", "Update", "Delete"} {
			ObserverChangesPublished.WithLabelValues(area, typ)
		}
		ObserverFaultyRows.WithLabelValues(area)
		ObserverGeneration.WithLabelValues(area, "current")
		ObserverGeneration.WithLabelValues(area, "latest")
		IngestFailuresTotal.WithLabelValues(area)
		DeadLettersTotal.WithLabelValues(area)
		IngestedDocuments.WithLabelValues(area)
		AreaIngestDuration.WithLabelValues(area)
	}

	for _, op := range []string{"create", "write", "delete"} {
		WriterOperationsTotal.WithLabelValues(op)
	}
	for _, reason := range []string{"batch", "interval", "explicit"} {
		WriterCommitsTotal.WithLabelValues(reason)
	}

	for _, status := range []string{"success", "error"} {
		SnapshotsCreatedTotal.WithLabelValues(status)
	}
	for _, status := range []string{"restored", "none", "error"} {
		SnapshotRestoresTotal.WithLabelValues(status)
	}
	for _, reason := range []string{"retention", "corrupt"} {
		SnapshotsDeletedTotal.WithLabelValues(reason)
	}

	for _, op := range []string{"stat", "open", "remove"} {
		for _, volume := range []string{"index", "snapshots", "changelog"} {
			FilesystemRetryAttempts.WithLabelValues(op, volume)
			FilesystemRetrySuccess.WithLabelValues(op, volume)
			FilesystemRetryFailures.WithLabelValues(op, volume)
			FilesystemStaleErrors.WithLabelValues(op, volume)
		}
	}

	for _, op := range []string{"latest_generation", "read_log", "append", "commit", "checkpoint", "dead_letter", "search"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}
	for _, t := range []string{"commit", "rollback"} {
		DBTransactionDuration.WithLabelValues(t)
	}
	for _, file := range []string{"main", "wal", "shm"} {
		DBSizeBytes.WithLabelValues("index", file)
	}
}
