// Package main provides the entry point for the index manager service.
//
// The index manager keeps a full-text document index in sync with a change
// log. Area observers poll the log, changes are applied in batches by the
// index writer, and the committed index is periodically archived as a
// snapshot so a restart resumes from the last checkpoint instead of
// re-reading every area.
//
// # Application Lifecycle
//
//  1. Configuration Loading: Reads INDEX_MANAGER_* settings and validates directories
//  2. Store Initialization: Opens the SQLite change log and the FTS5 index
//  3. Index Manager: Restores the newest usable snapshot (warm start) or
//     resets the index (cold start), then polls every configured area
//  4. HTTP Server Setup: Status, search and snapshot routes plus /metrics
//  5. Graceful Shutdown: Handles SIGINT/SIGTERM, flushes the index writer and
//     closes the stores
//
// # Background Services
//
//   - Area observers: poll the change log on the configured interval
//   - Index writer: commits pending writes on the commit interval
//   - Snapshots: taken once the initial load completes, then on schedule
//   - Metrics Collector: mirrors ingest progress and index size into gauges
package main
