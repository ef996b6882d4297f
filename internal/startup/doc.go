// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// Configuration is read with viper from INDEX_MANAGER_* environment variables
// and, when INDEX_MANAGER_CONFIG names one, a YAML, TOML or JSON config file
// using the same keys in lower case. Environment variables win over the
// file.
//
//   - INDEX_MANAGER_INDEX_DIR: Directory of the index database (default: /data/index)
//   - INDEX_MANAGER_SNAPSHOT_DIR: Directory of snapshot archives (default: /data/snapshots)
//   - INDEX_MANAGER_CHANGELOG_PATH: Path of the change log database (default: /data/changelog.db)
//   - INDEX_MANAGER_AREAS: Comma separated list of areas to ingest (required)
//   - INDEX_MANAGER_IDENTITY_FIELD: Document identity field (default: $id)
//   - INDEX_MANAGER_POLL_INTERVAL: Change log poll interval (default: 10s)
//   - INDEX_MANAGER_SNAPSHOT_SCHEDULE: Interval or cron expression (default: 30m)
//   - INDEX_MANAGER_MAX_SNAPSHOTS: Archives to keep (default: 2)
//   - INDEX_MANAGER_BATCH_SIZE: Writes per commit (default: 10000)
//   - INDEX_MANAGER_COMMIT_INTERVAL: Longest time between commits (default: 1m)
//   - INDEX_MANAGER_PORT: HTTP server port (default: 8080)
//   - INDEX_MANAGER_METRICS_ENABLED: Serve /metrics (default: true)
//   - INDEX_MANAGER_LOG_HEALTH_CHECKS: Log health check requests (default: false)
//   - LOG_LEVEL: Logging level - debug, info, warn, error (default: info)
//
// Intervals accept Go durations ("10s", "30m") and the long forms "10sec",
// "5min" and "1hour". The snapshot schedule also accepts a five field cron
// expression.
//
// # Directory Setup
//
// The index, snapshot and change log directories are created when missing
// and must be writable; [LoadConfig] fails otherwise.
//
// # Build Information
//
// Version information is injected at build time via ldflags:
//
//	go build -tags 'fts5' -ldflags "-X index-manager/internal/startup.Version=1.0.0"
package startup
