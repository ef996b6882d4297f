// Package handlers provides the HTTP status and query surface of the index
// manager.
//
// It includes handlers for:
//   - Health, liveness and readiness probes
//   - Ingest and snapshot restore progress
//   - Snapshot listing and on-demand snapshots
//   - Full-text search over committed documents
//   - Dead letters and index writer statistics
//   - Version information and Prometheus metrics
package handlers
