// Package memory sizes the Go heap from the container limit and throttles
// ingestion when the heap approaches it.
//
// A cold start publishes every live document of an area in one pass, and the
// index writer holds them in an open transaction until the next commit.
// [Monitor] pauses the area observers while heap usage is above the critical
// watermark and lets them resume once it drops below the high watermark.
//
// # Environment Variables
//
//   - GOMEMLIMIT: Standard Go environment variable. If set, takes precedence.
//   - MEMORY_LIMIT: Container memory limit in bytes, typically from the
//     Kubernetes Downward API (resourceFieldRef limits.memory).
//   - MEMORY_RATIO: Share of MEMORY_LIMIT given to the Go heap, between 0.0
//     and 1.0 (default 0.85). The rest is left for SQLite page cache and
//     memory-mapped files.
package memory
