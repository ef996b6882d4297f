// Package ingest holds the data model shared by every stage of the
// ingestion pipeline: generation cursors, normalized changes, area lifecycle
// events and the per-area / aggregate ingest state that snapshots persist.
package ingest
