package handlers

import (
	"net/http"
)

// GetProgress returns the aggregate ingest state of every area.
func (h *Handlers) GetProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.manager.Tracker().IngestState())
}

// GetRestore returns the state of the most recent snapshot restore.
func (h *Handlers) GetRestore(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.manager.Tracker().RestoreState())
}

// GetWriterStats returns the batching counters of the index writer.
func (h *Handlers) GetWriterStats(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.manager.Writer().Stats())
}
