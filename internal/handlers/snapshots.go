package handlers

import (
	"net/http"
	"path/filepath"
	"time"

	"index-manager/internal/filesystem"
	"index-manager/internal/logging"
)

// SnapshotInfo describes one snapshot archive.
type SnapshotInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ListSnapshots returns the snapshot archives, newest first.
func (h *Handlers) ListSnapshots(w http.ResponseWriter, _ *http.Request) {
	paths, err := h.manager.Snapshots().LoadSnapshots()
	if err != nil {
		logging.Error("failed to list snapshots: %v", err)
		writeJSONError(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}

	snapshots := make([]SnapshotInfo, 0, len(paths))
	for _, path := range paths {
		info, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())
		if err != nil {
			// Removed by retention between listing and stat.
			logging.Debug("skipping snapshot %s: %v", path, err)
			continue
		}
		snapshots = append(snapshots, SnapshotInfo{
			Name:    filepath.Base(path),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	writeJSONResponse(w, http.StatusOK, snapshots)
}

// CreateSnapshot takes a snapshot now. Snapshots are refused until every
// area has completed its initial load.
func (h *Handlers) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Tracker().IngestState().Initialized() {
		writeJSONError(w, "initial load has not completed", http.StatusConflict)
		return
	}

	if err := h.manager.TakeSnapshot(r.Context()); err != nil {
		logging.Error("on-demand snapshot failed: %v", err)
		writeJSONError(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]string{"status": "created"})
}
