package handlers

import (
	"net/http"
	"runtime"
	"time"

	"index-manager/internal/ingest"
	"index-manager/internal/manager"
	"index-manager/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusStarting = "starting"
	statusDegraded = "degraded"
	statusStopped  = "stopped"
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Ready     bool   `json:"ready"`
	State     string `json:"state"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	LastError string `json:"lastError,omitempty"`

	// Progress info
	Areas         int                   `json:"areas"`
	IngestedCount int64                 `json:"ingestedCount"`
	Generation    ingest.GenerationInfo `json:"generation"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	state := h.manager.Tracker().IngestState()
	ready := state.Initialized()

	response := HealthResponse{
		Ready:         ready,
		State:         h.manager.State().String(),
		Version:       startup.Version,
		Uptime:        time.Since(h.startTime).Round(time.Second).String(),
		LastError:     h.manager.LastError(),
		Areas:         len(h.manager.Areas()),
		IngestedCount: state.IngestedCount(),
		Generation:    state.Generation(),
		GoVersion:     runtime.Version(),
		NumCPU:        runtime.NumCPU(),
		NumGoroutine:  runtime.NumGoroutine(),
	}

	switch {
	case h.manager.State() == manager.Stopped:
		response.Status = statusStopped
	case !ready:
		response.Status = statusStarting
	case response.LastError != "":
		response.Status = statusDegraded
	default:
		response.Status = statusHealthy
	}

	// Return 503 only if not ready at all
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck returns 200 only once every area has completed its initial
// load.
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	if h.manager.Tracker().IngestState().Initialized() {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}
