package handlers

import (
	"net/http"
	"slices"

	"index-manager/internal/index"
	"index-manager/internal/logging"
)

// SearchResult is the response of the search endpoint.
type SearchResult struct {
	Query string      `json:"query"`
	Area  string      `json:"area,omitempty"`
	Hits  []index.Hit `json:"hits"`
}

// Search runs a full-text query over committed documents.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	result := SearchResult{
		Query: r.URL.Query().Get("q"),
		Area:  r.URL.Query().Get("area"),
	}
	limit := queryInt(r, "limit", 50, 500)

	if result.Area != "" && !slices.Contains(h.manager.Areas(), result.Area) {
		writeJSONError(w, "unknown area", http.StatusNotFound)
		return
	}

	hits, err := h.index.Search(r.Context(), result.Query, result.Area, limit)
	if err != nil {
		logging.Error("search %q failed: %v", result.Query, err)
		writeJSONError(w, "search failed", http.StatusInternalServerError)
		return
	}
	if hits == nil {
		hits = []index.Hit{}
	}
	result.Hits = hits
	writeJSONResponse(w, http.StatusOK, result)
}

// GetDeadLetters lists the changes that could not be applied.
func (h *Handlers) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.index.DeadLetters(r.Context(), queryInt(r, "limit", 100, 1000))
	if err != nil {
		logging.Error("failed to list dead letters: %v", err)
		writeJSONError(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}
	if letters == nil {
		letters = []index.DeadLetter{}
	}
	writeJSONResponse(w, http.StatusOK, letters)
}
