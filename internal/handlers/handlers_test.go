package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"index-manager/internal/changelog"
	"index-manager/internal/index"
	"index-manager/internal/ingest"
	"index-manager/internal/manager"
	"index-manager/internal/snapshot"
	"index-manager/internal/startup"
	"index-manager/internal/writer"
)

// =============================================================================
// Test Setup
// =============================================================================

// setupHandlers wires handlers over a manager that is never run, so tests
// control the tracker and the index directly.
func setupHandlers(t *testing.T) *Handlers {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	log, err := changelog.New(ctx, filepath.Join(dir, "changelog.db"))
	if err != nil {
		t.Fatalf("failed to open change log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	if err := os.MkdirAll(filepath.Join(dir, "index"), 0o755); err != nil {
		t.Fatal(err)
	}
	ix, err := index.Open(ctx, filepath.Join(dir, "index", "index.db"))
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })

	m := manager.New(ix, log, snapshot.NewStrategy(filepath.Join(dir, "snapshots"), 2), manager.Config{
		Areas:        []string{"orders"},
		PollInterval: "1h",
		Writer:       writer.Config{BatchSize: 100, CommitInterval: time.Hour},
	})
	return New(m)
}

func initialize(h *Handlers) {
	h.manager.Tracker().UpdateState(ingest.AreaIngestState{
		Area:          "orders",
		StartTime:     time.Now(),
		IngestedCount: 2,
		Generation:    ingest.GenerationInfo{Current: 2, Latest: 2},
		LastEvent:     ingest.Initialized,
	})
}

func get(handler http.HandlerFunc, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %q", ct)
	}
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealthCheckStarting(t *testing.T) {
	h := setupHandlers(t)

	w := get(h.HealthCheck, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != statusStarting || resp.Ready {
		t.Errorf("Expected starting and not ready, got %+v", resp)
	}
	if resp.State != "Created" {
		t.Errorf("Expected state Created, got %q", resp.State)
	}
	if resp.Version != startup.Version {
		t.Errorf("Expected version %q, got %q", startup.Version, resp.Version)
	}
}

func TestHealthCheckHealthy(t *testing.T) {
	h := setupHandlers(t)
	initialize(h)

	w := get(h.HealthCheck, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != statusHealthy || !resp.Ready {
		t.Errorf("Expected healthy and ready, got %+v", resp)
	}
	if resp.IngestedCount != 2 || resp.Generation.Current != 2 {
		t.Errorf("Expected progress 2 at generation 2, got %d at %d", resp.IngestedCount, resp.Generation.Current)
	}
	if resp.Areas != 1 {
		t.Errorf("Expected 1 area, got %d", resp.Areas)
	}
}

func TestLivenessCheck(t *testing.T) {
	h := setupHandlers(t)

	w := get(h.LivenessCheck, "/livez")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodHead, "/livez", http.NoBody)
	head := httptest.NewRecorder()
	h.LivenessCheck(head, req)
	if head.Body.Len() != 0 {
		t.Errorf("Expected empty body for HEAD, got %q", head.Body.String())
	}
}

func TestReadinessCheck(t *testing.T) {
	h := setupHandlers(t)

	if w := get(h.ReadinessCheck, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 before initialization, got %d", w.Code)
	}

	initialize(h)
	if w := get(h.ReadinessCheck, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 after initialization, got %d", w.Code)
	}
}

func TestGetVersion(t *testing.T) {
	h := &Handlers{}

	w := get(h.GetVersion, "/version")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Expected Cache-Control no-cache, got %q", cc)
	}

	var info startup.BuildInfo
	decode(t, w, &info)
	if info.GoVersion != startup.GoVersion {
		t.Errorf("Expected GoVersion %q, got %q", startup.GoVersion, info.GoVersion)
	}
}

// =============================================================================
// Progress Tests
// =============================================================================

func TestGetProgress(t *testing.T) {
	h := setupHandlers(t)
	initialize(h)

	w := get(h.GetProgress, "/api/progress")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		Areas         []ingest.AreaIngestState `json:"areas"`
		IngestedCount int64                    `json:"ingestedCount"`
	}
	decode(t, w, &resp)
	if len(resp.Areas) != 1 || resp.Areas[0].Area != "orders" {
		t.Fatalf("Expected one area named orders, got %+v", resp.Areas)
	}
	if resp.Areas[0].LastEvent != ingest.Initialized {
		t.Errorf("Expected last event Initialized, got %v", resp.Areas[0].LastEvent)
	}
	if resp.IngestedCount != 2 {
		t.Errorf("Expected ingested count 2, got %d", resp.IngestedCount)
	}
}

func TestGetRestoreEmpty(t *testing.T) {
	h := setupHandlers(t)

	var resp ingest.SnapshotRestoreState
	decode(t, get(h.GetRestore, "/api/restore"), &resp)
	if resp.Snapshot != "" || len(resp.Files) != 0 {
		t.Errorf("Expected no restore, got %+v", resp)
	}
}

func TestGetWriterStats(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()
	if err := h.manager.Writer().Create(ctx, "orders", ingest.Document{"$id": "o1"}); err != nil {
		t.Fatal(err)
	}

	var stats writer.Stats
	decode(t, get(h.GetWriterStats, "/api/writer"), &stats)
	if stats.Writes != 1 || stats.Pending != 1 {
		t.Errorf("Expected 1 write pending, got %+v", stats)
	}
}

// =============================================================================
// Search Tests
// =============================================================================

func TestSearch(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()
	for id, title := range map[string]string{"o1": "blue widget", "o2": "red gadget"} {
		if err := h.index.Create(ctx, "orders", ingest.Document{"$id": id, "title": title}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.index.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	var resp SearchResult
	decode(t, get(h.Search, "/api/search?q=widget&area=orders"), &resp)
	if len(resp.Hits) != 1 || resp.Hits[0].ID != "o1" {
		t.Errorf("Expected a single hit o1, got %+v", resp.Hits)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	h := setupHandlers(t)

	var resp SearchResult
	decode(t, get(h.Search, "/api/search"), &resp)
	if resp.Hits == nil || len(resp.Hits) != 0 {
		t.Errorf("Expected an empty hit list, got %+v", resp.Hits)
	}
}

func TestSearchUnknownArea(t *testing.T) {
	h := setupHandlers(t)

	w := get(h.Search, "/api/search?q=x&area=nope")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestGetDeadLetters(t *testing.T) {
	h := setupHandlers(t)
	ctx := context.Background()
	err := h.index.AddDeadLetter(ctx, index.DeadLetter{
		Area: "orders", Generation: 4, DocumentID: "o9", ChangeType: "Create", Error: "boom",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.index.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	var letters []index.DeadLetter
	decode(t, get(h.GetDeadLetters, "/api/deadletters?limit=10"), &letters)
	if len(letters) != 1 || letters[0].DocumentID != "o9" || letters[0].Generation != 4 {
		t.Errorf("Expected dead letter o9@4, got %+v", letters)
	}
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestCreateSnapshotBeforeInitialized(t *testing.T) {
	h := setupHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/snapshots", http.NoBody)
	w := httptest.NewRecorder()
	h.CreateSnapshot(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestCreateAndListSnapshots(t *testing.T) {
	h := setupHandlers(t)
	initialize(h)

	req := httptest.NewRequest(http.MethodPost, "/api/snapshots", http.NoBody)
	w := httptest.NewRecorder()
	h.CreateSnapshot(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var snapshots []SnapshotInfo
	decode(t, get(h.ListSnapshots, "/api/snapshots"), &snapshots)
	if len(snapshots) != 1 {
		t.Fatalf("Expected 1 snapshot, got %d", len(snapshots))
	}
	if filepath.Ext(snapshots[0].Name) != ".zip" || snapshots[0].Size == 0 {
		t.Errorf("Unexpected snapshot entry %+v", snapshots[0])
	}
}

func TestListSnapshotsEmpty(t *testing.T) {
	h := setupHandlers(t)

	var snapshots []SnapshotInfo
	decode(t, get(h.ListSnapshots, "/api/snapshots"), &snapshots)
	if snapshots == nil || len(snapshots) != 0 {
		t.Errorf("Expected an empty list, got %v", snapshots)
	}
}

func TestMetricsHandler(t *testing.T) {
	h := &Handlers{}

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	w := httptest.NewRecorder()
	h.MetricsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}
