package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"index-manager/internal/changelog"
	"index-manager/internal/handlers"
	"index-manager/internal/index"
	"index-manager/internal/manager"
	"index-manager/internal/memory"
	"index-manager/internal/metrics"
	"index-manager/internal/snapshot"
	"index-manager/internal/startup"
)

func setupTestHandlers(t *testing.T) *handlers.Handlers {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	log, err := changelog.New(ctx, filepath.Join(dir, "changelog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })

	if err := os.MkdirAll(filepath.Join(dir, "index"), 0o755); err != nil {
		t.Fatal(err)
	}
	ix, err := index.Open(ctx, filepath.Join(dir, "index", "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ix.Close() })

	m := manager.New(ix, log, snapshot.NewStrategy(filepath.Join(dir, "snapshots"), 2), manager.Config{
		Areas:        []string{"orders"},
		PollInterval: "1h",
	})
	return handlers.New(m)
}

func TestSetupRouterRoutes(t *testing.T) {
	router := setupRouter(setupTestHandlers(t), true)

	routes, err := startup.GetRoutes(router)
	if err != nil {
		t.Fatalf("GetRoutes failed: %v", err)
	}

	registered := make(map[string]bool)
	for _, r := range routes {
		registered[r.Method+" "+r.Path] = true
	}

	for _, key := range []string{
		"GET /health",
		"GET /healthz",
		"HEAD /livez",
		"GET /readyz",
		"GET /version",
		"GET /api/progress",
		"GET /api/restore",
		"GET /api/writer",
		"GET /api/snapshots",
		"POST /api/snapshots",
		"GET /api/search",
		"GET /api/deadletters",
		"GET /metrics",
	} {
		if !registered[key] {
			t.Errorf("Expected route %s to be registered", key)
		}
	}
}

func TestSetupRouterWithoutMetrics(t *testing.T) {
	router := setupRouter(setupTestHandlers(t), false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected /metrics to be absent, got status %d", w.Code)
	}
}

func TestRouterServesProgress(t *testing.T) {
	router := setupRouter(setupTestHandlers(t), true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/progress", http.NoBody))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/snapshots", http.NoBody))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleShutdownAfterManagerExit(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0"}
	managerDone := make(chan error, 1)
	managerDone <- nil

	collector := metrics.NewCollector(nil, "", time.Hour)
	done := make(chan struct{})
	go func() {
		handleShutdown(srv, managerDone, func() {}, collector, memory.NewMonitor(memory.DefaultConfig()))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handleShutdown did not return after the manager exited")
	}
}
