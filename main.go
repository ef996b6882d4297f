package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"index-manager/internal/changelog"
	"index-manager/internal/filesystem"
	"index-manager/internal/handlers"
	"index-manager/internal/index"
	"index-manager/internal/logging"
	"index-manager/internal/manager"
	"index-manager/internal/memory"
	"index-manager/internal/metrics"
	"index-manager/internal/middleware"
	"index-manager/internal/snapshot"
	"index-manager/internal/startup"
	"index-manager/internal/writer"

	"github.com/gorilla/mux"
)

func main() {
	startTime := time.Now()

	// Load configuration
	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	memory.ConfigureFromEnv()
	monitor := memory.NewMonitor(memory.DefaultConfig())
	monitor.Start()

	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"index":     config.IndexDir,
		"snapshots": config.SnapshotDir,
		"changelog": config.ChangelogPath,
	}))
	filesystem.SetObserver(metrics.NewFilesystemObserver())
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)
	metrics.InitializeMetrics(config.Areas)

	ctx := context.Background()

	// Open the change log
	logStart := time.Now()
	changes, err := changelog.New(ctx, config.ChangelogPath, changelog.WithIdentityField(config.IdentityField))
	if err != nil {
		startup.LogFatal("Failed to open change log: %v", err)
	}
	defer changes.Close()
	startup.LogStoreInit("Change log", config.ChangelogPath, time.Since(logStart))

	// Open the index
	indexStart := time.Now()
	ix, err := index.Open(ctx, config.IndexPath, index.WithIdentityField(config.IdentityField))
	if err != nil {
		startup.LogFatal("Failed to open index: %v", err)
	}
	defer ix.Close()
	startup.LogStoreInit("Index", config.IndexPath, time.Since(indexStart))

	// Initialize the index manager
	startup.LogManagerInit(config)
	m := manager.New(ix, changes, snapshot.NewStrategy(config.SnapshotDir, config.MaxSnapshots), manager.Config{
		Areas:            config.Areas,
		PollInterval:     config.PollInterval,
		SnapshotSchedule: config.SnapshotSchedule,
		Writer: writer.Config{
			BatchSize:      config.BatchSize,
			CommitInterval: config.CommitInterval,
		},
		Throttle: monitor,
	})

	collector := metrics.NewCollector(m.Tracker(), config.IndexPath, 15*time.Second)
	collector.Start()

	// Run the manager in background (non-blocking)
	runCtx, cancelRun := context.WithCancel(ctx)
	managerDone := make(chan error, 1)
	go func() {
		managerDone <- m.Run(runCtx)
	}()

	// Setup router
	h := handlers.New(m)
	router := setupRouter(h, config.MetricsEnabled)
	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler := middleware.Logger(loggingConfig)(router)

	// Create server
	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		handleShutdown(srv, managerDone, cancelRun, collector, monitor)
	}()

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-serverDone
}

func setupRouter(h *handlers.Handlers, metricsEnabled bool) *mux.Router {
	r := mux.NewRouter()
	if metricsEnabled {
		r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))
	}

	// Health check and version routes
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/progress", h.GetProgress).Methods("GET")
	api.HandleFunc("/restore", h.GetRestore).Methods("GET")
	api.HandleFunc("/writer", h.GetWriterStats).Methods("GET")
	api.HandleFunc("/snapshots", h.ListSnapshots).Methods("GET")
	api.HandleFunc("/snapshots", h.CreateSnapshot).Methods("POST")
	api.HandleFunc("/search", h.Search).Methods("GET")
	api.HandleFunc("/deadletters", h.GetDeadLetters).Methods("GET")

	if metricsEnabled {
		r.Handle("/metrics", h.MetricsHandler()).Methods("GET")
	}

	return r
}

// handleShutdown waits for a signal or for the manager to exit on its own,
// then stops everything in dependency order.
func handleShutdown(srv *http.Server, managerDone <-chan error, cancelRun context.CancelFunc, collector *metrics.Collector, monitor *memory.Monitor) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	reason := ""
	managerExited := false
	select {
	case sig := <-sigChan:
		reason = sig.String()
	case err := <-managerDone:
		managerExited = true
		reason = "manager exit"
		if err != nil {
			logging.Error("Index manager stopped: %v", err)
		}
	}

	startup.LogShutdownInitiated(reason)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownStep("Stopping index manager")
	cancelRun()
	monitor.Stop()
	if !managerExited {
		select {
		case err := <-managerDone:
			if err != nil {
				logging.Warn("Index manager stopped with error: %v", err)
			}
			startup.LogShutdownStepComplete("Index manager stopped")
		case <-ctx.Done():
			logging.Warn("Index manager did not stop within the shutdown timeout")
		}
	}

	startup.LogShutdownStep("Stopping metrics collector")
	collector.Stop()
	startup.LogShutdownStepComplete("Metrics collector stopped")

	startup.LogShutdownComplete()
}
