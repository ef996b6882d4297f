package startup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"

	"index-manager/internal/logging"
	"index-manager/internal/scheduler"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// EnvPrefix is prepended to every configuration key read from the environment.
const EnvPrefix = "INDEX_MANAGER"

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// Config holds all application configuration
type Config struct {
	IndexDir         string
	SnapshotDir      string
	ChangelogPath    string
	Areas            []string
	IdentityField    string
	PollInterval     string
	SnapshotSchedule string
	MaxSnapshots     int
	BatchSize        int
	CommitInterval   time.Duration
	Port             string
	MetricsEnabled   bool
	LogHealthChecks  bool

	// Derived paths
	IndexPath string
}

// Defaults for every configuration key.
var defaults = map[string]any{
	"index_dir":         "/data/index",
	"snapshot_dir":      "/data/snapshots",
	"changelog_path":    "/data/changelog.db",
	"areas":             "",
	"identity_field":    "$id",
	"poll_interval":     "10s",
	"snapshot_schedule": "30m",
	"max_snapshots":     2,
	"batch_size":        10000,
	"commit_interval":   "1m",
	"port":              "8080",
	"metrics_enabled":   true,
	"log_health_checks": false,
}

// newViper returns a viper instance reading INDEX_MANAGER_* environment
// variables and, when INDEX_MANAGER_CONFIG names one, a config file.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := os.Getenv(EnvPrefix + "_CONFIG"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		logging.Info("  Config file: %s", v.ConfigFileUsed())
	}
	return v, nil
}

// LoadConfig loads and validates configuration
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	v, err := newViper()
	if err != nil {
		return nil, err
	}

	config := &Config{
		IndexDir:         v.GetString("index_dir"),
		SnapshotDir:      v.GetString("snapshot_dir"),
		ChangelogPath:    v.GetString("changelog_path"),
		Areas:            splitList(v.Get("areas")),
		IdentityField:    v.GetString("identity_field"),
		PollInterval:     v.GetString("poll_interval"),
		SnapshotSchedule: v.GetString("snapshot_schedule"),
		MaxSnapshots:     v.GetInt("max_snapshots"),
		BatchSize:        v.GetInt("batch_size"),
		Port:             v.GetString("port"),
		MetricsEnabled:   v.GetBool("metrics_enabled"),
		LogHealthChecks:  v.GetBool("log_health_checks"),
	}

	logging.Info("  INDEX_DIR:          %s", config.IndexDir)
	logging.Info("  SNAPSHOT_DIR:       %s", config.SnapshotDir)
	logging.Info("  CHANGELOG_PATH:     %s", config.ChangelogPath)
	logging.Info("  AREAS:              %s", strings.Join(config.Areas, ", "))
	logging.Info("  IDENTITY_FIELD:     %s", config.IdentityField)
	logging.Info("  POLL_INTERVAL:      %s", config.PollInterval)
	logging.Info("  SNAPSHOT_SCHEDULE:  %s", config.SnapshotSchedule)
	logging.Info("  MAX_SNAPSHOTS:      %d", config.MaxSnapshots)
	logging.Info("  BATCH_SIZE:         %d", config.BatchSize)
	logging.Info("  COMMIT_INTERVAL:    %s", v.GetString("commit_interval"))
	logging.Info("  PORT:               %s", config.Port)
	logging.Info("  METRICS_ENABLED:    %v", config.MetricsEnabled)
	logging.Info("  LOG_HEALTH_CHECKS:  %v", config.LogHealthChecks)
	logging.Info("  LOG_LEVEL:          %s", logging.GetLevel())

	config.CommitInterval, err = time.ParseDuration(v.GetString("commit_interval"))
	if err != nil || config.CommitInterval <= 0 {
		logging.Warn("  Invalid COMMIT_INTERVAL, using default: 1m")
		config.CommitInterval = time.Minute
	}
	if _, err := scheduler.ParseTrigger(config.PollInterval); err != nil {
		logging.Warn("  Invalid POLL_INTERVAL, using default: 10s")
		config.PollInterval = "10s"
	}
	if _, err := scheduler.ParseTrigger(config.SnapshotSchedule); err != nil {
		logging.Warn("  Invalid SNAPSHOT_SCHEDULE, using default: 30m")
		config.SnapshotSchedule = "30m"
	}
	if config.MaxSnapshots < 1 {
		logging.Warn("  Invalid MAX_SNAPSHOTS, using default: 2")
		config.MaxSnapshots = 2
	}
	if config.BatchSize < 1 {
		logging.Warn("  Invalid BATCH_SIZE, using default: 10000")
		config.BatchSize = 10000
	}
	if config.IdentityField == "" {
		config.IdentityField = "$id"
	}

	if len(config.Areas) == 0 {
		return nil, errors.New("no areas configured (set INDEX_MANAGER_AREAS)")
	}

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	for _, p := range []*string{&config.IndexDir, &config.SnapshotDir, &config.ChangelogPath} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", *p, err)
		}
		*p = abs
	}
	config.IndexPath = filepath.Join(config.IndexDir, "index.db")

	logging.Info("  Index directory (absolute):    %s", config.IndexDir)
	logging.Info("  Snapshot directory (absolute): %s", config.SnapshotDir)
	logging.Info("  Change log (absolute):         %s", config.ChangelogPath)

	for _, dir := range []struct{ path, name string }{
		{config.IndexDir, "index"},
		{config.SnapshotDir, "snapshot"},
		{filepath.Dir(config.ChangelogPath), "change log"},
	} {
		if err := ensureDirectory(dir.path, dir.name); err != nil {
			return nil, fmt.Errorf("%s directory error: %w", dir.name, err)
		}
		if err := testWriteAccess(dir.path); err != nil {
			return nil, fmt.Errorf("%s directory is not writable: %w", dir.name, err)
		}
		logging.Info("  [OK] %s directory is writable", dir.name)
	}

	return config, nil
}

// splitList accepts a YAML/TOML list or a comma or space separated string.
func splitList(value any) []string {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	case string:
		raw = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}

	var out []string
	seen := map[string]bool{}
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

// LogStoreInit logs the opening of a SQLite store
func LogStoreInit(name, path string, duration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("%s INITIALIZATION", strings.ToUpper(name))
	logging.Info("------------------------------------------------------------")
	logging.Info("  Path: %s", path)
	logging.Info("  [OK] %s opened in %v", name, duration)
}

// LogManagerInit logs the ingestion settings
func LogManagerInit(config *Config) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("INDEX MANAGER INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Areas:             %d (%s)", len(config.Areas), strings.Join(config.Areas, ", "))
	logging.Info("  Poll interval:     %s", config.PollInterval)
	logging.Info("  Snapshot schedule: %s (keeping %d)", config.SnapshotSchedule, config.MaxSnapshots)
	logging.Info("  Commit policy:     every %d writes or %v", config.BatchSize, config.CommitInterval)
	logging.Info("  Starting index manager...")
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   route.GetName(),
			})
		}

		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes dynamically
func LogHTTPRoutes(router *mux.Router, logHealthChecks bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("HTTP SERVER SETUP")
	logging.Info("------------------------------------------------------------")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}

		logging.Debug("  Registered routes (%d total):", len(routes))

		groups := make(map[string][]RouteInfo)
		for _, route := range routes {
			prefix := getRouteGroup(route.Path)
			groups[prefix] = append(groups[prefix], route)
		}

		groupKeys := make([]string, 0, len(groups))
		for k := range groups {
			groupKeys = append(groupKeys, k)
		}
		sort.Strings(groupKeys)

		for _, group := range groupKeys {
			if group != "" {
				logging.Debug("  [%s]", group)
			} else {
				logging.Debug("  [root]")
			}
			for _, route := range groups[group] {
				logging.Debug("    %-6s %s", route.Method, route.Path)
			}
		}
	}

	if logHealthChecks {
		logging.Info("  Health check logging: ON")
	} else {
		logging.Info("  Health check logging: OFF (set INDEX_MANAGER_LOG_HEALTH_CHECKS=true to enable)")
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")

	parts := strings.SplitN(path, "/", 2)
	first := parts[0]

	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}

	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SERVER STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:    %v", config.StartupDuration)
	logging.Info("")
	logging.Info("  Endpoints:")
	logging.Info("    Status:        http://0.0.0.0:%s/api/progress", config.Port)
	if config.MetricsEnabled {
		logging.Info("    Metrics:       http://0.0.0.0:%s/metrics", config.Port)
	} else {
		logging.Info("    Metrics:       DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop the server")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// Helper functions

func printBanner() {
	banner := `
------------------------------------------------------------
  ___           _             __  __
 |_ _|_ __   __| | _____  __ |  \/  | __ _ _ __   __ _  __ _  ___ _ __
  | || '_ \ / _' |/ _ \ \/ / | |\/| |/ _' | '_ \ / _' |/ _' |/ _ \ '__|
  | || | | | (_| |  __/>  <  | |  | | (_| | | | | (_| | (_| |  __/ |
 |___|_| |_|\__,_|\___/_/\_\ |_|  |_|\__,_|_| |_|\__,_|\__, |\___|_|
                                                       |___/
------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}

	if logging.IsDebugEnabled() {
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Debug("    Directory does not exist, creating...")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}

	logging.Debug("    [OK] Directory exists")
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}
