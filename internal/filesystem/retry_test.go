package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) record(kind, op, volume string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+op+":"+volume)
}

func (r *recordingObserver) ObserveRetryAttempt(op, volume string) { r.record("attempt", op, volume) }
func (r *recordingObserver) ObserveRetrySuccess(op, volume string) { r.record("success", op, volume) }
func (r *recordingObserver) ObserveRetryFailure(op, volume string) { r.record("failure", op, volume) }
func (r *recordingObserver) ObserveRetryDuration(op, volume string, _ float64) {
	r.record("duration", op, volume)
}
func (r *recordingObserver) ObserveStaleError(op, volume string) { r.record("stale", op, volume) }

func (r *recordingObserver) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if len(e) > len(kind) && e[:len(kind)+1] == kind+":" {
			n++
		}
	}
	return n
}

func withObserver(t *testing.T) *recordingObserver {
	t.Helper()
	obs := &recordingObserver{}
	SetObserver(obs)
	t.Cleanup(func() { SetObserver(nil) })
	return obs
}

func fastConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}
	if config.InitialBackoff != 50*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 50ms", config.InitialBackoff)
	}
	if config.MaxBackoff != 500*time.Millisecond {
		t.Errorf("MaxBackoff = %v, want 500ms", config.MaxBackoff)
	}
}

func TestIsNFSStaleError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "ESTALE error", err: syscall.ESTALE, want: true},
		{name: "wrapped ESTALE", err: &os.PathError{Op: "open", Path: "/x", Err: syscall.ESTALE}, want: true},
		{name: "ENOENT error", err: syscall.ENOENT, want: false},
		{name: "generic error", err: os.ErrNotExist, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNFSStaleError(tt.err); got != tt.want {
				t.Errorf("isNFSStaleError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVolumeResolver_Resolve(t *testing.T) {
	vr := NewVolumeResolver(map[string]string{
		"index":     "/data/index",
		"snapshots": "/mnt/nfs/snapshots",
		"changelog": "/data",
		"empty":     "",
	})

	tests := []struct {
		path string
		want string
	}{
		{path: "/data/index", want: "index"},
		{path: "/data/index/index.db-wal", want: "index"},
		{path: "/mnt/nfs/snapshots/2024-01-01T000000.00000042.zip", want: "snapshots"},
		{path: "/data/changelog.db", want: "changelog"},
		{path: "/data/indexes/other", want: "changelog"},
		{path: "/etc/hosts", want: "unknown"},
		{path: "/", want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := vr.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestVolumeResolver_Nil(t *testing.T) {
	var vr *VolumeResolver
	if got := vr.Resolve("/anything"); got != "unknown" {
		t.Errorf("nil resolver Resolve() = %q, want unknown", got)
	}
}

func TestStatWithRetry_Success(t *testing.T) {
	obs := withObserver(t)
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	info, err := StatWithRetry(path, fastConfig())
	if err != nil {
		t.Fatalf("StatWithRetry() error = %v", err)
	}
	if info.Size() != 5 {
		t.Errorf("Size() = %d, want 5", info.Size())
	}
	if obs.count("attempt") != 0 {
		t.Errorf("expected no retries, got %d", obs.count("attempt"))
	}
	if obs.count("duration") != 1 {
		t.Errorf("expected one duration observation, got %d", obs.count("duration"))
	}
}

func TestStatWithRetry_NotExistFailsFast(t *testing.T) {
	obs := withObserver(t)
	_, err := StatWithRetry(filepath.Join(t.TempDir(), "missing"), fastConfig())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if obs.count("attempt") != 0 || obs.count("failure") != 0 {
		t.Errorf("non-stale errors must not be retried: %v", obs.events)
	}
}

func TestOpenWithRetry_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := OpenWithRetry(path, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("OpenWithRetry() error = %v", err)
	}
	defer f.Close()
}

func TestWithRetry_StaleThenSuccess(t *testing.T) {
	obs := withObserver(t)
	calls := 0
	got, err := withRetry("open", "/x", fastConfig(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, syscall.ESTALE
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("withRetry() error = %v", err)
	}
	if got != 7 {
		t.Errorf("withRetry() = %d, want 7", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if obs.count("stale") != 2 || obs.count("attempt") != 2 || obs.count("success") != 1 {
		t.Errorf("unexpected observations: %v", obs.events)
	}
}

func TestWithRetry_StaleExhausted(t *testing.T) {
	obs := withObserver(t)
	calls := 0
	_, err := withRetry("stat", "/x", fastConfig(), func() (int, error) {
		calls++
		return 0, syscall.ESTALE
	})
	if !errors.Is(err, syscall.ESTALE) {
		t.Fatalf("expected ESTALE, got %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", calls)
	}
	if obs.count("failure") != 1 {
		t.Errorf("expected one failure observation, got %v", obs.events)
	}
}

func TestWithRetry_NoRetries(t *testing.T) {
	calls := 0
	_, err := withRetry("stat", "/x", RetryConfig{}, func() (int, error) {
		calls++
		return 0, syscall.ESTALE
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRemoveWithRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.zip")
	if err := os.WriteFile(path, []byte("zip"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := RemoveWithRetry(path, fastConfig()); err != nil {
		t.Fatalf("RemoveWithRetry() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still exists after remove")
	}
	if err := RemoveWithRetry(path, fastConfig()); err != nil {
		t.Errorf("removing a missing file should succeed, got %v", err)
	}
}

func TestObserveWithoutObserver(t *testing.T) {
	SetObserver(nil)
	if _, ok := observe().(nopObserver); !ok {
		t.Error("observe() should fall back to a no-op observer")
	}
}
