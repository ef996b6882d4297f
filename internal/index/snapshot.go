package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"index-manager/internal/logging"
)

// SegmentsFile is the name of the primary index file inside a snapshot.
const SegmentsFile = "index.db"

// File is one file of a committed index state.
type File struct {
	Name string
	Path string
	Size int64
}

// Commit describes a committed index state.
type Commit struct {
	Generation   int64
	SegmentsFile string
	Files        []File
}

// Target receives the committed files of a snapshot. The files are only
// valid for the duration of Write.
type Target interface {
	Write(ctx context.Context, commit Commit) error
}

// Source supplies the files of a snapshot being restored.
type Source interface {
	SegmentsFile() string
	// Extract writes every snapshot file into dir.
	Extract(ctx context.Context, dir string) error
}

// CommittedFiles flushes the index and returns the live file set. The files
// keep changing as writes continue; use Snapshot for a stable copy.
func (ix *Index) CommittedFiles(ctx context.Context) (Commit, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.flushLocked(ctx); err != nil {
		return Commit{}, err
	}
	return Commit{
		Generation:   ix.generation,
		SegmentsFile: SegmentsFile,
		Files:        []File{{Name: SegmentsFile, Path: ix.path, Size: fileSize(ix.path)}},
	}, nil
}

// Snapshot commits pending writes and hands a point-in-time copy of the
// index to target.
func (ix *Index) Snapshot(ctx context.Context, target Target) error {
	dir, err := siblingDir(ix.path, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logging.Warn("Failed to remove snapshot staging dir %s: %v", dir, err)
		}
	}()

	copyPath := filepath.Join(dir, SegmentsFile)
	commit, err := ix.copyCommitted(ctx, copyPath)
	if err != nil {
		return err
	}
	return target.Write(ctx, commit)
}

func (ix *Index) copyCommitted(ctx context.Context, dst string) (Commit, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.commitLocked(ctx); err != nil {
		return Commit{}, err
	}

	start := time.Now()
	if _, err := ix.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return Commit{}, fmt.Errorf("copy index: %w", err)
	}
	logging.Debug("Copied index generation %d in %v", ix.generation, time.Since(start))

	return Commit{
		Generation:   ix.generation,
		SegmentsFile: SegmentsFile,
		Files:        []File{{Name: SegmentsFile, Path: dst, Size: fileSize(dst)}},
	}, nil
}

// Restore replaces the index with the files of src. Pending uncommitted
// writes are discarded. It returns false without touching the index when
// the snapshot's segments file is not a usable index.
func (ix *Index) Restore(ctx context.Context, src Source) (bool, error) {
	name := src.SegmentsFile()
	if name == "" || strings.ContainsAny(name, `/\`) {
		return false, fmt.Errorf("invalid segments file name %q", name)
	}

	dir, err := siblingDir(ix.path, ".restore-*")
	if err != nil {
		return false, fmt.Errorf("create restore staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logging.Warn("Failed to remove restore staging dir %s: %v", dir, err)
		}
	}()

	if err := src.Extract(ctx, dir); err != nil {
		return false, fmt.Errorf("extract snapshot: %w", err)
	}

	restored := filepath.Join(dir, name)
	if err := checkIndexFile(ctx, restored); err != nil {
		logging.Warn("Snapshot index file %s is not usable: %v", name, err)
		return false, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.tx != nil {
		if err := ix.endBatch(errors.New("restore")); err != nil {
			logging.Debug("Discarded uncommitted batch before restore: %v", err)
		}
	}
	if err := ix.db.Close(); err != nil {
		logging.Warn("Failed to close index before restore: %v", err)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(ix.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn("Failed to remove %s%s: %v", ix.path, suffix, err)
		}
	}

	var errs []error
	if err := os.Rename(restored, ix.path); err != nil {
		errs = append(errs, fmt.Errorf("replace index file: %w", err))
	}
	if err := ix.open(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reopen index: %w", err))
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}

	logging.Info("Index restored from snapshot (commit generation %d)", ix.generation)
	return true, nil
}

func checkIndexFile(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}

	var tables int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('documents', 'metadata')").Scan(&tables); err != nil {
		return err
	}
	if tables != 2 {
		return errors.New("missing index tables")
	}
	return nil
}
