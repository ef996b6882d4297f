package snapshot

import (
	"archive/zip"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"index-manager/internal/index"
	"index-manager/internal/ingest"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
)

// Target writes one archive. It implements index.Target.
type Target struct {
	strategy *Strategy
	state    ingest.StorageIngestState
	path     string
}

// Path returns the archive path once Write has succeeded.
func (t *Target) Path() string {
	return t.path
}

// Write archives the files of commit together with the generation state the
// target was created with. The archive is written under a temporary name
// and renamed into place when complete.
func (t *Target) Write(ctx context.Context, commit index.Commit) (err error) {
	if err := os.MkdirAll(t.strategy.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	meta := Metadata{
		SegmentsFile:       commit.SegmentsFile,
		Files:              make([]string, 0, len(commit.Files)),
		StorageGenerations: t.state,
		Checksums:          make(map[string]string, len(commit.Files)),
		Generation:         commit.Generation,
		CreatedAt:          t.strategy.now().UTC(),
	}

	final := filepath.Join(t.strategy.dir, t.strategy.archiveName(commit.Generation))
	tmp, err := os.CreateTemp(t.strategy.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, f := range commit.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := addFile(zw, f)
		if err != nil {
			return fmt.Errorf("archive %s: %w", f.Name, err)
		}
		meta.Files = append(meta.Files, f.Name)
		meta.Checksums[f.Name] = sum
	}

	w, err := zw.Create(MetadataEntry)
	if err != nil {
		return fmt.Errorf("archive metadata: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("rename archive: %w", err)
	}

	t.path = final
	metrics.SnapshotLastSizeBytes.Set(float64(info.Size()))
	metrics.SnapshotLastTimestamp.Set(float64(time.Now().Unix()))
	logging.Debug("Wrote snapshot %s (%d files, %d bytes)", final, len(meta.Files), info.Size())
	return nil
}

func addFile(zw *zip.Writer, f index.File) (string, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: time.Now()})
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(io.MultiWriter(w, h), src); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
