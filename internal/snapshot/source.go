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
	"sync"

	"golang.org/x/crypto/blake2b"

	"index-manager/internal/diagnostics"
	"index-manager/internal/filesystem"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
	"index-manager/internal/workers"
)

// Source is an opened archive. It implements index.Source.
type Source struct {
	path  string
	retry filesystem.RetryConfig
	info  *diagnostics.InfoStream

	file    *os.File
	zr      *zip.Reader
	entries map[string]*zip.File
	openErr error

	metaOnce sync.Once
	meta     Metadata
	metaErr  error
}

func openSource(path string, retry filesystem.RetryConfig, info *diagnostics.InfoStream) *Source {
	s := &Source{path: path, retry: retry, info: info}

	f, err := filesystem.OpenWithRetry(path, retry)
	if err != nil {
		s.openErr = err
		return s
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		s.openErr = err
		return s
	}
	zr, err := zip.NewReader(f, stat.Size())
	if err != nil {
		_ = f.Close()
		s.openErr = err
		return s
	}

	s.file = f
	s.zr = zr
	s.entries = make(map[string]*zip.File, len(zr.File))
	for _, e := range zr.File {
		s.entries[e.Name] = e
	}
	return s
}

// Name is the archive file name.
func (s *Source) Name() string {
	return filepath.Base(s.path)
}

// Path is the archive path.
func (s *Source) Path() string {
	return s.path
}

// Metadata decodes metadata.json.
func (s *Source) Metadata() (Metadata, error) {
	s.metaOnce.Do(func() {
		s.meta, s.metaErr = s.readMetadata()
	})
	return s.meta, s.metaErr
}

func (s *Source) readMetadata() (Metadata, error) {
	var meta Metadata
	if s.openErr != nil {
		return meta, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.Name(), s.openErr)
	}
	entry, ok := s.entries[MetadataEntry]
	if !ok {
		return meta, fmt.Errorf("%w: %s has no %s", ErrCorrupt, s.Name(), MetadataEntry)
	}
	r, err := entry.Open()
	if err != nil {
		return meta, fmt.Errorf("%w: open %s: %v", ErrCorrupt, MetadataEntry, err)
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(&meta); err != nil {
		return meta, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, MetadataEntry, err)
	}
	return meta, nil
}

// Verify checks that the metadata declares a segments file and a file list
// and that every declared file is present in the archive.
func (s *Source) Verify() error {
	meta, err := s.Metadata()
	if err != nil {
		return err
	}
	if meta.SegmentsFile == "" {
		return fmt.Errorf("%w: %s declares no segments file", ErrCorrupt, s.Name())
	}
	if meta.Files == nil {
		return fmt.Errorf("%w: %s declares no file list", ErrCorrupt, s.Name())
	}

	declared := append([]string{meta.SegmentsFile}, meta.Files...)
	if meta.SegmentsGenFile != "" {
		declared = append(declared, meta.SegmentsGenFile)
	}
	for _, name := range declared {
		if !safeName(name) {
			return fmt.Errorf("%w: %s declares invalid file name %q", ErrCorrupt, s.Name(), name)
		}
		if _, ok := s.entries[name]; !ok {
			return fmt.Errorf("%w: %s is missing %s", ErrCorrupt, s.Name(), name)
		}
	}
	return nil
}

// SegmentsFile returns the declared segments file, or "" when the metadata
// is unreadable.
func (s *Source) SegmentsFile() string {
	meta, err := s.Metadata()
	if err != nil {
		return ""
	}
	return meta.SegmentsFile
}

// files returns every file to restore, segments file first.
func (s *Source) files(meta Metadata) []string {
	seen := map[string]bool{}
	var files []string
	for _, name := range append([]string{meta.SegmentsFile, meta.SegmentsGenFile}, meta.Files...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, name)
	}
	return files
}

// Extract writes every declared file into dir, several at a time. Files
// with a recorded checksum are verified while they are written.
func (s *Source) Extract(ctx context.Context, dir string) error {
	if err := s.Verify(); err != nil {
		return err
	}
	meta, _ := s.Metadata()
	files := s.files(meta)

	s.info.Publish(diagnostics.SnapshotEvent{
		Base:     diagnostics.NewBase(diagnostics.LevelInfo, s.info.Name(), fmt.Sprintf("Opened snapshot %s", s.Name())),
		Snapshot: s.Name(),
		Files:    files,
		Kind:     diagnostics.FileOpen,
	})
	defer s.info.Publish(diagnostics.SnapshotEvent{
		Base:     diagnostics.NewBase(diagnostics.LevelInfo, s.info.Name(), fmt.Sprintf("Closed snapshot %s", s.Name())),
		Snapshot: s.Name(),
		Kind:     diagnostics.FileClose,
	})

	return workers.Each(ctx, workers.ForIO(len(files)), files, func(ctx context.Context, name string) error {
		return s.extractFile(ctx, name, meta.Checksums[name], filepath.Join(dir, name))
	})
}

func (s *Source) extractFile(ctx context.Context, name, checksum, dst string) (err error) {
	s.fileEvent(name, diagnostics.FileOpen, diagnostics.LevelDebug)
	defer func() {
		if err == nil {
			s.fileEvent(name, diagnostics.FileClose, diagnostics.LevelDebug)
		}
	}()

	r, err := s.entries[name].Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer r.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.MultiWriter(out, h), contextReader{ctx, r}); err != nil {
		return fmt.Errorf("extract %s: %w", name, err)
	}
	if checksum != "" && hex.EncodeToString(h.Sum(nil)) != checksum {
		return fmt.Errorf("%w: checksum mismatch for %s in %s", ErrCorrupt, name, s.Name())
	}
	return nil
}

func (s *Source) fileEvent(name string, kind diagnostics.FileEventKind, level diagnostics.Level) {
	s.info.Publish(diagnostics.FileEvent{
		Base:     diagnostics.NewBase(level, s.info.Name(), fmt.Sprintf("%s %s", kind, name)),
		Snapshot: s.Name(),
		File:     name,
		Kind:     kind,
	})
}

// Close releases the archive.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Delete closes and removes the archive.
func (s *Source) Delete() error {
	if err := s.Close(); err != nil {
		logging.Debug("Closing %s before delete: %v", s.path, err)
	}
	if err := filesystem.RemoveWithRetry(s.path, s.retry); err != nil {
		metrics.SnapshotDeleteErrors.Inc()
		return fmt.Errorf("delete snapshot %s: %w", s.Name(), err)
	}
	metrics.SnapshotsDeletedTotal.WithLabelValues("corrupt").Inc()
	return nil
}

func safeName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
