// Package index is the SQLite FTS5 document index the ingestion pipeline
// writes into. Mutations accumulate in a batch transaction until Commit;
// committed state is what snapshots capture.
//
// Build with -tags 'fts5'.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"index-manager/internal/ingest"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
)

const defaultTimeout = 5 * time.Second

// DefaultIdentityField is the document field used as the index key.
const DefaultIdentityField = "$id"

// ErrMissingIdentity is returned for documents without an identity field.
var ErrMissingIdentity = errors.New("document has no identity")

// Index is a JSON document index backed by a single SQLite database file.
type Index struct {
	path          string
	identityField string

	mu         sync.Mutex
	db         *sql.DB
	tx         *sql.Tx
	txStart    time.Time
	generation int64
}

// Option configures an Index.
type Option func(*Index)

// WithIdentityField overrides the document field used as the index key.
func WithIdentityField(field string) Option {
	return func(ix *Index) {
		if field != "" {
			ix.identityField = field
		}
	}
}

// Open opens (creating if needed) the index at dbPath. The parent
// directory must exist.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Index, error) {
	ix := &Index{path: dbPath, identityField: DefaultIdentityField}
	for _, opt := range opts {
		opt(ix)
	}

	if err := ix.open(ctx); err != nil {
		return nil, err
	}

	logging.Info("Index opened at %s (commit generation %d)", dbPath, ix.generation)
	return ix, nil
}

func (ix *Index) open(ctx context.Context) error {
	// busy_timeout helps prevent "database is locked" errors
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000", ix.path)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close index after ping failure: %v", closeErr)
		}
		return fmt.Errorf("failed to connect to index: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := initialize(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close index after initialization failure: %v", closeErr)
		}
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}

	gen, err := readGeneration(ctx, db)
	if err != nil {
		_ = db.Close()
		return err
	}

	ix.db = db
	ix.generation = gen
	return nil
}

func initialize(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		area TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		PRIMARY KEY (area, id)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		body,
		content='documents',
		content_rowid='rowid',
		tokenize='trigram'
	);

	CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
		INSERT INTO documents_fts(rowid, body) VALUES (new.rowid, new.body);
	END;

	CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, body) VALUES('delete', old.rowid, old.body);
	END;

	CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, body) VALUES('delete', old.rowid, old.body);
		INSERT INTO documents_fts(rowid, body) VALUES (new.rowid, new.body);
	END;

	CREATE TABLE IF NOT EXISTS deadletters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		area TEXT NOT NULL,
		generation INTEGER NOT NULL,
		document_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		error TEXT NOT NULL,
		payload TEXT,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		UNIQUE(area, generation, document_id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func readGeneration(ctx context.Context, db *sql.DB) (int64, error) {
	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'commit_generation'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read commit generation: %w", err)
	}
	gen, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse commit generation %q: %w", value, err)
	}
	return gen, nil
}

// Close rolls back uncommitted changes and closes the database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var errs []error
	if ix.tx != nil {
		errs = append(errs, ix.endBatch(errors.New("index closed")))
	}
	errs = append(errs, ix.db.Close())
	return errors.Join(errs...)
}

// Path returns the database file path.
func (ix *Index) Path() string {
	return ix.path
}

// IdentityField returns the document field used as the index key.
func (ix *Index) IdentityField() string {
	return ix.identityField
}

// Generation returns the number of commits the index has seen.
func (ix *Index) Generation() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.generation
}

// Identity extracts the key of doc.
func (ix *Index) Identity(doc ingest.Document) (string, error) {
	v, ok := doc[ix.identityField]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: field %q", ErrMissingIdentity, ix.identityField)
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("%w: field %q is empty", ErrMissingIdentity, ix.identityField)
		}
		return id, nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	default:
		return fmt.Sprint(id), nil
	}
}

// batch returns the open batch transaction, beginning one if needed.
// Callers hold ix.mu.
func (ix *Index) batch() (*sql.Tx, error) {
	if ix.tx != nil {
		return ix.tx, nil
	}
	// Transaction lifetime is managed by Commit, not a request context.
	tx, err := ix.db.BeginTx(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	ix.tx = tx
	ix.txStart = time.Now()
	return tx, nil
}

// endBatch commits or rolls back the open transaction. Callers hold ix.mu.
func (ix *Index) endBatch(err error) error {
	tx := ix.tx
	ix.tx = nil
	duration := time.Since(ix.txStart).Seconds()

	if err != nil {
		metrics.DBTransactionDuration.WithLabelValues("rollback").Observe(duration)
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
		}
		return err
	}

	metrics.DBTransactionDuration.WithLabelValues("commit").Observe(duration)
	return tx.Commit()
}

func (ix *Index) encode(doc ingest.Document) (string, string, error) {
	id, err := ix.Identity(doc)
	if err != nil {
		return "", "", err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", "", fmt.Errorf("encode document %s: %w", id, err)
	}
	return id, string(body), nil
}

// Create adds a document. It fails if a document with the same key already
// exists in the area.
func (ix *Index) Create(ctx context.Context, area string, doc ingest.Document) error {
	id, body, err := ix.encode(doc)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.batch()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "INSERT INTO documents (area, id, body) VALUES (?, ?, ?)", area, id, body)
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", area, id, err)
	}
	return nil
}

// Write adds or replaces a document.
func (ix *Index) Write(ctx context.Context, area string, doc ingest.Document) error {
	id, body, err := ix.encode(doc)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.batch()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (area, id, body) VALUES (?, ?, ?)
		ON CONFLICT(area, id) DO UPDATE SET
			body = excluded.body,
			updated_at = strftime('%s', 'now')
	`, area, id, body)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", area, id, err)
	}
	return nil
}

// Delete removes a document by key. Deleting a missing document is not an error.
func (ix *Index) Delete(ctx context.Context, area string, doc ingest.Document) error {
	id, err := ix.Identity(doc)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.batch()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE area = ? AND id = ?", area, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", area, id, err)
	}
	return nil
}

// Reset removes every document. Used before a cold start so a full scan
// does not collide with documents left from an earlier run.
func (ix *Index) Reset(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.batch()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents"); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	return nil
}

// Commit makes every pending mutation durable and bumps the commit
// generation. Commit without pending mutations is a no-op.
func (ix *Index) Commit(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("commit", time.Since(start).Seconds(), err) }()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.commitLocked(ctx)
}

func (ix *Index) commitLocked(ctx context.Context) error {
	if ix.tx == nil {
		return nil
	}

	next := ix.generation + 1
	_, err := ix.tx.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES ('commit_generation', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.FormatInt(next, 10))
	if err := ix.endBatch(err); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	ix.generation = next
	return nil
}

// Flush commits and folds the write-ahead log back into the database file.
func (ix *Index) Flush(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.flushLocked(ctx)
}

func (ix *Index) flushLocked(ctx context.Context) (err error) {
	if err := ix.commitLocked(ctx); err != nil {
		return err
	}

	start := time.Now()
	defer func() { metrics.RecordQuery("checkpoint", time.Since(start).Seconds(), err) }()

	var busy, logFrames, checkpointed int
	if err := ix.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("checkpoint index: %w", err)
	}
	if busy != 0 {
		logging.Debug("Index checkpoint incomplete: %d of %d frames", checkpointed, logFrames)
	}
	return nil
}

// Count returns the number of documents in area, or in the whole index when
// area is empty.
func (ix *Index) Count(ctx context.Context, area string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var n int64
	var err error
	if area == "" {
		err = ix.handle().QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	} else {
		err = ix.handle().QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE area = ?", area).Scan(&n)
	}
	return n, err
}

// Get returns a committed document.
func (ix *Index) Get(ctx context.Context, area, id string) (ingest.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var body string
	err := ix.handle().QueryRowContext(ctx, "SELECT body FROM documents WHERE area = ? AND id = ?", area, id).Scan(&body)
	if err != nil {
		return nil, err
	}
	var doc ingest.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", area, id, err)
	}
	return doc, nil
}

// handle returns the current database handle. Restore swaps it.
func (ix *Index) handle() *sql.DB {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func siblingDir(path, pattern string) (string, error) {
	return os.MkdirTemp(filepath.Dir(path), pattern)
}
