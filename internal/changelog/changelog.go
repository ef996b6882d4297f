// Package changelog is the SQLite-backed, append-only change log the area
// observers poll. Every mutation of the system of record is one row, ordered
// by a monotonically increasing generation.
package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"index-manager/internal/ingest"
	"index-manager/internal/logging"
	"index-manager/internal/metrics"
)

const defaultTimeout = 5 * time.Second

// DefaultIdentityField is the document field holding the document id.
const DefaultIdentityField = "$id"

// ErrMissingIdentity is returned by Append when no document id can be found.
var ErrMissingIdentity = errors.New("document has no identity")

// Log is the change log database.
type Log struct {
	db            *sql.DB
	path          string
	identityField string
}

// Option configures a Log.
type Option func(*Log)

// WithIdentityField overrides the document field used as the document id.
func WithIdentityField(field string) Option {
	return func(l *Log) {
		if field != "" {
			l.identityField = field
		}
	}
}

// New opens (creating if needed) the change log at dbPath.
func New(ctx context.Context, dbPath string, opts ...Option) (*Log, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open change log: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close change log after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to change log: %w", err)
	}

	l := &Log{db: db, path: dbPath, identityField: DefaultIdentityField}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close change log after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize change log schema: %w", err)
	}

	logging.Info("Change log opened at %s", dbPath)
	return l, nil
}

func (l *Log) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS changelog (
		generation INTEGER PRIMARY KEY AUTOINCREMENT,
		area TEXT NOT NULL,
		type TEXT NOT NULL,
		document_id TEXT NOT NULL,
		payload TEXT,
		faulty INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_changelog_area_generation ON changelog(area, generation);
	CREATE INDEX IF NOT EXISTS idx_changelog_area_document ON changelog(area, document_id, generation);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Log) Path() string {
	return l.path
}

// IdentityField is the document field holding the document id.
func (l *Log) IdentityField() string {
	return l.identityField
}

// Area returns the log of a single area.
func (l *Log) Area(name string) *AreaLog {
	return &AreaLog{log: l, name: name}
}

// Areas lists every area that has at least one row.
func (l *Log) Areas(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, "SELECT DISTINCT area FROM changelog ORDER BY area")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var areas []string
	for rows.Next() {
		var area string
		if err := rows.Scan(&area); err != nil {
			return nil, err
		}
		areas = append(areas, area)
	}
	return areas, rows.Err()
}

// Append writes a change for doc and returns its generation. Deletes may pass
// a document holding only the identity field.
func (l *Log) Append(ctx context.Context, area string, typ ingest.ChangeType, doc ingest.Document) (gen int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("append", time.Since(start).Seconds(), err) }()

	id, ok := identity(doc, l.identityField)
	if !ok {
		return 0, fmt.Errorf("append to %s: %w (field %q)", area, ErrMissingIdentity, l.identityField)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("append to %s: encode document %s: %w", area, id, err)
	}

	return l.insert(ctx, area, typ.String(), id, string(payload), typ == ingest.ChangeFaulty)
}

// AppendRaw writes a row with an unvalidated payload. The stress tool uses it
// to produce faulty rows.
func (l *Log) AppendRaw(ctx context.Context, area, typ, documentID, payload string) (gen int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("append", time.Since(start).Seconds(), err) }()
	return l.insert(ctx, area, typ, documentID, payload, false)
}

func (l *Log) insert(ctx context.Context, area, typ, id, payload string, faulty bool) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := l.db.ExecContext(ctx,
		"INSERT INTO changelog (area, type, document_id, payload, faulty) VALUES (?, ?, ?, ?, ?)",
		area, typ, id, payload, faulty)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func identity(doc ingest.Document, field string) (string, bool) {
	v, ok := doc[field]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return fmt.Sprint(id), true
	}
}

// Exists reports whether the newest row of document id in area is not a
// delete.
func (l *Log) Exists(ctx context.Context, area, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var typ string
	err := l.db.QueryRowContext(ctx, `
		SELECT type FROM changelog
		WHERE area = ? AND document_id = ? AND faulty = 0
		ORDER BY generation DESC LIMIT 1
	`, area, id).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up %s/%s: %w", area, id, err)
	}
	return ingest.ParseChangeType(typ) != ingest.ChangeDelete, nil
}

// DocumentID returns the identity of doc, if it has one.
func (l *Log) DocumentID(doc ingest.Document) (string, bool) {
	return identity(doc, l.identityField)
}
