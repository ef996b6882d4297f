package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"index-manager/internal/ingest"
	"index-manager/internal/metrics"
)

// AreaLog is the change log of one area.
type AreaLog struct {
	log  *Log
	name string
}

// Name returns the area name.
func (a *AreaLog) Name() string {
	return a.name
}

// LatestGeneration returns the newest generation in the area, or 0 when the
// area is empty.
func (a *AreaLog) LatestGeneration(ctx context.Context) (gen int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("latest_generation", time.Since(start).Seconds(), err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var latest sql.NullInt64
	err = a.log.db.QueryRowContext(ctx,
		"SELECT MAX(generation) FROM changelog WHERE area = ?", a.name).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest generation of %s: %w", a.name, err)
	}
	return latest.Int64, nil
}

const (
	incrementalQuery = `
	SELECT generation, area, type, document_id, payload, faulty
	FROM changelog
	WHERE area = ? AND generation > ?
	ORDER BY generation`

	// Latest applicable row per document, documents whose latest row is a
	// delete are left out. Faulty rows never hide an earlier valid version,
	// matching what an incremental reader would apply. Must agree with the
	// checks in Reader.Next.
	fromScratchQuery = `
	SELECT c.generation, c.area, c.type, c.document_id, c.payload, c.faulty
	FROM changelog c
	JOIN (
		SELECT document_id, MAX(generation) AS generation
		FROM changelog
		WHERE area = ? AND generation > ?
			AND faulty = 0
			AND lower(type) IN ('create', 'update', 'delete')
			AND (lower(type) = 'delete'
				OR CASE WHEN json_valid(payload) THEN json_type(payload) = 'object' ELSE 0 END)
		GROUP BY document_id
	) latest ON latest.generation = c.generation
	WHERE lower(c.type) != 'delete'
	ORDER BY c.generation`
)

// OpenReader reads the rows after since in generation order. An incremental
// reader returns every row; a from-scratch reader materializes the current
// state, returning only the latest row of each live document.
// The caller must Close the reader.
func (a *AreaLog) OpenReader(ctx context.Context, since int64, incremental bool) (*Reader, error) {
	start := time.Now()
	query := fromScratchQuery
	if incremental {
		query = incrementalQuery
	}

	rows, err := a.log.db.QueryContext(ctx, query, a.name, since)
	metrics.RecordQuery("read_log", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("open reader for %s after %d: %w", a.name, since, err)
	}
	return &Reader{rows: rows, identityField: a.log.identityField}, nil
}

// Row is one change log entry.
type Row struct {
	Generation int64
	Area       string
	Type       ingest.ChangeType
	DocumentID string
	Payload    []byte

	identityField string
}

// Faulty reports whether the row must not be applied.
func (r Row) Faulty() bool {
	return r.Type == ingest.ChangeFaulty
}

// Document decodes the payload. The identity field is filled from the row's
// document id when the payload does not carry it.
func (r Row) Document() (ingest.Document, error) {
	doc := ingest.Document{}
	if len(r.Payload) > 0 && string(r.Payload) != "null" {
		if err := json.Unmarshal(r.Payload, &doc); err != nil {
			return nil, fmt.Errorf("decode generation %d of %s: %w", r.Generation, r.Area, err)
		}
	}
	if _, ok := doc[r.identityField]; !ok {
		doc[r.identityField] = r.DocumentID
	}
	return doc, nil
}

// Reader iterates change log rows, in the style of sql.Rows.
type Reader struct {
	rows          *sql.Rows
	identityField string
	row           Row
	err           error
}

// Next advances to the next row.
func (r *Reader) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}

	var (
		row     Row
		typ     string
		payload sql.NullString
		faulty  bool
	)
	if err := r.rows.Scan(&row.Generation, &row.Area, &typ, &row.DocumentID, &payload, &faulty); err != nil {
		r.err = err
		return false
	}
	row.identityField = r.identityField
	row.Type = ingest.ParseChangeType(typ)
	row.Payload = []byte(payload.String)

	// Rows flagged faulty, of an unknown type, or whose payload is not a
	// JSON object are consumed but never applied.
	if faulty || (row.Type != ingest.ChangeDelete && !isObject(row.Payload)) {
		row.Type = ingest.ChangeFaulty
	}

	r.row = row
	return true
}

// Row returns the current row.
func (r *Reader) Row() Row {
	return r.row
}

// Err returns the error that stopped iteration, if any.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// Close releases the underlying result set.
func (r *Reader) Close() error {
	return r.rows.Close()
}

func isObject(payload []byte) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(payload, &obj) == nil && obj != nil
}
