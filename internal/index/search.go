package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"index-manager/internal/ingest"
	"index-manager/internal/metrics"
)

// Hit is one search result.
type Hit struct {
	Area     string          `json:"area"`
	ID       string          `json:"id"`
	Document ingest.Document `json:"document"`
}

// Search finds committed documents whose body contains query, optionally
// restricted to one area.
func (ix *Index) Search(ctx context.Context, query, area string, limit int) (hits []Hit, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("search", time.Since(start).Seconds(), err) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return []Hit{}, nil
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	// The trigram tokenizer needs at least three characters.
	var sqlQuery string
	var args []any
	if utf8.RuneCountInString(query) < 3 {
		sqlQuery = `SELECT d.area, d.id, d.body FROM documents d WHERE d.body LIKE ?`
		args = append(args, "%"+query+"%")
	} else {
		sqlQuery = `
			SELECT d.area, d.id, d.body
			FROM documents d
			INNER JOIN documents_fts fts ON d.rowid = fts.rowid
			WHERE documents_fts MATCH ?`
		args = append(args, prepareSearchTerm(query))
	}
	if area != "" {
		sqlQuery += ` AND d.area = ?`
		args = append(args, area)
	}
	sqlQuery += ` ORDER BY d.area, d.id LIMIT ?`
	args = append(args, limit)

	rows, err := ix.handle().QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer rows.Close()

	hits = []Hit{}
	for rows.Next() {
		var hit Hit
		var body string
		if err := rows.Scan(&hit.Area, &hit.ID, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &hit.Document); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", hit.Area, hit.ID, err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// prepareSearchTerm quotes query as a single FTS5 phrase.
func prepareSearchTerm(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}
