package index

import (
	"context"
	"fmt"
	"time"

	"index-manager/internal/metrics"
)

// DeadLetter is a change that could not be applied to the index.
type DeadLetter struct {
	Area       string    `json:"area"`
	Generation int64     `json:"generation"`
	DocumentID string    `json:"documentId"`
	ChangeType string    `json:"changeType"`
	Error      string    `json:"error"`
	Payload    string    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AddDeadLetter records a failed change as part of the current batch, so it
// becomes durable together with the surrounding writes. A change recorded
// twice keeps the latest error.
func (ix *Index) AddDeadLetter(ctx context.Context, dl DeadLetter) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("dead_letter", time.Since(start).Seconds(), err) }()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.batch()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO deadletters (area, generation, document_id, change_type, error, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(area, generation, document_id) DO UPDATE SET
			error = excluded.error,
			payload = excluded.payload
	`, dl.Area, dl.Generation, dl.DocumentID, dl.ChangeType, dl.Error, dl.Payload)
	if err != nil {
		return fmt.Errorf("record dead letter %s/%s@%d: %w", dl.Area, dl.DocumentID, dl.Generation, err)
	}
	return nil
}

// DeadLetters returns the most recent committed dead letters, newest first.
func (ix *Index) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit < 1 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := ix.handle().QueryContext(ctx, `
		SELECT area, generation, document_id, change_type, error, COALESCE(payload, ''), created_at
		FROM deadletters
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	letters := []DeadLetter{}
	for rows.Next() {
		var dl DeadLetter
		var created int64
		if err := rows.Scan(&dl.Area, &dl.Generation, &dl.DocumentID, &dl.ChangeType, &dl.Error, &dl.Payload, &created); err != nil {
			return nil, err
		}
		dl.CreatedAt = time.Unix(created, 0)
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}
