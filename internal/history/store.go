// Package history persists terminal transcription outcomes so operators can
// audit what the worker produced and why requests failed.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Status is the terminal disposition of one transcription request.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Transcript is one recorded transcription outcome.
type Transcript struct {
	ID          string    `json:"id"`
	File        string    `json:"file"`
	Model       string    `json:"model"`
	Status      Status    `json:"status"`
	Text        string    `json:"text,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends one terminal outcome.
func (s *Store) Record(ctx context.Context, t Transcript) error {
	if t.ID == "" {
		return fmt.Errorf("transcript id is empty")
	}
	if t.Status == "" {
		return fmt.Errorf("transcript status is empty")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO transcripts(id, file, model, status, text, error, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, t.ID, t.File, t.Model, t.Status, t.Text, t.Error,
		t.StartedAt.UTC().Format(time.RFC3339Nano),
		t.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record transcript: %w", err)
	}
	return nil
}

// Recent returns up to limit transcripts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, file, model, status, text, error, started_at, completed_at
FROM transcripts
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var (
			t            Transcript
			text         sql.NullString
			errMsg       sql.NullString
			statusS      string
			startedAtS   string
			completedAtS string
		)
		if err := rows.Scan(&t.ID, &t.File, &t.Model, &statusS, &text, &errMsg, &startedAtS, &completedAtS); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t.Status = Status(statusS)
		if text.Valid {
			t.Text = text.String
		}
		if errMsg.Valid {
			t.Error = errMsg.String
		}
		if ts, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
			t.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, completedAtS); err == nil {
			t.CompletedAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes transcripts completed before now-retention and returns how
// many rows were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transcripts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
