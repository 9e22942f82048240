package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxOutboxBackoff caps the delay MarkOutboxAttempt puts before a retry.
const MaxOutboxBackoff = 10 * time.Minute

// OutboxBackoff is the delay before retrying a record that has failed
// attempts times: 2^attempts seconds, capped at MaxOutboxBackoff.
func OutboxBackoff(attempts int) time.Duration {
	if attempts >= 10 {
		return MaxOutboxBackoff
	}
	return min(time.Duration(math.Pow(2, float64(attempts)))*time.Second, MaxOutboxBackoff)
}

// EnqueueOutbox appends a record to the outbox. Re-enqueueing an id that is
// still pending is a no-op, so callers may retry freely.
func (s *Store) EnqueueOutbox(rec OutboxRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO outbox (id, kind, payload_json, attempts, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Kind, rec.PayloadJSON, formatTime(createdAt),
	)
	return err
}

// PendingOutbox returns up to limit records in FIFO (insertion) order,
// including those still waiting out a backoff.
func (s *Store) PendingOutbox(limit int) ([]OutboxRecord, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, kind, payload_json, attempts, last_error, created_at, run_after
		FROM outbox ORDER BY seq ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []OutboxRecord
	for rows.Next() {
		var r OutboxRecord
		var lastError, runAfter *string
		var createdAt string
		if err := rows.Scan(&r.Seq, &r.ID, &r.Kind, &r.PayloadJSON, &r.Attempts, &lastError, &createdAt, &runAfter); err != nil {
			return nil, err
		}
		if lastError != nil {
			r.LastError = *lastError
		}
		if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if runAfter != nil {
			if r.RunAfter, err = parseTime("run_after", *runAfter); err != nil {
				return nil, err
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// AckOutbox removes acknowledged records.
func (s *Store) AckOutbox(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning ack transaction: %w", err)
	}
	defer tx.Rollback()

	query := `DELETE FROM outbox WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if _, err := tx.Exec(query, stringArgs(ids)...); err != nil {
		return fmt.Errorf("deleting acked records: %w", err)
	}
	return tx.Commit()
}

// MarkOutboxAttempt records a failed upload attempt for the given records
// and holds each back for OutboxBackoff of its new attempt count.
func (s *Store) MarkOutboxAttempt(ids []string, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning attempt transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, id := range ids {
		var attempts int
		err := tx.QueryRow(`SELECT attempts FROM outbox WHERE id = ?`, id).Scan(&attempts)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading attempts for %s: %w", id, err)
		}
		attempts++
		runAfter := now.Add(OutboxBackoff(attempts))
		if _, err := tx.Exec(`UPDATE outbox SET attempts = ?, last_error = ?, run_after = ? WHERE id = ?`,
			attempts, errMsg, formatTime(runAfter), id); err != nil {
			return fmt.Errorf("recording attempt for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// OutboxStats reports the number of pending records and the enqueue time of
// the head of the queue.
func (s *Store) OutboxStats() (pending int, oldest time.Time, err error) {
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&pending); err != nil {
		return 0, time.Time{}, err
	}
	if pending == 0 {
		return 0, time.Time{}, nil
	}
	var createdAt string
	if err := s.db.QueryRow(`SELECT created_at FROM outbox ORDER BY seq ASC LIMIT 1`).Scan(&createdAt); err != nil {
		return 0, time.Time{}, err
	}
	if oldest, err = parseTime("created_at", createdAt); err != nil {
		return 0, time.Time{}, err
	}
	return pending, oldest, nil
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
