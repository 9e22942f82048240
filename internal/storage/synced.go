package storage

import (
	"fmt"
	"time"
)

// SaveSyncedRecords stores records received by the sync sink, de-duplicating
// by id. It returns how many records were new.
func (s *Store) SaveSyncedRecords(recs []SyncedRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning sync transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, r := range recs {
		receivedAt := r.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now()
		}
		res, err := tx.Exec(`
			INSERT INTO synced_records (id, kind, payload_json, source, received_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			r.ID, r.Kind, r.PayloadJSON, r.Source, formatTime(receivedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting synced record %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing synced records: %w", err)
	}
	return inserted, nil
}

func (s *Store) CountSyncedRecords(kind string) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM synced_records`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM synced_records WHERE kind = ?`, kind).Scan(&n)
	}
	return n, err
}

func (s *Store) ListSyncedRecords(limit int) ([]SyncedRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, payload_json, source, received_at
		FROM synced_records ORDER BY received_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SyncedRecord
	for rows.Next() {
		var r SyncedRecord
		var receivedAt string
		if err := rows.Scan(&r.ID, &r.Kind, &r.PayloadJSON, &r.Source, &receivedAt); err != nil {
			return nil, err
		}
		if r.ReceivedAt, err = parseTime("received_at", receivedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
