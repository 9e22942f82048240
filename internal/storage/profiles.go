package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InsertProfile stores a new profile row. Returns ErrAlreadyExists if the
// owner (or its signature) is already present.
func (s *Store) InsertProfile(rec ProfileRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO profiles (owner_id, signature, data_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.OwnerID, rec.Signature, rec.DataJSON, rec.Version,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAlreadyExists
	}
	return err
}

func (s *Store) GetProfile(ownerID string) (ProfileRecord, error) {
	var rec ProfileRecord
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT owner_id, signature, data_json, version, created_at, updated_at
		FROM profiles WHERE owner_id = ?`, ownerID,
	).Scan(&rec.OwnerID, &rec.Signature, &rec.DataJSON, &rec.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProfileRecord{}, ErrNotFound
	}
	if err != nil {
		return ProfileRecord{}, err
	}
	if rec.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return ProfileRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return ProfileRecord{}, err
	}
	return rec, nil
}

// CompareAndSwapProfile replaces the profile data only if the stored version
// equals expectedVersion. The new version is written alongside the data.
func (s *Store) CompareAndSwapProfile(ownerID string, expectedVersion, newVersion int64, dataJSON string) error {
	res, err := s.db.Exec(`
		UPDATE profiles SET data_json = ?, version = ?, updated_at = ?
		WHERE owner_id = ? AND version = ?`,
		dataJSON, newVersion, formatTime(time.Now()), ownerID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing owner from a stale version.
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM profiles WHERE owner_id = ?`, ownerID).Scan(&exists); err != nil {
		return fmt.Errorf("checking profile %s: %w", ownerID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (s *Store) ListProfiles() ([]ProfileRecord, error) {
	rows, err := s.db.Query(`
		SELECT owner_id, signature, data_json, version, created_at, updated_at
		FROM profiles ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProfileRecord
	for rows.Next() {
		var rec ProfileRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.OwnerID, &rec.Signature, &rec.DataJSON, &rec.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
