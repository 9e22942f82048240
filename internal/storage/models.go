package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by CompareAndSwapProfile when the stored
// version no longer matches the caller's expected version.
var ErrVersionConflict = errors.New("version conflict")

// ErrAlreadyExists is returned when inserting a profile whose owner already has one.
var ErrAlreadyExists = errors.New("already exists")

type ProfileRecord struct {
	OwnerID   string
	Signature string
	DataJSON  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OutboxRecord is one entry of the reconciliation queue.
type OutboxRecord struct {
	Seq         int64
	ID          string
	Kind        string // "metrics" or "insight"
	PayloadJSON string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	RunAfter    time.Time // zero until an upload fails
}

// SyncedRecord is a record accepted by the sync sink.
type SyncedRecord struct {
	ID          string
	Kind        string
	PayloadJSON string
	Source      string
	ReceivedAt  time.Time
}
