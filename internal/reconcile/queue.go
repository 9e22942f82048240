package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/vibelink/internal/storage"
)

// ErrDrainInProgress is returned by Drain when another Drain on the same
// queue is still running. The running Drain delivers whatever is pending.
var ErrDrainInProgress = errors.New("reconcile: drain already in progress")

// OutboxStore defines the storage operations the Queue needs.
// Implemented by storage.Store.
type OutboxStore interface {
	EnqueueOutbox(rec storage.OutboxRecord) error
	PendingOutbox(limit int) ([]storage.OutboxRecord, error)
	AckOutbox(ids []string) error
	MarkOutboxAttempt(ids []string, errMsg string) error
	OutboxStats() (pending int, oldest time.Time, err error)
}

// SyncBackend receives batches of records. Implementations must treat a
// repeated record id as already delivered. Any error is retryable.
type SyncBackend interface {
	Upload(ctx context.Context, batch []Record) error
}

// Stats is a snapshot of the queue.
type Stats struct {
	Pending int       `json:"pending"`
	Spilled int       `json:"spilled"`
	Oldest  time.Time `json:"oldest,omitempty"`
	RetryAt time.Time `json:"retry_at,omitempty"` // set while the head is backing off
}

// Queue is a durable FIFO backed by the SQLite outbox.
type Queue struct {
	store     OutboxStore
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	spill []Record

	draining sync.Mutex
}

// NewQueue creates a Queue. batchSize <= 0 defaults to 50.
func NewQueue(store OutboxStore, batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Queue{
		store:     store,
		batchSize: batchSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Enqueue stores rec. It never fails: when the outbox is unavailable the
// record is held in memory and written on the next Drain.
func (q *Queue) Enqueue(rec Record) {
	if err := q.store.EnqueueOutbox(toOutbox(rec)); err != nil {
		q.logger.Warn("outbox write failed, holding record in memory", "id", rec.ID, "kind", rec.Kind, "error", err)
		q.mu.Lock()
		q.spill = append(q.spill, rec)
		q.mu.Unlock()
	}
}

// Drain uploads pending records in FIFO order until the outbox is empty, an
// upload fails, or the head of the queue is still backing off from an
// earlier failure. Records are removed only after the backend accepts them.
// A concurrent call returns ErrDrainInProgress without touching the outbox.
func (q *Queue) Drain(ctx context.Context, backend SyncBackend) (int, error) {
	if !q.draining.TryLock() {
		return 0, ErrDrainInProgress
	}
	defer q.draining.Unlock()

	q.flushSpill()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		pending, err := q.store.PendingOutbox(q.batchSize)
		if err != nil {
			return sent, fmt.Errorf("reading outbox: %w", err)
		}
		if len(pending) == 0 {
			return sent, nil
		}
		if head := pending[0]; head.RunAfter.After(q.now()) {
			q.logger.Debug("outbox backing off", "retry_at", head.RunAfter, "attempts", head.Attempts)
			return sent, nil
		}

		batch := make([]Record, 0, len(pending))
		ids := make([]string, 0, len(pending))
		for _, r := range pending {
			batch = append(batch, fromOutbox(r))
			ids = append(ids, r.ID)
		}

		if err := backend.Upload(ctx, batch); err != nil {
			if markErr := q.store.MarkOutboxAttempt(ids, err.Error()); markErr != nil {
				q.logger.Error("failed to record upload attempt", "error", markErr)
			}
			return sent, fmt.Errorf("uploading batch of %d: %w", len(batch), err)
		}
		if err := q.store.AckOutbox(ids); err != nil {
			return sent, fmt.Errorf("acknowledging batch: %w", err)
		}
		sent += len(batch)
		q.logger.Debug("outbox batch delivered", "records", len(batch))
	}
}

// Stats reports the outbox depth plus any records held in memory.
func (q *Queue) Stats() (Stats, error) {
	pending, oldest, err := q.store.OutboxStats()
	if err != nil {
		return Stats{}, fmt.Errorf("reading outbox stats: %w", err)
	}
	st := Stats{Pending: pending, Oldest: oldest}
	if pending > 0 {
		head, err := q.store.PendingOutbox(1)
		if err != nil {
			return Stats{}, fmt.Errorf("reading outbox head: %w", err)
		}
		if len(head) == 1 && head[0].RunAfter.After(q.now()) {
			st.RetryAt = head[0].RunAfter
		}
	}
	q.mu.Lock()
	st.Spilled = len(q.spill)
	q.mu.Unlock()
	return st, nil
}

// Pending returns the number of records awaiting delivery.
func (q *Queue) Pending() int {
	st, err := q.Stats()
	if err != nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.spill)
	}
	return st.Pending + st.Spilled
}

func (q *Queue) flushSpill() {
	q.mu.Lock()
	spill := q.spill
	q.spill = nil
	q.mu.Unlock()

	var kept []Record
	for _, rec := range spill {
		if err := q.store.EnqueueOutbox(toOutbox(rec)); err != nil {
			kept = append(kept, rec)
		}
	}
	if len(kept) > 0 {
		q.mu.Lock()
		q.spill = append(kept, q.spill...)
		q.mu.Unlock()
	}
}

func toOutbox(rec Record) storage.OutboxRecord {
	return storage.OutboxRecord{
		ID:          rec.ID,
		Kind:        rec.Kind,
		PayloadJSON: string(rec.Payload),
		CreatedAt:   rec.CreatedAt,
	}
}

func fromOutbox(r storage.OutboxRecord) Record {
	return Record{
		ID:        r.ID,
		Kind:      r.Kind,
		Payload:   json.RawMessage(r.PayloadJSON),
		CreatedAt: r.CreatedAt,
	}
}
