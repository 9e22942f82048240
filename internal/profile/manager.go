package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/vibelink/internal/storage"
)

var (
	// ErrConflict is returned by Update when the profile changed after the
	// insight was computed.
	ErrConflict = errors.New("profile version conflict")
	// ErrNotFound is returned when the owner has no profile.
	ErrNotFound = errors.New("profile not found")
	// ErrTooManyDimensions is returned by Create for profiles above MaxDimensions.
	ErrTooManyDimensions = fmt.Errorf("profile has more than %d dimensions", MaxDimensions)
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	InsertProfile(rec storage.ProfileRecord) error
	GetProfile(ownerID string) (storage.ProfileRecord, error)
	CompareAndSwapProfile(ownerID string, expectedVersion, newVersion int64, dataJSON string) error
	ListProfiles() ([]storage.ProfileRecord, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	profile  Profile
	cachedAt time.Time
}

// Manager is the single owner of canonical profiles. Reads are served from a
// short-lived cache; writes are serialized through one writer slot and
// guarded by a version compare-and-swap in storage.
type Manager struct {
	store  ProfileStore
	salt   []byte
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger

	writeSlot chan struct{}

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore, salt []byte) *Manager {
	return NewManagerWithClock(store, salt, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, salt []byte, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store:     store,
		salt:      salt,
		clock:     clock,
		ttl:       ttl,
		logger:    slog.Default(),
		writeSlot: make(chan struct{}, 1),
		cache:     make(map[string]cacheEntry),
	}
}

// Signature returns the peer signature for ownerID.
func (m *Manager) Signature(ownerID string) (string, error) {
	return Signature(ownerID, m.salt)
}

// Create onboards a new profile. Values are normalized, the baseline is
// captured from the initial dimensions and the version starts at 0.
func (m *Manager) Create(ctx context.Context, ownerID string, p Profile) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	if len(p.Dimensions) > MaxDimensions {
		return Profile{}, ErrTooManyDimensions
	}
	sig, err := m.Signature(ownerID)
	if err != nil {
		return Profile{}, err
	}

	p = p.Clone()
	p.OwnerID = ownerID
	p.Version = 0
	p.Normalize()
	if p.Baseline == nil {
		p.Baseline = copyMap(p.Dimensions)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Profile{}, fmt.Errorf("marshalling profile: %w", err)
	}
	if err := m.store.InsertProfile(storage.ProfileRecord{
		OwnerID:   ownerID,
		Signature: sig,
		DataJSON:  string(data),
		Version:   0,
	}); err != nil {
		return Profile{}, fmt.Errorf("inserting profile %s: %w", sig, err)
	}

	m.remember(p)
	return p.Clone(), nil
}

// Get returns a copy of the owner's current profile.
func (m *Manager) Get(ctx context.Context, ownerID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	// Fast path: read lock for cache hit.
	m.mu.RLock()
	e, ok := m.cache[ownerID]
	if ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		p := e.profile.Clone()
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	p, err := m.load(ownerID)
	if err != nil {
		return Profile{}, err
	}
	m.remember(p)
	return p.Clone(), nil
}

// Update applies the insight atomically. It fails with ErrConflict when the
// stored version differs from in.BaseVersion; nothing is written in that case.
// The returned profile is the committed state.
func (m *Manager) Update(ctx context.Context, ownerID string, in Insight) (Profile, error) {
	select {
	case m.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return Profile{}, ctx.Err()
	}
	defer func() { <-m.writeSlot }()

	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	cur, err := m.load(ownerID)
	if err != nil {
		return Profile{}, err
	}
	if cur.Version != in.BaseVersion {
		m.remember(cur)
		return Profile{}, fmt.Errorf("%w: have version %d, insight built on %d", ErrConflict, cur.Version, in.BaseVersion)
	}

	next := Apply(cur, in)
	data, err := json.Marshal(next)
	if err != nil {
		return Profile{}, fmt.Errorf("marshalling profile: %w", err)
	}

	err = m.store.CompareAndSwapProfile(ownerID, cur.Version, next.Version, string(data))
	switch {
	case errors.Is(err, storage.ErrVersionConflict):
		m.forget(ownerID)
		return Profile{}, fmt.Errorf("%w: concurrent write to version %d", ErrConflict, cur.Version)
	case errors.Is(err, storage.ErrNotFound):
		return Profile{}, ErrNotFound
	case err != nil:
		return Profile{}, fmt.Errorf("writing profile: %w", err)
	}

	m.remember(next)
	m.logger.Debug("profile updated", "version", next.Version, "session_id", in.SourceSessionID)
	return next.Clone(), nil
}

// List returns all stored profiles ordered by owner id.
func (m *Manager) List(ctx context.Context) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs, err := m.store.ListProfiles()
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	out := make([]Profile, 0, len(recs))
	for _, rec := range recs {
		p, err := decodeRecord(rec)
		if err != nil {
			m.logger.Warn("malformed stored profile, skipping", "signature", rec.Signature, "error", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (m *Manager) load(ownerID string) (Profile, error) {
	rec, err := m.store.GetProfile(ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile: %w", err)
	}
	return decodeRecord(rec)
}

func (m *Manager) remember(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[p.OwnerID] = cacheEntry{profile: p.Clone(), cachedAt: m.clock.Now()}
}

func (m *Manager) forget(ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, ownerID)
}

func decodeRecord(rec storage.ProfileRecord) (Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(rec.DataJSON), &p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile: %w", err)
	}
	p.OwnerID = rec.OwnerID
	p.Version = rec.Version
	p.Normalize()
	return p, nil
}
