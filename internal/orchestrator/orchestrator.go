// Package orchestrator admits discovered peers into concurrent sessions,
// enforcing a global ceiling and one session per peer signature.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/learning"
	"github.com/kalambet/vibelink/internal/protocol"
	"github.com/kalambet/vibelink/internal/session"
)

var (
	// ErrDropped resolves tickets evicted from a full pending queue.
	ErrDropped = errors.New("peer dropped from pending queue")
	// ErrShuttingDown resolves tickets for peers that arrive during or
	// after shutdown, and for peers still pending when it starts.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Discoverer produces peer handles until ctx is cancelled.
type Discoverer interface {
	Discover(ctx context.Context) <-chan protocol.Peer
}

// Config configures an Orchestrator.
type Config struct {
	OwnerID        string
	LocalSignature string
	Profiles       session.ProfileStore
	Recorder       session.Recorder

	Thresholds compat.Thresholds
	Weights    compat.Weights
	Learning   learning.Params
	Timeouts   session.Timeouts

	// Ceiling bounds concurrently running sessions. Default 8.
	Ceiling int
	// PendingLimit bounds peers waiting for a slot. Zero disables the
	// queue: a peer arriving at the ceiling is dropped at once.
	PendingLimit int
}

// Status describes a running session.
type Status struct {
	SessionID     string `json:"session_id"`
	PeerSignature string `json:"peer_signature"`
	State         string `json:"state"`
}

type entry struct {
	peer    protocol.Peer
	ticket  *Ticket
	session *session.Session
}

// Orchestrator owns the set of in-flight sessions.
type Orchestrator struct {
	sessionCfg   session.Config
	ceiling      int
	pendingLimit int
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	byPeer  map[string]*entry
	running int
	pending []*entry
	closed  bool
}

// New validates cfg and builds an Orchestrator. An invalid scoring table or
// learning parameter set is a *compat.ConfigError; nothing is started.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("orchestrator: profile store is required")
	}
	if cfg.OwnerID == "" || cfg.LocalSignature == "" {
		return nil, fmt.Errorf("orchestrator: owner id and local signature are required")
	}
	if cfg.Ceiling == 0 {
		cfg.Ceiling = 8
	}
	if cfg.Ceiling < 0 {
		return nil, &compat.ConfigError{Field: "peer.concurrency_ceiling", Reason: "must be positive"}
	}
	if cfg.PendingLimit < 0 {
		return nil, &compat.ConfigError{Field: "peer.pending_limit", Reason: "must not be negative"}
	}

	scorer, err := compat.NewScorer(cfg.Thresholds, cfg.Weights)
	if err != nil {
		return nil, err
	}
	engine, err := learning.NewEngine(cfg.Learning)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sessionCfg: session.Config{
			OwnerID:        cfg.OwnerID,
			LocalSignature: cfg.LocalSignature,
			Profiles:       cfg.Profiles,
			Scorer:         scorer,
			Learner:        engine,
			Recorder:       cfg.Recorder,
			Timeouts:       cfg.Timeouts,
		},
		ceiling:      cfg.Ceiling,
		pendingLimit: cfg.PendingLimit,
		logger:       slog.Default(),
		ctx:          ctx,
		cancel:       cancel,
		byPeer:       make(map[string]*entry),
	}, nil
}

// HandlePeerDiscovered admits peer and returns a ticket for its session. It
// never blocks on session work. A peer whose signature already has a session
// running or pending gets that session's ticket and the new handle is closed.
func (o *Orchestrator) HandlePeerDiscovered(peer protocol.Peer) *Ticket {
	sig := peer.Signature()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		peer.Close()
		t := newTicket(sig)
		t.resolve(session.Result{PeerSignature: sig}, ErrShuttingDown)
		return t
	}
	if e, ok := o.byPeer[sig]; ok {
		o.logger.Debug("duplicate peer, reusing session", "peer", sig)
		if e.peer != peer {
			peer.Close()
		}
		return e.ticket
	}

	e := &entry{peer: peer, ticket: newTicket(sig)}
	o.byPeer[sig] = e
	if o.running < o.ceiling {
		o.start(e)
		return e.ticket
	}

	o.pending = append(o.pending, e)
	if len(o.pending) > o.pendingLimit {
		oldest := o.pending[0]
		o.pending = o.pending[1:]
		o.evict(oldest, ErrDropped)
		o.logger.Warn("pending queue full, dropped oldest peer", "peer", oldest.ticket.PeerSignature)
	}
	return e.ticket
}

// start runs e's session. Callers hold o.mu.
func (o *Orchestrator) start(e *entry) {
	e.session = session.New(o.sessionCfg, e.peer)
	o.running++
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res := e.session.Run(o.ctx)
		e.peer.Close()
		o.finish(e, res)
	}()
}

func (o *Orchestrator) finish(e *entry, res session.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.byPeer, e.ticket.PeerSignature)
	o.running--
	e.ticket.resolve(res, res.Err)

	for !o.closed && o.running < o.ceiling && len(o.pending) > 0 {
		next := o.pending[0]
		o.pending = o.pending[1:]
		o.start(next)
	}
}

// evict resolves a pending entry without running it. Callers hold o.mu.
func (o *Orchestrator) evict(e *entry, err error) {
	delete(o.byPeer, e.ticket.PeerSignature)
	e.peer.Close()
	e.ticket.resolve(session.Result{PeerSignature: e.ticket.PeerSignature}, err)
}

// Run feeds peers from d into the orchestrator until ctx is cancelled, then
// shuts down.
func (o *Orchestrator) Run(ctx context.Context, d Discoverer) error {
	peers := d.Discover(ctx)
	for {
		select {
		case <-ctx.Done():
			return o.Shutdown(context.Background())
		case p, ok := <-peers:
			if !ok {
				peers = nil
				continue
			}
			o.HandlePeerDiscovered(p)
		}
	}
}

// Shutdown stops admission, resolves pending peers with ErrShuttingDown and
// cancels running sessions, then waits for them until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		for _, e := range o.pending {
			o.evict(e, ErrShuttingDown)
		}
		o.pending = nil
	}
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

// Active lists running sessions ordered by peer signature.
func (o *Orchestrator) Active() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, o.running)
	for sig, e := range o.byPeer {
		if e.session == nil {
			continue
		}
		out = append(out, Status{
			SessionID:     e.session.ID(),
			PeerSignature: sig,
			State:         e.session.State().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerSignature < out[j].PeerSignature })
	return out
}

// Pending returns the number of peers waiting for a slot.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
