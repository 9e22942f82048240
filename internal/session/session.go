// Package session runs one peer exchange end to end: handshake, profile
// exchange, scoring, learning and commit.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/profile"
	"github.com/kalambet/vibelink/internal/protocol"
	"github.com/kalambet/vibelink/internal/reconcile"
)

// ProfileStore is the local profile owner. Implemented by profile.Manager.
type ProfileStore interface {
	Get(ctx context.Context, ownerID string) (profile.Profile, error)
	Update(ctx context.Context, ownerID string, in profile.Insight) (profile.Profile, error)
}

type Scorer interface {
	Score(local, remote profile.Profile) compat.Result
}

type Learner interface {
	ProposeAdjustment(sessionID string, local, remote profile.Profile, res compat.Result) profile.Insight
}

// Recorder receives session results. Implemented by reconcile.Queue.
type Recorder interface {
	Enqueue(rec reconcile.Record)
}

// Timeouts bound each suspension point.
type Timeouts struct {
	Handshake time.Duration
	Exchange  time.Duration
	Commit    time.Duration
}

var DefaultTimeouts = Timeouts{
	Handshake: 5 * time.Second,
	Exchange:  10 * time.Second,
	Commit:    2 * time.Second,
}

// Config holds the collaborators shared by every session of a node.
type Config struct {
	OwnerID        string
	LocalSignature string
	Profiles       ProfileStore
	Scorer         Scorer
	Learner        Learner
	// Recorder may be nil, in which case results are not queued.
	Recorder Recorder
	Timeouts Timeouts
	Logger   *slog.Logger
}

// Result is what a finished session reports.
type Result struct {
	SessionID     string
	PeerSignature string
	State         State
	Compat        *compat.Result
	Insight       *profile.Insight
	// Profile is the committed local profile on success.
	Profile   *profile.Profile
	Err       error
	History   []State
	StartedAt time.Time
	EndedAt   time.Time
}

// Outcome classifies the result for metrics.
func (r Result) Outcome() reconcile.Outcome {
	switch {
	case r.State == StateCompleted:
		return reconcile.OutcomeSuccess
	case r.Compat != nil:
		return reconcile.OutcomePartial
	default:
		return reconcile.OutcomeFailed
	}
}

// Session drives a single exchange with one peer. Run may be called once.
type Session struct {
	id     string
	cfg    Config
	peer   protocol.Peer
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	history []State
}

func New(cfg Config, peer protocol.Peer) *Session {
	if cfg.Timeouts.Handshake <= 0 {
		cfg.Timeouts.Handshake = DefaultTimeouts.Handshake
	}
	if cfg.Timeouts.Exchange <= 0 {
		cfg.Timeouts.Exchange = DefaultTimeouts.Exchange
	}
	if cfg.Timeouts.Commit <= 0 {
		cfg.Timeouts.Commit = DefaultTimeouts.Commit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Session{
		id:      id,
		cfg:     cfg,
		peer:    peer,
		logger:  logger.With("session_id", id, "peer", peer.Signature()),
		state:   StateInit,
		history: []State{StateInit},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) PeerSignature() string { return s.peer.Signature() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = to
	s.history = append(s.history, to)
}

// Run executes the exchange. It never panics on peer input and never
// returns a partially committed profile: either Update succeeded and the
// result is Completed, or nothing was written.
func (s *Session) Run(ctx context.Context) Result {
	res := Result{
		SessionID:     s.id,
		PeerSignature: s.peer.Signature(),
		StartedAt:     time.Now().UTC(),
	}

	err := s.run(ctx, &res)
	if err != nil {
		failedIn := s.State()
		err = s.classify(ctx, err)
		s.transition(StateFailed)
		res.Err = &Error{State: failedIn, Err: err}
		if errors.Is(err, ErrCancelled) {
			s.logger.Info("session cancelled", "state", failedIn.String())
		} else {
			s.logger.Warn("session failed", "state", failedIn.String(), "error", err)
		}
	} else {
		s.transition(StateCompleted)
	}

	res.EndedAt = time.Now().UTC()
	s.mu.Lock()
	res.State = s.state
	res.History = append([]State(nil), s.history...)
	s.mu.Unlock()

	if err == nil {
		s.notifyPeer(ctx, res)
	}
	if !errors.Is(res.Err, ErrCancelled) {
		s.record(res)
	}
	return res
}

func (s *Session) run(ctx context.Context, res *Result) error {
	s.transition(StateHandshaking)
	if err := s.withTimeout(ctx, s.cfg.Timeouts.Handshake, s.handshake); err != nil {
		return err
	}

	s.transition(StateExchangingProfiles)
	local, err := s.cfg.Profiles.Get(ctx, s.cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("loading local profile: %w", err)
	}
	var remote profile.Profile
	err = s.withTimeout(ctx, s.cfg.Timeouts.Exchange, func(ctx context.Context) error {
		remote, err = s.exchange(ctx, local)
		return err
	})
	if err != nil {
		return err
	}

	s.transition(StateScoring)
	cr := s.cfg.Scorer.Score(local, remote)
	res.Compat = &cr

	s.transition(StateLearning)
	insight := s.cfg.Learner.ProposeAdjustment(s.id, local, remote, cr)

	s.transition(StateCommitting)
	return s.withTimeout(ctx, s.cfg.Timeouts.Commit, func(ctx context.Context) error {
		committed, in, cr2, err := s.commit(ctx, remote, local, insight, cr)
		if err != nil {
			return err
		}
		res.Compat = &cr2
		res.Insight = &in
		res.Profile = &committed
		s.logger.Info("session committed",
			"score", cr2.Score, "depth", cr2.Depth.String(), "version", committed.Version)
		return nil
	})
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.send(ctx, protocol.TypeHandshake, protocol.Handshake{
		ProtocolVersion: protocol.Version,
		PeerSignature:   s.cfg.LocalSignature,
	}); err != nil {
		return err
	}

	var hs protocol.Handshake
	if err := s.receive(ctx, protocol.TypeHandshake, &hs); err != nil {
		return err
	}
	if hs.ProtocolVersion != protocol.Version {
		_ = s.send(ctx, protocol.TypeHandshakeAck, protocol.HandshakeAck{
			ProtocolVersion: protocol.Version,
			Reason:          fmt.Sprintf("unsupported protocol version %d", hs.ProtocolVersion),
		})
		return fmt.Errorf("%w: peer speaks %d, we speak %d", ErrVersionMismatch, hs.ProtocolVersion, protocol.Version)
	}
	if hs.PeerSignature != s.peer.Signature() {
		return fmt.Errorf("%w: handshake signature does not match advertised peer", ErrMalformedPayload)
	}
	if err := s.send(ctx, protocol.TypeHandshakeAck, protocol.HandshakeAck{
		ProtocolVersion: protocol.Version,
		Accepted:        true,
	}); err != nil {
		return err
	}

	var ack protocol.HandshakeAck
	if err := s.receive(ctx, protocol.TypeHandshakeAck, &ack); err != nil {
		return err
	}
	if !ack.Accepted || ack.ProtocolVersion != protocol.Version {
		return fmt.Errorf("%w: peer rejected handshake: %s", ErrVersionMismatch, ack.Reason)
	}
	return nil
}

func (s *Session) exchange(ctx context.Context, local profile.Profile) (profile.Profile, error) {
	if err := s.send(ctx, protocol.TypeProfileExchange, protocol.ProfileExchange{
		Profile: protocol.ToWire(local),
	}); err != nil {
		return profile.Profile{}, err
	}

	var pe protocol.ProfileExchange
	if err := s.receive(ctx, protocol.TypeProfileExchange, &pe); err != nil {
		return profile.Profile{}, err
	}
	remote, err := pe.Profile.Profile()
	if err != nil {
		_ = s.send(ctx, protocol.TypeExchangeAck, protocol.ExchangeAck{Received: false})
		return profile.Profile{}, err
	}
	if err := s.send(ctx, protocol.TypeExchangeAck, protocol.ExchangeAck{Received: true}); err != nil {
		return profile.Profile{}, err
	}

	var ack protocol.ExchangeAck
	if err := s.receive(ctx, protocol.TypeExchangeAck, &ack); err != nil {
		return profile.Profile{}, err
	}
	if !ack.Received {
		return profile.Profile{}, fmt.Errorf("%w: peer rejected our profile", ErrMalformedPayload)
	}
	return remote, nil
}

// commit applies the insight. A version conflict triggers one recomputation
// against the refreshed profile; a second conflict gives up.
func (s *Session) commit(ctx context.Context, remote, local profile.Profile, in profile.Insight, cr compat.Result) (profile.Profile, profile.Insight, compat.Result, error) {
	for attempt := 0; ; attempt++ {
		committed, err := s.cfg.Profiles.Update(ctx, s.cfg.OwnerID, in)
		if err == nil {
			return committed, in, cr, nil
		}
		if !errors.Is(err, profile.ErrConflict) {
			return profile.Profile{}, in, cr, fmt.Errorf("updating profile: %w", err)
		}
		if attempt > 0 {
			return profile.Profile{}, in, cr, fmt.Errorf("%w: %v", ErrConflictExhausted, err)
		}

		s.logger.Debug("profile changed during session, recomputing", "base_version", in.BaseVersion)
		local, err = s.cfg.Profiles.Get(ctx, s.cfg.OwnerID)
		if err != nil {
			return profile.Profile{}, in, cr, fmt.Errorf("refreshing local profile: %w", err)
		}
		cr = s.cfg.Scorer.Score(local, remote)
		in = s.cfg.Learner.ProposeAdjustment(s.id, local, remote, cr)
	}
}

func (s *Session) send(ctx context.Context, t protocol.MessageType, v any) error {
	env, err := protocol.Encode(t, v)
	if err != nil {
		return err
	}
	return s.peer.Send(ctx, env)
}

func (s *Session) receive(ctx context.Context, want protocol.MessageType, v any) error {
	env, err := s.peer.Receive(ctx)
	if err != nil {
		return err
	}
	// A rejection can arrive in place of any handshake-phase message.
	if env.Type == protocol.TypeHandshakeAck && want != protocol.TypeHandshakeAck {
		var ack protocol.HandshakeAck
		if protocol.Decode(env, protocol.TypeHandshakeAck, &ack) == nil && !ack.Accepted {
			return fmt.Errorf("%w: peer rejected handshake: %s", ErrVersionMismatch, ack.Reason)
		}
	}
	return protocol.Decode(env, want, v)
}

// withTimeout runs fn under a phase deadline and tags deadline expiry of the
// phase itself as ErrTimeout.
func (s *Session) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	phaseCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := fn(phaseCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, d, err)
	}
	return err
}

// classify maps transport and context errors onto the session taxonomy.
func (s *Session) classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrVersionMismatch),
		errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrConflictExhausted):
		return err
	case errors.Is(err, protocol.ErrDisconnected):
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	case errors.Is(err, protocol.ErrMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	default:
		return err
	}
}

// notifyPeer sends the informational SessionResult. Failures are ignored.
func (s *Session) notifyPeer(ctx context.Context, res Result) {
	if res.Compat == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Handshake)
	defer cancel()
	if err := s.send(ctx, protocol.TypeSessionResult, protocol.SessionResult{
		CompatibilityScore: res.Compat.Score,
		InteractionDepth:   res.Compat.Depth.String(),
	}); err != nil {
		s.logger.Debug("session result not delivered", "error", err)
	}
}

func (s *Session) record(res Result) {
	if s.cfg.Recorder == nil {
		return
	}
	m := reconcile.ConnectionMetrics{
		SessionID:     res.SessionID,
		PeerSignature: res.PeerSignature,
		Outcome:       res.Outcome(),
		StartedAt:     res.StartedAt,
		EndedAt:       res.EndedAt,
	}
	if res.Compat != nil {
		m.CompatibilityScore = res.Compat.Score
		m.InteractionDepth = res.Compat.Depth.String()
	}
	if res.Err != nil {
		m.Error = res.Err.Error()
	}

	rec, err := reconcile.MetricsRecord(m)
	if err != nil {
		s.logger.Error("building metrics record", "error", err)
		return
	}
	s.cfg.Recorder.Enqueue(rec)

	if res.State == StateCompleted && res.Insight != nil {
		rec, err := reconcile.InsightRecord(*res.Insight)
		if err != nil {
			s.logger.Error("building insight record", "error", err)
			return
		}
		s.cfg.Recorder.Enqueue(rec)
	}
}
