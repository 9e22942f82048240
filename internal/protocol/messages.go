// Package protocol defines the peer wire messages and the Peer handle that
// carries them.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/kalambet/vibelink/internal/profile"
)

// Version is the protocol version this build speaks. Peers must match exactly.
const Version = 1

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	TypeHandshake       MessageType = "handshake"
	TypeHandshakeAck    MessageType = "handshake_ack"
	TypeProfileExchange MessageType = "profile_exchange"
	TypeExchangeAck     MessageType = "exchange_ack"
	TypeSessionResult   MessageType = "session_result"
)

var (
	// ErrDisconnected is wrapped by transports when the connection is gone.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrMalformed is returned when a message cannot be decoded or fails
	// validation.
	ErrMalformed = errors.New("malformed payload")
)

// Peer is a handle to one remote peer. Signature is the one-way identifier
// the peer advertised when it was discovered.
type Peer interface {
	Signature() string
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// Envelope is the unit sent over every transport.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Handshake struct {
	ProtocolVersion int    `json:"protocol_version"`
	PeerSignature   string `json:"peer_signature"`
}

type HandshakeAck struct {
	ProtocolVersion int    `json:"protocol_version"`
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
}

// WireProfile is a profile as it travels to a peer. It has no owner id.
type WireProfile struct {
	Dimensions          map[string]float64 `json:"dimensions"`
	DimensionConfidence map[string]float64 `json:"dimension_confidence"`
	EnergyLevel         float64            `json:"energy_level"`
	SocialPreference    float64            `json:"social_preference"`
	TrustNetworkScore   float64            `json:"trust_network_score"`
	Version             int64              `json:"version"`
}

type ProfileExchange struct {
	Profile WireProfile `json:"profile"`
}

type ExchangeAck struct {
	Received bool `json:"received"`
}

type SessionResult struct {
	CompatibilityScore float64 `json:"compatibility_score"`
	InteractionDepth   string  `json:"interaction_depth"`
}

// Encode wraps v in an envelope of the given type.
func Encode(t MessageType, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// Decode unpacks env into v after checking its type.
func Decode(env Envelope, want MessageType, v any) error {
	if env.Type != want {
		return fmt.Errorf("%w: got %q, want %q", ErrMalformed, env.Type, want)
	}
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformed, want)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrMalformed, want, err)
	}
	return nil
}

// ToWire strips the owner id and baseline from p.
func ToWire(p profile.Profile) WireProfile {
	cp := p.Clone()
	return WireProfile{
		Dimensions:          cp.Dimensions,
		DimensionConfidence: cp.DimensionConfidence,
		EnergyLevel:         cp.EnergyLevel,
		SocialPreference:    cp.SocialPreference,
		TrustNetworkScore:   cp.TrustNetworkScore,
		Version:             cp.Version,
	}
}

// Profile validates w and returns it as a normalized profile. Out-of-range
// values are clamped; structural problems are ErrMalformed.
func (w WireProfile) Profile() (profile.Profile, error) {
	if len(w.Dimensions) == 0 {
		return profile.Profile{}, fmt.Errorf("%w: profile has no dimensions", ErrMalformed)
	}
	if len(w.Dimensions) > profile.MaxDimensions {
		return profile.Profile{}, fmt.Errorf("%w: %d dimensions", ErrMalformed, len(w.Dimensions))
	}
	for d, v := range w.Dimensions {
		if d == "" || math.IsInf(v, 0) || math.IsNaN(v) {
			return profile.Profile{}, fmt.Errorf("%w: dimension %q", ErrMalformed, d)
		}
	}
	if w.Version < 0 {
		return profile.Profile{}, fmt.Errorf("%w: negative version", ErrMalformed)
	}

	p := profile.Profile{
		Dimensions:          w.Dimensions,
		DimensionConfidence: w.DimensionConfidence,
		EnergyLevel:         w.EnergyLevel,
		SocialPreference:    w.SocialPreference,
		TrustNetworkScore:   w.TrustNetworkScore,
		Version:             w.Version,
	}.Clone()
	p.Normalize()
	return p, nil
}
