// Package config loads vibelink settings from defaults, a JSON file and
// VIBELINK_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/learning"
	"github.com/kalambet/vibelink/internal/session"
)

type Config struct {
	Identity IdentityConfig
	Server   ServerConfig
	Peer     PeerConfig
	Scoring  ScoringConfig
	Learning LearningConfig
	Storage  StorageConfig
	Sync     SyncConfig
	Log      LogConfig
}

type IdentityConfig struct {
	OwnerID string
}

type ServerConfig struct {
	Port int
}

type PeerConfig struct {
	ListenAddr         string
	ConcurrencyCeiling int
	PendingLimit       int
	MaxInbound         int
	HandshakeTimeout   time.Duration
	ExchangeTimeout    time.Duration
	CommitTimeout      time.Duration
}

// ScoringConfig keeps the raw comma-separated lists; Validate parses them.
type ScoringConfig struct {
	DepthThresholds string
	Weights         string
}

type LearningConfig struct {
	DiffThreshold       float64
	ConfidenceThreshold float64
	InfluenceCap        float64
	DriftLimit          float64
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	URL       string
	Interval  time.Duration
	BatchSize int
	Token     string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4100},
		Peer: PeerConfig{
			ListenAddr:         ":4110",
			ConcurrencyCeiling: 8,
			PendingLimit:       32,
			MaxInbound:         16,
			HandshakeTimeout:   session.DefaultTimeouts.Handshake,
			ExchangeTimeout:    session.DefaultTimeouts.Exchange,
			CommitTimeout:      session.DefaultTimeouts.Commit,
		},
		Scoring: ScoringConfig{
			DepthThresholds: "0,0.2,0.5,0.8",
			Weights:         "0.40,0.25,0.25,0.10",
		},
		Learning: LearningConfig{
			DiffThreshold:       learning.DefaultParams.DiffThreshold,
			ConfidenceThreshold: learning.DefaultParams.ConfidenceThreshold,
			InfluenceCap:        learning.DefaultParams.InfluenceCap,
			DriftLimit:          learning.DefaultParams.DriftLimit,
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Sync: SyncConfig{
			Interval:  30 * time.Second,
			BatchSize: 50,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/vibelink/config.json, then applies VIBELINK_* environment
// overrides. The sync token falls back to the secrets file when the
// environment does not provide it.
//
// Load does not validate; call Validate before starting anything that scores
// or learns.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), newFileSecrets(secretsFilePath()))
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b Backend, sec secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Sync.Token == "" {
		if tok, err := sec.Get(secretService, syncTokenAccount); err == nil && tok != "" {
			cfg.Sync.Token = strings.TrimSpace(tok)
		}
	}

	return cfg, nil
}

// Validate checks every setting the scoring and learning paths depend on.
// Invalid values are reported as *compat.ConfigError.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Identity.OwnerID) == "" {
		return &compat.ConfigError{Field: "identity.owner_id", Reason: "required; set VIBELINK_IDENTITY_OWNER_ID or run `vibelink config set identity.owner_id <id>`"}
	}
	if _, err := c.Thresholds(); err != nil {
		return err
	}
	if _, err := c.Weights(); err != nil {
		return err
	}
	if err := c.LearningParams().Validate(); err != nil {
		return err
	}
	if c.Peer.ConcurrencyCeiling <= 0 {
		return &compat.ConfigError{Field: "peer.concurrency_ceiling", Reason: "must be positive"}
	}
	if c.Peer.PendingLimit < 0 {
		return &compat.ConfigError{Field: "peer.pending_limit", Reason: "must not be negative"}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"peer.handshake_timeout", c.Peer.HandshakeTimeout},
		{"peer.exchange_timeout", c.Peer.ExchangeTimeout},
		{"peer.commit_timeout", c.Peer.CommitTimeout},
	} {
		if d.v <= 0 {
			return &compat.ConfigError{Field: d.name, Reason: fmt.Sprintf("must be positive, got %s", d.v)}
		}
	}
	return nil
}

// Thresholds parses scoring.depth_thresholds.
func (c Config) Thresholds() (compat.Thresholds, error) {
	vals, err := parseFloats(c.Scoring.DepthThresholds, 4)
	if err != nil {
		return compat.Thresholds{}, &compat.ConfigError{Field: "scoring.depth_thresholds", Reason: err.Error()}
	}
	t := compat.Thresholds{vals[0], vals[1], vals[2], vals[3]}
	if err := t.Validate(); err != nil {
		return compat.Thresholds{}, err
	}
	return t, nil
}

// Weights parses scoring.weights in the order dimensions, energy, social, trust.
func (c Config) Weights() (compat.Weights, error) {
	vals, err := parseFloats(c.Scoring.Weights, 4)
	if err != nil {
		return compat.Weights{}, &compat.ConfigError{Field: "scoring.weights", Reason: err.Error()}
	}
	w := compat.Weights{Dimensions: vals[0], Energy: vals[1], Social: vals[2], Trust: vals[3]}
	if err := w.Validate(); err != nil {
		return compat.Weights{}, err
	}
	return w, nil
}

func (c Config) LearningParams() learning.Params {
	return learning.Params{
		DiffThreshold:       c.Learning.DiffThreshold,
		ConfidenceThreshold: c.Learning.ConfidenceThreshold,
		InfluenceCap:        c.Learning.InfluenceCap,
		DriftLimit:          c.Learning.DriftLimit,
	}
}

func (c Config) Timeouts() session.Timeouts {
	return session.Timeouts{
		Handshake: c.Peer.HandshakeTimeout,
		Exchange:  c.Peer.ExchangeTimeout,
		Commit:    c.Peer.CommitTimeout,
	}
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma-separated values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}
