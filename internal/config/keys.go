package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "identity.owner_id", typ: kString, env: "VIBELINK_IDENTITY_OWNER_ID",
		apply:   func(cfg *Config, v any) { cfg.Identity.OwnerID = v.(string) },
		extract: func(cfg Config) any { return cfg.Identity.OwnerID },
	},
	{
		key: "server.port", typ: kInt, env: "VIBELINK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "peer.listen_addr", typ: kString, env: "VIBELINK_PEER_LISTEN_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Peer.ListenAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Peer.ListenAddr },
	},
	{
		key: "peer.concurrency_ceiling", typ: kInt, env: "VIBELINK_PEER_CONCURRENCY_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Peer.ConcurrencyCeiling = v.(int) },
		extract: func(cfg Config) any { return cfg.Peer.ConcurrencyCeiling },
	},
	{
		key: "peer.pending_limit", typ: kInt, env: "VIBELINK_PEER_PENDING_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Peer.PendingLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Peer.PendingLimit },
	},
	{
		key: "peer.max_inbound", typ: kInt, env: "VIBELINK_PEER_MAX_INBOUND",
		apply:   func(cfg *Config, v any) { cfg.Peer.MaxInbound = v.(int) },
		extract: func(cfg Config) any { return cfg.Peer.MaxInbound },
	},
	{
		key: "peer.handshake_timeout", typ: kDuration, env: "VIBELINK_PEER_HANDSHAKE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Peer.HandshakeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Peer.HandshakeTimeout },
	},
	{
		key: "peer.exchange_timeout", typ: kDuration, env: "VIBELINK_PEER_EXCHANGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Peer.ExchangeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Peer.ExchangeTimeout },
	},
	{
		key: "peer.commit_timeout", typ: kDuration, env: "VIBELINK_PEER_COMMIT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Peer.CommitTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Peer.CommitTimeout },
	},
	{
		key: "scoring.depth_thresholds", typ: kString, env: "VIBELINK_SCORING_DEPTH_THRESHOLDS",
		apply:   func(cfg *Config, v any) { cfg.Scoring.DepthThresholds = v.(string) },
		extract: func(cfg Config) any { return cfg.Scoring.DepthThresholds },
	},
	{
		key: "scoring.weights", typ: kString, env: "VIBELINK_SCORING_WEIGHTS",
		apply:   func(cfg *Config, v any) { cfg.Scoring.Weights = v.(string) },
		extract: func(cfg Config) any { return cfg.Scoring.Weights },
	},
	{
		key: "learning.diff_threshold", typ: kFloat, env: "VIBELINK_LEARNING_DIFF_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Learning.DiffThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Learning.DiffThreshold },
	},
	{
		key: "learning.confidence_threshold", typ: kFloat, env: "VIBELINK_LEARNING_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Learning.ConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Learning.ConfidenceThreshold },
	},
	{
		key: "learning.influence_cap", typ: kFloat, env: "VIBELINK_LEARNING_INFLUENCE_CAP",
		apply:   func(cfg *Config, v any) { cfg.Learning.InfluenceCap = v.(float64) },
		extract: func(cfg Config) any { return cfg.Learning.InfluenceCap },
	},
	{
		key: "learning.drift_limit", typ: kFloat, env: "VIBELINK_LEARNING_DRIFT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Learning.DriftLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Learning.DriftLimit },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VIBELINK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "sync.url", typ: kString, env: "VIBELINK_SYNC_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.URL },
	},
	{
		key: "sync.interval", typ: kDuration, env: "VIBELINK_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.batch_size", typ: kInt, env: "VIBELINK_SYNC_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.BatchSize },
	},
	{
		key: "sync.token", typ: kString, env: "VIBELINK_SYNC_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Token },
	},
	{
		key: "log.level", typ: kString, env: "VIBELINK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw into the Go type s.apply expects.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unknown key type %d", s.typ)
}

// storedText returns the text form of a stored value: the contents of a
// JSON string, or the literal of any other JSON value.
func storedText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(bytes.TrimSpace(raw))
}

// encode is the stored form of v, which parseValue produced from text.
// Numbers are kept as JSON number literals.
func (s keySpec) encode(v any, text string) (json.RawMessage, error) {
	switch s.typ {
	case kInt, kFloat:
		return json.Marshal(v)
	}
	return json.Marshal(text)
}

// applyBackend overlays stored settings onto cfg. A malformed integer is an
// error; any other malformed value is reported and the default kept.
func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Lookup(s.key)
		if !ok {
			continue
		}
		text := storedText(raw)
		if text == "" && s.typ != kString {
			continue
		}
		v, err := s.parseValue(text)
		switch {
		case err == nil:
			s.apply(cfg, v)
		case s.typ == kInt:
			return fmt.Errorf("reading %s: %w", s.key, err)
		default:
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, text, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
