package profile

import (
	"math"
	"time"
)

// MaxDimensions bounds how many personality dimensions a profile may carry.
const MaxDimensions = 12

// DefaultDimensions is the core dimension set every onboarded profile starts with.
var DefaultDimensions = []string{
	"exploration_eagerness",
	"novelty_seeking",
	"community_orientation",
	"authenticity",
	"value_orientation",
	"crowd_tolerance",
	"adventure_seeking",
	"openness",
}

// Profile is a user's personality profile. The canonical copy is owned by
// the Manager; everything else works on copies.
type Profile struct {
	OwnerID             string             `json:"-"`
	Dimensions          map[string]float64 `json:"dimensions"`
	DimensionConfidence map[string]float64 `json:"dimension_confidence"`
	EnergyLevel         float64            `json:"energy_level"`
	SocialPreference    float64            `json:"social_preference"`
	TrustNetworkScore   float64            `json:"trust_network_score"`
	Version             int64              `json:"version"`

	// Baseline holds the dimension values captured at onboarding.
	Baseline map[string]float64 `json:"baseline,omitempty"`
}

// Insight is a proposed set of dimension adjustments produced by one peer
// session. BaseVersion is the profile version the adjustments were computed
// against; Update rejects the insight if the profile has moved on since.
type Insight struct {
	SourceSessionID      string             `json:"source_session_id"`
	DimensionAdjustments map[string]float64 `json:"dimension_adjustments"`
	Confidence           float64            `json:"confidence"`
	Timestamp            time.Time          `json:"timestamp"`
	BaseVersion          int64              `json:"base_version"`
	Depth                string             `json:"interaction_depth,omitempty"`
}

// HasAdjustments reports whether any adjustment is nonzero.
func (in Insight) HasAdjustments() bool {
	for _, v := range in.DimensionAdjustments {
		if v != 0 {
			return true
		}
	}
	return false
}

// Clamp01 limits v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize clamps every value into [0, 1] and reconciles the key sets of
// Dimensions and DimensionConfidence: missing confidence becomes 0 and
// confidence for unknown dimensions is dropped.
func (p *Profile) Normalize() {
	if p.Dimensions == nil {
		p.Dimensions = make(map[string]float64)
	}
	conf := make(map[string]float64, len(p.Dimensions))
	for d, v := range p.Dimensions {
		p.Dimensions[d] = Clamp01(v)
		conf[d] = Clamp01(p.DimensionConfidence[d])
	}
	p.DimensionConfidence = conf
	for d, v := range p.Baseline {
		p.Baseline[d] = Clamp01(v)
	}
	p.EnergyLevel = Clamp01(p.EnergyLevel)
	p.SocialPreference = Clamp01(p.SocialPreference)
	p.TrustNetworkScore = Clamp01(p.TrustNetworkScore)
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	cp := p
	cp.Dimensions = copyMap(p.Dimensions)
	cp.DimensionConfidence = copyMap(p.DimensionConfidence)
	cp.Baseline = copyMap(p.Baseline)
	return cp
}

// Apply adds the insight's adjustments to a copy of p, re-clamps every
// dimension and increments the version. Adjustments for dimensions the
// profile does not carry are ignored.
func Apply(p Profile, in Insight) Profile {
	out := p.Clone()
	for d, adj := range in.DimensionAdjustments {
		cur, ok := out.Dimensions[d]
		if !ok {
			continue
		}
		out.Dimensions[d] = Clamp01(cur + adj)
	}
	out.Version++
	return out
}

func copyMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
