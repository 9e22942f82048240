// Package compat computes the compatibility spectrum between two personality
// profiles and maps it onto an interaction depth.
package compat

import (
	"fmt"
	"math"
	"sort"

	"github.com/kalambet/vibelink/internal/profile"
)

// Weights controls how much each alignment component contributes to the score.
// They are normalised by their sum.
type Weights struct {
	Dimensions float64
	Energy     float64
	Social     float64
	Trust      float64
}

var DefaultWeights = Weights{Dimensions: 0.40, Energy: 0.25, Social: 0.25, Trust: 0.10}

// Validate rejects negative, non-finite or all-zero weights.
func (w Weights) Validate() error {
	vals := []float64{w.Dimensions, w.Energy, w.Social, w.Trust}
	sum := 0.0
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return &ConfigError{Field: "weights", Reason: fmt.Sprintf("weight %d (%v) must be a finite non-negative number", i, v)}
		}
		sum += v
	}
	if sum <= 0 {
		return &ConfigError{Field: "weights", Reason: "weights must not all be zero"}
	}
	return nil
}

func (w Weights) sum() float64 {
	return w.Dimensions + w.Energy + w.Social + w.Trust
}

// Result is the outcome of scoring one pair of profiles.
type Result struct {
	Score             float64            `json:"score"`
	Depth             Depth              `json:"interaction_depth"`
	PerDimensionDelta map[string]float64 `json:"per_dimension_delta"`
}

// Scorer is immutable after construction and safe for concurrent use.
type Scorer struct {
	thresholds Thresholds
	weights    Weights
}

// NewScorer validates the configuration and returns a Scorer.
func NewScorer(thresholds Thresholds, weights Weights) (*Scorer, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{thresholds: thresholds, weights: weights}, nil
}

// NewDefaultScorer returns a Scorer with the default thresholds and weights.
func NewDefaultScorer() *Scorer {
	return &Scorer{thresholds: DefaultThresholds, weights: DefaultWeights}
}

func (s *Scorer) Thresholds() Thresholds { return s.thresholds }

// Score computes the compatibility of local and remote. It never fails:
// out-of-range values are clamped and dimensions present on only one side
// are left out of the dimension mean.
func (s *Scorer) Score(local, remote profile.Profile) Result {
	shared := make([]string, 0, len(local.Dimensions))
	for d := range local.Dimensions {
		if _, ok := remote.Dimensions[d]; ok {
			shared = append(shared, d)
		}
	}
	// Fixed summation order keeps the score bit-for-bit deterministic.
	sort.Strings(shared)

	deltas := make(map[string]float64, len(shared))
	var distSum float64
	for _, d := range shared {
		delta := clamp01(remote.Dimensions[d]) - clamp01(local.Dimensions[d])
		deltas[d] = delta
		distSum += math.Abs(delta)
	}

	// Nothing shared: neither similar nor dissimilar.
	dimDist := 0.5
	if len(deltas) > 0 {
		dimDist = distSum / float64(len(deltas))
	}

	energyDist := math.Abs(clamp01(local.EnergyLevel) - clamp01(remote.EnergyLevel))
	socialDist := math.Abs(clamp01(local.SocialPreference) - clamp01(remote.SocialPreference))
	trustDist := math.Abs(clamp01(local.TrustNetworkScore) - clamp01(remote.TrustNetworkScore))

	// Computed as 1 - weighted mismatch so identical profiles score exactly
	// 1.0 regardless of floating point rounding in the weights.
	w := s.weights
	mismatch := (w.Dimensions*dimDist + w.Energy*energyDist + w.Social*socialDist + w.Trust*trustDist) / w.sum()
	score := clamp01(1 - mismatch)

	return Result{
		Score:             score,
		Depth:             s.thresholds.DepthFor(score),
		PerDimensionDelta: deltas,
	}
}

func clamp01(v float64) float64 {
	return profile.Clamp01(v)
}
