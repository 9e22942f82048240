// Package learning proposes bounded, threshold-gated profile adjustments from
// a peer encounter.
package learning

import (
	"fmt"
	"math"
	"time"

	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/profile"
)

// Params are the drift-resistance safeguards.
type Params struct {
	// DiffThreshold: differences at or below this are ignored.
	DiffThreshold float64
	// ConfidenceThreshold: remote confidence must be strictly above this.
	ConfidenceThreshold float64
	// InfluenceCap scales the difference into the adjustment; it is also
	// the largest possible absolute adjustment.
	InfluenceCap float64
	// DriftLimit bounds how far a dimension may move from its onboarding
	// baseline. Zero disables the limit.
	DriftLimit float64
}

var DefaultParams = Params{
	DiffThreshold:       0.15,
	ConfidenceThreshold: 0.7,
	InfluenceCap:        0.30,
}

func (p Params) Validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return &compat.ConfigError{Field: name, Reason: fmt.Sprintf("%v outside [0,1]", v)}
		}
		return nil
	}
	if err := check("diff_threshold", p.DiffThreshold); err != nil {
		return err
	}
	if err := check("confidence_threshold", p.ConfidenceThreshold); err != nil {
		return err
	}
	if err := check("influence_cap", p.InfluenceCap); err != nil {
		return err
	}
	return check("drift_limit", p.DriftLimit)
}

// Engine is stateless apart from its parameters.
type Engine struct {
	params Params
	now    func() time.Time
}

func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: params, now: time.Now}, nil
}

func (e *Engine) Params() Params { return e.params }

// ProposeAdjustment computes what local should learn from remote. It never
// mutates its inputs. Every dimension the remote carries gets an entry, zero
// unless the local profile carries it too and both the difference and the
// remote confidence clear their gates.
func (e *Engine) ProposeAdjustment(sessionID string, local, remote profile.Profile, res compat.Result) profile.Insight {
	p := e.params
	adjustments := make(map[string]float64, len(remote.Dimensions))
	var weighted, weightSum float64

	for d, rv := range remote.Dimensions {
		lv, ok := local.Dimensions[d]
		if !ok {
			// Apply never adds dimensions, so nothing can be learned here.
			adjustments[d] = 0
			continue
		}
		diff := profile.Clamp01(rv) - profile.Clamp01(lv)
		conf := profile.Clamp01(remote.DimensionConfidence[d])

		adj := 0.0
		if math.Abs(diff) > p.DiffThreshold && conf > p.ConfidenceThreshold {
			adj = diff * p.InfluenceCap
			adj = e.limitDrift(local, d, adj)
		}
		adjustments[d] = adj

		if adj != 0 {
			w := math.Abs(adj)
			weighted += conf * w
			weightSum += w
		}
	}

	confidence := 0.0
	if weightSum > 0 {
		confidence = weighted / weightSum
	}

	return profile.Insight{
		SourceSessionID:      sessionID,
		DimensionAdjustments: adjustments,
		Confidence:           confidence,
		Timestamp:            e.now().UTC(),
		BaseVersion:          local.Version,
		Depth:                res.Depth.String(),
	}
}

// limitDrift shrinks adj so the dimension stays within DriftLimit of its
// baseline. It only ever reduces the magnitude.
func (e *Engine) limitDrift(local profile.Profile, d string, adj float64) float64 {
	limit := e.params.DriftLimit
	base, ok := local.Baseline[d]
	if limit <= 0 || !ok {
		return adj
	}
	cur := profile.Clamp01(local.Dimensions[d])
	lo, hi := base-limit, base+limit
	target := cur + adj
	// Outside the band only moves back toward the baseline survive.
	if adj > 0 && target > hi {
		target = math.Max(cur, hi)
	}
	if adj < 0 && target < lo {
		target = math.Min(cur, lo)
	}
	return target - cur
}
