package compat

import (
	"fmt"
	"math"
)

// Depth is the discrete interaction depth derived from a compatibility score.
type Depth int

const (
	Surface Depth = iota
	Light
	Moderate
	Deep
)

var depthNames = [...]string{"surface", "light", "moderate", "deep"}

func (d Depth) String() string {
	if d < Surface || d > Deep {
		return fmt.Sprintf("depth(%d)", int(d))
	}
	return depthNames[d]
}

// ParseDepth converts a depth name back into a Depth.
func ParseDepth(s string) (Depth, error) {
	for i, name := range depthNames {
		if name == s {
			return Depth(i), nil
		}
	}
	return 0, fmt.Errorf("unknown interaction depth %q", s)
}

func (d Depth) MarshalText() ([]byte, error) {
	if d < Surface || d > Deep {
		return nil, fmt.Errorf("invalid interaction depth %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *Depth) UnmarshalText(b []byte) error {
	v, err := ParseDepth(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Thresholds holds the inclusive lower bound of each depth bucket, in order
// surface, light, moderate, deep.
type Thresholds [4]float64

// DefaultThresholds maps [0,0.2) surface, [0.2,0.5) light, [0.5,0.8) moderate, [0.8,1] deep.
var DefaultThresholds = Thresholds{0.0, 0.2, 0.5, 0.8}

// Validate checks that t is a strictly increasing partition of [0, 1].
func (t Thresholds) Validate() error {
	if t[0] != 0 {
		return &ConfigError{Field: "depth_thresholds", Reason: fmt.Sprintf("first bound must be 0, got %v", t[0])}
	}
	for i, v := range t {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return &ConfigError{Field: "depth_thresholds", Reason: fmt.Sprintf("bound %d (%v) outside [0,1]", i, v)}
		}
		if i > 0 && v <= t[i-1] {
			return &ConfigError{Field: "depth_thresholds", Reason: fmt.Sprintf("bounds not strictly increasing at %d (%v <= %v)", i, v, t[i-1])}
		}
	}
	return nil
}

// DepthFor maps a score onto its bucket. Scores are clamped to [0, 1] first,
// so every input lands in exactly one bucket.
func (t Thresholds) DepthFor(score float64) Depth {
	score = clamp01(score)
	d := Surface
	for i := len(t) - 1; i > 0; i-- {
		if score >= t[i] {
			d = Depth(i)
			break
		}
	}
	return d
}
