package learning

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/profile"
)

func newTestEngine(t *testing.T, p Params) *Engine {
	t.Helper()
	e, err := NewEngine(p)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestProposeAdjustment_Scenario(t *testing.T) {
	e := newTestEngine(t, DefaultParams)
	local := profile.Profile{
		Dimensions:          map[string]float64{"a": 0.5, "b": 0.2},
		DimensionConfidence: map[string]float64{"a": 0.9, "b": 0.9},
		Version:             4,
	}
	remote := profile.Profile{
		Dimensions:          map[string]float64{"a": 0.9, "b": 0.25},
		DimensionConfidence: map[string]float64{"a": 0.9, "b": 0.9},
	}

	in := e.ProposeAdjustment("sess-1", local, remote, compat.Result{Depth: compat.Deep})

	if !approx(in.DimensionAdjustments["a"], 0.12) {
		t.Errorf("adjustment(a) = %v, want 0.12", in.DimensionAdjustments["a"])
	}
	if in.DimensionAdjustments["b"] != 0 {
		t.Errorf("adjustment(b) = %v, want 0", in.DimensionAdjustments["b"])
	}
	if !approx(in.Confidence, 0.9) {
		t.Errorf("Confidence = %v, want 0.9", in.Confidence)
	}
	if in.BaseVersion != 4 {
		t.Errorf("BaseVersion = %d, want 4", in.BaseVersion)
	}
	if in.SourceSessionID != "sess-1" || in.Depth != "deep" {
		t.Errorf("insight metadata = %q/%q", in.SourceSessionID, in.Depth)
	}

	next := profile.Apply(local, in)
	if !approx(next.Dimensions["a"], 0.62) {
		t.Errorf("new a = %v, want 0.62", next.Dimensions["a"])
	}
	if next.Dimensions["b"] != 0.2 {
		t.Errorf("new b = %v, want 0.2", next.Dimensions["b"])
	}
}

func TestProposeAdjustment_GatesIndependently(t *testing.T) {
	e := newTestEngine(t, DefaultParams)
	tests := []struct {
		name       string
		local      float64
		remote     float64
		confidence float64
		want       float64
	}{
		{"both gates pass", 0.2, 0.8, 0.8, 0.6 * 0.3},
		{"negative diff", 0.8, 0.2, 0.8, -0.6 * 0.3},
		{"diff below threshold", 0.5, 0.6, 0.9, 0},
		{"confidence at threshold", 0.1, 0.9, 0.7, 0},
		{"confidence below threshold", 0.1, 0.9, 0.5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := profile.Profile{Dimensions: map[string]float64{"d": tt.local}}
			remote := profile.Profile{
				Dimensions:          map[string]float64{"d": tt.remote},
				DimensionConfidence: map[string]float64{"d": tt.confidence},
			}
			in := e.ProposeAdjustment("s", local, remote, compat.Result{})
			if got := in.DimensionAdjustments["d"]; !approx(got, tt.want) {
				t.Errorf("adjustment = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProposeAdjustment_MissingLocalDimension(t *testing.T) {
	e := newTestEngine(t, DefaultParams)
	local := profile.Profile{Dimensions: map[string]float64{"a": 0.5}}
	remote := profile.Profile{
		Dimensions:          map[string]float64{"a": 0.5, "x": 0.8},
		DimensionConfidence: map[string]float64{"a": 0.9, "x": 0.9},
	}
	in := e.ProposeAdjustment("s", local, remote, compat.Result{})
	if got, ok := in.DimensionAdjustments["x"]; !ok || got != 0 {
		t.Errorf("adjustment[x] = %v (present %v), want 0", got, ok)
	}
	if in.HasAdjustments() {
		t.Error("HasAdjustments() = true, want false")
	}
	if in.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", in.Confidence)
	}

	// Every reported adjustment must equal the delta Apply commits.
	applied := profile.Apply(local, in)
	for d, adj := range in.DimensionAdjustments {
		before, ok := local.Dimensions[d]
		after := applied.Dimensions[d]
		if !ok {
			if _, added := applied.Dimensions[d]; added {
				t.Errorf("Apply added dimension %q", d)
			}
			continue
		}
		if !approx(after-before, adj) {
			t.Errorf("%s: committed delta %v, reported %v", d, after-before, adj)
		}
	}
}

func TestProposeAdjustment_DoesNotMutateInputs(t *testing.T) {
	e := newTestEngine(t, DefaultParams)
	local := profile.Profile{Dimensions: map[string]float64{"a": 0.1}, Version: 1}
	remote := profile.Profile{
		Dimensions:          map[string]float64{"a": 0.9},
		DimensionConfidence: map[string]float64{"a": 0.95},
	}
	_ = e.ProposeAdjustment("s", local, remote, compat.Result{})
	if local.Dimensions["a"] != 0.1 || local.Version != 1 || remote.Dimensions["a"] != 0.9 {
		t.Error("inputs mutated")
	}
}

// TestProposeAdjustment_Bounds checks, over random profiles, that applying an
// insight keeps every dimension in [0,1], never moves one by more than the
// influence cap, and zeroes every dimension that fails a gate.
func TestProposeAdjustment_Bounds(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	params := DefaultParams
	e := newTestEngine(t, params)

	for i := 0; i < 1000; i++ {
		local := profile.Profile{Dimensions: map[string]float64{}}
		remote := profile.Profile{Dimensions: map[string]float64{}, DimensionConfidence: map[string]float64{}}
		for _, d := range profile.DefaultDimensions {
			local.Dimensions[d] = r.Float64()
			remote.Dimensions[d] = r.Float64()
			remote.DimensionConfidence[d] = r.Float64()
		}

		in := e.ProposeAdjustment("s", local, remote, compat.Result{})
		next := profile.Apply(local, in)

		for _, d := range profile.DefaultDimensions {
			adj := in.DimensionAdjustments[d]
			if math.Abs(adj) > params.InfluenceCap+1e-12 {
				t.Fatalf("|adj[%s]| = %v exceeds cap", d, adj)
			}
			v := next.Dimensions[d]
			if v < 0 || v > 1 {
				t.Fatalf("dimension %s = %v out of range", d, v)
			}
			if math.Abs(v-local.Dimensions[d]) > params.InfluenceCap+1e-12 {
				t.Fatalf("dimension %s moved by %v", d, v-local.Dimensions[d])
			}
			diff := remote.Dimensions[d] - local.Dimensions[d]
			if (math.Abs(diff) <= params.DiffThreshold || remote.DimensionConfidence[d] <= params.ConfidenceThreshold) && adj != 0 {
				t.Fatalf("gated dimension %s got adjustment %v", d, adj)
			}
		}
	}
}

func TestProposeAdjustment_NoAdjustmentZeroConfidence(t *testing.T) {
	e := newTestEngine(t, DefaultParams)
	p := profile.Profile{
		Dimensions:          map[string]float64{"a": 0.5},
		DimensionConfidence: map[string]float64{"a": 0.9},
	}
	in := e.ProposeAdjustment("s", p, p, compat.Result{})
	if in.HasAdjustments() {
		t.Error("identical profiles produced adjustments")
	}
	if in.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", in.Confidence)
	}
}

func TestProposeAdjustment_DriftLimit(t *testing.T) {
	params := DefaultParams
	params.DriftLimit = 0.1
	e := newTestEngine(t, params)

	remote := profile.Profile{
		Dimensions:          map[string]float64{"a": 1.0},
		DimensionConfidence: map[string]float64{"a": 0.9},
	}

	// Within band: 0.5 + 0.15 would exceed baseline+0.1, so it is clipped to 0.1.
	local := profile.Profile{
		Dimensions: map[string]float64{"a": 0.5},
		Baseline:   map[string]float64{"a": 0.5},
	}
	in := e.ProposeAdjustment("s", local, remote, compat.Result{})
	if !approx(in.DimensionAdjustments["a"], 0.1) {
		t.Errorf("clipped adjustment = %v, want 0.1", in.DimensionAdjustments["a"])
	}

	// Already at the edge: no further drift away from baseline.
	local.Dimensions["a"] = 0.6
	in = e.ProposeAdjustment("s", local, remote, compat.Result{})
	if math.Abs(in.DimensionAdjustments["a"]) > 1e-9 {
		t.Errorf("adjustment at edge = %v, want 0", in.DimensionAdjustments["a"])
	}

	// Outside the band, pulling back toward baseline is still allowed.
	local.Dimensions["a"] = 0.9
	back := profile.Profile{
		Dimensions:          map[string]float64{"a": 0.3},
		DimensionConfidence: map[string]float64{"a": 0.9},
	}
	in = e.ProposeAdjustment("s", local, back, compat.Result{})
	if !approx(in.DimensionAdjustments["a"], -0.18) {
		t.Errorf("adjustment toward baseline = %v, want -0.18", in.DimensionAdjustments["a"])
	}
}

func TestProposeAdjustment_DiffAtThreshold(t *testing.T) {
	params := DefaultParams
	params.DiffThreshold = 0.25
	e := newTestEngine(t, params)
	local := profile.Profile{Dimensions: map[string]float64{"d": 0.25}}
	remote := profile.Profile{
		Dimensions:          map[string]float64{"d": 0.5},
		DimensionConfidence: map[string]float64{"d": 0.9},
	}
	if got := e.ProposeAdjustment("s", local, remote, compat.Result{}).DimensionAdjustments["d"]; got != 0 {
		t.Errorf("adjustment at threshold = %v, want 0", got)
	}
}

func TestParamsValidate(t *testing.T) {
	var cfgErr *compat.ConfigError
	bad := DefaultParams
	bad.InfluenceCap = 1.5
	if _, err := NewEngine(bad); !errors.As(err, &cfgErr) {
		t.Errorf("NewEngine error = %v, want *ConfigError", err)
	}
	bad = DefaultParams
	bad.DiffThreshold = math.NaN()
	if _, err := NewEngine(bad); !errors.As(err, &cfgErr) {
		t.Errorf("NewEngine error = %v, want *ConfigError", err)
	}
}
