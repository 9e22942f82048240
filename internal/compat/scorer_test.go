package compat

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/kalambet/vibelink/internal/profile"
)

func uniformProfile(v float64, dims int) profile.Profile {
	p := profile.Profile{
		Dimensions:          map[string]float64{},
		DimensionConfidence: map[string]float64{},
		EnergyLevel:         v,
		SocialPreference:    v,
		TrustNetworkScore:   v,
	}
	for i := 0; i < dims; i++ {
		d := profile.DefaultDimensions[i%len(profile.DefaultDimensions)]
		p.Dimensions[d] = v
		p.DimensionConfidence[d] = 0.9
	}
	return p
}

func randomProfile(r *rand.Rand) profile.Profile {
	p := profile.Profile{
		Dimensions:          map[string]float64{},
		DimensionConfidence: map[string]float64{},
		EnergyLevel:         r.Float64(),
		SocialPreference:    r.Float64(),
		TrustNetworkScore:   r.Float64(),
	}
	for _, d := range profile.DefaultDimensions {
		p.Dimensions[d] = r.Float64()
		p.DimensionConfidence[d] = r.Float64()
	}
	return p
}

func TestScore_AllNeutralIsDeep(t *testing.T) {
	s := NewDefaultScorer()
	a := uniformProfile(0.5, 8)
	b := uniformProfile(0.5, 8)

	res := s.Score(a, b)
	if res.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", res.Score)
	}
	if res.Depth != Deep {
		t.Errorf("Depth = %v, want deep", res.Depth)
	}
	for d, delta := range res.PerDimensionDelta {
		if delta != 0 {
			t.Errorf("delta[%s] = %v, want 0", d, delta)
		}
	}
}

func TestScore_Properties(t *testing.T) {
	s := NewDefaultScorer()
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		a := randomProfile(r)
		b := randomProfile(r)

		if got := s.Score(a, a).Score; got != 1.0 {
			t.Fatalf("Score(A,A) = %v, want 1.0", got)
		}
		ab := s.Score(a, b)
		ba := s.Score(b, a)
		if ab.Score != ba.Score {
			t.Fatalf("asymmetric: Score(A,B)=%v Score(B,A)=%v", ab.Score, ba.Score)
		}
		if ab.Score < 0 || ab.Score > 1 {
			t.Fatalf("Score out of range: %v", ab.Score)
		}
		if again := s.Score(a, b); again.Score != ab.Score {
			t.Fatalf("non-deterministic: %v vs %v", again.Score, ab.Score)
		}
	}
}

func TestScore_KnownValue(t *testing.T) {
	s := NewDefaultScorer()
	local := profile.Profile{
		Dimensions:        map[string]float64{"a": 0.5, "b": 0.2},
		EnergyLevel:       0.2,
		SocialPreference:  0.5,
		TrustNetworkScore: 1.0,
	}
	remote := profile.Profile{
		Dimensions:        map[string]float64{"a": 0.9, "b": 0.25},
		EnergyLevel:       0.6,
		SocialPreference:  0.5,
		TrustNetworkScore: 0.0,
	}
	// dim = 1 - (0.4+0.05)/2 = 0.775; energy = 0.6; social = 1; trust = 0
	want := 0.40*0.775 + 0.25*0.6 + 0.25*1 + 0.10*0
	res := s.Score(local, remote)
	if math.Abs(res.Score-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", res.Score, want)
	}
	if res.Depth != Moderate {
		t.Errorf("Depth = %v, want moderate", res.Depth)
	}
	if math.Abs(res.PerDimensionDelta["a"]-0.4) > 1e-9 {
		t.Errorf("delta[a] = %v, want 0.4", res.PerDimensionDelta["a"])
	}
}

func TestScore_ClampsMalformedValues(t *testing.T) {
	s := NewDefaultScorer()
	a := profile.Profile{
		Dimensions:  map[string]float64{"x": 7, "y": math.NaN()},
		EnergyLevel: -3,
	}
	b := profile.Profile{
		Dimensions:  map[string]float64{"x": 1, "y": 0},
		EnergyLevel: 0,
	}
	res := s.Score(a, b)
	if res.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0 after clamping", res.Score)
	}
}

func TestScore_NoSharedDimensions(t *testing.T) {
	s := NewDefaultScorer()
	a := profile.Profile{Dimensions: map[string]float64{"only_a": 1}}
	b := profile.Profile{Dimensions: map[string]float64{"only_b": 0}}
	res := s.Score(a, b)
	// dimension similarity falls back to 0.5; scalars all equal.
	want := 1 - 0.40*0.5
	if math.Abs(res.Score-want) > 1e-9 {
		t.Errorf("Score = %v, want %v", res.Score, want)
	}
	if len(res.PerDimensionDelta) != 0 {
		t.Errorf("PerDimensionDelta = %v, want empty", res.PerDimensionDelta)
	}
}

func TestDepthFor_Partition(t *testing.T) {
	tests := []struct {
		score float64
		want  Depth
	}{
		{0, Surface},
		{0.1999, Surface},
		{0.2, Light},
		{0.4999, Light},
		{0.5, Moderate},
		{0.7999, Moderate},
		{0.8, Deep},
		{1.0, Deep},
		{-0.5, Surface},
		{1.5, Deep},
	}
	for _, tt := range tests {
		if got := DefaultThresholds.DepthFor(tt.score); got != tt.want {
			t.Errorf("DepthFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestDepthFor_TotalOverGrid(t *testing.T) {
	counts := map[Depth]int{}
	for i := 0; i <= 1000; i++ {
		d := DefaultThresholds.DepthFor(float64(i) / 1000)
		if d < Surface || d > Deep {
			t.Fatalf("score %v mapped to invalid depth %d", float64(i)/1000, d)
		}
		counts[d]++
	}
	if len(counts) != 4 {
		t.Errorf("grid covered %d buckets, want 4", len(counts))
	}
}

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name string
		th   Thresholds
		ok   bool
	}{
		{"default", DefaultThresholds, true},
		{"custom", Thresholds{0, 0.1, 0.3, 0.95}, true},
		{"deep only at one", Thresholds{0, 0.3, 0.6, 1.0}, true},
		{"not starting at zero", Thresholds{0.1, 0.2, 0.5, 0.8}, false},
		{"not increasing", Thresholds{0, 0.5, 0.5, 0.8}, false},
		{"decreasing", Thresholds{0, 0.6, 0.5, 0.8}, false},
		{"above one", Thresholds{0, 0.2, 0.5, 1.2}, false},
		{"nan", Thresholds{0, math.NaN(), 0.5, 0.8}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				var cfgErr *ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("error = %v, want *ConfigError", err)
				}
			}
		})
	}
}

func TestNewScorer_RejectsInvalidConfig(t *testing.T) {
	var cfgErr *ConfigError
	if _, err := NewScorer(Thresholds{0, 0.5, 0.4, 0.8}, DefaultWeights); !errors.As(err, &cfgErr) {
		t.Errorf("bad thresholds: error = %v, want *ConfigError", err)
	}
	if _, err := NewScorer(DefaultThresholds, Weights{}); !errors.As(err, &cfgErr) {
		t.Errorf("zero weights: error = %v, want *ConfigError", err)
	}
	if _, err := NewScorer(DefaultThresholds, Weights{Dimensions: -1, Energy: 1}); !errors.As(err, &cfgErr) {
		t.Errorf("negative weight: error = %v, want *ConfigError", err)
	}
	if _, err := NewScorer(DefaultThresholds, DefaultWeights); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestCustomThresholdsChangeDepth(t *testing.T) {
	s, err := NewScorer(Thresholds{0, 0.1, 0.2, 0.99}, DefaultWeights)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	a := uniformProfile(0.5, 8)
	b := uniformProfile(0.6, 8)
	// every component differs by 0.1 -> score 0.9
	res := s.Score(a, b)
	if math.Abs(res.Score-0.9) > 1e-9 {
		t.Fatalf("Score = %v, want 0.9", res.Score)
	}
	if res.Depth != Moderate {
		t.Errorf("Depth = %v, want moderate under custom table", res.Depth)
	}
}

func TestDepthText(t *testing.T) {
	for _, d := range []Depth{Surface, Light, Moderate, Deep} {
		b, err := d.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", d, err)
		}
		var back Depth
		if err := back.UnmarshalText(b); err != nil || back != d {
			t.Errorf("UnmarshalText(%s) = %v, %v", b, back, err)
		}
	}
	if _, err := ParseDepth("abyssal"); err == nil {
		t.Error("expected error for unknown depth")
	}
}
