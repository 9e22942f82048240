package profile

import (
	"math"
	"testing"
)

func TestClamp01(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{3, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
		{math.Inf(-1), 0},
	}
	for _, tt := range tests {
		if got := Clamp01(tt.in); got != tt.want {
			t.Errorf("Clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestApply_StaysInRangeAndBumpsVersion(t *testing.T) {
	p := Profile{
		Dimensions:          map[string]float64{"hi": 0.95, "lo": 0.05, "mid": 0.5},
		DimensionConfidence: map[string]float64{"hi": 1, "lo": 1, "mid": 1},
		Version:             3,
	}
	in := Insight{DimensionAdjustments: map[string]float64{"hi": 0.3, "lo": -0.3, "mid": 0.1, "unknown": 0.3}}

	out := Apply(p, in)
	if out.Dimensions["hi"] != 1 {
		t.Errorf("hi = %v, want 1", out.Dimensions["hi"])
	}
	if out.Dimensions["lo"] != 0 {
		t.Errorf("lo = %v, want 0", out.Dimensions["lo"])
	}
	if math.Abs(out.Dimensions["mid"]-0.6) > 1e-9 {
		t.Errorf("mid = %v, want 0.6", out.Dimensions["mid"])
	}
	if _, ok := out.Dimensions["unknown"]; ok {
		t.Error("Apply introduced a new dimension")
	}
	if out.Version != 4 {
		t.Errorf("Version = %d, want 4", out.Version)
	}
	if p.Dimensions["hi"] != 0.95 || p.Version != 3 {
		t.Error("Apply mutated its input")
	}
}

func TestInsight_HasAdjustments(t *testing.T) {
	if (Insight{DimensionAdjustments: map[string]float64{"a": 0, "b": 0}}).HasAdjustments() {
		t.Error("all-zero insight reported adjustments")
	}
	if !(Insight{DimensionAdjustments: map[string]float64{"a": 0, "b": -0.1}}).HasAdjustments() {
		t.Error("nonzero insight reported no adjustments")
	}
}

func TestSignature(t *testing.T) {
	s1, err := Signature("owner-1", []byte("salt"))
	if err != nil {
		t.Fatalf("Signature: %v", err)
	}
	s2, _ := Signature("owner-1", []byte("salt"))
	if s1 != s2 {
		t.Errorf("signature not stable: %q vs %q", s1, s2)
	}
	if len(s1) != 32 {
		t.Errorf("len(signature) = %d, want 32", len(s1))
	}
	other, _ := Signature("owner-2", []byte("salt"))
	if other == s1 {
		t.Error("different owners share a signature")
	}
	salted, _ := Signature("owner-1", []byte("other-salt"))
	if salted == s1 {
		t.Error("salt does not affect signature")
	}
	if _, err := Signature("", nil); err == nil {
		t.Error("expected error for empty owner id")
	}
}
