package learning

import (
	"math"
	"testing"

	"github.com/kalambet/vibelink/internal/profile"
)

func dims(vals ...float64) profile.Profile {
	p := profile.Profile{Dimensions: map[string]float64{}}
	for i, v := range vals {
		p.Dimensions[profile.DefaultDimensions[i]] = v
	}
	return p
}

func TestDiversity(t *testing.T) {
	if got := Diversity(nil); got != 0 {
		t.Errorf("Diversity(nil) = %v, want 0", got)
	}
	if got := Diversity([]profile.Profile{dims(0.5)}); got != 0 {
		t.Errorf("Diversity(single) = %v, want 0", got)
	}

	ps := []profile.Profile{dims(0, 0), dims(0.3, 0.4)}
	if got := Diversity(ps); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Diversity = %v, want 0.5", got)
	}
}

func TestHomogenization(t *testing.T) {
	initial := []profile.Profile{dims(0, 0), dims(1, 1)}
	if got := Homogenization(initial, initial); got != 0 {
		t.Errorf("unchanged population homogenization = %v, want 0", got)
	}

	converged := []profile.Profile{dims(0.5, 0.5), dims(0.5, 0.5)}
	if got := Homogenization(initial, converged); got != 1 {
		t.Errorf("converged homogenization = %v, want 1", got)
	}

	halfway := []profile.Profile{dims(0.25, 0.25), dims(0.75, 0.75)}
	if got := Homogenization(initial, halfway); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("halfway homogenization = %v, want 0.5", got)
	}

	// More diverse than before never reports negative homogenization.
	if got := Homogenization(halfway, initial); got != 0 {
		t.Errorf("diverging homogenization = %v, want 0", got)
	}
}

func TestBaselineProfiles(t *testing.T) {
	p := dims(0.9)
	p.Baseline = map[string]float64{profile.DefaultDimensions[0]: 0.4}
	out := BaselineProfiles([]profile.Profile{p})
	if got := out[0].Dimensions[profile.DefaultDimensions[0]]; got != 0.4 {
		t.Errorf("baseline dimension = %v, want 0.4", got)
	}
	if p.Dimensions[profile.DefaultDimensions[0]] != 0.9 {
		t.Error("BaselineProfiles mutated input")
	}
}
