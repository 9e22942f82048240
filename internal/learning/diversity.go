package learning

import (
	"math"
	"sort"

	"github.com/kalambet/vibelink/internal/profile"
)

// Diversity is the mean pairwise euclidean distance between the dimension
// vectors of ps. Dimensions missing from a profile count as 0.
func Diversity(ps []profile.Profile) float64 {
	if len(ps) < 2 {
		return 0
	}
	keys := dimensionUnion(ps)

	var total float64
	var pairs int
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			var sq float64
			for _, k := range keys {
				d := ps[i].Dimensions[k] - ps[j].Dimensions[k]
				sq += d * d
			}
			total += math.Sqrt(sq)
			pairs++
		}
	}
	return total / float64(pairs)
}

// Homogenization reports how much diversity has collapsed relative to a
// reference population: 0 means none lost, 1 means all profiles converged.
func Homogenization(initial, current []profile.Profile) float64 {
	base := Diversity(initial)
	if base == 0 {
		return 0
	}
	return profile.Clamp01(1 - Diversity(current)/base)
}

// BaselineProfiles returns copies of ps with their dimensions reset to the
// onboarding baseline, for use as the reference population.
func BaselineProfiles(ps []profile.Profile) []profile.Profile {
	out := make([]profile.Profile, 0, len(ps))
	for _, p := range ps {
		cp := p.Clone()
		if p.Baseline != nil {
			cp.Dimensions = make(map[string]float64, len(p.Baseline))
			for d, v := range p.Baseline {
				cp.Dimensions[d] = v
			}
		}
		out = append(out, cp)
	}
	return out
}

func dimensionUnion(ps []profile.Profile) []string {
	seen := make(map[string]struct{})
	for _, p := range ps {
		for d := range p.Dimensions {
			seen[d] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for d := range seen {
		keys = append(keys, d)
	}
	sort.Strings(keys)
	return keys
}
