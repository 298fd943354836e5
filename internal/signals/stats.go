package signals

import "math"

const maxReactionTimeMs = 10000

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance.
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

// ValidTrials drops trials whose reaction time is non-finite or outside
// (0, 10000) ms.
func ValidTrials(trials []Trial) []Trial {
	out := make([]Trial, 0, len(trials))
	for _, t := range trials {
		if !finite(t.ReactionTimeMs) || t.ReactionTimeMs <= 0 || t.ReactionTimeMs >= maxReactionTimeMs {
			continue
		}
		out = append(out, t)
	}
	return out
}

// PointerStability is 1 minus the mean absolute successive difference of the
// movement magnitudes, normalized by the largest magnitude. Needs two finite
// samples.
func PointerStability(movements []float64) (float64, bool) {
	xs := finiteOnly(movements)
	if len(xs) < 2 {
		return 0, false
	}
	var maxAbs, diffSum float64
	for i, x := range xs {
		maxAbs = math.Max(maxAbs, math.Abs(x))
		if i > 0 {
			diffSum += math.Abs(x - xs[i-1])
		}
	}
	if maxAbs == 0 {
		return 1, true
	}
	meanDiff := diffSum / float64(len(xs)-1)
	return clamp(1-meanDiff/maxAbs, 0, 1), true
}

// KeystrokeRhythm is 1 minus the coefficient of variation of the positive
// inter-key intervals. Needs two usable intervals.
func KeystrokeRhythm(intervals []float64) (rhythm, meanInterval float64, ok bool) {
	xs := make([]float64, 0, len(intervals))
	for _, v := range intervals {
		if finite(v) && v > 0 {
			xs = append(xs, v)
		}
	}
	if len(xs) < 2 {
		return 0, 0, false
	}
	m := mean(xs)
	cv := math.Sqrt(variance(xs)) / m
	return clamp(1-cv, 0, 1), m, true
}

func finiteOnly(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if finite(x) {
			out = append(out, x)
		}
	}
	return out
}
