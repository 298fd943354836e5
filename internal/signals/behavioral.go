package signals

import "math"

const (
	behavioralCap        = 35
	behavioralConfidence = 0.7
)

// BehavioralScorer scores pointer stability, keystroke rhythm and click latency.
type BehavioralScorer struct{}

func (BehavioralScorer) Modality() Modality { return ModalityBehavioral }

func (BehavioralScorer) Score(s *Signals, b *Baseline) Component {
	return ScoreBehavioral(s.PointerMovements, s.KeystrokeIntervals, s.ClickLatencyMs, b)
}

// ScoreBehavioral compares pointer stability and keystroke rhythm to the
// baseline means, or to absolute floors when uncalibrated.
func ScoreBehavioral(pointer, keystrokes []float64, clickLatency *float64, b *Baseline) Component {
	c := Component{Modality: ModalityBehavioral}

	if stability, ok := PointerStability(pointer); ok {
		c.Present = true
		var pts float64
		if b.Calibrated() && b.PointerStabilityMean > 0 {
			pts = deviationPoints(math.Abs(stability - b.PointerStabilityMean))
		} else if stability < 0.5 {
			pts = 12
		}
		if pts > 0 {
			c.Score += pts
			c.Flags = append(c.Flags, FlagPointerUnstable)
		}
	}

	if rhythm, _, ok := KeystrokeRhythm(keystrokes); ok {
		c.Present = true
		var pts float64
		if b.Calibrated() && b.KeystrokeRhythmMean > 0 {
			pts = deviationPoints(math.Abs(rhythm - b.KeystrokeRhythmMean))
		} else if rhythm < 0.3 {
			pts = 10
		}
		if pts > 0 {
			c.Score += pts
			c.Flags = append(c.Flags, FlagRhythmIrregular)
		}
	}

	if clickLatency != nil && finite(*clickLatency) && *clickLatency >= 0 {
		c.Present = true
		switch {
		case *clickLatency > 300:
			c.Score += 8
			c.Flags = append(c.Flags, FlagClickSlow)
		case *clickLatency < 50:
			c.Score += 12
			c.Flags = append(c.Flags, FlagClickImpulsive)
		}
	}

	if !c.Present {
		return empty(ModalityBehavioral)
	}
	if c.Score > 0 {
		c.Flags = append(c.Flags, FlagBehavioralAnomaly)
	}
	c.Score = math.Min(c.Score, behavioralCap)
	c.Confidence = behavioralConfidence
	return c
}

func deviationPoints(diff float64) float64 {
	switch {
	case diff > 0.3:
		return 15
	case diff > 0.15:
		return 8
	}
	return 0
}
