package signals

import "math"

const (
	cognitiveCap        = 60
	cognitiveConfidence = 0.9
	varianceLimitMs2    = 10000
)

// CognitiveScorer scores timed cognitive-test trials.
type CognitiveScorer struct{}

func (CognitiveScorer) Modality() Modality { return ModalityCognitive }

func (CognitiveScorer) Score(s *Signals, b *Baseline) Component {
	return ScoreCognitive(s.CognitiveTrials, b)
}

// ScoreCognitive compares mean reaction time and accuracy to the baseline
// (z-score and accuracy drop) or, without one, to absolute thresholds.
func ScoreCognitive(trials []Trial, b *Baseline) Component {
	valid := ValidTrials(trials)
	if len(valid) == 0 {
		return empty(ModalityCognitive)
	}

	rts := make([]float64, len(valid))
	correct := 0
	for i, t := range valid {
		rts[i] = t.ReactionTimeMs
		if t.Correct {
			correct++
		}
	}
	meanRT := mean(rts)
	accuracy := float64(correct) / float64(len(valid))

	c := Component{
		Modality:   ModalityCognitive,
		Confidence: cognitiveConfidence,
		Present:    true,
	}

	var rtPoints float64
	if b.Calibrated() && b.ReactionTimeStddev > 0 {
		z := (meanRT - b.ReactionTimeMean) / b.ReactionTimeStddev
		switch {
		case z > 2:
			rtPoints = 30
		case z > 1:
			rtPoints = 15
		}
	} else {
		switch {
		case meanRT > 800:
			rtPoints = 25
		case meanRT > 600:
			rtPoints = 10
		}
	}
	if rtPoints > 0 {
		c.Score += rtPoints
		c.Flags = append(c.Flags, FlagReactionTimeElevated)
	}

	var accPoints float64
	if b.Calibrated() && b.AccuracyMean > 0 {
		drop := b.AccuracyMean - accuracy
		switch {
		case drop > 0.15:
			accPoints = 25
		case drop > 0.08:
			accPoints = 12
		}
	} else {
		switch {
		case accuracy < 0.70:
			accPoints = 20
		case accuracy < 0.85:
			accPoints = 8
		}
	}
	if accPoints > 0 {
		c.Score += accPoints
		c.Flags = append(c.Flags, FlagAccuracyLow)
	}

	if variance(rts) > varianceLimitMs2 {
		c.Score += 10
		c.Flags = append(c.Flags, FlagHighVariance)
	}

	c.Score = math.Min(c.Score, cognitiveCap)
	return c
}
