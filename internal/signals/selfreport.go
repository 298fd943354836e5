package signals

const selfReportConfidence = 0.8

// SelfReportScorer scores the 0-10 self-reported stress rating.
type SelfReportScorer struct{}

func (SelfReportScorer) Modality() Modality { return ModalitySelfReport }

func (SelfReportScorer) Score(s *Signals, _ *Baseline) Component {
	return ScoreSelfReport(s.SelfReportedStress)
}

// StressRating returns the clamped self-report value, if a finite one exists.
func StressRating(v *float64) (float64, bool) {
	if v == nil || !finite(*v) {
		return 0, false
	}
	return clamp(*v, 0, 10), true
}

// ScoreSelfReport maps the rating to tiered points.
func ScoreSelfReport(stress *float64) Component {
	v, ok := StressRating(stress)
	if !ok {
		return empty(ModalitySelfReport)
	}
	c := Component{
		Modality:   ModalitySelfReport,
		Confidence: selfReportConfidence,
		Present:    true,
	}
	switch {
	case v >= 8:
		c.Score = 40
	case v >= 6:
		c.Score = 25
	case v >= 4:
		c.Score = 10
	}
	if c.Score > 0 {
		c.Flags = append(c.Flags, FlagSelfReportElevated)
	}
	return c
}
