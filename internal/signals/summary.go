package signals

// Summary is the normalized per-assessment view shared by the pattern
// matcher, the baseline learner and the hosted language-model scorer.
// Pointer fields are nil when the modality was absent or unusable.
type Summary struct {
	ValidTrials           int      `json:"validTrials"`
	ReactionTimeMean      *float64 `json:"reactionTimeMeanMs,omitempty"`
	ReactionTimeVariance  *float64 `json:"reactionTimeVariance,omitempty"`
	Accuracy              *float64 `json:"accuracy,omitempty"`
	PointerStability      *float64 `json:"pointerStability,omitempty"`
	KeystrokeRhythm       *float64 `json:"keystrokeRhythm,omitempty"`
	KeystrokeMeanInterval *float64 `json:"keystrokeMeanIntervalMs,omitempty"`
	ClickLatency          *float64 `json:"clickLatencyMs,omitempty"`
	SelfReportedStress    *float64 `json:"selfReportedStress,omitempty"`
	VoiceScore            *float64 `json:"voiceScore,omitempty"`
	FacialScore           *float64 `json:"facialScore,omitempty"`
}

// Summarize derives the normalized summary from raw signals and the
// components already scored for them.
func Summarize(s *Signals, components []Component) Summary {
	var out Summary
	if s == nil {
		return out
	}

	if valid := ValidTrials(s.CognitiveTrials); len(valid) > 0 {
		rts := make([]float64, len(valid))
		correct := 0
		for i, t := range valid {
			rts[i] = t.ReactionTimeMs
			if t.Correct {
				correct++
			}
		}
		out.ValidTrials = len(valid)
		out.ReactionTimeMean = ptr(mean(rts))
		out.ReactionTimeVariance = ptr(variance(rts))
		out.Accuracy = ptr(float64(correct) / float64(len(valid)))
	}
	if v, ok := PointerStability(s.PointerMovements); ok {
		out.PointerStability = ptr(v)
	}
	if rhythm, m, ok := KeystrokeRhythm(s.KeystrokeIntervals); ok {
		out.KeystrokeRhythm = ptr(rhythm)
		out.KeystrokeMeanInterval = ptr(m)
	}
	if s.ClickLatencyMs != nil && finite(*s.ClickLatencyMs) && *s.ClickLatencyMs >= 0 {
		out.ClickLatency = ptr(*s.ClickLatencyMs)
	}
	if v, ok := StressRating(s.SelfReportedStress); ok {
		out.SelfReportedStress = ptr(v)
	}
	if c := Find(components, ModalityVoice); c.Present {
		out.VoiceScore = ptr(c.Score)
	}
	if c := Find(components, ModalityFacial); c.Present {
		out.FacialScore = ptr(c.Score)
	}
	return out
}

func ptr(v float64) *float64 { return &v }
