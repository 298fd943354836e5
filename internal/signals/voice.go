package signals

import "math"

const (
	voiceCap        = 25
	voiceConfidence = 0.6
)

// VoiceScorer scores prosody features.
type VoiceScorer struct{}

func (VoiceScorer) Modality() Modality { return ModalityVoice }

func (VoiceScorer) Score(s *Signals, _ *Baseline) Component {
	return ScoreVoice(s.Voice)
}

// ScoreVoice adds points for raised pitch, jitter, shimmer and low energy.
// Non-finite features contribute nothing.
func ScoreVoice(v *VoiceFeatures) Component {
	if v == nil {
		return empty(ModalityVoice)
	}
	c := Component{
		Modality:   ModalityVoice,
		Confidence: voiceConfidence,
		Present:    true,
	}
	if finite(v.PitchHz) {
		switch {
		case v.PitchHz > 250:
			c.Score += 15
		case v.PitchHz > 200:
			c.Score += 8
		}
	}
	if finite(v.Jitter) && v.Jitter > 0.02 {
		c.Score += 10
	}
	if finite(v.Shimmer) && v.Shimmer > 0.08 {
		c.Score += 10
	}
	if finite(v.Energy) && v.Energy < 0.3 {
		c.Score += 8
	}
	if c.Score > 0 {
		c.Flags = append(c.Flags, FlagVoiceStress)
	}
	c.Score = math.Min(c.Score, voiceCap)
	return c
}
