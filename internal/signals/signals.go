// Package signals turns raw per-modality signal arrays into bounded subscores.
//
// Five scorers cover the supported modalities: cognitive test trials,
// pointer/keystroke timing, self-reported stress, voice prosody and facial
// metrics. Each returns a Component carrying a score, a confidence and the
// anomaly flags that fired. Malformed samples are dropped before scoring;
// a modality whose samples are all invalid degrades to a zero component
// instead of failing.
package signals

import (
	"slices"
	"time"
)

// Modality names one signal source.
type Modality string

const (
	ModalityCognitive  Modality = "cognitive"
	ModalityBehavioral Modality = "behavioral"
	ModalitySelfReport Modality = "self_report"
	ModalityVoice      Modality = "voice"
	ModalityFacial     Modality = "facial"
)

// AllModalities lists modalities in composition order.
var AllModalities = []Modality{
	ModalityCognitive,
	ModalityBehavioral,
	ModalitySelfReport,
	ModalityVoice,
	ModalityFacial,
}

// Flag is a boolean anomaly marker raised by a scorer.
type Flag string

const (
	FlagReactionTimeElevated Flag = "reaction_time_elevated"
	FlagAccuracyLow          Flag = "accuracy_low"
	FlagHighVariance         Flag = "high_variance"

	FlagPointerUnstable    Flag = "pointer_unstable"
	FlagRhythmIrregular    Flag = "rhythm_irregular"
	FlagClickSlow          Flag = "click_slow"
	FlagClickImpulsive     Flag = "click_impulsive"
	FlagBehavioralAnomaly  Flag = "behavioral_anomaly"
	FlagSelfReportElevated Flag = "self_report_elevated"
	FlagVoiceStress        Flag = "voice_stress"
	FlagFacialStress       Flag = "facial_stress"
	FlagFacialHighStress   Flag = "facial_high_stress"
)

// Trial is one timed cognitive-test response.
type Trial struct {
	Stimulus       string  `json:"stimulus"`
	Response       string  `json:"response"`
	Correct        bool    `json:"correct"`
	ReactionTimeMs float64 `json:"reactionTimeMs"`
}

// VoiceFeatures summarizes prosody extracted from a short voice sample.
type VoiceFeatures struct {
	PitchHz float64 `json:"pitchHz"`
	Jitter  float64 `json:"jitter"`
	Shimmer float64 `json:"shimmer"`
	Energy  float64 `json:"energy"`
}

// Signals is everything captured for one assessment. Every field is optional.
type Signals struct {
	CognitiveTrials    []Trial        `json:"cognitiveTrials,omitempty"`
	PointerMovements   []float64      `json:"pointerMovements,omitempty"`
	KeystrokeIntervals []float64      `json:"keystrokeIntervals,omitempty"`
	ClickLatencyMs     *float64       `json:"clickLatencyMs,omitempty"`
	SelfReportedStress *float64       `json:"selfReportedStress,omitempty"`
	Voice              *VoiceFeatures `json:"voice,omitempty"`
	Facial             *FacialInput   `json:"facial,omitempty"`
}

// Merge returns a copy of s with every field that is set in update replacing
// the corresponding field of s. Used when signals arrive after a placeholder
// assessment was created.
func (s Signals) Merge(update Signals) Signals {
	out := s.Clone()
	if len(update.CognitiveTrials) > 0 {
		out.CognitiveTrials = slices.Clone(update.CognitiveTrials)
	}
	if len(update.PointerMovements) > 0 {
		out.PointerMovements = slices.Clone(update.PointerMovements)
	}
	if len(update.KeystrokeIntervals) > 0 {
		out.KeystrokeIntervals = slices.Clone(update.KeystrokeIntervals)
	}
	if update.ClickLatencyMs != nil {
		v := *update.ClickLatencyMs
		out.ClickLatencyMs = &v
	}
	if update.SelfReportedStress != nil {
		v := *update.SelfReportedStress
		out.SelfReportedStress = &v
	}
	if update.Voice != nil {
		v := *update.Voice
		out.Voice = &v
	}
	if update.Facial != nil {
		out.Facial = update.Facial.clone()
	}
	return out
}

// Clone returns a deep copy.
func (s Signals) Clone() Signals {
	out := Signals{
		CognitiveTrials:    slices.Clone(s.CognitiveTrials),
		PointerMovements:   slices.Clone(s.PointerMovements),
		KeystrokeIntervals: slices.Clone(s.KeystrokeIntervals),
	}
	if s.ClickLatencyMs != nil {
		v := *s.ClickLatencyMs
		out.ClickLatencyMs = &v
	}
	if s.SelfReportedStress != nil {
		v := *s.SelfReportedStress
		out.SelfReportedStress = &v
	}
	if s.Voice != nil {
		v := *s.Voice
		out.Voice = &v
	}
	if s.Facial != nil {
		out.Facial = s.Facial.clone()
	}
	return out
}

// Baseline holds an actor's personal norms. Scorers compare against it
// instead of absolute thresholds when it has been calibrated.
type Baseline struct {
	ActorID              string    `json:"actorId"`
	ReactionTimeMean     float64   `json:"reactionTimeMean"`
	ReactionTimeStddev   float64   `json:"reactionTimeStddev"`
	AccuracyMean         float64   `json:"accuracyMean"`
	AccuracyStddev       float64   `json:"accuracyStddev"`
	PointerStabilityMean float64   `json:"pointerStabilityMean"`
	KeystrokeRhythmMean  float64   `json:"keystrokeRhythmMean"`
	StressThreshold      float64   `json:"stressThreshold,omitempty"`
	CalibrationCount     int       `json:"calibrationCount"`
	LastCalibrated       time.Time `json:"lastCalibrated"`
}

// Calibrated reports whether b carries usable norms.
func (b *Baseline) Calibrated() bool {
	return b != nil && b.CalibrationCount > 0
}

// Component is one scorer's output.
type Component struct {
	Modality   Modality `json:"modality"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Flags      []Flag   `json:"flags,omitempty"`
	// Present is true when the modality supplied at least one usable sample.
	Present bool `json:"present"`
}

// Has reports whether flag fired.
func (c Component) Has(flag Flag) bool {
	return slices.Contains(c.Flags, flag)
}

// Scorer turns signals into one modality's component. A revived ensemble
// predictor plugs in here and composes like any other modality.
type Scorer interface {
	Modality() Modality
	Score(s *Signals, b *Baseline) Component
}

// DefaultScorers returns the built-in heuristic scorers in composition order.
func DefaultScorers() []Scorer {
	return []Scorer{
		CognitiveScorer{},
		BehavioralScorer{},
		SelfReportScorer{},
		VoiceScorer{},
		FacialScorer{},
	}
}

// ScoreAll runs every scorer. A nil Signals is treated as empty.
func ScoreAll(s *Signals, b *Baseline, scorers ...Scorer) []Component {
	if s == nil {
		s = &Signals{}
	}
	if len(scorers) == 0 {
		scorers = DefaultScorers()
	}
	out := make([]Component, 0, len(scorers))
	for _, sc := range scorers {
		out = append(out, sc.Score(s, b))
	}
	return out
}

// Find returns the component for m, or a zero component if absent.
func Find(components []Component, m Modality) Component {
	for _, c := range components {
		if c.Modality == m {
			return c
		}
	}
	return Component{Modality: m}
}

func empty(m Modality) Component {
	return Component{Modality: m}
}
