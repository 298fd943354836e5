package signals

import "math"

// FacialShape tags which capture pipeline produced the metrics.
type FacialShape string

const (
	FacialShapeLegacy   FacialShape = "legacy"
	FacialShapeEnhanced FacialShape = "enhanced"
)

const (
	facialLegacyCap          = 25
	facialEnhancedCap        = 30
	facialLegacyConfidence   = 0.6
	facialEnhancedConfidence = 0.8

	facialStressPoints     = 10
	facialHighStressPoints = 20
)

// LegacyFacial is the summary emitted by the original webcam pipeline.
type LegacyFacial struct {
	FacePresent   bool    `json:"facePresent"`
	BlinkRate     float64 `json:"blinkRate"`     // blinks per minute
	BrowFurrow    float64 `json:"browFurrow"`    // 0-1
	GazeStability float64 `json:"gazeStability"` // 0-1
}

// EnhancedFacial is the landmark-based summary with eye and jaw geometry.
type EnhancedFacial struct {
	FacePresent         bool    `json:"facePresent"`
	BlinkRate           float64 `json:"blinkRate"`
	BrowFurrowIntensity float64 `json:"browFurrowIntensity"`
	GazeStability       float64 `json:"gazeStability"`
	EyeAspectRatio      float64 `json:"eyeAspectRatio"`
	JawOpenness         float64 `json:"jawOpenness"`
}

// FacialInput holds exactly one of the two accepted shapes. When both are
// set the enhanced shape wins.
type FacialInput struct {
	Legacy   *LegacyFacial   `json:"legacy,omitempty"`
	Enhanced *EnhancedFacial `json:"enhanced,omitempty"`
}

func (f *FacialInput) clone() *FacialInput {
	out := &FacialInput{}
	if f.Legacy != nil {
		v := *f.Legacy
		out.Legacy = &v
	}
	if f.Enhanced != nil {
		v := *f.Enhanced
		out.Enhanced = &v
	}
	return out
}

// FacialFeatures is the canonical record both shapes normalize to.
type FacialFeatures struct {
	Shape          FacialShape
	FacePresent    bool
	BlinkRate      float64
	BrowFurrow     float64
	GazeStability  float64
	EyeAspectRatio *float64
	JawOpenness    *float64
}

// NormalizeFacial adapts either input shape into FacialFeatures. It returns
// false when no shape is set.
func NormalizeFacial(in *FacialInput) (FacialFeatures, bool) {
	switch {
	case in == nil:
		return FacialFeatures{}, false
	case in.Enhanced != nil:
		e := in.Enhanced
		ear, jaw := e.EyeAspectRatio, e.JawOpenness
		return FacialFeatures{
			Shape:          FacialShapeEnhanced,
			FacePresent:    e.FacePresent,
			BlinkRate:      e.BlinkRate,
			BrowFurrow:     e.BrowFurrowIntensity,
			GazeStability:  e.GazeStability,
			EyeAspectRatio: &ear,
			JawOpenness:    &jaw,
		}, true
	case in.Legacy != nil:
		l := in.Legacy
		return FacialFeatures{
			Shape:         FacialShapeLegacy,
			FacePresent:   l.FacePresent,
			BlinkRate:     l.BlinkRate,
			BrowFurrow:    l.BrowFurrow,
			GazeStability: l.GazeStability,
		}, true
	}
	return FacialFeatures{}, false
}

// FacialScorer scores facial metrics of either shape.
type FacialScorer struct{}

func (FacialScorer) Modality() Modality { return ModalityFacial }

func (FacialScorer) Score(s *Signals, _ *Baseline) Component {
	f, ok := NormalizeFacial(s.Facial)
	if !ok {
		return empty(ModalityFacial)
	}
	return ScoreFacial(f)
}

// ScoreFacial adds tiered points for blink rate, brow furrow and gaze
// instability; the enhanced shape also penalizes extreme eye aspect ratio
// and jaw openness.
func ScoreFacial(f FacialFeatures) Component {
	if !f.FacePresent {
		return empty(ModalityFacial)
	}

	c := Component{Modality: ModalityFacial, Present: true}
	limit := float64(facialLegacyCap)
	c.Confidence = facialLegacyConfidence
	if f.Shape == FacialShapeEnhanced {
		limit = facialEnhancedCap
		c.Confidence = facialEnhancedConfidence
	}

	if finite(f.BlinkRate) {
		switch {
		case f.BlinkRate > 30:
			c.Score += 10
		case f.BlinkRate > 20:
			c.Score += 5
		case f.BlinkRate >= 0 && f.BlinkRate < 5:
			c.Score += 5
		}
	}
	if finite(f.BrowFurrow) {
		switch {
		case f.BrowFurrow > 0.7:
			c.Score += 10
		case f.BrowFurrow > 0.4:
			c.Score += 5
		}
	}
	if finite(f.GazeStability) {
		switch {
		case f.GazeStability < 0.4:
			c.Score += 8
		case f.GazeStability < 0.6:
			c.Score += 4
		}
	}
	if f.EyeAspectRatio != nil && finite(*f.EyeAspectRatio) {
		if ear := *f.EyeAspectRatio; ear < 0.15 || ear > 0.4 {
			c.Score += 5
		}
	}
	if f.JawOpenness != nil && finite(*f.JawOpenness) {
		switch jaw := *f.JawOpenness; {
		case jaw > 0.7:
			c.Score += 5
		case jaw < 0.05:
			c.Score += 3
		}
	}

	c.Score = math.Min(c.Score, limit)
	if c.Score >= facialStressPoints {
		c.Flags = append(c.Flags, FlagFacialStress)
	}
	if c.Score >= facialHighStressPoints {
		c.Flags = append(c.Flags, FlagFacialHighStress)
	}
	return c
}
