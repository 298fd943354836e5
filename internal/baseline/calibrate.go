package baseline

import (
	"fmt"
	"math"
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
)

// MinCalibrationTrials is the shortest cognitive test a calibration
// session accepts.
const MinCalibrationTrials = 5

// Session is one calibration run taken while the actor is rested.
type Session struct {
	CognitiveTrials    []signals.Trial `json:"cognitiveTrials"`
	PointerMovements   []float64       `json:"pointerMovements,omitempty"`
	KeystrokeIntervals []float64       `json:"keystrokeIntervals,omitempty"`
}

// Calibrate folds a session into the actor's baseline, creating one on
// first calibration. Means and dispersions are running statistics over
// sessions; the input baseline is not modified.
func Calibrate(actorID string, current *signals.Baseline, s Session, now time.Time) (*signals.Baseline, error) {
	valid := signals.ValidTrials(s.CognitiveTrials)
	if len(valid) < MinCalibrationTrials {
		return nil, fmt.Errorf("%w: %d valid trials, need %d", ErrInsufficientCalibration, len(valid), MinCalibrationTrials)
	}

	rts := make([]float64, len(valid))
	correct := 0
	for i, t := range valid {
		rts[i] = t.ReactionTimeMs
		if t.Correct {
			correct++
		}
	}
	rtMean, rtSD := mean(rts), stddev(rts)
	acc := float64(correct) / float64(len(valid))

	out := &signals.Baseline{ActorID: actorID}
	if current != nil {
		*out = *current
		out.ActorID = actorID
	}
	c := float64(out.CalibrationCount)
	n := c + 1

	if out.CalibrationCount == 0 {
		out.ReactionTimeMean = rtMean
		out.ReactionTimeStddev = rtSD
		out.AccuracyMean = acc
		out.AccuracyStddev = 0
	} else {
		// Pooled within-session reaction time dispersion.
		out.ReactionTimeStddev = math.Sqrt((c*out.ReactionTimeStddev*out.ReactionTimeStddev + rtSD*rtSD) / n)
		out.ReactionTimeMean += (rtMean - out.ReactionTimeMean) / n

		// Welford update of the between-session accuracy spread.
		prev := out.AccuracyMean
		out.AccuracyMean += (acc - prev) / n
		variance := (c*out.AccuracyStddev*out.AccuracyStddev + (acc-prev)*(acc-out.AccuracyMean)) / n
		out.AccuracyStddev = math.Sqrt(math.Max(variance, 0))
	}

	if v, ok := signals.PointerStability(s.PointerMovements); ok {
		out.PointerStabilityMean = runningMean(out.PointerStabilityMean, v, c)
	}
	if v, _, ok := signals.KeystrokeRhythm(s.KeystrokeIntervals); ok {
		out.KeystrokeRhythmMean = runningMean(out.KeystrokeRhythmMean, v, c)
	}

	out.CalibrationCount++
	out.LastCalibrated = now
	return out, nil
}

// runningMean treats a zero previous mean as "never measured".
func runningMean(prev, v, count float64) float64 {
	if prev <= 0 || count == 0 {
		return v
	}
	return prev + (v-prev)/(count+1)
}
