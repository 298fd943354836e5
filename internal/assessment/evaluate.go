package assessment

import (
	"log/slog"
	"math"

	"github.com/mbd888/tiltguard/internal/gate"
	"github.com/mbd888/tiltguard/internal/llm"
	"github.com/mbd888/tiltguard/internal/logging"
	"github.com/mbd888/tiltguard/internal/patterns"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
)

// Evaluation is the stateless result of scoring one set of signals.
type Evaluation struct {
	Components []signals.Component `json:"components"`
	Summary    signals.Summary     `json:"summary"`
	Result     risk.Result         `json:"result"`
	Verdict    gate.Verdict        `json:"verdict"`
	Stress     float64             `json:"stressLevel"`
	Confidence float64             `json:"confidence"`
	Status     Status              `json:"status"`
	Source     Source              `json:"source"`
}

// EvaluateOffline scores sig against ctx with no storage, pattern history
// or hosted model. b may be nil. The result is deterministic.
func EvaluateOffline(sig signals.Signals, actx risk.ActionContext, b *signals.Baseline, pol policy.Policy) Evaluation {
	return evaluate(evalInput{
		signals:  sig,
		context:  actx,
		baseline: b,
		policy:   pol,
		scorers:  signals.DefaultScorers(),
		logger:   logging.Discard(),
	}).Evaluation
}

type evalInput struct {
	signals  signals.Signals
	context  risk.ActionContext
	baseline *signals.Baseline
	policy   policy.Policy
	scorers  []signals.Scorer
	logger   *slog.Logger

	// Optional adjustments, applied when non-nil.
	predict  func(summary signals.Summary, baseScore int) *patterns.Prediction
	analysis func(summary signals.Summary, baseScore int) *llm.Analysis
}

type evalOutput struct {
	Evaluation
	prediction *patterns.Prediction
	analysis   *llm.Analysis
}

func evaluate(in evalInput) evalOutput {
	sig := in.signals
	components := signals.ScoreAll(&sig, in.baseline, in.scorers...)
	summary := signals.Summarize(&sig, components)

	result := risk.NewComposer().
		WithWeights(in.policy.Weights).
		WithEnabled(in.policy.Enabled).
		Compose(components, in.context)

	out := evalOutput{}
	if in.predict != nil {
		if pred := in.predict(summary, result.BaseScore); pred != nil {
			result = result.WithPattern(pred.Adjustment, pred.Novelty)
			out.prediction = pred
		}
	}

	stress := gate.StressEstimate(result.Score, sig.SelfReportedStress)
	confidence := analysisConfidence(components)
	source := SourceHeuristic
	if in.analysis != nil {
		if a := in.analysis(summary, result.BaseScore); a != nil {
			stress = a.StressLevel
			if r, ok := signals.StressRating(sig.SelfReportedStress); ok {
				stress = math.Max(stress, r)
			}
			confidence = a.Confidence
			source = SourceLLM
			out.analysis = a
		}
	}

	verdict := gate.NewEngine(in.policy.Thresholds(), gate.DefaultRules()...).
		WithLogger(in.logger).
		Decide(gate.Input{
			Score:              result.Score,
			StressLevel:        stress,
			Confidence:         confidence,
			Components:         components,
			ValidTrials:        summary.ValidTrials,
			SelfReportedStress: sig.SelfReportedStress,
			Context:            in.context,
		})

	status := StatusScored
	if verdict.Rule == (gate.InsufficientSignalsRule{}).Name() || confidence < in.policy.ConfidenceFloor {
		status = StatusPending
	}

	out.Evaluation = Evaluation{
		Components: components,
		Summary:    summary,
		Result:     result,
		Verdict:    verdict,
		Stress:     stress,
		Confidence: confidence,
		Status:     status,
		Source:     source,
	}
	return out
}

// analysisConfidence is the mean confidence of the modalities that were
// present. No modality means no confidence.
func analysisConfidence(components []signals.Component) float64 {
	var sum float64
	n := 0
	for _, c := range components {
		if !c.Present {
			continue
		}
		sum += c.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
