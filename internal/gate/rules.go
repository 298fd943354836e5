package gate

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/tiltguard/internal/signals"
)

// Rule is one step of the cascade. Evaluate returns nil when the rule does
// not apply.
type Rule interface {
	Name() string
	Evaluate(in *Input, th Thresholds) *Verdict
}

// Engine runs rules in order. First applicable rule wins.
type Engine struct {
	rules      []Rule
	thresholds Thresholds
	logger     *slog.Logger
}

// NewEngine creates an engine. With no rules the default cascade is used.
func NewEngine(th Thresholds, rules ...Rule) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Engine{rules: rules, thresholds: th, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Thresholds returns the engine's thresholds.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Decide runs the cascade. If no rule applies the verdict is allow.
func (e *Engine) Decide(in Input) Verdict {
	for _, r := range e.rules {
		if v := r.Evaluate(&in, e.thresholds); v != nil {
			if v.Decision.Blocking() {
				e.logger.Warn("trade blocked", "rule", v.Rule, "decision", v.Decision,
					"score", in.Score, "reasons", v.Reasons)
			}
			return *v
		}
	}
	return *newVerdict("default", DecisionAllow, 0, in.Confidence, nil)
}

// Decide runs the default cascade with th.
func Decide(in Input, th Thresholds) Verdict {
	return NewEngine(th).Decide(in)
}

// DefaultRules returns the production cascade.
func DefaultRules() []Rule {
	return []Rule{
		InsufficientSignalsRule{},
		BlockingRule{},
		WarningRule{},
		AllowRule{},
	}
}

// ---------------------------------------------------------------------------
// InsufficientSignalsRule: not enough evidence to trust any score
// ---------------------------------------------------------------------------

var coreModalities = []signals.Modality{
	signals.ModalityCognitive,
	signals.ModalitySelfReport,
	signals.ModalityFacial,
	signals.ModalityBehavioral,
}

type InsufficientSignalsRule struct{}

func (InsufficientSignalsRule) Name() string { return "insufficient_signals" }

func (r InsufficientSignalsRule) Evaluate(in *Input, th Thresholds) *Verdict {
	present := 0
	for _, m := range coreModalities {
		if in.component(m).Present {
			present++
		}
	}

	var reasons []string
	if present < MinCoreModalities {
		reasons = append(reasons, fmt.Sprintf("insufficient signals: %d of %d core modalities present, need %d",
			present, len(coreModalities), MinCoreModalities))
	}
	if in.ValidTrials < MinValidTrials {
		reasons = append(reasons, fmt.Sprintf("cognitive test incomplete: %d valid trials, need %d",
			in.ValidTrials, MinValidTrials))
	}
	if len(reasons) == 0 {
		return nil
	}
	return newVerdict(r.Name(), DecisionBlock, th.CooldownBase, InsufficientConfidence, reasons)
}

// ---------------------------------------------------------------------------
// BlockingRule: any hard condition blocks, severe cases escalate
// ---------------------------------------------------------------------------

const (
	blockStress       = 8.0
	redFlagStress     = 6.0
	redFlagSelfReport = 7.0
	redFlagMinimum    = 3
	blockLeverage     = 15.0
	blockLossCount    = 5
	blockPnL          = -5000.0
)

type BlockingRule struct{}

func (BlockingRule) Name() string { return "blocking" }

func (r BlockingRule) Evaluate(in *Input, th Thresholds) *Verdict {
	var reasons []string
	add := func(format string, args ...any) {
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	if in.StressLevel >= blockStress {
		add("stress level %.1f at or above %.0f", in.StressLevel, blockStress)
	}
	if float64(in.Score) >= th.Block {
		add("risk score %d at or above block threshold %.0f", in.Score, th.Block)
	}
	if in.hasFlag(signals.ModalityFacial, signals.FlagFacialHighStress) {
		add("facial analysis shows high stress")
	}
	if flags := redFlags(in); len(flags) >= redFlagMinimum {
		add("%d concurrent red flags: %s", len(flags), strings.Join(flags, ", "))
	}
	if in.Context.Leverage > blockLeverage {
		add("leverage %.1fx exceeds %.0fx", in.Context.Leverage, blockLeverage)
	}
	if in.Context.RecentLossCount >= blockLossCount {
		add("%d recent losses", in.Context.RecentLossCount)
	}
	if in.Context.CurrentPnL < blockPnL {
		add("session P&L %.0f below %.0f", in.Context.CurrentPnL, blockPnL)
	}
	if in.Confidence < th.ConfidenceFloor {
		add("assessment confidence %.2f below %.2f", in.Confidence, th.ConfidenceFloor)
	}

	if len(reasons) == 0 {
		return nil
	}
	if in.Score >= SupervisorScore || in.StressLevel >= SupervisorStress {
		return newVerdict(r.Name(), DecisionSupervisorReview, SupervisorCooldown, in.Confidence, reasons)
	}
	return newVerdict(r.Name(), DecisionBlock, minutes(5+5*float64(in.Score)/100), in.Confidence, reasons)
}

func redFlags(in *Input) []string {
	var flags []string
	if in.hasFlag(signals.ModalityCognitive, signals.FlagReactionTimeElevated) {
		flags = append(flags, "reaction time elevated")
	}
	if in.hasFlag(signals.ModalityCognitive, signals.FlagAccuracyLow) {
		flags = append(flags, "accuracy low")
	}
	if in.hasFlag(signals.ModalityBehavioral, signals.FlagBehavioralAnomaly) {
		flags = append(flags, "behavioral anomalies")
	}
	if in.hasFlag(signals.ModalityFacial, signals.FlagFacialStress) {
		flags = append(flags, "facial stress")
	}
	if in.StressLevel >= redFlagStress {
		flags = append(flags, "stress elevated")
	}
	if v, ok := signals.StressRating(in.SelfReportedStress); ok && v >= redFlagSelfReport {
		flags = append(flags, "self-reported stress high")
	}
	return flags
}

// ---------------------------------------------------------------------------
// WarningRule: enough concerns for a short cooldown
// ---------------------------------------------------------------------------

const (
	elevatedScore  = 40
	warningMinimum = 2
)

type WarningRule struct{}

func (WarningRule) Name() string { return "warning" }

func (r WarningRule) Evaluate(in *Input, th Thresholds) *Verdict {
	concerns := Concerns(in, th)
	warning := th.Warning()
	overWarning := float64(in.Score) >= warning
	if len(concerns) < warningMinimum && !overWarning {
		return nil
	}

	reasons := concerns
	if overWarning {
		reasons = append([]string{fmt.Sprintf("risk score %d at or above warning threshold %.0f", in.Score, warning)}, concerns...)
	}

	frac := 1.0
	if th.Block > warning {
		frac = clamp((float64(in.Score)-warning)/(th.Block-warning), 0, 1)
	}
	return newVerdict(r.Name(), DecisionCooldown, minutes(1+4*frac), in.Confidence, reasons)
}

// Concerns lists the sub-blocking concerns present in the input, in
// detection order.
func Concerns(in *Input, th Thresholds) []string {
	var out []string
	if s := float64(in.Score); s >= elevatedScore && s < th.Block {
		out = append(out, fmt.Sprintf("elevated risk score %d", in.Score))
	}
	if in.StressLevel >= redFlagStress && in.StressLevel < blockStress {
		out = append(out, fmt.Sprintf("stress level %.1f elevated", in.StressLevel))
	}
	for _, c := range in.Components {
		if !c.Present || len(c.Flags) == 0 {
			continue
		}
		names := make([]string, len(c.Flags))
		for i, f := range c.Flags {
			names[i] = string(f)
		}
		out = append(out, fmt.Sprintf("%s: %s", c.Modality, strings.Join(names, ", ")))
	}
	return out
}

// ---------------------------------------------------------------------------
// AllowRule: terminal
// ---------------------------------------------------------------------------

type AllowRule struct{}

func (AllowRule) Name() string { return "allow" }

func (r AllowRule) Evaluate(in *Input, _ Thresholds) *Verdict {
	return newVerdict(r.Name(), DecisionAllow, 0, in.Confidence, nil)
}
