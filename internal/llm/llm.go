// Package llm calls an OpenAI-compatible chat completion endpoint to score
// a normalized signal summary. It is an optional collaborator: callers fall
// back to the heuristic scorers whenever Analyze returns an error.
package llm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
)

// Verdicts the model may return.
const (
	VerdictReady   = "ready"
	VerdictCaution = "caution"
	VerdictStop    = "stop"
)

var (
	// ErrDisabled is returned by a nil or unconfigured client.
	ErrDisabled = errors.New("llm: scorer not configured")
	// ErrInvalidResponse means the model answered but not in the contract.
	ErrInvalidResponse = errors.New("llm: invalid response")
)

// Request is what the model sees: the same normalized summary the
// heuristic path scores, plus the action context.
type Request struct {
	ActorID   string             `json:"-"`
	Summary   signals.Summary    `json:"signals"`
	Context   risk.ActionContext `json:"context"`
	BaseScore int                `json:"heuristicScore"`
}

// Analysis is the model's assessment.
type Analysis struct {
	StressLevel float64  `json:"stressLevel"`
	Confidence  float64  `json:"confidence"`
	Verdict     string   `json:"verdict"`
	Indicators  []string `json:"indicators"`
	Reasoning   string   `json:"reasoning"`
}

// Validate clamps numeric fields into range and rejects anything else
// outside the contract.
func (a *Analysis) Validate() error {
	if math.IsNaN(a.StressLevel) || math.IsNaN(a.Confidence) {
		return fmt.Errorf("%w: NaN field", ErrInvalidResponse)
	}
	a.StressLevel = min(max(a.StressLevel, 0), 10)
	a.Confidence = min(max(a.Confidence, 0), 1)
	a.Verdict = strings.ToLower(strings.TrimSpace(a.Verdict))
	switch a.Verdict {
	case VerdictReady, VerdictCaution, VerdictStop:
	default:
		return fmt.Errorf("%w: unknown verdict %q", ErrInvalidResponse, a.Verdict)
	}
	if a.Indicators == nil {
		a.Indicators = []string{}
	}
	return nil
}

// extractJSON returns the body of the first fenced code block in text, or
// the outermost {...} span, or text unchanged.
func extractJSON(text string) string {
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		return text[i : j+1]
	}
	return text
}
