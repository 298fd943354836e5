package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client       *TiltguardClient
	defaultActor string
}

// NewHandlers creates a new Handlers instance. defaultActor is used when a
// tool call names no actor.
func NewHandlers(client *TiltguardClient, defaultActor string) *Handlers {
	return &Handlers{client: client, defaultActor: defaultActor}
}

// contextArgs maps tool arguments onto the action context fields.
var contextArgs = map[string]string{
	"leverage":          "leverage",
	"recent_loss_count": "recentLossCount",
	"current_pnl":       "currentPnl",
	"market_volatility": "marketVolatility",
}

// HandleCheckTradeReadiness scores the trader before a trade.
func (h *Handlers) HandleCheckTradeReadiness(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := req.GetString("actor_id", h.defaultActor)
	if actorID == "" {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	args := req.GetArguments()

	// The server runs beside the trader, so its clock is the trader's local time.
	body := EvaluateRequest{
		ActorID: actorID,
		Signals: map[string]any{},
		Context: map[string]any{"localTime": time.Now().Format(time.RFC3339)},
	}
	if m, ok := args["signals"].(map[string]any); ok {
		for k, v := range m {
			body.Signals[k] = v
		}
	}
	if _, ok := args["self_reported_stress"]; ok {
		body.Signals["selfReportedStress"] = req.GetFloat("self_reported_stress", 0)
	}
	for arg, field := range contextArgs {
		if _, ok := args[arg]; !ok {
			continue
		}
		if field == "recentLossCount" {
			body.Context[field] = req.GetInt(arg, 0)
		} else {
			body.Context[field] = req.GetFloat(arg, 0)
		}
	}

	raw, err := h.client.Evaluate(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check trade readiness: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAssessment returns an earlier assessment.
func (h *Handlers) HandleGetAssessment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("assessment_id", "")
	if id == "" {
		return mcp.NewToolResultError("assessment_id is required"), nil
	}

	raw, err := h.client.GetAssessment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get assessment: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRecordTradeOutcome reports a trade result.
func (h *Handlers) HandleRecordTradeOutcome(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("assessment_id", "")
	if id == "" {
		return mcp.NewToolResultError("assessment_id is required"), nil
	}
	if _, ok := req.GetArguments()["executed"]; !ok {
		return mcp.NewToolResultError("executed is required"), nil
	}
	executed := req.GetBool("executed", false)

	var pnl *float64
	if _, ok := req.GetArguments()["pnl"]; ok {
		v := req.GetFloat("pnl", 0)
		pnl = &v
	}

	if _, err := h.client.RecordOutcome(ctx, id, executed, pnl); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record trade outcome: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Outcome recorded for %s\n", id)
	if executed {
		sb.WriteString("  Trade: executed\n")
	} else {
		sb.WriteString("  Trade: not executed\n")
	}
	if pnl != nil {
		fmt.Fprintf(&sb, "  PnL: %.2f\n", *pnl)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecentAssessments lists the trader's latest assessments.
func (h *Handlers) HandleRecentAssessments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID := req.GetString("actor_id", h.defaultActor)
	if actorID == "" {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	limit := req.GetInt("limit", 10)

	raw, err := h.client.ListAssessments(ctx, actorID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list assessments: %v", err)), nil
	}

	text, err := formatAssessmentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessments: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// assessmentView mirrors the API's public assessment.
type assessmentView struct {
	AssessmentID    string     `json:"assessmentId"`
	Status          string     `json:"status"`
	Decision        string     `json:"decision"`
	Score           *int       `json:"score"`
	Confidence      float64    `json:"confidence"`
	CooldownSeconds int        `json:"cooldownSeconds"`
	CooldownUntil   *time.Time `json:"cooldownUntil"`
	Reasons         []string   `json:"reasons"`
	PrimaryConcerns []string   `json:"primaryConcerns"`
	ShortCircuited  bool       `json:"shortCircuited"`
}

var guidance = map[string]string{
	"allow":             "Trader is fit to trade. You may submit the trade.",
	"block":             "Do NOT submit the trade.",
	"cooldown":          "Do NOT submit the trade. Wait for the cooldown to end and check again.",
	"supervisor_review": "Do NOT submit the trade. A supervisor must review the trader first.",
}

func formatAssessment(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessment *assessmentView `json:"assessment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Assessment == nil {
		return "", fmt.Errorf("no assessment in response")
	}
	return describe(*resp.Assessment), nil
}

func describe(a assessmentView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s\n", a.Decision)
	if g, ok := guidance[a.Decision]; ok {
		fmt.Fprintf(&sb, "%s\n", g)
	}
	fmt.Fprintf(&sb, "\nAssessment: %s (%s)\n", a.AssessmentID, a.Status)
	if a.Score != nil {
		fmt.Fprintf(&sb, "  Risk score: %d/100\n", *a.Score)
	} else {
		sb.WriteString("  Risk score: withheld (not enough confident signal)\n")
	}
	fmt.Fprintf(&sb, "  Confidence: %.0f%%\n", a.Confidence*100)
	if a.CooldownSeconds > 0 {
		fmt.Fprintf(&sb, "  Cooldown: %s remaining\n", (time.Duration(a.CooldownSeconds) * time.Second).String())
	}
	if a.ShortCircuited {
		sb.WriteString("  (answered by an active cooldown; signals were not re-scored)\n")
	}
	if len(a.PrimaryConcerns) > 0 {
		fmt.Fprintf(&sb, "  Concerns: %s\n", strings.Join(a.PrimaryConcerns, ", "))
	}
	if len(a.Reasons) > 0 {
		sb.WriteString("  Reasons:\n")
		for _, r := range a.Reasons {
			fmt.Fprintf(&sb, "    - %s\n", r)
		}
	}
	return sb.String()
}

func formatAssessmentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessments []assessmentView `json:"assessments"`
		HasMore     bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Assessments) == 0 {
		return "No assessments found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d assessment(s):\n\n", len(resp.Assessments))
	for i, a := range resp.Assessments {
		score := "-"
		if a.Score != nil {
			score = fmt.Sprintf("%d", *a.Score)
		}
		fmt.Fprintf(&sb, "%d. %s  %s  score %s  (%s)\n", i+1, a.AssessmentID, a.Decision, score, a.Status)
	}
	if resp.HasMore {
		sb.WriteString("\nOlder assessments exist.\n")
	}
	return sb.String(), nil
}
