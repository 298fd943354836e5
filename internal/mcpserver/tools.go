package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the tiltguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckTradeReadiness = mcp.NewTool("check_trade_readiness",
	mcp.WithDescription(
		"Check whether the trader is in a fit state to place a trade before you submit it. "+
			"Scores behavioral and physiological signals against the trader's baseline and returns "+
			"a decision: allow, block, cooldown or supervisor_review. "+
			"Only submit the trade when the decision is allow."),
	mcp.WithString("actor_id",
		mcp.Description("Trader identifier. Defaults to the trader this server was started for.")),
	mcp.WithObject("signals",
		mcp.Description("Captured signals: cognitiveTrials, pointerMovements, keystrokeIntervals, "+
			"clickLatencyMs, selfReportedStress (1-10), voice, facial. Every field is optional.")),
	mcp.WithNumber("self_reported_stress",
		mcp.Description("Trader's own stress rating from 1 (calm) to 10 (panicked). Overrides signals.selfReportedStress.")),
	mcp.WithNumber("leverage",
		mcp.Description("Leverage of the intended trade (e.g. 5 for 5x)")),
	mcp.WithNumber("recent_loss_count",
		mcp.Description("Consecutive losing trades in the current session")),
	mcp.WithNumber("current_pnl",
		mcp.Description("Session profit and loss so far")),
	mcp.WithNumber("market_volatility",
		mcp.Description("Current market volatility from 0 (quiet) to 1 (extreme)")),
)

var ToolGetAssessment = mcp.NewTool("get_assessment",
	mcp.WithDescription(
		"Look up an earlier readiness assessment, including how long a cooldown has left."),
	mcp.WithString("assessment_id",
		mcp.Required(),
		mcp.Description("The assessment ID returned by check_trade_readiness (e.g. 'asm_...')")),
)

var ToolRecordTradeOutcome = mcp.NewTool("record_trade_outcome",
	mcp.WithDescription(
		"Report what happened after an assessment: whether the trade was executed and its profit or loss. "+
			"Outcomes tune the trader's personal thresholds over time."),
	mcp.WithString("assessment_id",
		mcp.Required(),
		mcp.Description("The assessment the trade was checked under")),
	mcp.WithBoolean("executed",
		mcp.Required(),
		mcp.Description("Whether the trade was actually placed")),
	mcp.WithNumber("pnl",
		mcp.Description("Realized profit (positive) or loss (negative) of the closed trade")),
)

var ToolRecentAssessments = mcp.NewTool("recent_assessments",
	mcp.WithDescription(
		"List the trader's most recent readiness assessments, newest first."),
	mcp.WithString("actor_id",
		mcp.Description("Trader identifier. Defaults to the trader this server was started for.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 10)")),
)
