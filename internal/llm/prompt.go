package llm

import (
	"encoding/json"
	"fmt"
)

const systemPrompt = `You assess whether a trader is in a fit state to place a trade.
You receive normalized readings from a short pre-trade check: cognitive test
timing and accuracy, pointer and typing steadiness, optional voice and facial
stress scores, a self-reported stress rating from 0 to 10, and the trade's
context (leverage, recent losses, running P&L, local time, volatility).
Missing fields were not measured; do not guess them.

Reply with one JSON object and nothing else:
{
  "stressLevel": number 0-10,
  "confidence": number 0-1,
  "verdict": "ready" | "caution" | "stop",
  "indicators": [short strings naming what drove the assessment],
  "reasoning": one or two sentences
}
Lower your confidence when few readings are present.`

func buildPrompt(req Request) (string, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode prompt payload: %w", err)
	}
	return "Pre-trade readings:\n" + string(payload), nil
}
