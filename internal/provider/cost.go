package provider

import "strings"

// EstimateCost estimates the USD cost for the given model and token counts.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	var inputRate, outputRate float64 // per million tokens

	switch {
	case model == "" || model == heuristicModel:
		return 0
	case strings.HasPrefix(model, "claude-opus"):
		inputRate = 15.0
		outputRate = 75.0
	case strings.HasPrefix(model, "claude-sonnet"):
		inputRate = 3.0
		outputRate = 15.0
	case strings.HasPrefix(model, "claude-haiku"):
		inputRate = 0.80
		outputRate = 4.0
	case strings.HasPrefix(model, "gpt-4o-mini"):
		inputRate = 0.15
		outputRate = 0.60
	case strings.HasPrefix(model, "gpt-4o"):
		inputRate = 2.50
		outputRate = 10.0
	default:
		// Unknown model: use sonnet pricing as a reasonable default.
		inputRate = 3.0
		outputRate = 15.0
	}

	return float64(inputTokens)/1_000_000*inputRate + float64(outputTokens)/1_000_000*outputRate
}
