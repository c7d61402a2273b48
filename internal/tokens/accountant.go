// Package tokens estimates and reconciles token usage across providers that
// report it differently, or not at all.
package tokens

import (
	"github.com/neves/zen-gateway/internal/ai"
)

// bytesPerToken is the rough divisor used when a provider reports nothing
const bytesPerToken = 4

// Estimate returns ceil(utf8 bytes / 4). It is an approximation only.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + bytesPerToken - 1) / bytesPerToken
}

// EstimateUsage estimates input and output independently
func EstimateUsage(input, output string) ai.Usage {
	in, out := Estimate(input), Estimate(output)
	return ai.Usage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		Estimated:    true,
	}
}

// EstimateTurns sums the estimate over every turn's text
func EstimateTurns(turns []ai.Turn) int {
	total := 0
	for _, t := range turns {
		total += Estimate(t.Text)
	}
	return total
}

// Reconcile returns the provider-reported usage when present, otherwise an
// estimate over the prompt turns and the final output.
func Reconcile(reported *ai.Usage, turns []ai.Turn, output string) *ai.Usage {
	if reported != nil {
		u := *reported
		if u.InputTokens < 0 {
			u.InputTokens = 0
		}
		if u.OutputTokens < 0 {
			u.OutputTokens = 0
		}
		if u.TotalTokens < u.InputTokens+u.OutputTokens {
			u.TotalTokens = u.InputTokens + u.OutputTokens
		}
		return &u
	}

	in, out := EstimateTurns(turns), Estimate(output)
	return &ai.Usage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		Estimated:    true,
	}
}
