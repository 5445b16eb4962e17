package ledger

import "github.com/pairforge/pairforge/internal/domain"

const (
	// charsPerToken is the length-based token proxy. It is deliberately
	// conservative; actual consumption is reconciled at release time.
	charsPerToken = 4

	// outputTokenFloor is the minimum estimated output regardless of input
	// size: even a one-line question can produce a long answer.
	outputTokenFloor = 1500

	// tokensPerCredit converts token counts into billable credits.
	tokensPerCredit = 100
)

// Estimate predicts token cost for a model call from the conversation tail
// plus the new user message. It uses message length as a proxy and is a
// heuristic, not a guarantee.
func Estimate(conversationTail []domain.Message, newMessage string) (inputTokens, outputTokens int64) {
	chars := int64(len(newMessage))
	for _, m := range conversationTail {
		chars += int64(len(m.Content))
	}

	inputTokens = chars / charsPerToken
	if inputTokens < 1 {
		inputTokens = 1
	}

	outputTokens = inputTokens / 2
	if outputTokens < outputTokenFloor {
		outputTokens = outputTokenFloor
	}
	return inputTokens, outputTokens
}

// CreditsForTokens converts a token total into credits, rounding up so the
// reservation always covers the estimate.
func CreditsForTokens(tokens int64) int64 {
	credits := (tokens + tokensPerCredit - 1) / tokensPerCredit
	if credits < 1 {
		credits = 1
	}
	return credits
}
