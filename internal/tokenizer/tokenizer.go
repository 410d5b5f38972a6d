// Package tokenizer estimates token counts per (text, model), grounded
// in original_source/proxy/tokenizer.py.
//
// No Go library in the example pack or examined ecosystem offers a
// tiktoken-equivalent encoder (see DESIGN.md for the stdlib-fallback
// justification on this component). Estimation therefore uses a
// per-model bytes-per-token approximation, falling back to a
// word-count heuristic identical to the original's exception path.
package tokenizer

import "strings"

// charsPerToken approximates a model family's average characters per
// token. Families absent from this table use defaultCharsPerToken.
var charsPerToken = map[string]float64{
	"gpt-4o":        4.0,
	"gpt-4o-mini":   4.0,
	"gpt-4-turbo":   4.0,
	"gpt-4":         4.0,
	"gpt-3.5-turbo": 4.0,
}

const defaultCharsPerToken = 4.0

// Count estimates the number of tokens in text for model. The
// estimate is deliberately conservative and approximate — see
// Non-goals in SPEC_FULL.md: authoritative token counting for
// non-tiktoken-encodable models is out of scope.
func Count(text string, model string) int {
	if text == "" {
		return 0
	}
	cpt, ok := charsPerToken[model]
	if !ok {
		cpt = defaultCharsPerToken
	}
	n := int(float64(len(text)) / cpt)
	if n < 1 {
		n = wordFallback(text)
	}
	return n
}

// wordFallback mirrors the original's exception-path estimate:
// floor(1.3 * word_count).
func wordFallback(text string) int {
	words := len(strings.Fields(text))
	return int(1.3 * float64(words))
}

// CountMessages estimates tokens for a list of chat messages in
// OpenAI format, accounting for the per-message and reply overhead
// documented in design doc Sec 4.5.
func CountMessages(messages []map[string]any, model string) int {
	const tokensPerMessage = 4
	const replyOverhead = 3

	total := replyOverhead
	for _, msg := range messages {
		total += tokensPerMessage
		for key, value := range msg {
			switch v := value.(type) {
			case string:
				total += Count(v, model)
			default:
				_ = v
			}
			if key == "name" {
				total -= 1
			}
		}
	}
	return total
}
