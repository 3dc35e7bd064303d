// Package budget estimates prompt size in tokens and trims what does not
// fit. Backends tokenize differently, so estimates use a character
// heuristic of roughly four characters per token.
package budget

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

const (
	charsPerToken = 4
	// perMessageOverhead approximates the role and framing tokens chat APIs
	// add around every message.
	perMessageOverhead = 4

	// DefaultMaxContextTokens is the input budget of one generation call:
	// system prompt, history, retrieved context and question together.
	DefaultMaxContextTokens = 6000
	// DefaultMaxRetrievalTokens bounds the merged retrieval context.
	DefaultMaxRetrievalTokens = 3000
)

// Estimate returns the approximate token count of s, rounding up so any
// non-empty text costs at least one token. Characters are counted as runes.
func Estimate(s string) int {
	return (utf8.RuneCountInString(s) + charsPerToken - 1) / charsPerToken
}

// EstimateMessage is the cost of one message including framing.
func EstimateMessage(m *schema.Message) int {
	return perMessageOverhead + Estimate(string(m.Role)) + Estimate(m.Content)
}

// EstimateMessages sums EstimateMessage over msgs.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// TrimHistory drops the oldest history until fixed plus history fits in
// maxTokens. fixed is never trimmed. When anything was dropped, the result
// starts at a user message so no answer is kept without its question.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	remaining := maxTokens - EstimateMessages(fixed)
	used := EstimateMessages(history)

	start := 0
	for start < len(history) && used > remaining {
		used -= EstimateMessage(history[start])
		start++
	}
	if start == 0 {
		return history
	}
	for start < len(history) && history[start].Role != schema.User {
		start++
	}
	return history[start:]
}

// Fit returns how many leading parts fit in maxTokens when each part costs
// Estimate(part)+sep. The first part that overflows ends the scan.
// maxTokens <= 0 means unbounded.
func Fit(parts []string, sep, maxTokens int) int {
	if maxTokens <= 0 {
		return len(parts)
	}
	used := 0
	for i, p := range parts {
		if used += Estimate(p) + sep; used > maxTokens {
			return i
		}
	}
	return len(parts)
}
