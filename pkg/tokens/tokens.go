// Package tokens counts and truncates text in model tokens using the
// cl100k_base encoding. Loading the encoding needs network access on first
// use; when that fails the package falls back to a rune-based estimate so
// callers keep working offline.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = e
		}
	})
	return encoding
}

// Count returns the number of tokens in text.
func Count(text string) int {
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return estimate(text)
}

// estimate approximates the token count as max(runes/4, words), never zero
// for non-empty text.
func estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); n < words {
		n = words
	}
	if n == 0 {
		n = 1
	}
	return n
}

// Truncate cuts text down to at most maxTokens tokens and appends an
// ellipsis marker when anything was removed. Non-positive budgets return
// text unchanged.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if e := enc(); e != nil {
		toks := e.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text
		}
		return e.Decode(toks[:maxTokens]) + "..."
	}
	runes := []rune(text)
	if len(runes) <= maxTokens*4 {
		return text
	}
	return string(runes[:maxTokens*4]) + "..."
}
