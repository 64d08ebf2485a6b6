package executor

import (
	"context"
	"fmt"
	"strings"
)

const (
	localBaseConfidence    = 0.5
	localPerSourceBonus    = 0.08
	localMaxCountedSources = 4
	localNoContextScore    = 0.3
	localMaxSentences      = 3
	localMaxRunes          = 600
)

// LocalReasoner drafts answers deterministically from the retrieved context:
// it extracts the leading sentences and scores confidence by how many
// sources backed them. It stands in when no reasoning gateway is configured,
// which keeps the pipeline runnable in development.
type LocalReasoner struct{}

func (LocalReasoner) Reason(_ context.Context, req *ReasonRequest) (*ReasonResponse, error) {
	if strings.TrimSpace(req.Context) == "" {
		return &ReasonResponse{
			Content:    fmt.Sprintf("No indexed sources cover %q yet.", req.Query),
			Confidence: localNoContextScore,
			Metadata:   map[string]any{"reasoner": "local"},
		}, nil
	}

	content := firstSentences(req.Context, localMaxSentences)
	if req.SourceCount > 0 {
		content = fmt.Sprintf("Based on %d sources: %s", req.SourceCount, content)
	}

	confidence := localBaseConfidence + localPerSourceBonus*float64(min(req.SourceCount, localMaxCountedSources))
	return &ReasonResponse{
		Content:    content,
		Confidence: confidence,
		Metadata:   map[string]any{"reasoner": "local"},
	}, nil
}

// firstSentences returns up to n sentences from text, bounded in runes so
// unpunctuated context stays short too.
func firstSentences(text string, n int) string {
	rest := strings.TrimSpace(text)
	var sentences []string
	for i := 0; i < n && rest != ""; i++ {
		idx := strings.IndexAny(rest, ".!?")
		if idx == -1 {
			sentences = append(sentences, rest)
			break
		}
		sentences = append(sentences, rest[:idx+1])
		rest = strings.TrimSpace(rest[idx+1:])
	}

	out := strings.Join(sentences, " ")
	if runes := []rune(out); len(runes) > localMaxRunes {
		out = string(runes[:localMaxRunes]) + "..."
	}
	return out
}
