// Package masking redacts secrets from task fields before they leave the
// control API. Patterns are compiled once at startup from the built-in
// configuration; masking itself is stateless and safe for concurrent use.
package masking

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"

	"github.com/master-control/mcp/pkg/config"
	"github.com/master-control/mcp/pkg/models"
)

// redactedStageResult replaces a stage result whose masked form is no longer
// valid JSON. Fail closed rather than emit a broken response document.
const redactedStageResult = `{"masked":"stage result redacted"}`

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// Service applies the built-in redaction patterns to task text.
// Created once at application startup.
type Service struct {
	// patterns is sorted by name so repeated masking of the same input is
	// deterministic even where patterns overlap.
	patterns []*CompiledPattern
}

// NewService compiles all built-in masking patterns. Invalid patterns are
// logged and skipped.
func NewService() *Service {
	builtin := config.GetBuiltinConfig().MaskingPatterns
	s := &Service{patterns: make([]*CompiledPattern, 0, len(builtin))}

	for name, pattern := range builtin {
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: pattern.Replacement,
			Description: pattern.Description,
		})
	}
	sort.Slice(s.patterns, func(i, j int) bool { return s.patterns[i].Name < s.patterns[j].Name })

	slog.Info("Masking service initialized",
		"builtin_patterns", len(builtin),
		"compiled_patterns", len(s.patterns))

	return s
}

// MaskText applies every compiled pattern to the given text.
func (s *Service) MaskText(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for _, pattern := range s.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}
	return masked
}

// MaskRecord returns a deep copy of the record with every text-bearing field
// masked: query, context, error, stage results, and response content. The
// input record is never modified.
func (s *Service) MaskRecord(rec *models.TaskRecord) *models.TaskRecord {
	if rec == nil {
		return nil
	}
	masked := rec.Clone()

	masked.Query = s.MaskText(masked.Query)
	masked.Context = s.MaskText(masked.Context)
	masked.Error = s.MaskText(masked.Error)

	for stage, raw := range masked.PerStageResults {
		masked.PerStageResults[stage] = s.maskRawJSON(raw)
	}
	for i := range masked.VectorHits {
		masked.VectorHits[i].Content = s.MaskText(masked.VectorHits[i].Content)
	}
	if masked.AIResponse != nil {
		masked.AIResponse.Content = s.MaskText(masked.AIResponse.Content)
	}
	if masked.FinalResponse != nil {
		masked.FinalResponse.Content = s.MaskText(masked.FinalResponse.Content)
		for i := range masked.FinalResponse.Sources {
			masked.FinalResponse.Sources[i].Content = s.MaskText(masked.FinalResponse.Sources[i].Content)
		}
	}

	return masked
}

// maskRawJSON masks a raw stage result. If redaction breaks the JSON shape,
// the whole result is replaced with a redaction notice.
func (s *Service) maskRawJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	masked := s.MaskText(string(raw))
	if masked == string(raw) {
		return raw
	}
	if json.Valid([]byte(masked)) {
		return json.RawMessage(masked)
	}
	return json.RawMessage(redactedStageResult)
}
