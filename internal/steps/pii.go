package steps

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

// Built-in PII patterns. Precision over recall: each pattern targets a
// well-structured identifier format rather than free-form names.
var piiPatterns = map[string]*regexp.Regexp{
	"EMAIL":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"PHONE":       regexp.MustCompile(`(\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`),
	"SSN":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"CREDIT_CARD": regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}\b`),
	"IP_ADDRESS":  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	"URL":         regexp.MustCompile(`https?://[^\s<>"]+`),
}

// "ALL" selects every built-in pattern.
const allEntities = "ALL"

// PIIScrubberStep finds personally identifiable information in text columns
// and redacts it, removes the containing row, or flags the row, depending on
// the configured action. An injected EntityDetector takes precedence over the
// built-in regex table when present.
type PIIScrubberStep struct {
	detector EntityDetector
	logger   *slog.Logger
}

func NewPIIScrubberStep(detector EntityDetector, logger *slog.Logger) *PIIScrubberStep {
	return &PIIScrubberStep{detector: detector, logger: logger}
}

func (s *PIIScrubberStep) Name() string { return "pii_scrubbing" }

func (s *PIIScrubberStep) Description() string {
	return "Detect and redact, remove, or flag rows containing PII"
}

func (s *PIIScrubberStep) ValidateConfig(cfg pipeline.StepConfig) error {
	action := cfg.String("action", "redact")
	switch action {
	case "redact", "remove_row", "flag":
	default:
		return pipeline.NewConfigError(s.Name(), "invalid action %q: use 'redact', 'remove_row', or 'flag'", action)
	}
	for _, e := range cfg.StringSlice("entities") {
		name := strings.ToUpper(e)
		if name == allEntities {
			continue
		}
		if _, ok := piiPatterns[name]; !ok {
			return pipeline.NewConfigError(s.Name(), "unknown entity type %q", e)
		}
	}
	return nil
}

// resolveEntities uppercases the configured entity names and expands the
// "ALL" sentinel (also the default) to every built-in pattern type.
func resolveEntities(names []string) []string {
	if len(names) == 0 {
		names = []string{allEntities}
	}
	all := false
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToUpper(n)
		if n == allEntities {
			all = true
			continue
		}
		out = append(out, n)
	}
	if all {
		out = out[:0]
		for t := range piiPatterns {
			out = append(out, t)
		}
		sort.Strings(out)
	}
	return out
}

func (s *PIIScrubberStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	var warnings []string

	action := cfg.String("action", "redact")
	redactWith := cfg.String("redact_with", "[REDACTED]")

	entities := resolveEntities(cfg.StringSlice("entities"))

	var cols []string
	if cfg.Has("columns") && cfg.String("columns", "") != "all" {
		cols = existingColumns(ds, cfg.StringSlice("columns"))
		if len(cols) == 0 {
			warnings = append(warnings, "Specified columns not found, using all text columns")
		}
	}
	if len(cols) == 0 {
		cols = ds.TextColumns()
	}

	detect := s.detectFunc(entities)

	result := ds.Clone()
	entitiesFound := make(map[string]int)
	totalInstances := 0
	rowHasPII := make([]bool, result.NumRows())
	rowTypes := make([]map[string]bool, result.NumRows())

	for i := 0; i < result.NumRows(); i++ {
		for _, c := range cols {
			cell, ok := result.Cell(i, c).(string)
			if !ok || cell == "" {
				continue
			}
			found := detect(cell)
			if len(found) == 0 {
				continue
			}
			rowHasPII[i] = true
			if rowTypes[i] == nil {
				rowTypes[i] = make(map[string]bool)
			}
			for _, e := range found {
				entitiesFound[e.Type]++
				totalInstances++
				rowTypes[i][e.Type] = true
			}
			if action == "redact" {
				result.SetCell(i, c, redactSpans(cell, found, redactWith))
			}
		}
	}

	rowsWithPII := 0
	for _, has := range rowHasPII {
		if has {
			rowsWithPII++
		}
	}

	rowsRemoved := 0
	switch action {
	case "remove_row":
		result = result.FilterRows(func(row int) bool { return !rowHasPII[row] })
		rowsRemoved = rowsWithPII
	case "flag":
		flags := make([]any, len(rowHasPII))
		types := make([]any, len(rowHasPII))
		for i, has := range rowHasPII {
			flags[i] = has
			types[i] = joinTypes(rowTypes[i])
		}
		result = result.WithColumn("pii_detected", flags)
		result = result.WithColumn("pii_entities", types)
	}

	s.logger.Info("PII scrubbing complete",
		"action", action,
		"rows_with_pii", rowsWithPII,
		"total_pii_instances", totalInstances,
		"entities_found", entitiesFound)

	rowsAfter := result.NumRows()
	return &pipeline.StepResult{
		Dataset:     result,
		RowsBefore:  rowsBefore,
		RowsAfter:   rowsAfter,
		RowsRemoved: rowsBefore - rowsAfter,
		Metadata: map[string]any{
			"action":              action,
			"entities_found":      entitiesFound,
			"rows_with_pii":       rowsWithPII,
			"total_pii_instances": totalInstances,
			"rows_removed":        rowsRemoved,
		},
		Warnings: warnings,
	}, nil
}

// detectFunc returns the active detector: the injected one when wired, the
// regex table otherwise.
func (s *PIIScrubberStep) detectFunc(entities []string) func(string) []Entity {
	if s.detector != nil {
		return func(text string) []Entity {
			return s.detector.Detect(text, entities)
		}
	}
	return func(text string) []Entity {
		var out []Entity
		for _, e := range entities {
			re := piiPatterns[e]
			if re == nil {
				continue
			}
			for _, loc := range re.FindAllStringIndex(text, -1) {
				out = append(out, Entity{Type: e, Start: loc[0], End: loc[1]})
			}
		}
		return out
	}
}

// redactSpans replaces detected spans right-to-left so earlier offsets stay
// valid. Overlapping spans collapse into one replacement.
func redactSpans(text string, entities []Entity, redactWith string) string {
	spans := make([]Entity, len(entities))
	copy(spans, entities)
	sort.Slice(spans, func(a, b int) bool { return spans[a].Start > spans[b].Start })

	prevStart := len(text) + 1
	for _, e := range spans {
		if e.Start < 0 || e.End > len(text) || e.End <= e.Start || e.End > prevStart {
			continue
		}
		replacement := redactWith
		if redactWith == "entity_type" {
			replacement = "<" + e.Type + ">"
		}
		text = text[:e.Start] + replacement + text[e.End:]
		prevStart = e.Start
	}
	return text
}

func joinTypes(types map[string]bool) string {
	if len(types) == 0 {
		return ""
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
