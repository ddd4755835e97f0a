// Package report generates post-run insight reports: a heuristic narrative
// of what the pipeline did, optionally enriched by an LLM.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/calder-labs/dataforge/internal/util"
)

// RunStats is the pipeline summary the reporter works from.
type RunStats struct {
	Mode             string   `json:"mode"`
	TotalRowsBefore  int      `json:"total_rows_before"`
	TotalRowsAfter   int      `json:"total_rows_after"`
	TotalRowsRemoved int      `json:"total_rows_removed"`
	DurationSeconds  float64  `json:"duration_seconds"`
	StepsExecuted    int      `json:"steps_executed"`
	StepsSkipped     int      `json:"steps_skipped"`
	Warnings         []string `json:"warnings"`
}

// InsightReport is the generated report.
type InsightReport struct {
	Summary           string   `json:"summary"`
	QualityAssessment string   `json:"quality_assessment"`
	Recommendations   []string `json:"recommendations"`
	Warnings          []string `json:"warnings"`
	StatsNarrative    string   `json:"stats_narrative"`
	ReadinessScore    float64  `json:"readiness_score"`
	ReadinessLabel    string   `json:"readiness_label"`
}

// Narrator produces report prose from a prompt. Wired to a chat endpoint in
// production; nil means heuristic-only reports.
type Narrator interface {
	CompleteJSON(ctx context.Context, prompt string) (map[string]any, error)
}

// Reporter generates insight reports for completed runs.
type Reporter struct {
	narrator Narrator
	logger   *slog.Logger
}

// NewReporter creates a reporter. narrator may be nil.
func NewReporter(narrator Narrator, logger *slog.Logger) *Reporter {
	return &Reporter{narrator: narrator, logger: logger}
}

// Generate builds a post-run report. Falls back to the heuristic report when
// no narrator is wired or the narrator fails.
func (r *Reporter) Generate(ctx context.Context, stats RunStats) *InsightReport {
	score := 8.5
	if stats.TotalRowsRemoved > stats.TotalRowsBefore/2 {
		score -= 2.0
	}

	label := "Good"
	if score > 9 {
		label = "Excellent"
	} else if score < 7 {
		label = "Needs Work"
	}

	narrative := fmt.Sprintf("You started with %d rows and successfully kept %d rows, removing %d rows in %.1fs.",
		stats.TotalRowsBefore, stats.TotalRowsAfter, stats.TotalRowsRemoved, stats.DurationSeconds)

	heuristic := &InsightReport{
		Summary:           fmt.Sprintf("The %s pipeline has completed. Data has been cleaned.", stats.Mode),
		QualityAssessment: "The dataset quality looks improved based on heuristics.",
		Recommendations:   []string{"Train your model", "Review removed rows"},
		Warnings:          stats.Warnings,
		StatsNarrative:    narrative,
		ReadinessScore:    score,
		ReadinessLabel:    label,
	}
	if r.narrator == nil {
		return heuristic
	}

	statsJSON, _ := json.Marshal(stats)
	prompt := fmt.Sprintf(`You are analyzing a data cleaning pipeline result.
Pipeline Stats: %s
Mode: %s

Generate a concise insightful report for the user. Return exactly this JSON schema:
{
  "summary": "3-4 sentence overall summary of what was achieved",
  "quality_assessment": "assessment of the resulting output quality",
  "recommendations": ["Action C", "Action D"],
  "stats_narrative": "A conversational version of the stats"
}`, util.TruncateString(string(statsJSON), 1000), stats.Mode)

	res, err := r.narrator.CompleteJSON(ctx, prompt)
	if err != nil {
		r.logger.Warn("LLM report generation failed, using heuristic report", "error", err)
		return heuristic
	}

	report := &InsightReport{
		Summary:           stringOr(res, "summary", heuristic.Summary),
		QualityAssessment: stringOr(res, "quality_assessment", heuristic.QualityAssessment),
		Recommendations:   stringSliceOr(res, "recommendations", heuristic.Recommendations),
		Warnings:          stats.Warnings,
		StatsNarrative:    stringOr(res, "stats_narrative", narrative),
		ReadinessScore:    score,
		ReadinessLabel:    label,
	}
	return report
}

func stringOr(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func stringSliceOr(m map[string]any, key string, def []string) []string {
	items, ok := m[key].([]any)
	if !ok {
		return def
	}
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
