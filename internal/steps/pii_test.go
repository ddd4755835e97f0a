package steps

import (
	"context"
	"testing"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

func TestPIIValidateConfig(t *testing.T) {
	step := NewPIIScrubberStep(nil, discardLogger())

	tests := []struct {
		name    string
		cfg     pipeline.StepConfig
		wantErr bool
	}{
		{name: "defaults", cfg: pipeline.StepConfig{}},
		{name: "flag action", cfg: pipeline.StepConfig{"action": "flag"}},
		{name: "bad action", cfg: pipeline.StepConfig{"action": "obfuscate"}, wantErr: true},
		{name: "known entities", cfg: pipeline.StepConfig{"entities": []any{"email", "SSN"}}},
		{name: "all sentinel", cfg: pipeline.StepConfig{"entities": []any{"ALL"}}},
		{name: "lowercase all sentinel", cfg: pipeline.StepConfig{"entities": []any{"all"}}},
		{name: "unknown entity", cfg: pipeline.StepConfig{"entities": []any{"PASSPORT"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := step.ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPIIRedact(t *testing.T) {
	ds := textDataset("text",
		"Contact me at alice@example.com or 555-123-4567.",
		"No PII here.",
	)

	step := NewPIIScrubberStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := "Contact me at [REDACTED] or [REDACTED]."
	if got := res.Dataset.CellString(0, "text"); got != want {
		t.Errorf("redacted = %q, want %q", got, want)
	}
	if got := res.Dataset.CellString(1, "text"); got != "No PII here." {
		t.Errorf("clean row changed: %q", got)
	}
	if got := res.Metadata["rows_with_pii"]; got != 1 {
		t.Errorf("rows_with_pii = %v, want 1", got)
	}
	if got := res.Metadata["total_pii_instances"]; got != 2 {
		t.Errorf("total_pii_instances = %v, want 2", got)
	}
	if res.RowsRemoved != 0 {
		t.Errorf("RowsRemoved = %d, want 0", res.RowsRemoved)
	}
}

func TestPIIDefaultsCoverAllEntityTypes(t *testing.T) {
	// The default entity selection is the full pattern table, URLs included.
	ds := textDataset("text", "read https://example.com/private soon")

	step := NewPIIScrubberStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := res.Dataset.CellString(0, "text"); got != "read [REDACTED] soon" {
		t.Errorf("got %q, URL not scrubbed by default", got)
	}
	found, _ := res.Metadata["entities_found"].(map[string]int)
	if found["URL"] != 1 {
		t.Errorf("entities_found = %v, want URL:1", found)
	}
}

func TestPIIRedactWithEntityType(t *testing.T) {
	ds := textDataset("text", "Mail alice@example.com and SSN 123-45-6789")

	step := NewPIIScrubberStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"redact_with": "entity_type",
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := "Mail <EMAIL> and SSN <SSN>"
	if got := res.Dataset.CellString(0, "text"); got != want {
		t.Errorf("redacted = %q, want %q", got, want)
	}
}

func TestPIIRemoveRow(t *testing.T) {
	ds := textDataset("text",
		"server at 192.168.1.1 please",
		"nothing sensitive",
	)

	step := NewPIIScrubberStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"action": "remove_row",
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Dataset.NumRows() != 1 {
		t.Fatalf("NumRows = %d, want 1", res.Dataset.NumRows())
	}
	if got := res.Dataset.CellString(0, "text"); got != "nothing sensitive" {
		t.Errorf("surviving row = %q", got)
	}
	if res.RowsRemoved != 1 {
		t.Errorf("RowsRemoved = %d, want 1", res.RowsRemoved)
	}
}

func TestPIIFlag(t *testing.T) {
	ds := textDataset("text",
		"card 4111 1111 1111 1111 and mail bob@x.io",
		"clean",
	)

	step := NewPIIScrubberStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"action": "flag",
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := res.Dataset.Cell(0, "pii_detected"); got != true {
		t.Errorf("pii_detected[0] = %v, want true", got)
	}
	if got := res.Dataset.Cell(1, "pii_detected"); got != false {
		t.Errorf("pii_detected[1] = %v, want false", got)
	}
	// Types are sorted and comma-joined.
	if got := res.Dataset.CellString(0, "pii_entities"); got != "CREDIT_CARD,EMAIL" {
		t.Errorf("pii_entities[0] = %q, want CREDIT_CARD,EMAIL", got)
	}
	// Flagging never changes the text.
	if got := res.Dataset.CellString(0, "text"); got != "card 4111 1111 1111 1111 and mail bob@x.io" {
		t.Errorf("flag action altered text: %q", got)
	}
}

func TestPIIEntitySelection(t *testing.T) {
	ds := textDataset("text", "ip 10.0.0.1 mail carol@example.org")

	step := NewPIIScrubberStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{
		"entities": []any{"EMAIL"},
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := "ip 10.0.0.1 mail [REDACTED]"
	if got := res.Dataset.CellString(0, "text"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPIIInjectedDetectorTakesPrecedence(t *testing.T) {
	det := &fakeDetector{substr: "SECRET", typ: "CUSTOM"}
	ds := textDataset("text", "the SECRET word and alice@example.com")

	step := NewPIIScrubberStep(det, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// Only the injected detector's spans are touched; the regex table is not
	// consulted when a detector is wired.
	want := "the [REDACTED] word and alice@example.com"
	if got := res.Dataset.CellString(0, "text"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRedactSpansOverlap(t *testing.T) {
	text := "abcdefgh"
	entities := []Entity{
		{Type: "A", Start: 1, End: 5},
		{Type: "B", Start: 3, End: 7}, // overlaps A, skipped
	}
	got := redactSpans(text, entities, "*")
	// Right-to-left replacement keeps earlier offsets valid; the overlapping
	// later span wins, the earlier overlapping one is dropped.
	if got != "abc*h" {
		t.Errorf("redactSpans = %q, want abc*h", got)
	}
}

func TestPIIOnNumericColumns(t *testing.T) {
	ds := dataset.New([]string{"n"})
	_ = ds.AppendRow([]any{1.0})

	step := NewPIIScrubberStep(nil, discardLogger())
	res, err := step.Run(context.Background(), ds, pipeline.StepConfig{})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := res.Metadata["rows_with_pii"]; got != 0 {
		t.Errorf("rows_with_pii = %v, want 0", got)
	}
	if got := res.Metadata["total_pii_instances"]; got != 0 {
		t.Errorf("total_pii_instances = %v, want 0", got)
	}
}
