package writer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/calder-labs/dataforge/internal/dataset"
)

// WriteCleanedDataset writes the cleaned dataset next to the logs, keeping
// the input's format family: CSV/TSV inputs produce CSV, everything else
// produces JSONL. Returns the written path.
func (sm *SessionManager) WriteCleanedDataset(ds *dataset.Dataset, inputPath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(inputPath))

	var path string
	var write func(w io.Writer) error
	switch ext {
	case ".csv", ".tsv":
		path = sm.GetCleanedDatasetPath(".csv")
		write = ds.WriteCSV
	default:
		path = sm.GetCleanedDatasetPath(".jsonl")
		write = ds.WriteJSONL
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create cleaned dataset file: %w", err)
	}
	defer f.Close()

	if err := write(f); err != nil {
		return "", fmt.Errorf("failed to write cleaned dataset: %w", err)
	}

	sm.logger.Info("Wrote cleaned dataset", "path", path, "rows", ds.NumRows())
	return path, nil
}

// WriteSummary writes the run summary as indented JSON.
func (sm *SessionManager) WriteSummary(summary any) error {
	return sm.writeJSON(sm.GetSummaryPath(), summary)
}

// WriteReport writes the insight report as indented JSON.
func (sm *SessionManager) WriteReport(report any) error {
	return sm.writeJSON(sm.GetReportPath(), report)
}

func (sm *SessionManager) writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	sm.logger.Info("Wrote run artifact", "path", path)
	return nil
}
