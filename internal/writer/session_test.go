package writer

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calder-labs/dataforge/internal/dataset"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(t *testing.T) *SessionManager {
	t.Helper()
	sm, err := NewSessionManager(discardLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionManager() error: %v", err)
	}
	return sm
}

func TestNewSessionManager(t *testing.T) {
	sm := newSession(t)

	info, err := os.Stat(sm.GetSessionDir())
	if err != nil || !info.IsDir() {
		t.Fatalf("session dir not created: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(sm.GetSessionDir()), "session_") {
		t.Errorf("session dir = %q, want session_ prefix", sm.GetSessionDir())
	}
}

func TestSessionPaths(t *testing.T) {
	sm := newSession(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "summary", got: sm.GetSummaryPath(), want: "summary.json"},
		{name: "report", got: sm.GetReportPath(), want: "report.json"},
		{name: "log", got: sm.GetLogPath(), want: "session.log"},
		{name: "config backup", got: sm.GetConfigBackupPath(), want: "config.toml.bak"},
		{name: "cleaned csv", got: sm.GetCleanedDatasetPath(".csv"), want: "cleaned.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if filepath.Base(tt.got) != tt.want {
				t.Errorf("base = %q, want %q", filepath.Base(tt.got), tt.want)
			}
			if filepath.Dir(tt.got) != sm.GetSessionDir() {
				t.Errorf("path %q not under session dir", tt.got)
			}
		})
	}
}

func TestBackupConfig(t *testing.T) {
	sm := newSession(t)

	src := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(src, []byte("[job]\nmode = \"common\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := sm.BackupConfig(src); err != nil {
		t.Fatalf("BackupConfig() error: %v", err)
	}

	data, err := os.ReadFile(sm.GetConfigBackupPath())
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if !strings.Contains(string(data), "mode = \"common\"") {
		t.Errorf("backup content = %q", data)
	}
}

func TestWriteCleanedDatasetFormatFamily(t *testing.T) {
	ds := dataset.New([]string{"text"})
	_ = ds.AppendRow([]any{"hello"})

	tests := []struct {
		name      string
		inputPath string
		wantExt   string
	}{
		{name: "csv input stays csv", inputPath: "data/input.csv", wantExt: ".csv"},
		{name: "tsv input becomes csv", inputPath: "data/input.TSV", wantExt: ".csv"},
		{name: "jsonl input stays jsonl", inputPath: "data/input.jsonl", wantExt: ".jsonl"},
		{name: "json input becomes jsonl", inputPath: "data/input.json", wantExt: ".jsonl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := newSession(t)
			path, err := sm.WriteCleanedDataset(ds, tt.inputPath)
			if err != nil {
				t.Fatalf("WriteCleanedDataset() error: %v", err)
			}
			if filepath.Ext(path) != tt.wantExt {
				t.Errorf("ext = %q, want %q", filepath.Ext(path), tt.wantExt)
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("file missing: %v", err)
			}
		})
	}
}

func TestWriteSummaryAndReport(t *testing.T) {
	sm := newSession(t)

	if err := sm.WriteSummary(map[string]any{"rows": 10}); err != nil {
		t.Fatalf("WriteSummary() error: %v", err)
	}
	if err := sm.WriteReport(map[string]any{"summary": "done"}); err != nil {
		t.Fatalf("WriteReport() error: %v", err)
	}

	data, err := os.ReadFile(sm.GetSummaryPath())
	if err != nil {
		t.Fatal(err)
	}
	var summary map[string]any
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("summary not valid JSON: %v", err)
	}
	if summary["rows"] != 10.0 {
		t.Errorf("summary = %v", summary)
	}
}
