// Package writer manages per-run session directories and the files written
// into them: the cleaned dataset, run summary, insight report, and logs.
package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SessionManager manages session directories and files
type SessionManager struct {
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates a timestamped session directory under outputDir.
func NewSessionManager(logger *slog.Logger, outputDir string) (*SessionManager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T15-04-05")
	sessionDir := filepath.Join(outputDir, "session_"+timestamp)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	logger.Info("Created new session directory", "path", sessionDir)

	return &SessionManager{
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetCleanedDatasetPath returns the path for the cleaned dataset, matching
// the input's format family.
func (sm *SessionManager) GetCleanedDatasetPath(ext string) string {
	return filepath.Join(sm.sessionDir, "cleaned"+ext)
}

// GetSummaryPath returns the path for the run summary JSON
func (sm *SessionManager) GetSummaryPath() string {
	return filepath.Join(sm.sessionDir, "summary.json")
}

// GetReportPath returns the path for the insight report JSON
func (sm *SessionManager) GetReportPath() string {
	return filepath.Join(sm.sessionDir, "report.json")
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetConfigBackupPath returns the full path to the config backup
func (sm *SessionManager) GetConfigBackupPath() string {
	return filepath.Join(sm.sessionDir, "config.toml.bak")
}

// BackupConfig copies the config file to the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.GetConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
