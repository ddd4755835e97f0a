package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/calder-labs/dataforge/internal/api"
	"github.com/calder-labs/dataforge/internal/config"
	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/finetune"
	"github.com/calder-labs/dataforge/internal/pipeline"
	"github.com/calder-labs/dataforge/internal/report"
	"github.com/calder-labs/dataforge/internal/steps"
	"github.com/calder-labs/dataforge/internal/writer"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	inputPath   string
	outputDir   string
	metricsAddr string
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dataforge",
		Short: "DataForge - Dataset Preparation Pipeline",
		Long: `DataForge cleans and prepares tabular and instruction datasets:
deduplication, noise removal, PII scrubbing, language filtering, quality
scoring, and fine-tuning preparation with chat-template export.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the cleaning pipeline",
		Long: `Run the configured cleaning steps over the input dataset and write
the cleaned dataset, a run summary, and an optional insight report into a
new session directory.`,
		RunE: runCommon,
	}
	addRunFlags(runCmd)

	finetuneCmd := &cobra.Command{
		Use:   "finetune",
		Short: "Run the fine-tune preparation pipeline",
		Long: `Run the fine-tune preparation pipeline: common cleaning, format
normalization to the target chat template, response-quality filtering,
optional balancing, train/val split, and export of training-ready files.`,
		RunE: runFinetune,
	}
	addRunFlags(finetuneCmd)

	stepsCmd := &cobra.Command{
		Use:   "steps",
		Short: "List the available pipeline steps",
		RunE:  listSteps,
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(finetuneCmd)
	rootCmd.AddCommand(stepsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	cmd.Flags().StringVar(&inputPath, "input", "", "Input dataset path (overrides job.input)")
	cmd.Flags().StringVar(&outputDir, "output", "", "Output directory (overrides job.output_dir)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9090)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
}

// runEnv is everything a pipeline command needs after setup.
type runEnv struct {
	cfg        *config.Config
	logger     *slog.Logger
	sessionMgr *writer.SessionManager
	registry   *pipeline.Registry
	narrator   report.Narrator
	dataset    *dataset.Dataset
	jobID      string
	cleanup    func()
}

func setup(mode string) (*runEnv, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && verbose {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath, func(cfg *config.Config) {
		cfg.Job.Mode = mode
		if inputPath != "" {
			cfg.Job.Input = inputPath
		}
		if outputDir != "" {
			cfg.Job.OutputDir = outputDir
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	sessionMgr, err := writer.NewSessionManager(slog.Default(), cfg.Job.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	logger.Info("DataForge starting",
		"version", Version,
		"mode", mode,
		"config", configPath,
		"session_dir", sessionMgr.GetSessionDir())

	if err := sessionMgr.BackupConfig(configPath); err != nil {
		logger.Warn("Failed to backup config", "error", err)
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	ds, err := dataset.Load(cfg.Job.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to load input dataset: %w", err)
	}
	logger.Info("Loaded input dataset",
		"path", cfg.Job.Input,
		"rows", ds.NumRows(),
		"columns", ds.NumColumns())

	apiClient := api.NewClient(logger)
	deps := steps.Deps{Logger: logger}
	var narrator report.Narrator

	if mc, ok := cfg.Models["scorer"]; ok && mc.Enabled {
		deps.Scorer = api.NewScorer(apiClient, mc, secrets.GetAPIKey(mc.BaseURL), logger)
		logger.Info("AI scorer configured", "model", mc.ModelName)
	}
	if mc, ok := cfg.Models["embedder"]; ok && mc.Enabled {
		deps.Embedder = api.NewEmbeddingService(apiClient, mc, secrets.GetAPIKey(mc.BaseURL), logger)
		logger.Info("Embedding service configured", "model", mc.ModelName)
	}
	if mc, ok := cfg.Models["reporter"]; ok && mc.Enabled {
		narrator = api.NewJSONNarrator(apiClient, mc, secrets.GetAPIKey(mc.BaseURL), logger)
		logger.Info("Report narrator configured", "model", mc.ModelName)
	}

	registry := pipeline.NewRegistry()
	if err := steps.RegisterAll(registry, deps); err != nil {
		return nil, fmt.Errorf("failed to register steps: %w", err)
	}

	return &runEnv{
		cfg:        cfg,
		logger:     logger,
		sessionMgr: sessionMgr,
		registry:   registry,
		narrator:   narrator,
		dataset:    ds,
		jobID:      uuid.NewString(),
		cleanup: func() {
			if logFile != nil {
				_ = logFile.Sync()
				_ = logFile.Close()
			}
		},
	}, nil
}

func runCommon(cmd *cobra.Command, args []string) error {
	env, err := setup("common")
	if err != nil {
		return err
	}
	defer env.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := newProgressBar("Cleaning dataset")
	runner := pipeline.NewRunner(env.registry, env.logger)
	result := runner.Run(ctx, env.dataset, env.cfg.Steps, env.jobID, barProgress(bar))
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	cleanedPath, err := env.sessionMgr.WriteCleanedDataset(result.Dataset, env.cfg.Job.Input)
	if err != nil {
		return err
	}

	summary := map[string]any{
		"job_id":             env.jobID,
		"mode":               "common",
		"input":              env.cfg.Job.Input,
		"cleaned_dataset":    cleanedPath,
		"total_rows_before":  result.TotalRowsBefore,
		"total_rows_after":   result.TotalRowsAfter,
		"total_rows_removed": result.TotalRowsRemoved,
		"steps_executed":     result.StepsExecuted,
		"steps_skipped":      result.StepsSkipped,
		"warnings":           result.Warnings,
		"duration_seconds":   result.Duration.Seconds(),
		"step_results":       summarizeSteps(result.StepResults),
	}
	if err := env.sessionMgr.WriteSummary(summary); err != nil {
		return err
	}

	if env.cfg.Job.Report {
		reporter := report.NewReporter(env.narrator, env.logger)
		insight := reporter.Generate(ctx, report.RunStats{
			Mode:             "common",
			TotalRowsBefore:  result.TotalRowsBefore,
			TotalRowsAfter:   result.TotalRowsAfter,
			TotalRowsRemoved: result.TotalRowsRemoved,
			DurationSeconds:  result.Duration.Seconds(),
			StepsExecuted:    result.StepsExecuted,
			StepsSkipped:     result.StepsSkipped,
			Warnings:         result.Warnings,
		})
		if err := env.sessionMgr.WriteReport(insight); err != nil {
			return err
		}
	}

	env.logger.Info("Pipeline complete",
		"job_id", env.jobID,
		"rows_before", result.TotalRowsBefore,
		"rows_after", result.TotalRowsAfter,
		"steps_skipped", result.StepsSkipped,
		"duration", result.Duration,
		"session_dir", env.sessionMgr.GetSessionDir())
	return nil
}

func runFinetune(cmd *cobra.Command, args []string) error {
	env, err := setup("finetune")
	if err != nil {
		return err
	}
	defer env.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := newProgressBar("Preparing fine-tune dataset")
	runner := finetune.NewRunner(env.registry, env.logger)
	result, err := runner.Run(ctx, env.dataset, env.cfg.Finetune, env.jobID, env.sessionMgr.GetSessionDir(), barProgress(bar))
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("fine-tune pipeline failed: %w", err)
	}

	summary := map[string]any{
		"job_id":                  env.jobID,
		"mode":                    "finetune",
		"input":                   env.cfg.Job.Input,
		"output_format":           result.OutputFormat,
		"total_examples":          result.TotalExamples,
		"train_examples":          result.TrainExamples,
		"val_examples":            result.ValExamples,
		"avg_tokens":              result.AvgTokens,
		"estimated_training_time": result.EstimatedTrainingTime,
		"output_files":            result.OutputFiles,
		"warnings":                result.Warnings,
		"duration_seconds":        result.Duration.Seconds(),
		"step_results":            summarizeSteps(result.StepResults),
	}
	if err := env.sessionMgr.WriteSummary(summary); err != nil {
		return err
	}

	if env.cfg.Job.Report {
		reporter := report.NewReporter(env.narrator, env.logger)
		insight := reporter.Generate(ctx, report.RunStats{
			Mode:             "finetune",
			TotalRowsBefore:  env.dataset.NumRows(),
			TotalRowsAfter:   result.TotalExamples,
			TotalRowsRemoved: env.dataset.NumRows() - result.TotalExamples,
			DurationSeconds:  result.Duration.Seconds(),
			Warnings:         result.Warnings,
		})
		if err := env.sessionMgr.WriteReport(insight); err != nil {
			return err
		}
	}

	env.logger.Info("Fine-tune preparation complete",
		"job_id", env.jobID,
		"train_examples", result.TrainExamples,
		"val_examples", result.ValExamples,
		"estimated_training_time", result.EstimatedTrainingTime,
		"session_dir", env.sessionMgr.GetSessionDir())
	return nil
}

func listSteps(cmd *cobra.Command, args []string) error {
	registry := pipeline.NewRegistry()
	if err := steps.RegisterAll(registry, steps.Deps{Logger: slog.Default()}); err != nil {
		return err
	}
	for _, name := range registry.Names() {
		step, _ := registry.Lookup(name)
		fmt.Printf("%-20s %s\n", name, step.Description())
	}
	return nil
}

func summarizeSteps(results []pipeline.StepResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for i := range results {
		r := &results[i]
		out = append(out, map[string]any{
			"step":         r.StepName,
			"rows_before":  r.RowsBefore,
			"rows_after":   r.RowsAfter,
			"rows_removed": r.RowsRemoved,
			"skipped":      r.Skipped(),
			"metadata":     r.Metadata,
			"warnings":     r.Warnings,
		})
	}
	return out
}

func newProgressBar(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)
}

func barProgress(bar *progressbar.ProgressBar) pipeline.ProgressFunc {
	return func(percent int, stepName, message string) {
		_ = bar.Set(percent)
		bar.Describe(message)
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Serving Prometheus metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("Metrics server stopped", "error", err)
	}
}

// loadEnvFile loads KEY=VALUE pairs from a file into the environment.
// Existing environment variables win.
func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
	return scanner.Err()
}
