// Package finetune implements the fine-tuning preparation pipeline: format
// normalization to chat templates, response-quality filtering, category
// balancing, train/val splitting, and export to training-ready files.
package finetune

import (
	"fmt"

	"github.com/calder-labs/dataforge/internal/pipeline"
)

// OutputFormats are the supported target formats. String-template formats
// render one text blob per example; object formats render a JSON structure.
var OutputFormats = []string{"openai", "alpaca", "sharegpt", "llama3", "llama2", "mistral", "gemma"}

// Config holds the fine-tune pipeline settings. The default-on toggles are
// pointers so an absent TOML key is distinguishable from an explicit false.
type Config struct {
	// Common preprocessing toggles and their per-step configs.
	RunDeduplication    *bool               `toml:"run_deduplication"`
	DeduplicationConfig pipeline.StepConfig `toml:"deduplication_config"`
	RunNoiseRemoval     *bool               `toml:"run_noise_removal"`
	NoiseConfig         pipeline.StepConfig `toml:"noise_config"`
	RunPIIScrubbing     *bool               `toml:"run_pii_scrubbing"`
	PIIConfig           pipeline.StepConfig `toml:"pii_config"`
	RunQualityScoring   *bool               `toml:"run_quality_scoring"`
	QualityConfig       pipeline.StepConfig `toml:"quality_config"`

	// Fine-tune specific settings.
	OutputFormat          string              `toml:"output_format"`
	SystemPrompt          string              `toml:"system_prompt"`
	MaxTokensPerExample   int                 `toml:"max_tokens_per_example"`
	Tokenizer             string              `toml:"tokenizer"`
	RunResponseQuality    *bool               `toml:"run_response_quality"`
	ResponseQualityConfig pipeline.StepConfig `toml:"response_quality_config"`
	RunBalancer           bool                `toml:"run_balancer"`
	BalancerConfig        pipeline.StepConfig `toml:"balancer_config"`
	RunAugmentation       bool                `toml:"run_augmentation"`
	AugmentationConfig    pipeline.StepConfig `toml:"augmentation_config"`

	TrainSplit float64 `toml:"train_split"`
	ValSplit   float64 `toml:"val_split"`
	Shuffle    *bool   `toml:"shuffle"`
	Seed       int64   `toml:"seed"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RunDeduplication == nil {
		c.RunDeduplication = boolPtr(true)
	}
	if c.RunNoiseRemoval == nil {
		c.RunNoiseRemoval = boolPtr(true)
	}
	if c.RunPIIScrubbing == nil {
		c.RunPIIScrubbing = boolPtr(true)
	}
	if c.RunQualityScoring == nil {
		c.RunQualityScoring = boolPtr(true)
	}
	if c.RunResponseQuality == nil {
		c.RunResponseQuality = boolPtr(true)
	}
	if c.Shuffle == nil {
		c.Shuffle = boolPtr(true)
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "openai"
	}
	if c.MaxTokensPerExample == 0 {
		c.MaxTokensPerExample = 4096
	}
	if c.Tokenizer == "" {
		c.Tokenizer = "cl100k_base"
	}
	if c.TrainSplit == 0 {
		c.TrainSplit = 0.9
	}
	if c.ValSplit == 0 {
		c.ValSplit = 0.1
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	valid := false
	for _, f := range OutputFormats {
		if c.OutputFormat == f {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("output_format must be one of %v (got %q)", OutputFormats, c.OutputFormat)
	}
	if c.MaxTokensPerExample < 1 {
		return fmt.Errorf("max_tokens_per_example must be at least 1 (got %d)", c.MaxTokensPerExample)
	}
	if c.TrainSplit <= 0 || c.TrainSplit >= 1 {
		return fmt.Errorf("train_split must be between 0 and 1 exclusive (got %.2f)", c.TrainSplit)
	}
	if c.ValSplit <= 0 || c.ValSplit >= 1 {
		return fmt.Errorf("val_split must be between 0 and 1 exclusive (got %.2f)", c.ValSplit)
	}
	if c.TrainSplit+c.ValSplit > 1.0 {
		return fmt.Errorf("train_split + val_split must not exceed 1.0 (got %.2f)", c.TrainSplit+c.ValSplit)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
