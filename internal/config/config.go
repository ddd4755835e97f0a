// Package config defines the TOML application configuration: the job
// settings, the cleaning step list, fine-tune options, and the optional
// model endpoints used for AI scoring, embeddings, and report generation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/calder-labs/dataforge/internal/finetune"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

// Config represents the complete application configuration.
type Config struct {
	Job      JobConfig              `toml:"job"`
	Steps    []pipeline.StepSpec    `toml:"steps"`
	Finetune finetune.Config        `toml:"finetune"`
	Models   map[string]ModelConfig `toml:"models"`
}

// JobConfig holds run-wide settings.
type JobConfig struct {
	Mode        string `toml:"mode"`       // "common" or "finetune"
	Input       string `toml:"input"`      // input dataset path (csv/tsv/json/jsonl)
	OutputDir   string `toml:"output_dir"` // session directories are created under here
	Concurrency int    `toml:"concurrency"`
	Report      bool   `toml:"report"` // generate a dataset insight report
}

// ModelConfig represents configuration for a single model endpoint.
// Recognized roles in the Models map: "scorer" (AI quality scoring),
// "embedder" (semantic dedup), and "reporter" (insight narratives).
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"`
	UseJSONMode        bool    `toml:"use_json_mode"`
	Enabled            bool    `toml:"enabled"`
}

// Secrets holds sensitive credentials loaded from environment variables.
type Secrets struct {
	APIKeys map[string]string
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Job.Mode {
	case "common", "finetune":
	default:
		return fmt.Errorf("job.mode must be 'common' or 'finetune' (got %q)", c.Job.Mode)
	}

	if c.Job.Input == "" {
		return fmt.Errorf("job.input is required")
	}
	if c.Job.Concurrency < 1 {
		return fmt.Errorf("job.concurrency must be at least 1 (got %d)", c.Job.Concurrency)
	}

	if c.Job.Mode == "common" && len(c.Steps) == 0 {
		return fmt.Errorf("at least one [[steps]] entry is required in common mode")
	}
	for i, spec := range c.Steps {
		if spec.Step == "" {
			return fmt.Errorf("steps[%d].step is required", i)
		}
	}

	if c.Job.Mode == "finetune" {
		if err := c.Finetune.Validate(); err != nil {
			return fmt.Errorf("invalid finetune configuration: %w", err)
		}
	}

	for name, model := range c.Models {
		if !model.Enabled {
			continue
		}
		if err := validateModelConfig(name, model); err != nil {
			return err
		}
	}

	return nil
}

func validateModelConfig(name string, mc ModelConfig) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("models.%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("models.%s.max_output_tokens must be at least 1", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables.
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Generic key works for any OpenAI-compatible provider.
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Provider-specific keys override the generic one.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		secrets.APIKeys["openrouter"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL.
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "openrouter.ai") {
		if key := s.APIKeys["openrouter"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}

	// Fall back to the generic key; empty is fine for local servers.
	return s.APIKeys["generic"]
}
