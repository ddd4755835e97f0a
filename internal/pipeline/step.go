// Package pipeline defines the transform-step contract, the step registry,
// and the runner that sequences steps over a dataset with per-step failure
// isolation and progress reporting.
package pipeline

import (
	"context"
	"fmt"

	"github.com/calder-labs/dataforge/internal/dataset"
)

// Step is a single named, stateless transform from one Dataset to a
// StepResult. Implementations must not mutate the input dataset and must
// not carry row-level state between invocations.
type Step interface {
	// Name is the unique registry key for this step.
	Name() string
	// Description is a short human-readable summary.
	Description() string
	// ValidateConfig checks the config before execution. Invalid configs
	// return a *ConfigError.
	ValidateConfig(cfg StepConfig) error
	// Run executes the step and returns a new dataset plus diagnostics.
	Run(ctx context.Context, ds *dataset.Dataset, cfg StepConfig) (*StepResult, error)
}

// StepConfig is the dynamically shaped per-step configuration mapping.
// Each step interprets and validates its own keys.
type StepConfig map[string]any

// StepSpec names a step and carries its config, as supplied by a caller.
type StepSpec struct {
	Step   string     `toml:"step" json:"step"`
	Config StepConfig `toml:"config" json:"config"`
}

// StepResult is the output of one step execution.
type StepResult struct {
	StepName    string
	Dataset     *dataset.Dataset
	RowsBefore  int
	RowsAfter   int
	RowsRemoved int
	Metadata    map[string]any
	Warnings    []string
}

// Summary renders the row-count delta for logs and progress messages.
func (r *StepResult) Summary() string {
	return fmt.Sprintf("%d rows removed (%d -> %d)", r.RowsRemoved, r.RowsBefore, r.RowsAfter)
}

// Skipped reports whether this result is a placeholder for a step that was
// not executed (unknown name, invalid config, or execution failure).
func (r *StepResult) Skipped() bool {
	if r.Metadata == nil {
		return false
	}
	skipped, _ := r.Metadata["skipped"].(bool)
	return skipped
}

// ConfigError reports a structurally invalid step configuration.
type ConfigError struct {
	Step   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config for step %q: %s", e.Step, e.Reason)
}

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(step, format string, args ...any) *ConfigError {
	return &ConfigError{Step: step, Reason: fmt.Sprintf(format, args...)}
}

// String returns a string config value or the default.
func (c StepConfig) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Bool returns a boolean config value or the default.
func (c StepConfig) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Int returns an integer config value or the default. TOML and JSON decode
// numbers as int64 and float64 respectively, so both are accepted.
func (c StepConfig) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Float returns a float config value or the default.
func (c StepConfig) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// StringSlice returns a list-of-strings config value, or nil when absent.
// A bare string is treated as a single-element list.
func (c StepConfig) StringSlice(key string) []string {
	switch v := c[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

// Has reports whether a key is present at all.
func (c StepConfig) Has(key string) bool {
	_, ok := c[key]
	return ok
}
