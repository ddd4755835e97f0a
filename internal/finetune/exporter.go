package finetune

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/calder-labs/dataforge/internal/dataset"
)

// Exporter writes train/val splits to training-ready files and emits a
// recommended training configuration.
type Exporter struct{}

// Export writes the dataset's formatted examples to path. Object formats
// (alpaca, sharegpt) produce a single indented JSON array; everything else
// produces JSONL, with plain-text templates wrapped as {"text": ...} for
// tools like Unsloth.
func (e *Exporter) Export(ds *dataset.Dataset, outputFormat, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	if ds.NumRows() == 0 {
		return nil
	}

	col := FormattedTextCol
	if !ds.HasColumn(col) {
		cols := ds.Columns()
		if len(cols) == 0 {
			return nil
		}
		col = cols[0]
	}

	w := bufio.NewWriter(f)
	defer w.Flush()

	if outputFormat == "alpaca" || outputFormat == "sharegpt" {
		records := make([]any, ds.NumRows())
		for i := 0; i < ds.NumRows(); i++ {
			records[i] = ds.Cell(i, col)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("failed to write JSON array: %w", err)
		}
		return nil
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := 0; i < ds.NumRows(); i++ {
		val := ds.Cell(i, col)
		if s, ok := val.(string); ok {
			val = map[string]any{"text": s}
		}
		if err := enc.Encode(val); err != nil {
			return fmt.Errorf("failed to write JSONL line %d: %w", i, err)
		}
	}
	return nil
}

// TrainingConfig is the recommended training setup emitted alongside the
// exported splits.
type TrainingConfig struct {
	ModelRecommendation     string            `json:"model_recommendation"`
	DatasetFormat           string            `json:"dataset_format"`
	NumExamples             int               `json:"num_examples"`
	AvgTokens               float64           `json:"avg_tokens"`
	RecommendedEpochs       int               `json:"recommended_epochs"`
	RecommendedBatchSize    int               `json:"recommended_batch_size"`
	RecommendedLearningRate float64           `json:"recommended_learning_rate"`
	Frameworks              map[string]string `json:"frameworks"`
}

// GenerateTrainingConfig writes the recommended training configuration for
// the exported dataset.
func (e *Exporter) GenerateTrainingConfig(numExamples int, avgTokens float64, datasetFormat, path string) error {
	modelRec := "meta-llama/Meta-Llama-3-8B-Instruct"
	switch datasetFormat {
	case "mistral":
		modelRec = "mistralai/Mistral-7B-Instruct-v0.2"
	case "gemma":
		modelRec = "google/gemma-7b-it"
	}

	epochs := 10
	if numExamples > 5000 {
		epochs = 3
	} else if numExamples > 1000 {
		epochs = 5
	}

	cfg := TrainingConfig{
		ModelRecommendation:     modelRec,
		DatasetFormat:           datasetFormat,
		NumExamples:             numExamples,
		AvgTokens:               math.Round(avgTokens*10) / 10,
		RecommendedEpochs:       epochs,
		RecommendedBatchSize:    4,
		RecommendedLearningRate: 2e-4,
		Frameworks: map[string]string{
			"unsloth": fmt.Sprintf(
				"from unsloth import FastLanguageModel\\nmodel = FastLanguageModel.from_pretrained(model_name='%s'...)",
				modelRec),
			"axolotl": fmt.Sprintf(
				"base_model: %s\\ndatasets:\\n  - path: train.jsonl\\n    type: %s\\nepochs: %d\\nmicro_batch_size: 4\\nlearning_rate: 0.0002",
				modelRec, datasetFormat, epochs),
		},
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create training config file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to write training config: %w", err)
	}
	return nil
}
