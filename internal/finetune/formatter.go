package finetune

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

// Normalized column names populated by the formatter. They stay on the
// dataset so downstream steps (response quality, balancing) can read the
// instruction/output pair directly; the exporter ignores them.
const (
	NormInstructionCol = "_norm_instruction"
	NormInputCol       = "_norm_input"
	NormOutputCol      = "_norm_output"
	FormattedTextCol   = "formatted_text"
	TokenCountCol      = "token_count"
)

// FormatterStep normalizes arbitrary instruction datasets into a target chat
// template or object format, counts tokens per example, and filters examples
// over the token ceiling.
type FormatterStep struct {
	logger *slog.Logger
}

func NewFormatterStep(logger *slog.Logger) *FormatterStep {
	return &FormatterStep{logger: logger}
}

func (s *FormatterStep) Name() string { return "finetune_formatter" }

func (s *FormatterStep) Description() string {
	return "Normalize instruction formats to a target LLM template and filter by token limit"
}

func (s *FormatterStep) ValidateConfig(cfg pipeline.StepConfig) error {
	out := cfg.String("output_format", "openai")
	for _, f := range OutputFormats {
		if out == f {
			return nil
		}
	}
	return pipeline.NewConfigError(s.Name(), "invalid output_format %q: use one of %v", out, OutputFormats)
}

func (s *FormatterStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	var warnings []string

	inFormat := cfg.String("input_format", "auto")
	outFormat := cfg.String("output_format", "openai")
	sysPrompt := cfg.String("system_prompt", "")
	maxTokens := cfg.Int("max_tokens_per_example", 4096)
	tokenizerName := cfg.String("tokenizer", "cl100k_base")

	instCol := cfg.String("instruction_column", "auto")
	inCol := cfg.String("input_column", "auto")
	outCol := cfg.String("output_column", "auto")

	result, detected, warn := normalizeInput(ds, inFormat, instCol, inCol, outCol)
	if warn != "" {
		warnings = append(warnings, warn)
		s.logger.Info(warn)
	}

	n := result.NumRows()
	formatted := make([]any, n)
	for i := 0; i < n; i++ {
		formatted[i] = formatRow(
			result.CellString(i, NormInstructionCol),
			result.CellString(i, NormInputCol),
			result.CellString(i, NormOutputCol),
			outFormat,
			sysPrompt,
		)
	}
	result = result.WithColumn(FormattedTextCol, formatted)

	tokenizer := NewTokenizer(tokenizerName, s.logger)
	if !tokenizer.Exact() {
		warnings = append(warnings, "Exact tokenizer unavailable — token counts are estimates.")
	}

	counts := make([]any, n)
	for i := 0; i < n; i++ {
		counts[i] = tokenizer.Count(formattedAsText(formatted[i]))
	}
	result = result.WithColumn(TokenCountCol, counts)

	filtered := result.FilterRows(func(row int) bool {
		c, _ := result.Cell(row, TokenCountCol).(int)
		return c <= maxTokens
	})
	filteredOut := result.NumRows() - filtered.NumRows()

	stats := tokenStats(filtered)
	stats["input_format_detected"] = detected
	stats["output_format"] = outFormat
	stats["examples_formatted"] = filtered.NumRows()
	stats["examples_filtered_token_limit"] = filteredOut

	s.logger.Info("Formatting complete",
		"input_format", detected,
		"output_format", outFormat,
		"examples", filtered.NumRows(),
		"filtered_by_tokens", filteredOut)

	return &pipeline.StepResult{
		Dataset:     filtered,
		RowsBefore:  rowsBefore,
		RowsAfter:   filtered.NumRows(),
		RowsRemoved: filteredOut,
		Metadata:    stats,
		Warnings:    warnings,
	}, nil
}

// normalizeInput detects the source schema and fills the normalized columns.
// Detection priority: sharegpt, alpaca, qa_pairs, raw_pairs.
func normalizeInput(ds *dataset.Dataset, inFormat, instCol, inCol, outCol string) (*dataset.Dataset, string, string) {
	colMap := make(map[string]string) // lowercase -> actual
	for _, c := range ds.Columns() {
		colMap[strings.ToLower(c)] = c
	}
	has := func(name string) bool { _, ok := colMap[name]; return ok }

	actual := inFormat
	warning := ""
	if inFormat == "auto" {
		switch {
		case has("messages") || has("conversations"):
			actual = "sharegpt"
		case has("instruction") && has("output"):
			actual = "alpaca"
		case (has("question") && has("answer")) || (has("q") && has("a")):
			actual = "qa_pairs"
		case has("prompt") && has("completion"):
			actual = "raw_pairs"
		default:
			actual = "raw_pairs"
			warning = "Could not confidently auto-detect input format. Falling back to 'raw_pairs' taking first two text columns."
		}
		if warning == "" {
			warning = fmt.Sprintf("Auto-detected input format: %s based on column structure.", actual)
		}
	}

	n := ds.NumRows()
	inst := make([]any, n)
	input := make([]any, n)
	output := make([]any, n)
	cols := ds.Columns()

	fillFromPair := func(iCol, oCol string) {
		for i := 0; i < n; i++ {
			inst[i] = ds.CellString(i, iCol)
			input[i] = ""
			output[i] = ds.CellString(i, oCol)
		}
	}

	switch actual {
	case "sharegpt":
		msgCol := colMap["messages"]
		if msgCol == "" {
			msgCol = colMap["conversations"]
		}
		if msgCol == "" && len(cols) > 0 {
			msgCol = cols[0]
		}
		for i := 0; i < n; i++ {
			in, out := extractConversation(ds.Cell(i, msgCol))
			inst[i] = in
			input[i] = ""
			output[i] = out
		}
	case "alpaca":
		for i := 0; i < n; i++ {
			inst[i] = cellOrEmpty(ds, i, colMap["instruction"])
			input[i] = cellOrEmpty(ds, i, colMap["input"])
			output[i] = cellOrEmpty(ds, i, colMap["output"])
		}
	case "qa_pairs":
		qCol := firstExisting(colMap, "question", "q")
		aCol := firstExisting(colMap, "answer", "a")
		if qCol == "" && len(cols) > 0 {
			qCol = cols[0]
		}
		if aCol == "" && len(cols) > 0 {
			aCol = cols[len(cols)-1]
		}
		fillFromPair(qCol, aCol)
	case "raw_pairs":
		pCol := colMap["prompt"]
		cCol := colMap["completion"]
		if pCol == "" && len(cols) > 0 {
			pCol = cols[0]
		}
		if cCol == "" {
			if len(cols) > 1 {
				cCol = cols[1]
			} else if len(cols) > 0 {
				cCol = cols[0]
			}
		}
		fillFromPair(pCol, cCol)
	default:
		// Explicit column mapping.
		for i := 0; i < n; i++ {
			inst[i] = cellOrEmpty(ds, i, instCol)
			input[i] = cellOrEmpty(ds, i, inCol)
			output[i] = cellOrEmpty(ds, i, outCol)
		}
	}

	result := ds.WithColumn(NormInstructionCol, inst)
	result = result.WithColumn(NormInputCol, input)
	result = result.WithColumn(NormOutputCol, output)
	return result, actual, warning
}

// extractConversation pulls the first user message and first assistant
// message out of a conversation cell. The cell may be a decoded JSON list or
// a JSON string; both OpenAI ("role"/"content") and ShareGPT ("from"/"value")
// message shapes are accepted.
func extractConversation(cell any) (string, string) {
	var msgs []any
	switch v := cell.(type) {
	case []any:
		msgs = v
	case string:
		if err := json.Unmarshal([]byte(v), &msgs); err != nil {
			return "", ""
		}
	default:
		return "", ""
	}
	if len(msgs) < 2 {
		return "", ""
	}

	instruction, output := "", ""
	for _, m := range msgs {
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := obj["role"].(string)
		from, _ := obj["from"].(string)
		content, _ := obj["content"].(string)
		if content == "" {
			content, _ = obj["value"].(string)
		}
		if instruction == "" && (role == "user" || from == "human") {
			instruction = content
		}
		if output == "" && (role == "assistant" || from == "gpt") {
			output = content
		}
	}
	return instruction, output
}

// formatRow renders one normalized example into the target format. String
// templates return a string; object formats return a JSON-marshalable map.
func formatRow(inst, input, output, targetFormat, sysPrompt string) any {
	fullInst := inst
	if input != "" {
		fullInst = strings.TrimSpace(inst + "\n" + input)
	}

	switch targetFormat {
	case "llama3":
		sysBlock := ""
		if sysPrompt != "" {
			sysBlock = "<|start_header_id|>system<|end_header_id|>\n" + sysPrompt + "<|eot_id|>"
		}
		return "<|begin_of_text|>" + sysBlock +
			"<|start_header_id|>user<|end_header_id|>\n" + fullInst + "<|eot_id|>" +
			"<|start_header_id|>assistant<|end_header_id|>\n" + output + "<|eot_id|>"

	case "llama2":
		sysBlock := ""
		if sysPrompt != "" {
			sysBlock = "<<SYS>>" + sysPrompt + "<</SYS>> "
		}
		return "<s>[INST] " + sysBlock + fullInst + " [/INST] " + output + " </s>"

	case "mistral":
		// Mistral's template has no system slot; prepend it to the instruction.
		instWithSys := fullInst
		if sysPrompt != "" {
			instWithSys = strings.TrimSpace(sysPrompt + "\n\n" + fullInst)
		}
		return "<s>[INST] " + instWithSys + " [/INST] " + output + "</s>"

	case "gemma":
		sysBlock := "<start_of_turn>user\n"
		if sysPrompt != "" {
			sysBlock = "<start_of_turn>user\n" + sysPrompt + "\n\n"
		}
		return sysBlock + fullInst + "<end_of_turn>\n<start_of_turn>model\n" + output + "<end_of_turn>"

	case "alpaca":
		return map[string]any{"instruction": inst, "input": input, "output": output}

	case "sharegpt":
		return map[string]any{"conversations": []any{
			map[string]any{"from": "human", "value": fullInst},
			map[string]any{"from": "gpt", "value": output},
		}}

	default: // "openai"
		var msgs []any
		if sysPrompt != "" {
			msgs = append(msgs, map[string]any{"role": "system", "content": sysPrompt})
		}
		msgs = append(msgs,
			map[string]any{"role": "user", "content": fullInst},
			map[string]any{"role": "assistant", "content": output})
		return map[string]any{"messages": msgs}
	}
}

// formattedAsText renders a formatted example as the text that will be
// tokenized: strings as-is, objects as their JSON encoding.
func formattedAsText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return dataset.Stringify(v)
	}
	return string(b)
}

func tokenStats(ds *dataset.Dataset) map[string]any {
	dist := map[string]int{"0-512": 0, "512-1024": 0, "1024-2048": 0, "2048-4096": 0, "4096+": 0}
	total, maxCount, minCount := 0, 0, 0
	n := ds.NumRows()
	for i := 0; i < n; i++ {
		c, _ := ds.Cell(i, TokenCountCol).(int)
		total += c
		if i == 0 || c > maxCount {
			maxCount = c
		}
		if i == 0 || c < minCount {
			minCount = c
		}
		switch {
		case c <= 512:
			dist["0-512"]++
		case c <= 1024:
			dist["512-1024"]++
		case c <= 2048:
			dist["1024-2048"]++
		case c <= 4096:
			dist["2048-4096"]++
		default:
			dist["4096+"]++
		}
	}
	avg := 0.0
	if n > 0 {
		avg = float64(total) / float64(n)
	}
	return map[string]any{
		"avg_token_count":    avg,
		"max_token_count":    maxCount,
		"min_token_count":    minCount,
		"token_distribution": dist,
	}
}

func cellOrEmpty(ds *dataset.Dataset, row int, col string) string {
	if col == "" || !ds.HasColumn(col) {
		return ""
	}
	return ds.CellString(row, col)
}

func firstExisting(colMap map[string]string, names ...string) string {
	for _, n := range names {
		if c, ok := colMap[n]; ok {
			return c
		}
	}
	return ""
}
