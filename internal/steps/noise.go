package steps

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/calder-labs/dataforge/internal/dataset"
	"github.com/calder-labs/dataforge/internal/pipeline"
)

var (
	multiSpaceRegex   = regexp.MustCompile(`[ \t]+`)
	multiNewlineRegex = regexp.MustCompile(`\n{3,}`)
	urlRegex          = regexp.MustCompile(`https?://\S+|www\.\S+`)
)

// Zero-width and BOM code points stripped during unicode normalization.
var zeroWidthReplacer = strings.NewReplacer(
	"\u200b", "", // zero width space
	"\u200c", "", // zero width non-joiner
	"\u200d", "", // zero width joiner
	"\ufeff", "", // BOM
)

// NoiseRemovalStep cleans text cells through a fixed sequence of stages
// (encoding repair, HTML stripping, unicode normalization, control character
// removal, whitespace collapsing, optional URL removal, custom patterns) and
// then drops rows whose primary text falls outside a length range.
type NoiseRemovalStep struct {
	logger *slog.Logger
}

func NewNoiseRemovalStep(logger *slog.Logger) *NoiseRemovalStep {
	return &NoiseRemovalStep{logger: logger}
}

func (s *NoiseRemovalStep) Name() string { return "noise_removal" }

func (s *NoiseRemovalStep) Description() string {
	return "Clean encoding artifacts, HTML, control characters, and whitespace from text columns"
}

func (s *NoiseRemovalStep) ValidateConfig(cfg pipeline.StepConfig) error {
	minLen := cfg.Int("min_text_length", 0)
	maxLen := cfg.Int("max_text_length", 0)
	if minLen < 0 {
		return pipeline.NewConfigError(s.Name(), "min_text_length must be >= 0 (got %d)", minLen)
	}
	if maxLen < 0 {
		return pipeline.NewConfigError(s.Name(), "max_text_length must be >= 0 (got %d)", maxLen)
	}
	if maxLen > 0 && minLen > maxLen {
		return pipeline.NewConfigError(s.Name(), "min_text_length %d exceeds max_text_length %d", minLen, maxLen)
	}
	return nil
}

func (s *NoiseRemovalStep) Run(ctx context.Context, ds *dataset.Dataset, cfg pipeline.StepConfig) (*pipeline.StepResult, error) {
	rowsBefore := ds.NumRows()
	var warnings []string

	opts := cleanOptions{
		fixEncoding:         cfg.Bool("fix_encoding", true),
		stripHTML:           cfg.Bool("strip_html", true),
		normalizeUnicode:    cfg.Bool("normalize_unicode", true),
		removeControlChars:  cfg.Bool("remove_control_chars", true),
		normalizeWhitespace: cfg.Bool("normalize_whitespace", true),
		stripURLs:           cfg.Bool("strip_urls", false),
	}

	for _, pat := range cfg.StringSlice("custom_patterns") {
		re, err := regexp.Compile(pat)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid custom pattern %q skipped: %v", pat, err))
			continue
		}
		opts.customPatterns = append(opts.customPatterns, re)
	}

	var cols []string
	if cfg.Has("columns") && cfg.String("columns", "") != "all" {
		cols = existingColumns(ds, cfg.StringSlice("columns"))
		if len(cols) == 0 {
			warnings = append(warnings, "Specified columns not found, using all text columns")
		}
	}
	if len(cols) == 0 {
		cols = ds.TextColumns()
	}

	result := ds.Clone()
	encodingFixes := 0
	htmlStripped := 0
	charsCleaned := 0

	for i := 0; i < result.NumRows(); i++ {
		for _, c := range cols {
			cell, ok := result.Cell(i, c).(string)
			if !ok || cell == "" {
				continue
			}
			cleaned, stats := cleanText(cell, opts)
			if cleaned != cell {
				result.SetCell(i, c, cleaned)
				charsCleaned += len(cell) - len(cleaned)
			}
			if stats.encodingFixed {
				encodingFixes++
			}
			if stats.htmlStripped {
				htmlStripped++
			}
		}
	}

	// Length filter runs on the first text column only.
	rowsRemovedByLength := 0
	minLen := cfg.Int("min_text_length", 0)
	maxLen := cfg.Int("max_text_length", 0)
	if (minLen > 0 || maxLen > 0) && len(cols) > 0 {
		primary := cols[0]
		before := result.NumRows()
		result = result.FilterRows(func(row int) bool {
			n := utf8.RuneCountInString(result.CellString(row, primary))
			if minLen > 0 && n < minLen {
				return false
			}
			if maxLen > 0 && n > maxLen {
				return false
			}
			return true
		})
		rowsRemovedByLength = before - result.NumRows()
	}

	avgCleaned := 0.0
	if rowsBefore > 0 {
		avgCleaned = float64(charsCleaned) / float64(rowsBefore)
	}

	s.logger.Info("Noise removal complete",
		"encoding_fixes", encodingFixes,
		"html_stripped", htmlStripped,
		"rows_removed_by_length", rowsRemovedByLength)

	rowsAfter := result.NumRows()
	return &pipeline.StepResult{
		Dataset:     result,
		RowsBefore:  rowsBefore,
		RowsAfter:   rowsAfter,
		RowsRemoved: rowsBefore - rowsAfter,
		Metadata: map[string]any{
			"encoding_fixes":            encodingFixes,
			"html_stripped":             htmlStripped,
			"rows_removed_by_length":    rowsRemovedByLength,
			"chars_cleaned_per_row_avg": avgCleaned,
		},
		Warnings: warnings,
	}, nil
}

type cleanOptions struct {
	fixEncoding         bool
	stripHTML           bool
	normalizeUnicode    bool
	removeControlChars  bool
	normalizeWhitespace bool
	stripURLs           bool
	customPatterns      []*regexp.Regexp
}

type cleanStats struct {
	encodingFixed bool
	htmlStripped  bool
}

// cleanText applies the cleaning stages in a fixed order: encoding repair,
// HTML stripping, unicode normalization, control character removal,
// whitespace collapsing, URL stripping, custom patterns. Encoding repair
// must run before normalization, and URL residue is left for the length
// filter rather than re-collapsed.
func cleanText(text string, opts cleanOptions) (string, cleanStats) {
	var stats cleanStats

	if opts.fixEncoding {
		if fixed, ok := repairMojibake(text); ok {
			text = fixed
			stats.encodingFixed = true
		}
	}

	if opts.stripHTML && strings.ContainsRune(text, '<') {
		stripped := stripHTML(text)
		if stripped != text {
			text = stripped
			stats.htmlStripped = true
		}
	}

	if opts.normalizeUnicode {
		text = norm.NFC.String(text)
		text = zeroWidthReplacer.Replace(text)
	}

	if opts.removeControlChars {
		text = stripControlChars(text)
	}

	if opts.normalizeWhitespace {
		text = multiSpaceRegex.ReplaceAllString(text, " ")
		text = multiNewlineRegex.ReplaceAllString(text, "\n\n")
		text = strings.TrimSpace(text)
	}

	if opts.stripURLs {
		text = urlRegex.ReplaceAllString(text, "")
	}

	for _, re := range opts.customPatterns {
		text = re.ReplaceAllString(text, "")
	}

	return text, stats
}

// Mojibake marker sequences: UTF-8 bytes misread as Windows-1252 produce
// these leading characters ("â€™" for a right quote, "Ã©" for é, and so on).
var mojibakeMarkers = []string{"â€", "Ã", "â€™", "â€œ", "Â"}

// repairMojibake re-encodes the text as Windows-1252 bytes and decodes the
// result as UTF-8. If the round trip yields valid UTF-8 with fewer marker
// sequences, the text was double-encoded and the repaired form wins.
func repairMojibake(text string) (string, bool) {
	suspicious := false
	for _, m := range mojibakeMarkers {
		if strings.Contains(text, m) {
			suspicious = true
			break
		}
	}
	if !suspicious {
		return text, false
	}

	encoded, err := charmap.Windows1252.NewEncoder().String(text)
	if err != nil {
		return text, false
	}
	if !utf8.ValidString(encoded) || strings.ContainsRune(encoded, utf8.RuneError) {
		return text, false
	}
	if countMarkers(encoded) >= countMarkers(text) {
		return text, false
	}
	return encoded, true
}

func countMarkers(s string) int {
	n := 0
	for _, m := range mojibakeMarkers {
		n += strings.Count(s, m)
	}
	return n
}

// stripHTML extracts text content via the streaming tokenizer, skipping
// script and style bodies entirely.
func stripHTML(s string) string {
	var b strings.Builder
	tz := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		tt := tz.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := tz.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
		case html.EndTagToken:
			name, _ := tz.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tz.Text())
			}
		}
	}
}

// stripControlChars removes control characters except newline and tab.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
