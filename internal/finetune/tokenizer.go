package finetune

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens for formatted examples. When the requested BPE
// encoding cannot be loaded (offline environments), it falls back to the
// chars/4 estimate used across the industry for English text.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenizer loads the named tiktoken encoding, falling back first to
// cl100k_base and then to the estimator.
func NewTokenizer(name string, logger *slog.Logger) *Tokenizer {
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		logger.Warn("Tokenizer not found, falling back to cl100k_base", "tokenizer", name, "error", err)
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err != nil {
		logger.Warn("Token counting will use the chars/4 estimate", "error", err)
		return &Tokenizer{}
	}
	return &Tokenizer{encoding: enc}
}

// Count returns the token count of a text.
func (t *Tokenizer) Count(text string) int {
	if t.encoding == nil {
		return estimateTokens(text)
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// Exact reports whether counts come from a real BPE encoding.
func (t *Tokenizer) Exact() bool { return t.encoding != nil }

func estimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
