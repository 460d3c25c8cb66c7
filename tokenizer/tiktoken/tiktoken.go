// Package tiktoken counts tokens with OpenAI's BPE vocabularies,
// replacing the core's byte-length approximation with exact counts.
package tiktoken

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nevindra/penguin"
)

// Tokenizer implements penguin.Tokenizer over a tiktoken encoding.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

var _ penguin.Tokenizer = (*Tokenizer)(nil)

// ForModel resolves the encoding registered for a model name
// (e.g. "gpt-4o"). Unknown models fall back to cl100k_base, which
// over-counts slightly for newer vocabularies but never under-counts
// enough to blow a context window.
func ForModel(model string) (*Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load fallback encoding: %w", err)
		}
	}
	return &Tokenizer{enc: enc}, nil
}

// ForEncoding loads a named encoding directly (e.g. "o200k_base").
func ForEncoding(name string) (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", name, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// Count returns the exact token count of text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}
