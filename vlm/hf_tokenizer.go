//go:build hftok

package vlm

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HFTokenizer wraps a HuggingFace tokenizer.json export via the tokenizers
// cgo binding. Built only under the hftok tag because it links the native
// tokenizers library.
type HFTokenizer struct {
	tk        *tokenizers.Tokenizer
	vocabSize int
}

// NewHFTokenizer loads a tokenizer.json file
func NewHFTokenizer(path string) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", path, err)
	}
	return &HFTokenizer{
		tk:        tk,
		vocabSize: int(tk.VocabSize()),
	}, nil
}

// Encode converts text to token IDs
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, true)
	tokens := make([]int, len(ids))
	for i, id := range ids {
		tokens[i] = int(id)
	}
	return tokens, nil
}

// VocabSize returns the vocabulary size
func (t *HFTokenizer) VocabSize() int {
	return t.vocabSize
}

// Close releases the native tokenizer
func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}
