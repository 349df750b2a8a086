// Package vlm holds the model-side backends of the trainer: question
// tokenizers, the frozen vision-language encoder front-ends, and the
// trainable gorgonia head.
package vlm

import (
	"sort"
	"strings"
)

// wordUnknownID is reserved for out-of-vocabulary words
const wordUnknownID = 0

// WordTokenizer is a whitespace/word-level tokenizer with a vocabulary built
// from the dataset questions. It is the fallback used when no HuggingFace
// tokenizer export is configured; the subword backend lives behind the hftok
// build tag.
type WordTokenizer struct {
	vocab map[string]int
}

// NewWordTokenizer builds a tokenizer over the vocabulary of the given
// sentences. Token IDs are assigned in sorted word order so that the same
// corpus always produces the same mapping.
func NewWordTokenizer(sents []string) *WordTokenizer {
	seen := make(map[string]bool)
	for _, sent := range sents {
		for _, w := range splitWords(sent) {
			seen[w] = true
		}
	}
	words := make([]string, 0, len(seen))
	for w := range seen {
		words = append(words, w)
	}
	sort.Strings(words)

	vocab := make(map[string]int, len(words)+1)
	for i, w := range words {
		vocab[w] = i + 1 // 0 is the unknown token
	}
	return &WordTokenizer{vocab: vocab}
}

// Encode converts text to token IDs; unknown words map to a shared ID.
func (t *WordTokenizer) Encode(text string) ([]int, error) {
	words := splitWords(text)
	tokens := make([]int, 0, len(words))
	for _, w := range words {
		if id, ok := t.vocab[w]; ok {
			tokens = append(tokens, id)
		} else {
			tokens = append(tokens, wordUnknownID)
		}
	}
	return tokens, nil
}

// VocabSize returns the vocabulary size including the unknown token
func (t *WordTokenizer) VocabSize() int {
	return len(t.vocab) + 1
}

func splitWords(sent string) []string {
	fields := strings.Fields(sent)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Trim(strings.ToLower(f), ".,!?;:\"'")
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}
