//go:build !hftok

package cmd

import (
	"fmt"

	"vl-ground-go/vlm"
	"vl-ground-go/vqa"
)

// newTokenizer builds the word-level tokenizer from the run's sentences.
// Subword tokenization needs the hftok build, which links the native
// tokenizers library.
func newTokenizer(cfg *vqa.Config, sents []string) (vqa.Tokenizer, error) {
	if cfg.TokenizerDir != "" {
		return nil, fmt.Errorf("--tokenizer requires a binary built with the hftok tag")
	}
	return vlm.NewWordTokenizer(sents), nil
}
