//go:build hftok

package cmd

import (
	"vl-ground-go/vlm"
	"vl-ground-go/vqa"
)

// newTokenizer prefers the configured HuggingFace tokenizer export and falls
// back to the word-level tokenizer built from the run's sentences.
func newTokenizer(cfg *vqa.Config, sents []string) (vqa.Tokenizer, error) {
	if cfg.TokenizerDir != "" {
		return vlm.NewHFTokenizer(cfg.TokenizerDir)
	}
	return vlm.NewWordTokenizer(sents), nil
}
