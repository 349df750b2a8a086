package vlm

import (
	"fmt"
	"math/rand"

	"vl-ground-go/vqa"
)

// ProjEncoder is the accelerator-free stand-in for the pretrained
// vision-language encoder: it mean-pools the patch features and bags token
// embeddings from a fixed, seeded projection table, concatenating the two
// halves. Deterministic for a given (seed, featDim, embedDim, tokenizer).
type ProjEncoder struct {
	tok     vqa.Tokenizer
	featDim int
	embDim  int
	embed   [][]float32 // [vocab][embDim], frozen
}

// NewProjEncoder creates a projection encoder for features of width featDim.
func NewProjEncoder(tok vqa.Tokenizer, featDim, embDim int, seed int64) *ProjEncoder {
	rng := rand.New(rand.NewSource(seed))
	embed := make([][]float32, tok.VocabSize())
	for i := range embed {
		row := make([]float32, embDim)
		for j := range row {
			row[j] = float32(rng.NormFloat64()) * 0.1
		}
		embed[i] = row
	}
	return &ProjEncoder{
		tok:     tok,
		featDim: featDim,
		embDim:  embDim,
		embed:   embed,
	}
}

// Dim returns the embedding width: pooled features plus bagged tokens
func (e *ProjEncoder) Dim() int {
	return e.featDim + e.embDim
}

// Encode pools each example into a single cross-modal vector. No attention
// is produced.
func (e *ProjEncoder) Encode(batch *vqa.Batch) (*vqa.Encoding, error) {
	vectors := make([][]float32, batch.Size())
	for i := 0; i < batch.Size(); i++ {
		feats := batch.Feats[i]
		if len(feats) == 0 || len(feats[0]) != e.featDim {
			return nil, fmt.Errorf("example %d: feature width mismatch (want %d)", i, e.featDim)
		}

		vec := make([]float32, e.featDim+e.embDim)
		for _, row := range feats {
			for j, v := range row {
				vec[j] += v
			}
		}
		inv := 1 / float32(len(feats))
		for j := 0; j < e.featDim; j++ {
			vec[j] *= inv
		}

		tokens, err := e.tok.Encode(batch.Sents[i])
		if err != nil {
			return nil, fmt.Errorf("example %d: tokenize: %w", i, err)
		}
		if len(tokens) > 0 {
			for _, id := range tokens {
				if id < 0 || id >= len(e.embed) {
					continue
				}
				for j, v := range e.embed[id] {
					vec[e.featDim+j] += v
				}
			}
			inv = 1 / float32(len(tokens))
			for j := e.featDim; j < len(vec); j++ {
				vec[j] *= inv
			}
		}
		vectors[i] = vec
	}
	return &vqa.Encoding{Vectors: vectors}, nil
}

// Close is a no-op for the projection encoder
func (e *ProjEncoder) Close() error {
	return nil
}
