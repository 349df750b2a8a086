package vqa

// LossKind selects the training objective for one step.
type LossKind int

const (
	// LossL1 is an elementwise distance loss against dense targets
	// (answer-score vectors or box coordinates), summed over elements and
	// divided by batch size.
	LossL1 LossKind = iota
	// LossBCE is binary cross-entropy with logits against per-example
	// match flags (the weakly-supervised paradigm).
	LossBCE
)

// Encoding is the output of the frozen encoder for one batch.
type Encoding struct {
	// Vectors holds one pooled cross-modal embedding per example.
	Vectors [][]float32
	// Attention holds last-layer CLS attention rows per example, when the
	// backend exposes them; nil otherwise.
	Attention [][]float32
}

// Encoder turns a batch of (features, boxes, question text) into pooled
// embeddings for the trainable head. Implementations:
// - ONNX Runtime session over the exported pretrained VL transformer
// - deterministic pure-Go projection (CPU fallback, no attention)
type Encoder interface {
	// Encode runs the frozen encoder over one batch
	Encode(batch *Batch) (*Encoding, error)

	// Dim returns the embedding width the encoder produces
	Dim() int

	// Close cleans up backend resources
	Close() error
}

// Model is the trainable head over the frozen encoder.
type Model interface {
	// Step runs one supervised step: forward pass, loss, backward pass,
	// gradient clipping and optimizer update. targets is the dense target
	// matrix for LossL1 or the [batch][1] match-flag matrix for LossBCE.
	// Logit/target width mismatch is an error.
	Step(vectors [][]float32, targets [][]float32, kind LossKind) (loss float64, logits [][]float32, err error)

	// Predict runs a gradient-free forward pass
	Predict(vectors [][]float32) ([][]float32, error)

	// StateDict snapshots the parameters for checkpointing
	StateDict() StateDict

	// LoadStateDict restores parameters. The load is non-strict: missing
	// and unexpected keys are tolerated, shape conflicts are not.
	LoadStateDict(sd StateDict) error

	// Close releases the tape machines
	Close() error
}

// Tokenizer converts question text to token IDs for the encoder.
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// VocabSize returns the vocabulary size
	VocabSize() int
}

// Scorer accumulates per-question predictions during an epoch and scores
// them against ground truth. Implementations: answer argmax scoring for GQA,
// IoU box scoring for RefCOCOg.
type Scorer interface {
	// Record stores the raw logits for one question id
	Record(quesid string, logits []float32)

	// Score evaluates all recorded predictions
	Score() float64

	// Reset clears recorded predictions
	Reset()

	// Dump writes the recorded predictions in submission format
	Dump(path string) error
}

// ExampleView is the dataset surface the trainer consumes. Both the GQA and
// the RefCOCOg example sets implement it.
type ExampleView interface {
	Len() int
	Batches(batchSize int, shuffle, dropLast bool, seed int64) []*Batch
}

// DataTuple bundles an example view with the scorer that understands its
// prediction format.
type DataTuple struct {
	Set    ExampleView
	Scorer Scorer
}
