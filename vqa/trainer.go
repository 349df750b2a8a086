package vqa

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

// Phase is the trainer's position in its run lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTraining
	PhaseValidating
	PhaseCheckpointing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTraining:
		return "training"
	case PhaseValidating:
		return "validating"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// AttentionEntry is one row of the attention dump written by Predict.
type AttentionEntry struct {
	QuestionID string    `json:"questionId"`
	Prediction []float32 `json:"prediction"`
	Attention  []float32 `json:"attention"`
}

// Trainer owns the trainable head, the frozen encoder and the train/valid
// data tuples, and drives the epoch loop: encode, step, score, validate,
// checkpoint. The best validation score is persisted under "BEST" and the
// final parameters under "LAST".
type Trainer struct {
	cfg     *Config
	model   Model
	encoder Encoder
	train   *DataTuple
	valid   *DataTuple // nil disables validation

	phase     Phase
	bestValid float64
}

// NewTrainer creates a trainer. valid may be nil to skip validation.
func NewTrainer(cfg *Config, model Model, encoder Encoder, train, valid *DataTuple) *Trainer {
	return &Trainer{
		cfg:     cfg,
		model:   model,
		encoder: encoder,
		train:   train,
		valid:   valid,
		phase:   PhaseIdle,
	}
}

// Phase returns the trainer's current lifecycle phase
func (t *Trainer) Phase() Phase {
	return t.phase
}

// BestValid returns the best validation score seen so far
func (t *Trainer) BestValid() float64 {
	return t.bestValid
}

// Load restores head parameters from a checkpoint path (".pth" optional).
func (t *Trainer) Load(path string) error {
	log.Printf("Loading model from %s", path)
	sd, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	return t.model.LoadStateDict(sd)
}

// Run executes the configured number of epochs. Cancellation of ctx stops
// the run between batches with the context's error.
func (t *Trainer) Run(ctx context.Context) error {
	if err := os.MkdirAll(t.cfg.Output, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		t.phase = PhaseTraining
		trainScore, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return err
		}
		logStr := fmt.Sprintf("Epoch %d: Train %0.2f\n", epoch, trainScore*100)

		if t.valid != nil {
			t.phase = PhaseValidating
			validScore, err := t.Evaluate(t.valid)
			if err != nil {
				return err
			}
			if validScore > t.bestValid {
				t.bestValid = validScore
				t.phase = PhaseCheckpointing
				if err := t.save("BEST"); err != nil {
					return err
				}
			}
			logStr += fmt.Sprintf("Epoch %d: Valid %0.2f\n", epoch, validScore*100)
			logStr += fmt.Sprintf("Epoch %d: Best %0.2f\n", epoch, t.bestValid*100)
		}

		fmt.Print(logStr)
		if err := t.appendLog(logStr); err != nil {
			return err
		}
	}

	t.phase = PhaseCheckpointing
	if err := t.save("LAST"); err != nil {
		return err
	}
	t.phase = PhaseDone
	return nil
}

// trainEpoch runs one pass over the shuffled training batches and returns
// the training-set score of the epoch's predictions.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	batches := t.train.Set.Batches(t.cfg.BatchSize, true, true, t.cfg.Seed+int64(epoch))
	if len(batches) == 0 {
		return 0, fmt.Errorf("epoch %d: no training batches (batch size %d, %d records)",
			epoch, t.cfg.BatchSize, t.train.Set.Len())
	}
	t.train.Scorer.Reset()

	var bar *progressbar.ProgressBar
	if t.cfg.ProgressBar {
		bar = progressbar.NewOptions(len(batches),
			progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d", epoch)),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	for i, b := range batches {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		enc, err := t.encoder.Encode(b)
		if err != nil {
			return 0, fmt.Errorf("epoch %d batch %d: encode: %w", epoch, i, err)
		}

		targets, kind, err := t.batchTargets(b)
		if err != nil {
			return 0, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}

		loss, logits, err := t.model.Step(enc.Vectors, targets, kind)
		if err != nil {
			return 0, fmt.Errorf("epoch %d batch %d: step: %w", epoch, i, err)
		}

		if kind == LossL1 {
			for j, quesid := range b.QuestionIDs {
				t.train.Scorer.Record(quesid, logits[j])
			}
		}

		if bar != nil {
			bar.Describe(fmt.Sprintf("Epoch %d [loss: %.6f]", epoch, loss))
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}
	return t.train.Scorer.Score(), nil
}

// batchTargets picks the supervision for one batch according to the
// configured paradigm.
func (t *Trainer) batchTargets(b *Batch) ([][]float32, LossKind, error) {
	if t.cfg.Paradigm == ParadigmWeak {
		if b.Matched == nil {
			return nil, 0, fmt.Errorf("weak paradigm needs match flags")
		}
		targets := make([][]float32, len(b.Matched))
		for i, m := range b.Matched {
			targets[i] = []float32{m}
		}
		return targets, LossBCE, nil
	}
	if b.Targets == nil {
		return nil, 0, fmt.Errorf("training batch carries no targets")
	}
	return b.Targets, LossL1, nil
}

// Predict runs gradient-free forward passes over a data tuple, records the
// predictions, and returns their score. When dump is non-empty the
// predictions are also written in submission format. Attention rows exposed
// by the encoder are written to attentions.json under the output directory.
func (t *Trainer) Predict(tuple *DataTuple, dump string) (float64, error) {
	tuple.Scorer.Reset()

	var attentions []AttentionEntry
	for i, b := range tuple.Set.Batches(t.cfg.BatchSize, false, false, 0) {
		enc, err := t.encoder.Encode(b)
		if err != nil {
			return 0, fmt.Errorf("predict batch %d: encode: %w", i, err)
		}
		logits, err := t.model.Predict(enc.Vectors)
		if err != nil {
			return 0, fmt.Errorf("predict batch %d: %w", i, err)
		}

		for j, quesid := range b.QuestionIDs {
			tuple.Scorer.Record(quesid, logits[j])
			if enc.Attention != nil {
				attentions = append(attentions, AttentionEntry{
					QuestionID: quesid,
					Prediction: logits[j],
					Attention:  enc.Attention[j],
				})
			}
		}
	}

	if attentions != nil {
		if err := os.MkdirAll(t.cfg.Output, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create output dir: %w", err)
		}
		path := filepath.Join(t.cfg.Output, "attentions.json")
		if err := SaveJSON(attentions, path); err != nil {
			return 0, err
		}
	}
	if dump != "" {
		if err := tuple.Scorer.Dump(dump); err != nil {
			return 0, err
		}
	}
	return tuple.Scorer.Score(), nil
}

// Evaluate scores a data tuple without dumping predictions
func (t *Trainer) Evaluate(tuple *DataTuple) (float64, error) {
	return t.Predict(tuple, "")
}

func (t *Trainer) save(tag string) error {
	return SaveCheckpoint(t.cfg.Output, tag, t.model.StateDict())
}

func (t *Trainer) appendLog(s string) error {
	f, err := os.OpenFile(filepath.Join(t.cfg.Output, "log.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}
