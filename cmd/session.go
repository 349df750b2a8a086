package cmd

import (
	"fmt"

	"vl-ground-go/refexp"
	"vl-ground-go/vlm"
	"vl-ground-go/vqa"
)

// buildConfig assembles the run configuration from the parsed flags.
func buildConfig() (*vqa.Config, error) {
	cfg, err := vqa.NewConfig(opts.DataDir,
		vqa.WithSplits(opts.TrainSplits, opts.ValidSplits),
		vqa.WithBatchSize(opts.BatchSize),
		vqa.WithEpochs(opts.Epochs),
		vqa.WithLearningRate(opts.LearningRate),
		vqa.WithOptimizer(opts.Optimizer),
		vqa.WithParadigm(vqa.Paradigm(opts.Paradigm)),
		vqa.WithOutput(opts.Output),
		vqa.WithTiny(opts.Tiny),
		vqa.WithFast(opts.Fast),
		vqa.WithProgressBar(!opts.NoProgress),
		vqa.WithSeed(opts.Seed),
	)
	if err != nil {
		return nil, err
	}
	cfg.TestSplits = opts.TestSplits
	cfg.Load = opts.Load
	cfg.EncoderModel = opts.EncoderModel
	cfg.HiddenDim = opts.HiddenDim
	cfg.TokenizerDir = opts.TokenizerFile
	return cfg, nil
}

// session bundles the tokenizer, frozen encoder and trainable head of one
// run. Close releases both model and encoder.
type session struct {
	cfg     *vqa.Config
	tok     vqa.Tokenizer
	encoder vqa.Encoder
	model   vqa.Model
}

// newSession wires the backends: the ONNX encoder when an export is
// configured, the deterministic projection fallback otherwise, and a fresh
// head sized for outDim outputs. sents seeds the word-level tokenizer
// vocabulary when no subword tokenizer is configured.
func newSession(cfg *vqa.Config, sents []string, outDim int) (*session, error) {
	tok, err := newTokenizer(cfg, sents)
	if err != nil {
		return nil, err
	}

	var encoder vqa.Encoder
	if cfg.EncoderModel != "" {
		encoder, err = vlm.NewONNXEncoder(cfg.EncoderModel, tok, opts.EncoderDim, opts.Attention)
		if err != nil {
			return nil, err
		}
	} else {
		encoder = vlm.NewProjEncoder(tok, opts.FeatDim, opts.EmbDim, cfg.Seed)
	}

	head, err := vlm.NewHead(vlm.HeadConfig{
		In:           encoder.Dim(),
		Hidden:       cfg.HiddenDim,
		Out:          outDim,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Optimizer:    cfg.Optimizer,
		ClipNorm:     cfg.ClipNorm,
		Seed:         cfg.Seed,
	})
	if err != nil {
		encoder.Close()
		return nil, err
	}

	return &session{cfg: cfg, tok: tok, encoder: encoder, model: head}, nil
}

func (s *session) Close() {
	s.model.Close()
	s.encoder.Close()
}

// outputDim picks the head width: a single matching logit under the weak
// paradigm, otherwise 4 box coordinates or the answer vocabulary size.
func outputDim(cfg *vqa.Config, numAnswers int) int {
	if cfg.Paradigm == vqa.ParadigmWeak {
		return 1
	}
	if opts.Task == "refexp" {
		return 4
	}
	return numAnswers
}

// gqaTuple loads a GQA split list into a scored data tuple.
func gqaTuple(cfg *vqa.Config, buf *vqa.FeatureBuffer, splits string, topk int) (*vqa.DataTuple, *vqa.Dataset, error) {
	dset, err := vqa.NewDataset(cfg.DataDir, splits)
	if err != nil {
		return nil, nil, err
	}
	set, err := vqa.NewExampleSet(dset, buf, topk)
	if err != nil {
		return nil, nil, err
	}
	return &vqa.DataTuple{
		Set:    set,
		Scorer: vqa.NewAnswerScorer(vqa.NewEvaluator(dset)),
	}, dset, nil
}

// refTuple loads a referring-expression split list into a scored data tuple.
func refTuple(cfg *vqa.Config, buf *vqa.FeatureBuffer, splits string, topk int) (*vqa.DataTuple, *refexp.RefDataset, *refexp.RefExampleSet, error) {
	dset, err := refexp.NewRefDataset(cfg.DataDir, splits)
	if err != nil {
		return nil, nil, nil, err
	}
	set, err := refexp.NewRefExampleSet(dset, buf, topk)
	if err != nil {
		return nil, nil, nil, err
	}
	return &vqa.DataTuple{
		Set:    set,
		Scorer: refexp.NewBoxScorer(refexp.NewRefEvaluator(dset)),
	}, dset, set, nil
}

func gqaSents(dset *vqa.Dataset) []string {
	sents := make([]string, 0, dset.Len())
	for _, d := range dset.Data {
		sents = append(sents, d.Sent)
	}
	return sents
}

func refSents(dset *refexp.RefDataset) []string {
	sents := make([]string, 0, dset.Len())
	for _, d := range dset.Data {
		sents = append(sents, d.Sent)
	}
	return sents
}

func checkTask() error {
	if opts.Task != "gqa" && opts.Task != "refexp" {
		return fmt.Errorf("unknown task %q (want gqa or refexp)", opts.Task)
	}
	return nil
}
