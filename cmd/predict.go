package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"vl-ground-go/refexp"
	"vl-ground-go/vqa"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run inference over the test splits and dump a submission file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPredict(cmd.Context())
	},
}

func init() {
	predictCmd.Flags().StringVar(&opts.TestSplits, "test", "testdev", "Comma-separated test splits")
	rootCmd.AddCommand(predictCmd)
}

// testTuple loads the configured test splits for the active task. Test runs
// always load the full feature export.
func testTuple(cfg *vqa.Config, buf *vqa.FeatureBuffer) (*vqa.DataTuple, []string, error) {
	if opts.Task == "refexp" {
		tuple, dset, _, err := refTuple(cfg, buf, cfg.TestSplits, -1)
		if err != nil {
			return nil, nil, err
		}
		return tuple, refSents(dset), nil
	}
	tuple, dset, err := gqaTuple(cfg, buf, cfg.TestSplits, -1)
	if err != nil {
		return nil, nil, err
	}
	return tuple, gqaSents(dset), nil
}

// testOutputDim sizes the head for a test-only run, reading the answer
// vocabulary when the task needs it.
func testOutputDim(cfg *vqa.Config) (int, error) {
	if cfg.Paradigm == vqa.ParadigmWeak {
		return 1, nil
	}
	if opts.Task == "refexp" {
		return 4, nil
	}
	vocab, err := vqa.LoadVocab(cfg.DataDir)
	if err != nil {
		return 0, err
	}
	return vocab.NumAnswers(), nil
}

func runPredict(_ context.Context) error {
	if err := checkTask(); err != nil {
		return err
	}
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	buf := vqa.NewFeatureBuffer(cfg.DataDir, opts.FeaturePattern)

	tuple, sents, err := testTuple(cfg, buf)
	if err != nil {
		return err
	}
	outDim, err := testOutputDim(cfg)
	if err != nil {
		return err
	}

	sess, err := newSession(cfg, sents, outDim)
	if err != nil {
		return err
	}
	defer sess.Close()

	trainer := vqa.NewTrainer(cfg, sess.model, sess.encoder, nil, nil)
	if cfg.Load != "" {
		if err := trainer.Load(cfg.Load); err != nil {
			return err
		}
	}

	dump := filepath.Join(cfg.Output, "submit_predict.json")
	score, err := trainer.Predict(tuple, dump)
	if err != nil {
		return err
	}
	fmt.Printf("Dumped predictions to %s (score %0.2f)\n", dump, score*100)

	if opts.Task == "refexp" {
		if bs, ok := tuple.Scorer.(*refexp.BoxScorer); ok {
			fmt.Printf("Mean IoU: %0.4f\n", bs.MeanIoUOf())
		}
	}
	return nil
}
