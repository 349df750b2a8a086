package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vl-ground-go/vqa"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score a labeled split without dumping predictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEvaluate(cmd.Context())
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&opts.TestSplits, "test", "valid", "Comma-separated splits to score")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(_ context.Context) error {
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

	score, err := trainer.Evaluate(tuple)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %0.2f\n", cfg.TestSplits, score*100)
	return nil
}
