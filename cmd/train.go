package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vl-ground-go/refexp"
	"vl-ground-go/vqa"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the head on a task, validating and checkpointing per epoch",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runTrain(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
}

func runTrain(ctx context.Context) error {
	if err := checkTask(); err != nil {
		return err
	}
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	buf := vqa.NewFeatureBuffer(cfg.DataDir, opts.FeaturePattern)

	var (
		train, valid *vqa.DataTuple
		sents        []string
		outDim       int
	)
	switch opts.Task {
	case "gqa":
		var dset *vqa.Dataset
		train, dset, err = gqaTuple(cfg, buf, cfg.TrainSplits, cfg.TopK())
		if err != nil {
			return err
		}
		sents = gqaSents(dset)
		outDim = outputDim(cfg, dset.NumAnswers())
		if cfg.ValidSplits != "" {
			valid, _, err = gqaTuple(cfg, buf, cfg.ValidSplits, cfg.TopK())
			if err != nil {
				return err
			}
		}

	case "refexp":
		var dset *refexp.RefDataset
		train, dset, _, err = refTuple(cfg, buf, cfg.TrainSplits, cfg.TopK())
		if err != nil {
			return err
		}
		sents = refSents(dset)
		outDim = outputDim(cfg, 0)
		if cfg.ValidSplits != "" {
			var validDset *refexp.RefDataset
			var validSet *refexp.RefExampleSet
			valid, validDset, validSet, err = refTuple(cfg, buf, cfg.ValidSplits, cfg.TopK())
			if err != nil {
				return err
			}
			oracle := refexp.NewRefEvaluator(validDset).OracleScore(validSet)
			fmt.Printf("Valid Oracle: %0.2f\n", oracle*100)
		}
	}

	sess, err := newSession(cfg, sents, outDim)
	if err != nil {
		return err
	}
	defer sess.Close()

	trainer := vqa.NewTrainer(cfg, sess.model, sess.encoder, train, valid)
	if cfg.Load != "" {
		if err := trainer.Load(cfg.Load); err != nil {
			return err
		}
	}
	return trainer.Run(ctx)
}
