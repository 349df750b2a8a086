package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Options holds the shared configuration flags for train, predict and
// evaluate.
type Options struct {
	Task           string
	DataDir        string
	TrainSplits    string
	ValidSplits    string
	TestSplits     string
	BatchSize      int
	Epochs         int
	LearningRate   float64
	Optimizer      string
	Paradigm       string
	Output         string
	Load           string
	EncoderModel   string
	EncoderDim     int
	FeatDim        int
	EmbDim         int
	HiddenDim      int
	TokenizerFile  string
	FeaturePattern string
	Tiny           bool
	Fast           bool
	NoProgress     bool
	Attention      bool
	Seed           int64
}

var opts Options

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "vlground",
	Short:   "Training and evaluation for visual question answering and referring-expression grounding",
	Version: Version,
}

// Execute runs the CLI with a signal-aware context so Ctrl+C stops a
// training run between batches.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.Task, "task", "gqa", "Task to run: gqa or refexp")
	pf.StringVar(&opts.DataDir, "data", "data", "Dataset root directory")
	pf.StringVar(&opts.TrainSplits, "train", "train", "Comma-separated training splits")
	pf.StringVar(&opts.ValidSplits, "valid", "valid", "Comma-separated validation splits (empty disables validation)")
	pf.IntVar(&opts.BatchSize, "batch-size", 32, "Batch size")
	pf.IntVar(&opts.Epochs, "epochs", 4, "Number of training epochs")
	pf.Float64Var(&opts.LearningRate, "lr", 1e-4, "Learning rate")
	pf.StringVar(&opts.Optimizer, "optim", "adam", "Optimizer: adam or sgd")
	pf.StringVar(&opts.Paradigm, "train-paradigm", "full", "Supervision paradigm: full or weak")
	pf.StringVar(&opts.Output, "output", "snap", "Output directory for checkpoints, logs and dumps")
	pf.StringVar(&opts.Load, "load", "", "Checkpoint path to load before running (.pth optional)")
	pf.StringVar(&opts.EncoderModel, "encoder", "", "ONNX export of the pretrained encoder (empty uses the projection fallback)")
	pf.IntVar(&opts.EncoderDim, "encoder-dim", 768, "Pooled embedding width of the ONNX encoder")
	pf.IntVar(&opts.FeatDim, "feat-dim", 768, "Patch feature width (projection fallback)")
	pf.IntVar(&opts.EmbDim, "emb-dim", 64, "Token embedding width (projection fallback)")
	pf.IntVar(&opts.HiddenDim, "hidden-dim", 256, "Hidden width of the trainable head")
	pf.StringVar(&opts.TokenizerFile, "tokenizer", "", "HuggingFace tokenizer.json (requires the hftok build)")
	pf.StringVar(&opts.FeaturePattern, "feature-pattern", "%s_patches_32x32.safetensors", "Split-to-filename template of the patch feature exports")
	pf.BoolVar(&opts.Tiny, "tiny", false, "Load only a tiny image subset for debugging")
	pf.BoolVar(&opts.Fast, "fast", false, "Load a reduced image subset for fast iteration")
	pf.BoolVar(&opts.NoProgress, "no-progress", false, "Disable the batch progress bar")
	pf.BoolVar(&opts.Attention, "output-attention", false, "Dump encoder attention rows during prediction")
	pf.Int64Var(&opts.Seed, "seed", 9595, "Shuffling and initialization seed")
}
