package vqa

import (
	"fmt"
	"strings"
)

// Debug subset sizes. These count images, not records: every record whose
// image survives the cut is kept.
const (
	TinyImgNum = 512
	FastImgNum = 5000
)

// Paradigm selects how the head is supervised.
type Paradigm string

const (
	// ParadigmWeak trains a matching logit against is_matched flags with
	// binary cross-entropy.
	ParadigmWeak Paradigm = "weak"
	// ParadigmFull trains dense outputs (answer vectors or boxes) with an
	// L1 loss summed over elements and divided by batch size.
	ParadigmFull Paradigm = "full"
)

// Config holds the configuration for a training or prediction run
type Config struct {
	DataDir      string
	TrainSplits  string
	ValidSplits  string
	TestSplits   string
	BatchSize    int
	Epochs       int
	LearningRate float64
	Optimizer    string // "adam" or "sgd"
	Paradigm     Paradigm
	ClipNorm     float64
	HiddenDim    int
	Tiny         bool
	Fast         bool
	Output       string
	Load         string // checkpoint path prefix to resume from (without .pth)
	EncoderModel string // ONNX export of the pretrained VL encoder; empty = projection fallback
	TokenizerDir string
	ProgressBar  bool
	Seed         int64
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(dataDir string, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		DataDir:      dataDir,
		TrainSplits:  "train",
		ValidSplits:  "valid",
		BatchSize:    32,
		Epochs:       4,
		LearningRate: 1e-4,
		Optimizer:    "adam",
		Paradigm:     ParadigmFull,
		ClipNorm:     5.0,
		HiddenDim:    256,
		Output:       "snap",
		ProgressBar:  true,
		Seed:         9595,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.Epochs < 0 {
		return fmt.Errorf("epochs must be >= 0, got %d", c.Epochs)
	}
	if c.Optimizer != "adam" && c.Optimizer != "sgd" {
		return fmt.Errorf("unknown optimizer %q (want adam or sgd)", c.Optimizer)
	}
	if c.Paradigm != ParadigmWeak && c.Paradigm != ParadigmFull {
		return fmt.Errorf("unknown training paradigm %q", c.Paradigm)
	}
	if c.ClipNorm <= 0 {
		return fmt.Errorf("clip norm must be > 0, got %f", c.ClipNorm)
	}
	if c.Tiny && c.Fast {
		return fmt.Errorf("tiny and fast are mutually exclusive")
	}
	return nil
}

// SplitNames breaks a comma-separated split list into its parts.
func SplitNames(splits string) []string {
	if splits == "" {
		return nil
	}
	parts := strings.Split(splits, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// TopK returns the image count to load for a training split given the debug
// flags: TinyImgNum, FastImgNum, or -1 for everything.
func (c *Config) TopK() int {
	switch {
	case c.Tiny:
		return TinyImgNum
	case c.Fast:
		return FastImgNum
	default:
		return -1
	}
}

// WithSplits sets the train/valid split lists
func WithSplits(train, valid string) ConfigOption {
	return func(c *Config) {
		c.TrainSplits = train
		c.ValidSplits = valid
	}
}

// WithBatchSize sets the batch size
func WithBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.BatchSize = n
	}
}

// WithEpochs sets the number of training epochs
func WithEpochs(n int) ConfigOption {
	return func(c *Config) {
		c.Epochs = n
	}
}

// WithLearningRate sets the learning rate
func WithLearningRate(lr float64) ConfigOption {
	return func(c *Config) {
		c.LearningRate = lr
	}
}

// WithOptimizer sets the optimizer name
func WithOptimizer(name string) ConfigOption {
	return func(c *Config) {
		c.Optimizer = name
	}
}

// WithParadigm sets the training paradigm
func WithParadigm(p Paradigm) ConfigOption {
	return func(c *Config) {
		c.Paradigm = p
	}
}

// WithOutput sets the output directory for checkpoints, logs and dumps
func WithOutput(dir string) ConfigOption {
	return func(c *Config) {
		c.Output = dir
	}
}

// WithTiny enables the tiny debug subset
func WithTiny(b bool) ConfigOption {
	return func(c *Config) {
		c.Tiny = b
	}
}

// WithFast enables the fast debug subset
func WithFast(b bool) ConfigOption {
	return func(c *Config) {
		c.Fast = b
	}
}

// WithProgressBar toggles the batch progress bar
func WithProgressBar(b bool) ConfigOption {
	return func(c *Config) {
		c.ProgressBar = b
	}
}

// WithSeed sets the shuffling/init seed
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) {
		c.Seed = seed
	}
}
