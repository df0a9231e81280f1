package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrHeadDivisibility = errors.New("n_embd must be divisible by n_head")
	ErrInvalidConfig    = errors.New("invalid model config")
)

// ModelConfig is the immutable description of a GPT-2 style network.
// Every sublayer receives a copy; nothing mutates it after construction.
type ModelConfig struct {
	ContextLength int // max sequence length
	VocabSize     int // |V|
	NLayer        int // transformer blocks
	NHead         int // attention heads
	NEmbd         int // model width
}

// HeadDim is NEmbd / NHead. Only meaningful on a validated config.
func (c ModelConfig) HeadDim() int { return c.NEmbd / c.NHead }

func (c ModelConfig) Validate() error {
	if c.ContextLength <= 0 || c.VocabSize <= 0 || c.NLayer <= 0 || c.NHead <= 0 || c.NEmbd <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidConfig, c)
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("%w: n_embd=%d n_head=%d", ErrHeadDivisibility, c.NEmbd, c.NHead)
	}
	return nil
}

// GPT2Config is the 124M model with the vocabulary padded to 50304 for training.
func GPT2Config() ModelConfig {
	return ModelConfig{
		ContextLength: 1024,
		VocabSize:     50304,
		NLayer:        12,
		NHead:         12,
		NEmbd:         768,
	}
}

// PretrainedConfigs holds the published GPT-2 checkpoints' shapes (unpadded vocab).
var PretrainedConfigs = map[string]ModelConfig{
	"gpt2":        {ContextLength: 1024, VocabSize: 50257, NLayer: 12, NHead: 12, NEmbd: 768},
	"gpt2-medium": {ContextLength: 1024, VocabSize: 50257, NLayer: 24, NHead: 16, NEmbd: 1024},
	"gpt2-large":  {ContextLength: 1024, VocabSize: 50257, NLayer: 36, NHead: 20, NEmbd: 1280},
	"gpt2-xl":     {ContextLength: 1024, VocabSize: 50257, NLayer: 48, NHead: 25, NEmbd: 1600},
}

type TrainingConfig struct {
	Model ModelConfig

	// Data
	DataDir        string // directory holding *_train_* and *_val_* shards
	TotalBatchSize int    // tokens per optimizer step across all processes
	MicroBatch     int    // B
	SeqLen         int    // T

	// Optimization
	MaxLR       float64
	MinLR       float64 // <=0 means 0.1*MaxLR
	WarmupSteps int
	MaxSteps    int
	WeightDecay float64
	AdamBeta1   float64
	AdamBeta2   float64
	AdamEps     float64
	GradClip    float64 // <=0 disables

	// Evaluation cadence
	ValEvery      int    // validation + checkpoint every N steps
	ValLossSteps  int    // micro-batches averaged per validation
	EvalEvery     int    // HellaSwag every N steps (0 = off)
	HellaSwagPath string // jsonl; empty disables HellaSwag
	GenEvery      int    // sample text every N steps (0 = off)

	// Output
	LogDir      string
	CatalogPath string // sqlite checkpoint index; empty = LogDir/checkpoints.db
	MetricsAddr string // prometheus listen address; empty disables

	Seed     uint64
	Autocast bool // round activations to bfloat16
	Workers  int  // goroutines per forward pass (0 = GOMAXPROCS)
}

// DefaultTrainingConfig mirrors the 10B-token FineWeb-Edu run.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Model: GPT2Config(),

		DataDir:        "edu_fineweb10B",
		TotalBatchSize: 524288, // 2**19
		MicroBatch:     64,
		SeqLen:         1024,

		MaxLR:       6e-4,
		WarmupSteps: 715,
		MaxSteps:    19073,
		WeightDecay: 0.1,
		AdamBeta1:   0.9,
		AdamBeta2:   0.95,
		AdamEps:     1e-8,
		GradClip:    1.0,

		ValEvery:     350,
		ValLossSteps: 20,
		EvalEvery:    250,
		GenEvery:     0,

		LogDir: "log",
		Seed:   1337,
	}
}

// MinLearningRate resolves the cosine floor.
func (c TrainingConfig) MinLearningRate() float64 {
	if c.MinLR > 0 {
		return c.MinLR
	}
	return 0.1 * c.MaxLR
}

func (c TrainingConfig) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.MicroBatch <= 0 || c.SeqLen <= 0 || c.TotalBatchSize <= 0 {
		return fmt.Errorf("%w: batch B=%d T=%d total=%d", ErrInvalidConfig, c.MicroBatch, c.SeqLen, c.TotalBatchSize)
	}
	if c.SeqLen > c.Model.ContextLength {
		return fmt.Errorf("%w: seq len %d exceeds context %d", ErrInvalidConfig, c.SeqLen, c.Model.ContextLength)
	}
	if c.MaxSteps <= 0 || c.WarmupSteps <= 0 || c.MaxLR <= 0 {
		return fmt.Errorf("%w: schedule max_steps=%d warmup=%d max_lr=%g", ErrInvalidConfig, c.MaxSteps, c.WarmupSteps, c.MaxLR)
	}
	if c.ValLossSteps <= 0 {
		return fmt.Errorf("%w: val_loss_steps=%d", ErrInvalidConfig, c.ValLossSteps)
	}
	return nil
}

// LoadTrainingConfig overlays a JSON file on top of the defaults.
func LoadTrainingConfig(path string) (TrainingConfig, error) {
	cfg := DefaultTrainingConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
