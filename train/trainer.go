// Package train drives synchronous data-parallel training of the GPT-2 model.
package train

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/abhinavsb3/Reproduce-Gpt2/IO"
	"github.com/abhinavsb3/Reproduce-Gpt2/distributed"
	"github.com/abhinavsb3/Reproduce-Gpt2/optimizations"
	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"github.com/abhinavsb3/Reproduce-Gpt2/sampler"
	"github.com/abhinavsb3/Reproduce-Gpt2/transformer"
	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
	"gonum.org/v1/gonum/mat"
)

var ErrTokenBudget = errors.New("total batch size is not divisible by B*T*world_size")

const (
	samplePrompt    = "Hello, I'm a language model,"
	sampleSequences = 4
	sampleLength    = 32
	sampleSeed      = 42
)

type Options struct {
	Config params.TrainingConfig
	Proc   distributed.ProcessContext
	Comm   distributed.Collective // nil is only valid for a single process

	Model     *transformer.Model // nil: initialize from Config.Model and Config.Seed
	Tokenizer IO.Tokenizer       // needed for HellaSwag and periodic samples
	Metrics   *Metrics
	Console   io.Writer // nil: os.Stdout
}

// StepStats is what one optimizer step reports.
type StepStats struct {
	Step         int
	Loss         float64
	LR           float64
	Norm         float64
	Duration     time.Duration
	TokensPerSec float64
}

type Trainer struct {
	cfg  params.TrainingConfig
	proc distributed.ProcessContext
	comm distributed.Collective

	model *transformer.Model
	opt   *optimizations.AdamW
	sched CosineSchedule

	trainLoader *IO.ShardedDataLoader
	valLoader   *IO.ShardedDataLoader

	gradAccumSteps int
	grads          []*mat.Dense
	gradBuf        []float64

	tok     IO.Tokenizer
	metrics *Metrics
	console io.Writer
	log     *IO.LogWriter // rank 0 only
	catalog *IO.Catalog   // rank 0 only
}

func NewTrainer(opts Options) (*Trainer, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	proc := opts.Proc
	if proc.WorldSize == 0 {
		proc = distributed.Single()
	}
	comm := opts.Comm
	if comm == nil {
		if proc.WorldSize != 1 {
			return nil, fmt.Errorf("world size %d needs a collective", proc.WorldSize)
		}
		comm = distributed.Solo{}
	}
	if comm.Rank() != proc.Rank || comm.WorldSize() != proc.WorldSize {
		return nil, fmt.Errorf("collective is rank %d of %d, process context says %d of %d",
			comm.Rank(), comm.WorldSize(), proc.Rank, proc.WorldSize)
	}

	perMicro := cfg.MicroBatch * cfg.SeqLen * proc.WorldSize
	if cfg.TotalBatchSize%perMicro != 0 {
		return nil, fmt.Errorf("%w: %d %% (%d*%d*%d) != 0",
			ErrTokenBudget, cfg.TotalBatchSize, cfg.MicroBatch, cfg.SeqLen, proc.WorldSize)
	}

	sched := NewCosineSchedule(cfg.MaxLR, cfg.WarmupSteps, cfg.MaxSteps)
	sched.MinLR = cfg.MinLearningRate()
	t := &Trainer{
		cfg:            cfg,
		proc:           proc,
		comm:           comm,
		sched:          sched,
		gradAccumSteps: cfg.TotalBatchSize / perMicro,
		tok:            opts.Tokenizer,
		metrics:        opts.Metrics,
		console:        opts.Console,
	}
	if t.console == nil {
		t.console = os.Stdout
	}
	if proc.IsMaster() {
		fmt.Fprintf(t.console, "total desired batch size: %d\n", cfg.TotalBatchSize)
		fmt.Fprintf(t.console, "=> calculated gradient accumulation steps: %d\n", t.gradAccumSteps)
	}

	var err error
	if t.trainLoader, err = IO.NewShardedDataLoader(cfg.DataDir, cfg.MicroBatch, cfg.SeqLen, proc, "train"); err != nil {
		return nil, err
	}
	if t.valLoader, err = IO.NewShardedDataLoader(cfg.DataDir, cfg.MicroBatch, cfg.SeqLen, proc, "val"); err != nil {
		return nil, err
	}
	if proc.IsMaster() {
		for _, l := range []*IO.ShardedDataLoader{t.trainLoader, t.valLoader} {
			fmt.Fprintf(t.console, "found %d shards for split %s\n", l.NumShards(), l.Split)
		}
	}

	t.model = opts.Model
	if t.model == nil {
		if t.model, err = transformer.NewModel(cfg.Model, cfg.Seed); err != nil {
			return nil, err
		}
	} else if t.model.Config != cfg.Model {
		return nil, fmt.Errorf("%w: model %+v, training config %+v", params.ErrInvalidConfig, t.model.Config, cfg.Model)
	}
	t.model.Autocast = cfg.Autocast
	if cfg.Workers > 0 {
		t.model.Workers = cfg.Workers
	}

	ps := t.model.Parameters()
	t.opt = optimizations.NewAdamW(ps, t.sched.LR(0), cfg.WeightDecay, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	t.grads = optimizations.Grads(ps)
	if proc.IsMaster() {
		fmt.Fprintln(t.console, t.opt.Summary())
	}

	if proc.IsMaster() {
		if t.log, err = IO.NewLogWriter(cfg.LogDir); err != nil {
			return nil, err
		}
		catalogPath := cfg.CatalogPath
		if catalogPath == "" {
			catalogPath = filepath.Join(cfg.LogDir, "checkpoints.db")
		}
		if t.catalog, err = IO.OpenCatalog(catalogPath); err != nil {
			return nil, err
		}
		// log.txt starts over, so the catalog does too.
		if err := t.catalog.Reset(); err != nil {
			t.catalog.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *Trainer) Model() *transformer.Model { return t.model }
func (t *Trainer) GradAccumSteps() int      { return t.gradAccumSteps }

// Run executes every step from 0 to MaxSteps-1. Any failure aborts the
// collective before returning so peers stop waiting on this rank.
func (t *Trainer) Run() (err error) {
	defer func() {
		if err != nil {
			t.comm.Abort(err)
		}
	}()
	for step := 0; step < t.cfg.MaxSteps; step++ {
		last := step == t.cfg.MaxSteps-1

		if t.cfg.ValEvery > 0 && (step%t.cfg.ValEvery == 0 || last) {
			if _, err := t.Validate(step, last); err != nil {
				return fmt.Errorf("step %d validation: %w", step, err)
			}
		}
		if t.cfg.HellaSwagPath != "" && t.tok != nil && t.cfg.EvalEvery > 0 && (step%t.cfg.EvalEvery == 0 || last) {
			if _, err := t.EvalHellaSwag(step); err != nil {
				return fmt.Errorf("step %d hellaswag: %w", step, err)
			}
		}
		if t.tok != nil && t.cfg.GenEvery > 0 && ((step > 0 && step%t.cfg.GenEvery == 0) || last) {
			if err := t.sample(); err != nil {
				return fmt.Errorf("step %d sample: %w", step, err)
			}
		}
		if _, err := t.TrainStep(step); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
	}
	// Nobody leaves before rank 0 has written the last checkpoint.
	return distributed.Barrier(t.comm)
}

// Validate averages ValLossSteps forward-only losses from the start of the val
// split, then across ranks. Rank 0 logs it and, past step 0, checkpoints.
func (t *Trainer) Validate(step int, last bool) (float64, error) {
	if err := t.valLoader.Reset(); err != nil {
		return 0, err
	}
	acc := 0.0
	for i := 0; i < t.cfg.ValLossSteps; i++ {
		b, err := t.valLoader.NextBatch()
		if err != nil {
			return 0, err
		}
		out, err := t.model.Forward(b.Inputs, b.Targets)
		if err != nil {
			return 0, err
		}
		acc += out.Loss / float64(t.cfg.ValLossSteps)
	}
	loss, err := distributed.AllReduceScalar(t.comm, acc, distributed.Avg)
	if err != nil {
		return 0, err
	}
	if t.metrics != nil {
		t.metrics.observeVal(t.proc.Rank, loss)
	}
	if !t.proc.IsMaster() {
		return loss, nil
	}
	fmt.Fprintf(t.console, "validation loss: %.4f\n", loss)
	if err := t.log.Log(step, "val", loss); err != nil {
		return 0, err
	}
	if step > 0 || last {
		if err := t.checkpoint(step, loss); err != nil {
			return 0, err
		}
	}
	return loss, nil
}

func (t *Trainer) checkpoint(step int, valLoss float64) error {
	path := filepath.Join(t.cfg.LogDir, fmt.Sprintf("model_%05d.gob", step))
	state := t.opt.State()
	ck := &transformer.Checkpoint{
		Config:    t.model.Config,
		Model:     t.model.StateDict(),
		Optimizer: &state,
		Step:      step,
		ValLoss:   valLoss,
	}
	if err := transformer.SaveCheckpoint(path, ck); err != nil {
		return err
	}
	return t.catalog.Record(step, path, valLoss)
}

// EvalHellaSwag scores every example whose index maps to this rank and sums
// the counts across ranks.
func (t *Trainer) EvalHellaSwag(step int) (float64, error) {
	world, rank := t.proc.WorldSize, t.proc.Rank
	correct, total := 0, 0
	err := IO.IterateHellaSwag(t.cfg.HellaSwagPath, func(i int, ex IO.HellaSwagExample) error {
		if i%world != rank {
			return nil
		}
		r, err := IO.RenderHellaSwag(ex, t.tok)
		if err != nil {
			return err
		}
		out, err := t.model.Forward(r.Tokens, nil)
		if err != nil {
			return err
		}
		if IO.MostLikelyRow(r.Tokens, r.Mask, out.Logits) == r.Label {
			correct++
		}
		total++
		return nil
	})
	if err != nil {
		return 0, err
	}
	counts := []float64{float64(correct), float64(total)}
	if err := t.comm.AllReduce(counts, distributed.Sum); err != nil {
		return 0, err
	}
	acc := 0.0
	if counts[1] > 0 {
		acc = counts[0] / counts[1]
	}
	if t.metrics != nil {
		t.metrics.observeHellaSwag(rank, acc)
	}
	if t.proc.IsMaster() {
		fmt.Fprintf(t.console, "HellaSwag accuracy: %d/%d=%.4f\n", int(counts[0]), int(counts[1]), acc)
		if err := t.log.Log(step, "hella", acc); err != nil {
			return 0, err
		}
	}
	return acc, nil
}

// sample prints a few continuations of a fixed prompt from every rank.
func (t *Trainer) sample() error {
	prompt, err := t.tok.Encode(samplePrompt)
	if err != nil {
		return err
	}
	maxLen := min(sampleLength, t.model.Config.ContextLength)
	seqs, err := sampler.Generate(t.model, prompt, sampleSequences, maxLen, sampleSeed+uint64(t.proc.Rank))
	if err != nil {
		return err
	}
	for i, s := range seqs {
		text, err := t.tok.Decode(s)
		if err != nil {
			return err
		}
		fmt.Fprintf(t.console, "rank %d sample %d: %s\n", t.proc.Rank, i, text)
	}
	return nil
}

// TrainStep runs one macro-step: GradAccumSteps micro-batches, one gradient
// average across ranks, clipping, the scheduled learning rate and one AdamW
// update.
func (t *Trainer) TrainStep(step int) (StepStats, error) {
	t0 := time.Now()
	t.opt.ZeroGrad()

	n := t.gradAccumSteps
	scale := 1 / float64(n)
	lossAccum := 0.0
	for micro := 0; micro < n; micro++ {
		b, err := t.trainLoader.NextBatch()
		if err != nil {
			return StepStats{}, err
		}
		out, err := t.model.Forward(b.Inputs, b.Targets)
		if err != nil {
			return StepStats{}, err
		}
		lossAccum += out.Loss * scale
		if err := t.backward(out, scale, micro == n-1); err != nil {
			return StepStats{}, err
		}
	}
	loss, err := distributed.AllReduceScalar(t.comm, lossAccum, distributed.Avg)
	if err != nil {
		return StepStats{}, err
	}

	norm := utils.ClipGradNorm(t.cfg.GradClip, t.grads...)
	lr := t.sched.LR(step)
	t.opt.SetLR(lr)
	t.opt.Step()

	dt := time.Since(t0)
	tokens := t.cfg.MicroBatch * t.cfg.SeqLen * n * t.proc.WorldSize
	stats := StepStats{
		Step:         step,
		Loss:         loss,
		LR:           lr,
		Norm:         norm,
		Duration:     dt,
		TokensPerSec: float64(tokens) / max(dt.Seconds(), 1e-9),
	}
	if t.metrics != nil {
		t.metrics.observeStep(t.proc.Rank, stats)
	}
	if t.proc.IsMaster() {
		fmt.Fprintf(t.console, "step:%5d | loss: %.6f | lr: %.4e | norm: %.4f | dt: %.2fms | tok/sec: %.2f\n",
			step, loss, lr, norm, float64(dt.Microseconds())/1000, stats.TokensPerSec)
		if err := t.log.Log(step, "train", loss); err != nil {
			return StepStats{}, err
		}
	}
	return stats, nil
}

// backward accumulates the scaled gradients of out. The accumulated
// gradients are averaged across ranks only when sync is set.
func (t *Trainer) backward(out *transformer.Output, scale float64, sync bool) error {
	if err := t.model.Backward(out, scale); err != nil {
		return err
	}
	if !sync || t.proc.WorldSize == 1 {
		return nil
	}
	t.gradBuf = utils.Flatten(t.gradBuf, t.grads...)
	if err := t.comm.AllReduce(t.gradBuf, distributed.Avg); err != nil {
		return err
	}
	utils.Unflatten(t.gradBuf, t.grads...)
	return nil
}

// Close releases the rank-0 checkpoint catalog.
func (t *Trainer) Close() error {
	if t.catalog != nil {
		return t.catalog.Close()
	}
	return nil
}
