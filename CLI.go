package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/abhinavsb3/Reproduce-Gpt2/IO"
	"github.com/abhinavsb3/Reproduce-Gpt2/distributed"
	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"github.com/abhinavsb3/Reproduce-Gpt2/sampler"
	"github.com/abhinavsb3/Reproduce-Gpt2/train"
	"github.com/abhinavsb3/Reproduce-Gpt2/transformer"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gpt2",
		Short:         "Train and sample a GPT-2 (124M) language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newTrainCmd(),
		newLaunchCmd(),
		newGenerateCmd(),
		newExportCmd(),
		newImportCmd(),
		newPlotCmd(),
	)
	return root
}

// ---- train ----

type trainFlags struct {
	configPath    string
	dataDir       string
	logDir        string
	hellaSwagPath string
	tokenizerPath string
	metricsAddr   string
	localRanks    int
	maxSteps      int
	microBatch    int
	seqLen        int
	totalBatch    int
	valEvery      int
	evalEvery     int
	genEvery      int
	workers       int
	autocast      bool
}

func newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the training loop (one rank per process, or --local-ranks in this process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd)
			if err != nil {
				return err
			}
			return runTrain(cfg, f.tokenizerPath, f.localRanks)
		},
	}
	f.bind(cmd)
	return cmd
}

func (f *trainFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "JSON file overlaid on the default training config")
	fl.StringVar(&f.dataDir, "data", "", "shard directory")
	fl.StringVar(&f.logDir, "log-dir", "", "log and checkpoint directory")
	fl.StringVar(&f.hellaSwagPath, "hellaswag", "", "HellaSwag val jsonl (empty disables)")
	fl.StringVar(&f.tokenizerPath, "tokenizer", "", "HuggingFace tokenizer.json (default: built-in GPT-2 BPE)")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics here, port offset by local rank")
	fl.IntVar(&f.localRanks, "local-ranks", 1, "ranks to run as goroutines in this process")
	fl.IntVar(&f.maxSteps, "max-steps", 0, "optimizer steps")
	fl.IntVar(&f.microBatch, "micro-batch", 0, "sequences per micro-batch (B)")
	fl.IntVar(&f.seqLen, "seq-len", 0, "tokens per sequence (T)")
	fl.IntVar(&f.totalBatch, "total-batch-size", 0, "tokens per optimizer step across all ranks")
	fl.IntVar(&f.valEvery, "val-every", 0, "validate and checkpoint every N steps")
	fl.IntVar(&f.evalEvery, "eval-every", 0, "HellaSwag every N steps")
	fl.IntVar(&f.genEvery, "gen-every", 0, "print samples every N steps")
	fl.IntVar(&f.workers, "workers", 0, "goroutines per forward pass")
	fl.BoolVar(&f.autocast, "autocast", false, "round activations to bfloat16")
}

// config resolves defaults, then the JSON file, then explicitly set flags.
func (f *trainFlags) config(cmd *cobra.Command) (params.TrainingConfig, error) {
	cfg := params.DefaultTrainingConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = params.LoadTrainingConfig(f.configPath); err != nil {
			return cfg, err
		}
	}
	set := cmd.Flags().Changed
	if set("data") {
		cfg.DataDir = f.dataDir
	}
	if set("log-dir") {
		cfg.LogDir = f.logDir
	}
	if set("hellaswag") {
		cfg.HellaSwagPath = f.hellaSwagPath
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if set("max-steps") {
		cfg.MaxSteps = f.maxSteps
	}
	if set("micro-batch") {
		cfg.MicroBatch = f.microBatch
	}
	if set("seq-len") {
		cfg.SeqLen = f.seqLen
	}
	if set("total-batch-size") {
		cfg.TotalBatchSize = f.totalBatch
	}
	if set("val-every") {
		cfg.ValEvery = f.valEvery
	}
	if set("eval-every") {
		cfg.EvalEvery = f.evalEvery
	}
	if set("gen-every") {
		cfg.GenEvery = f.genEvery
	}
	if set("workers") {
		cfg.Workers = f.workers
	}
	if set("autocast") {
		cfg.Autocast = f.autocast
	}
	return cfg, cfg.Validate()
}

func runTrain(cfg params.TrainingConfig, tokenizerPath string, localRanks int) error {
	var tok IO.Tokenizer
	if cfg.HellaSwagPath != "" || cfg.GenEvery > 0 {
		var err error
		if tok, err = IO.LoadTokenizer(tokenizerPath); err != nil {
			return err
		}
	}
	if localRanks > 1 {
		return runLocalRanks(cfg, tok, localRanks)
	}

	proc, err := distributed.FromEnv()
	if err != nil {
		return err
	}
	metrics, stop, err := serveMetrics(cfg.MetricsAddr, proc.LocalRank)
	if err != nil {
		return err
	}
	defer stop()

	comm, err := distributed.Join(proc)
	if err != nil {
		return err
	}
	defer comm.Close()
	if proc.IsMaster() {
		fmt.Printf("running %d rank(s), this is rank %d\n", proc.WorldSize, proc.Rank)
	}

	tr, err := train.NewTrainer(train.Options{Config: cfg, Proc: proc, Comm: comm, Tokenizer: tok, Metrics: metrics})
	if err != nil {
		comm.Abort(err)
		return err
	}
	defer tr.Close()
	return tr.Run()
}

// runLocalRanks trains world ranks as goroutines over an in-process group.
func runLocalRanks(cfg params.TrainingConfig, tok IO.Tokenizer, world int) error {
	metrics, stop, err := serveMetrics(cfg.MetricsAddr, 0)
	if err != nil {
		return err
	}
	defer stop()

	groups := distributed.NewLocalGroup(world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for r, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc := distributed.ProcessContext{Rank: r, LocalRank: r, WorldSize: world, Distributed: true}
			tr, err := train.NewTrainer(train.Options{Config: cfg, Proc: proc, Comm: g, Tokenizer: tok, Metrics: metrics})
			if err != nil {
				g.Abort(err)
				errs[r] = err
				return
			}
			defer tr.Close()
			errs[r] = tr.Run()
		}()
	}
	wg.Wait()

	// Prefer the root cause over the peers' abort notices.
	var first error
	for r, err := range errs {
		if err == nil {
			continue
		}
		err = fmt.Errorf("rank %d: %w", r, err)
		if first == nil || (errors.Is(first, distributed.ErrAborted) && !errors.Is(err, distributed.ErrAborted)) {
			first = err
		}
	}
	return first
}

func serveMetrics(addr string, localRank int) (*train.Metrics, func(), error) {
	if addr == "" {
		return nil, func() {}, nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics port %q: %w", port, err)
	}
	if p != 0 {
		p += localRank
	}
	m := train.NewMetrics()
	srv, err := m.Serve(net.JoinHostPort(host, strconv.Itoa(p)))
	if err != nil {
		return nil, nil, err
	}
	fmt.Printf("metrics on http://%s/metrics\n", srv.Addr)
	return m, func() { srv.Close() }, nil
}

// ---- launch ----

func newLaunchCmd() *cobra.Command {
	var (
		nproc      int
		masterAddr string
	)
	cmd := &cobra.Command{
		Use:   "launch --nproc N -- train [flags]",
		Short: "Start N copies of this binary with the distributed environment set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := &distributed.Launcher{
				Args:       args,
				NProc:      nproc,
				MasterAddr: masterAddr,
				Stdout:     os.Stdout,
				Stderr:     os.Stderr,
			}
			return l.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&nproc, "nproc", 1, "processes to start on this host")
	cmd.Flags().StringVar(&masterAddr, "master-addr", "127.0.0.1:29500", "host:port of the rank-0 coordinator")
	return cmd
}

// ---- generate ----

func newGenerateCmd() *cobra.Command {
	var (
		checkpoint    string
		catalogPath   string
		pretrained    string
		modelType     string
		tokenizerPath string
		prompt        string
		numSequences  int
		maxLength     int
		seed          uint64
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample continuations of a prompt with top-k sampling",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadModel(checkpoint, catalogPath, pretrained, modelType)
			if err != nil {
				return err
			}
			tok, err := IO.LoadTokenizer(tokenizerPath)
			if err != nil {
				return err
			}
			ids, err := tok.Encode(prompt)
			if err != nil {
				return err
			}
			seqs, err := sampler.Generate(m, ids, numSequences, maxLength, seed)
			if err != nil {
				return err
			}
			for i, s := range seqs {
				text, err := tok.Decode(s)
				if err != nil {
					return err
				}
				fmt.Printf("rank 0 sample %d: %s\n", i, text)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&checkpoint, "checkpoint", "latest", "checkpoint file, or latest/best from the catalog")
	fl.StringVar(&catalogPath, "catalog", "log/checkpoints.db", "checkpoint catalog")
	fl.StringVar(&pretrained, "pretrained", "", "HuggingFace model.safetensors to sample from instead")
	fl.StringVar(&modelType, "model-type", "gpt2", "gpt2, gpt2-medium, gpt2-large or gpt2-xl")
	fl.StringVar(&tokenizerPath, "tokenizer", "", "HuggingFace tokenizer.json (default: built-in GPT-2 BPE)")
	fl.StringVar(&prompt, "prompt", "Hello, I'm a language model,", "prompt text")
	fl.IntVar(&numSequences, "num-sequences", 4, "independent samples")
	fl.IntVar(&maxLength, "max-length", 32, "tokens per sample, prompt included")
	fl.Uint64Var(&seed, "seed", 42, "sampling seed")
	return cmd
}

func loadModel(checkpoint, catalogPath, pretrained, modelType string) (*transformer.Model, error) {
	if pretrained != "" {
		return transformer.FromPretrained(modelType, pretrained)
	}
	path := checkpoint
	if checkpoint == "latest" || checkpoint == "best" {
		cat, err := IO.OpenCatalog(catalogPath)
		if err != nil {
			return nil, err
		}
		defer cat.Close()
		var rec IO.CheckpointRecord
		if checkpoint == "latest" {
			rec, err = cat.Latest()
		} else {
			rec, err = cat.Best()
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", catalogPath, err)
		}
		fmt.Printf("using checkpoint %s (step %d, val loss %.4f)\n", rec.Path, rec.Step, rec.ValLoss)
		path = rec.Path
	}
	ck, err := transformer.LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	return transformer.FromCheckpoint(ck)
}

// ---- export ----

func newExportCmd() *cobra.Command {
	var (
		input         string
		outDir        string
		prefix        string
		format        string
		tokenizerPath string
		shardSize     int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Tokenize a text corpus (one document per line) into val/train shards",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := IO.LoadTokenizer(tokenizerPath)
			if err != nil {
				return err
			}
			paths, err := IO.ExportShards(input, outDir, prefix, "."+format, shardSize, tok)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Println("wrote", p)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&input, "input", "", "text corpus")
	fl.StringVar(&outDir, "out", "edu_fineweb10B", "shard directory")
	fl.StringVar(&prefix, "prefix", "edufineweb", "shard file prefix")
	fl.StringVar(&format, "format", "npy", "npy or bin")
	fl.StringVar(&tokenizerPath, "tokenizer", "", "HuggingFace tokenizer.json (default: built-in GPT-2 BPE)")
	fl.IntVar(&shardSize, "shard-size", 100_000_000, "tokens per shard")
	cmd.MarkFlagRequired("input")
	return cmd
}

// ---- import ----

func newImportCmd() *cobra.Command {
	var (
		modelType   string
		safetensors string
		out         string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Convert published GPT-2 weights into a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("loading weights from pretrained gpt: %s\n", modelType)
			m, err := transformer.FromPretrained(modelType, safetensors)
			if err != nil {
				return err
			}
			ck := &transformer.Checkpoint{Config: m.Config, Model: m.StateDict()}
			if err := transformer.SaveCheckpoint(out, ck); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d parameters)\n", out, m.NumParams())
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&modelType, "model-type", "gpt2", "gpt2, gpt2-medium, gpt2-large or gpt2-xl")
	fl.StringVar(&safetensors, "safetensors", "", "HuggingFace model.safetensors")
	fl.StringVar(&out, "out", "gpt2.gob", "checkpoint to write")
	cmd.MarkFlagRequired("safetensors")
	return cmd
}
