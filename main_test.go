package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abhinavsb3/Reproduce-Gpt2/IO"
	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"github.com/spf13/cobra"
)

func TestTrainFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")
	if err := os.WriteFile(path, []byte(`{"MaxSteps": 7, "MicroBatch": 8, "LogDir": "from-file"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	var f trainFlags
	cmd := &cobra.Command{Use: "train"}
	f.bind(cmd)
	if err := cmd.ParseFlags([]string{"--config", path, "--micro-batch", "16", "--data", "shards"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := f.config(cmd)
	if err != nil {
		t.Fatal(err)
	}
	def := params.DefaultTrainingConfig()
	if cfg.MaxSteps != 7 || cfg.LogDir != "from-file" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.MicroBatch != 16 || cfg.DataDir != "shards" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.SeqLen != def.SeqLen || cfg.TotalBatchSize != def.TotalBatchSize {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestTrainFlagsRejectInvalidConfig(t *testing.T) {
	var f trainFlags
	cmd := &cobra.Command{Use: "train"}
	f.bind(cmd)
	if err := cmd.ParseFlags([]string{"--seq-len", "4096"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.config(cmd); err == nil {
		t.Fatal("expected error for seq len beyond context")
	}
}

func TestLocalRanksTrainEndToEnd(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	os.MkdirAll(data, 0o755)
	toks := make([]int32, 120)
	for i := range toks {
		toks[i] = int32((3*i + 1) % 11)
	}
	for _, name := range []string{"x_val_000000.npy", "x_train_000001.npy"} {
		if err := IO.WriteShard(filepath.Join(data, name), toks); err != nil {
			t.Fatal(err)
		}
	}

	cfg := params.DefaultTrainingConfig()
	cfg.Model = params.ModelConfig{ContextLength: 8, VocabSize: 11, NLayer: 1, NHead: 2, NEmbd: 8}
	cfg.DataDir = data
	cfg.LogDir = filepath.Join(dir, "log")
	cfg.TotalBatchSize = 16
	cfg.MicroBatch = 1
	cfg.SeqLen = 4
	cfg.WarmupSteps = 1
	cfg.MaxSteps = 2
	cfg.ValEvery = 1
	cfg.ValLossSteps = 1
	cfg.EvalEvery = 0
	if err := runTrain(cfg, "", 2); err != nil {
		t.Fatal(err)
	}
	entries, err := IO.ReadLog(filepath.Join(cfg.LogDir, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("log entries %+v", entries)
	}
	if _, err := loadModel("latest", filepath.Join(cfg.LogDir, "checkpoints.db"), "", ""); err != nil {
		t.Fatal(err)
	}
}

func TestDownsampleAverages(t *testing.T) {
	steps := []int{0, 1, 2, 3, 4, 5}
	values := []float64{1, 3, 5, 7, 9, 11}
	s, v := downsample(steps, values, 3)
	if len(s) != 3 || s[1] != 2 || v[0] != 2 || v[2] != 10 {
		t.Fatalf("got %v %v", s, v)
	}
	if _, v := downsample(steps, values, 10); len(v) != 6 {
		t.Fatalf("short series must pass through, got %v", v)
	}
}

func TestASCIIPlot(t *testing.T) {
	var buf bytes.Buffer
	asciiPlot(&buf, []int{0, 250, 500}, []float64{10, 5, 0})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	// max label, 10 rows, axis, min label
	if len(lines) != 13 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[1] != "█  " || lines[10] != "██ " {
		t.Fatalf("unexpected bars:\n%s", buf.String())
	}
	if !strings.Contains(lines[12], "steps 0..500") {
		t.Fatalf("missing step range: %q", lines[12])
	}
}
