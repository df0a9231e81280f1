package transformer

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/abhinavsb3/Reproduce-Gpt2/optimizations"
	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"gonum.org/v1/gonum/mat"
)

func tinyConfig() params.ModelConfig {
	return params.ModelConfig{ContextLength: 8, VocabSize: 11, NLayer: 2, NHead: 2, NEmbd: 8}
}

func tinyModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(tinyConfig(), 7)
	if err != nil {
		t.Fatal(err)
	}
	// Larger than the default init so gradients are not vanishingly small.
	for _, p := range m.Parameters() {
		if p.Rank == 1 && strings.HasSuffix(p.Name, ".bias") {
			r, _ := p.Value.Dims()
			for i := 0; i < r; i++ {
				p.Value.Set(i, 0, 0.01*float64(i%3))
			}
		}
	}
	return m
}

func finiteDiffCheck(t *testing.T, name string, param, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()

	param.Set(i, j, w0-eps)
	lm := forward()

	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-7+1e-4*math.Abs(numGrad) {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.8g ana=%.8g",
			name, i, j, numGrad, anaGrad)
	}
}

func TestNewModelRejectsIndivisibleHeads(t *testing.T) {
	cfg := tinyConfig()
	cfg.NHead = 3
	if _, err := NewModel(cfg, 0); !errors.Is(err, params.ErrHeadDivisibility) {
		t.Fatalf("expected ErrHeadDivisibility, got %v", err)
	}
}

func TestWeightTying(t *testing.T) {
	m := tinyModel(t)
	if m.LMHead != m.Wte {
		t.Fatal("lm head is not the token embedding")
	}

	ids := [][]int{{1, 2, 3}}
	before, err := m.Forward(ids, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Changing one embedding row must change that logit column.
	m.Wte.Value.Set(5, 0, m.Wte.Value.At(5, 0)+1)
	after, _ := m.Forward(ids, nil)
	if before.Logits[0].At(0, 5) == after.Logits[0].At(0, 5) {
		t.Fatal("logit for token 5 ignores wte row 5")
	}

	for _, p := range m.Parameters() {
		if p.Name == "lm_head.weight" {
			t.Fatal("tied head listed twice")
		}
	}
}

func TestParameterCount(t *testing.T) {
	cfg := tinyConfig()
	m := tinyModel(t)
	C, V := cfg.NEmbd, cfg.VocabSize
	want := V*C + cfg.ContextLength*C + cfg.NLayer*(12*C*C+13*C) + 2*C
	if got := m.NumParams(); got != want {
		t.Fatalf("params = %d, want %d", got, want)
	}
	if len(m.Parameters()) != 2+12*cfg.NLayer+2 {
		t.Fatalf("tensor count = %d", len(m.Parameters()))
	}
}

func TestResidualContractingInit(t *testing.T) {
	cfg := params.ModelConfig{ContextLength: 4, VocabSize: 16, NLayer: 8, NHead: 4, NEmbd: 64}
	m, err := NewModel(cfg, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.ResidualContracting) != 2*cfg.NLayer {
		t.Fatalf("residual list has %d entries", len(m.ResidualContracting))
	}
	for _, p := range m.ResidualContracting {
		if !strings.HasSuffix(p.Name, "c_proj.weight") {
			t.Fatalf("unexpected residual param %s", p.Name)
		}
	}
	std := func(p *optimizations.Param) float64 {
		data := p.Value.RawMatrix().Data
		s := 0.0
		for _, v := range data {
			s += v * v
		}
		return math.Sqrt(s / float64(len(data)))
	}
	wantRes := 0.02 / math.Sqrt(2*float64(cfg.NLayer))
	if got := std(m.Blocks[0].Mlp.CProj.W); math.Abs(got-wantRes) > 0.1*wantRes {
		t.Fatalf("residual std = %v, want ~%v", got, wantRes)
	}
	if got := std(m.Blocks[0].Mlp.CFc.W); math.Abs(got-0.02) > 0.002 {
		t.Fatalf("c_fc std = %v, want ~0.02", got)
	}
	if m.Blocks[0].Ln1.Gamma.Value.At(3, 0) != 1 || m.Blocks[0].Attn.CAttn.B.Value.At(3, 0) != 0 {
		t.Fatal("layernorm gain or bias init wrong")
	}
}

func TestInitIsSeeded(t *testing.T) {
	a, _ := NewModel(tinyConfig(), 3)
	b, _ := NewModel(tinyConfig(), 3)
	c, _ := NewModel(tinyConfig(), 4)
	if !mat.Equal(a.Wte.Value, b.Wte.Value) {
		t.Fatal("same seed, different init")
	}
	if mat.Equal(a.Wte.Value, c.Wte.Value) {
		t.Fatal("different seeds, same init")
	}
}

func TestCausality(t *testing.T) {
	m := tinyModel(t)
	a := [][]int{{1, 2, 3, 4, 5, 6}}
	b := [][]int{{1, 2, 3, 9, 0, 7}}
	oa, err := m.Forward(a, nil)
	if err != nil {
		t.Fatal(err)
	}
	ob, _ := m.Forward(b, nil)
	for pos := 0; pos < 3; pos++ {
		ra, rb := oa.Logits[0].RawRowView(pos), ob.Logits[0].RawRowView(pos)
		for v := range ra {
			if ra[v] != rb[v] {
				t.Fatalf("logit[%d,%d] depends on future tokens", pos, v)
			}
		}
	}
	if oa.Logits[0].At(3, 0) == ob.Logits[0].At(3, 0) {
		t.Fatal("position 3 ignores its own token")
	}
}

func TestForwardValidation(t *testing.T) {
	m := tinyModel(t)
	long := make([]int, m.Config.ContextLength+1)
	if _, err := m.Forward([][]int{long}, nil); !errors.Is(err, ErrSequenceTooLong) {
		t.Fatalf("expected ErrSequenceTooLong, got %v", err)
	}
	cases := []struct {
		name    string
		ids     [][]int
		targets [][]int
	}{
		{"empty", nil, nil},
		{"ragged", [][]int{{1, 2}, {1}}, nil},
		{"vocab", [][]int{{1, 11}}, nil},
		{"target rows", [][]int{{1, 2}}, [][]int{{1, 2}, {2, 3}}},
		{"target length", [][]int{{1, 2}}, [][]int{{1}}},
	}
	for _, c := range cases {
		if _, err := m.Forward(c.ids, c.targets); !errors.Is(err, ErrInvalidBatch) {
			t.Errorf("%s: expected ErrInvalidBatch, got %v", c.name, err)
		}
	}
	out, _ := m.Forward([][]int{{1, 2}}, nil)
	if out.HasLoss {
		t.Fatal("loss reported without targets")
	}
	if err := m.Backward(out, 1); !errors.Is(err, ErrNoLoss) {
		t.Fatalf("expected ErrNoLoss, got %v", err)
	}
}

func TestInitialLossNearUniform(t *testing.T) {
	m, _ := NewModel(tinyConfig(), 5)
	out, err := m.Forward([][]int{{1, 2, 3, 4}, {5, 6, 7, 8}}, [][]int{{2, 3, 4, 5}, {6, 7, 8, 9}})
	if err != nil {
		t.Fatal(err)
	}
	want := math.Log(float64(m.Config.VocabSize))
	if math.Abs(out.Loss-want) > 0.1 {
		t.Fatalf("initial loss = %v, want ~%v", out.Loss, want)
	}
}

func TestLossIsMeanOverAllPositions(t *testing.T) {
	m := tinyModel(t)
	idx := [][]int{{1, 2, 3}, {4, 5, 6}}
	targets := [][]int{{2, 3, 4}, {5, 6, 0}}
	out, err := m.Forward(idx, targets)
	if err != nil {
		t.Fatal(err)
	}
	want := 0.0
	for b := range idx {
		for pos, gold := range targets[b] {
			row := out.Logits[b].RawRowView(pos)
			hi := row[0]
			for _, v := range row {
				hi = max(hi, v)
			}
			z := 0.0
			for _, v := range row {
				z += math.Exp(v - hi)
			}
			want += hi + math.Log(z) - row[gold]
		}
	}
	want /= 6
	if !out.HasLoss || math.Abs(out.Loss-want) > 1e-10 {
		t.Fatalf("loss = %v, want %v", out.Loss, want)
	}
}

func TestParallelRowsMatchSerial(t *testing.T) {
	m := tinyModel(t)
	ids := [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10, 0, 1}}
	m.Workers = 1
	serial, _ := m.Forward(ids, nil)
	m.Workers = 4
	par, _ := m.Forward(ids, nil)
	for b := range ids {
		if !mat.Equal(serial.Logits[b], par.Logits[b]) {
			t.Fatalf("row %d differs between serial and parallel", b)
		}
	}
}

func TestModelGradCheck(t *testing.T) {
	m := tinyModel(t)
	ids := [][]int{{1, 2, 3, 4}, {4, 3, 2, 1}}
	targets := [][]int{{2, 3, 4, 5}, {3, 2, 1, 0}}

	forward := func() float64 {
		out, err := m.Forward(ids, targets)
		if err != nil {
			t.Fatal(err)
		}
		return out.Loss
	}

	m.ZeroGrad()
	out, _ := m.Forward(ids, targets)
	if err := m.Backward(out, 1); err != nil {
		t.Fatal(err)
	}

	b0, b1 := &m.Blocks[0], &m.Blocks[1]
	checks := []struct {
		name string
		p    *optimizations.Param
		i, j int
	}{
		{"wte", m.Wte, 2, 3},
		{"wte(unused row)", m.Wte, 9, 1},
		{"wpe", m.Wpe, 1, 0},
		{"h0.c_attn.q", b0.Attn.CAttn.W, 1, 2},
		{"h0.c_attn.k", b0.Attn.CAttn.W, 9, 4},
		{"h0.c_attn.v", b0.Attn.CAttn.W, 20, 7},
		{"h0.c_attn.bias", b0.Attn.CAttn.B, 17, 0},
		{"h0.attn.c_proj", b0.Attn.CProj.W, 3, 5},
		{"h1.mlp.c_fc", b1.Mlp.CFc.W, 30, 6},
		{"h1.mlp.c_fc.bias", b1.Mlp.CFc.B, 4, 0},
		{"h1.mlp.c_proj", b1.Mlp.CProj.W, 2, 11},
		{"h0.ln_1.weight", b0.Ln1.Gamma, 2, 0},
		{"h1.ln_2.bias", b1.Ln2.Beta, 6, 0},
		{"ln_f.weight", m.LnF.Gamma, 1, 0},
		{"ln_f.bias", m.LnF.Beta, 5, 0},
	}
	for _, c := range checks {
		finiteDiffCheck(t, c.name, c.p.Value, c.p.Grad, forward, c.i, c.j)
	}
}

func TestGradAccumulationEquivalence(t *testing.T) {
	ids := [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10, 1, 2}}
	targets := [][]int{{2, 3, 4}, {5, 6, 7}, {8, 9, 10}, {1, 2, 3}}

	full := tinyModel(t)
	out, _ := full.Forward(ids, targets)
	if err := full.Backward(out, 1); err != nil {
		t.Fatal(err)
	}

	acc := tinyModel(t)
	steps := 2
	for s := 0; s < steps; s++ {
		lo, hi := s*2, s*2+2
		o, _ := acc.Forward(ids[lo:hi], targets[lo:hi])
		if err := acc.Backward(o, 1/float64(steps)); err != nil {
			t.Fatal(err)
		}
	}

	fp, ap := full.Parameters(), acc.Parameters()
	for i := range fp {
		if !mat.EqualApprox(fp[i].Grad, ap[i].Grad, 1e-12) {
			t.Fatalf("%s: accumulated grad differs from full-batch grad", fp[i].Name)
		}
	}
}

func TestAutocastKeepsFloat64Params(t *testing.T) {
	m := tinyModel(t)
	m.Autocast = true
	out, err := m.Forward([][]int{{1, 2, 3}}, [][]int{{2, 3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(out.Loss) {
		t.Fatal("nan loss under autocast")
	}
	if err := m.Backward(out, 1); err != nil {
		t.Fatal(err)
	}
	v := out.Logits[0].At(0, 0)
	if float64(float32(v)) != v {
		t.Fatal("logits not rounded")
	}
}
