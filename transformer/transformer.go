package transformer

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/abhinavsb3/Reproduce-Gpt2/optimizations"
	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
	"gonum.org/v1/gonum/mat"
)

const (
	layerNormEps = 1e-5
	initStd      = 0.02
)

var (
	ErrSequenceTooLong = errors.New("sequence longer than context length")
	ErrInvalidBatch    = errors.New("invalid token batch")
	ErrNoLoss          = errors.New("forward output has no loss")
)

// Model is a GPT-2 decoder. LMHead and Wte are the same Param.
type Model struct {
	Config params.ModelConfig

	Wte    *optimizations.Param // (vocab x C)
	Wpe    *optimizations.Param // (context x C)
	Blocks []TransformerBlock
	LnF    *optimizations.LayerNorm
	LMHead *optimizations.Param

	// ResidualContracting holds the projections that write into the residual
	// stream (attn.c_proj and mlp.c_proj of every block).
	ResidualContracting []*optimizations.Param

	Autocast bool // round activations to bfloat16
	Workers  int  // rows computed concurrently in Forward

	params []*optimizations.Param
}

// NewModel validates cfg, allocates every parameter and initializes them from seed.
func NewModel(cfg params.ModelConfig, seed uint64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	C := cfg.NEmbd
	m := &Model{
		Config:  cfg,
		Wte:     optimizations.NewMatrix("transformer.wte.weight", cfg.VocabSize, C),
		Wpe:     optimizations.NewMatrix("transformer.wpe.weight", cfg.ContextLength, C),
		Blocks:  make([]TransformerBlock, cfg.NLayer),
		LnF:     optimizations.NewLayerNorm("transformer.ln_f", C, layerNormEps),
		Workers: runtime.GOMAXPROCS(0),
	}
	m.LMHead = m.Wte

	for l := range m.Blocks {
		m.Blocks[l] = newBlock(fmt.Sprintf("transformer.h.%d", l), cfg)
		m.ResidualContracting = append(m.ResidualContracting,
			m.Blocks[l].Attn.CProj.W, m.Blocks[l].Mlp.CProj.W)
	}

	m.params = append(m.params, m.Wte, m.Wpe)
	for l := range m.Blocks {
		m.params = append(m.params, m.Blocks[l].params()...)
	}
	m.params = append(m.params, m.LnF.Gamma, m.LnF.Beta)

	m.initWeights(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return m, nil
}

// initWeights draws N(0, 0.02) for embeddings and linear weights and
// N(0, 0.02/sqrt(2*n_layer)) for the residual projections. Biases stay zero
// and LayerNorm starts at gain 1, bias 0.
func (m *Model) initWeights(src rand.Source) {
	residual := make(map[*optimizations.Param]bool, len(m.ResidualContracting))
	for _, p := range m.ResidualContracting {
		residual[p] = true
	}
	fill := func(p *optimizations.Param, std float64) {
		r, c := p.Value.Dims()
		copy(p.Value.RawMatrix().Data, utils.NormalArray(r*c, std, src))
	}

	fill(m.Wte, initStd)
	fill(m.Wpe, initStd)
	for l := range m.Blocks {
		b := &m.Blocks[l]
		for _, lin := range []*Linear{b.Attn.CAttn, b.Attn.CProj, b.Mlp.CFc, b.Mlp.CProj} {
			std := initStd
			if residual[lin.W] {
				std *= 1 / math.Sqrt(2*float64(m.Config.NLayer))
			}
			fill(lin.W, std)
		}
	}
}

// Parameters returns every trainable tensor once, in state-dict order.
// The tied LM head appears only as transformer.wte.weight.
func (m *Model) Parameters() []*optimizations.Param { return m.params }

func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += p.NumElements()
	}
	return n
}

func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// Output of one forward pass. Logits[b] is (T x vocab).
type Output struct {
	Logits  []*mat.Dense
	Loss    float64
	HasLoss bool

	traces  []*rowTrace
	targets [][]int
}

type rowTrace struct {
	ids    []int
	blocks []*blockCache
	lnf    *optimizations.LayerNormCache
	xf     *mat.Dense // ln_f output (C x T)
	logits *mat.Dense
}

func (m *Model) checkBatch(ids, targets [][]int) (int, int, error) {
	B := len(ids)
	if B == 0 || len(ids[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	T := len(ids[0])
	if T > m.Config.ContextLength {
		return 0, 0, fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, T, m.Config.ContextLength)
	}
	if targets != nil && len(targets) != B {
		return 0, 0, fmt.Errorf("%w: %d target rows for %d inputs", ErrInvalidBatch, len(targets), B)
	}
	V := m.Config.VocabSize
	for b := range ids {
		if len(ids[b]) != T {
			return 0, 0, fmt.Errorf("%w: row %d has length %d, want %d", ErrInvalidBatch, b, len(ids[b]), T)
		}
		for _, id := range ids[b] {
			if id < 0 || id >= V {
				return 0, 0, fmt.Errorf("%w: token %d outside vocab %d", ErrInvalidBatch, id, V)
			}
		}
		if targets == nil {
			continue
		}
		if len(targets[b]) != T {
			return 0, 0, fmt.Errorf("%w: target row %d has length %d, want %d", ErrInvalidBatch, b, len(targets[b]), T)
		}
		for _, id := range targets[b] {
			if id < 0 || id >= V {
				return 0, 0, fmt.Errorf("%w: target %d outside vocab %d", ErrInvalidBatch, id, V)
			}
		}
	}
	return B, T, nil
}

// Forward computes logits for a (B x T) batch of token ids, and the mean
// cross-entropy over all B*T positions when targets is non-nil.
func (m *Model) Forward(ids, targets [][]int) (*Output, error) {
	B, T, err := m.checkBatch(ids, targets)
	if err != nil {
		return nil, err
	}
	mask := utils.CausalMask(T)
	out := &Output{
		Logits: make([]*mat.Dense, B),
		traces: make([]*rowTrace, B),
	}
	parallelRows(B, m.Workers, func(b int) {
		tr := m.forwardRow(ids[b], mask)
		out.traces[b] = tr
		out.Logits[b] = tr.logits
	})

	if targets != nil {
		total := 0.0
		for b := 0; b < B; b++ {
			for t := 0; t < T; t++ {
				loss, _ := utils.CrossEntropyWithIndex(out.Logits[b].RawRowView(t), targets[b][t])
				total += loss
			}
		}
		out.Loss = total / float64(B*T)
		out.HasLoss = true
		out.targets = targets
	}
	return out, nil
}

func (m *Model) forwardRow(ids []int, mask *mat.Dense) *rowTrace {
	T, C, V := len(ids), m.Config.NEmbd, m.Config.VocabSize

	x := mat.NewDense(C, T, nil)
	for t, id := range ids {
		tok := m.Wte.Value.RawRowView(id)
		pos := m.Wpe.Value.RawRowView(t)
		for c := 0; c < C; c++ {
			x.Set(c, t, tok[c]+pos[c])
		}
	}

	tr := &rowTrace{ids: ids, blocks: make([]*blockCache, len(m.Blocks))}
	for l := range m.Blocks {
		x, tr.blocks[l] = m.Blocks[l].Forward(x, mask, m.Autocast)
	}
	tr.xf, tr.lnf = m.LnF.Forward(x)

	// logits[t, v] = xf[:, t] . wte[v, :]
	tr.logits = mat.NewDense(T, V, nil)
	tr.logits.Mul(tr.xf.T(), m.LMHead.Value.T())
	if m.Autocast {
		utils.RoundBF16InPlace(tr.logits)
	}
	return tr
}

// Backward accumulates d(scale*loss)/dθ into every parameter's Grad.
// Rows are processed in order so repeated calls sum deterministically.
func (m *Model) Backward(out *Output, scale float64) error {
	if out == nil || !out.HasLoss {
		return ErrNoLoss
	}
	B := len(out.traces)
	T := len(out.targets[0])
	V, C := m.Config.VocabSize, m.Config.NEmbd
	norm := scale / float64(B*T)

	for b, tr := range out.traces {
		dLogits := mat.NewDense(T, V, nil)
		for t := 0; t < T; t++ {
			probs := utils.Softmax(tr.logits.RawRowView(t))
			row := dLogits.RawRowView(t)
			for v, p := range probs {
				row[v] = p * norm
			}
			row[out.targets[b][t]] -= norm
		}

		dW := mat.NewDense(V, C, nil)
		dW.Mul(dLogits.T(), tr.xf.T())
		m.LMHead.Grad.Add(m.LMHead.Grad, dW)

		dXf := mat.NewDense(C, T, nil)
		dXf.Mul(m.LMHead.Value.T(), dLogits.T())
		dx := m.LnF.Backward(dXf, tr.lnf)
		for l := len(m.Blocks) - 1; l >= 0; l-- {
			dx = m.Blocks[l].Backward(dx, tr.blocks[l])
		}

		for t, id := range tr.ids {
			tok := m.Wte.Grad.RawRowView(id)
			pos := m.Wpe.Grad.RawRowView(t)
			for c := 0; c < C; c++ {
				g := dx.At(c, t)
				tok[c] += g
				pos[c] += g
			}
		}
	}
	return nil
}
