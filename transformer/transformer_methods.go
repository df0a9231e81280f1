package transformer

import (
	"github.com/abhinavsb3/Reproduce-Gpt2/optimizations"
	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
	"gonum.org/v1/gonum/mat"
)

// Linear computes W X + b on (in x T) columns.
type Linear struct {
	W *optimizations.Param // (out x in)
	B *optimizations.Param // (out x 1)
}

func newLinear(name string, in, out int) *Linear {
	return &Linear{
		W: optimizations.NewMatrix(name+".weight", out, in),
		B: optimizations.NewVector(name+".bias", out),
	}
}

func (l *Linear) Forward(X *mat.Dense, autocast bool) *mat.Dense {
	out, _ := l.W.Value.Dims()
	_, T := X.Dims()
	y := mat.NewDense(out, T, nil)
	y.Mul(l.W.Value, X)
	utils.AddBiasInPlace(y, l.B.Value)
	if autocast {
		utils.RoundBF16InPlace(y)
	}
	return y
}

// Backward accumulates dW, db for the forward input X and returns dX.
func (l *Linear) Backward(dY, X *mat.Dense) *mat.Dense {
	out, in := l.W.Value.Dims()
	_, T := dY.Dims()

	dW := mat.NewDense(out, in, nil)
	dW.Mul(dY, X.T())
	l.W.Grad.Add(l.W.Grad, dW)

	for i, s := range utils.RowSums(dY) {
		l.B.Grad.Set(i, 0, l.B.Grad.At(i, 0)+s)
	}

	dX := mat.NewDense(in, T, nil)
	dX.Mul(l.W.Value.T(), dY)
	return dX
}

// TransformerBlock is the pre-norm residual unit:
// x = x + attn(ln_1(x)); x = x + mlp(ln_2(x))
type TransformerBlock struct {
	Ln1  *optimizations.LayerNorm
	Attn *Attention
	Ln2  *optimizations.LayerNorm
	Mlp  *MLP
}

type blockCache struct {
	ln1, ln2 *optimizations.LayerNormCache
	attn     *attnCache
	mlp      *mlpCache
}

func newBlock(prefix string, cfg params.ModelConfig) TransformerBlock {
	return TransformerBlock{
		Ln1:  optimizations.NewLayerNorm(prefix+".ln_1", cfg.NEmbd, layerNormEps),
		Attn: NewAttention(prefix+".attn", cfg),
		Ln2:  optimizations.NewLayerNorm(prefix+".ln_2", cfg.NEmbd, layerNormEps),
		Mlp:  NewMLP(prefix+".mlp", cfg),
	}
}

func (b *TransformerBlock) Forward(X, mask *mat.Dense, autocast bool) (*mat.Dense, *blockCache) {
	c := &blockCache{}
	h, ln1 := b.Ln1.Forward(X)
	a, ac := b.Attn.Forward(h, mask, autocast)
	c.ln1, c.attn = ln1, ac
	x := utils.Add(X, a)

	h2, ln2 := b.Ln2.Forward(x)
	m, mc := b.Mlp.Forward(h2, autocast)
	c.ln2, c.mlp = ln2, mc
	x.Add(x, m)
	return x, c
}

func (b *TransformerBlock) Backward(dY *mat.Dense, c *blockCache) *mat.Dense {
	// mlp branch
	dH2 := b.Mlp.Backward(dY, c.mlp)
	dX := b.Ln2.Backward(dH2, c.ln2)
	dX.Add(dX, dY)

	// attention branch
	dH := b.Attn.Backward(dX, c.attn)
	dIn := b.Ln1.Backward(dH, c.ln1)
	dIn.Add(dIn, dX)
	return dIn
}

func (b *TransformerBlock) params() []*optimizations.Param {
	return []*optimizations.Param{
		b.Ln1.Gamma, b.Ln1.Beta,
		b.Attn.CAttn.W, b.Attn.CAttn.B,
		b.Attn.CProj.W, b.Attn.CProj.B,
		b.Ln2.Gamma, b.Ln2.Beta,
		b.Mlp.CFc.W, b.Mlp.CFc.B,
		b.Mlp.CProj.W, b.Mlp.CProj.B,
	}
}
