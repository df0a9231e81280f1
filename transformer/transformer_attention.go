package transformer

import (
	"math"

	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
	"gonum.org/v1/gonum/mat"
)

// Attention is causal multi-head self-attention with fused Q/K/V.
// c_attn rows [0,C) produce queries, [C,2C) keys, [2C,3C) values;
// head h owns rows [h*dHead, (h+1)*dHead) of each.
type Attention struct {
	H      int
	DModel int
	DHead  int

	CAttn *Linear // (3C x C)
	CProj *Linear // (C x C)
}

type attnCache struct {
	x       *mat.Dense   // input (C x T)
	q, k, v []*mat.Dense // per head (dHead x T), views into qkv
	a       []*mat.Dense // per head attention weights (T x T)
	ocat    *mat.Dense   // concatenated head outputs (C x T)
}

func NewAttention(prefix string, cfg params.ModelConfig) *Attention {
	return &Attention{
		H:      cfg.NHead,
		DModel: cfg.NEmbd,
		DHead:  cfg.HeadDim(),
		CAttn:  newLinear(prefix+".c_attn", cfg.NEmbd, 3*cfg.NEmbd),
		CProj:  newLinear(prefix+".c_proj", cfg.NEmbd, cfg.NEmbd),
	}
}

// Forward maps X (C x T) to (C x T). mask is the (T x T) causal mask.
func (attn *Attention) Forward(X, mask *mat.Dense, autocast bool) (*mat.Dense, *attnCache) {
	_, T := X.Dims()
	C, dh := attn.DModel, attn.DHead
	qkv := attn.CAttn.Forward(X, autocast)

	c := &attnCache{
		x: X,
		q: make([]*mat.Dense, attn.H),
		k: make([]*mat.Dense, attn.H),
		v: make([]*mat.Dense, attn.H),
		a: make([]*mat.Dense, attn.H),
	}
	ocat := mat.NewDense(C, T, nil)
	rescale := 1.0 / math.Sqrt(float64(dh))

	for h := 0; h < attn.H; h++ {
		base := h * dh
		q := qkv.Slice(base, base+dh, 0, T).(*mat.Dense)
		k := qkv.Slice(C+base, C+base+dh, 0, T).(*mat.Dense)
		v := qkv.Slice(2*C+base, 2*C+base+dh, 0, T).(*mat.Dense)

		// scores[i,j] = q_i . k_j / sqrt(dHead)
		scores := mat.NewDense(T, T, nil)
		scores.Mul(q.T(), k)
		scores.Scale(rescale, scores)
		a := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(a, scores, mask)

		// o[:, i] = sum_j a[i,j] v[:, j]
		dst := ocat.Slice(base, base+dh, 0, T).(*mat.Dense)
		dst.Mul(v, a.T())

		c.q[h], c.k[h], c.v[h], c.a[h] = q, k, v, a
	}
	c.ocat = ocat
	return attn.CProj.Forward(ocat, autocast), c
}

// Backward accumulates c_attn/c_proj grads and returns dX.
func (attn *Attention) Backward(dY *mat.Dense, c *attnCache) *mat.Dense {
	_, T := dY.Dims()
	C, dh := attn.DModel, attn.DHead
	rescale := 1.0 / math.Sqrt(float64(dh))

	dOcat := attn.CProj.Backward(dY, c.ocat)
	dQKV := mat.NewDense(3*C, T, nil)

	for h := 0; h < attn.H; h++ {
		base := h * dh
		dO := dOcat.Slice(base, base+dh, 0, T)

		dV := dQKV.Slice(2*C+base, 2*C+base+dh, 0, T).(*mat.Dense)
		dV.Mul(dO, c.a[h])

		dA := mat.NewDense(T, T, nil)
		dA.Mul(dO.T(), c.v[h])
		dS := utils.SoftmaxBackward(dA, c.a[h])

		dQ := dQKV.Slice(base, base+dh, 0, T).(*mat.Dense)
		dQ.Mul(c.k[h], dS.T())
		dQ.Scale(rescale, dQ)

		dK := dQKV.Slice(C+base, C+base+dh, 0, T).(*mat.Dense)
		dK.Mul(c.q[h], dS)
		dK.Scale(rescale, dK)
	}
	return attn.CAttn.Backward(dQKV, c.x)
}
