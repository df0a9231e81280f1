package optimizations

import "gonum.org/v1/gonum/mat"

// Param is one trainable tensor with its accumulated gradient.
// Matrices are stored (out x in); vectors are (n x 1) columns with Rank 1.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
	Rank  int
}

func NewMatrix(name string, r, c int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
		Rank:  2,
	}
}

func NewVector(name string, n int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(n, 1, nil),
		Grad:  mat.NewDense(n, 1, nil),
		Rank:  1,
	}
}

func (p *Param) ZeroGrad() { p.Grad.Zero() }

func (p *Param) NumElements() int {
	r, c := p.Value.Dims()
	return r * c
}

// Grads returns the gradient matrices of ps in order.
func Grads(ps []*Param) []*mat.Dense {
	out := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		out[i] = p.Grad
	}
	return out
}
