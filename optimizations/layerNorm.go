package optimizations

import (
	"math"

	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes every column of a (d x T) activation.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *Param // (d x 1)
	Beta  *Param // (d x 1)
}

// LayerNormCache keeps what Backward needs. One per forward call, so several
// rows can run through the same LayerNorm concurrently.
type LayerNormCache struct {
	Xhat   *mat.Dense // (d x T)
	InvStd []float64  // per column
}

func NewLayerNorm(name string, d int, eps float64) *LayerNorm {
	g := NewVector(name+".weight", d)
	g.Value = utils.OnesLike(g.Value)
	return &LayerNorm{
		D:     d,
		Eps:   eps,
		Gamma: g,
		Beta:  NewVector(name+".bias", d),
	}
}

func (ln *LayerNorm) Forward(X *mat.Dense) (*mat.Dense, *LayerNormCache) {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, ln.Gamma.Value.At(i, 0)*n+ln.Beta.Value.At(i, 0))
		}
	}
	return out, &LayerNormCache{Xhat: xhat, InvStd: inv}
}

// Backward accumulates gamma/beta grads and returns dX.
func (ln *LayerNorm) Backward(dY *mat.Dense, c *LayerNormCache) *mat.Dense {
	d, T := dY.Dims()
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * c.Xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		ln.Gamma.Grad.Set(i, 0, ln.Gamma.Grad.At(i, 0)+sumDG)
		ln.Beta.Grad.Set(i, 0, ln.Beta.Grad.At(i, 0)+sumDB)
	}

	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := c.InvStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.Value.At(i, 0)
			sum1 += gy
			sum2 += gy * c.Xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.Value.At(i, 0)
			dX.Set(i, t, (float64(d)*gy-sum1-c.Xhat.At(i, t)*sum2)*(istd/float64(d)))
		}
	}
	return dX
}
