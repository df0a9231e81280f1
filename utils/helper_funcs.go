package utils

import (
	"math"
	"math/rand/v2"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NormalArray draws size samples from N(0, std^2) using src.
func NormalArray(size int, std float64, src rand.Source) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = 1
		}
	}
	return out
}

func MatrixNorm(m *mat.Dense) float64 {
	r, _ := m.Dims()
	s := 0.0
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			s += v * v
		}
	}
	return math.Sqrt(s)
}

// ClipGradNorm rescales grads in place so that their joint L2 norm is at most
// maxNorm and returns the norm measured before clipping.
// The scale is maxNorm/(norm+1e-6), applied only when it is below 1.
func ClipGradNorm(maxNorm float64, grads ...*mat.Dense) float64 {
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		sum += n * n
	}
	total := math.Sqrt(sum)
	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef >= 1 {
		return total
	}
	for _, g := range grads {
		if g != nil {
			g.Scale(coef, g)
		}
	}
	return total
}

// Flatten copies every matrix into one contiguous buffer, row-major, in order.
func Flatten(dst []float64, ms ...*mat.Dense) []float64 {
	n := 0
	for _, m := range ms {
		r, c := m.Dims()
		n += r * c
	}
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	off := 0
	for _, m := range ms {
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			off += copy(dst[off:], m.RawRowView(i))
		}
	}
	return dst
}

// Unflatten is the inverse of Flatten.
func Unflatten(src []float64, ms ...*mat.Dense) {
	off := 0
	for _, m := range ms {
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			copy(m.RawRowView(i), src[off:off+c])
			off += c
		}
	}
}

// RoundBF16 rounds v to the nearest bfloat16 value (ties to even) and widens
// it back to float64.
func RoundBF16(v float64) float64 {
	f := float32(v)
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return float64(f)
	}
	bits := math.Float32bits(f)
	lsb := (bits >> 16) & 1
	bits += 0x7fff + lsb
	bits &= 0xffff0000
	return float64(math.Float32frombits(bits))
}

func RoundBF16InPlace(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j, v := range row {
			row[j] = RoundBF16(v)
		}
	}
}

// Widen converts a token slice of any integer width to []int.
func Widen[T constraints.Integer](src []T) []int {
	out := make([]int, len(src))
	for i, v := range src {
		out[i] = int(v)
	}
	return out
}
