package optimizations

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		prow, grow := p.RawRowView(i), g.RawRowView(i)
		mrow, vrow := m.RawRowView(i), v.RawRowView(i)
		for j := 0; j < pc; j++ {
			gij := grow[j]
			mij := beta1*mrow[j] + (1.0-beta1)*gij
			vij := beta2*vrow[j] + (1.0-beta2)*gij*gij
			denom := math.Sqrt(vij*c2) + eps
			update := mij*c1/denom + weightDecay*prow[j]
			mrow[j] = mij
			vrow[j] = vij
			prow[j] -= lr * update
		}
	}
}

// ParamGroup shares one learning rate and weight decay.
type ParamGroup struct {
	Params      []*Param
	WeightDecay float64
	LR          float64
}

// AdamW with two groups: tensors of rank >= 2 decay, everything else does not.
type AdamW struct {
	Groups []*ParamGroup
	Beta1  float64
	Beta2  float64
	Eps    float64
	T      int

	m, v map[*Param]*mat.Dense
}

func NewAdamW(ps []*Param, lr, weightDecay, beta1, beta2, eps float64) *AdamW {
	decay := &ParamGroup{WeightDecay: weightDecay, LR: lr}
	noDecay := &ParamGroup{WeightDecay: 0, LR: lr}
	o := &AdamW{
		Groups: []*ParamGroup{decay, noDecay},
		Beta1:  beta1,
		Beta2:  beta2,
		Eps:    eps,
		m:      make(map[*Param]*mat.Dense, len(ps)),
		v:      make(map[*Param]*mat.Dense, len(ps)),
	}
	for _, p := range ps {
		if p.Rank >= 2 {
			decay.Params = append(decay.Params, p)
		} else {
			noDecay.Params = append(noDecay.Params, p)
		}
		r, c := p.Value.Dims()
		o.m[p] = mat.NewDense(r, c, nil)
		o.v[p] = mat.NewDense(r, c, nil)
	}
	return o
}

// SetLR applies lr to every group.
func (o *AdamW) SetLR(lr float64) {
	for _, g := range o.Groups {
		g.LR = lr
	}
}

func (o *AdamW) Step() {
	o.T++
	for _, g := range o.Groups {
		for _, p := range g.Params {
			AdamUpdateInPlace(p.Value, p.Grad, o.m[p], o.v[p], o.T, g.LR, o.Beta1, o.Beta2, o.Eps, g.WeightDecay)
		}
	}
}

func (o *AdamW) ZeroGrad() {
	for _, g := range o.Groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// Summary reports tensor and element counts of the decayed and non-decayed groups.
func (o *AdamW) Summary() string {
	count := func(g *ParamGroup) (int, int) {
		n := 0
		for _, p := range g.Params {
			n += p.NumElements()
		}
		return len(g.Params), n
	}
	dt, dn := count(o.Groups[0])
	nt, nn := count(o.Groups[1])
	return fmt.Sprintf("num decayed parameter tensors: %d, with %d parameters\nnum non-decayed parameter tensors: %d, with %d parameters", dt, dn, nt, nn)
}

// AdamWState is the serializable optimizer state, keyed by parameter name.
type AdamWState struct {
	T     int
	Beta1 float64
	Beta2 float64
	Eps   float64
	LR    []float64
	M, V  map[string][]float64
}

func (o *AdamW) State() AdamWState {
	s := AdamWState{
		T: o.T, Beta1: o.Beta1, Beta2: o.Beta2, Eps: o.Eps,
		M: make(map[string][]float64, len(o.m)),
		V: make(map[string][]float64, len(o.v)),
	}
	for _, g := range o.Groups {
		s.LR = append(s.LR, g.LR)
		for _, p := range g.Params {
			s.M[p.Name] = append([]float64(nil), o.m[p].RawMatrix().Data...)
			s.V[p.Name] = append([]float64(nil), o.v[p].RawMatrix().Data...)
		}
	}
	return s
}

func (o *AdamW) LoadState(s AdamWState) error {
	for _, g := range o.Groups {
		for _, p := range g.Params {
			m, okM := s.M[p.Name]
			v, okV := s.V[p.Name]
			if !okM || !okV {
				return fmt.Errorf("optimizer state missing %q", p.Name)
			}
			if len(m) != p.NumElements() || len(v) != p.NumElements() {
				return fmt.Errorf("optimizer state for %q has %d elements, want %d", p.Name, len(m), p.NumElements())
			}
			copy(o.m[p].RawMatrix().Data, m)
			copy(o.v[p].RawMatrix().Data, v)
		}
	}
	if len(s.LR) == len(o.Groups) {
		for i, g := range o.Groups {
			g.LR = s.LR[i]
		}
	}
	o.T, o.Beta1, o.Beta2, o.Eps = s.T, s.Beta1, s.Beta2, s.Eps
	return nil
}
