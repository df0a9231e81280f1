package transformer

import (
	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
	"gonum.org/v1/gonum/mat"
)

// MLP: c_fc (C -> 4C), tanh GELU, c_proj (4C -> C).
type MLP struct {
	CFc   *Linear
	CProj *Linear
}

type mlpCache struct {
	x   *mat.Dense // input (C x T)
	pre *mat.Dense // c_fc output (4C x T)
	act *mat.Dense // gelu(pre)
}

func NewMLP(prefix string, cfg params.ModelConfig) *MLP {
	return &MLP{
		CFc:   newLinear(prefix+".c_fc", cfg.NEmbd, 4*cfg.NEmbd),
		CProj: newLinear(prefix+".c_proj", 4*cfg.NEmbd, cfg.NEmbd),
	}
}

func (m *MLP) Forward(X *mat.Dense, autocast bool) (*mat.Dense, *mlpCache) {
	pre := m.CFc.Forward(X, autocast)
	act := utils.Apply(utils.GeluApply, pre)
	return m.CProj.Forward(act, autocast), &mlpCache{x: X, pre: pre, act: act}
}

func (m *MLP) Backward(dY *mat.Dense, c *mlpCache) *mat.Dense {
	dAct := m.CProj.Backward(dY, c.act)
	dPre := utils.Multiply(dAct, utils.GeluPrime(c.pre))
	return m.CFc.Backward(dPre, c.x)
}
