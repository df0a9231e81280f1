package train

import "math"

// CosineSchedule is linear warmup followed by cosine decay to MinLR.
type CosineSchedule struct {
	MaxLR       float64
	MinLR       float64
	WarmupSteps int
	MaxSteps    int
}

// NewCosineSchedule floors the decay at a tenth of the peak.
func NewCosineSchedule(maxLR float64, warmupSteps, maxSteps int) CosineSchedule {
	return CosineSchedule{MaxLR: maxLR, MinLR: 0.1 * maxLR, WarmupSteps: warmupSteps, MaxSteps: maxSteps}
}

func (s CosineSchedule) LR(step int) float64 {
	if step < s.WarmupSteps {
		return s.MaxLR * float64(step+1) / float64(s.WarmupSteps)
	}
	if step > s.MaxSteps {
		return s.MinLR
	}
	span := s.MaxSteps - s.WarmupSteps
	if span <= 0 {
		return s.MinLR
	}
	x := float64(step-s.WarmupSteps) / float64(span)
	coeff := 0.5 * (1 + math.Cos(math.Pi*x))
	return s.MinLR + coeff*(s.MaxLR-s.MinLR)
}
