// Package sampler draws continuations from a model with top-k sampling.
package sampler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/abhinavsb3/Reproduce-Gpt2/transformer"
	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
	"gonum.org/v1/gonum/stat/distuv"
)

// TopK is the number of candidates kept at every step.
const TopK = 50

var ErrEmptyPrompt = errors.New("empty prompt")

// Generate extends numSequences copies of prompt until each holds maxLength
// tokens. Every step runs a full forward pass over the whole sequence, keeps
// the TopK most probable next tokens (all of them when the vocabulary is
// smaller) and samples from their renormalized distribution. The random
// source is seeded once per call, so equal inputs give equal outputs.
func Generate(m *transformer.Model, prompt []int, numSequences, maxLength int, seed uint64) ([][]int, error) {
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	if numSequences < 1 {
		return nil, fmt.Errorf("num sequences must be positive, got %d", numSequences)
	}
	src := rand.NewPCG(seed, seed)

	rows := make([][]int, numSequences)
	for i := range rows {
		rows[i] = make([]int, len(prompt), max(maxLength, len(prompt)))
		copy(rows[i], prompt)
	}

	for len(rows[0]) < maxLength {
		out, err := m.Forward(rows, nil)
		if err != nil {
			return nil, err
		}
		for b, logits := range out.Logits {
			T, _ := logits.Dims()
			probs := utils.Softmax(logits.RawRowView(T - 1))
			rows[b] = append(rows[b], sampleTopK(probs, TopK, src))
		}
	}
	return rows, nil
}

// sampleTopK draws one index among the k largest entries of probs.
// Ties keep the lower index first so the candidate order is deterministic.
func sampleTopK(probs []float64, k int, src rand.Source) int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	idx = idx[:k]

	weights := make([]float64, k)
	for i, id := range idx {
		weights[i] = probs[id]
	}
	cat := distuv.NewCategorical(weights, src)
	return idx[int(cat.Rand())]
}
