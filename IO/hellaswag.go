package IO

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
	"gonum.org/v1/gonum/mat"
)

// HellaSwagExample is one line of the HellaSwag jsonl files.
type HellaSwagExample struct {
	Ctx     string   `json:"ctx"`
	Endings []string `json:"endings"`
	Label   int      `json:"label"`
}

// RenderedExample holds the four candidate rows, padded to equal length.
// Mask is 1 on ending tokens and 0 on context and padding.
type RenderedExample struct {
	Tokens [][]int
	Mask   [][]int
	Label  int
}

// RenderHellaSwag tokenizes the context once and appends each ending
// (prefixed with a space) to it.
func RenderHellaSwag(ex HellaSwagExample, tok Tokenizer) (RenderedExample, error) {
	ctx, err := tok.Encode(ex.Ctx)
	if err != nil {
		return RenderedExample{}, err
	}
	rows := make([][]int, len(ex.Endings))
	masks := make([][]int, len(ex.Endings))
	maxLen := 0
	for i, end := range ex.Endings {
		endToks, err := tok.Encode(" " + end)
		if err != nil {
			return RenderedExample{}, err
		}
		row := append(append([]int(nil), ctx...), endToks...)
		mask := make([]int, len(row))
		for j := len(ctx); j < len(row); j++ {
			mask[j] = 1
		}
		rows[i], masks[i] = row, mask
		maxLen = max(maxLen, len(row))
	}
	for i := range rows {
		for len(rows[i]) < maxLen {
			rows[i] = append(rows[i], 0)
			masks[i] = append(masks[i], 0)
		}
	}
	return RenderedExample{Tokens: rows, Mask: masks, Label: ex.Label}, nil
}

// IterateHellaSwag calls fn for every example in a jsonl file, in order.
func IterateHellaSwag(path string, fn func(i int, ex HellaSwagExample) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	i := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ex HellaSwagExample
		if err := json.Unmarshal(line, &ex); err != nil {
			return fmt.Errorf("%s line %d: %w", path, i+1, err)
		}
		if err := fn(i, ex); err != nil {
			return err
		}
		i++
	}
	return sc.Err()
}

// MostLikelyRow returns the candidate with the lowest mean cross-entropy over
// its ending tokens. logits[r] is (T x V) for row r.
func MostLikelyRow(tokens, mask [][]int, logits []*mat.Dense) int {
	best, bestLoss := 0, math.Inf(1)
	for r := range tokens {
		sum, n := 0.0, 0
		for t := 0; t+1 < len(tokens[r]); t++ {
			if mask[r][t+1] == 0 {
				continue
			}
			loss, _ := utils.CrossEntropyWithIndex(logits[r].RawRowView(t), tokens[r][t+1])
			sum += loss
			n++
		}
		if n == 0 {
			continue
		}
		if avg := sum / float64(n); avg < bestLoss {
			best, bestLoss = r, avg
		}
	}
	return best
}
