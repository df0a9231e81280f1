package transformer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/abhinavsb3/Reproduce-Gpt2/params"
	"github.com/nlpodyssey/safetensors"
	"golang.org/x/exp/constraints"
)

var ErrImportMismatch = errors.New("pretrained weights do not match model")

// ForeignTensor is a tensor from another framework's state dict, row-major.
type ForeignTensor struct {
	Shape []int
	Data  []float64
}

// Conv1D-style weights stored (in x out) in the published checkpoints.
var transposedSuffixes = []string{
	"attn.c_attn.weight",
	"attn.c_proj.weight",
	"mlp.c_fc.weight",
	"mlp.c_proj.weight",
}

// Buffers that are not parameters.
var ignoredSuffixes = []string{".attn.bias", ".attn.masked_bias"}

// FromPretrained builds a model for modelType and fills it from a
// HuggingFace model.safetensors file.
func FromPretrained(modelType, path string) (*Model, error) {
	cfg, ok := params.PretrainedConfigs[modelType]
	if !ok {
		return nil, fmt.Errorf("unknown model type %q", modelType)
	}
	m, err := NewModel(cfg, 0)
	if err != nil {
		return nil, err
	}
	sd, err := ReadSafetensors(path)
	if err != nil {
		return nil, err
	}
	if err := m.ImportForeign(sd); err != nil {
		return nil, err
	}
	return m, nil
}

// ImportForeign copies a foreign state dict into the model. Every shape is
// checked before anything is written.
func (m *Model) ImportForeign(sd map[string]ForeignTensor) error {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		if hasAnySuffix(k, ignoredSuffixes) || k == "lm_head.weight" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	own := make(map[string]int, len(m.params))
	for i, p := range m.params {
		own[p.Name] = i
	}
	if len(keys) != len(own) {
		return fmt.Errorf("%w: %d tensors, model has %d", ErrImportMismatch, len(keys), len(own))
	}

	type job struct {
		idx       int
		src       ForeignTensor
		transpose bool
	}
	jobs := make([]job, 0, len(keys))
	seen := make(map[int]string, len(keys))
	for _, k := range keys {
		name := k
		if !strings.HasPrefix(name, "transformer.") {
			name = "transformer." + name
		}
		idx, ok := own[name]
		if !ok {
			return fmt.Errorf("%w: unexpected tensor %q", ErrImportMismatch, k)
		}
		if prev, dup := seen[idx]; dup {
			return fmt.Errorf("%w: %q and %q both map to %s", ErrImportMismatch, prev, k, name)
		}
		seen[idx] = k
		p := m.params[idx]
		r, c := p.Value.Dims()
		src := sd[k]
		transpose := hasAnySuffix(k, transposedSuffixes)
		want := []int{r, c}
		if transpose {
			want = []int{c, r}
		} else if p.Rank == 1 {
			want = []int{r}
		}
		if !equalShape(src.Shape, want) || len(src.Data) != r*c {
			return fmt.Errorf("%w: %q has shape %v, want %v", ErrImportMismatch, k, src.Shape, want)
		}
		jobs = append(jobs, job{idx: idx, src: src, transpose: transpose})
	}

	for i, p := range m.params {
		if _, ok := seen[i]; !ok {
			return fmt.Errorf("%w: no tensor for %s", ErrImportMismatch, p.Name)
		}
	}

	for _, j := range jobs {
		p := m.params[j.idx]
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			row := p.Value.RawRowView(i)
			for k := 0; k < c; k++ {
				if j.transpose {
					row[k] = j.src.Data[k*r+i]
				} else {
					row[k] = j.src.Data[i*c+k]
				}
			}
		}
	}
	return nil
}

// ReadSafetensors loads every F32/F64/BF16 tensor of a safetensors file,
// widened to float64.
func ReadSafetensors(path string) (map[string]ForeignTensor, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("safetensors %s: %w", path, err)
	}
	out := make(map[string]ForeignTensor)
	for _, nt := range st.Tensors() {
		v := nt.TensorView
		data, err := decodeSafetensors(fmt.Sprint(v.DType()), v.Data())
		if err != nil {
			return nil, fmt.Errorf("safetensors entry %q: %w", nt.Name, err)
		}
		shape := widenShape(v.Shape())
		n := 1
		for _, d := range shape {
			n *= d
		}
		if n != len(data) {
			return nil, fmt.Errorf("safetensors entry %q: %d values for shape %v", nt.Name, len(data), shape)
		}
		out[nt.Name] = ForeignTensor{Shape: shape, Data: data}
	}
	return out, nil
}

func widenShape[T constraints.Integer](s []T) []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}

func decodeSafetensors(dtype string, b []byte) ([]float64, error) {
	switch dtype {
	case "F32":
		out := make([]float64, len(b)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
		}
		return out, nil
	case "F64":
		out := make([]float64, len(b)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
		return out, nil
	case "BF16":
		out := make([]float64, len(b)/2)
		for i := range out {
			out[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(b[2*i:])) << 16))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported dtype %s", dtype)
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
