package transformer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abhinavsb3/Reproduce-Gpt2/optimizations"
	"github.com/abhinavsb3/Reproduce-Gpt2/params"
)

// TensorData is one named tensor, row-major.
type TensorData struct {
	Name       string
	Rows, Cols int
	Data       []float64
}

// Checkpoint is what the trainer persists at validation time.
type Checkpoint struct {
	Config    params.ModelConfig
	Model     []TensorData
	Optimizer *optimizations.AdamWState
	Step      int
	ValLoss   float64
}

// StateDict copies every parameter out in Parameters() order.
func (m *Model) StateDict() []TensorData {
	out := make([]TensorData, 0, len(m.params))
	for _, p := range m.params {
		r, c := p.Value.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		out = append(out, TensorData{Name: p.Name, Rows: r, Cols: c, Data: data})
	}
	return out
}

// LoadStateDict copies tensors into the existing storage, so the tied
// wte/lm_head alias survives. Names and shapes must match exactly.
func (m *Model) LoadStateDict(tensors []TensorData) error {
	byName := make(map[string]TensorData, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}
	if len(byName) != len(m.params) {
		return fmt.Errorf("state dict has %d tensors, model has %d", len(byName), len(m.params))
	}
	for _, p := range m.params {
		t, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("state dict missing %q", p.Name)
		}
		r, c := p.Value.Dims()
		if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
			return fmt.Errorf("%q: shape %dx%d, want %dx%d", p.Name, t.Rows, t.Cols, r, c)
		}
	}
	for _, p := range m.params {
		t := byName[p.Name]
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			copy(p.Value.RawRowView(i), t.Data[i*c:(i+1)*c])
		}
	}
	return nil
}

// SaveCheckpoint gob-encodes ck to path, writing through a temp file.
func SaveCheckpoint(path string, ck *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ck); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ck := &Checkpoint{}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(ck); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return ck, nil
}

// FromCheckpoint rebuilds a model from a saved record.
func FromCheckpoint(ck *Checkpoint) (*Model, error) {
	m, err := NewModel(ck.Config, 0)
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(ck.Model); err != nil {
		return nil, err
	}
	return m, nil
}
