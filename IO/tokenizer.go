package IO

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Tokenizer turns text into GPT-2 token ids and back.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	// EOT is the end-of-text id that separates documents.
	EOT() int
}

// GPT-2 end-of-text id.
const gpt2EOT = 50256

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
	eot int
}

// NewGPT2Tokenizer returns the GPT-2 byte-level BPE.
func NewGPT2Tokenizer() (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel("gpt2")
	if err != nil {
		return nil, fmt.Errorf("load gpt2 encoding: %w", err)
	}
	return &tiktokenTokenizer{enc: enc, eot: gpt2EOT}, nil
}

func (t *tiktokenTokenizer) Encode(text string) ([]int, error) {
	return t.enc.EncodeOrdinary(text), nil
}

func (t *tiktokenTokenizer) Decode(ids []int) (string, error) {
	return t.enc.Decode(ids), nil
}

func (t *tiktokenTokenizer) EOT() int { return t.eot }

type hfTokenizer struct {
	tok *tk.Tokenizer
	eot int
}

// NewHFTokenizer loads a HuggingFace tokenizer.json. The end-of-text id is
// looked up from the "<|endoftext|>" token when present.
func NewHFTokenizer(path string) (Tokenizer, error) {
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	eot := gpt2EOT
	if id, ok := t.GetVocab(true)["<|endoftext|>"]; ok {
		eot = id
	}
	return &hfTokenizer{tok: t, eot: eot}, nil
}

func (t *hfTokenizer) Encode(text string) ([]int, error) {
	en, err := t.tok.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	return en.Ids, nil
}

func (t *hfTokenizer) Decode(ids []int) (string, error) {
	return t.tok.Decode(ids, false), nil
}

func (t *hfTokenizer) EOT() int { return t.eot }

// LoadTokenizer picks the HuggingFace tokenizer when path is set and the
// built-in GPT-2 encoding otherwise.
func LoadTokenizer(path string) (Tokenizer, error) {
	if path != "" {
		return NewHFTokenizer(path)
	}
	return NewGPT2Tokenizer()
}
