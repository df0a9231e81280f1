package IO

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/abhinavsb3/Reproduce-Gpt2/distributed"
	"gonum.org/v1/gonum/mat"
)

// byteTokenizer maps every byte to its own id.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

func (byteTokenizer) Decode(ids []int) (string, error) {
	b := make([]byte, len(ids))
	for i, id := range ids {
		b[i] = byte(id)
	}
	return string(b), nil
}

func (byteTokenizer) EOT() int { return 50256 }

func seq(from, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(from + i)
	}
	return out
}

func seqInts(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

func writeShards(t *testing.T, dir string, shards map[string][]int32) {
	t.Helper()
	for name, toks := range shards {
		if err := WriteShard(filepath.Join(dir, name), toks); err != nil {
			t.Fatal(err)
		}
	}
}

func TestShardRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]int32{
		"small_train_000001.npy": seq(0, 100),
		"wide_train_000002.npy":  {1, 70000, 3},
		"raw_train_000003.bin":   {5, 70000, -1},
	}
	writeShards(t, dir, cases)
	for name, want := range cases {
		got, err := LoadShard(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: got %v, want %v", name, got, want)
		}
	}
}

func TestListShardsFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeShards(t, dir, map[string][]int32{
		"edu_train_000002.npy": seq(0, 3),
		"edu_train_000001.npy": seq(0, 3),
		"edu_val_000000.npy":   seq(0, 3),
	})
	os.WriteFile(filepath.Join(dir, "train_notes.txt"), []byte("x"), 0o644)

	got, err := ListShards(dir, "train")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "edu_train_000001.npy"), filepath.Join(dir, "edu_train_000002.npy")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, err := ListShards(dir, "test"); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
	if _, err := ListShards(t.TempDir(), "val"); !errors.Is(err, ErrNoShards) {
		t.Fatalf("expected ErrNoShards, got %v", err)
	}
}

func TestLoaderAdvancesAndWrapsShards(t *testing.T) {
	dir := t.TempDir()
	writeShards(t, dir, map[string][]int32{
		"d_train_000001.npy": seq(0, 21),
		"d_train_000002.npy": seq(100, 21),
	})
	l, err := NewShardedDataLoader(dir, 2, 5, distributed.Single(), "train")
	if err != nil {
		t.Fatal(err)
	}
	check := func(b Batch, from int) {
		t.Helper()
		for i := 0; i < 2; i++ {
			if want := seqInts(from+5*i, 5); !reflect.DeepEqual(b.Inputs[i], want) {
				t.Fatalf("row %d inputs %v, want %v", i, b.Inputs[i], want)
			}
			if want := seqInts(from+5*i+1, 5); !reflect.DeepEqual(b.Targets[i], want) {
				t.Fatalf("row %d targets %v, want %v", i, b.Targets[i], want)
			}
		}
	}
	starts := []int{0, 10, 100, 110, 0}
	for _, from := range starts {
		b, err := l.NextBatch()
		if err != nil {
			t.Fatal(err)
		}
		check(b, from)
	}
}

func TestLoaderRanksReadDisjointWindows(t *testing.T) {
	dir := t.TempDir()
	writeShards(t, dir, map[string][]int32{"d_val_000000.npy": seq(0, 41)})

	seen := map[int]int{}
	for r := 0; r < 2; r++ {
		proc := distributed.ProcessContext{Rank: r, WorldSize: 2, Distributed: true}
		l, err := NewShardedDataLoader(dir, 1, 5, proc, "val")
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			b, err := l.NextBatch()
			if err != nil {
				t.Fatal(err)
			}
			if i < 2 {
				for _, tok := range b.Inputs[0] {
					seen[tok]++
				}
			}
		}
	}
	for tok := 0; tok < 20; tok++ {
		if seen[tok] != 1 {
			t.Fatalf("token %d read %d times", tok, seen[tok])
		}
	}
}

func TestLoaderRejectsShortShard(t *testing.T) {
	dir := t.TempDir()
	writeShards(t, dir, map[string][]int32{"d_train_000001.npy": seq(0, 10)})
	if _, err := NewShardedDataLoader(dir, 2, 5, distributed.Single(), "train"); err == nil {
		t.Fatal("expected error for shard shorter than one batch")
	}
}

func TestExportShardsFeedsLoader(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.txt")
	if err := os.WriteFile(corpus, []byte("ab\n\ncde\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "shards")
	paths, err := ExportShards(corpus, out, "tiny", ".npy", 4, byteTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	wantPaths := []string{
		filepath.Join(out, "tiny_val_000000.npy"),
		filepath.Join(out, "tiny_train_000001.npy"),
	}
	if !reflect.DeepEqual(paths, wantPaths) {
		t.Fatalf("paths %v, want %v", paths, wantPaths)
	}
	val, err := LoadShard(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if want := []int32{50256, 'a', 'b', 50256}; !reflect.DeepEqual(val, want) {
		t.Fatalf("val shard %v, want %v", val, want)
	}
	train, err := LoadShard(paths[1])
	if err != nil {
		t.Fatal(err)
	}
	if want := []int32{'c', 'd', 'e'}; !reflect.DeepEqual(train, want) {
		t.Fatalf("train shard %v, want %v", train, want)
	}

	l, err := NewShardedDataLoader(out, 1, 2, distributed.Single(), "train")
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.NextBatch()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b.Inputs[0], []int{'c', 'd'}) || !reflect.DeepEqual(b.Targets[0], []int{'d', 'e'}) {
		t.Fatalf("unexpected batch %+v", b)
	}
}

func TestRenderHellaSwag(t *testing.T) {
	ex := HellaSwagExample{Ctx: "ab", Endings: []string{"c", "cd", "x", "yz1"}, Label: 1}
	r, err := RenderHellaSwag(ex, byteTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Tokens) != 4 || r.Label != 1 {
		t.Fatalf("unexpected render %+v", r)
	}
	for i := range r.Tokens {
		if len(r.Tokens[i]) != 6 || len(r.Mask[i]) != 6 {
			t.Fatalf("row %d not padded to 6: %v", i, r.Tokens[i])
		}
	}
	if want := []int{'a', 'b', ' ', 'c', 0, 0}; !reflect.DeepEqual(r.Tokens[0], want) {
		t.Fatalf("row 0 %v, want %v", r.Tokens[0], want)
	}
	if want := []int{0, 0, 1, 1, 0, 0}; !reflect.DeepEqual(r.Mask[0], want) {
		t.Fatalf("mask 0 %v, want %v", r.Mask[0], want)
	}
	if want := []int{0, 0, 1, 1, 1, 1}; !reflect.DeepEqual(r.Mask[3], want) {
		t.Fatalf("mask 3 %v, want %v", r.Mask[3], want)
	}
}

func TestMostLikelyRowUsesMaskedTokens(t *testing.T) {
	// Vocab of 3. Row 1 predicts its ending confidently, row 0 does not.
	tokens := [][]int{{0, 2, 0}, {0, 1, 0}}
	mask := [][]int{{0, 1, 0}, {0, 1, 0}}
	logits := []*mat.Dense{
		mat.NewDense(3, 3, []float64{
			0, 0, 0,
			9, 9, 9,
			0, 0, 0,
		}),
		mat.NewDense(3, 3, []float64{
			0, 8, 0,
			-9, -9, 9,
			0, 0, 0,
		}),
	}
	if got := MostLikelyRow(tokens, mask, logits); got != 1 {
		t.Fatalf("picked row %d, want 1", got)
	}
	// Unmasked positions do not count: mask the ending out of row 1.
	mask[1][1] = 0
	if got := MostLikelyRow(tokens, mask, logits); got != 0 {
		t.Fatalf("picked row %d, want 0", got)
	}
}

func TestIterateHellaSwag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hs.jsonl")
	lines := []string{
		`{"ctx":"A man","endings":["a","b","c","d"],"label":2}`,
		``,
		`{"ctx":"A dog","endings":["e","f","g","h"],"label":0}`,
	}
	os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
	var got []HellaSwagExample
	err := IterateHellaSwag(path, func(i int, ex HellaSwagExample) error {
		if i != len(got) {
			t.Fatalf("index %d, want %d", i, len(got))
		}
		got = append(got, ex)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Label != 2 || got[1].Ctx != "A dog" || got[1].Endings[3] != "h" {
		t.Fatalf("unexpected examples %+v", got)
	}
}

func TestLogWriterFormat(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "log.txt"), []byte("stale\n"), 0o644)
	w, err := NewLogWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	w.Log(0, "val", 10.98764)
	w.Log(0, "train", 11.0)
	w.Log(250, "hella", 0.25)
	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	want := "0 val 10.9876\n0 train 11.000000\n250 hella 0.2500\n"
	if string(data) != want {
		t.Fatalf("log %q, want %q", data, want)
	}
	entries, err := ReadLog(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[2] != (LogEntry{Step: 250, Tag: "hella", Value: 0.25}) {
		t.Fatalf("parsed %+v", entries)
	}
}

func TestCatalogLatestAndBest(t *testing.T) {
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "log", "checkpoints.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Latest(); !errors.Is(err, ErrNoCheckpoints) {
		t.Fatalf("expected ErrNoCheckpoints, got %v", err)
	}
	c.Record(5000, "model_05000.gob", 3.2)
	c.Record(10000, "model_10000.gob", 3.4)
	c.Record(15000, "model_15000.gob", 3.3)
	c.Record(10000, "model_10000.gob", 3.1)

	latest, err := c.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.Step != 15000 || latest.Path != "model_15000.gob" {
		t.Fatalf("latest %+v", latest)
	}
	best, err := c.Best()
	if err != nil {
		t.Fatal(err)
	}
	if best.Step != 10000 || best.ValLoss != 3.1 {
		t.Fatalf("best %+v", best)
	}
	if best.Created.IsZero() {
		t.Fatal("created time not recorded")
	}
}

const tinyTokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 3, "content": "<|endoftext|>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": true, "special": true}
  ],
  "normalizer": null,
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false, "trim_offsets": true},
  "post_processor": null,
  "decoder": {"type": "ByteLevel", "add_prefix_space": true, "trim_offsets": true},
  "model": {
    "type": "BPE",
    "dropout": null,
    "unk_token": null,
    "continuing_subword_prefix": "",
    "end_of_word_suffix": "",
    "fuse_unk": false,
    "vocab": {"a": 0, "b": 1, "ab": 2, "<|endoftext|>": 3},
    "merges": ["a b"]
  }
}`

func TestHFTokenizerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(tinyTokenizerJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := LoadTokenizer(path)
	if err != nil {
		t.Fatal(err)
	}
	if tok.EOT() != 3 {
		t.Fatalf("eot = %d, want 3", tok.EOT())
	}
	ids, err := tok.Encode("ab")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []int{2}) {
		t.Fatalf("encode = %v, want [2]", ids)
	}
	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatal(err)
	}
	if text != "ab" {
		t.Fatalf("decode = %q", text)
	}
}
