package IO

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sbinet/npyio"
	"golang.org/x/exp/constraints"
)

var (
	ErrNoShards     = errors.New("no shards found")
	ErrInvalidSplit = errors.New("split must be train or val")
)

// Shard files are flat token streams:
//
//   - .npy = numpy array of uint16 or int32 token ids
//   - .bin = raw little-endian int32 token ids
const (
	extNPY = ".npy"
	extBin = ".bin"
)

// ListShards returns the sorted shard paths in dir whose name contains split.
func ListShards(dir, split string) ([]string, error) {
	if split != "train" && split != "val" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSplit, split)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.Contains(name, split) {
			continue
		}
		if ext := filepath.Ext(name); ext != extNPY && ext != extBin {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for split %s in %s", ErrNoShards, split, dir)
	}
	return out, nil
}

// LoadShard reads every token of a shard file.
func LoadShard(path string) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch filepath.Ext(path) {
	case extNPY:
		return readNPY(f)
	case extBin:
		return readBin(f)
	}
	return nil, fmt.Errorf("unknown shard format %s", path)
}

func readNPY(r io.Reader) ([]int32, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, err
	}
	switch nr.Header.Descr.Type {
	case "<u2", "|u2":
		var toks []uint16
		if err := nr.Read(&toks); err != nil {
			return nil, err
		}
		return toInt32(toks), nil
	case "<i4":
		var toks []int32
		if err := nr.Read(&toks); err != nil {
			return nil, err
		}
		return toks, nil
	case "<i8":
		var toks []int64
		if err := nr.Read(&toks); err != nil {
			return nil, err
		}
		return toInt32(toks), nil
	}
	return nil, fmt.Errorf("unsupported npy dtype %s", nr.Header.Descr.Type)
}

func readBin(f *os.File) ([]int32, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size()%4 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 4", f.Name(), st.Size())
	}
	toks := make([]int32, st.Size()/4)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, toks); err != nil {
		return nil, err
	}
	return toks, nil
}

// WriteShard writes toks to path in the format named by its extension.
// .npy shards are stored as uint16 when every id fits.
func WriteShard(path string, toks []int32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	switch filepath.Ext(path) {
	case extNPY:
		if fitsUint16(toks) {
			err = npyio.Write(w, toUint16(toks))
		} else {
			err = npyio.Write(w, toks)
		}
	case extBin:
		err = binary.Write(w, binary.LittleEndian, toks)
	default:
		err = fmt.Errorf("unknown shard format %s", path)
	}
	if err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func toInt32[T constraints.Integer](src []T) []int32 {
	out := make([]int32, len(src))
	for i, v := range src {
		out[i] = int32(v)
	}
	return out
}

func toUint16(src []int32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = uint16(v)
	}
	return out
}

func fitsUint16(toks []int32) bool {
	for _, v := range toks {
		if v < 0 || v > 0xffff {
			return false
		}
	}
	return true
}
