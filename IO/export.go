package IO

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExportShards tokenizes a text corpus (one document per line) and writes it
// as fixed-size token shards:
//
//   - every document is prefixed with the end-of-text token
//   - the first shard is the val split, the rest are train
//   - names are <prefix>_<split>_<index>.<ext>, index zero-padded to six digits
//
// ext is ".npy" or ".bin". The last shard holds whatever is left over.
// Returns the written paths in order.
func ExportShards(inPath, outDir, prefix, ext string, shardSize int, tok Tokenizer) ([]string, error) {
	if shardSize <= 0 {
		return nil, fmt.Errorf("shard size must be positive, got %d", shardSize)
	}
	if ext != extNPY && ext != extBin {
		return nil, fmt.Errorf("unknown shard format %q", ext)
	}
	inF, err := os.Open(inPath)
	if err != nil {
		return nil, err
	}
	defer inF.Close()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(inF)

	var (
		paths []string
		buf   = make([]int32, 0, shardSize)
		shard = 0
	)
	flush := func() error {
		split := "train"
		if shard == 0 {
			split = "val"
		}
		path := filepath.Join(outDir, fmt.Sprintf("%s_%s_%06d%s", prefix, split, shard, ext))
		if err := WriteShard(path, buf); err != nil {
			return err
		}
		paths = append(paths, path)
		shard++
		buf = buf[:0]
		return nil
	}

	for {
		line, err := reader.ReadString('\n')
		if line == "" && err == io.EOF {
			break
		}
		if line == "" && err != nil {
			return nil, err
		}
		text := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		ids, encErr := tok.Encode(text)
		if encErr != nil {
			return nil, encErr
		}
		doc := make([]int32, 0, len(ids)+1)
		doc = append(doc, int32(tok.EOT()))
		for _, id := range ids {
			doc = append(doc, int32(id))
		}
		for len(doc) > 0 {
			n := min(shardSize-len(buf), len(doc))
			buf = append(buf, doc[:n]...)
			doc = doc[n:]
			if len(buf) == shardSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
		if err == io.EOF {
			break
		}
	}
	if len(buf) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return paths, nil
}
