package IO

import (
	"fmt"

	"github.com/abhinavsb3/Reproduce-Gpt2/distributed"
	"github.com/abhinavsb3/Reproduce-Gpt2/utils"
)

// Batch holds B rows of T inputs and their next-token targets.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// ShardedDataLoader streams (B x T) batches from sorted shard files. Each
// rank starts at offset B*T*rank and advances by B*T*world, so ranks read
// disjoint windows; the shard list wraps around forever.
type ShardedDataLoader struct {
	B, T  int
	Split string
	Proc  distributed.ProcessContext

	shards          []string
	tokens          []int32
	currentShard    int
	currentPosition int
}

func NewShardedDataLoader(dir string, B, T int, proc distributed.ProcessContext, split string) (*ShardedDataLoader, error) {
	if B <= 0 || T <= 0 {
		return nil, fmt.Errorf("batch dims must be positive, got B=%d T=%d", B, T)
	}
	if proc.WorldSize < 1 || proc.Rank < 0 || proc.Rank >= proc.WorldSize {
		return nil, fmt.Errorf("invalid process context %+v", proc)
	}
	shards, err := ListShards(dir, split)
	if err != nil {
		return nil, err
	}
	l := &ShardedDataLoader{B: B, T: T, Split: split, Proc: proc, shards: shards}
	if err := l.Reset(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ShardedDataLoader) NumShards() int { return len(l.shards) }

// Reset rewinds to the first shard at this rank's offset.
func (l *ShardedDataLoader) Reset() error {
	return l.loadShard(0)
}

func (l *ShardedDataLoader) loadShard(i int) error {
	toks, err := LoadShard(l.shards[i])
	if err != nil {
		return err
	}
	need := l.B*l.T*(l.Proc.Rank+1) + 1
	if len(toks) < need {
		return fmt.Errorf("shard %s has %d tokens, rank %d needs at least %d", l.shards[i], len(toks), l.Proc.Rank, need)
	}
	l.tokens = toks
	l.currentShard = i
	l.currentPosition = l.B * l.T * l.Proc.Rank
	return nil
}

// NextBatch returns the window at the cursor and advances it.
func (l *ShardedDataLoader) NextBatch() (Batch, error) {
	B, T := l.B, l.T
	buf := l.tokens[l.currentPosition : l.currentPosition+B*T+1]
	b := Batch{Inputs: make([][]int, B), Targets: make([][]int, B)}
	for i := 0; i < B; i++ {
		b.Inputs[i] = utils.Widen(buf[i*T : (i+1)*T])
		b.Targets[i] = utils.Widen(buf[i*T+1 : (i+1)*T+1])
	}

	stride := B * T * l.Proc.WorldSize
	l.currentPosition += stride
	if l.currentPosition+stride+1 > len(l.tokens) {
		if err := l.loadShard((l.currentShard + 1) % len(l.shards)); err != nil {
			return Batch{}, err
		}
	}
	return b, nil
}
