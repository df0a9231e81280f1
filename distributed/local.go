package distributed

import (
	"fmt"
	"sync"
)

// hub is the shared rendezvous of an in-process group.
type hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	world   int
	arrived int
	gen     uint64
	bufs    [][]float64
	err     error
}

// LocalGroup is one rank of a group whose ranks are goroutines in this process.
type LocalGroup struct {
	h    *hub
	rank int
}

// NewLocalGroup returns world connected ranks, indexed by rank.
func NewLocalGroup(world int) []*LocalGroup {
	h := &hub{world: world, bufs: make([][]float64, world)}
	h.cond = sync.NewCond(&h.mu)
	out := make([]*LocalGroup, world)
	for r := range out {
		out[r] = &LocalGroup{h: h, rank: r}
	}
	return out
}

func (g *LocalGroup) Rank() int      { return g.rank }
func (g *LocalGroup) WorldSize() int { return g.h.world }

func (g *LocalGroup) AllReduce(buf []float64, op ReduceOp) error {
	h := g.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.bufs[g.rank] = buf
	h.arrived++
	if h.arrived < h.world {
		gen := h.gen
		for gen == h.gen && h.err == nil {
			h.cond.Wait()
		}
		if gen == h.gen {
			return h.err
		}
		return nil
	}

	n := len(h.bufs[0])
	for r, b := range h.bufs {
		if len(b) != n {
			h.err = fmt.Errorf("%w: rank %d sent %d values, rank 0 sent %d", ErrAborted, r, len(b), n)
			h.cond.Broadcast()
			return h.err
		}
	}
	out := make([]float64, n)
	reduceInto(out, h.bufs, op)
	for r := range h.bufs {
		copy(h.bufs[r], out)
		h.bufs[r] = nil
	}
	h.arrived = 0
	h.gen++
	h.cond.Broadcast()
	return nil
}

func (g *LocalGroup) Abort(reason error) {
	h := g.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = fmt.Errorf("%w: rank %d: %v", ErrAborted, g.rank, reason)
	}
	h.cond.Broadcast()
}

func (g *LocalGroup) Close() error { return nil }
