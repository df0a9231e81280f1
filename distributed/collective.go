// Package distributed implements the collective operations used for
// synchronous data-parallel training.
package distributed

import (
	"errors"
	"fmt"
)

var ErrAborted = errors.New("collective aborted")

type ReduceOp int

const (
	Sum ReduceOp = iota
	Avg
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Avg:
		return "avg"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

// Collective is a group of ranks that reduce buffers in lockstep.
// Every rank must issue the same sequence of calls with equal buffer lengths.
type Collective interface {
	Rank() int
	WorldSize() int
	// AllReduce replaces buf on every rank with the elementwise reduction
	// across ranks. Ranks are combined in rank order.
	AllReduce(buf []float64, op ReduceOp) error
	// Abort fails every pending and future call on every rank.
	Abort(reason error)
	Close() error
}

// Barrier blocks until every rank reaches it.
func Barrier(c Collective) error { return c.AllReduce(nil, Sum) }

// AllReduceScalar reduces one value.
func AllReduceScalar(c Collective, v float64, op ReduceOp) (float64, error) {
	buf := []float64{v}
	if err := c.AllReduce(buf, op); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// reduceInto writes the reduction of parts (indexed by rank) into dst.
func reduceInto(dst []float64, parts [][]float64, op ReduceOp) {
	for i := range dst {
		s := 0.0
		for _, p := range parts {
			s += p[i]
		}
		if op == Avg {
			s /= float64(len(parts))
		}
		dst[i] = s
	}
}

// Solo is the world-size-one collective: every reduction is the identity.
type Solo struct{}

func (Solo) Rank() int { return 0 }
func (Solo) WorldSize() int { return 1 }
func (Solo) AllReduce(buf []float64, _ ReduceOp) error { return nil }
func (Solo) Abort(error) {}
func (Solo) Close() error { return nil }
