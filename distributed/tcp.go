package distributed

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const dialTimeout = 60 * time.Second

type msgKind int

const (
	kindReduce msgKind = iota
	kindAbort
	kindClose
)

type hello struct {
	Rank  int
	World int
}

type request struct {
	Kind   msgKind
	Op     ReduceOp
	Data   []float64
	Reason string
}

type response struct {
	Data    []float64
	Aborted bool
	Reason  string
}

// Coordinator runs on rank 0. It collects one request per rank, reduces in
// rank order and answers everyone. A lost connection or an abort request
// from any rank aborts the whole group.
type Coordinator struct {
	ln    net.Listener
	world int
	done  chan struct{}
	err   error
}

func ListenCoordinator(addr string, world int) (*Coordinator, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("coordinator listen %s: %w", addr, err)
	}
	c := &Coordinator{ln: ln, world: world, done: make(chan struct{})}
	go func() {
		c.err = c.serve()
		close(c.done)
	}()
	return c, nil
}

func (c *Coordinator) Addr() string { return c.ln.Addr().String() }

// Wait blocks until the coordinator has shut down and returns why.
func (c *Coordinator) Wait() error {
	<-c.done
	return c.err
}

type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

type event struct {
	rank int
	req  *request
	err  error
}

func (c *Coordinator) serve() error {
	peers := make([]*peer, c.world)
	for joined := 0; joined < c.world; {
		conn, err := c.ln.Accept()
		if err != nil {
			closePeers(peers)
			return err
		}
		p := &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
		var h hello
		if err := p.dec.Decode(&h); err != nil {
			conn.Close()
			continue
		}
		if h.World != c.world || h.Rank < 0 || h.Rank >= c.world || peers[h.Rank] != nil {
			p.enc.Encode(response{Aborted: true, Reason: fmt.Sprintf("bad hello %+v", h)})
			conn.Close()
			continue
		}
		peers[h.Rank] = p
		joined++
	}
	c.ln.Close()

	done := make(chan struct{})
	defer close(done)
	events := make(chan event)
	for r, p := range peers {
		go func(rank int, dec *gob.Decoder) {
			for {
				req := &request{}
				err := dec.Decode(req)
				if err != nil {
					req = nil
				}
				select {
				case events <- event{rank: rank, req: req, err: err}:
				case <-done:
					return
				}
				if err != nil {
					return
				}
			}
		}(r, p.dec)
	}

	pending := make([]*request, c.world)
	count := 0
	for ev := range events {
		if ev.err != nil {
			reason := fmt.Sprintf("rank %d disconnected: %v", ev.rank, ev.err)
			abortPeers(peers, reason)
			return errors.New(reason)
		}
		if ev.req.Kind == kindAbort {
			reason := fmt.Sprintf("rank %d: %s", ev.rank, ev.req.Reason)
			abortPeers(peers, reason)
			return errors.New(reason)
		}
		if pending[ev.rank] != nil {
			reason := fmt.Sprintf("rank %d issued two requests in one round", ev.rank)
			abortPeers(peers, reason)
			return errors.New(reason)
		}
		pending[ev.rank] = ev.req
		if count++; count < c.world {
			continue
		}

		first := pending[0]
		for r, req := range pending {
			if req.Kind != first.Kind || req.Op != first.Op || len(req.Data) != len(first.Data) {
				reason := fmt.Sprintf("rank %d diverged: kind %d op %v len %d, rank 0: kind %d op %v len %d",
					r, req.Kind, req.Op, len(req.Data), first.Kind, first.Op, len(first.Data))
				abortPeers(peers, reason)
				return errors.New(reason)
			}
		}
		var resp response
		if first.Kind == kindReduce {
			parts := make([][]float64, c.world)
			for r, req := range pending {
				parts[r] = req.Data
			}
			resp.Data = make([]float64, len(first.Data))
			reduceInto(resp.Data, parts, first.Op)
		}
		for r, p := range peers {
			if err := p.enc.Encode(resp); err != nil {
				reason := fmt.Sprintf("reply to rank %d: %v", r, err)
				abortPeers(peers, reason)
				return errors.New(reason)
			}
		}
		if first.Kind == kindClose {
			closePeers(peers)
			return nil
		}
		for r := range pending {
			pending[r] = nil
		}
		count = 0
	}
	return nil
}

func abortPeers(peers []*peer, reason string) {
	for _, p := range peers {
		if p == nil {
			continue
		}
		p.enc.Encode(response{Aborted: true, Reason: reason})
		p.conn.Close()
	}
}

func closePeers(peers []*peer) {
	for _, p := range peers {
		if p != nil {
			p.conn.Close()
		}
	}
}

// TCPGroup is one rank's connection to the coordinator.
type TCPGroup struct {
	rank  int
	world int

	mu    sync.Mutex // one collective at a time
	wmu   sync.Mutex // guards enc
	conn  net.Conn
	enc   *gob.Encoder
	dec   *gob.Decoder
	err   error
	coord *Coordinator
}

// DialTCP joins the group described by p. Rank 0 also hosts the coordinator.
func DialTCP(p ProcessContext) (*TCPGroup, error) {
	var coord *Coordinator
	if p.Rank == 0 {
		c, err := ListenCoordinator(p.MasterAddr, p.WorldSize)
		if err != nil {
			return nil, err
		}
		coord = c
	}
	g, err := Dial(p.MasterAddr, p.Rank, p.WorldSize)
	if err != nil {
		return nil, err
	}
	g.coord = coord
	return g, nil
}

// Dial connects rank to the coordinator at addr, retrying until it is up.
func Dial(addr string, rank, world int) (*TCPGroup, error) {
	deadline := time.Now().Add(dialTimeout)
	var conn net.Conn
	for {
		var err error
		conn, err = net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("rank %d: dial %s: %w", rank, addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	g := &TCPGroup{rank: rank, world: world, conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
	if err := g.enc.Encode(hello{Rank: rank, World: world}); err != nil {
		conn.Close()
		return nil, err
	}
	return g, nil
}

func (g *TCPGroup) Rank() int      { return g.rank }
func (g *TCPGroup) WorldSize() int { return g.world }

func (g *TCPGroup) AllReduce(buf []float64, op ReduceOp) error {
	resp, err := g.call(request{Kind: kindReduce, Op: op, Data: buf})
	if err != nil {
		return err
	}
	copy(buf, resp.Data)
	return nil
}

func (g *TCPGroup) call(req request) (*response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.wmu.Lock()
	err := g.enc.Encode(req)
	g.wmu.Unlock()
	if err != nil {
		return nil, g.fail(err.Error())
	}
	resp := &response{}
	if err := g.dec.Decode(resp); err != nil {
		return nil, g.fail(err.Error())
	}
	if resp.Aborted {
		return nil, g.fail(resp.Reason)
	}
	return resp, nil
}

func (g *TCPGroup) fail(reason string) error {
	g.err = fmt.Errorf("%w: %s", ErrAborted, reason)
	g.conn.Close()
	return g.err
}

// Abort tells the coordinator to fail every rank, then drops the connection.
// It may be called while another goroutine is blocked in AllReduce.
func (g *TCPGroup) Abort(reason error) {
	g.wmu.Lock()
	g.enc.Encode(request{Kind: kindAbort, Reason: reason.Error()})
	g.wmu.Unlock()
	g.conn.Close()
}

// Close leaves the group once every rank has called Close.
func (g *TCPGroup) Close() error {
	_, err := g.call(request{Kind: kindClose})
	g.conn.Close()
	if g.coord != nil {
		if werr := g.coord.Wait(); err == nil {
			err = werr
		}
	}
	return err
}
