package distributed

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// killGrace bounds how long Wait keeps draining output after a kill.
const killGrace = 5 * time.Second

// Launcher starts one worker process per rank on this host, the way torchrun
// does, and tears the whole job down as soon as one worker fails.
type Launcher struct {
	Path       string // executable; empty means the running binary
	Args       []string
	NProc      int
	MasterAddr string // host:port for the rank-0 coordinator
	Stdout     io.Writer
	Stderr     io.Writer
}

func (l *Launcher) Run(ctx context.Context) error {
	if l.NProc < 1 {
		return fmt.Errorf("nproc must be positive, got %d", l.NProc)
	}
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		path = exe
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type exit struct {
		rank int
		err  error
	}
	exits := make(chan exit, l.NProc)
	started := 0
	var startErr error
	for r := 0; r < l.NProc; r++ {
		pc := ProcessContext{Rank: r, LocalRank: r, WorldSize: l.NProc, MasterAddr: l.MasterAddr, Distributed: true}
		cmd := exec.CommandContext(ctx, path, l.Args...)
		cmd.Env = append(os.Environ(), pc.Environ()...)
		cmd.Stdout, cmd.Stderr = l.Stdout, l.Stderr
		cmd.WaitDelay = killGrace
		if err := cmd.Start(); err != nil {
			startErr = fmt.Errorf("start rank %d: %w", r, err)
			cancel()
			break
		}
		started++
		go func(rank int) { exits <- exit{rank: rank, err: cmd.Wait()} }(r)
	}

	first := startErr
	for i := 0; i < started; i++ {
		e := <-exits
		if e.err != nil && first == nil {
			first = fmt.Errorf("rank %d: %w", e.rank, e.err)
			cancel()
		}
	}
	return first
}
