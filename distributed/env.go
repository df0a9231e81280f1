package distributed

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

const (
	defaultMasterAddr = "127.0.0.1"
	defaultMasterPort = "29500"
)

// ProcessContext describes this process's place in the job. It is passed
// explicitly to everything that needs a rank.
type ProcessContext struct {
	Rank        int
	LocalRank   int
	WorldSize   int
	MasterAddr  string // host:port of the rank-0 coordinator
	Distributed bool
}

// Single is the context of a non-distributed run.
func Single() ProcessContext {
	return ProcessContext{Rank: 0, LocalRank: 0, WorldSize: 1}
}

func (p ProcessContext) IsMaster() bool { return p.Rank == 0 }

// FromEnv reads RANK, LOCAL_RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT.
// Without RANK the run is single-process.
func FromEnv() (ProcessContext, error) {
	if _, ok := os.LookupEnv("RANK"); !ok {
		return Single(), nil
	}
	rank, err := envInt("RANK")
	if err != nil {
		return ProcessContext{}, err
	}
	local, err := envInt("LOCAL_RANK")
	if err != nil {
		return ProcessContext{}, err
	}
	world, err := envInt("WORLD_SIZE")
	if err != nil {
		return ProcessContext{}, err
	}
	if world < 1 || rank < 0 || rank >= world {
		return ProcessContext{}, fmt.Errorf("invalid topology: rank %d, world size %d", rank, world)
	}
	host := os.Getenv("MASTER_ADDR")
	if host == "" {
		host = defaultMasterAddr
	}
	port := os.Getenv("MASTER_PORT")
	if port == "" {
		port = defaultMasterPort
	}
	return ProcessContext{
		Rank:        rank,
		LocalRank:   local,
		WorldSize:   world,
		MasterAddr:  net.JoinHostPort(host, port),
		Distributed: true,
	}, nil
}

// Environ renders the variables FromEnv reads, for spawning a worker.
func (p ProcessContext) Environ() []string {
	host, port, err := net.SplitHostPort(p.MasterAddr)
	if err != nil {
		host, port = defaultMasterAddr, defaultMasterPort
	}
	return []string{
		"RANK=" + strconv.Itoa(p.Rank),
		"LOCAL_RANK=" + strconv.Itoa(p.LocalRank),
		"WORLD_SIZE=" + strconv.Itoa(p.WorldSize),
		"MASTER_ADDR=" + host,
		"MASTER_PORT=" + port,
	}
}

func envInt(key string) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, fmt.Errorf("%s is not set", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return n, nil
}

// Join connects to the job described by p. A world of one needs no network.
func Join(p ProcessContext) (Collective, error) {
	if !p.Distributed || p.WorldSize == 1 {
		return Solo{}, nil
	}
	return DialTCP(p)
}
