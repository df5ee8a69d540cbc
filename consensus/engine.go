// Package consensus embeds a single raft group per node to stand in for the
// "consensus engine" that spec.md assumes as an external collaborator: a
// replicated log with single-leader election, at-most-once application of
// each entry on every replica, and a named, auto-releasing distributed
// lock facility.
//
// Domain state (the pending-files map, in this repository's case) is kept
// out of this package entirely; callers implement LogApplier and Engine
// replicates whatever opaque commands they propose.
package consensus

import (
	"context"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
)

const (
	applyTimeout      = 5 * time.Second
	lockRetryInterval = 50 * time.Millisecond

	// DefaultLockTTL matches spec.md's "~5s" advisory-lock auto-release
	// window.
	DefaultLockTTL = 5 * time.Second
)

// Server names one voting member of the raft group: its node identity and
// the address its consensus transport listens on.
type Server struct {
	ID   string
	Addr string
}

// Config configures a new Engine.
type Config struct {
	// LocalID is this node's cluster identity (host:coord_port).
	LocalID string

	// BindAddr is the address this node's raft transport listens on,
	// normally the same host:coord_port as LocalID.
	BindAddr string

	// DataDir holds the raft log, stable store, and snapshots. It is
	// created if it does not exist.
	DataDir string

	// Servers is the full voter set, including this node, used to
	// bootstrap the cluster the first time it runs with an empty log.
	Servers []Server

	// LockTTL is how long a granted lock survives without being released
	// before it may be claimed again. Zero means
	// DefaultLockTTL.
	LockTTL time.Duration
}

// Engine is a replicated log plus a named, auto-releasing lock table, both
// backed by a single hashicorp/raft group.
type Engine struct {
	raft    *raft.Raft
	fsm     *fsm
	localID string
	lockTTL time.Duration
}

// New constructs an Engine, replicating on top of applier, and bootstraps
// the raft cluster from cfg.Servers if this is a brand-new (empty) log.
func New(cfg Config, applier LogApplier) (*Engine, error) {
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating raft data dir %s", cfg.DataDir)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.LocalID)

	store, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, errors.Wrap(err, "opening raft log store")
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, ioutil.Discard)
	if err != nil {
		return nil, errors.Wrap(err, "opening raft snapshot store")
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving bind address %s", cfg.BindAddr)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, ioutil.Discard)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", cfg.BindAddr)
	}

	f := newFSM(applier)

	r, err := raft.NewRaft(raftCfg, f, store, store, snapshots, transport)
	if err != nil {
		return nil, errors.Wrap(err, "starting raft")
	}

	hasState, err := raft.HasExistingState(store, store, snapshots)
	if err != nil {
		return nil, errors.Wrap(err, "checking for existing raft state")
	}
	if !hasState {
		var servers []raft.Server
		for _, s := range cfg.Servers {
			servers = append(servers, raft.Server{
				Suffrage: raft.Voter,
				ID:       raft.ServerID(s.ID),
				Address:  raft.ServerAddress(s.Addr),
			})
		}
		bootstrap := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := bootstrap.Error(); err != nil {
			return nil, errors.Wrap(err, "bootstrapping raft cluster")
		}
	}

	return &Engine{raft: r, fsm: f, localID: cfg.LocalID, lockTTL: lockTTL}, nil
}

// Propose submits an opaque domain command to the replicated log and
// blocks until it has been committed and applied on this replica.
func (e *Engine) Propose(ctx context.Context, payload []byte) error {
	_, err := e.apply(ctx, envelope{Kind: kindUser, Payload: payload})
	return err
}

func (e *Engine) apply(ctx context.Context, env envelope) (interface{}, error) {
	data, err := canonicaljson.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling command")
	}

	timeout := applyTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}

	future := e.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, errors.Wrap(err, "applying command")
	}

	resp := future.Response()
	if respErr, ok := resp.(error); ok && respErr != nil {
		return nil, respErr
	}
	return resp, nil
}

// IsLeader reports whether this node is, as far as it locally knows, the
// current raft leader. This read is not linearizable; it exists purely as
// an optimization for leader-only work such as Coordinator.Cleanup, never
// as the sole safety mechanism (the named locks are that).
func (e *Engine) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the node this replica currently
// believes is the leader, which may be stale or empty.
func (e *Engine) LeaderAddr() string {
	return string(e.raft.Leader())
}

// Shutdown stops the raft group.
func (e *Engine) Shutdown() error {
	return e.raft.Shutdown().Error()
}
