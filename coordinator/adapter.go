package coordinator

import (
	"context"

	"github.com/bagrat/nsync/consensus"
)

// engineAdapter bridges *consensus.Engine's concrete Unlocker-returning
// methods to this package's narrower Engine interface, so coordinator_test
// can exercise the protocol against a fake engine without ever importing
// raft.
type engineAdapter struct {
	e *consensus.Engine
}

// WrapEngine adapts a concrete *consensus.Engine to the Engine interface
// this package depends on.
func WrapEngine(e *consensus.Engine) Engine {
	return engineAdapter{e: e}
}

func (a engineAdapter) Propose(ctx context.Context, payload []byte) error {
	return a.e.Propose(ctx, payload)
}

func (a engineAdapter) TryLock(ctx context.Context, name string) (Unlocker, bool, error) {
	u, ok, err := a.e.TryLock(ctx, name)
	if u == nil {
		return nil, ok, err
	}
	return u, ok, err
}

func (a engineAdapter) Lock(ctx context.Context, name string) (Unlocker, error) {
	u, err := a.e.Lock(ctx, name)
	if u == nil {
		return nil, err
	}
	return u, err
}

func (a engineAdapter) IsLeader() bool {
	return a.e.IsLeader()
}

func (a engineAdapter) LeaderAddr() string {
	return a.e.LeaderAddr()
}
