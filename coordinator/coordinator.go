package coordinator

import (
	"context"
	"log"
	"math/rand"

	canonicaljson "github.com/gibson042/canonicaljson-go"
	"github.com/pkg/errors"
)

// Engine is the subset of *consensus.Engine the Coordinator needs. Declared
// here (rather than imported as a concrete type) so this package's tests
// can exercise the protocol against a fake without pulling in raft.
type Engine interface {
	Propose(ctx context.Context, payload []byte) error
	TryLock(ctx context.Context, name string) (Unlocker, bool, error)
	Lock(ctx context.Context, name string) (Unlocker, error)
	IsLeader() bool
	LeaderAddr() string
}

// Unlocker is satisfied by *consensus.Unlocker.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// SnapshotStore persists a point-in-time encoding of the pending map for
// crash diagnostics. It is never consulted on startup to seed replicated
// state — see package journal's doc comment for why.
type SnapshotStore interface {
	Save(ctx context.Context, key string, data []byte) error
}

// Coordinator is the domain reducer plus the public protocol spec.md
// assigns to the "replicated state engine": announce, acknowledge, and
// clean up pending file changes. Announce and cleanup are serialized by
// the consensus layer's named locks; acknowledgement takes no lock.
type Coordinator struct {
	engine      Engine
	reducer     *reducer
	localID     string
	clusterSize int
	journal     SnapshotStore
}

const journalKey = "pending-map"

// New constructs a Coordinator. The returned *reducer satisfies
// consensus.LogApplier and must be handed to consensus.New as the applier
// for this same engine.
func New(engine Engine, localID string, clusterSize int) (*Coordinator, *reducer) {
	r := newReducer()
	return &Coordinator{
		engine:      engine,
		reducer:     r,
		localID:     localID,
		clusterSize: clusterSize,
	}, r
}

// SetJournal wires an optional diagnostic snapshot store. Nil disables
// PersistSnapshot.
func (c *Coordinator) SetJournal(j SnapshotStore) {
	c.journal = j
}

// SetEngine wires the consensus engine after construction. This exists
// because the engine itself must be built from this Coordinator's reducer
// (consensus.New(cfg, applier)), so the two can't be constructed in a
// single step: call New(nil, ...) first, build the engine from the
// returned reducer, then SetEngine(coordinator.WrapEngine(engine)).
func (c *Coordinator) SetEngine(e Engine) {
	c.engine = e
}

// GetFilesToSync returns every entry whose SyncedTo does not yet list the
// local node, i.e. everything this node still needs to act on. The result
// is an independent copy.
func (c *Coordinator) GetFilesToSync() PendingMap {
	all := c.reducer.snapshot()
	out := make(PendingMap, len(all))
	for path, entry := range all {
		if !entry.hasSynced(c.localID) {
			out[path] = entry
		}
	}
	return out
}

// TryAnnounceUpdate implements spec.md §4.B's announce protocol: acquire
// announce:<path>, check legitimacy against the local replica, busy-wait
// for cleanup:<path>, propose under both locks, release in reverse order.
// Any failure to acquire a lock, or loss of legitimacy, returns silently
// (nil) per the spec's documented last-writer policy.
func (c *Coordinator) TryAnnounceUpdate(ctx context.Context, path string, event Event) error {
	announceLock, ok, err := c.engine.TryLock(ctx, "announce:"+path)
	if err != nil {
		return errors.Wrap(err, "acquiring announce lock")
	}
	if !ok {
		return nil
	}
	defer announceLock.Unlock(ctx)

	if entry, exists := c.reducer.entry(path); exists && !entry.hasSynced(c.localID) {
		// Someone else is the legitimate announcer of record.
		return nil
	}

	cleanupLock, err := c.engine.Lock(ctx, "cleanup:"+path)
	if err != nil {
		return errors.Wrap(err, "acquiring cleanup lock")
	}
	defer cleanupLock.Unlock(ctx)

	payload, err := canonicaljson.Marshal(announceUpdate(path, c.localID, event))
	if err != nil {
		return errors.Wrap(err, "marshaling announce_update")
	}
	if err := c.engine.Propose(ctx, payload); err != nil {
		return errors.Wrap(err, "proposing announce_update")
	}
	return nil
}

// AnnounceAcquisition records that the local node has applied the pending
// entry at path. No lock is required: appending a unique id to SyncedTo
// commutes regardless of ordering across replicas.
func (c *Coordinator) AnnounceAcquisition(ctx context.Context, path string) error {
	payload, err := canonicaljson.Marshal(announceAcquisition(path, c.localID))
	if err != nil {
		return errors.Wrap(err, "marshaling announce_acquisition")
	}
	if err := c.engine.Propose(ctx, payload); err != nil {
		return errors.Wrap(err, "proposing announce_acquisition")
	}
	return nil
}

// Cleanup sweeps every fully-propagated entry (|SyncedTo| == cluster size)
// and removes it. A no-op on any replica that does not currently believe
// itself to be leader; cleanup:<path> is the actual safety net against two
// replicas racing this sweep, the leader check is purely an optimization.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	if !c.engine.IsLeader() {
		return nil
	}

	for path, entry := range c.reducer.snapshot() {
		if len(entry.SyncedTo) < c.clusterSize {
			continue
		}

		lock, ok, err := c.engine.TryLock(ctx, "cleanup:"+path)
		if err != nil {
			log.Printf("coordinator: acquiring cleanup lock for %s (leader %s): %v", path, c.engine.LeaderAddr(), err)
			continue
		}
		if !ok {
			continue
		}

		payload, err := canonicaljson.Marshal(cleanupEntry(path))
		if err != nil {
			lock.Unlock(ctx)
			return errors.Wrap(err, "marshaling cleanup_entry")
		}
		if err := c.engine.Propose(ctx, payload); err != nil {
			log.Printf("coordinator: proposing cleanup_entry for %s: %v", path, err)
		}
		lock.Unlock(ctx)
	}
	return nil
}

// PersistSnapshot canonical-JSON-encodes the current pending map to the
// optional diagnostic journal. It is purely informational: nothing ever
// loads this back into the reducer automatically, since that would bypass
// the replicated log.
func (c *Coordinator) PersistSnapshot(ctx context.Context) error {
	if c.journal == nil {
		return nil
	}
	data, err := canonicaljson.Marshal(c.reducer.snapshot())
	if err != nil {
		return errors.Wrap(err, "marshaling pending map snapshot")
	}
	return c.journal.Save(ctx, journalKey, data)
}

// RandomPeer chooses uniformly at random from a list of candidate node ids,
// used by the sync worker when choosing which already-synced peer to pull
// an update from.
func RandomPeer(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}
