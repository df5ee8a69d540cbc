package coordinator

import (
	"context"
	"sync"
	"testing"
)

// fakeEngine replicates transitions synchronously in-process, applying
// them straight to a reducer, and implements the lock API with a plain
// mutex-guarded map — enough to exercise the Coordinator protocol without
// raft.
type fakeEngine struct {
	mu      sync.Mutex
	reducer *reducer
	locks   map[string]bool
	leader  bool
}

func newFakeEngine(r *reducer) *fakeEngine {
	return &fakeEngine{reducer: r, locks: make(map[string]bool), leader: true}
}

func (f *fakeEngine) Propose(ctx context.Context, payload []byte) error {
	f.reducer.Apply(payload)
	return nil
}

type fakeUnlocker struct {
	engine *fakeEngine
	name   string
}

func (u *fakeUnlocker) Unlock(ctx context.Context) error {
	u.engine.mu.Lock()
	delete(u.engine.locks, u.name)
	u.engine.mu.Unlock()
	return nil
}

func (f *fakeEngine) TryLock(ctx context.Context, name string) (Unlocker, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[name] {
		return nil, false, nil
	}
	f.locks[name] = true
	return &fakeUnlocker{engine: f, name: name}, true, nil
}

func (f *fakeEngine) Lock(ctx context.Context, name string) (Unlocker, error) {
	for {
		u, ok, err := f.TryLock(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return u, nil
		}
	}
}

func (f *fakeEngine) IsLeader() bool { return f.leader }

func (f *fakeEngine) LeaderAddr() string { return "fake-leader" }

func newTestCoordinator(localID string, clusterSize int) (*Coordinator, *fakeEngine) {
	c, r := New(nil, localID, clusterSize)
	eng := newFakeEngine(r)
	c.engine = eng
	return c, eng
}

func TestAnnounceUpdateCreatesEntry(t *testing.T) {
	c, _ := newTestCoordinator("n1", 3)
	ctx := context.Background()

	if err := c.TryAnnounceUpdate(ctx, "a.txt", Modified); err != nil {
		t.Fatal(err)
	}

	entry, ok := c.reducer.entry("a.txt")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if entry.Event != Modified {
		t.Errorf("event = %v", entry.Event)
	}
	if len(entry.SyncedTo) != 1 || entry.SyncedTo[0] != "n1" {
		t.Errorf("synced_to = %v, want [n1]", entry.SyncedTo)
	}
}

func TestAnnounceUpdateIdempotentForHolder(t *testing.T) {
	c, _ := newTestCoordinator("n1", 3)
	ctx := context.Background()

	if err := c.TryAnnounceUpdate(ctx, "a.txt", Modified); err != nil {
		t.Fatal(err)
	}
	if err := c.TryAnnounceUpdate(ctx, "a.txt", Modified); err != nil {
		t.Fatal(err)
	}

	entry, _ := c.reducer.entry("a.txt")
	if len(entry.SyncedTo) != 1 {
		t.Errorf("re-announce by holder should not grow synced_to: %v", entry.SyncedTo)
	}
}

func TestAnnounceUpdateDeclinedForNonHolder(t *testing.T) {
	c1, eng := newTestCoordinator("n1", 3)
	ctx := context.Background()

	if err := c1.TryAnnounceUpdate(ctx, "a.txt", Modified); err != nil {
		t.Fatal(err)
	}

	c2, _ := New(nil, "n2", 3)
	c2.engine = eng
	c2.reducer = eng.reducer // same replicated state as n1

	if err := c2.TryAnnounceUpdate(ctx, "a.txt", Modified); err != nil {
		t.Fatal(err)
	}

	entry, _ := c1.reducer.entry("a.txt")
	if entry.SyncedTo[0] != "n1" {
		t.Fatalf("non-holder announce should have been declined, got %v", entry.SyncedTo)
	}
}

func TestSupersessionResetsSyncedTo(t *testing.T) {
	c, _ := newTestCoordinator("n1", 3)
	ctx := context.Background()

	if err := c.TryAnnounceUpdate(ctx, "a.txt", Modified); err != nil {
		t.Fatal(err)
	}
	if err := c.AnnounceAcquisition(ctx, "a.txt"); err != nil {
		t.Fatal(err)
	}
	// n1 re-announces: should supersede, discarding prior synced_to,
	// leaving just the originator again.
	if err := c.TryAnnounceUpdate(ctx, "a.txt", Deleted); err != nil {
		t.Fatal(err)
	}

	entry, _ := c.reducer.entry("a.txt")
	if entry.Event != Deleted {
		t.Errorf("event = %v, want Deleted", entry.Event)
	}
	if len(entry.SyncedTo) != 1 || entry.SyncedTo[0] != "n1" {
		t.Errorf("synced_to = %v, want [n1]", entry.SyncedTo)
	}
}

func TestAnnounceAcquisitionAppendsUnique(t *testing.T) {
	c, _ := newTestCoordinator("n1", 3)
	ctx := context.Background()

	c.TryAnnounceUpdate(ctx, "a.txt", Modified)
	c.AnnounceAcquisition(ctx, "a.txt")
	c.AnnounceAcquisition(ctx, "a.txt") // duplicate, should not grow

	entry, _ := c.reducer.entry("a.txt")
	if len(entry.SyncedTo) != 1 {
		t.Errorf("synced_to = %v, want single entry (n1 is both originator and acquirer)", entry.SyncedTo)
	}
}

func TestGetFilesToSyncExcludesLocalNode(t *testing.T) {
	c1, eng := newTestCoordinator("n1", 3)
	ctx := context.Background()
	c1.TryAnnounceUpdate(ctx, "a.txt", Modified)

	c2, _ := New(nil, "n2", 3)
	c2.engine = eng
	c2.reducer = eng.reducer // same replicated state as n1

	toSync := c2.GetFilesToSync()
	if _, ok := toSync["a.txt"]; !ok {
		t.Fatal("n2 should still need to sync a.txt")
	}

	toSync1 := c1.GetFilesToSync()
	if _, ok := toSync1["a.txt"]; ok {
		t.Fatal("n1 is the originator and should not need to sync its own entry")
	}
}

func TestCleanupRemovesFullyPropagatedEntry(t *testing.T) {
	c1, eng := newTestCoordinator("n1", 3)
	ctx := context.Background()
	c1.TryAnnounceUpdate(ctx, "a.txt", Modified)

	c2, _ := New(nil, "n2", 3)
	c2.engine = eng
	c2.AnnounceAcquisition(ctx, "a.txt")

	c3, _ := New(nil, "n3", 3)
	c3.engine = eng
	c3.AnnounceAcquisition(ctx, "a.txt")

	if err := c1.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok := c1.reducer.entry("a.txt"); ok {
		t.Fatal("expected entry to be cleaned up once all nodes synced")
	}
}

func TestCleanupNoOpForNonLeader(t *testing.T) {
	c, eng := newTestCoordinator("n1", 1)
	eng.leader = false
	ctx := context.Background()
	c.TryAnnounceUpdate(ctx, "a.txt", Modified)

	if err := c.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.reducer.entry("a.txt"); !ok {
		t.Fatal("non-leader cleanup must not remove entries")
	}
}
