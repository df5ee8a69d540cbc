package consensus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

type echoApplier struct {
	applied [][]byte
}

func (e *echoApplier) Apply(payload []byte) interface{} {
	e.applied = append(e.applied, payload)
	return len(e.applied)
}

func (e *echoApplier) Snapshot() ([]byte, error) { return nil, nil }
func (e *echoApplier) Restore(data []byte) error { return nil }

func freePort(t *testing.T) int {
	t.Helper()
	return 21000 + int(time.Now().UnixNano()%5000)
}

func newTestEngine(t *testing.T) (*Engine, *echoApplier) {
	t.Helper()
	dir := t.TempDir()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	applier := &echoApplier{}
	cfg := Config{
		LocalID:  addr,
		BindAddr: addr,
		DataDir:  filepath.Join(dir, "raft"),
		Servers:  []Server{{ID: addr, Addr: addr}},
		LockTTL:  200 * time.Millisecond,
	}
	e, err := New(cfg, applier)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })

	deadline := time.Now().Add(5 * time.Second)
	for !e.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for single-node leadership")
		}
		time.Sleep(25 * time.Millisecond)
	}
	return e, applier
}

func TestEngineProposeAppliesOnce(t *testing.T) {
	e, applier := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.Propose(ctx, []byte("hello")); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(applier.applied) != 1 || string(applier.applied[0]) != "hello" {
		t.Fatalf("got %v", applier.applied)
	}
}

func TestTryLockExclusion(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	u1, ok, err := e.TryLock(ctx, "announce:/a")
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}

	_, ok2, err := e.TryLock(ctx, "announce:/a")
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("second TryLock should have failed while held")
	}

	if err := u1.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	_, ok3, err := e.TryLock(ctx, "announce:/a")
	if err != nil || !ok3 {
		t.Fatalf("TryLock after unlock: ok=%v err=%v", ok3, err)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok, err := e.TryLock(ctx, "cleanup:/b")
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}

	time.Sleep(e.lockTTL + 100*time.Millisecond)

	_, ok2, err := e.TryLock(ctx, "cleanup:/b")
	if err != nil {
		t.Fatal(err)
	}
	if !ok2 {
		t.Fatal("expected lock to be acquirable once expired")
	}
}

func TestLockBusyWaits(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	u1, ok, err := e.TryLock(ctx, "cleanup:/c")
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Lock(ctx, "cleanup:/c")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := u1.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Lock never acquired after release")
	}
}
