package consensus

import (
	"context"
	"time"
)

// Unlocker releases a lock previously granted by Engine.TryLock or
// Engine.Lock. Releasing twice is a no-op.
type Unlocker struct {
	engine   *Engine
	name     string
	holder   string
	released bool
}

// Unlock releases the lock. Best-effort: if the proposal fails (e.g. no
// quorum), the lock will still expire on its own after its TTL.
func (u *Unlocker) Unlock(ctx context.Context) error {
	if u == nil || u.released {
		return nil
	}
	u.released = true
	_, err := u.engine.apply(ctx, envelope{Kind: kindLockRelease, Lock: u.name, Holder: u.holder})
	return err
}

// TryLock attempts to acquire the named lock once. If it is currently held
// (by any holder, this node included) and not yet expired, ok is false and the caller should
// treat this as "return silently" per spec.md's announce protocol.
func (e *Engine) TryLock(ctx context.Context, name string) (*Unlocker, bool, error) {
	resp, err := e.apply(ctx, envelope{
		Kind:   kindLockAcquire,
		Lock:   name,
		Holder: e.localID,
		TTLMS:  e.lockTTL.Milliseconds(),
	})
	if err != nil {
		return nil, false, err
	}
	granted, _ := resp.(bool)
	if !granted {
		return nil, false, nil
	}
	return &Unlocker{engine: e, name: name, holder: e.localID}, true, nil
}

// Lock busy-waits, retrying TryLock on a short interval, until the named
// lock is acquired or ctx is done. This is the literal "busy-wait until
// cleanup:<path> can be acquired" behavior spec.md's announce protocol
// describes.
func (e *Engine) Lock(ctx context.Context, name string) (*Unlocker, error) {
	for {
		u, ok, err := e.TryLock(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return u, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}
