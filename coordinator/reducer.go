package coordinator

import (
	"sync"

	canonicaljson "github.com/gibson042/canonicaljson-go"
	"github.com/pkg/errors"
)

// reducer owns PendingMap and implements consensus.LogApplier. All mutation
// happens inside Apply, invoked once per committed log entry on every
// replica in the same order — this is the only place PendingMap changes.
type reducer struct {
	mu      sync.RWMutex
	pending PendingMap
}

func newReducer() *reducer {
	return &reducer{pending: make(PendingMap)}
}

// Apply implements consensus.LogApplier.
func (r *reducer) Apply(payload []byte) interface{} {
	var t transition
	if err := canonicaljson.Unmarshal(payload, &t); err != nil {
		return errors.Wrap(err, "decoding transition")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch t.Kind {
	case kindAnnounceUpdate:
		// Invariant 4: a new announcement fully supersedes any prior entry
		// for the same path; invariant 1: originator is always first.
		r.pending[t.Path] = PendingEntry{Event: t.Event, SyncedTo: []string{t.Source}}
		return nil

	case kindAnnounceAcquisition:
		entry, ok := r.pending[t.Path]
		if !ok || entry.hasSynced(t.Node) {
			return nil
		}
		entry.SyncedTo = append(entry.SyncedTo, t.Node)
		r.pending[t.Path] = entry
		return nil

	case kindCleanupEntry:
		delete(r.pending, t.Path)
		return nil

	default:
		return errors.Errorf("unknown transition kind %q", t.Kind)
	}
}

// Snapshot implements consensus.LogApplier.
func (r *reducer) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, err := canonicaljson.Marshal(r.pending)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling pending map")
	}
	return data, nil
}

// Restore implements consensus.LogApplier.
func (r *reducer) Restore(data []byte) error {
	pending := make(PendingMap)
	if len(data) > 0 {
		if err := canonicaljson.Unmarshal(data, &pending); err != nil {
			return errors.Wrap(err, "unmarshaling pending map")
		}
	}
	r.mu.Lock()
	r.pending = pending
	r.mu.Unlock()
	return nil
}

// snapshot returns a deep copy of the current pending map.
func (r *reducer) snapshot() PendingMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending.clone()
}

// entry returns a copy of the entry at path, if any.
func (r *reducer) entry(path string) (PendingEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pending[path]
	if !ok {
		return PendingEntry{}, false
	}
	return e.clone(), true
}
