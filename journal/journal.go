// Package journal is an optional, purely diagnostic persistence layer for
// the pending-files map: a snapshot written once per sync-worker tick so an
// operator can inspect recent coordinator state after a crash. It is never
// consulted automatically on startup — spec.md explicitly allows a replica
// to rejoin with an empty pending map, and loading a journaled snapshot
// back into the replicated FSM outside the consensus log would risk
// inter-replica divergence.
package journal

import (
	"context"
	"fmt"
)

// Journal stores and retrieves opaque, canonical-JSON-encoded snapshots by
// key. Implementations are registered by name via Register and constructed
// via Create, mirroring a pluggable-backend registry.
type Journal interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)

	// Keys lists every snapshot currently journaled. Used by operator
	// tooling (and tests), never by the Coordinator itself.
	Keys(ctx context.Context) ([]string, error)
}

// Factory constructs a Journal from a configuration map (as decoded from
// the ambient YAML config file's journal section).
type Factory func(ctx context.Context, conf map[string]interface{}) (Journal, error)

var registry = make(map[string]Factory)

// Register registers f as the factory for journal backends named key.
// Backend packages (journal/sqlite3, journal/postgres) call this from an
// init function.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create constructs a Journal of the type named by key using conf.
func Create(ctx context.Context, key string, conf map[string]interface{}) (Journal, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("journal: backend %q not registered", key)
	}
	return f(ctx, conf)
}
