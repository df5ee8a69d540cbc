// Package coordinator holds the pending-files map — the sole piece of
// application state replicated by consensus.Engine — and the protocol
// spec.md calls the replicated state engine: announce, acquisition, and
// cleanup transitions. Announce and cleanup are serialized by the named
// locks the consensus layer provides; acquisition needs no lock.
package coordinator

// Event is the kind of change a PendingEntry records.
type Event string

const (
	Modified Event = "MODIFIED"
	Deleted  Event = "DELETED"
)

// PendingEntry is one in-flight change awaiting propagation to every node
// in the cluster.
type PendingEntry struct {
	Event Event `json:"event"`

	// SyncedTo is the ordered set of node ids that have observed the local
	// result of this change, originator first. Order beyond that is not
	// semantically meaningful.
	SyncedTo []string `json:"synced_to"`
}

func (e PendingEntry) hasSynced(id string) bool {
	for _, s := range e.SyncedTo {
		if s == id {
			return true
		}
	}
	return false
}

func (e PendingEntry) clone() PendingEntry {
	out := PendingEntry{Event: e.Event, SyncedTo: make([]string, len(e.SyncedTo))}
	copy(out.SyncedTo, e.SyncedTo)
	return out
}

// PendingMap is the replicated mapping of relative path to PendingEntry.
type PendingMap map[string]PendingEntry

func (m PendingMap) clone() PendingMap {
	out := make(PendingMap, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}
