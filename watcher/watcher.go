// Package watcher observes the managed root for local file modifications
// and deletions and proposes them to a coordinator.Coordinator, filtering
// out the directory events, spurious pre-delete events, and re-entrant
// echoes of the sync worker's own writes that spec.md §4.C describes.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rjeczalik/notify"

	"github.com/bagrat/nsync/coordinator"
)

// Announcer is the subset of *coordinator.Coordinator the watcher needs.
type Announcer interface {
	TryAnnounceUpdate(ctx context.Context, path string, event coordinator.Event) error
}

// CacheInvalidator is the subset of *fileserver.Server the watcher needs.
// It's notified of every accepted on-disk change to path, whether the
// change originated from a local edit or from the sync worker writing a
// pulled file, so the file-serving cache never hands out stale bytes.
type CacheInvalidator interface {
	Invalidate(path string)
}

// WorkingSet is the single-writer/single-reader cell the sync worker
// publishes its in-flight path set through, so the watcher can drop the
// echo events its own writes and deletes generate.
type WorkingSet struct {
	v atomic.Value // map[string]struct{}
}

// Publish replaces the set of paths currently being synced.
func (w *WorkingSet) Publish(paths []string) {
	next := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		next[p] = struct{}{}
	}
	w.v.Store(next)
}

// Contains reports whether path is in the most recently published set.
func (w *WorkingSet) Contains(path string) bool {
	m, _ := w.v.Load().(map[string]struct{})
	_, ok := m[path]
	return ok
}

// Watcher watches Root recursively and calls Announcer.TryAnnounceUpdate
// for every accepted MODIFIED/DELETED file event.
type Watcher struct {
	Root       string
	Announcer  Announcer
	WorkingSet *WorkingSet
	Cache      CacheInvalidator

	events chan notify.EventInfo
}

// New constructs a Watcher rooted at root.
func New(root string, announcer Announcer, ws *WorkingSet) *Watcher {
	return &Watcher{
		Root:       root,
		Announcer:  announcer,
		WorkingSet: ws,
		events:     make(chan notify.EventInfo, 128),
	}
}

// Run watches the managed tree until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := notify.Watch(filepath.Join(w.Root, "..."), w.events, notify.Write, notify.Remove, notify.Rename); err != nil {
		return errors.Wrapf(err, "watching %s", w.Root)
	}
	defer notify.Stop(w.events)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev notify.EventInfo) {
	path := ev.Path()

	rel, err := filepath.Rel(w.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	info, statErr := os.Stat(path)

	var event coordinator.Event
	switch ev.Event() {
	case notify.Remove, notify.Rename:
		if statErr == nil {
			// Renamed into existence, not out of it; treat like a write.
			if info.IsDir() {
				return
			}
			event = coordinator.Modified
		} else {
			event = coordinator.Deleted
		}
	case notify.Write:
		if statErr != nil {
			// Spurious MODIFIED immediately preceding a DELETED.
			return
		}
		if info.IsDir() {
			return
		}
		event = coordinator.Modified
	default:
		return
	}

	// Invalidate regardless of WorkingSet membership: this event also
	// fires for the sync worker's own pulled writes and deletes, which is
	// exactly when the served cache has gone stale.
	if w.Cache != nil {
		w.Cache.Invalidate(rel)
	}

	if w.WorkingSet != nil && w.WorkingSet.Contains(rel) {
		return
	}

	if err := w.Announcer.TryAnnounceUpdate(ctx, rel, event); err != nil {
		log.Printf("watcher: announcing %s: %v", rel, err)
	}
}
