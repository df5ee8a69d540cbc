// Package syncworker periodically reconciles the local file tree with the
// pending-files map: it pulls bytes for entries it hasn't yet applied,
// deletes files for DELETED entries, acknowledges each locally, and drives
// the leader-only cleanup sweep — spec.md §4.D's single 1-second tick.
package syncworker

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/bagrat/nsync/coordinator"
	"github.com/bagrat/nsync/node"
	"github.com/bagrat/nsync/watcher"
)

// Coordinator is the subset of *coordinator.Coordinator the worker needs.
type Coordinator interface {
	GetFilesToSync() coordinator.PendingMap
	AnnounceAcquisition(ctx context.Context, path string) error
	Cleanup(ctx context.Context) error
}

// MetricsSink optionally records per-tick counters. A nil sink disables
// metrics, letting tests and minimal deployments skip wiring one in.
type MetricsSink interface {
	ObservePull(success bool)
	ObserveDelete(success bool)
	SetPendingSize(n int)
}

// Journal optionally persists a diagnostic snapshot once per tick.
type Journal interface {
	PersistSnapshot(ctx context.Context) error
}

const tickInterval = time.Second

// pullRetryInterval spaces out retries in pullAndWrite so an unreachable
// peer produces a slow loop instead of a busy-spin that starves the rest
// of the tick's entries.
const pullRetryInterval = 200 * time.Millisecond

// Worker is the sync-worker loop.
type Worker struct {
	Root        string
	Coordinator Coordinator
	Cluster     node.Cluster
	WorkingSet  *watcher.WorkingSet
	Metrics     MetricsSink
	Journal     Journal

	httpClient *http.Client
}

// New constructs a Worker. root is the managed directory; cluster resolves
// node ids to file-serving addresses for peer pulls.
func New(root string, coord Coordinator, cluster node.Cluster, ws *watcher.WorkingSet) *Worker {
	return &Worker{
		Root:        root,
		Coordinator: coord,
		Cluster:     cluster,
		WorkingSet:  ws,
		httpClient:  &http.Client{},
	}
}

// Run ticks once a second until ctx is canceled. A panic or error within a
// single tick never stops the loop; the next tick starts fresh.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("syncworker: tick panicked: %v", r)
		}
	}()

	if err := w.Coordinator.Cleanup(ctx); err != nil {
		log.Printf("syncworker: cleanup: %v", err)
	}

	pending := w.Coordinator.GetFilesToSync()

	if w.Metrics != nil {
		w.Metrics.SetPendingSize(len(pending))
	}

	if w.WorkingSet != nil {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		w.WorkingSet.Publish(paths)
	}

	for path, entry := range pending {
		w.apply(ctx, path, entry)
	}

	if w.Journal != nil {
		if err := w.Journal.PersistSnapshot(ctx); err != nil {
			log.Printf("syncworker: persisting snapshot: %v", err)
		}
	}
}

func (w *Worker) apply(ctx context.Context, path string, entry coordinator.PendingEntry) {
	var err error
	switch entry.Event {
	case coordinator.Modified:
		err = w.pullAndWrite(ctx, path, entry.SyncedTo)
		w.observePull(err == nil)
	case coordinator.Deleted:
		err = w.deleteLocal(path)
		w.observeDelete(err == nil)
	}
	if err != nil {
		log.Printf("syncworker: applying %s: %v", path, err)
		return
	}

	if err := w.Coordinator.AnnounceAcquisition(ctx, path); err != nil {
		log.Printf("syncworker: acknowledging %s: %v", path, err)
	}
}

// pullAndWrite fetches path from a uniformly random peer in candidates,
// retrying with a fresh random choice on any non-2xx response or
// connection failure. It is a loop rather than recursion (§9's "recursive
// retry of network fetch"), so the stack stays flat; retries have no
// ceiling and end only on success or when ctx is done.
func (w *Worker) pullAndWrite(ctx context.Context, path string, candidates []string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		peerID, ok := coordinator.RandomPeer(candidates)
		if !ok {
			return errors.Errorf("no peers known to hold %s", path)
		}

		data, err := w.fetch(ctx, peerID, path)
		if err != nil {
			log.Printf("syncworker: pulling %s from %s: %v", path, peerID, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pullRetryInterval):
			}
			continue
		}

		full := filepath.Join(w.Root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o777); err != nil {
			return errors.Wrapf(err, "creating parent dirs for %s", full)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", full)
		}
		return nil
	}
}

func (w *Worker) fetch(ctx context.Context, peerID, path string) ([]byte, error) {
	peer, ok := w.Cluster.ByID(peerID)
	if !ok {
		return nil, errors.Errorf("unknown peer %s", peerID)
	}

	url := "http://" + peer.FileAddr() + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "requesting")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	return data, nil
}

func (w *Worker) deleteLocal(path string) error {
	full := filepath.Join(w.Root, filepath.FromSlash(path))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", full)
	}
	return nil
}

func (w *Worker) observePull(success bool) {
	if w.Metrics != nil {
		w.Metrics.ObservePull(success)
	}
}

func (w *Worker) observeDelete(success bool) {
	if w.Metrics != nil {
		w.Metrics.ObserveDelete(success)
	}
}
