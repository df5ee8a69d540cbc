package syncworker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/bagrat/nsync/coordinator"
	"github.com/bagrat/nsync/node"
)

type fakeCoordinator struct {
	pending      coordinator.PendingMap
	acquisitions []string
	cleanupCalls int
}

func (f *fakeCoordinator) GetFilesToSync() coordinator.PendingMap {
	return f.pending
}

func (f *fakeCoordinator) AnnounceAcquisition(ctx context.Context, path string) error {
	f.acquisitions = append(f.acquisitions, path)
	delete(f.pending, path)
	return nil
}

func (f *fakeCoordinator) Cleanup(ctx context.Context) error {
	f.cleanupCalls++
	return nil
}

func TestTickPullsAndWritesModifiedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("contents1"))
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.Listener.Addr().String())
	cluster := node.Cluster{Nodes: []node.Node{{Host: host, CoordPort: 1, FilePort: port}}}
	peerID := cluster.Nodes[0].ID()

	root := t.TempDir()
	coord := &fakeCoordinator{pending: coordinator.PendingMap{
		"a.txt": {Event: coordinator.Modified, SyncedTo: []string{peerID}},
	}}

	w := New(root, coord, cluster, nil)
	w.tick(context.Background())

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "contents1" {
		t.Errorf("got %q", data)
	}
	if len(coord.acquisitions) != 1 || coord.acquisitions[0] != "a.txt" {
		t.Errorf("acquisitions = %v", coord.acquisitions)
	}
	if coord.cleanupCalls != 1 {
		t.Errorf("cleanupCalls = %d, want 1", coord.cleanupCalls)
	}
}

func TestTickDeletesLocalFile(t *testing.T) {
	root := t.TempDir()
	full := filepath.Join(root, "b.txt")
	if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	coord := &fakeCoordinator{pending: coordinator.PendingMap{
		"b.txt": {Event: coordinator.Deleted, SyncedTo: []string{"other"}},
	}}

	w := New(root, coord, node.Cluster{}, nil)
	w.tick(context.Background())

	if _, err := os.Stat(full); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed, stat err = %v", err)
	}
	if len(coord.acquisitions) != 1 {
		t.Errorf("acquisitions = %v", coord.acquisitions)
	}
}

func TestTickDeleteMissingFileIsNotAnError(t *testing.T) {
	root := t.TempDir()
	coord := &fakeCoordinator{pending: coordinator.PendingMap{
		"missing.txt": {Event: coordinator.Deleted, SyncedTo: []string{"other"}},
	}}

	w := New(root, coord, node.Cluster{}, nil)
	w.tick(context.Background())

	if len(coord.acquisitions) != 1 {
		t.Errorf("acquisitions = %v, want 1 even though file never existed", coord.acquisitions)
	}
}

func splitHostPort(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatal(err)
	}
	return host, uint16(port)
}
