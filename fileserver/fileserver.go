// Package fileserver exposes the managed root over a minimal read-only
// HTTP GET interface so peers can pull file contents — spec.md §4.E. It is
// fronted by an LRU cache of whole-file bytes keyed by relative path.
package fileserver

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// DefaultCacheSize bounds the number of whole files kept in memory. Files
// in this system are not chunked (spec.md's Non-goals explicitly exclude
// delta/partial sync), so the cache key is simply the relative path.
const DefaultCacheSize = 256

// MetricsSink optionally records one counter per successfully served file.
type MetricsSink interface {
	ObserveFileServed()
}

// Server serves Root's contents over GET, binary-safe, no range support,
// no directory listing, no authentication — matching spec.md §4.E exactly.
type Server struct {
	Root    string
	Metrics MetricsSink

	cache *lru.Cache
}

// New constructs a Server rooted at root with an LRU cache of the given
// size (DefaultCacheSize if size <= 0).
func New(root string, size int) (*Server, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "constructing file cache")
	}
	return &Server{Root: root, cache: c}, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/")
	if rel == "" || strings.Contains(rel, "..") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if cached, ok := s.cache.Get(rel); ok {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(cached.([]byte))
		s.observeServed()
		return
	}

	full := filepath.Join(s.Root, filepath.FromSlash(rel))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Printf("fileserver: reading %s: %v", full, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.cache.Add(rel, data)

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		log.Printf("fileserver: writing response for %s: %v", full, err)
	}
	s.observeServed()
}

func (s *Server) observeServed() {
	if s.Metrics != nil {
		s.Metrics.ObserveFileServed()
	}
}

// Invalidate drops rel from the cache, for use after a local write or
// delete so the next peer pull observes the new contents (or its absence)
// rather than a stale cached copy.
func (s *Server) Invalidate(rel string) {
	s.cache.Remove(rel)
}
