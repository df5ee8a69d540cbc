// Package metrics exposes a Prometheus registry and the counters the sync
// worker and file server record into, on an optional HTTP endpoint. Wholly
// optional: a nil *Collector is safe for every method below to be called
// through the interfaces that accept one (syncworker.MetricsSink), so
// leaving metrics unconfigured costs nothing.
package metrics

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds this repository's Prometheus metrics and serves them.
type Collector struct {
	registry *prometheus.Registry

	pulls       *prometheus.CounterVec
	deletes     *prometheus.CounterVec
	fileServed  prometheus.Counter
	pendingSize prometheus.Gauge

	server *http.Server
}

// NewCollector constructs a Collector and registers its metrics with a
// fresh Prometheus registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsync",
			Name:      "sync_pulls_total",
			Help:      "Peer file pulls attempted by the sync worker, by outcome.",
		}, []string{"outcome"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nsync",
			Name:      "sync_deletes_total",
			Help:      "Local file deletions applied by the sync worker, by outcome.",
		}, []string{"outcome"}),
		fileServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nsync",
			Name:      "files_served_total",
			Help:      "Files served to peers by the file-serving endpoint.",
		}),
		pendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nsync",
			Name:      "pending_entries",
			Help:      "Entries currently in the pending-files map needing local action.",
		}),
	}

	registry.MustRegister(c.pulls, c.deletes, c.fileServed, c.pendingSize)
	return c
}

// ObservePull implements syncworker.MetricsSink.
func (c *Collector) ObservePull(success bool) {
	if c == nil {
		return
	}
	c.pulls.WithLabelValues(outcome(success)).Inc()
}

// ObserveDelete implements syncworker.MetricsSink.
func (c *Collector) ObserveDelete(success bool) {
	if c == nil {
		return
	}
	c.deletes.WithLabelValues(outcome(success)).Inc()
}

// ObserveFileServed records one successful file-serving GET.
func (c *Collector) ObserveFileServed() {
	if c == nil {
		return
	}
	c.fileServed.Inc()
}

// SetPendingSize records the current size of the local pending-files view.
func (c *Collector) SetPendingSize(n int) {
	if c == nil {
		return
	}
	c.pendingSize.Set(float64(n))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Serve starts the Prometheus /metrics HTTP endpoint on addr and blocks
// until ctx is canceled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return c.server.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serving metrics")
	}
}
