// Command nsync keeps a directory tree mirrored across a small, statically
// configured cluster. Any file written or removed under the given path on
// one node propagates to every other node, with no designated primary.
//
// Start one process per cluster member, each given the same -cluster list
// and its own -host/-cluster-port/-file-server-port; -host and
// -cluster-port must match that member's entry in -cluster:
//
//	nsync -cluster-port 10001 -file-server-port 8081 \
//	      -cluster localhost:10001:8081,localhost:10002:8082,localhost:10003:8083 \
//	      /srv/mirror
//
// Exits non-zero on argument parse failure; otherwise runs until killed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bagrat/nsync/consensus"
	"github.com/bagrat/nsync/coordinator"
	"github.com/bagrat/nsync/fileserver"
	"github.com/bagrat/nsync/internal/config"
	"github.com/bagrat/nsync/internal/metrics"
	"github.com/bagrat/nsync/journal"
	_ "github.com/bagrat/nsync/journal/postgres"
	_ "github.com/bagrat/nsync/journal/sqlite3"
	"github.com/bagrat/nsync/node"
	"github.com/bagrat/nsync/syncworker"
	"github.com/bagrat/nsync/watcher"
)

func main() {
	var (
		host           = flag.String("host", "localhost", "own bind host")
		fileServerPort = flag.Uint("file-server-port", 0, "file-serving endpoint port (required)")
		clusterPort    = flag.Uint("cluster-port", 0, "consensus/coordination port (required)")
		clusterCSV     = flag.String("cluster", "", "comma-separated host:coord_port:file_port triples, one per cluster member including self (required)")
		configPath     = flag.String("config", "", "optional path to an ambient settings YAML file")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		log.Print("exactly one positional <path> argument is required")
		flag.Usage()
		os.Exit(2)
	}
	root := flag.Arg(0)

	if *fileServerPort == 0 || *clusterPort == 0 || *clusterCSV == "" {
		log.Print("-file-server-port, -cluster-port, and -cluster are all required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	cluster, errs := node.ParseCluster(*clusterCSV)
	for _, err := range errs {
		log.Printf("skipping malformed cluster entry: %v", err)
	}

	self, ok := cluster.Self(*host, uint16(*clusterPort))
	if !ok {
		log.Fatalf("own address %s:%d not found among -cluster entries", *host, *clusterPort)
	}
	self.FilePort = uint16(*fileServerPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("got signal %s, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, root, self, cluster, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, root string, self node.Node, cluster node.Cluster, cfg config.Config) error {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	var servers []consensus.Server
	for _, n := range cluster.Nodes {
		servers = append(servers, consensus.Server{ID: n.ID(), Addr: n.CoordAddr()})
	}

	coordCfg := consensus.Config{
		LocalID:  self.ID(),
		BindAddr: self.CoordAddr(),
		DataDir:  cfg.DataDir + "/" + sanitizeDirName(self.ID()),
		Servers:  servers,
		LockTTL:  cfg.LockTTL,
	}

	coord, reducerApplier := coordinator.New(nil, self.ID(), cluster.Size())

	engine, err := consensus.New(coordCfg, reducerApplier)
	if err != nil {
		return fmt.Errorf("starting consensus engine: %w", err)
	}
	defer engine.Shutdown()

	coord.SetEngine(coordinator.WrapEngine(engine))

	if cfg.Journal.Backend != "" {
		j, err := journal.Create(ctx, cfg.Journal.Backend, cfg.Journal.Options)
		if err != nil {
			log.Printf("journal disabled: %v", err)
		} else {
			coord.SetJournal(j)
		}
	}

	fileSrv, err := fileserver.New(root, cfg.FileCacheSize)
	if err != nil {
		return fmt.Errorf("starting file server: %w", err)
	}
	if collector != nil {
		fileSrv.Metrics = collector
	}

	ws := &watcher.WorkingSet{}
	fsWatcher := watcher.New(root, coord, ws)
	fsWatcher.Cache = fileSrv
	worker := syncworker.New(root, coord, cluster, ws)
	if collector != nil {
		worker.Metrics = collector
	}
	worker.Journal = coord

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return serveHTTP(egCtx, self.FileAddr(), fileSrv)
	})

	eg.Go(func() error {
		return fsWatcher.Run(egCtx)
	})

	eg.Go(func() error {
		return worker.Run(egCtx)
	})

	if collector != nil {
		eg.Go(func() error {
			return collector.Serve(egCtx, cfg.Metrics.Addr)
		})
	}

	return eg.Wait()
}

// serveHTTP runs an HTTP server on addr until ctx is canceled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func sanitizeDirName(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if r == ':' || r == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
