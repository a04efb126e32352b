package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/wesm/offlinesales/internal/config"
	"github.com/wesm/offlinesales/internal/connectivity"
	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/queue"
	"github.com/wesm/offlinesales/internal/remote"
	"github.com/wesm/offlinesales/internal/server"
	"github.com/wesm/offlinesales/internal/stock"
	"github.com/wesm/offlinesales/internal/sync"
)

const (
	stockWatchDebounce = 500 * time.Millisecond
	cleanupInterval    = time.Hour
	shutdownTimeout    = 5 * time.Second
)

// daemon keeps the queue draining in the background: it syncs
// when connectivity returns and on a timer, refreshes the stock
// baseline from the backend, and trims old completed records.
type daemon struct {
	cfg      config.Config
	db       *db.DB
	queue    *queue.Queue
	client   *remote.Client
	engine   *sync.Engine
	monitor  *connectivity.Monitor
	baseline *stock.Baseline
	progress *server.ProgressHub
	registry *prometheus.Registry
	depth    *prometheus.GaugeVec
	log      *zap.Logger

	trigger chan struct{}
}

func runDaemon(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(a.out)
	config.RegisterRunFlags(fs)
	revalidate := fs.Bool("revalidate", false,
		"Re-check orders against the stock baseline before sending")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg

	client, err := a.remote()
	if err != nil {
		return err
	}
	d, err := newDaemon(a, client, *revalidate)
	if err != nil {
		return err
	}

	if n, err := a.db.RecoverInterrupted(); err != nil {
		return fmt.Errorf("recovering interrupted operations: %w", err)
	} else if n > 0 {
		fmt.Fprintf(a.out, "Marked %d interrupted operation(s) failed.\n", n)
	}

	watcher, err := stock.NewWatcher(
		d.baseline, cfg.StockFile, stockWatchDebounce, nil, a.log,
	)
	if err != nil {
		a.log.Warn("stock file watcher unavailable", zap.Error(err))
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	d.monitor.Start()
	defer d.monitor.Stop()
	// First probe result lands after the debounce window and
	// fires OnOnline, which starts the first pass.
	go d.monitor.Check(ctx) //nolint:errcheck

	if cfg.ListenAddr != "" {
		stop := d.serve(cfg.ListenAddr)
		defer stop()
	}

	fmt.Fprintf(a.out, "offlinesales %s syncing to %s (every %s)\n",
		version, cfg.RemoteURL, cfg.SyncInterval)
	d.loop(ctx)
	fmt.Fprintln(a.out, "Stopped.")
	return nil
}

func newDaemon(
	a *App, client *remote.Client, revalidate bool,
) (*daemon, error) {
	baseline, err := stock.LoadBaseline(a.cfg.StockFile)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offlinesales_queue_operations",
		Help: "Queued operations by status.",
	}, []string{"status"})
	reg.MustRegister(depth)

	monitor := connectivity.New(false,
		connectivity.WithDebounce(a.cfg.ConnectivityDebounce),
		connectivity.WithProbe(client.Ping, a.cfg.ProbeInterval, a.cfg.CallTimeout),
		connectivity.WithLogger(a.log),
	)

	progress := server.NewProgressHub()
	opts := []sync.Option{
		sync.WithConnectivity(monitor),
		sync.WithProgress(progress.Publish),
		sync.WithCallTimeout(a.cfg.CallTimeout),
		sync.WithMaxAttempts(a.cfg.MaxAttempts),
		sync.WithLogger(a.log),
		sync.WithMetrics(sync.NewMetrics(reg)),
	}
	if revalidate {
		opts = append(opts, sync.WithBaseline(baseline))
	}

	d := &daemon{
		cfg:      a.cfg,
		db:       a.db,
		queue:    a.queue,
		client:   client,
		engine:   sync.NewEngine(a.db, opts...),
		monitor:  monitor,
		baseline: baseline,
		progress: progress,
		registry: reg,
		depth:    depth,
		log:      a.log,
		trigger:  make(chan struct{}, 1),
	}
	monitor.OnOnline(d.kick)
	return d, nil
}

// kick requests a sync pass without blocking. Requests made
// while one is already queued collapse into it.
func (d *daemon) kick() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *daemon) loop(ctx context.Context) {
	var syncTick <-chan time.Time
	if d.cfg.SyncInterval > 0 {
		t := time.NewTicker(d.cfg.SyncInterval)
		defer t.Stop()
		syncTick = t.C
	}
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	d.cleanup()
	d.refreshDepth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			d.syncOnce(ctx)
		case <-syncTick:
			if _, err := d.engine.RetryFailed(); err != nil {
				d.log.Error("requeue failed operations", zap.Error(err))
			}
			d.syncOnce(ctx)
		case <-cleanup.C:
			d.cleanup()
		}
	}
}

// syncOnce pushes both queues and, when the backend answered,
// refreshes the local stock baseline from it.
func (d *daemon) syncOnce(ctx context.Context) {
	defer d.refreshDepth(ctx)

	orders, writeoffs := d.engine.SyncAll(ctx, d.client)
	for name, r := range map[string]sync.Result{
		"orders": orders, "writeoffs": writeoffs,
	} {
		switch {
		case r.Offline || r.InProgress:
			d.log.Debug("sync skipped", zap.String("queue", name),
				zap.Bool("offline", r.Offline))
		case r.Err != nil:
			d.log.Error("sync failed", zap.String("queue", name),
				zap.Error(r.Err))
		case r.Synced > 0 || len(r.Errors) > 0:
			d.log.Info("sync finished", zap.String("queue", name),
				zap.Int("synced", r.Synced), zap.Int("failed", len(r.Errors)))
		}
	}
	if orders.Offline || ctx.Err() != nil {
		return
	}

	if err := d.refreshBaseline(ctx); err != nil {
		d.log.Warn("stock refresh failed", zap.Error(err))
	}
}

func (d *daemon) refreshBaseline(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	levels, err := d.client.FetchStock(callCtx)
	if err != nil {
		return err
	}
	if err := d.baseline.Replace(levels); err != nil {
		return err
	}
	return d.baseline.Save(d.cfg.StockFile)
}

func (d *daemon) cleanup() {
	if d.cfg.Retention <= 0 {
		return
	}
	if _, err := d.queue.Cleanup(d.cfg.Retention); err != nil {
		d.log.Error("cleanup failed", zap.Error(err))
	}
}

func (d *daemon) refreshDepth(ctx context.Context) {
	c, err := d.db.GetOperationCounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("counting operations", zap.Error(err))
		}
		return
	}
	d.depth.WithLabelValues(string(db.StatusPending)).Set(float64(c.Pending))
	d.depth.WithLabelValues(string(db.StatusSyncing)).Set(float64(c.Syncing))
	d.depth.WithLabelValues(string(db.StatusFailed)).Set(float64(c.Failed))
	d.depth.WithLabelValues(string(db.StatusCompleted)).Set(float64(c.Completed))
}

// api builds the local API over the daemon's components.
func (d *daemon) api() *server.Server {
	return server.New(server.Deps{
		Queue:    d.queue,
		Engine:   d.engine,
		Remote:   d.client,
		Monitor:  d.monitor,
		Baseline: d.baseline,
		Progress: d.progress,
	},
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
		server.WithMaxAttempts(d.cfg.MaxAttempts),
		server.WithMetrics(d.registry),
		server.WithLogger(d.log),
	)
}

// serve exposes the local API and metrics on addr and returns a
// func that shuts the listener down.
func (d *daemon) serve(addr string) func() {
	srv := d.api()
	go func() {
		err := srv.ListenAndServe(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("local API", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	}
}
