// Package gateway wires the HTTP facade, the session pool, and the
// Prometheus collectors into one process lifecycle: startup, the
// SIGINT/SIGTERM shutdown sequence, and the HTTP listener.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Veraticus/kirogate/internal/bridge"
	"github.com/Veraticus/kirogate/internal/httpapi"
	"github.com/Veraticus/kirogate/internal/metrics"
	"github.com/Veraticus/kirogate/internal/pool"
	"github.com/Veraticus/kirogate/internal/router"
)

// ShutdownTimeout bounds how long Stop waits for the HTTP server to
// finish in-flight requests before giving up. The pool shutdown that
// follows is not bounded by it.
const ShutdownTimeout = 30 * time.Second

const metricsRefreshInterval = 15 * time.Second

// Config configures a Gateway's subprocess command, network address,
// and policy knobs; it is the program-level surface the CLI binds
// flags to.
type Config struct {
	Host string
	Port int

	KiroBin        string
	KiroSubcommand string
	KiroArgs       []string
	Cwd            string

	IdleTimeout time.Duration
	RoutesPath  string
}

// Gateway owns the pool, the HTTP server, and the metrics registry for
// one run of the process.
type Gateway struct {
	cfg     Config
	log     *slog.Logger
	pool    *pool.Pool
	server  *http.Server
	metrics *metrics.Collectors

	stopMetricsRefresh chan struct{}
}

// New constructs a Gateway without starting anything. Routes are read
// once from cfg.RoutesPath if set.
func New(cfg Config) (*Gateway, error) {
	var routes *router.Table
	if cfg.RoutesPath != "" {
		var err error
		routes, err = router.LoadTable(cfg.RoutesPath)
		if err != nil {
			return nil, fmt.Errorf("gateway: loading routes: %w", err)
		}
	}

	reg := prometheus.NewRegistry()

	p := pool.New(pool.Options{
		Command:     cfg.KiroBin,
		Subcommand:  cfg.KiroSubcommand,
		ExtraArgs:   cfg.KiroArgs,
		Cwd:         cfg.Cwd,
		IdleTimeout: cfg.IdleTimeout,
		Routes:      routes,
	})

	collectors := metrics.NewCollectors(reg, p)
	p.SetOnReset(collectors.RecordReset)

	handler := bridge.NewHandler(p).WithPromptDurationHook(collectors.ObservePromptDuration)
	facade := httpapi.NewFacade(p, handler)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", facade)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Gateway{
		cfg:                cfg,
		log:                slog.Default().With("component", "gateway"),
		pool:               p,
		server:             &http.Server{Addr: addr, Handler: mux},
		metrics:            collectors,
		stopMetricsRefresh: make(chan struct{}),
	}, nil
}

// Run starts the listener and blocks until ctx is canceled (typically
// by Run's own SIGINT/SIGTERM handling via RunWithSignals), then
// performs the shutdown sequence described in §5: close the listener,
// call pool shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	go g.refreshMetricsLoop()

	errCh := make(chan error, 1)
	go func() {
		g.log.Info("listening", "addr", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		g.Stop()
		return err
	case <-ctx.Done():
		return g.Stop()
	}
}

// RunWithSignals runs Run with a context canceled on SIGINT/SIGTERM,
// the CLI's entry point.
func (g *Gateway) RunWithSignals() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		g.log.Info("shutdown signal received")
		cancel()
	}()

	return g.Run(ctx)
}

// Stop closes the listener, stops the metrics refresh loop, and shuts
// the pool down (best-effort synchronous: stop timers, SIGTERM every
// child, SIGKILL after the grace period).
func (g *Gateway) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	close(g.stopMetricsRefresh)

	err := g.server.Shutdown(shutdownCtx)
	g.pool.Shutdown()
	return err
}

func (g *Gateway) refreshMetricsLoop() {
	ticker := time.NewTicker(metricsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopMetricsRefresh:
			return
		case <-ticker.C:
			g.metrics.Refresh()
		}
	}
}
