// gofibd serves an IPv4 longest-prefix-match forwarding table over
// ConnectRPC, fed by static configuration and optionally by GoBGP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gofib/internal/config"
	"github.com/dantte-lp/gofib/internal/fib"
	"github.com/dantte-lp/gofib/internal/fibapi"
	"github.com/dantte-lp/gofib/internal/gobgp"
	fibmetrics "github.com/dantte-lp/gofib/internal/metrics"
	"github.com/dantte-lp/gofib/internal/server"
	appversion "github.com/dantte-lp/gofib/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// poolRefreshInterval is how often the pool usage gauges are refreshed.
const poolRefreshInterval = 5 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// fibDaemon carries the long-lived state shared by the daemon goroutines.
type fibDaemon struct {
	configPath string
	fibCfg     config.FIBConfig
	table      *fib.Shared
	metrics    *fibmetrics.Collector
	logLevel   *slog.LevelVar
	logger     *slog.Logger
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gofibd starting",
		slog.String("version", appversion.Version),
		slog.String("grpc_addr", cfg.GRPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := fibmetrics.NewCollector(reg)

	tbl, err := fib.New(cfg.FIB.TableConfig(), fib.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create forwarding table",
			slog.String("error", err.Error()),
		)
		return 1
	}

	d := &fibDaemon{
		configPath: *configPath,
		fibCfg:     cfg.FIB,
		table:      fib.NewShared(tbl),
		metrics:    collector,
		logLevel:   logLevel,
		logger:     logger,
	}

	d.installRoutes(cfg.Routes)

	if err := d.runServers(cfg, reg, fr); err != nil {
		logger.Error("gofibd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gofibd stopped")
	return 0
}

// runServers sets up and runs the RPC and metrics HTTP servers using an
// errgroup with signal-aware context for graceful shutdown.
func (d *fibDaemon) runServers(cfg *config.Config, reg *prometheus.Registry, fr *trace.FlightRecorder) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	grpcSrv := newGRPCServer(cfg.GRPC, d.table, d.metrics, d.logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	startHTTPServers(gCtx, g, cfg, grpcSrv, metricsSrv, d.logger)
	d.startDaemonGoroutines(gCtx, g)

	bgpClient, err := d.startGoBGPFeed(gCtx, g, cfg.GoBGP)
	if err != nil {
		return fmt.Errorf("start gobgp feed: %w", err)
	}
	defer closeGoBGPClient(bgpClient, d.logger)

	notifyReady(d.logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, d.logger, fr, grpcSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the RPC and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	grpcSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("rpc server listening", slog.String("addr", cfg.GRPC.Addr))
		return listenAndServe(ctx, &lc, grpcSrv, cfg.GRPC.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog, pool gauge and SIGHUP
// reload goroutines.
func (d *fibDaemon) startDaemonGoroutines(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return runWatchdog(ctx, d.logger)
	})

	g.Go(func() error {
		d.refreshPoolGauges(ctx)
		return nil
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		d.handleSIGHUP(ctx, sigHUP)
		return nil
	})
}

// refreshPoolGauges copies pool usage into the metrics until ctx is done.
func (d *fibDaemon) refreshPoolGauges(ctx context.Context) {
	d.metrics.UpdatePools(d.table.Stats())

	ticker := time.NewTicker(poolRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.metrics.UpdatePools(d.table.Stats())
		}
	}
}

// -------------------------------------------------------------------------
// Static Routes
// -------------------------------------------------------------------------

// installRoutes installs the declarative routes from the configuration.
// Routes already present count as unchanged; other failures are logged and
// the remaining routes are still attempted.
func (d *fibDaemon) installRoutes(routes []config.RouteConfig) {
	var added, unchanged, failed int

	for _, rc := range routes {
		r, err := rc.Route()
		if err != nil {
			failed++
			d.logger.Error("invalid route in config, skipping",
				slog.String("prefix", rc.Prefix),
				slog.String("error", err.Error()),
			)
			continue
		}

		err = d.table.AddRoute(r)
		d.metrics.RecordRouteAdd(fibmetrics.SourceConfig, err)

		switch {
		case err == nil:
			added++
			d.logger.Debug("installed static route", slog.String("route", r.String()))
		case errors.Is(err, fib.ErrAlreadyExists):
			unchanged++
		default:
			failed++
			d.logger.Error("failed to install static route",
				slog.String("route", r.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	d.metrics.UpdatePools(d.table.Stats())

	d.logger.Info("static routes installed",
		slog.Int("added", added),
		slog.Int("unchanged", unchanged),
		slog.Int("failed", failed),
	)
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd once the table is populated and the
// servers are started.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends keepalives at half of WatchdogSec. It returns at once
// when the unit has no watchdog.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload: log level + static routes
// -------------------------------------------------------------------------

// handleSIGHUP reloads the configuration on every SIGHUP until ctx is
// cancelled.
func (d *fibDaemon) handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			d.logger.Info("received SIGHUP, reloading configuration")
			d.reloadConfig()
		}
	}
}

// reloadConfig applies the new log level and installs any new static
// routes. Routes are never removed, and the pool capacities are fixed at
// startup. On error the previous configuration stays in effect.
func (d *fibDaemon) reloadConfig() {
	newCfg, err := loadConfig(d.configPath)
	if err != nil {
		d.logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := d.logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	d.logLevel.Set(newLevel)

	d.logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	if newCfg.FIB != d.fibCfg {
		d.logger.Warn("fib capacity changes require a restart",
			slog.Uint64("sub_tables", uint64(newCfg.FIB.SubTables)),
			slog.Uint64("routes", uint64(newCfg.FIB.Routes)),
			slog.Uint64("next_hops", uint64(newCfg.FIB.NextHops)),
		)
	}

	d.installRoutes(newCfg.Routes)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, stops the flight recorder and drains
// the HTTP servers.
//
// The parent context is already cancelled when this function is called.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder: runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder keeps a rolling execution trace window for
// post-mortem debugging. It returns nil when the recorder cannot start.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe listens on addr and serves until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newGRPCServer creates the ConnectRPC server for the FIB service plus
// grpc.health.v1. h2c lets plaintext gRPC clients speak HTTP/2.
func newGRPCServer(
	cfg config.GRPCConfig,
	table *fib.Shared,
	metrics *fibmetrics.Collector,
	logger *slog.Logger,
) *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(table, metrics, logger,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		fibapi.ServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// GoBGP Feed
// -------------------------------------------------------------------------

// startGoBGPFeed starts the best-path feed goroutine when enabled. It
// returns the client for deferred Close, or nil when the feed is disabled.
func (d *fibDaemon) startGoBGPFeed(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.GoBGPConfig,
) (gobgp.Client, error) {
	if !cfg.Enabled {
		d.logger.Info("gobgp feed disabled")
		return nil, nil
	}

	client, err := gobgp.NewGRPCClient(cfg.Addr, d.logger)
	if err != nil {
		return nil, fmt.Errorf("create gobgp client: %w", err)
	}

	feed := gobgp.NewFeed(gobgp.FeedConfig{
		Client:  client,
		Table:   d.table,
		Port:    cfg.Port,
		Metrics: d.metrics,
		Logger:  d.logger,
	})

	g.Go(func() error {
		return feed.Run(ctx)
	})

	d.logger.Info("gobgp feed enabled",
		slog.String("addr", cfg.Addr),
		slog.Uint64("port", uint64(cfg.Port)),
	)

	return client, nil
}

// closeGoBGPClient closes the GoBGP client if non-nil, logging any error.
func closeGoBGPClient(client gobgp.Client, logger *slog.Logger) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Warn("failed to close gobgp client",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Config and Logging
// -------------------------------------------------------------------------

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger whose level follows the
// shared LevelVar across reloads.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
