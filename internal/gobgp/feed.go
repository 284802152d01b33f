package gobgp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"

	"github.com/dantte-lp/gofib/internal/fib"
	fibmetrics "github.com/dantte-lp/gofib/internal/metrics"
)

// DefaultRetryInterval is the pause between watch attempts after the
// stream fails.
const DefaultRetryInterval = 5 * time.Second

// -------------------------------------------------------------------------
// Feed: GoBGP best paths -> FIB
// -------------------------------------------------------------------------

// Feed consumes GoBGP best-path events and installs them into the table.
//
// The feed runs as a single goroutine in the daemon's errgroup. A failed
// watch stream is retried until the context is cancelled.
type Feed struct {
	client  Client
	table   *fib.Shared
	port    uint16
	retry   time.Duration
	metrics *fibmetrics.Collector
	logger  *slog.Logger
}

// FeedConfig holds the configuration for a Feed.
type FeedConfig struct {
	// Client is the GoBGP gRPC client.
	Client Client

	// Table receives the learned routes.
	Table *fib.Shared

	// Port is the egress port assigned to every BGP route.
	Port uint16

	// RetryInterval is the pause before re-opening a failed stream.
	// Zero means DefaultRetryInterval.
	RetryInterval time.Duration

	// Metrics may be nil.
	Metrics *fibmetrics.Collector

	// Logger is the parent logger. The feed adds its own component tag.
	Logger *slog.Logger
}

// NewFeed creates a best-path feed.
func NewFeed(cfg FeedConfig) *Feed {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}

	return &Feed{
		client:  cfg.Client,
		table:   cfg.Table,
		port:    cfg.Port,
		retry:   retry,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With(slog.String("component", "gobgp.feed")),
	}
}

// Run watches best paths until ctx is cancelled. It always returns nil so
// a GoBGP outage never stops the daemon:
//
//	g.Go(func() error {
//	    return feed.Run(gCtx)
//	})
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("feed started", slog.Uint64("port", uint64(f.port)))

	for {
		err := f.client.WatchBestPaths(ctx, f.handlePath)
		if ctx.Err() != nil {
			f.logger.Info("feed stopped")
			return nil
		}
		if err != nil {
			f.logger.Warn("best-path watch failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", f.retry),
			)
		}

		timer := time.NewTimer(f.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.logger.Info("feed stopped")
			return nil
		case <-timer.C:
		}
	}
}

// handlePath applies a single best-path event.
func (f *Feed) handlePath(p *apipb.Path) {
	path, err := decodePath(p)
	if err != nil {
		f.count(fibmetrics.EventSkipped)
		f.logger.Debug("skipping best path", slog.String("error", err.Error()))
		return
	}

	if path.Withdraw {
		f.count(fibmetrics.EventWithdraw)
		f.logger.Info("best path withdrawn, route stays installed",
			slog.String("prefix", path.Prefix.String()),
		)
		return
	}

	route := fib.Route{
		Prefix:  path.Prefix,
		Action:  fib.ActionForward,
		Gateway: path.NextHop,
		Port:    f.port,
	}

	err = f.table.AddRoute(route)
	if f.metrics != nil {
		f.metrics.RecordRouteAdd(fibmetrics.SourceBGP, err)
	}

	switch {
	case err == nil:
		f.count(fibmetrics.EventAnnounce)
		f.logger.Info("installed BGP route", slog.String("route", route.String()))
	case errors.Is(err, fib.ErrAlreadyExists):
		f.count(fibmetrics.EventAnnounce)
		f.logger.Debug("BGP route already installed", slog.String("route", route.String()))
	default:
		f.count(fibmetrics.EventSkipped)
		f.logger.Error("failed to install BGP route",
			slog.String("route", route.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (f *Feed) count(event string) {
	if f.metrics != nil {
		f.metrics.IncBGPPath(event)
	}
}
