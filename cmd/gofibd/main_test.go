package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/gofib/internal/config"
	"github.com/dantte-lp/gofib/internal/fib"
	"github.com/dantte-lp/gofib/internal/fibapi"
	fibmetrics "github.com/dantte-lp/gofib/internal/metrics"
)

func newTestDaemon(t *testing.T) *fibDaemon {
	t.Helper()

	cfg := config.FIBConfig{SubTables: 64, Routes: 64, NextHops: 64}
	tbl, err := fib.New(cfg.TableConfig())
	if err != nil {
		t.Fatalf("fib.New: %v", err)
	}

	return &fibDaemon{
		fibCfg:   cfg,
		table:    fib.NewShared(tbl),
		metrics:  fibmetrics.NewCollector(prometheus.NewRegistry()),
		logLevel: new(slog.LevelVar),
		logger:   slog.New(slog.DiscardHandler),
	}
}

func routeAdds(t *testing.T, c *fibmetrics.Collector, result string) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.RouteAdds.WithLabelValues(fibmetrics.SourceConfig, result).Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestInstallRoutes(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t)
	routes := []config.RouteConfig{
		{Prefix: "0.0.0.0/0", Action: "drop"},
		{Prefix: "192.168.0.0/16", Gateway: "192.168.1.1"},
		{Prefix: "192.168.1.0/24", Gateway: "192.168.1.254", Port: 1},
	}

	d.installRoutes(routes)
	// A second pass, as on SIGHUP, leaves the table unchanged.
	d.installRoutes(routes)

	if got := len(d.table.Routes()); got != 3 {
		t.Errorf("routes installed = %d, want 3", got)
	}
	if got := routeAdds(t, d.metrics, "ok"); got != 3 {
		t.Errorf("route_adds{config,ok} = %v, want 3", got)
	}
	if got := routeAdds(t, d.metrics, "exists"); got != 3 {
		t.Errorf("route_adds{config,exists} = %v, want 3", got)
	}

	nh, err := d.table.Lookup(netip.MustParseAddr("192.168.1.5"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if nh.Gateway != netip.MustParseAddr("192.168.1.254") || nh.Port != 1 {
		t.Errorf("Lookup = %s port %d, want 192.168.1.254 port 1", nh.Gateway, nh.Port)
	}
	if err := d.table.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestInstallRoutesSkipsInvalid(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t)
	d.installRoutes([]config.RouteConfig{
		{Prefix: "not-a-prefix", Action: "drop"},
		{Prefix: "10.0.0.0/8", Action: "drop"},
	})

	if got := len(d.table.Routes()); got != 1 {
		t.Errorf("routes installed = %d, want 1", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.GRPC.Addr != config.DefaultConfig().GRPC.Addr {
		t.Errorf("GRPC.Addr = %q, want default", cfg.GRPC.Addr)
	}
}

func TestNewGRPCServerServesHealthAndFIB(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t)
	d.installRoutes([]config.RouteConfig{{Prefix: "10.0.0.0/8", Action: "receive"}})

	srv := newGRPCServer(config.GRPCConfig{Addr: "127.0.0.1:0"}, d.table, d.metrics, d.logger)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	client := fibapi.NewClient(ts.Client(), ts.URL)
	res, err := client.Lookup(context.Background(), netip.MustParseAddr("10.9.9.9"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Action != fib.ActionReceive {
		t.Errorf("Action = %s, want receive", res.Action)
	}
}

func TestNewMetricsServer(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t)
	reg := prometheus.NewRegistry()
	d.metrics = fibmetrics.NewCollector(reg)
	d.installRoutes([]config.RouteConfig{{Prefix: "10.0.0.0/8", Action: "drop"}})

	srv := newMetricsServer(config.MetricsConfig{Addr: "127.0.0.1:0", Path: "/metrics"}, reg)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "gofib_fib_pool_in_use") {
		t.Errorf("metrics output missing pool gauge:\n%s", body)
	}
}
