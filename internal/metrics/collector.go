package fibmetrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gofib/internal/fib"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gofib"
	subsystem = "fib"
)

// Label names for FIB metrics.
const (
	labelPool   = "pool"
	labelSource = "source"
	labelResult = "result"
	labelEvent  = "event"
)

// Pool label values.
const (
	PoolSubTables  = "sub_tables"
	PoolRouteNodes = "route_nodes"
	PoolNextHops   = "next_hops"
)

// Route source label values.
const (
	SourceAPI    = "api"
	SourceConfig = "config"
	SourceBGP    = "bgp"
)

// BGP path event label values.
const (
	EventAnnounce = "announce"
	EventWithdraw = "withdraw"
	EventSkipped  = "skipped"
)

// -------------------------------------------------------------------------
// Collector: Prometheus FIB Metrics
// -------------------------------------------------------------------------

// Collector holds all FIB Prometheus metrics.
//
// Pool gauges are refreshed from fib.Stats snapshots; counters are updated
// on the control path by whoever calls AddRoute or Lookup.
type Collector struct {
	// PoolInUse tracks allocated entries per pool.
	PoolInUse *prometheus.GaugeVec

	// PoolCapacity tracks the fixed capacity per pool.
	PoolCapacity *prometheus.GaugeVec

	// DefaultRoute is 1 while 0.0.0.0/0 is installed.
	DefaultRoute prometheus.Gauge

	// RouteAdds counts AddRoute outcomes per route source.
	RouteAdds *prometheus.CounterVec

	// Lookups counts lookup outcomes served through the API.
	Lookups *prometheus.CounterVec

	// BGPPaths counts paths received from the GoBGP best-path feed.
	BGPPaths *prometheus.CounterVec
}

// NewCollector creates a Collector with all FIB metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "gofib_fib_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PoolInUse,
		c.PoolCapacity,
		c.DefaultRoute,
		c.RouteAdds,
		c.Lookups,
		c.BGPPaths,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		PoolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_in_use",
			Help:      "Number of allocated entries per FIB pool.",
		}, []string{labelPool}),

		PoolCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_capacity",
			Help:      "Fixed capacity per FIB pool.",
		}, []string{labelPool}),

		DefaultRoute: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "default_route",
			Help:      "1 if the default route 0.0.0.0/0 is installed.",
		}),

		RouteAdds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "route_adds_total",
			Help:      "Total route insertions by source and outcome.",
		}, []string{labelSource, labelResult}),

		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lookups_total",
			Help:      "Total API lookups by outcome.",
		}, []string{labelResult}),

		BGPPaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bgp",
			Name:      "paths_total",
			Help:      "Total best-path events received from GoBGP.",
		}, []string{labelEvent}),
	}
}

// -------------------------------------------------------------------------
// Pools
// -------------------------------------------------------------------------

// UpdatePools copies a pool usage snapshot into the gauges.
func (c *Collector) UpdatePools(st fib.Stats) {
	set := func(pool string, ps fib.PoolStats) {
		c.PoolInUse.WithLabelValues(pool).Set(float64(ps.InUse))
		c.PoolCapacity.WithLabelValues(pool).Set(float64(ps.Capacity))
	}
	set(PoolSubTables, st.SubTables)
	set(PoolRouteNodes, st.RouteNodes)
	set(PoolNextHops, st.NextHops)

	if st.DefaultRoute {
		c.DefaultRoute.Set(1)
	} else {
		c.DefaultRoute.Set(0)
	}
}

// -------------------------------------------------------------------------
// Operations
// -------------------------------------------------------------------------

// RecordRouteAdd counts one AddRoute call from source with its result.
func (c *Collector) RecordRouteAdd(source string, err error) {
	c.RouteAdds.WithLabelValues(source, Result(err)).Inc()
}

// RecordLookup counts one lookup with its result.
func (c *Collector) RecordLookup(err error) {
	c.Lookups.WithLabelValues(Result(err)).Inc()
}

// IncBGPPath counts one best-path event.
func (c *Collector) IncBGPPath(event string) {
	c.BGPPaths.WithLabelValues(event).Inc()
}

// Result maps a FIB error to a bounded label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fib.ErrAlreadyExists):
		return "exists"
	case errors.Is(err, fib.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, fib.ErrOutOfMemory):
		return "out_of_memory"
	case errors.Is(err, fib.ErrCorruptedState):
		return "corrupted"
	case errors.Is(err, fib.ErrMiss):
		return "miss"
	case errors.Is(err, fib.ErrDrop):
		return "drop"
	case errors.Is(err, fib.ErrReceive):
		return "receive"
	default:
		return "error"
	}
}
