// Package commands implements the gofibctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gofib/internal/fib"
	"github.com/dantte-lp/gofib/internal/fibapi"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatRoutes renders a route listing in the requested format.
func formatRoutes(routes []fib.Route, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalView(routesToView(routes), "routes")
	case formatYAML:
		return marshalYAML(routesToView(routes), "routes")
	case formatTable:
		return formatRoutesTable(routes)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatLookup renders a lookup result in the requested format.
func formatLookup(dst netip.Addr, res fibapi.LookupResult, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalView(lookupToView(dst, res), "lookup")
	case formatYAML:
		return marshalYAML(lookupToView(dst, res), "lookup")
	case formatTable:
		return formatLookupTable(dst, res)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatStats renders pool usage in the requested format.
func formatStats(st fib.Stats, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalView(statsToView(st), "stats")
	case formatYAML:
		return marshalYAML(statsToView(st), "stats")
	case formatTable:
		return formatStatsTable(st)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatRoutesTable(routes []fib.Route) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PREFIX\tACTION\tGATEWAY\tPORT")

	for _, r := range routes {
		gw, port := valueNone, valueNone
		if r.Action == fib.ActionForward {
			gw = r.Gateway.String()
			port = fmt.Sprint(r.Port)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Prefix, r.Action, gw, port)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatLookupTable(dst netip.Addr, res fibapi.LookupResult) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Destination:\t%s\n", dst)
	fmt.Fprintf(w, "Action:\t%s\n", res.Action)
	if res.Action == fib.ActionForward {
		fmt.Fprintf(w, "Gateway:\t%s\n", res.Gateway)
		fmt.Fprintf(w, "Port:\t%d\n", res.Port)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatStatsTable(st fib.Stats) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tIN-USE\tCAPACITY")

	for _, p := range []struct {
		name string
		ps   fib.PoolStats
	}{
		{"sub_tables", st.SubTables},
		{"route_nodes", st.RouteNodes},
		{"next_hops", st.NextHops},
	} {
		fmt.Fprintf(w, "%s\t%d\t%d\n", p.name, p.ps.InUse, p.ps.Capacity)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	fmt.Fprintf(&buf, "default route: %t\n", st.DefaultRoute)

	return buf.String(), nil
}

// --- JSON and YAML formatters ---

func marshalView(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s to JSON: %w", what, err)
	}

	return string(data) + "\n", nil
}

func marshalYAML(v any, what string) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s to YAML: %w", what, err)
	}

	return string(data), nil
}

// --- View types for clean JSON and YAML output ---

type routeView struct {
	Prefix  string `json:"prefix" yaml:"prefix"`
	Action  string `json:"action" yaml:"action"`
	Gateway string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Port    *int   `json:"port,omitempty" yaml:"port,omitempty"`
}

type lookupView struct {
	Destination string `json:"destination" yaml:"destination"`
	Action      string `json:"action" yaml:"action"`
	Gateway     string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Port        *int   `json:"port,omitempty" yaml:"port,omitempty"`
}

type poolView struct {
	InUse    uint `json:"in_use" yaml:"in_use"`
	Capacity uint `json:"capacity" yaml:"capacity"`
}

type statsView struct {
	SubTables    poolView `json:"sub_tables" yaml:"sub_tables"`
	RouteNodes   poolView `json:"route_nodes" yaml:"route_nodes"`
	NextHops     poolView `json:"next_hops" yaml:"next_hops"`
	DefaultRoute bool     `json:"default_route" yaml:"default_route"`
}

func routesToView(routes []fib.Route) []routeView {
	views := make([]routeView, 0, len(routes))
	for _, r := range routes {
		v := routeView{Prefix: r.Prefix.String(), Action: r.Action.String()}
		if r.Action == fib.ActionForward {
			port := int(r.Port)
			v.Gateway = r.Gateway.String()
			v.Port = &port
		}
		views = append(views, v)
	}

	return views
}

func lookupToView(dst netip.Addr, res fibapi.LookupResult) lookupView {
	v := lookupView{Destination: dst.String(), Action: res.Action.String()}
	if res.Action == fib.ActionForward {
		port := int(res.Port)
		v.Gateway = res.Gateway.String()
		v.Port = &port
	}

	return v
}

func statsToView(st fib.Stats) statsView {
	pool := func(ps fib.PoolStats) poolView {
		return poolView{InUse: ps.InUse, Capacity: ps.Capacity}
	}

	return statsView{
		SubTables:    pool(st.SubTables),
		RouteNodes:   pool(st.RouteNodes),
		NextHops:     pool(st.NextHops),
		DefaultRoute: st.DefaultRoute,
	}
}
