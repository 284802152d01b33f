// Package config manages gofib daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gofib/internal/fib"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gofib configuration.
type Config struct {
	GRPC    GRPCConfig    `koanf:"grpc"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	FIB     FIBConfig     `koanf:"fib"`
	GoBGP   GoBGPConfig   `koanf:"gobgp"`
	Routes  []RouteConfig `koanf:"routes"`
}

// GRPCConfig holds the ConnectRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC listen address (e.g., ":50061").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9101").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// FIBConfig holds the pool capacities fixed at table construction.
// Changing them requires a restart.
type FIBConfig struct {
	// SubTables is the number of 16-entry sub-tables below the root.
	SubTables uint `koanf:"sub_tables"`

	// Routes is the number of route metadata nodes.
	Routes uint `koanf:"routes"`

	// NextHops is the number of forward next hops.
	NextHops uint `koanf:"next_hops"`
}

// TableConfig converts the capacities to a fib.Config.
func (fc FIBConfig) TableConfig() fib.Config {
	return fib.Config{
		SubTables: fc.SubTables,
		Routes:    fc.Routes,
		NextHops:  fc.NextHops,
	}
}

// GoBGPConfig holds the GoBGP best-path feed configuration.
type GoBGPConfig struct {
	// Enabled turns the feed on.
	Enabled bool `koanf:"enabled"`

	// Addr is the GoBGP gRPC API address (e.g., "127.0.0.1:50051").
	Addr string `koanf:"addr"`

	// Port is the egress port assigned to routes learned from BGP.
	Port uint16 `koanf:"port"`
}

// RouteConfig describes a declarative static route from the configuration
// file. Each entry is installed on startup and SIGHUP reload.
type RouteConfig struct {
	// Prefix is the destination network in CIDR notation.
	Prefix string `koanf:"prefix"`

	// Action is "forward" (default), "drop" or "receive".
	Action string `koanf:"action"`

	// Gateway is the next-hop address, required for forward routes.
	Gateway string `koanf:"gateway"`

	// Port is the egress port for forward routes.
	Port uint16 `koanf:"port"`
}

// Route parses the entry into a fib.Route.
func (rc RouteConfig) Route() (fib.Route, error) {
	pfx, err := netip.ParsePrefix(rc.Prefix)
	if err != nil {
		return fib.Route{}, fmt.Errorf("parse route prefix %q: %w: %w", rc.Prefix, ErrInvalidRoutePrefix, err)
	}
	if !pfx.Addr().Is4() {
		return fib.Route{}, fmt.Errorf("route prefix %q: %w", rc.Prefix, ErrInvalidRoutePrefix)
	}

	action := fib.ActionForward
	if rc.Action != "" {
		action, err = fib.ParseAction(rc.Action)
		if err != nil {
			return fib.Route{}, fmt.Errorf("route %s: %w: %w", rc.Prefix, ErrInvalidRouteAction, err)
		}
	}

	r := fib.Route{Prefix: pfx.Masked(), Action: action}
	if action != fib.ActionForward {
		return r, nil
	}

	if rc.Gateway == "" {
		return fib.Route{}, fmt.Errorf("route %s: %w", rc.Prefix, ErrMissingGateway)
	}
	gw, err := netip.ParseAddr(rc.Gateway)
	if err != nil || !gw.Is4() {
		return fib.Route{}, fmt.Errorf("route %s gateway %q: %w", rc.Prefix, rc.Gateway, ErrMissingGateway)
	}
	r.Gateway = gw
	r.Port = rc.Port

	return r, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	tc := fib.DefaultConfig()
	return &Config{
		GRPC: GRPCConfig{
			Addr: ":50061",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		FIB: FIBConfig{
			SubTables: tc.SubTables,
			Routes:    tc.Routes,
			NextHops:  tc.NextHops,
		},
		GoBGP: GoBGPConfig{
			Addr: "127.0.0.1:50051",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gofib configuration.
// Variables are named GOFIB_<section>_<key>, e.g., GOFIB_GRPC_ADDR.
const envPrefix = "GOFIB_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOFIB_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOFIB_GRPC_ADDR       -> grpc.addr
//	GOFIB_METRICS_ADDR    -> metrics.addr
//	GOFIB_LOG_LEVEL       -> log.level
//	GOFIB_FIB_SUB_TABLES  -> fib.sub_tables
//	GOFIB_GOBGP_ENABLED   -> gobgp.enabled
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFIB_FIB_SUB_TABLES -> fib.sub_tables.
// The first underscore separates the section; the rest belong to the key.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults writes the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"grpc.addr":      defaults.GRPC.Addr,
		"metrics.addr":   defaults.Metrics.Addr,
		"metrics.path":   defaults.Metrics.Path,
		"log.level":      defaults.Log.Level,
		"log.format":     defaults.Log.Format,
		"fib.sub_tables": defaults.FIB.SubTables,
		"fib.routes":     defaults.FIB.Routes,
		"fib.next_hops":  defaults.FIB.NextHops,
		"gobgp.enabled":  defaults.GoBGP.Enabled,
		"gobgp.addr":     defaults.GoBGP.Addr,
		"gobgp.port":     defaults.GoBGP.Port,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyGRPCAddr indicates the gRPC listen address is empty.
	ErrEmptyGRPCAddr = errors.New("grpc.addr must not be empty")

	// ErrInvalidFIBCapacity indicates a zero pool capacity.
	ErrInvalidFIBCapacity = errors.New("fib capacities must be > 0")

	// ErrEmptyGoBGPAddr indicates the feed is enabled without an address.
	ErrEmptyGoBGPAddr = errors.New("gobgp.addr must not be empty when gobgp.enabled is set")

	// ErrInvalidRoutePrefix indicates a route entry has a malformed or non-IPv4 prefix.
	ErrInvalidRoutePrefix = errors.New("route prefix must be an IPv4 CIDR")

	// ErrInvalidRouteAction indicates a route entry has an unrecognized action.
	ErrInvalidRouteAction = errors.New("route action must be forward, drop or receive")

	// ErrMissingGateway indicates a forward route lacks a valid IPv4 gateway.
	ErrMissingGateway = errors.New("forward route requires an IPv4 gateway")

	// ErrDuplicateRoute indicates two route entries share the same prefix.
	ErrDuplicateRoute = errors.New("duplicate route prefix")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.GRPC.Addr == "" {
		return ErrEmptyGRPCAddr
	}

	if cfg.FIB.SubTables == 0 || cfg.FIB.Routes == 0 || cfg.FIB.NextHops == 0 {
		return ErrInvalidFIBCapacity
	}

	if cfg.GoBGP.Enabled && cfg.GoBGP.Addr == "" {
		return ErrEmptyGoBGPAddr
	}

	return validateRoutes(cfg.Routes)
}

// validateRoutes checks each declarative route entry for correctness.
func validateRoutes(routes []RouteConfig) error {
	seen := make(map[netip.Prefix]struct{}, len(routes))

	for i, rc := range routes {
		r, err := rc.Route()
		if err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}

		if _, dup := seen[r.Prefix]; dup {
			return fmt.Errorf("routes[%d] prefix %s: %w", i, r.Prefix, ErrDuplicateRoute)
		}
		seen[r.Prefix] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
