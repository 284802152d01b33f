// Package fibapi defines the gofib RPC surface: procedure names, the
// google.protobuf.Struct message shapes exchanged on each procedure, and a
// typed ConnectRPC client.
//
// Messages are carried as structpb.Struct so the service needs no generated
// code. Every message is a flat object:
//
//	route:   {"prefix": "10.0.0.0/8", "action": "forward", "gateway": "192.0.2.1", "port": 1}
//	lookup:  {"destination": "10.1.2.3"}
//	result:  {"action": "forward", "gateway": "192.0.2.1", "port": 1}
//	routes:  {"routes": [route, ...]}
//	dump:    {"text": "..."}
//	stats:   {"sub_tables": {"in_use": 2, "capacity": 16384}, ..., "default_route": true}
package fibapi

import (
	"errors"
	"fmt"
	"math"
	"net/netip"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/gofib/internal/fib"
)

// ServiceName is the fully-qualified name of the FIB service.
const ServiceName = "fib.v1.FibService"

// Procedure paths served by the FIB service.
const (
	AddRouteProcedure   = "/" + ServiceName + "/AddRoute"
	LookupProcedure     = "/" + ServiceName + "/Lookup"
	ListRoutesProcedure = "/" + ServiceName + "/ListRoutes"
	DumpProcedure       = "/" + ServiceName + "/Dump"
	StatsProcedure      = "/" + ServiceName + "/Stats"
)

// ErrInvalidMessage indicates a request or response does not have the
// expected fields.
var ErrInvalidMessage = errors.New("malformed fib api message")

// Message field names.
const (
	fieldPrefix       = "prefix"
	fieldAction       = "action"
	fieldGateway      = "gateway"
	fieldPort         = "port"
	fieldDestination  = "destination"
	fieldRoutes       = "routes"
	fieldText         = "text"
	fieldInUse        = "in_use"
	fieldCapacity     = "capacity"
	fieldSubTables    = "sub_tables"
	fieldRouteNodes   = "route_nodes"
	fieldNextHops     = "next_hops"
	fieldDefaultRoute = "default_route"
)

// -------------------------------------------------------------------------
// Routes
// -------------------------------------------------------------------------

// RouteToStruct encodes r. Gateway and port are only set for forward
// routes.
func RouteToStruct(r fib.Route) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldPrefix: structpb.NewStringValue(r.Prefix.String()),
		fieldAction: structpb.NewStringValue(r.Action.String()),
	}
	if r.Action == fib.ActionForward {
		fields[fieldGateway] = structpb.NewStringValue(r.Gateway.String())
		fields[fieldPort] = structpb.NewNumberValue(float64(r.Port))
	}
	return &structpb.Struct{Fields: fields}
}

// RouteFromStruct decodes a route. A missing action means forward.
func RouteFromStruct(s *structpb.Struct) (fib.Route, error) {
	fields := s.GetFields()

	pfx, err := netip.ParsePrefix(fields[fieldPrefix].GetStringValue())
	if err != nil {
		return fib.Route{}, fmt.Errorf("%s: %w: %w", fieldPrefix, ErrInvalidMessage, err)
	}

	r := fib.Route{Prefix: pfx, Action: fib.ActionForward}
	if a := fields[fieldAction].GetStringValue(); a != "" {
		r.Action, err = fib.ParseAction(a)
		if err != nil {
			return fib.Route{}, fmt.Errorf("%s: %w: %w", fieldAction, ErrInvalidMessage, err)
		}
	}
	if r.Action != fib.ActionForward {
		return r, nil
	}

	r.Gateway, err = netip.ParseAddr(fields[fieldGateway].GetStringValue())
	if err != nil {
		return fib.Route{}, fmt.Errorf("%s: %w: %w", fieldGateway, ErrInvalidMessage, err)
	}
	r.Port, err = portFromValue(fields[fieldPort])
	if err != nil {
		return fib.Route{}, err
	}

	return r, nil
}

func portFromValue(v *structpb.Value) (uint16, error) {
	if v == nil {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue < 0 || n.NumberValue > math.MaxUint16 || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("%s must be an integer in [0, 65535]: %w", fieldPort, ErrInvalidMessage)
	}
	return uint16(n.NumberValue), nil
}

// RoutesToStruct encodes a route listing.
func RoutesToStruct(routes []fib.Route) *structpb.Struct {
	list := make([]*structpb.Value, 0, len(routes))
	for _, r := range routes {
		list = append(list, structpb.NewStructValue(RouteToStruct(r)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRoutes: structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// RoutesFromStruct decodes a route listing.
func RoutesFromStruct(s *structpb.Struct) ([]fib.Route, error) {
	values := s.GetFields()[fieldRoutes].GetListValue().GetValues()
	routes := make([]fib.Route, 0, len(values))
	for i, v := range values {
		r, err := RouteFromStruct(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", fieldRoutes, i, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// -------------------------------------------------------------------------
// Lookup
// -------------------------------------------------------------------------

// LookupResult is the decision returned for a destination that matched a
// route. Gateway and Port are set for ActionForward only.
type LookupResult struct {
	Action  fib.Action
	Gateway netip.Addr
	Port    uint16
}

// LookupRequest encodes a lookup for dst.
func LookupRequest(dst netip.Addr) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldDestination: structpb.NewStringValue(dst.String()),
	}}
}

// DestinationFromStruct decodes a lookup request.
func DestinationFromStruct(s *structpb.Struct) (netip.Addr, error) {
	dst, err := netip.ParseAddr(s.GetFields()[fieldDestination].GetStringValue())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s: %w: %w", fieldDestination, ErrInvalidMessage, err)
	}
	return dst, nil
}

// ResultToStruct encodes a lookup result.
func ResultToStruct(res LookupResult) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldAction: structpb.NewStringValue(res.Action.String()),
	}
	if res.Action == fib.ActionForward {
		fields[fieldGateway] = structpb.NewStringValue(res.Gateway.String())
		fields[fieldPort] = structpb.NewNumberValue(float64(res.Port))
	}
	return &structpb.Struct{Fields: fields}
}

// ResultFromStruct decodes a lookup result.
func ResultFromStruct(s *structpb.Struct) (LookupResult, error) {
	fields := s.GetFields()

	action, err := fib.ParseAction(fields[fieldAction].GetStringValue())
	if err != nil {
		return LookupResult{}, fmt.Errorf("%s: %w: %w", fieldAction, ErrInvalidMessage, err)
	}
	res := LookupResult{Action: action}
	if action != fib.ActionForward {
		return res, nil
	}

	res.Gateway, err = netip.ParseAddr(fields[fieldGateway].GetStringValue())
	if err != nil {
		return LookupResult{}, fmt.Errorf("%s: %w: %w", fieldGateway, ErrInvalidMessage, err)
	}
	res.Port, err = portFromValue(fields[fieldPort])
	if err != nil {
		return LookupResult{}, err
	}
	return res, nil
}

// -------------------------------------------------------------------------
// Dump and Stats
// -------------------------------------------------------------------------

// DumpToStruct wraps dump text.
func DumpToStruct(text string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldText: structpb.NewStringValue(text),
	}}
}

// DumpFromStruct unwraps dump text.
func DumpFromStruct(s *structpb.Struct) string {
	return s.GetFields()[fieldText].GetStringValue()
}

// StatsToStruct encodes a pool usage snapshot.
func StatsToStruct(st fib.Stats) *structpb.Struct {
	pool := func(ps fib.PoolStats) *structpb.Value {
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldInUse:    structpb.NewNumberValue(float64(ps.InUse)),
			fieldCapacity: structpb.NewNumberValue(float64(ps.Capacity)),
		}})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSubTables:    pool(st.SubTables),
		fieldRouteNodes:   pool(st.RouteNodes),
		fieldNextHops:     pool(st.NextHops),
		fieldDefaultRoute: structpb.NewBoolValue(st.DefaultRoute),
	}}
}

// StatsFromStruct decodes a pool usage snapshot.
func StatsFromStruct(s *structpb.Struct) fib.Stats {
	fields := s.GetFields()
	pool := func(name string) fib.PoolStats {
		pf := fields[name].GetStructValue().GetFields()
		return fib.PoolStats{
			InUse:    uint(pf[fieldInUse].GetNumberValue()),
			Capacity: uint(pf[fieldCapacity].GetNumberValue()),
		}
	}
	return fib.Stats{
		SubTables:    pool(fieldSubTables),
		RouteNodes:   pool(fieldRouteNodes),
		NextHops:     pool(fieldNextHops),
		DefaultRoute: fields[fieldDefaultRoute].GetBoolValue(),
	}
}
