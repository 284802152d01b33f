// Package server implements the ConnectRPC server for the FIB daemon.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/gofib/internal/fib"
	"github.com/dantte-lp/gofib/internal/fibapi"
	fibmetrics "github.com/dantte-lp/gofib/internal/metrics"
)

// FIBServer serves the fib.v1.FibService procedures.
//
// Each RPC delegates to the shared table. The server is a thin adapter
// between the RPC messages and the fib package.
type FIBServer struct {
	table   *fib.Shared
	metrics *fibmetrics.Collector
	logger  *slog.Logger
}

// New creates a FIBServer and returns the HTTP handler and the path prefix
// it must be mounted on. metrics may be nil. Handler options (interceptors)
// apply to every procedure.
func New(
	table *fib.Shared,
	metrics *fibmetrics.Collector,
	logger *slog.Logger,
	handlerOpts ...connect.HandlerOption,
) (string, http.Handler) {
	s := &FIBServer{
		table:   table,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.Handle(fibapi.AddRouteProcedure, connect.NewUnaryHandler(
		fibapi.AddRouteProcedure, s.AddRoute, handlerOpts...))
	mux.Handle(fibapi.LookupProcedure, connect.NewUnaryHandler(
		fibapi.LookupProcedure, s.Lookup, handlerOpts...))
	mux.Handle(fibapi.ListRoutesProcedure, connect.NewUnaryHandler(
		fibapi.ListRoutesProcedure, s.ListRoutes, handlerOpts...))
	mux.Handle(fibapi.DumpProcedure, connect.NewUnaryHandler(
		fibapi.DumpProcedure, s.Dump, handlerOpts...))
	mux.Handle(fibapi.StatsProcedure, connect.NewUnaryHandler(
		fibapi.StatsProcedure, s.Stats, handlerOpts...))

	return "/" + fibapi.ServiceName + "/", mux
}

// AddRoute installs a route.
func (s *FIBServer) AddRoute(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[emptypb.Empty], error) {
	r, err := fibapi.RouteFromStruct(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	err = s.table.AddRoute(r)
	if s.metrics != nil {
		s.metrics.RecordRouteAdd(fibmetrics.SourceAPI, err)
	}
	if err != nil {
		if errors.Is(err, fib.ErrCorruptedState) {
			s.logger.ErrorContext(ctx, "route insertion hit corrupted state",
				slog.String("route", r.String()),
				slog.String("error", err.Error()),
			)
		}
		return nil, fibapi.ToConnectError(err)
	}

	s.logger.InfoContext(ctx, "route added via API", slog.String("route", r.String()))

	return connect.NewResponse(&emptypb.Empty{}), nil
}

// Lookup resolves a destination. Drop and receive decisions are successful
// results; a miss is CodeNotFound.
func (s *FIBServer) Lookup(
	_ context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	dst, err := fibapi.DestinationFromStruct(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	nh, err := s.table.Lookup(dst)
	if s.metrics != nil {
		s.metrics.RecordLookup(err)
	}

	var res fibapi.LookupResult
	switch {
	case err == nil:
		res = fibapi.LookupResult{Action: fib.ActionForward, Gateway: nh.Gateway, Port: nh.Port}
	case errors.Is(err, fib.ErrDrop):
		res = fibapi.LookupResult{Action: fib.ActionDrop}
	case errors.Is(err, fib.ErrReceive):
		res = fibapi.LookupResult{Action: fib.ActionReceive}
	default:
		return nil, fibapi.ToConnectError(err)
	}

	return connect.NewResponse(fibapi.ResultToStruct(res)), nil
}

// ListRoutes returns every installed route.
func (s *FIBServer) ListRoutes(
	_ context.Context,
	_ *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	return connect.NewResponse(fibapi.RoutesToStruct(s.table.Routes())), nil
}

// Dump returns the diagnostic trie dump as text.
func (s *FIBServer) Dump(
	_ context.Context,
	_ *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	var buf strings.Builder
	if err := s.table.Dump(&buf); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(fibapi.DumpToStruct(buf.String())), nil
}

// Stats returns pool usage.
func (s *FIBServer) Stats(
	_ context.Context,
	_ *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	return connect.NewResponse(fibapi.StatsToStruct(s.table.Stats())), nil
}
