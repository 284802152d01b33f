package fibapi

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/gofib/internal/fib"
)

// -------------------------------------------------------------------------
// Error mapping
// -------------------------------------------------------------------------

// codes pairs each FIB sentinel with the RPC code it travels as.
var codes = []struct {
	err  error
	code connect.Code
}{
	{fib.ErrAlreadyExists, connect.CodeAlreadyExists},
	{fib.ErrInvalidArgument, connect.CodeInvalidArgument},
	{ErrInvalidMessage, connect.CodeInvalidArgument},
	{fib.ErrOutOfMemory, connect.CodeResourceExhausted},
	{fib.ErrMiss, connect.CodeNotFound},
	{fib.ErrCorruptedState, connect.CodeInternal},
}

// ToConnectError converts a FIB error into a connect error with the
// matching code. Unknown errors become CodeInternal.
func ToConnectError(err error) *connect.Error {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return connect.NewError(c.code, err)
		}
	}
	return connect.NewError(connect.CodeInternal, err)
}

// fromConnectError restores the FIB sentinel for a connect error so callers
// can use errors.Is on client results.
func fromConnectError(err error) error {
	code := connect.CodeOf(err)
	for _, c := range codes {
		if c.code == code && c.code != connect.CodeInternal {
			return fmt.Errorf("%w: %w", c.err, err)
		}
	}
	return err
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client is a typed client for the FIB service.
type Client struct {
	addRoute   *connect.Client[structpb.Struct, emptypb.Empty]
	lookup     *connect.Client[structpb.Struct, structpb.Struct]
	listRoutes *connect.Client[emptypb.Empty, structpb.Struct]
	dump       *connect.Client[emptypb.Empty, structpb.Struct]
	stats      *connect.Client[emptypb.Empty, structpb.Struct]
}

// NewClient constructs a client for the FIB service at baseURL
// (e.g., "http://localhost:50061").
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		addRoute:   connect.NewClient[structpb.Struct, emptypb.Empty](httpClient, baseURL+AddRouteProcedure, opts...),
		lookup:     connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+LookupProcedure, opts...),
		listRoutes: connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+ListRoutesProcedure, opts...),
		dump:       connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+DumpProcedure, opts...),
		stats:      connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+StatsProcedure, opts...),
	}
}

// AddRoute installs r on the daemon.
func (c *Client) AddRoute(ctx context.Context, r fib.Route) error {
	if _, err := c.addRoute.CallUnary(ctx, connect.NewRequest(RouteToStruct(r))); err != nil {
		return fmt.Errorf("add route %s: %w", r.Prefix, fromConnectError(err))
	}
	return nil
}

// Lookup resolves dst. A destination matching no route returns an error
// wrapping fib.ErrMiss.
func (c *Client) Lookup(ctx context.Context, dst netip.Addr) (LookupResult, error) {
	resp, err := c.lookup.CallUnary(ctx, connect.NewRequest(LookupRequest(dst)))
	if err != nil {
		return LookupResult{}, fmt.Errorf("lookup %s: %w", dst, fromConnectError(err))
	}
	return ResultFromStruct(resp.Msg)
}

// ListRoutes returns every installed route.
func (c *Client) ListRoutes(ctx context.Context) ([]fib.Route, error) {
	resp, err := c.listRoutes.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", fromConnectError(err))
	}
	return RoutesFromStruct(resp.Msg)
}

// Dump returns the diagnostic trie dump.
func (c *Client) Dump(ctx context.Context) (string, error) {
	resp, err := c.dump.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return "", fmt.Errorf("dump: %w", fromConnectError(err))
	}
	return DumpFromStruct(resp.Msg), nil
}

// Stats returns pool usage.
func (c *Client) Stats(ctx context.Context) (fib.Stats, error) {
	resp, err := c.stats.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return fib.Stats{}, fmt.Errorf("stats: %w", fromConnectError(err))
	}
	return StatsFromStruct(resp.Msg), nil
}
