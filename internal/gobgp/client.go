// Package gobgp feeds the FIB from GoBGP via its gRPC API.
//
// The feed watches GoBGP's best-path table and installs every announced
// IPv4 unicast prefix as a forward route through its BGP next hop.
// Withdrawals are counted and logged only: the FIB has no delete
// primitive, so a withdrawn prefix stays installed until restart.
package gobgp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// -------------------------------------------------------------------------
// Client Interface
// -------------------------------------------------------------------------

// Client abstracts the GoBGP gRPC operations needed by the feed.
// This interface enables testing without a running GoBGP instance.
type Client interface {
	// WatchBestPaths streams best-path changes to fn until ctx is
	// cancelled or the stream ends. The current table is replayed first.
	WatchBestPaths(ctx context.Context, fn func(*apipb.Path)) error

	// Close releases the underlying gRPC connection.
	Close() error
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("gobgp client is closed")

	// ErrDialFailed indicates the gRPC dial to GoBGP failed.
	ErrDialFailed = errors.New("gobgp gRPC dial failed")

	// ErrStreamClosed indicates GoBGP ended the watch stream.
	ErrStreamClosed = errors.New("gobgp watch stream closed")
)

// -------------------------------------------------------------------------
// GRPCClient: production GoBGP gRPC client
// -------------------------------------------------------------------------

// GRPCClient connects to GoBGP's gRPC API and implements the Client interface.
//
// The connection uses insecure credentials because GoBGP's API is normally
// bound to localhost.
type GRPCClient struct {
	conn   *grpc.ClientConn
	api    apipb.GobgpApiClient
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewGRPCClient creates a GoBGP gRPC client for addr. grpc.NewClient does
// not block; connectivity is established by the first stream.
func NewGRPCClient(addr string, logger *slog.Logger) (*GRPCClient, error) {
	if addr == "" {
		return nil, fmt.Errorf("create gobgp client: %w: empty address", ErrDialFailed)
	}

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("create gobgp client to %s: %w: %w", addr, ErrDialFailed, err)
	}

	client := &GRPCClient{
		conn: conn,
		api:  apipb.NewGobgpApiClient(conn),
		logger: logger.With(
			slog.String("component", "gobgp.client"),
			slog.String("addr", addr),
		),
	}

	client.logger.Info("gobgp gRPC client created")

	return client, nil
}

// bestPathRequest subscribes to best-path changes, replaying the current
// best paths first.
func bestPathRequest() *apipb.WatchEventRequest {
	return &apipb.WatchEventRequest{
		Table: &apipb.WatchEventRequest_Table{
			Filters: []*apipb.WatchEventRequest_Table_Filter{
				{
					Type: apipb.WatchEventRequest_Table_Filter_BEST,
					Init: true,
				},
			},
		},
	}
}

// WatchBestPaths opens a WatchEvent stream and hands every path of every
// table event to fn. It returns nil when ctx is cancelled.
func (c *GRPCClient) WatchBestPaths(ctx context.Context, fn func(*apipb.Path)) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("watch best paths: %w", ErrClientClosed)
	}
	c.mu.RUnlock()

	stream, err := c.api.WatchEvent(ctx, bestPathRequest())
	if err != nil {
		return fmt.Errorf("watch best paths: %w", err)
	}

	c.logger.Info("watching gobgp best paths")

	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("watch best paths: %w", ErrStreamClosed)
			}
			return fmt.Errorf("watch best paths: %w", err)
		}

		for _, p := range resp.GetTable().GetPaths() {
			fn(p)
		}
	}
}

// Close releases the underlying gRPC connection. After Close,
// WatchBestPaths returns ErrClientClosed.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close gobgp client: %w", err)
	}

	c.logger.Info("gobgp gRPC client closed")

	return nil
}
