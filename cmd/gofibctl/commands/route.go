package commands

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofib/internal/fib"
)

// Sentinel errors for CLI validation.
var (
	errGatewayRequired = errors.New("--via is required for forward routes")
	errGatewayNotIPv4  = errors.New("--via must be an IPv4 address")
)

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage and query routes",
	}

	cmd.AddCommand(routeAddCmd())
	cmd.AddCommand(routeLookupCmd())
	cmd.AddCommand(routeListCmd())

	return cmd
}

// --- route add ---

func routeAddCmd() *cobra.Command {
	var (
		action  string
		gateway string
		port    uint16
	)

	cmd := &cobra.Command{
		Use:   "add <prefix>",
		Short: "Install a route",
		Example: `  gofibctl route add 10.0.0.0/8 --via 192.0.2.1 --port 2
  gofibctl route add 0.0.0.0/0 --action drop`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRoute(args[0], action, gateway, port)
			if err != nil {
				return err
			}

			if err := client.AddRoute(context.Background(), r); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Route added: %s\n", r)

			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", fib.ActionForward.String(),
		"route action: forward, drop, receive")
	cmd.Flags().StringVar(&gateway, "via", "", "next-hop gateway (forward routes)")
	cmd.Flags().Uint16Var(&port, "port", 0, "egress port (forward routes)")

	return cmd
}

// buildRoute validates the add flags locally so obvious mistakes fail
// before an RPC is made.
func buildRoute(prefix, action, gateway string, port uint16) (fib.Route, error) {
	pfx, err := netip.ParsePrefix(prefix)
	if err != nil {
		return fib.Route{}, fmt.Errorf("parse prefix %q: %w", prefix, err)
	}

	act, err := fib.ParseAction(action)
	if err != nil {
		return fib.Route{}, fmt.Errorf("parse action: %w", err)
	}

	r := fib.Route{Prefix: pfx, Action: act}
	if act != fib.ActionForward {
		return r, nil
	}

	if gateway == "" {
		return fib.Route{}, errGatewayRequired
	}
	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return fib.Route{}, fmt.Errorf("parse gateway %q: %w", gateway, err)
	}
	if !gw.Is4() {
		return fib.Route{}, fmt.Errorf("%q: %w", gateway, errGatewayNotIPv4)
	}

	r.Gateway = gw
	r.Port = port

	return r, nil
}

// --- route lookup ---

func routeLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <address>",
		Short: "Resolve a destination address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := netip.ParseAddr(args[0])
			if err != nil {
				return fmt.Errorf("parse address %q: %w", args[0], err)
			}

			res, err := client.Lookup(context.Background(), dst)
			if err != nil {
				return err
			}

			out, err := formatLookup(dst, res, outputFormat)
			if err != nil {
				return fmt.Errorf("format lookup: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}

// --- route list ---

func routeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			routes, err := client.ListRoutes(context.Background())
			if err != nil {
				return err
			}

			out, err := formatRoutes(routes, outputFormat)
			if err != nil {
				return fmt.Errorf("format routes: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}
