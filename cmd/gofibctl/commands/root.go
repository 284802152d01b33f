package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofib/internal/fibapi"
)

var (
	// client is the FIB service client, initialized in PersistentPreRunE.
	client *fibapi.Client

	// outputFormat controls the output format for all commands (table, json or yaml).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the ConnectRPC connection.
	serverAddr string

	// httpClient carries the RPCs; tests swap it for an httptest client.
	httpClient = http.DefaultClient
)

// rootCmd is the top-level cobra command for gofibctl.
var rootCmd = &cobra.Command{
	Use:   "gofibctl",
	Short: "CLI client for the gofib daemon",
	Long:  "gofibctl talks to gofibd over ConnectRPC to install routes, resolve destinations and inspect the forwarding table.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = fibapi.NewClient(httpClient, "http://"+serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50061",
		"gofibd daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
