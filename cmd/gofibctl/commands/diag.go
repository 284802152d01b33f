package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the trie structure of the forwarding table",
		Long: "Prints the default route, then every populated slot at each trie level " +
			"with its route, next hop, reference count and parent chain.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := client.Dump(context.Background())
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), text)

			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool usage of the forwarding table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := client.Stats(context.Background())
			if err != nil {
				return err
			}

			out, err := formatStats(st, outputFormat)
			if err != nil {
				return fmt.Errorf("format stats: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}
