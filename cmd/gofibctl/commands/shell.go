package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// shellCommands lists the available commands for the interactive shell help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"route add <prefix> --via <ip>", "Install a forward route"},
	{"route add <prefix> --action drop", "Install a drop or receive route"},
	{"route lookup <ip>", "Resolve a destination address"},
	{"route list", "List installed routes"},
	{"dump", "Print the trie structure"},
	{"stats", "Show pool usage"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

const shellPrompt = "gofibctl> "

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive gofibctl shell",
		Long:  "Launches a simple REPL that accepts gofibctl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// runShell reads one subcommand per line and executes it against rootCmd.
// Errors are printed and the loop continues.
func runShell(in io.Reader, out, errOut io.Writer) error {
	printShellBanner(out)
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, shellPrompt)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "exit" || line == "quit":
			return nil
		case line == "help" || line == "?":
			printShellHelp(out)
		case line == "shell":
			fmt.Fprintln(errOut, "Error: already in the shell")
		case line != "":
			rootCmd.SetArgs(strings.Fields(line))
			rootCmd.SetOut(out)

			if err := rootCmd.Execute(); err != nil {
				fmt.Fprintln(errOut, "Error:", err)
			}
			resetLocalFlags(rootCmd)
		}

		fmt.Fprint(out, shellPrompt)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	return nil
}

// resetLocalFlags restores subcommand flags to their defaults so one shell
// line does not leak flags into the next. Persistent root flags such as
// --addr keep the values the shell was started with.
func resetLocalFlags(cmd *cobra.Command) {
	for _, c := range cmd.Commands() {
		c.LocalNonPersistentFlags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			}
		})
		resetLocalFlags(c)
	}
}

// printShellBanner prints a welcome message when the shell starts.
func printShellBanner(out io.Writer) {
	fmt.Fprintln(out, "gofib interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Fprintln(out)
}

// printShellHelp prints a formatted list of available shell commands.
func printShellHelp(out io.Writer) {
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out)

	for _, cmd := range shellCommands {
		fmt.Fprintf(out, "  %-34s %s\n", cmd.name, cmd.desc)
	}

	fmt.Fprintln(out)
}
