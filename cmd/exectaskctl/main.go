// Command exectaskctl is a small driver for exercising the execution
// engine against stub collaborators, grounded on the teacher's cmd.NewCLI
// (a root cobra.Command with persistent flags and one subcommand per
// verb, each wiring its own RunE closure over the shared client/state).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nnserve/exectask/logutil"
)

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewCLI builds the root command and wires its subcommands.
func NewCLI() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "exectaskctl",
		Short:         "Drive the operator-execution engine from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable trace-level logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = logutil.LevelTrace
		}
		slog.SetDefault(logutil.NewLogger(os.Stderr, level))
	}

	root.AddCommand(NewProbeCmd())
	return root
}
