package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

const pidFile = "mecaflowd.pid"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mecaflow",
		Short: "Interpret CAD exercise grading results and track progression",
		Long: `mecaflow turns grading payloads from the learning platform into verdicts
and decides which exercises a learner may attempt next.

Engine commands work offline on JSON files. Daemon commands manage mecaflowd,
the local service that talks to the platform.`,
		Example: `  mecaflow evaluate --exercise ex.json --course course.json --payload result.json
  mecaflow progress --exercises exercises.json --record me.json
  mecaflow rank 2450
  mecaflow start`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newEvaluateCmd(),
		newQuizCmd(),
		newProgressCmd(),
		newRankCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newMCPCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "mecaflow %s\n", Version)
			},
		},
	)
	return root
}
