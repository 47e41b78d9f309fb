// limmat is a local continuous-integration engine: it watches a range of
// revisions in a git repository and runs a declared matrix of tests against
// every revision in the range, in parallel, caching outcomes by content.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cip999/limmat/internal/version"
)

type rootFlags struct {
	configPath string
	repoPath   string
	resultDB   string
	logFile    string
	logLevel   string
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "limmat",
		Short:         "local continuous integration for in-flight revisions",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "limmat.yaml", "manifest location")
	root.PersistentFlags().StringVar(&flags.repoPath, "repo", ".", "main repository root")
	root.PersistentFlags().StringVar(&flags.resultDB, "result-db", "", "result database root (default: $XDG_DATA_HOME/limmat/results)")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "write logs to this file (rotated) instead of stderr")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newWatchCmd(flags))
	root.AddCommand(newTestCmd(flags))
	root.AddCommand(newValidateCmd(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "limmat:", err)
		os.Exit(1)
	}
}
