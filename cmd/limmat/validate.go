package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cip999/limmat/internal/config"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "check the manifest without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s: %d tests, %d resources, %d worktrees\n",
				flags.configPath, len(m.Tests), len(m.Resources), m.NumWorktrees)
			return nil
		},
	}
}
