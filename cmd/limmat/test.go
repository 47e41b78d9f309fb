package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cip999/limmat/internal/config"
	"github.com/cip999/limmat/internal/gitutil"
	"github.com/cip999/limmat/internal/job"
	"github.com/cip999/limmat/internal/outcome"
	"github.com/cip999/limmat/internal/resource"
)

func newTestCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "run matching test definitions once in the main working directory, bypassing the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(flags, args[0])
		},
	}
}

// runTest executes every matching test (dependencies first, manifest order)
// directly in the repository root, streaming output to the terminal. The
// result database is neither consulted nor written.
func runTest(flags *rootFlags, pattern string) error {
	logger := buildLogger(flags)
	manifest, repo, err := loadSetup(flags)
	if err != nil {
		return err
	}
	tests, err := manifest.Select(pattern)
	if err != nil {
		return err
	}
	head, err := gitutil.HeadSHA(repo)
	if err != nil {
		return err
	}

	pool := resource.NewPool(manifest.Resources)
	for _, t := range topoOrder(tests) {
		fmt.Fprintf(os.Stderr, "limmat: running %s\n", t.Name)
		lease, ok := pool.TryAcquire(t.Resources)
		if !ok {
			// Can't happen: load validation caps demands at pool size and
			// runs here are sequential.
			return fmt.Errorf("test %s: resource demand unsatisfiable", t.Name)
		}
		j := job.Start(job.Request{
			Test:      t,
			Revision:  head,
			Origin:    repo,
			Resources: lease,
			// The main working directory is the working directory: no
			// worktree lease, regardless of needs_worktree.
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		}, logger)
		res := <-j.Done()
		lease.Release()

		switch res.Outcome.Kind {
		case outcome.KindSuccess:
			fmt.Fprintf(os.Stderr, "limmat: %s succeeded in %s\n", t.Name, res.Duration.Round(time.Millisecond))
		default:
			return fmt.Errorf("test %s: %s", t.Name, res.Outcome)
		}
	}
	return nil
}

// topoOrder sorts a dependency-closed test set so dependencies run first,
// preserving manifest order among independent tests.
func topoOrder(tests []*config.Test) []*config.Test {
	byName := make(map[string]*config.Test, len(tests))
	for _, t := range tests {
		byName[t.Name] = t
	}
	done := make(map[string]bool, len(tests))
	var out []*config.Test
	var visit func(t *config.Test)
	visit = func(t *config.Test) {
		if done[t.Name] {
			return
		}
		done[t.Name] = true
		for _, dep := range t.DependsOn {
			if d := byName[dep]; d != nil {
				visit(d)
			}
		}
		out = append(out, t)
	}
	for _, t := range tests {
		visit(t)
	}
	return out
}
