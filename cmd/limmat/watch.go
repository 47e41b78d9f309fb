package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cip999/limmat/internal/resource"
	"github.com/cip999/limmat/internal/resultdb"
	"github.com/cip999/limmat/internal/sched"
	"github.com/cip999/limmat/internal/server"
	"github.com/cip999/limmat/internal/status"
	"github.com/cip999/limmat/internal/ui"
	"github.com/cip999/limmat/internal/watcher"
	"github.com/cip999/limmat/internal/worktree"
)

func newWatchCmd(flags *rootFlags) *cobra.Command {
	var (
		testPattern  string
		addr         string
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <base-revision>",
		Short: "run the test matrix against every revision in base..HEAD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(flags, args[0], testPattern, addr, pollInterval)
		},
	}
	cmd.Flags().StringVar(&testPattern, "tests", "", "only run tests whose name matches this glob (dependencies included)")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:0", "web UI listen address")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", watcher.DefaultInterval, "repository poll interval")
	return cmd
}

func runWatch(flags *rootFlags, base, testPattern, addr string, pollInterval time.Duration) error {
	logger := buildLogger(flags)
	manifest, repo, err := loadSetup(flags)
	if err != nil {
		return err
	}
	tests, err := manifest.Select(testPattern)
	if err != nil {
		return err
	}

	dbRoot, err := resultDBRoot(flags)
	if err != nil {
		return err
	}
	db, err := resultdb.Open(dbRoot, logger)
	if err != nil {
		return err
	}

	worktreeDir, err := os.MkdirTemp("", "limmat-worktrees-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(worktreeDir)
	worktrees, err := worktree.New(repo, worktreeDir, manifest.NumWorktrees, logger)
	if err != nil {
		return err
	}
	defer worktrees.Close()

	captureDir, err := os.MkdirTemp("", "limmat-captures-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(captureDir)

	bus := status.NewBus()
	reg := prometheus.NewRegistry()
	scheduler := sched.New(sched.Options{
		Tests:      tests,
		RepoDir:    repo,
		CaptureDir: captureDir,
		DB:         db,
		Resources:  resource.NewPool(manifest.Resources),
		Worktrees:  worktrees,
		Bus:        bus,
		Metrics:    sched.NewMetrics(reg),
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("watching", slog.String("base", base), slog.Int("tests", len(tests)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error {
		return watcher.New(repo, base, pollInterval, logger).Run(ctx, scheduler)
	})
	g.Go(func() error {
		return server.New(server.Config{Addr: addr}, tests, bus, db, reg, logger).Run(ctx)
	})
	g.Go(func() error { return ui.NewRenderer(os.Stdout).Run(ctx, bus) })

	return g.Wait()
}
