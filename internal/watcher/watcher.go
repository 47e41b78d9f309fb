// Package watcher feeds the scheduler the live revision range. It polls the
// repository for changes to base..HEAD and pushes the ordered revision set
// (with tree ids resolved) whenever it differs from the last push.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cip999/limmat/internal/gitutil"
	"github.com/cip999/limmat/internal/sched"
)

const DefaultInterval = 500 * time.Millisecond

type Watcher struct {
	repoDir  string
	base     string
	interval time.Duration
	logger   *slog.Logger

	lastFingerprint string
}

func New(repoDir, base string, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		repoDir:  repoDir,
		base:     base,
		interval: interval,
		logger:   logger.With(slog.String("component", "watcher")),
	}
}

// Run polls until ctx is canceled, pushing range updates into the scheduler.
// The first poll always pushes, even for an empty range.
func (w *Watcher) Run(ctx context.Context, s *sched.Scheduler) error {
	// Resolve the base once; a moving base ref (e.g. a branch the user
	// advances) is re-resolved every poll below, so this is just an early
	// existence check with a good error message.
	if _, err := gitutil.RevParse(w.repoDir, w.base); err != nil {
		return fmt.Errorf("resolve base revision %q: %w", w.base, err)
	}

	first := true
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		revs, fingerprint, err := w.poll()
		if err != nil {
			w.logger.Warn("poll failed", slog.Any("error", err))
		} else if first || fingerprint != w.lastFingerprint {
			w.lastFingerprint = fingerprint
			first = false
			w.logger.Info("range updated", slog.Int("revisions", len(revs)))
			if err := s.UpdateRange(ctx, revs); err != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) poll() ([]sched.Revision, string, error) {
	commits, err := gitutil.RevList(w.repoDir, w.base, "HEAD")
	if err != nil {
		return nil, "", err
	}
	revs := make([]sched.Revision, 0, len(commits))
	fingerprint := ""
	for _, c := range commits {
		tree, err := gitutil.TreeID(w.repoDir, c)
		if err != nil {
			return nil, "", err
		}
		revs = append(revs, sched.Revision{Commit: c, Tree: tree})
		fingerprint += c + "\n"
	}
	return revs, fingerprint, nil
}
