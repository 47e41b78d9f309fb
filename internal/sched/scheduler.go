// Package sched contains the reactive scheduler at the heart of the
// orchestrator. A single goroutine owns the live (test, revision) grid, the
// resource and worktree pools, and reacts to range updates and job
// completions; jobs run as independent goroutines and talk back only through
// completion messages and cancellation requests.
package sched

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cip999/limmat/internal/config"
	"github.com/cip999/limmat/internal/job"
	"github.com/cip999/limmat/internal/outcome"
	"github.com/cip999/limmat/internal/resource"
	"github.com/cip999/limmat/internal/resultdb"
	"github.com/cip999/limmat/internal/status"
	"github.com/cip999/limmat/internal/worktree"
)

// Revision is one watched commit together with its tree id (the cache key
// under by_tree).
type Revision struct {
	Commit string
	Tree   string
}

type cell struct {
	test *config.Test
	rev  Revision

	state     status.CellState
	announced bool
	outcome   *outcome.Outcome

	job       *job.Job
	resources *resource.Lease
	worktree  *worktree.Lease

	// Error-retry pacing.
	attempts  int
	notBefore time.Time
}

type jobDone struct {
	jobID string
	res   job.Result
}

// dyingJob is a canceled job whose revision already left the range; its
// leases are held until the child actually exits.
type dyingJob struct {
	resources *resource.Lease
	worktree  *worktree.Lease
}

type Options struct {
	// Tests is the selected subset of the manifest (dependency-closed).
	Tests []*config.Test

	RepoDir    string
	CaptureDir string

	DB        *resultdb.Database
	Resources *resource.Pool
	Worktrees *worktree.Pool
	Bus       *status.Bus
	Metrics   *Metrics
	Logger    *slog.Logger
}

type Scheduler struct {
	tests      []*config.Test
	dependents map[string][]*config.Test
	repoDir    string
	captureDir string

	db        *resultdb.Database
	resources *resource.Pool
	worktrees *worktree.Pool
	bus       *status.Bus
	metrics   *Metrics
	logger    *slog.Logger
	backoff   errorRetryBackoff

	rangeCh chan []Revision
	doneCh  chan jobDone

	revisions []Revision
	cells     map[status.CellKey]*cell
	dying     map[string]dyingJob
	counts    map[status.CellState]int
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		tests:      opts.Tests,
		dependents: make(map[string][]*config.Test),
		repoDir:    opts.RepoDir,
		captureDir: opts.CaptureDir,
		db:         opts.DB,
		resources:  opts.Resources,
		worktrees:  opts.Worktrees,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With(slog.String("component", "sched")),
		backoff:    defaultErrorRetryBackoff(),
		rangeCh:    make(chan []Revision),
		doneCh:     make(chan jobDone),
		cells:      make(map[status.CellKey]*cell),
		dying:      make(map[string]dyingJob),
		counts:     make(map[status.CellState]int),
	}
	for _, t := range opts.Tests {
		for _, dep := range t.DependsOn {
			s.dependents[dep] = append(s.dependents[dep], t)
		}
	}
	return s
}

// UpdateRange replaces the watched revision set (newest first). Called by the
// range watcher; blocks until the scheduler picks the update up or ctx ends.
func (s *Scheduler) UpdateRange(ctx context.Context, revs []Revision) error {
	select {
	case s.rangeCh <- revs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the scheduler loop. It returns after ctx is canceled and every
// in-flight job has exited and handed its leases back.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		var wake <-chan time.Time
		var timer *time.Timer
		if at, ok := s.nextWake(); ok {
			timer = time.NewTimer(time.Until(at))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.drain()
			return nil
		case revs := <-s.rangeCh:
			s.applyRange(revs)
		case d := <-s.doneCh:
			s.handleDone(d)
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
		s.dispatch()
	}
}

// nextWake returns the earliest backoff deadline among pending cells.
func (s *Scheduler) nextWake() (time.Time, bool) {
	var at time.Time
	now := time.Now()
	for _, c := range s.cells {
		if c.state != status.StatePending || c.notBefore.IsZero() || !c.notBefore.After(now) {
			continue
		}
		if at.IsZero() || c.notBefore.Before(at) {
			at = c.notBefore
		}
	}
	return at, !at.IsZero()
}

// drain cancels every running job and waits for all of them (including
// already-dying ones) to exit, releasing their leases.
func (s *Scheduler) drain() {
	outstanding := len(s.dying)
	for _, c := range s.cells {
		if c.state == status.StateRunning {
			c.job.Cancel()
			outstanding++
		}
	}
	for outstanding > 0 {
		d := <-s.doneCh
		s.releaseFor(d.jobID)
		outstanding--
	}
	s.bus.Close()
}

// releaseFor returns the leases of whichever record owns the job.
func (s *Scheduler) releaseFor(jobID string) {
	if dj, ok := s.dying[jobID]; ok {
		releaseLeases(dj.resources, dj.worktree)
		delete(s.dying, jobID)
		return
	}
	for _, c := range s.cells {
		if c.job != nil && c.job.ID() == jobID {
			releaseLeases(c.resources, c.worktree)
			c.job, c.resources, c.worktree = nil, nil, nil
			return
		}
	}
}

func releaseLeases(r *resource.Lease, w *worktree.Lease) {
	if r != nil {
		r.Release()
	}
	if w != nil {
		w.Release()
	}
}

// applyRange diffs the new revision set against the current one, cancelling
// cells for departed revisions and creating fresh cells for arrivals.
func (s *Scheduler) applyRange(revs []Revision) {
	newSet := make(map[string]bool, len(revs))
	for _, r := range revs {
		newSet[r.Commit] = true
	}
	oldSet := make(map[string]bool, len(s.revisions))
	for _, r := range s.revisions {
		oldSet[r.Commit] = true
	}

	for key, c := range s.cells {
		if newSet[key.Revision] {
			continue
		}
		if c.state == status.StateRunning {
			// The job keeps its leases until the child is gone; track it
			// separately so a re-entering revision gets a fresh cell.
			c.job.Cancel()
			s.dying[c.job.ID()] = dyingJob{resources: c.resources, worktree: c.worktree}
		}
		if !c.state.Terminal() {
			s.publish(c, status.StateCanceled, nil, false, "range update")
		}
		s.counts[c.state]--
		delete(s.cells, key)
	}

	s.revisions = revs
	s.bus.PublishRange(commitIDs(revs))

	for _, rev := range revs {
		if oldSet[rev.Commit] {
			continue
		}
		s.createCells(rev)
	}
	s.metrics.setCells(s.counts)
}

func commitIDs(revs []Revision) []string {
	out := make([]string, len(revs))
	for i, r := range revs {
		out[i] = r.Commit
	}
	return out
}

// createCells materializes the cell column of one arriving revision: cache
// hits become Done immediately, the rest start Blocked or Pending depending
// on their dependencies, and dependents of cached failures are skipped.
func (s *Scheduler) createCells(rev Revision) {
	for _, t := range s.tests {
		c := &cell{test: t, rev: rev}
		s.cells[status.CellKey{Test: t.Name, Revision: rev.Commit}] = c

		if key, ok := s.resultKey(t, rev); ok {
			if o, hit := s.db.Lookup(key); hit {
				s.metrics.cacheHit()
				c.outcome = &o
				s.publishEvent(c, status.CellEvent{
					CellKey:   status.CellKey{Test: t.Name, Revision: rev.Commit},
					State:     status.StateDone,
					Outcome:   &o,
					Cached:    true,
					ResultKey: key.Dir(),
				})
			}
		}
	}

	// Settle non-terminal states now that the whole column exists.
	for _, t := range s.tests {
		c := s.cells[status.CellKey{Test: t.Name, Revision: rev.Commit}]
		if c.state.Terminal() {
			continue
		}
		s.reevaluate(c)
	}
}

// resultKey maps a (test, revision) cell onto its database key; ok is false
// for no_caching tests.
func (s *Scheduler) resultKey(t *config.Test, rev Revision) (resultdb.Key, bool) {
	switch t.Cache {
	case config.CacheByTree:
		return resultdb.Key{ConfigHash: t.Hash(), VersionID: rev.Tree}, true
	case config.CacheNone:
		return resultdb.Key{}, false
	default:
		return resultdb.Key{ConfigHash: t.Hash(), VersionID: rev.Commit}, true
	}
}

// reevaluate recomputes a Blocked/Pending cell from its dependencies'
// states: all Success -> Pending, any terminal non-success -> skipped.
func (s *Scheduler) reevaluate(c *cell) {
	ready := true
	for _, dep := range c.test.DependsOn {
		d := s.cells[status.CellKey{Test: dep, Revision: c.rev.Commit}]
		if d == nil {
			// Dependency outside the selected subset never happens: Select
			// returns a dependency-closed set.
			continue
		}
		switch {
		case d.state == status.StateDone && d.outcome.Kind == outcome.KindSuccess:
			// satisfied
		case d.state == status.StateDone && d.outcome.Kind == outcome.KindFailure,
			d.state == status.StateCanceled:
			s.skip(c)
			return
		default:
			ready = false
		}
	}
	next := status.StateBlocked
	if ready {
		next = status.StatePending
	}
	if next != c.state || !c.announced {
		s.publish(c, next, nil, false, "")
	}
}

// skip cancels a cell whose dependency can never succeed, and cascades to
// its own dependents.
func (s *Scheduler) skip(c *cell) {
	if c.state.Terminal() {
		return
	}
	s.publish(c, status.StateCanceled, nil, false, "dependency failed")
	for _, dep := range s.dependents[c.test.Name] {
		if dc := s.cells[status.CellKey{Test: dep.Name, Revision: c.rev.Commit}]; dc != nil {
			s.skip(dc)
		}
	}
}

// dispatch walks Pending cells in UI order (newest revision first, manifest
// order within a revision) and launches every one whose leases it can take.
func (s *Scheduler) dispatch() {
	now := time.Now()
	for _, rev := range s.revisions {
		for _, t := range s.tests {
			c := s.cells[status.CellKey{Test: t.Name, Revision: rev.Commit}]
			if c == nil || c.state != status.StatePending || c.notBefore.After(now) {
				continue
			}
			s.launch(c)
		}
	}
	s.metrics.setCells(s.counts)
}

// launch atomically takes the cell's leases and starts its job. Returns
// false when a lease is unavailable (the cell stays Pending).
func (s *Scheduler) launch(c *cell) bool {
	if key, cacheable := s.resultKey(c.test, c.rev); cacheable {
		// A sibling cell sharing the key (same tree id under by_tree) may
		// have finished since this cell was created, or may still be
		// running; either way this cell must not launch a second process.
		if o, hit := s.db.Lookup(key); hit {
			s.metrics.cacheHit()
			c.outcome = &o
			s.publishEvent(c, status.CellEvent{
				CellKey:   status.CellKey{Test: c.test.Name, Revision: c.rev.Commit},
				State:     status.StateDone,
				Outcome:   &o,
				Cached:    true,
				ResultKey: key.Dir(),
			})
			if o.Kind == outcome.KindSuccess {
				s.unblockDependents(c)
			} else {
				s.skipDependents(c)
			}
			return true
		}
		if s.keyInFlight(key, c) {
			return false
		}
	}

	res, ok := s.resources.TryAcquire(c.test.Resources)
	if !ok {
		return false
	}
	var wt *worktree.Lease
	if c.test.WantsWorktree() {
		wt, ok = s.worktrees.TryAcquire()
		if !ok {
			// Give the tokens straight back; nothing observed the partial
			// acquisition because only this goroutine touches the pools.
			res.Release()
			return false
		}
	}

	c.resources = res
	c.worktree = wt
	c.job = job.Start(job.Request{
		Test:       c.test,
		Revision:   c.rev.Commit,
		Origin:     s.repoDir,
		Worktree:   wt,
		Resources:  res,
		CaptureDir: s.captureDir,
	}, s.logger)
	s.metrics.jobStarted()
	s.publish(c, status.StateRunning, nil, false, "")

	jobID := c.job.ID()
	doneSrc := c.job.Done()
	go func() {
		r := <-doneSrc
		s.doneCh <- jobDone{jobID: jobID, res: r}
	}()
	return true
}

// keyInFlight reports whether another running cell will produce the entry
// this cell wants.
func (s *Scheduler) keyInFlight(key resultdb.Key, self *cell) bool {
	for _, other := range s.cells {
		if other == self || other.state != status.StateRunning {
			continue
		}
		if otherKey, ok := s.resultKey(other.test, other.rev); ok && otherKey == key {
			return true
		}
	}
	return false
}

// handleDone processes one job completion: leases return to the pools, the
// outcome is recorded and published, dependents are re-evaluated.
func (s *Scheduler) handleDone(d jobDone) {
	s.metrics.observeJob(d.res.Duration.Seconds())

	if dj, ok := s.dying[d.jobID]; ok {
		releaseLeases(dj.resources, dj.worktree)
		delete(s.dying, d.jobID)
		s.discardCaptures(d.res)
		return
	}

	var c *cell
	for _, cand := range s.cells {
		if cand.job != nil && cand.job.ID() == d.jobID {
			c = cand
			break
		}
	}
	if c == nil {
		// The cell was removed without a cancel race being recorded; just
		// return the captures to the void.
		s.discardCaptures(d.res)
		return
	}
	releaseLeases(c.resources, c.worktree)
	c.job, c.resources, c.worktree = nil, nil, nil

	o := d.res.Outcome
	switch o.Kind {
	case outcome.KindSuccess, outcome.KindFailure:
		resultKey := ""
		if key, ok := s.resultKey(c.test, c.rev); ok {
			// Store before publishing so stream links resolve by the time
			// observers see the transition. A failed write only costs a
			// re-execution on the next run.
			if err := s.db.Store(key, o, d.res.StdoutPath, d.res.StderrPath); err != nil {
				s.logger.Error("result database write failed",
					slog.String("test", c.test.Name),
					slog.String("revision", c.rev.Commit),
					slog.Any("error", err))
			} else {
				resultKey = key.Dir()
			}
		} else {
			s.discardCaptures(d.res)
		}
		c.outcome = &o
		s.publishEvent(c, status.CellEvent{
			CellKey:   status.CellKey{Test: c.test.Name, Revision: c.rev.Commit},
			State:     status.StateDone,
			Outcome:   &o,
			ResultKey: resultKey,
		})
		if o.Kind == outcome.KindSuccess {
			s.unblockDependents(c)
		} else {
			s.skipDependents(c)
		}

	case outcome.KindError:
		// Errors are transient: never cached, implicitly retried with
		// backoff so a broken checkout doesn't spin the loop.
		s.discardCaptures(d.res)
		c.attempts++
		c.notBefore = time.Now().Add(
			s.backoff.delayForAttempt(c.attempts, c.test.Name+":"+c.rev.Commit))
		s.logger.Warn("job error, will retry",
			slog.String("test", c.test.Name),
			slog.String("revision", c.rev.Commit),
			slog.Int("attempts", c.attempts),
			slog.String("reason", o.Reason))
		s.publish(c, status.StatePending, nil, false, o.Reason)
	}
	s.metrics.setCells(s.counts)
}

func (s *Scheduler) discardCaptures(res job.Result) {
	if res.StdoutPath != "" {
		_ = os.Remove(res.StdoutPath)
	}
	if res.StderrPath != "" {
		_ = os.Remove(res.StderrPath)
	}
}

func (s *Scheduler) unblockDependents(c *cell) {
	for _, dep := range s.dependents[c.test.Name] {
		if dc := s.cells[status.CellKey{Test: dep.Name, Revision: c.rev.Commit}]; dc != nil &&
			dc.state == status.StateBlocked {
			s.reevaluate(dc)
		}
	}
}

func (s *Scheduler) skipDependents(c *cell) {
	for _, dep := range s.dependents[c.test.Name] {
		if dc := s.cells[status.CellKey{Test: dep.Name, Revision: c.rev.Commit}]; dc != nil {
			s.skip(dc)
		}
	}
}

// publish moves the cell to a new state and emits the transition.
func (s *Scheduler) publish(c *cell, st status.CellState, o *outcome.Outcome, cached bool, reason string) {
	s.publishEvent(c, status.CellEvent{
		CellKey: status.CellKey{Test: c.test.Name, Revision: c.rev.Commit},
		State:   st,
		Outcome: o,
		Cached:  cached,
		Reason:  reason,
	})
}

func (s *Scheduler) publishEvent(c *cell, ev status.CellEvent) {
	if c.announced {
		s.counts[c.state]--
	}
	c.state = ev.State
	c.announced = true
	s.counts[c.state]++
	s.bus.PublishCell(ev)
}
