// Package worktree manages the bounded pool of disposable working
// directories. Leases are granted by the scheduler goroutine; the checkout
// itself runs in the job that holds the lease, so the scheduler never blocks
// on git.
package worktree

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cip999/limmat/internal/gitutil"
)

type Pool struct {
	repoDir string
	logger  *slog.Logger
	free    []*Lease
	size    int
}

// Lease is exclusive use of one worktree directory until Release.
type Lease struct {
	pool *Pool
	dir  string
}

func (l *Lease) Dir() string { return l.dir }

// Checkout forces the leased worktree onto the given revision. Called from
// the job goroutine, not the scheduler. A previous occupant's tracked-file
// changes are discarded; untracked files are left for the test command to
// deal with.
func (l *Lease) Checkout(rev string) error {
	return gitutil.CheckoutDetached(l.dir, rev)
}

// New creates size worktrees under dir, registered against repoDir. The
// directories persist until Close.
func New(repoDir, dir string, size int, logger *slog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("worktree pool size must be positive, got %d", size)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}
	p := &Pool{
		repoDir: repoDir,
		logger:  logger.With(slog.String("component", "worktree")),
		size:    size,
	}
	for i := 0; i < size; i++ {
		wt := filepath.Join(dir, fmt.Sprintf("worktree-%d", i))
		if err := gitutil.AddWorktree(repoDir, wt); err != nil {
			p.Close()
			return nil, fmt.Errorf("create worktree %s: %w", wt, err)
		}
		p.free = append(p.free, &Lease{pool: p, dir: wt})
	}
	return p, nil
}

func (p *Pool) Size() int { return p.size }

// TryAcquire hands out a free worktree, or reports NotReady.
func (p *Pool) TryAcquire() (*Lease, bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	l := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return l, true
}

// Release returns the worktree without cleaning its contents; the next
// occupant's checkout is responsible for the state it needs.
func (l *Lease) Release() {
	if l.pool == nil {
		panic("worktree: lease released twice")
	}
	p := l.pool
	l.pool = nil
	p.free = append(p.free, &Lease{pool: p, dir: l.dir})
}

// Close removes every worktree registration. Outstanding leases must have
// been released first.
func (p *Pool) Close() {
	for _, l := range p.free {
		if err := gitutil.RemoveWorktree(p.repoDir, l.dir); err != nil {
			p.logger.Warn("remove worktree", slog.String("dir", l.dir), slog.Any("error", err))
		}
	}
	p.free = nil
}
