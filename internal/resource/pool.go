// Package resource implements the named-token resource pool. A Pool is owned
// by the scheduler goroutine and is not safe for concurrent use.
package resource

import (
	"fmt"

	"github.com/cip999/limmat/internal/config"
)

// Pool holds the free tokens of every declared resource.
type Pool struct {
	free  map[string][]string
	sizes map[string]int
}

func NewPool(resources []*config.Resource) *Pool {
	p := &Pool{
		free:  make(map[string][]string, len(resources)),
		sizes: make(map[string]int, len(resources)),
	}
	for _, r := range resources {
		vals := r.TokenValues()
		p.free[r.Name] = vals
		p.sizes[r.Name] = len(vals)
	}
	return p
}

// Size returns the configured pool size for a resource.
func (p *Pool) Size(name string) int { return p.sizes[name] }

// Lease is an exclusive grant of tokens across one or more resources. It is
// returned to the pool exactly once via Release.
type Lease struct {
	pool    *Pool
	granted map[string][]string
}

// Tokens returns the token values granted for a resource, in grant order.
func (l *Lease) Tokens(name string) []string { return l.granted[name] }

// Granted iterates the lease as (resource name, token values) pairs.
func (l *Lease) Granted() map[string][]string { return l.granted }

// TryAcquire atomically grants every demand or nothing. A nil lease with
// ok=false means some demand cannot currently be met.
func (p *Pool) TryAcquire(demands []config.ResourceDemand) (*Lease, bool) {
	for _, d := range demands {
		if len(p.free[d.Name]) < d.Count {
			return nil, false
		}
	}
	granted := make(map[string][]string, len(demands))
	for _, d := range demands {
		tokens := p.free[d.Name]
		granted[d.Name] = tokens[:d.Count:d.Count]
		p.free[d.Name] = tokens[d.Count:]
	}
	if len(granted) == 0 {
		// Zero-demand jobs share a trivial lease so release stays uniform.
		return &Lease{pool: p}, true
	}
	return &Lease{pool: p, granted: granted}, true
}

// Release returns all granted tokens. Releasing twice panics: a double
// release means two jobs believed they owned the same tokens.
func (l *Lease) Release() {
	if l.pool == nil {
		panic("resource: lease released twice")
	}
	for name, tokens := range l.granted {
		l.pool.free[name] = append(l.pool.free[name], tokens...)
		if len(l.pool.free[name]) > l.pool.sizes[name] {
			panic(fmt.Sprintf("resource: pool %q overflows its size %d on release",
				name, l.pool.sizes[name]))
		}
	}
	l.pool = nil
}
