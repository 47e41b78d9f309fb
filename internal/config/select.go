package config

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Select returns the tests whose names match the glob pattern, in manifest
// order, together with their transitive dependency closure so the resulting
// set is runnable on its own. An empty pattern selects everything.
func (m *Manifest) Select(pattern string) ([]*Test, error) {
	if pattern == "" {
		return append([]*Test(nil), m.Tests...), nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid test pattern %q", pattern)
	}

	keep := make(map[string]bool, len(m.Tests))
	var include func(t *Test)
	include = func(t *Test) {
		if keep[t.Name] {
			return
		}
		keep[t.Name] = true
		for _, dep := range t.DependsOn {
			include(m.byName[dep])
		}
	}

	matched := false
	for _, t := range m.Tests {
		ok, err := doublestar.Match(pattern, t.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid test pattern %q: %w", pattern, err)
		}
		if ok {
			matched = true
			include(t)
		}
	}
	if !matched {
		return nil, fmt.Errorf("no test matches %q", pattern)
	}

	out := make([]*Test, 0, len(keep))
	for _, t := range m.Tests {
		if keep[t.Name] {
			out = append(out, t)
		}
	}
	return out, nil
}
