package config

import (
	"fmt"
)

// validateGraph enforces the semantic manifest rules: unique test names,
// resolvable dependency edges, an acyclic dependency relation, declared
// resources, and demands that fit inside the configured pools.
func validateGraph(m *Manifest) error {
	seen := make(map[string]bool, len(m.Tests))
	for _, t := range m.Tests {
		if seen[t.Name] {
			return fmt.Errorf("test %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
	}

	resNames := make(map[string]bool, len(m.Resources))
	for _, r := range m.Resources {
		if resNames[r.Name] {
			return fmt.Errorf("resource %q: duplicate name", r.Name)
		}
		resNames[r.Name] = true
		if r.Count > 0 && len(r.Tokens) > 0 {
			return fmt.Errorf("resource %q: count and tokens are mutually exclusive", r.Name)
		}
	}

	for _, t := range m.Tests {
		for _, dep := range t.DependsOn {
			if m.byName[dep] == nil {
				return fmt.Errorf("test %q: depends on undeclared test %q", t.Name, dep)
			}
			if dep == t.Name {
				return fmt.Errorf("test %q: depends on itself", t.Name)
			}
		}
		demanded := make(map[string]bool, len(t.Resources))
		for _, d := range t.Resources {
			r := m.ResourceByName(d.Name)
			if r == nil {
				return fmt.Errorf("test %q: references undeclared resource %q", t.Name, d.Name)
			}
			if demanded[d.Name] {
				return fmt.Errorf("test %q: resource %q demanded twice", t.Name, d.Name)
			}
			demanded[d.Name] = true
			if d.Count > r.Size() {
				return fmt.Errorf("test %q: demands %d of resource %q but the pool only has %d",
					t.Name, d.Count, d.Name, r.Size())
			}
		}
	}

	return checkAcyclic(m)
}

// checkAcyclic runs a three-color DFS over the dependency relation and
// reports the first cycle found.
func checkAcyclic(m *Manifest) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(m.Tests))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("dependency cycle: %s", cyclePath(append(path, name)))
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range m.byName[name].DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for _, t := range m.Tests {
		if err := visit(t.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

func cyclePath(path []string) string {
	// Trim the lead-in so the message starts at the first repeated node.
	last := path[len(path)-1]
	start := 0
	for i, n := range path[:len(path)-1] {
		if n == last {
			start = i
			break
		}
	}
	out := ""
	for i, n := range path[start:] {
		if i > 0 {
			out += " -> "
		}
		out += n
	}
	return out
}
