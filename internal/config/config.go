package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type CacheMode string

const (
	CacheByCommit CacheMode = "by_commit"
	CacheByTree   CacheMode = "by_tree"
	CacheNone     CacheMode = "no_caching"
)

const (
	DefaultNumWorktrees        = 8
	DefaultShutdownGracePeriod = 60 * time.Second
)

// Command is either a shell string (run as "bash -c <string>") or an explicit
// argv vector. Exactly one of Shell/Argv is set after decoding.
type Command struct {
	Shell string
	Argv  []string
}

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		c.Shell = s
	case yaml.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return err
		}
		c.Argv = argv
	default:
		return fmt.Errorf("line %d: command must be a string or a string array", node.Line)
	}
	return nil
}

func (c Command) IsShell() bool { return len(c.Argv) == 0 }

// Display returns a single-line rendering for logs and the UI.
func (c Command) Display() string {
	if c.IsShell() {
		return c.Shell
	}
	out := ""
	for i, a := range c.Argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// ResourceDemand is a manifest entry under tests[].resources: either a bare
// resource name (count 1) or an explicit {name, count} mapping.
type ResourceDemand struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

func (d *ResourceDemand) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		d.Name = s
		d.Count = 1
		return nil
	}
	type plain ResourceDemand
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.Count == 0 {
		p.Count = 1
	}
	*d = ResourceDemand(p)
	return nil
}

type Test struct {
	Name                 string           `yaml:"name"`
	Command              Command          `yaml:"command"`
	NeedsWorktree        *bool            `yaml:"needs_worktree"`
	DependsOn            []string         `yaml:"depends_on"`
	Resources            []ResourceDemand `yaml:"resources"`
	Cache                CacheMode        `yaml:"cache"`
	ShutdownGracePeriodS int              `yaml:"shutdown_grace_period_s"`

	// Filled in by Load.
	hash string
}

// WantsWorktree reports whether the test runs in a leased worktree (the
// default) rather than the main repository root.
func (t *Test) WantsWorktree() bool {
	return t.NeedsWorktree == nil || *t.NeedsWorktree
}

func (t *Test) ShutdownGracePeriod() time.Duration {
	if t.ShutdownGracePeriodS <= 0 {
		return DefaultShutdownGracePeriod
	}
	return time.Duration(t.ShutdownGracePeriodS) * time.Second
}

// Hash is the test's config hash, covering every field that can affect the
// meaning of a result, including the hashes of all transitive dependencies.
func (t *Test) Hash() string { return t.hash }

type Resource struct {
	Name   string   `yaml:"name"`
	Count  int      `yaml:"count"`
	Tokens []string `yaml:"tokens"`
}

// TokenValues returns the concrete token strings handed to jobs. Anonymous
// resources get stable synthetic ids.
func (r *Resource) TokenValues() []string {
	if len(r.Tokens) > 0 {
		return append([]string(nil), r.Tokens...)
	}
	n := r.Count
	if n <= 0 {
		n = 1
	}
	vals := make([]string, n)
	for i := range vals {
		vals[i] = fmt.Sprintf("%s-%d", r.Name, i)
	}
	return vals
}

func (r *Resource) Size() int {
	if len(r.Tokens) > 0 {
		return len(r.Tokens)
	}
	if r.Count <= 0 {
		return 1
	}
	return r.Count
}

// Manifest is the validated test manifest: the static test graph plus the
// resource and worktree pool configuration.
type Manifest struct {
	NumWorktrees int         `yaml:"num_worktrees"`
	Resources    []*Resource `yaml:"resources"`
	Tests        []*Test     `yaml:"tests"`

	byName map[string]*Test
}

func (m *Manifest) Test(name string) *Test { return m.byName[name] }

func (m *Manifest) ResourceByName(name string) *Resource {
	for _, r := range m.Resources {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Load reads, schema-validates, decodes and semantically validates a manifest
// file, and computes per-test config hashes.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Manifest, error) {
	if err := validateSchema(b); err != nil {
		return nil, err
	}
	var m Manifest
	if err := decodeYAMLStrict(b, &m); err != nil {
		return nil, err
	}
	if m.NumWorktrees <= 0 {
		m.NumWorktrees = DefaultNumWorktrees
	}
	for _, t := range m.Tests {
		if t.Cache == "" {
			t.Cache = CacheByCommit
		}
	}
	m.byName = make(map[string]*Test, len(m.Tests))
	for _, t := range m.Tests {
		m.byName[t.Name] = t
	}
	if err := validateGraph(&m); err != nil {
		return nil, err
	}
	if err := computeHashes(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeYAMLStrict(b []byte, m *Manifest) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}
