// Package resultdb is the persistent, content-addressed store of test
// outcomes. Entries are keyed by (test config hash, version id) and hold the
// exit status plus the captured standard streams of the run that produced
// them. The database performs no locking; running two orchestrators against
// the same root is unsupported.
package resultdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"

	"github.com/cip999/limmat/internal/outcome"
)

const (
	exitStatusFile = "exit_status"
	stdoutFile     = "stdout"
	stderrFile     = "stderr"

	lookupCacheSize = 4096
)

// Key addresses one database entry. VersionID is the revision's commit id
// under by_commit caching and its tree id under by_tree.
type Key struct {
	ConfigHash string
	VersionID  string
}

// Dir is the entry's directory name under the database root.
func (k Key) Dir() string {
	return k.ConfigHash + "-" + k.VersionID
}

// ParseKey inverts Key.Dir. Used by the web UI to resolve stream URLs.
func ParseKey(dir string) (Key, error) {
	hash, version, ok := strings.Cut(dir, "-")
	if !ok || hash == "" || version == "" {
		return Key{}, fmt.Errorf("malformed result key %q", dir)
	}
	return Key{ConfigHash: hash, VersionID: version}, nil
}

type Database struct {
	root   string
	logger *slog.Logger

	// Positive lookup cache. The on-disk layout stays authoritative; the
	// cache only short-circuits repeated stat+read cycles during range
	// updates over large grids.
	cache *lru.Cache[string, outcome.Outcome]
}

func Open(root string, logger *slog.Logger) (*Database, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create result database root: %w", err)
	}
	cache, err := lru.New[string, outcome.Outcome](lookupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Database{
		root:   root,
		logger: logger.With(slog.String("component", "resultdb")),
		cache:  cache,
	}, nil
}

func (db *Database) Root() string { return db.root }

// Lookup returns the cached outcome for a key, if any. Error outcomes are
// never stored, so a hit is always Success or Failure.
func (db *Database) Lookup(key Key) (outcome.Outcome, bool) {
	dir := key.Dir()
	if o, ok := db.cache.Get(dir); ok {
		return o, true
	}
	b, err := os.ReadFile(filepath.Join(db.root, dir, exitStatusFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			db.logger.Error("read cache entry", slog.String("key", dir), slog.Any("error", err))
		}
		return outcome.Outcome{}, false
	}
	status, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		db.logger.Error("corrupt exit_status, ignoring entry",
			slog.String("key", dir), slog.Any("error", err))
		return outcome.Outcome{}, false
	}
	o := outcome.FromExitStatus(status)
	db.cache.Add(dir, o)
	return o, true
}

// Store records a terminal Success/Failure outcome along with the captured
// stream files, which are moved (not copied) into the entry. The entry is
// staged under a temporary name and renamed into place so readers never see
// a partially written entry. Overwriting an existing entry is permitted.
func (db *Database) Store(key Key, o outcome.Outcome, stdoutSrc, stderrSrc string) error {
	if !o.Cacheable() {
		return fmt.Errorf("refusing to store non-cacheable outcome %s", o)
	}

	stage := filepath.Join(db.root, ".stage-"+ulid.Make().String())
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return fmt.Errorf("stage cache entry: %w", err)
	}
	defer func() { _ = os.RemoveAll(stage) }()

	if err := moveOrCopy(stdoutSrc, filepath.Join(stage, stdoutFile)); err != nil {
		return fmt.Errorf("stage stdout: %w", err)
	}
	if err := moveOrCopy(stderrSrc, filepath.Join(stage, stderrFile)); err != nil {
		return fmt.Errorf("stage stderr: %w", err)
	}
	status := strconv.Itoa(o.ExitStatus)
	if err := os.WriteFile(filepath.Join(stage, exitStatusFile), []byte(status+"\n"), 0o644); err != nil {
		return fmt.Errorf("stage exit_status: %w", err)
	}

	final := filepath.Join(db.root, key.Dir())
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("replace cache entry: %w", err)
	}
	if err := os.Rename(stage, final); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	db.cache.Add(key.Dir(), o)
	return nil
}

// StreamPaths returns the on-disk paths of the captured streams for a key.
func (db *Database) StreamPaths(key Key) (stdoutPath, stderrPath string, ok bool) {
	dir := filepath.Join(db.root, key.Dir())
	if _, err := os.Stat(filepath.Join(dir, exitStatusFile)); err != nil {
		return "", "", false
	}
	return filepath.Join(dir, stdoutFile), filepath.Join(dir, stderrFile), true
}

// moveOrCopy prefers rename and falls back to a copy when the source sits on
// a different filesystem than the database root.
func moveOrCopy(src, dst string) error {
	if src == "" {
		// No capture (e.g. cache hit replay); store an empty stream.
		return os.WriteFile(dst, nil, 0o644)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
