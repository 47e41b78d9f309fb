package resultdb

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cip999/limmat/internal/outcome"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "results"), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return db
}

func captureFiles(t *testing.T, stdout, stderr string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	so := filepath.Join(dir, "stdout")
	se := filepath.Join(dir, "stderr")
	require.NoError(t, os.WriteFile(so, []byte(stdout), 0o644))
	require.NoError(t, os.WriteFile(se, []byte(stderr), 0o644))
	return so, se
}

func TestStoreLookupRoundTrip(t *testing.T) {
	db := testDB(t)
	key := Key{ConfigHash: "cafe", VersionID: "f00d"}

	_, ok := db.Lookup(key)
	assert.False(t, ok, "lookup before store")

	so, se := captureFiles(t, "out\n", "err\n")
	require.NoError(t, db.Store(key, outcome.Failure(3), so, se))

	got, ok := db.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, outcome.KindFailure, got.Kind)
	assert.Equal(t, 3, got.ExitStatus)

	stdoutPath, stderrPath, ok := db.StreamPaths(key)
	require.True(t, ok)
	b, err := os.ReadFile(stdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(b))
	b, err = os.ReadFile(stderrPath)
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(b))

	// The staged capture files were moved, not copied.
	_, err = os.Stat(so)
	assert.True(t, os.IsNotExist(err))
}

func TestLookupSurvivesReopen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "results")
	logger := slog.New(slog.DiscardHandler)

	db, err := Open(root, logger)
	require.NoError(t, err)
	key := Key{ConfigHash: "aa", VersionID: "bb"}
	so, se := captureFiles(t, "", "")
	require.NoError(t, db.Store(key, outcome.Success(), so, se))

	reopened, err := Open(root, logger)
	require.NoError(t, err)
	got, ok := reopened.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, outcome.KindSuccess, got.Kind)
}

func TestStoreOverwrites(t *testing.T) {
	db := testDB(t)
	key := Key{ConfigHash: "aa", VersionID: "bb"}

	so, se := captureFiles(t, "first", "")
	require.NoError(t, db.Store(key, outcome.Failure(1), so, se))
	so, se = captureFiles(t, "second", "")
	require.NoError(t, db.Store(key, outcome.Success(), so, se))

	got, ok := db.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, outcome.KindSuccess, got.Kind)

	stdoutPath, _, ok := db.StreamPaths(key)
	require.True(t, ok)
	b, err := os.ReadFile(stdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))
}

func TestStoreRejectsError(t *testing.T) {
	db := testDB(t)
	err := db.Store(Key{ConfigHash: "aa", VersionID: "bb"}, outcome.Errorf("killed"), "", "")
	assert.Error(t, err)
}

func TestByTreeSharing(t *testing.T) {
	// Two commits with the same tree id resolve to the same entry.
	db := testDB(t)
	key := Key{ConfigHash: "deadbeef", VersionID: "tree123"}

	so, se := captureFiles(t, "", "")
	require.NoError(t, db.Store(key, outcome.Success(), so, se))

	got, ok := db.Lookup(Key{ConfigHash: "deadbeef", VersionID: "tree123"})
	require.True(t, ok)
	assert.Equal(t, outcome.KindSuccess, got.Kind)
}

func TestParseKey(t *testing.T) {
	key := Key{ConfigHash: "cafe", VersionID: "f00d"}
	parsed, err := ParseKey(key.Dir())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = ParseKey("nodash")
	assert.Error(t, err)
}
