package rec

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recstack/rec/internal/adapters/realfs"
	"github.com/recstack/rec/internal/testing/fakerandom"
)

func newLocalOps() *localFileOps {
	return newLocalFileOps(realfs.New(), fakerandom.New())
}

func TestLocalFileOps_WriteThenRead(t *testing.T) {
	ops := newLocalOps()
	dir := t.TempDir()
	target := filepath.Join(dir, "greeting.txt")

	require.NoError(t, ops.Write(target, []byte("hello there")))

	r, err := ops.Read(target)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(data))
}

func TestLocalFileOps_WriteIsAtomic_NoTempFileLeftOnSuccess(t *testing.T) {
	ops := newLocalOps()
	dir := t.TempDir()
	target := filepath.Join(dir, "atomic.txt")

	require.NoError(t, ops.Write(target, []byte("v1")))
	require.NoError(t, ops.Write(target, []byte("v2")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no .tmp.* artifact should remain after a successful write")
	assert.Equal(t, "atomic.txt", entries[0].Name())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestLocalFileOps_WritePreservesExistingMode(t *testing.T) {
	ops := newLocalOps()
	dir := t.TempDir()
	target := filepath.Join(dir, "mode.txt")

	require.NoError(t, os.WriteFile(target, []byte("old"), 0600))
	require.NoError(t, ops.Write(target, []byte("new")))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLocalFileOps_StatAndExists(t *testing.T) {
	ops := newLocalOps()
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")
	require.NoError(t, ops.Write(target, []byte("x")))

	exists, err := ops.Exists(target)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = ops.Exists(filepath.Join(dir, "missing.txt"))
	require.NoError(t, err)
	assert.False(t, exists)

	stat, err := ops.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Size)
	assert.Equal(t, KindRegular, stat.Kind)
}

func TestLocalFileOps_ReadMissingFileIsFSNotFound(t *testing.T) {
	ops := newLocalOps()
	_, err := ops.Read(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)

	recErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindFilesystem, recErr.Kind)
	assert.Equal(t, FSReasonNotFound, recErr.FSReason)
}

func TestLocalFileOps_MkdirRecursiveAndRemoveRecursive(t *testing.T) {
	ops := newLocalOps()
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	require.NoError(t, ops.Mkdir(nested, true))
	exists, err := ops.Exists(nested)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, ops.Remove(filepath.Join(dir, "a"), true))
	exists, err = ops.Exists(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalFileOps_List(t *testing.T) {
	ops := newLocalOps()
	dir := t.TempDir()
	require.NoError(t, ops.Write(filepath.Join(dir, "one.txt"), []byte("1")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	entries, err := ops.List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]FileKind{}
	for _, e := range entries {
		byName[e.Name] = e.Kind
	}
	assert.Equal(t, KindRegular, byName["one.txt"])
	assert.Equal(t, KindDirectory, byName["sub"])
}

func TestLocalFileOps_TildeExpansion(t *testing.T) {
	ops := newLocalOps()
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	expanded, err := ops.expand("~/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), expanded)

	expanded, err = ops.expand("~")
	require.NoError(t, err)
	assert.Equal(t, home, expanded)

	expanded, err = ops.expand("/already/absolute")
	require.NoError(t, err)
	assert.Equal(t, "/already/absolute", expanded)
}
