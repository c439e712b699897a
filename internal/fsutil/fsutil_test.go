package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	err := AtomicWrite(path, []byte("hello"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// Overwrite is idempotent: full replacement, no append
	err = AtomicWrite(path, []byte("world"))
	require.NoError(t, err)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestAtomicWriteCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "state.json")

	require.NoError(t, AtomicWrite(path, []byte("x")))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, AtomicWrite(path, []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp."), "temp file left behind: %s", e.Name())
	}
}

func TestAtomicWriteJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	err := AtomicWriteJSON(path, map[string]int{"count": 3})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count": 3`)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
}

func TestAtomicWriteJSONRejectsNil(t *testing.T) {
	dir := t.TempDir()
	err := AtomicWriteJSON(filepath.Join(dir, "doc.json"), nil)
	assert.Error(t, err)
}

func TestMoveNoClobber(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "item.md")
	dst := filepath.Join(dir, "dst", "item.md")

	require.NoError(t, AtomicWrite(src, []byte("payload")))

	landed, err := MoveNoClobber(src, dst)
	require.NoError(t, err)
	assert.Equal(t, dst, landed)

	// Source is gone, destination has the content
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestMoveNoClobberDisambiguates(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "item.md")
	dst := filepath.Join(dir, "dst", "item.md")

	require.NoError(t, AtomicWrite(dst, []byte("existing")))
	require.NoError(t, AtomicWrite(src, []byte("incoming")))

	landed, err := MoveNoClobber(src, dst)
	require.NoError(t, err)
	assert.NotEqual(t, dst, landed)
	assert.True(t, strings.HasSuffix(landed, ".md"))

	// Original destination untouched
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))

	data, err = os.ReadFile(landed)
	require.NoError(t, err)
	assert.Equal(t, "incoming", string(data))
}
