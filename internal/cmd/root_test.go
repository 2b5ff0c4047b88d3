package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadap/pigdo/internal/engine"
)

func TestNewRootCommandDefaults(t *testing.T) {
	root := NewRootCommand()

	threads, err := root.Flags().GetInt("threads")
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultWorkers, threads)

	assert.Equal(t, "pigdo <recipe-path-or-uri>", root.Use)
}

func TestNewRootCommandRejectsWrongArgCount(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{})
	assert.Error(t, root.Execute())
}

// TestOpenSeekableLocalPath exercises the non-URI branch, which must hand
// back a direct *os.File rather than staging through a temp file.
func TestOpenSeekableLocalPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recipe.jigdo")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	f, err := openSeekable(context.Background(), nil, path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, path, f.Name())
}

func TestOpenOutputCreatesAndPreallocates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")

	f, existed, err := openOutput(path, 64)
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, existed)

	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(64), st.Size())
}

func TestOpenOutputReportsExistingWhenAlreadyFullLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	f, existed, err := openOutput(path, 64)
	require.NoError(t, err)
	defer f.Close()

	assert.True(t, existed)

	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(64), st.Size())
}

// TestOpenOutputTreatsShortFileAsNotExisting covers a stale output left by
// an earlier run that crashed before glue-writing finished: it must not be
// reported as existing, since verifyPartial would then mmap past EOF.
func TestOpenOutputTreatsShortFileAsNotExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	require.NoError(t, os.WriteFile(path, []byte("already here"), 0o644))

	f, existed, err := openOutput(path, 64)
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, existed)

	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(64), st.Size())
}
