package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadap/pigdo/internal/md5sum"
	"github.com/dadap/pigdo/internal/recipe"
	"github.com/dadap/pigdo/internal/template"
)

func tempOutputFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "image")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })
	return f
}

// TestFindLocalCopiesMarksLocalCopy checks that a part matching a local
// mirror file is marked LocalCopy (and its FileEntry's LocalMatch resolved)
// so the worker pool's Select()/fetchWorker path picks it up later; the
// scan itself must not touch the output file.
func TestFindLocalCopiesMarksLocalCopy(t *testing.T) {
	dir := t.TempDir()
	content := []byte("LOCALCONTENT")
	localFile := filepath.Join(dir, "part.bin")
	require.NoError(t, os.WriteFile(localFile, content, 0o644))

	md5 := md5sum.Mem(content)

	jigdo := &recipe.Recipe{
		Servers: []recipe.Server{{Name: "CD1", LocalDirs: []string{"file://" + dir}}},
		Files: []recipe.FileEntry{
			{MD5: md5, Path: "part.bin", ServerIdx: 0, LocalMatch: -1},
		},
	}

	table := &template.DescTable{
		Files: []template.FilePart{
			{Size: uint64(len(content)), Offset: 0, MD5: md5, Status: template.NotStarted},
		},
	}

	out := tempOutputFile(t, int64(len(content)))
	o := New(out, jigdo, table, 2, nil)

	found := o.findLocalCopies()
	assert.Equal(t, 1, found)
	assert.Equal(t, template.LocalCopy, table.Files[0].Status)
	assert.Equal(t, 0, jigdo.Files[0].LocalMatch)

	written, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.NotEqual(t, content, written)
}

func TestFindLocalCopiesSkipsNonMatchingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part.bin"), []byte("WRONG"), 0o644))

	md5 := md5sum.Mem([]byte("EXPECTED"))

	jigdo := &recipe.Recipe{
		Servers: []recipe.Server{{Name: "CD1", LocalDirs: []string{"file://" + dir}}},
		Files:   []recipe.FileEntry{{MD5: md5, Path: "part.bin", ServerIdx: 0, LocalMatch: -1}},
	}
	table := &template.DescTable{
		Files: []template.FilePart{{Size: 8, Offset: 0, MD5: md5, Status: template.NotStarted}},
	}

	out := tempOutputFile(t, 8)
	o := New(out, jigdo, table, 2, nil)

	found := o.findLocalCopies()
	assert.Equal(t, 0, found)
	assert.Equal(t, template.NotStarted, table.Files[0].Status)
}

func TestVerifyPartialMarksMatchingBytesComplete(t *testing.T) {
	content := []byte("ALREADYWRITTEN12")
	md5 := md5sum.Mem(content)

	table := &template.DescTable{
		ExistingFile: true,
		Files: []template.FilePart{
			{Size: uint64(len(content)), Offset: 0, MD5: md5, Status: template.NotStarted},
		},
	}

	out := tempOutputFile(t, int64(len(content)))
	_, err := out.WriteAt(content, 0)
	require.NoError(t, err)

	o := New(out, &recipe.Recipe{}, table, 2, nil)

	complete, err := o.verifyPartial()
	require.NoError(t, err)
	assert.Equal(t, 1, complete)
	assert.Equal(t, template.Complete, table.Files[0].Status)
}

func TestVerifyPartialSkippedWithoutExistingFile(t *testing.T) {
	table := &template.DescTable{ExistingFile: false, Files: []template.FilePart{{Size: 4}}}
	out := tempOutputFile(t, 4)
	o := New(out, &recipe.Recipe{}, table, 2, nil)

	complete, err := o.verifyPartial()
	require.NoError(t, err)
	assert.Equal(t, 0, complete)
}

func TestVerifyImageSucceedsOnMatch(t *testing.T) {
	content := []byte("THE WHOLE IMAGE")
	table := &template.DescTable{ImageInfo: template.ImageInfo{MD5: md5sum.Mem(content)}}

	out := tempOutputFile(t, int64(len(content)))
	_, err := out.WriteAt(content, 0)
	require.NoError(t, err)

	o := New(out, &recipe.Recipe{}, table, 2, nil)
	assert.NoError(t, o.verifyImage())
}

func TestVerifyImageFailsOnMismatch(t *testing.T) {
	table := &template.DescTable{ImageInfo: template.ImageInfo{MD5: md5sum.Mem([]byte("expected"))}}

	out := tempOutputFile(t, 5)
	_, err := out.WriteAt([]byte("wrong"), 0)
	require.NoError(t, err)

	o := New(out, &recipe.Recipe{}, table, 2, nil)
	assert.Error(t, o.verifyImage())
}

// TestRunCompletesAllLocalParts is an end-to-end run where every part is
// satisfied from a local mirror directory, so the worker pool fetches each
// part through its file:// URI and Run should complete with a verified image.
func TestRunCompletesAllLocalParts(t *testing.T) {
	dir := t.TempDir()
	part1 := []byte("FIRSTPART")
	part2 := []byte("SECONDPART")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1"), part1, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p2"), part2, 0o644))

	md5a := md5sum.Mem(part1)
	md5b := md5sum.Mem(part2)
	whole := append(append([]byte{}, part1...), part2...)

	jigdo := &recipe.Recipe{
		Servers: []recipe.Server{{Name: "S", LocalDirs: []string{"file://" + dir}}},
		// Listed in ascending MD5 order (md5b < md5a), as LookupFile's
		// binary search expects of Files.
		Files: []recipe.FileEntry{
			{MD5: md5b, Path: "p2", ServerIdx: 0, LocalMatch: -1},
			{MD5: md5a, Path: "p1", ServerIdx: 0, LocalMatch: -1},
		},
	}

	table := &template.DescTable{
		ImageInfo: template.ImageInfo{Size: uint64(len(whole)), MD5: md5sum.Mem(whole)},
		Files: []template.FilePart{
			{Size: uint64(len(part1)), Offset: 0, MD5: md5a, Status: template.NotStarted},
			{Size: uint64(len(part2)), Offset: uint64(len(part1)), MD5: md5b, Status: template.NotStarted},
		},
	}

	out := tempOutputFile(t, int64(len(whole)))
	o := New(out, jigdo, table, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, o.Run(ctx))

	content, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, whole, content)
}

// flakyOnceHandler fails the first request it receives and serves content
// on every request after that, standing in for a mirror with one transient
// hiccup.
func flakyOnceHandler(content []byte) http.HandlerFunc {
	var hits int32
	return func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(content)
	}
}

// TestWorkerRetriesAfterMirrorFailureThenSucceeds covers spec.md §8
// Scenario B: a part whose first fetch attempt fails must be retried
// (worker.go's mirror rotation and MaxAttempts) rather than abandoned, and
// succeed once a working mirror responds. Both mirrors fail their own
// first hit and succeed afterward, so regardless of which one
// recipe.MirrorURIs's randomized rotation picks first, the part is
// guaranteed to complete within 3 attempts, well under MaxAttempts.
func TestWorkerRetriesAfterMirrorFailureThenSucceeds(t *testing.T) {
	content := []byte("RETRYCONTENT")
	md5 := md5sum.Mem(content)

	srvA := httptest.NewServer(flakyOnceHandler(content))
	defer srvA.Close()
	srvB := httptest.NewServer(flakyOnceHandler(content))
	defer srvB.Close()

	jigdo := &recipe.Recipe{
		Servers: []recipe.Server{{Name: "S", Mirrors: []string{srvA.URL, srvB.URL}}},
		Files:   []recipe.FileEntry{{MD5: md5, Path: "part.bin", ServerIdx: 0, LocalMatch: -1}},
	}

	table := &template.DescTable{
		ImageInfo: template.ImageInfo{Size: uint64(len(content)), MD5: md5},
		Files: []template.FilePart{
			{Size: uint64(len(content)), Offset: 0, MD5: md5, Status: template.NotStarted},
		},
	}

	out := tempOutputFile(t, int64(len(content)))
	o := New(out, jigdo, table, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, o.Run(ctx))

	assert.Equal(t, template.Complete, table.Files[0].Status)
	assert.GreaterOrEqual(t, table.Files[0].Attempts, 2)
	assert.LessOrEqual(t, table.Files[0].Attempts, 3)

	written, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, content, written)
}
