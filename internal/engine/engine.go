// Package engine is the worker pool and orchestrator that drives a
// reassembly run: local-copy discovery, partial-file recovery, a pool of
// fetch-and-verify goroutines, SIGUSR1 progress dumps, and the final image
// MD5 check. Grounded in worker.c's pfetch() and its helpers.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dadap/pigdo/internal/fetch"
	"github.com/dadap/pigdo/internal/md5sum"
	"github.com/dadap/pigdo/internal/mmapfile"
	"github.com/dadap/pigdo/internal/parts"
	"github.com/dadap/pigdo/internal/pigdoerr"
	"github.com/dadap/pigdo/internal/recipe"
	"github.com/dadap/pigdo/internal/stats"
	"github.com/dadap/pigdo/internal/template"
)

// DefaultWorkers is the worker pool size absent an explicit -j/--threads
// flag, matching worker.h's defaultNumThreads.
const DefaultWorkers = 16

// MaxAttempts is the resolution of spec.md §9's open question on retry
// policy: a part that fails this many fetch attempts (across every mirror)
// is marked FatalError and aborts the run, rather than retrying forever.
const MaxAttempts = 5

// Orchestrator drives one reassembly run against an open output file.
type Orchestrator struct {
	out     *os.File
	jigdo   *recipe.Recipe
	table   *template.DescTable
	parts   *parts.Table
	fetcher *fetch.Client
	stats   *stats.Stats
	log     *logrus.Entry
	workers int

	slotMu sync.Mutex
	slots  []*slotState
}

type slotState struct {
	part *template.FilePart
	uri  string
}

// New builds an Orchestrator for assembling table's image into out, using
// jigdo to resolve file parts to mirror URIs.
func New(out *os.File, jigdo *recipe.Recipe, table *template.DescTable, workers int, log *logrus.Entry) *Orchestrator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Orchestrator{
		out:     out,
		jigdo:   jigdo,
		table:   table,
		parts:   parts.New(table),
		fetcher: fetch.NewClient(log),
		stats:   stats.New(len(table.Files)),
		log:     log,
		workers: workers,
		slots:   make([]*slotState, workers),
	}
}

// Stats returns the run's progress accounting, e.g. for a CLI progress line.
func (o *Orchestrator) Stats() *stats.Stats {
	return o.stats
}

// Run executes the full pipeline: local-copy discovery, partial-file
// recovery, the fetch/verify worker pool, and the final image MD5 check.
// It returns nil if the assembled image verifies; an error otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	stop := o.watchProgressSignal()
	defer stop()

	localFiles := o.findLocalCopies()
	if localFiles > 0 {
		o.log.Infof("%d files were found locally and do not need to be fetched", localFiles)
	}

	recovered, err := o.verifyPartial()
	if err != nil {
		return err
	}
	if recovered > 0 {
		o.log.Infof("%d files recovered from a partially downloaded image", recovered)
	}

	if err := o.runWorkerPool(ctx); err != nil {
		return err
	}

	return o.verifyImage()
}

// findLocalCopies scans every server's local directories for a file
// matching a part's MD5, marking matches LocalCopy so the worker pool's
// existing Select()/fetchWorker machinery picks them up and "fetches" them
// through fetch.Client's file:// path (internal/fetch/fetch.go's openFile),
// rather than copying bytes here. Grounded in jigdo.c's
// jigdoFindLocalFiles()/findLocalCopy(), whose real byte copy likewise
// happens later in fetch_worker(), not in the scan itself.
func (o *Orchestrator) findLocalCopies() int {
	found := 0

	for i := range o.table.Files {
		part := &o.table.Files[i]

		matches := o.jigdo.LookupFile(part.MD5)
		for mi := range matches {
			dirs := o.jigdo.LocalDirs(matches[mi])
			match := findFirstLocalMatch(dirs, matches[mi].Path, part.MD5)
			if match < 0 {
				continue
			}

			matches[mi].LocalMatch = match
			part.Status = template.LocalCopy
			found++
			o.stats.LocalMatch()
			break
		}
	}

	return found
}

func findFirstLocalMatch(dirs []string, relPath string, want md5sum.Digest) int {
	for i, dir := range dirs {
		path := localPath(dir, relPath)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if md5sum.Equal(md5sum.Path(path), want) {
			return i
		}
	}
	return -1
}

func localPath(dir, relPath string) string {
	const prefix = "file://"
	if len(dir) >= len(prefix) && dir[:len(prefix)] == prefix {
		dir = dir[len(prefix):]
	}
	return dir + "/" + relPath
}

// verifyPartial scans any pre-existing output file and marks already-
// correct parts Complete, so a resumed run doesn't re-fetch them. Grounded
// in worker.c's verifyPartial().
func (o *Orchestrator) verifyPartial() (int, error) {
	if !o.table.ExistingFile {
		return 0, nil
	}

	o.log.Info("verifying partially downloaded file")
	complete := 0

	for i := range o.table.Files {
		part := &o.table.Files[i]
		if part.Status == template.LocalCopy || part.Status == template.Complete {
			continue
		}

		win, err := mmapfile.Map(int(o.out.Fd()), int64(part.Offset), int64(part.Size), unix.PROT_READ)
		if err != nil {
			return complete, err
		}

		match := md5sum.Equal(md5sum.Mem(win.Data), part.MD5)
		win.Close()

		if match {
			part.Status = template.Complete
			complete++
		}
	}

	return complete, nil
}

// verifyImage computes the MD5 of the entire assembled output and compares
// it against the DESC table's ImageInfo checksum. Grounded in pfetch()'s
// final md5Fd()/md5Cmp() check.
func (o *Orchestrator) verifyImage() error {
	o.log.Info("performing final MD5 verification")

	actual := md5sum.Fd(o.out)
	if md5sum.Equal(actual, o.table.ImageInfo.MD5) {
		o.log.Info("image verified successfully")
		return nil
	}

	return pigdoerr.Wrapf(pigdoerr.ErrChecksum, "image checksum mismatch: expected %s, got %s",
		o.table.ImageInfo.MD5.Hex(), actual.Hex())
}

// watchProgressSignal installs a SIGUSR1 handler that dumps per-worker
// fetch progress to stdout, best-effort, mirroring worker.c's printProgress().
func (o *Orchestrator) watchProgressSignal() func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				o.DumpProgress(os.Stdout)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// DumpProgress writes a "<uri>: <fetched>/<size> bytes" line per active
// worker to w.
func (o *Orchestrator) DumpProgress(w io.Writer) {
	o.slotMu.Lock()
	defer o.slotMu.Unlock()

	for _, s := range o.slots {
		if s == nil || s.part == nil || s.part.Status == template.Complete {
			continue
		}
		fmt.Fprintf(w, "%s: %d/%d bytes\n", s.uri, s.part.FetchedBytes, s.part.Size)
	}
}
