// Package stats is the reassembly run's progress accounting, adapted from
// the teacher's original Stats struct: a sync.RWMutex-guarded counter set
// rendered through String() (multi-line) and Line() (one line), here describing file-part
// fetch progress instead of generic transfers.
package stats

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Stats accounts bytes fetched, parts completed, and errors across the
// worker pool for the lifetime of one reassembly run.
type Stats struct {
	lock sync.RWMutex

	bytes        int64
	errors       int64
	partsDone    int64
	partsTotal   int64
	localMatches int64
	start        time.Time
}

// New creates a Stats with partsTotal parts to track and its clock started.
func New(partsTotal int) *Stats {
	return &Stats{
		partsTotal: int64(partsTotal),
		start:      time.Now(),
	}
}

// Bytes accounts n additional fetched bytes.
func (s *Stats) Bytes(n int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.bytes += n
}

// PartDone records one part reaching Complete status.
func (s *Stats) PartDone() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.partsDone++
}

// LocalMatch records one part resolved from a local mirror without a fetch.
func (s *Stats) LocalMatch() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.localMatches++
}

// Error records one failed fetch attempt.
func (s *Stats) Error() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.errors++
}

// String renders a multi-line progress summary, byte counts humanized via
// go-humanize as the teacher's own progress output does.
func (s *Stats) String() string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	elapsed := time.Since(s.start)
	speed := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		speed = float64(s.bytes) / secs
	}

	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "Fetched:      %s (%s/s)\n", humanize.Bytes(uint64(s.bytes)), humanize.Bytes(uint64(speed)))
	fmt.Fprintf(buf, "Parts:        %d/%d done (%d from local mirrors)\n", s.partsDone, s.partsTotal, s.localMatches)
	fmt.Fprintf(buf, "Errors:       %d\n", s.errors)
	fmt.Fprintf(buf, "Elapsed:      %v\n", elapsed.Round(time.Second))

	return buf.String()
}

// Line renders a single-line progress summary suitable for \r-overwrite
// rendering on a TTY.
func (s *Stats) Line() string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return fmt.Sprintf("%d/%d parts (%s fetched, %d errors)",
		s.partsDone, s.partsTotal, humanize.Bytes(uint64(s.bytes)), s.errors)
}

// Writer returns an io.Writer suitable for rendering progress lines: a
// colorable passthrough on Windows consoles (a no-op elsewhere), matching
// the teacher's own go-isatty/go-colorable pairing for progress output.
func Writer(out *os.File) io.Writer {
	if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
		return colorable.NewColorable(out)
	}
	return out
}
