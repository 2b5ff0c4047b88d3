// Package parts tracks the assignment and completion state of a DescTable's
// file parts under a single mutex, mirroring worker.c's tableLock-guarded
// helpers (selectChunk, setStatus, getStatus, partsRemain, countCompletedFiles).
package parts

import (
	"sort"
	"sync"

	"github.com/dadap/pigdo/internal/template"
)

// Table guards concurrent access to a DescTable's file parts. The zero value
// is not usable; construct one with New.
type Table struct {
	mu    sync.Mutex
	files []*template.FilePart

	// beginComplete is the index Remaining resumes its scan from, since
	// parts below it have already been observed complete and files never
	// regress out of Complete.
	beginComplete int
}

// New wraps table.Files for status-table management. Parts are sorted by
// descending size first, so workers pick up the biggest remaining part at
// each selection, per spec.md §4.6's fetch-order guidance.
func New(table *template.DescTable) *Table {
	files := make([]*template.FilePart, len(table.Files))
	for i := range table.Files {
		files[i] = &table.Files[i]
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Size > files[j].Size
	})

	return &Table{files: files}
}

// Len returns the number of file parts under management.
func (t *Table) Len() int {
	return len(t.files)
}

func isWaiting(p *template.FilePart) bool {
	switch p.Status {
	case template.NotStarted, template.Error, template.LocalCopy:
		return true
	default:
		return false
	}
}

// Select scans for the next unassigned part, marks it Assigned, and returns
// it. It returns nil once every part has been claimed. Grounded in
// worker.c's selectChunk(): the scan and the status flip happen under the
// same lock acquisition so two workers can never claim the same part.
func (t *Table) Select() *template.FilePart {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.files {
		if isWaiting(p) {
			p.Status = template.Assigned
			return p
		}
	}

	return nil
}

// SetStatus assigns status to p under the table lock.
func (t *Table) SetStatus(p *template.FilePart, status template.PartStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.Status = status
}

// GetStatus reads p's status under the table lock.
func (t *Table) GetStatus(p *template.FilePart) template.PartStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.Status
}

// Remaining reports whether any parts still need attention: it returns
// (true, nil) if work remains, (false, nil) if every part is Complete, and
// (false, err) if a part hit FatalError and the run must abort. Grounded in
// worker.c's partsRemain(), including its running beginComplete bookmark so
// repeated calls don't rescan parts already known complete.
func (t *Table) Remaining() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	remain := false
	for i := t.beginComplete; i < len(t.files); i++ {
		switch t.files[i].Status {
		case template.FatalError:
			return false, errFatal(t.files[i])
		case template.Complete:
			if !remain {
				t.beginComplete = i
			}
		default:
			remain = true
		}
	}

	return remain, nil
}

// CountCompleted returns the number of Complete parts and their total byte
// size, under the table lock. Grounded in worker.c's countCompletedFiles().
func (t *Table) CountCompleted() (count int, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.files {
		if p.Status == template.Complete {
			count++
			bytes += p.Size
		}
	}

	return count, bytes
}

// TotalBytes sums the size of every file part under management.
func (t *Table) TotalBytes() uint64 {
	var sum uint64
	for _, p := range t.files {
		sum += p.Size
	}
	return sum
}

// IncompleteBytes sums the size of every part not yet Complete, under the
// table lock. Grounded in worker.c's fileSizeTotal()'s incomplete output.
func (t *Table) IncompleteBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sum uint64
	for _, p := range t.files {
		if p.Status != template.Complete {
			sum += p.Size
		}
	}
	return sum
}

// Snapshot returns the current file parts, in the table's fetch order, for
// read-only inspection (e.g. a progress dump). Callers must not mutate the
// returned slice's pointees without going through SetStatus.
func (t *Table) Snapshot() []*template.FilePart {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*template.FilePart, len(t.files))
	copy(out, t.files)
	return out
}

type fatalPartError struct {
	part *template.FilePart
}

func (e fatalPartError) Error() string {
	return "part " + e.part.MD5.Hex() + " failed unrecoverably"
}

func errFatal(p *template.FilePart) error {
	return fatalPartError{part: p}
}
