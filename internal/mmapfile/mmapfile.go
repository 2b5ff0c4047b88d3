// Package mmapfile wraps the page-aligned, shared file mapping pattern used
// throughout pigdo: the glue writer, the worker fetch window, and the
// partial-file/local-copy verification passes all map a byte range of a file
// at an arbitrary, possibly page-unaligned offset and operate on the slice
// that begins at the offset's position within the mapping (spec.md §4.1).
//
// It is a thin, domain-specific layer over golang.org/x/sys/unix.Mmap, the
// same syscall package the teacher repo depends on directly.
package mmapfile

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dadap/pigdo/internal/bin"
	"github.com/dadap/pigdo/internal/pigdoerr"
)

// Window is a page-aligned mapping of a file byte range, with Data exposing
// exactly the requested [offset, offset+size) slice within the mapping.
type Window struct {
	mapping []byte // the full page-aligned mapping, for Close's Munmap call
	Data    []byte // mapping[bin.PageMod(offset):][:size]
}

// Map maps size bytes of fd starting at offset, rounded out to page
// boundaries, with the given mmap protection flags (unix.PROT_READ,
// unix.PROT_WRITE, or both).
func Map(fd int, offset int64, size int64, prot int) (*Window, error) {
	if size == 0 {
		return &Window{}, nil
	}

	base := bin.PageBase(offset)
	mod := bin.PageMod(offset)
	mapLen := size + mod

	mapping, err := unix.Mmap(fd, base, int(mapLen), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "mmap").Error())
	}

	return &Window{
		mapping: mapping,
		Data:    mapping[mod : mod+size],
	}, nil
}

// Sync flushes dirty pages of the mapping back to the file. async selects
// MS_ASYNC (schedule the write-back, don't wait) vs MS_SYNC (block until the
// write-back completes) semantics, matching writeDataFromTemplate's
// MS_ASYNC glue-scatter and the worker's MS_SYNC completion sync in
// libigdo/jigdo-template.c and worker.c respectively.
func (w *Window) Sync(async bool) error {
	if w.mapping == nil {
		return nil
	}

	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}

	if err := unix.Msync(w.mapping, flags); err != nil {
		return pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "msync").Error())
	}

	return nil
}

// Close unmaps the window. Safe to call on a zero-size Window.
func (w *Window) Close() error {
	if w.mapping == nil {
		return nil
	}

	m := w.mapping
	w.mapping = nil
	w.Data = nil

	if err := unix.Munmap(m); err != nil {
		return pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "munmap").Error())
	}

	return nil
}
