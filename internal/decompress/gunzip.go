package decompress

import (
	"compress/gzip"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/dadap/pigdo/internal/pigdoerr"
)

// GunzipReplace inspects f (which must support Seek back to its start) and,
// if it's gzip-compressed, decompresses it into a newly created temporary
// file, unlinked immediately so it disappears when the returned handle is
// closed, closes f, and returns that handle in place of the original. If f
// is not gzip-compressed, f is returned unchanged (rewound to its start).
//
// This is the streaming helper spec.md §4.3 assigns to the recipe-file
// collaborator (gunzip_replace), grounded in libigdo/decompress.c's
// gunzipFReplace()/gunzipToFile().
func GunzipReplace(f *os.File) (*os.File, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "seek").Error())
	}

	gzr, err := gzip.NewReader(f)
	if err == gzip.ErrHeader {
		// Not gzip-compressed; leave f alone, rewound for the caller.
		_, serr := f.Seek(0, io.SeekStart)
		return f, serr
	}
	if err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrDecompress, errors.Wrap(err, "gzip header").Error())
	}
	defer gzr.Close()

	tmp, err := os.CreateTemp("", "pigdo-gunzip-*")
	if err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "create temp file").Error())
	}
	// Unlink immediately: the descriptor stays valid until Close, at which
	// point the backing inode is reclaimed with no further cleanup needed.
	if err := os.Remove(tmp.Name()); err != nil {
		tmp.Close()
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "unlink temp file").Error())
	}

	if _, err := io.Copy(tmp, gzr); err != nil {
		tmp.Close()
		return nil, pigdoerr.Wrap(pigdoerr.ErrDecompress, errors.Wrap(err, "gunzip").Error())
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "seek temp file").Error())
	}

	if err := f.Close(); err != nil {
		tmp.Close()
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "close original file").Error())
	}

	return tmp, nil
}
