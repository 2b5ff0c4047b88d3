package mmapfile

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dadap/pigdo/internal/pigdoerr"
)

// Allocate grows f to exactly size bytes, preferring a true preallocation
// (unix.Fallocate, the posix_fallocate(3) equivalent) so the filesystem
// commits real blocks up front; falling back to a single trailing byte
// write when fallocate isn't supported (e.g. on a filesystem that rejects
// FALLOC_FL_*), mirroring pigdo.c's own fallback of the same shape.
func Allocate(f *os.File, size int64) error {
	if size == 0 {
		return nil
	}

	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}

	if err == unix.ENOSYS || err == unix.EOPNOTSUPP || err == unix.EINVAL {
		if _, werr := f.WriteAt([]byte{0}, size-1); werr != nil {
			return pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(werr, "allocate fallback write").Error())
		}
		return nil
	}

	return pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "fallocate").Error())
}
