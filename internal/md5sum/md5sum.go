// Package md5sum is the MD5 facility described in spec.md §4.2: one-shot
// digests over a byte slice, streaming digests over a file descriptor via
// windowed memory maps, fixed-length comparison, and hex stringification.
package md5sum

import (
	"crypto/md5"
	"encoding/hex"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dadap/pigdo/internal/bin"
)

// Size is the length in bytes of an MD5 digest.
const Size = md5.Size

// Digest is a 16-byte MD5 checksum.
type Digest [Size]byte

// failDigest is the sentinel all-ones digest returned when Fd can't stat or
// mmap the file; callers treat it as never-equal to any real digest, same as
// jigdo-md5.c's md5Fd() does with memset(&ret, 0xff, sizeof(ret)).
var failDigest = func() Digest {
	var d Digest
	for i := range d {
		d[i] = 0xff
	}
	return d
}()

// Mem computes the MD5 digest of a byte slice in one shot.
func Mem(b []byte) Digest {
	return Digest(md5.Sum(b))
}

// windowSize mirrors jigdo-md5.c's md5Fd(): getpagesize() * 1024 bytes per
// mapped window, so a multi-gigabyte image is summed without mapping it all
// at once.
var windowSize = bin.PageSize() * 1024

// Fd streams the MD5 digest of an entire file via windowed read-only shared
// memory maps, feeding each window into an incremental MD5 state and
// unmapping it before moving to the next. Returns the sentinel all-ones
// digest if stat or mmap fails.
func Fd(f *os.File) Digest {
	st, err := f.Stat()
	if err != nil {
		return failDigest
	}

	h := md5.New()
	size := st.Size()
	fd := int(f.Fd())

	for pos := int64(0); pos < size; pos += windowSize {
		toRead := size - pos
		if toRead > windowSize {
			toRead = windowSize
		}

		buf, err := unix.Mmap(fd, pos, int(toRead), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return failDigest
		}

		h.Write(buf)

		if err := unix.Munmap(buf); err != nil {
			return failDigest
		}
	}

	var ret Digest
	copy(ret[:], h.Sum(nil))
	return ret
}

// Path opens path read-only and returns Fd's digest of its contents, or the
// sentinel all-ones digest on any error.
func Path(path string) Digest {
	f, err := os.Open(path)
	if err != nil {
		return failDigest
	}
	defer f.Close()

	return Fd(f)
}

// Cmp is a byte-for-byte total order over two digests: negative, zero, or
// positive as a < b, a == b, or a > b.
func Cmp(a, b Digest) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Equal reports whether a and b are the same digest.
func Equal(a, b Digest) bool {
	return a == b
}

// Hex renders d as 32 lowercase hex characters.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}
