// Package pigdoerr defines the sentinel error kinds surfaced by the
// reassembly engine, as described in spec.md §7. Call sites wrap these
// sentinels with github.com/pkg/errors to attach context; callers that need
// to distinguish a kind use errors.Is against the sentinels below.
package pigdoerr

import "github.com/pkg/errors"

var (
	// ErrBadTemplate covers header mismatches, unknown entry types, trailer
	// length inconsistencies, truncated streams, and invariant violations.
	ErrBadTemplate = errors.New("bad template")

	// ErrDecompress covers zlib/bzip2 failures or output size mismatches.
	ErrDecompress = errors.New("decompression failed")

	// ErrIO covers read, write, mmap, msync, allocate, open, and stat failures.
	ErrIO = errors.New("i/o error")

	// ErrFetchFailed covers transport refusal, HTTP errors, and throughput
	// timeouts. Recoverable: the part is marked Error and retried.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrChecksum covers a per-part or final-image MD5 mismatch.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrConfig covers a part whose URI cannot be resolved: no such MD5 in
	// the recipe, or a server with no mirrors. Fatal for the part.
	ErrConfig = errors.New("configuration error")

	// ErrConcurrency covers mutex/goroutine primitive failures. Terminal.
	ErrConcurrency = errors.New("concurrency error")
)

// Wrap annotates err with msg while preserving the sentinel kind for
// errors.Is, matching the teacher's own github.com/pkg/errors idiom.
func Wrap(kind error, msg string) error {
	return errors.Wrap(kind, msg)
}

// Wrapf is Wrap with a format string.
func Wrapf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}
