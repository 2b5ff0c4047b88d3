// Package bin implements the little-endian integer and page-alignment
// primitives the .template binary format is built on (spec.md §4.1).
package bin

import "os"

// pageSize is cached at package init, whereas the original C code calls
// getpagesize() on every pagemod/pagebase invocation; os.Getpagesize() is
// cheap but there's no reason to repeat it on every call here.
var pageSize = int64(os.Getpagesize())

// ReadUintLE accumulates up to 8 little-endian bytes into a uint64, the
// shared decoder behind both the plain uint32/uint64 fields and the packed
// 6-byte U48 fields used throughout the .template trailer.
func ReadUintLE(b []byte) uint64 {
	var ret uint64
	for i, v := range b {
		ret += uint64(v) << uint(i*8)
	}
	return ret
}

// PutUintLE is the inverse of ReadUintLE, writing len(b) little-endian bytes
// of v into b. Used by tests to construct synthetic .template fixtures.
func PutUintLE(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v >> uint(i*8))
	}
}

// U48Len is the width in bytes of the packed 6-byte little-endian integer
// ("U48") used pervasively in the .template trailer.
const U48Len = 6

// MaxU48 is the largest value representable in 48 bits (2^48-1), the hard
// ceiling on image size per spec.md §4.1.
const MaxU48 = 1<<48 - 1

// ReadU48 reads a 6-byte little-endian integer. b must have length >= 6.
func ReadU48(b []byte) uint64 {
	return ReadUintLE(b[:U48Len])
}

// PutU48 writes v as a 6-byte little-endian integer into b.
func PutU48(b []byte, v uint64) {
	PutUintLE(b[:U48Len], v)
}

// PageMod returns the offset of off within its containing page.
func PageMod(off int64) int64 {
	return off % pageSize
}

// PageBase returns the page-aligned base address covering off.
func PageBase(off int64) int64 {
	return off - PageMod(off)
}

// PageSize returns the system page size pigdo is using for alignment.
func PageSize() int64 {
	return pageSize
}
