// Package decompress implements the one-shot mem-to-mem inflators for the
// .template glue stream (zlib and bzip2) plus the gzip pre-decompressor for
// the recipe-file collaborator (spec.md §4.3).
package decompress

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/dadap/pigdo/internal/pigdoerr"
)

// Kind identifies a glue-chunk compression algorithm.
type Kind int

const (
	// Unknown is an unrecognized compression type.
	Unknown Kind = iota
	// Zlib is the "DATA" chunk compression.
	Zlib
	// Bzip2 is the "BZIP" chunk compression.
	Bzip2
)

// MemToMem decompresses in using the given algorithm, and requires the
// result be exactly len(out) bytes: a shorter or longer result, or any
// decode error, is reported as an error. This mirrors
// decompressMemToMem()'s "produce exactly avail bytes or fail" contract in
// libigdo/decompress.c.
func MemToMem(kind Kind, in []byte, out []byte) error {
	var r io.Reader

	switch kind {
	case Zlib:
		zr, err := zlib.NewReader(bytes.NewReader(in))
		if err != nil {
			return pigdoerr.Wrap(pigdoerr.ErrDecompress, errors.Wrap(err, "zlib init").Error())
		}
		defer zr.Close()
		r = zr

	case Bzip2:
		r = bzip2.NewReader(bytes.NewReader(in))

	default:
		return pigdoerr.Wrapf(pigdoerr.ErrDecompress, "unknown compression kind %d", kind)
	}

	n, err := io.ReadFull(r, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return pigdoerr.Wrap(pigdoerr.ErrDecompress, errors.Wrap(err, "inflate").Error())
	}
	if n != len(out) {
		return pigdoerr.Wrapf(pigdoerr.ErrDecompress, "expected %d decompressed bytes, got %d", len(out), n)
	}

	// Confirm there's nothing left: a correctly-sized chunk's stream ends
	// exactly at len(out) bytes.
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m > 0 {
		return pigdoerr.Wrapf(pigdoerr.ErrDecompress, "decompressed stream longer than declared %d bytes", len(out))
	}

	return nil
}
