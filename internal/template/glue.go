package template

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dadap/pigdo/internal/bin"
	"github.com/dadap/pigdo/internal/decompress"
	"github.com/dadap/pigdo/internal/mmapfile"
	"github.com/dadap/pigdo/internal/pigdoerr"
)

var (
	dataChunkMagic  = [4]byte{'D', 'A', 'T', 'A'}
	bzipChunkMagic  = [4]byte{'B', 'Z', 'I', 'P'}
	chunkHeaderSize = int64(4 + bin.U48Len + bin.U48Len) // magic + total len + uncompressed len
)

// decompressChunk reads one compressed chunk header + payload of the given
// kind from r and decompresses it into out[:uncompressedLen], returning
// that length. A chunk may legitimately decompress to zero bytes, so the
// caller must tell end-of-stream from the DESC magic, not from the length
// decompressChunk returns. Grounded in libigdo/jigdo-template.c's
// decompressDataPart().
func decompressChunk(r io.Reader, kind decompress.Kind, out []byte) (int, error) {
	lenBuf := make([]byte, bin.U48Len)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return 0, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read chunk total length").Error())
	}
	totalLen := bin.ReadU48(lenBuf)
	if int64(totalLen) < chunkHeaderSize {
		return 0, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "implausible chunk length %d", totalLen)
	}
	inBytes := int64(totalLen) - chunkHeaderSize

	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return 0, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read chunk uncompressed length").Error())
	}
	uncompLen := bin.ReadU48(lenBuf)

	if uncompLen > uint64(len(out)) {
		return 0, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "chunk declares %d bytes, only %d available", uncompLen, len(out))
	}

	in := make([]byte, inBytes)
	if _, err := io.ReadFull(r, in); err != nil {
		return 0, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read chunk payload").Error())
	}

	if err := decompress.MemToMem(kind, in, out[:uncompLen]); err != nil {
		return 0, err
	}

	return int(uncompLen), nil
}

// WriteData decompresses the glue-chunk stream between the .template
// header and its DESC index, then scatters each DataBlock's bytes into
// outFd at its image offset via a page-aligned shared mmap. Grounded in
// libigdo/jigdo-template.c's writeDataFromTemplate().
func WriteData(r io.ReadSeeker, outFd *os.File, table *DescTable) error {
	if _, err := ValidateHeader(r); err != nil {
		return err
	}

	totalSize := table.TotalDataSize()
	if totalSize > table.ImageInfo.Size {
		return pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "glue size %d exceeds image size %d", totalSize, table.ImageInfo.Size)
	}

	decompressed := make([]byte, totalSize)
	var done uint64

	for {
		var magic [4]byte
		if _, err := io.ReadFull(r, magic[:]); err != nil {
			return pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read chunk magic").Error())
		}

		// The DESC sentinel, and only the DESC sentinel, ends the glue
		// stream: a DATA/BZIP chunk may legitimately decompress to zero
		// bytes, so end-of-stream can't be inferred from decompressChunk's
		// returned length (spec.md §9).
		if bytes.Equal(magic[:], descMagic[:]) {
			break
		}

		var kind decompress.Kind
		switch {
		case bytes.Equal(magic[:], dataChunkMagic[:]):
			kind = decompress.Zlib
		case bytes.Equal(magic[:], bzipChunkMagic[:]):
			kind = decompress.Bzip2
		default:
			return pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "unrecognized chunk magic %q", magic)
		}

		n, err := decompressChunk(r, kind, decompressed[done:])
		if err != nil {
			return err
		}
		done += uint64(n)
	}

	if done != totalSize {
		return pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "glue stream produced %d bytes, expected %d", done, totalSize)
	}

	var copied uint64
	for _, block := range table.DataBlocks {
		if copied+block.Size > totalSize {
			return pigdoerr.Wrap(pigdoerr.ErrBadTemplate, "data block offsets overrun decompressed glue buffer")
		}

		if err := scatterBlock(outFd, block, decompressed[copied:copied+block.Size]); err != nil {
			return err
		}

		copied += block.Size
	}

	return nil
}

// scatterBlock copies src into outFd at block.Offset via a page-aligned
// shared mapping, then asynchronously flushes and unmaps it.
func scatterBlock(outFd *os.File, block DataBlock, src []byte) error {
	win, err := mmapfile.Map(int(outFd.Fd()), int64(block.Offset), int64(block.Size), unix.PROT_WRITE)
	if err != nil {
		return err
	}
	defer win.Close()

	copy(win.Data, src)

	return win.Sync(true)
}
