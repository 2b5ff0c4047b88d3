package template

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/dadap/pigdo/internal/bin"
	"github.com/dadap/pigdo/internal/pigdoerr"
)

// templateHeaderV1 is the only header line pigdo supports, per spec.md §4.4.
// pigdo only understands v1.x .template files.
const templateHeaderV1 = "JigsawDownload template 1."

var descMagic = [4]byte{'D', 'E', 'S', 'C'}

// ValidateHeader checks the three-line text header (version line, comment
// line, blank line, each CRLF-terminated) and returns the byte offset of the
// start of the compressed data region. Grounded in
// libigdo/jigdo-template.c's validateTemplateFile()/nextCRLF().
func ValidateHeader(r io.ReadSeeker) (int64, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "seek to header").Error())
	}

	buf := make([]byte, len(templateHeaderV1))
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read header").Error())
	}
	if string(buf) != templateHeaderV1 {
		return 0, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "unrecognized template header %q", buf)
	}

	pos := int64(len(buf))

	// Skip the rest of the version line, the comment line, and the blank
	// line: three CRLF-terminated lines in total, reading one byte at a
	// time so we stop exactly at the byte after the third CRLF.
	for i := 0; i < 3; i++ {
		n, err := skipToCRLF(r)
		if err != nil {
			return 0, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, "truncated template header")
		}
		pos += n
	}

	return pos, nil
}

// skipToCRLF advances r byte by byte until it has consumed a "\r\n"
// sequence, returning the number of bytes consumed.
func skipToCRLF(r io.Reader) (int64, error) {
	var prev byte
	var n int64
	one := make([]byte, 1)

	for {
		if _, err := io.ReadFull(r, one); err != nil {
			return n, err
		}
		n++

		if prev == '\r' && one[0] == '\n' {
			return n, nil
		}
		prev = one[0]
	}
}

// Parse reads the trailing DESC index out of a .template file, per
// spec.md §4.4. r must support Seek; ReadSeeker is typically an *os.File.
// Grounded in libigdo/jigdo-template.c's freadTemplateDesc().
func Parse(r io.ReadSeeker) (*DescTable, error) {
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "seek to end").Error())
	}

	tailLen := bin.U48Len
	if end < int64(tailLen) {
		return nil, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "template too short (%d bytes)", end)
	}

	tail := make([]byte, tailLen)
	if _, err := r.Seek(-int64(tailLen), io.SeekEnd); err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "seek to tail length").Error())
	}
	if _, err := io.ReadFull(r, tail); err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read tail length").Error())
	}

	descLen := bin.ReadU48(tail)
	if descLen < uint64(4+bin.U48Len+bin.U48Len) || int64(descLen) > end {
		return nil, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "implausible DESC length %d", descLen)
	}

	if _, err := r.Seek(end-int64(descLen), io.SeekStart); err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrIO, errors.Wrap(err, "seek to DESC start").Error())
	}

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read DESC magic").Error())
	}
	if !bytes.Equal(magic[:], descMagic[:]) {
		return nil, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "expected DESC magic, got %q", magic)
	}

	innerLenBuf := make([]byte, bin.U48Len)
	if _, err := io.ReadFull(r, innerLenBuf); err != nil {
		return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read inner DESC length").Error())
	}
	if bin.ReadU48(innerLenBuf) != descLen {
		return nil, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "DESC length mismatch: tail says %d, header says %d", descLen, bin.ReadU48(innerLenBuf))
	}

	// remaining is a running countdown to the trailing length field, mirroring
	// freadTemplateDesc()'s use of `size` as a byte budget.
	remaining := descLen - uint64(4+bin.U48Len)

	table := &DescTable{}
	var offset uint64
	sawImageInfo := false

	typeBuf := make([]byte, 1)
	sizeBuf := make([]byte, bin.U48Len)

	for remaining > uint64(bin.U48Len) {
		if _, err := io.ReadFull(r, typeBuf); err != nil {
			return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read entry type").Error())
		}
		remaining -= 1

		if _, err := io.ReadFull(r, sizeBuf); err != nil {
			return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read entry size").Error())
		}
		remaining -= uint64(bin.U48Len)
		entrySize := bin.ReadU48(sizeBuf)

		if sawImageInfo {
			return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, "entry found after terminal ImageInfo entry")
		}

		kind := EntryKind(typeBuf[0])
		switch kind {
		case ImageInfoObsolete, ImageInfo:
			var md5Buf [16]byte
			if _, err := io.ReadFull(r, md5Buf[:]); err != nil {
				return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read image MD5").Error())
			}
			remaining -= 16

			var blockLen uint32
			if kind == ImageInfo {
				blBuf := make([]byte, 4)
				if _, err := io.ReadFull(r, blBuf); err != nil {
					return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read rsync block length").Error())
				}
				remaining -= 4
				blockLen = uint32(bin.ReadUintLE(blBuf))
			}

			if entrySize != offset {
				return nil, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "ImageInfo size %d doesn't match accumulated part offsets %d", entrySize, offset)
			}

			table.ImageInfo = ImageInfo{
				Size:          entrySize,
				MD5:           md5Buf,
				RsyncBlockLen: blockLen,
			}
			sawImageInfo = true

		case Data:
			table.DataBlocks = append(table.DataBlocks, DataBlock{
				Size:   entrySize,
				Offset: offset,
			})
			offset += entrySize

		case FileObsolete, File:
			var rsyncInitial uint64
			if kind == File {
				riBuf := make([]byte, 8)
				if _, err := io.ReadFull(r, riBuf); err != nil {
					return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read rsync64 initial sum").Error())
				}
				remaining -= 8
				rsyncInitial = bin.ReadUintLE(riBuf)
			}

			var md5Buf [16]byte
			if _, err := io.ReadFull(r, md5Buf[:]); err != nil {
				return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, errors.Wrap(err, "read file MD5").Error())
			}
			remaining -= 16

			table.Files = append(table.Files, FilePart{
				Size:         entrySize,
				Offset:       offset,
				MD5:          md5Buf,
				RsyncInitial: rsyncInitial,
				Status:       NotStarted,
			})
			offset += entrySize

		default:
			return nil, pigdoerr.Wrapf(pigdoerr.ErrBadTemplate, "unknown DESC entry type %d", typeBuf[0])
		}
	}

	if !sawImageInfo {
		return nil, pigdoerr.Wrap(pigdoerr.ErrBadTemplate, "DESC table has no ImageInfo entry")
	}

	return table, nil
}
