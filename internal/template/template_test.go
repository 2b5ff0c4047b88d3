package template

import (
	"bytes"
	"os"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadap/pigdo/internal/bin"
	"github.com/dadap/pigdo/internal/md5sum"
)

// buildEntry appends one DESC entry (type byte + U48 size + payload).
func buildEntry(buf *bytes.Buffer, kind EntryKind, size uint64, payload []byte) {
	buf.WriteByte(byte(kind))
	sz := make([]byte, bin.U48Len)
	bin.PutU48(sz, size)
	buf.Write(sz)
	buf.Write(payload)
}

// buildTemplate assembles a full synthetic .template file: header, chunks,
// then the framed DESC index (with the trailing length field).
func buildTemplate(t *testing.T, chunks [][]byte, entries []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString(templateHeaderV1)
	buf.WriteString(" test\r\n")
	buf.WriteString("comment\r\n")
	buf.WriteString("\r\n")

	for _, c := range chunks {
		buf.Write(c)
	}

	var desc bytes.Buffer
	desc.Write(descMagic[:])
	// placeholder for inner length, fixed up below
	desc.Write(make([]byte, bin.U48Len))
	desc.Write(entries)

	descLen := uint64(desc.Len()) + uint64(bin.U48Len) // + trailing length field
	descBytes := desc.Bytes()
	bin.PutU48(descBytes[4:4+bin.U48Len], descLen)

	buf.Write(descBytes)

	trailer := make([]byte, bin.U48Len)
	bin.PutU48(trailer, descLen)
	buf.Write(trailer)

	return buf.Bytes()
}

func zlibChunk(t *testing.T, data []byte) []byte {
	t.Helper()
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var chunk bytes.Buffer
	chunk.Write(dataChunkMagic[:])
	totalLen := make([]byte, bin.U48Len)
	bin.PutU48(totalLen, uint64(16+compressed.Len()))
	chunk.Write(totalLen)
	uncompLen := make([]byte, bin.U48Len)
	bin.PutU48(uncompLen, uint64(len(data)))
	chunk.Write(uncompLen)
	chunk.Write(compressed.Bytes())
	return chunk.Bytes()
}

func writeTempFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "template")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// TestScenarioA is spec.md's "trivial two-part image": 5 bytes of glue
// ("HELLO") plus a 5-byte file part ("WORLD"), reassembling "HELLOWORLD".
func TestScenarioA(t *testing.T) {
	fileMD5 := md5sum.Mem([]byte("WORLD"))

	var entries bytes.Buffer
	buildEntry(&entries, Data, 5, nil)
	buildEntry(&entries, File, 5, append(append(make([]byte, 8), fileMD5[:]...)))
	imageMD5 := md5sum.Mem([]byte("HELLOWORLD"))
	var imgPayload []byte
	imgPayload = append(imgPayload, imageMD5[:]...)
	imgPayload = append(imgPayload, 0, 0, 0, 0) // rsync block len
	buildEntry(&entries, ImageInfo, 10, imgPayload)

	chunks := [][]byte{zlibChunk(t, []byte("HELLO"))}
	data := buildTemplate(t, chunks, entries.Bytes())
	f := writeTempFile(t, data)

	table, err := Parse(f)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), table.ImageInfo.Size)
	assert.Equal(t, imageMD5, table.ImageInfo.MD5)
	require.Len(t, table.DataBlocks, 1)
	assert.Equal(t, DataBlock{Size: 5, Offset: 0}, table.DataBlocks[0])
	require.Len(t, table.Files, 1)
	assert.Equal(t, uint64(5), table.Files[0].Offset)
	assert.Equal(t, fileMD5, table.Files[0].MD5)

	out, err := os.CreateTemp(t.TempDir(), "image")
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, out.Truncate(10))

	require.NoError(t, WriteData(f, out, table))

	_, err = out.WriteAt([]byte("WORLD"), 5)
	require.NoError(t, err)

	content, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "HELLOWORLD", string(content))
}

// TestScenarioD is the U48 size-sanity property test: a template with
// ImageInfo.Size = 2^40, covered by a single Data entry of the same size,
// parsed without overflow.
func TestScenarioD(t *testing.T) {
	const size = uint64(1) << 40

	var entries bytes.Buffer
	buildEntry(&entries, Data, size, nil)
	var imgPayload [20]byte
	buildEntry(&entries, ImageInfo, size, imgPayload[:])

	data := buildTemplate(t, nil, entries.Bytes())
	f := writeTempFile(t, data)

	table, err := Parse(f)
	require.NoError(t, err)
	assert.Equal(t, size, table.ImageInfo.Size)
}

// TestScenarioE is the "bad trailer" scenario: the tail U48 disagrees with
// the interior desc_len U48.
func TestScenarioE(t *testing.T) {
	var entries bytes.Buffer
	var imgPayload [20]byte
	buildEntry(&entries, ImageInfo, 0, imgPayload[:])

	data := buildTemplate(t, nil, entries.Bytes())

	// Corrupt the trailing length field by one.
	trailer := data[len(data)-bin.U48Len:]
	v := bin.ReadU48(trailer)
	bin.PutU48(trailer, v+1)

	f := writeTempFile(t, data)
	_, err := Parse(f)
	assert.Error(t, err)
}

// TestScenarioF is the "unknown entry type" scenario.
func TestScenarioF(t *testing.T) {
	var entries bytes.Buffer
	buildEntry(&entries, EntryKind(0x42), 0, nil)
	var imgPayload [20]byte
	buildEntry(&entries, ImageInfo, 0, imgPayload[:])

	data := buildTemplate(t, nil, entries.Bytes())
	f := writeTempFile(t, data)

	_, err := Parse(f)
	assert.Error(t, err)
}

func TestNoDataEntries(t *testing.T) {
	fileMD5 := md5sum.Mem([]byte("ALLFROMFILE"))
	var entries bytes.Buffer
	buildEntry(&entries, File, uint64(len("ALLFROMFILE")), append(make([]byte, 8), fileMD5[:]...))
	imageMD5 := md5sum.Mem([]byte("ALLFROMFILE"))
	var imgPayload []byte
	imgPayload = append(imgPayload, imageMD5[:]...)
	imgPayload = append(imgPayload, 0, 0, 0, 0)
	buildEntry(&entries, ImageInfo, uint64(len("ALLFROMFILE")), imgPayload)

	data := buildTemplate(t, nil, entries.Bytes())
	f := writeTempFile(t, data)

	table, err := Parse(f)
	require.NoError(t, err)
	assert.Empty(t, table.DataBlocks)
	require.Len(t, table.Files, 1)
}

func TestNoFileEntries(t *testing.T) {
	var entries bytes.Buffer
	buildEntry(&entries, Data, 5, nil)
	imageMD5 := md5sum.Mem([]byte("HELLO"))
	var imgPayload []byte
	imgPayload = append(imgPayload, imageMD5[:]...)
	imgPayload = append(imgPayload, 0, 0, 0, 0)
	buildEntry(&entries, ImageInfo, 5, imgPayload)

	chunks := [][]byte{zlibChunk(t, []byte("HELLO"))}
	data := buildTemplate(t, chunks, entries.Bytes())
	f := writeTempFile(t, data)

	table, err := Parse(f)
	require.NoError(t, err)
	assert.Empty(t, table.Files)

	out, err := os.CreateTemp(t.TempDir(), "image")
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, out.Truncate(5))

	require.NoError(t, WriteData(f, out, table))
	content, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(content))
}

func TestPageUnalignedOffsets(t *testing.T) {
	ps := int(bin.PageSize())
	// A glue block of ps-3 bytes places the following file part at an
	// unaligned offset, straddling the first page boundary.
	lead := ps - 3
	glueData := bytes.Repeat([]byte{0xAB}, lead)
	fileData := bytes.Repeat([]byte{0xCD}, 10)

	fileMD5 := md5sum.Mem(fileData)

	var entries bytes.Buffer
	buildEntry(&entries, Data, uint64(lead), nil)
	buildEntry(&entries, File, uint64(len(fileData)), append(make([]byte, 8), fileMD5[:]...))

	whole := append(append([]byte{}, glueData...), fileData...)
	imageMD5 := md5sum.Mem(whole)
	var imgPayload []byte
	imgPayload = append(imgPayload, imageMD5[:]...)
	imgPayload = append(imgPayload, 0, 0, 0, 0)
	buildEntry(&entries, ImageInfo, uint64(len(whole)), imgPayload)

	chunks := [][]byte{zlibChunk(t, glueData)}
	data := buildTemplate(t, chunks, entries.Bytes())
	f := writeTempFile(t, data)

	table, err := Parse(f)
	require.NoError(t, err)

	out, err := os.CreateTemp(t.TempDir(), "image")
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, out.Truncate(int64(len(whole))))

	require.NoError(t, WriteData(f, out, table))
	_, err = out.WriteAt(fileData, int64(lead))
	require.NoError(t, err)

	content, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, whole, content)
	assert.Equal(t, imageMD5, md5sum.Mem(content))
}
