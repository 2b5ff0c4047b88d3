// Package template parses the .template binary trailer (spec.md §4.4) and
// writes the glue stream it describes into the output image (spec.md §4.5).
package template

import "github.com/dadap/pigdo/internal/md5sum"

// EntryKind is the tagged discriminator for a DESC table entry. The numeric
// values are persisted in the binary format and must not be renumbered.
type EntryKind byte

const (
	// ImageInfoObsolete is the pre-rsync64 image summary record.
	ImageInfoObsolete EntryKind = 1
	// Data identifies a glue run with no backing file.
	Data EntryKind = 2
	// FileObsolete is the pre-rsync64 file-part record.
	FileObsolete EntryKind = 3
	// ImageInfo is the image summary record, always the last DESC entry.
	ImageInfo EntryKind = 5
	// File identifies a part backed by a component file.
	File EntryKind = 6
)

// PartStatus is the state of one FilePart's reassembly, per spec.md §4.6.
type PartStatus int

const (
	// NotStarted parts haven't been touched yet.
	NotStarted PartStatus = iota
	// Assigned parts have been claimed by a worker but not yet started.
	Assigned
	// InProgress parts are actively being fetched.
	InProgress
	// Complete parts have verified successfully. Terminal.
	Complete
	// Error parts failed and are eligible for another selection pass.
	Error
	// FatalError parts failed unrecoverably. Terminal; aborts the run.
	FatalError
	// LocalCopy parts were found to already match a local mirror file.
	LocalCopy
)

func (s PartStatus) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Assigned:
		return "assigned"
	case InProgress:
		return "in progress"
	case Complete:
		return "complete"
	case Error:
		return "error"
	case FatalError:
		return "fatal error"
	case LocalCopy:
		return "local copy"
	default:
		return "unknown"
	}
}

// ImageInfo is the single summary record every DescTable carries, always the
// table's terminal entry in declaration order.
type ImageInfo struct {
	Size            uint64       // length of the image in bytes
	MD5             md5sum.Digest // MD5 of the whole image
	RsyncBlockLen   uint32       // 0 when the obsolete variant was used
}

// DataBlock is one run of glue bytes with no backing component file.
type DataBlock struct {
	Size   uint64 // uncompressed length
	Offset uint64 // byte position in the image
}

// FilePart is one component file's placement within the image.
type FilePart struct {
	Size          uint64
	Offset        uint64
	MD5           md5sum.Digest
	RsyncInitial  uint64 // 0 for the obsolete variant; unused by the core
	Status        PartStatus
	Attempts      int // number of fetch attempts made so far

	// URI is the mirror URI chosen for the part's most recent fetch attempt,
	// recorded by the fetch worker. The progress dump reads the worker
	// slot's own copy of the URI, not this field.
	URI string
	// FetchedBytes is updated by the worker mid-fetch for the progress dump.
	// Accessed without the table lock (spec.md §5): readers must tolerate a
	// torn/stale read, which is fine since only a human consumes it.
	FetchedBytes int64
}

// DescTable is the fully parsed contents of a .template file's DESC index:
// the image summary, the ordered glue runs, and the ordered file parts.
type DescTable struct {
	ImageInfo    ImageInfo
	DataBlocks   []DataBlock
	Files        []FilePart
	ExistingFile bool
}

// TotalDataSize sums the uncompressed size of every DataBlock, the capacity
// the glue-stream writer must allocate per spec.md §4.5 step 1.
func (t *DescTable) TotalDataSize() uint64 {
	var sum uint64
	for _, d := range t.DataBlocks {
		sum += d.Size
	}
	return sum
}
