package archive

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Image format constants
// ---------------------------------------------------------------------------

// ImageMagic identifies an AOT cache image.
var ImageMagic = [4]byte{'A', 'O', 'T', 'C'}

// Image format version
// v1: initial format
const ImageVersion uint32 = 1

// DefaultBuildID identifies the runtime build an image was made by. Images
// are only accepted by the same build.
const DefaultBuildID = "aotcache-runtime-1"

// DefaultRequestedBase is the address the first region asks to be mapped at.
const DefaultRequestedBase uint64 = 0x8_0000_0000

var footerMagic = [8]byte{'A', 'O', 'T', 'C', 'D', 'O', 'N', 'E'}

// footer is the magic followed by a CRC32 of everything before it.
const footerSize = 12

// Image flags
const (
	FlagHeap             uint32 = 1 << 0
	FlagCompressedRelocs uint32 = 1 << 1
	FlagTraining         uint32 = 1 << 2
)

// EndianLittle is the only byte order images are written in.
const EndianLittle uint8 = 1

// Fixed header field offsets.
const (
	versionOffset = 4
	createdOffset = 28
)

// Section is a byte range of the image file.
type Section struct {
	Offset uint64
	Size   uint64
}

// RegionInfo describes one region in the file.
type RegionInfo struct {
	FileOffset    uint64
	Size          uint64
	RequestedBase uint64
	Reloc         Section
	RelocCount    uint32
}

// Table identifies an auxiliary lookup section.
type Table int

const (
	TableSymbols Table = iota
	TableClasses
	TableLoaders
	TableHeapIndex
	tableCount
)

var tableNames = [tableCount]string{"symbols", "classes", "loaders", "heap-index"}

func (t Table) String() string {
	if t >= 0 && t < tableCount {
		return tableNames[t]
	}
	return fmt.Sprintf("table(%d)", int(t))
}

// ---------------------------------------------------------------------------
// Header
// ---------------------------------------------------------------------------

// Header is the decoded image header.
type Header struct {
	Version        uint32
	Flags          uint32
	PointerWidth   uint8
	Endianness     uint8
	CompressedRefs bool
	QueueStrategy  QueueStrategy
	HeapRegionSize uint32
	HeapAlignment  uint32
	Created        int64
	RequestedBase  uint64

	Regions [regionCount]RegionInfo
	Tables  [tableCount]Section

	RootCount   uint32
	NoQueueRoot int32
	Schedule    Handle

	CPUFeatures []string
	BuildID     string
}

// CreatedTime returns the creation timestamp.
func (h *Header) CreatedTime() time.Time {
	return time.Unix(h.Created, 0).UTC()
}

// HasHeap reports whether the image carries archived heap objects.
func (h *Header) HasHeap() bool {
	return h.Flags&FlagHeap != 0
}

// RequestedBases returns the base each region was laid out for.
func (h *Header) RequestedBases() Bases {
	var b Bases
	for r := range h.Regions {
		b[r] = h.Regions[r].RequestedBase
	}
	return b
}

func (h *Header) encode() []byte {
	var w buffer
	w.b = append(w.b, ImageMagic[:]...)
	w.u32(h.Version)
	w.u32(0) // header size, patched below
	w.u32(h.Flags)
	w.u8(h.PointerWidth)
	w.u8(h.Endianness)
	if h.CompressedRefs {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u8(uint8(h.QueueStrategy))
	w.u32(h.HeapRegionSize)
	w.u32(h.HeapAlignment)
	w.u64(uint64(h.Created))
	w.u64(h.RequestedBase)

	for _, r := range h.Regions {
		w.u64(r.FileOffset)
		w.u64(r.Size)
		w.u64(r.RequestedBase)
		w.u64(r.Reloc.Offset)
		w.u64(r.Reloc.Size)
		w.u32(r.RelocCount)
	}
	for _, t := range h.Tables {
		w.u64(t.Offset)
		w.u64(t.Size)
	}
	w.u32(h.RootCount)
	w.u32(uint32(h.NoQueueRoot))
	w.u8(uint8(h.Schedule.Region))
	w.u32(h.Schedule.Offset)

	w.u32(uint32(len(h.CPUFeatures)))
	for _, f := range h.CPUFeatures {
		w.str(f)
	}
	w.str(h.BuildID)

	WriteUint32(w.b[8:], uint32(w.Len()))
	return w.Bytes()
}

// decodeHeader parses the header after magic and version were checked.
func decodeHeader(data []byte) (*Header, error) {
	r := &reader{b: data, off: len(ImageMagic)}
	h := &Header{}
	h.Version = r.u32()
	size := r.u32()
	h.Flags = r.u32()
	h.PointerWidth = r.u8()
	h.Endianness = r.u8()
	h.CompressedRefs = r.u8() != 0
	h.QueueStrategy = QueueStrategy(r.u8())
	h.HeapRegionSize = r.u32()
	h.HeapAlignment = r.u32()
	h.Created = int64(r.u64())
	h.RequestedBase = r.u64()

	for i := range h.Regions {
		ri := &h.Regions[i]
		ri.FileOffset = r.u64()
		ri.Size = r.u64()
		ri.RequestedBase = r.u64()
		ri.Reloc.Offset = r.u64()
		ri.Reloc.Size = r.u64()
		ri.RelocCount = r.u32()
	}
	for i := range h.Tables {
		h.Tables[i].Offset = r.u64()
		h.Tables[i].Size = r.u64()
	}
	h.RootCount = r.u32()
	h.NoQueueRoot = int32(r.u32())
	h.Schedule.Region = Region(r.u8())
	h.Schedule.Offset = r.u32()

	n := r.u32()
	if r.err == nil && int(n) > len(data) {
		return nil, fmt.Errorf("%w: %d CPU features", ErrCorrupt, n)
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		h.CPUFeatures = append(h.CPUFeatures, r.str())
	}
	h.BuildID = r.str()

	if r.err != nil {
		return nil, fmt.Errorf("header: %w", r.err)
	}
	if uint32(r.off) != size {
		return nil, fmt.Errorf("%w: header size %d, decoded %d bytes", ErrCorrupt, size, r.off)
	}
	if h.Schedule.Region >= regionCount || h.QueueStrategy > QueueVerbatim {
		return nil, fmt.Errorf("%w: header fields out of range", ErrCorrupt)
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// Heap index section
// ---------------------------------------------------------------------------

func encodeHeapIndex(objects, roots []uint32) []byte {
	var w buffer
	w.u32(uint32(len(objects)))
	for _, o := range objects {
		w.u32(o)
	}
	w.u32(uint32(len(roots)))
	for _, o := range roots {
		w.u32(o)
	}
	return w.Bytes()
}

func decodeHeapIndex(data []byte) (objects, roots []uint32, err error) {
	r := &reader{b: data}
	n := r.u32()
	if r.err == nil && int(n)*4 > len(data) {
		return nil, nil, fmt.Errorf("%w: heap index claims %d objects", ErrCorrupt, n)
	}
	objects = make([]uint32, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		objects = append(objects, r.u32())
	}
	m := r.u32()
	if r.err == nil && int(m)*4 > len(data) {
		return nil, nil, fmt.Errorf("%w: heap index claims %d roots", ErrCorrupt, m)
	}
	roots = make([]uint32, 0, m)
	for i := uint32(0); i < m && r.err == nil; i++ {
		roots = append(roots, r.u32())
	}
	return objects, roots, r.err
}
