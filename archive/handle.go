package archive

import "fmt"

// ---------------------------------------------------------------------------
// Regions and handles
// ---------------------------------------------------------------------------

// Region identifies one of the image's mapped areas.
type Region uint8

const (
	RegionRO Region = iota
	RegionRW
	RegionHeap
	regionCount
)

var regionNames = [regionCount]string{"ro", "rw", "hp"}

func (r Region) String() string {
	if r < regionCount {
		return regionNames[r]
	}
	return fmt.Sprintf("region(%d)", uint8(r))
}

// Pointer word values with special meaning. Real targets never use them:
// region offset 0 is reserved and every base is page aligned.
const (
	NullWord        uint64 = 0
	NotArchivedWord uint64 = 1
)

// PageSize is the file alignment of every region.
const PageSize = 4096

// entityAlign is the alignment of entities and pointer words.
const entityAlign = 8

// entityHeaderSize is [kind u8][flags u8][reserved u16][payload length u32].
const entityHeaderSize = 8

// Handle locates a placed entity: a region plus a byte offset into it.
// The zero Handle is null.
type Handle struct {
	Region Region
	Offset uint32
}

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool {
	return h.Offset == 0
}

func (h Handle) String() string {
	if h.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s+%#x", h.Region, h.Offset)
}

// Bases holds one base address per region.
type Bases [regionCount]uint64

// Word returns the pointer word for h under these bases.
func (b Bases) Word(h Handle) uint64 {
	if h.IsNull() {
		return NullWord
	}
	return b[h.Region] + uint64(h.Offset)
}

// requestedBases lays the regions out back to back from base, each rounded
// up to a page, the way they would be mapped if the requested address is
// granted.
func requestedBases(base uint64, sizes [regionCount]uint64) Bases {
	var b Bases
	next := base
	for r := RegionRO; r < regionCount; r++ {
		b[r] = next
		next += alignUp(sizes[r], PageSize)
		if sizes[r] == 0 {
			next += PageSize
		}
	}
	return b
}
