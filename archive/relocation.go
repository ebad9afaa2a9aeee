package archive

import (
	"fmt"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
)

var relocLog = commonlog.GetLogger("aotcache.reloc")

// ---------------------------------------------------------------------------
// Relocation records
// ---------------------------------------------------------------------------

// Relocation records one pointer word written into a region: the entity
// that owns it, the word's byte offset in the source region and the
// entity it points at.
type Relocation struct {
	Source Handle
	Field  uint32
	Target Handle
}

// relocEntry is the loaded form of a relocation: enough to patch a word.
type relocEntry struct {
	Field  uint32
	Target Region
}

// validateRelocations checks that every target was placed and that no two
// relocations patch the same word.
func validateRelocations(region Region, relocs []Relocation, sizes [regionCount]uint64) error {
	seen := make(map[uint32]struct{}, len(relocs))
	for _, r := range relocs {
		if r.Field%entityAlign != 0 {
			return fmt.Errorf("%w: %s word at %#x is misaligned", ErrCorrupt, region, r.Field)
		}
		if _, dup := seen[r.Field]; dup {
			return fmt.Errorf("%w: %s word at %#x relocated twice", ErrCorrupt, region, r.Field)
		}
		seen[r.Field] = struct{}{}
		if r.Target.IsNull() || r.Target.Region >= regionCount || uint64(r.Target.Offset) >= sizes[r.Target.Region] {
			return fmt.Errorf("%w: %s word at %#x (owner %s) targets %s", ErrDanglingPointer, region, r.Field, r.Source, r.Target)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Compressed relocation tables
// ---------------------------------------------------------------------------

// The table of a region is a sequence of (varint word-index delta, target
// region byte) pairs in ascending word order, optionally zstd compressed.

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEnc, zstdDec, zstdErr
}

func encodeRelocTable(relocs []Relocation, compress bool) ([]byte, error) {
	sorted := make([]Relocation, len(relocs))
	copy(sorted, relocs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })

	var w buffer
	prev := uint64(0)
	for _, r := range sorted {
		word := uint64(r.Field / entityAlign)
		w.varint(word - prev)
		w.u8(uint8(r.Target.Region))
		prev = word
	}
	if !compress {
		return w.Bytes(), nil
	}
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("relocation table: %w", err)
	}
	return enc.EncodeAll(w.Bytes(), nil), nil
}

func decodeRelocTable(data []byte, count uint32, compressed bool) ([]relocEntry, error) {
	if compressed {
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("relocation table: %w", err)
		}
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: relocation table: %v", ErrCorrupt, err)
		}
	}
	r := &reader{b: data}
	out := make([]relocEntry, 0, count)
	word := uint64(0)
	for i := uint32(0); i < count; i++ {
		word += r.varint()
		target := Region(r.u8())
		if r.err != nil {
			return nil, r.err
		}
		if target >= regionCount {
			return nil, fmt.Errorf("%w: relocation %d targets region %d", ErrCorrupt, i, target)
		}
		out = append(out, relocEntry{Field: uint32(word * entityAlign), Target: target})
	}
	if r.off != len(r.b) {
		return nil, fmt.Errorf("%w: %d trailing bytes in relocation table", ErrCorrupt, len(r.b)-r.off)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Applying and resolving
// ---------------------------------------------------------------------------

// relocate adds the target region's displacement to every recorded word of
// data. It is one linear pass; words not in the table are left alone.
func relocate(data []byte, entries []relocEntry, requested, actual Bases) error {
	var delta [regionCount]uint64
	for r := range delta {
		delta[r] = actual[r] - requested[r]
	}
	for _, e := range entries {
		if int(e.Field)+8 > len(data) {
			return fmt.Errorf("%w: relocation at %#x past region end %#x", ErrCorrupt, e.Field, len(data))
		}
		w := data[e.Field : e.Field+8]
		WriteUint64(w, ReadUint64(w)+delta[e.Target])
	}
	return nil
}

// Resolver maps fixed-up pointer words back to handles.
type Resolver struct {
	Bases Bases
	Sizes [regionCount]uint64
}

// Resolve returns the handle a pointer word refers to. It is a pure
// function of the word and the region bases. ok is false for the null and
// not-archived words and for words outside every region.
func (rv Resolver) Resolve(word uint64) (Handle, bool) {
	if word == NullWord || word == NotArchivedWord {
		return Handle{}, false
	}
	for r := RegionRO; r < regionCount; r++ {
		base := rv.Bases[r]
		if word > base && word < base+rv.Sizes[r] {
			return Handle{Region: r, Offset: uint32(word - base)}, true
		}
	}
	return Handle{}, false
}
