package archive

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
)

var imageLog = commonlog.GetLogger("aotcache.image")

// ---------------------------------------------------------------------------
// ImageWriter
// ---------------------------------------------------------------------------

// Encode lays arc out as image bytes:
//
//	header | ro | rw | hp | relocation tables | lookup tables | footer
//
// Regions start on page boundaries so each can be mapped and protected on
// its own. The header is back-patched with the final section offsets.
func (arc *Archive) Encode() ([]byte, error) {
	h := arc.Header
	headerLen := uint64(len(h.encode()))

	// Auxiliary sections first, since their sizes do not depend on offsets.
	var relocs [regionCount][]byte
	for r := range relocs {
		data, err := encodeRelocTable(arc.Relocs[r], h.Flags&FlagCompressedRelocs != 0)
		if err != nil {
			return nil, err
		}
		relocs[r] = data
	}

	var tables [tableCount][]byte
	var errs *multierror.Error
	var err error
	if tables[TableSymbols], err = buildHashtable(RegionRO, arc.symbols); err != nil {
		errs = multierror.Append(errs, err)
	}
	if tables[TableClasses], err = buildHashtable(RegionRW, arc.classes); err != nil {
		errs = multierror.Append(errs, err)
	}
	if tables[TableLoaders], err = buildHashtable(RegionRW, arc.loaders); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	tables[TableHeapIndex] = encodeHeapIndex(arc.heapObjects, arc.heapRoots)

	// Assign offsets. The header size is fixed by now.
	off := alignUp(headerLen, PageSize)
	for r := range h.Regions {
		h.Regions[r].FileOffset = off
		off = alignUp(off+uint64(len(arc.Regions[r])), PageSize)
	}
	for r := range h.Regions {
		h.Regions[r].Reloc = Section{Offset: off, Size: uint64(len(relocs[r]))}
		off += uint64(len(relocs[r]))
	}
	for t := range tables {
		off = alignUp(off, 8)
		h.Tables[t] = Section{Offset: off, Size: uint64(len(tables[t]))}
		off += uint64(len(tables[t]))
	}

	header := h.encode()
	if uint64(len(header)) != headerLen {
		return nil, fmt.Errorf("header size changed from %d to %d", headerLen, len(header))
	}

	out := make([]byte, off, off+footerSize)
	copy(out, header)
	for r := range arc.Regions {
		copy(out[h.Regions[r].FileOffset:], arc.Regions[r])
		copy(out[h.Regions[r].Reloc.Offset:], relocs[r])
	}
	for t := range tables {
		copy(out[h.Tables[t].Offset:], tables[t])
	}

	sum := crc32.ChecksumIEEE(out)
	out = append(out, footerMagic[:]...)
	var crc [4]byte
	WriteUint32(crc[:], sum)
	out = append(out, crc[:]...)

	arc.Header = h
	return out, nil
}

// WriteImage encodes arc and writes it to path. The file is written under
// a temporary name, synced and renamed, so a reader never sees a partial
// image at path.
func WriteImage(path string, arc *Archive) error {
	data, err := arc.Encode()
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write image: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install image: %w", err)
	}

	imageLog.Infof("wrote %s (%d bytes)", filepath.Base(path), len(data))
	return nil
}

// StripVolatile returns a copy of an encoded image with the creation time
// and the checksum zeroed. Two builds from the same input have equal
// stripped bytes.
func StripVolatile(image []byte) []byte {
	out := make([]byte, len(image))
	copy(out, image)
	if len(out) >= createdOffset+8 {
		WriteUint64(out[createdOffset:], 0)
	}
	if len(out) >= footerSize {
		WriteUint32(out[len(out)-4:], 0)
	}
	return out
}
