package archive

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strings"
	"unsafe"
)

// minImageSize covers the fixed header fields read before decodeHeader.
const minImageSize = createdOffset + 8

// ---------------------------------------------------------------------------
// Image: a validated, relocated image
// ---------------------------------------------------------------------------

// OpenOptions configures validation.
type OpenOptions struct {
	// BuildID is the consuming runtime's build. Empty means DefaultBuildID.
	BuildID string
	// HostFeatures overrides the detected CPU features.
	HostFeatures []string
}

// Image is a mapped image whose pointers have been relocated to where its
// regions actually live.
type Image struct {
	Path   string
	Header *Header

	Regions  [regionCount][]byte
	Resolver Resolver

	Symbols *Hashtable
	Classes *Hashtable
	Loaders *Hashtable

	HeapObjects []uint32
	HeapRoots   []uint32

	m *mapping
}

// Open maps and validates the image at path and applies its relocations.
// Any reason the image cannot be used is returned as a *RejectedError.
func Open(path string, opts OpenOptions) (*Image, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, rejectf(path, ErrCorrupt, "%v", err)
	}
	img, err := open(path, m, opts)
	if err != nil {
		m.close()
		return nil, err
	}
	return img, nil
}

// OpenBytes is Open over an in-memory copy of an image.
func OpenBytes(name string, data []byte, opts OpenOptions) (*Image, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	return open(name, &mapping{data: buf}, opts)
}

func open(path string, m *mapping, opts OpenOptions) (*Image, error) {
	data := m.data
	h, err := validate(path, data, opts)
	if err != nil {
		return nil, err
	}

	img := &Image{Path: path, Header: h, m: m}
	for r := range img.Regions {
		ri := h.Regions[r]
		img.Regions[r] = data[ri.FileOffset : ri.FileOffset+ri.Size : ri.FileOffset+ri.Size]
	}

	var actual Bases
	var sizes [regionCount]uint64
	for r, region := range img.Regions {
		sizes[r] = uint64(len(region))
		if len(region) == 0 {
			actual[r] = h.Regions[r].RequestedBase
			continue
		}
		actual[r] = uint64(uintptr(unsafe.Pointer(&region[0])))
	}
	img.Resolver = Resolver{Bases: actual, Sizes: sizes}

	requested := h.RequestedBases()
	compressed := h.Flags&FlagCompressedRelocs != 0
	total := 0
	for r := range img.Regions {
		ri := h.Regions[r]
		table := data[ri.Reloc.Offset : ri.Reloc.Offset+ri.Reloc.Size]
		entries, err := decodeRelocTable(table, ri.RelocCount, compressed)
		if err != nil {
			return nil, rejectf(path, ErrCorrupt, "%s relocations: %v", Region(r), err)
		}
		if err := relocate(img.Regions[r], entries, requested, actual); err != nil {
			return nil, rejectf(path, ErrCorrupt, "%s relocations: %v", Region(r), err)
		}
		total += len(entries)
	}
	relocLog.Debugf("%s: applied %d relocations", path, total)

	if err := m.protectReadOnly(img.Regions[RegionRO]); err != nil {
		relocLog.Debugf("%s: ro region left writable: %v", path, err)
	}

	tables := [3]**Hashtable{&img.Symbols, &img.Classes, &img.Loaders}
	for i, dst := range tables {
		sec := h.Tables[i]
		t, err := openHashtable(data[sec.Offset : sec.Offset+sec.Size])
		if err != nil {
			return nil, rejectf(path, ErrCorrupt, "%s table: %v", Table(i), err)
		}
		*dst = t
	}
	sec := h.Tables[TableHeapIndex]
	img.HeapObjects, img.HeapRoots, err = decodeHeapIndex(data[sec.Offset : sec.Offset+sec.Size])
	if err != nil {
		return nil, rejectf(path, ErrCorrupt, "heap index: %v", err)
	}
	if uint32(len(img.HeapRoots)) != h.RootCount {
		return nil, rejectf(path, ErrCorrupt, "heap index has %d roots, header says %d", len(img.HeapRoots), h.RootCount)
	}

	imageLog.Infof("opened %s: version %d, created %s, %d symbols, %d classes, %d loaders",
		path, h.Version, h.CreatedTime().Format("2006-01-02T15:04:05Z"), img.Symbols.Len(), img.Classes.Len(), img.Loaders.Len())
	return img, nil
}

// validate checks everything that decides whether the image is usable by
// this process, cheapest and most fundamental first.
func validate(path string, data []byte, opts OpenOptions) (*Header, error) {
	if len(data) < minImageSize+footerSize {
		return nil, rejectf(path, ErrCorrupt, "truncated (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:len(ImageMagic)], ImageMagic[:]) {
		return nil, rejectf(path, ErrCorrupt, "bad magic %q", data[:len(ImageMagic)])
	}
	if v := ReadUint32(data[versionOffset:]); v != ImageVersion {
		return nil, rejectf(path, ErrIncompatible, "image version %d, runtime supports %d", v, ImageVersion)
	}

	body := data[:len(data)-footerSize]
	footer := data[len(data)-footerSize:]
	if !bytes.Equal(footer[:len(footerMagic)], footerMagic[:]) {
		return nil, rejectf(path, ErrCorrupt, "incomplete image: completion marker missing")
	}
	if sum := crc32.ChecksumIEEE(body); sum != ReadUint32(footer[len(footerMagic):]) {
		return nil, rejectf(path, ErrCorrupt, "checksum mismatch")
	}

	h, err := decodeHeader(body)
	if err != nil {
		return nil, rejectf(path, ErrCorrupt, "%v", err)
	}
	if h.PointerWidth != uint8(unsafe.Sizeof(uintptr(0))) {
		return nil, rejectf(path, ErrIncompatible, "pointer width %d, runtime uses %d", h.PointerWidth, unsafe.Sizeof(uintptr(0)))
	}
	if h.Endianness != EndianLittle {
		return nil, rejectf(path, ErrIncompatible, "unsupported byte order %d", h.Endianness)
	}
	buildID := opts.BuildID
	if buildID == "" {
		buildID = DefaultBuildID
	}
	if h.BuildID != buildID {
		return nil, rejectf(path, ErrIncompatible, "built by %q, runtime is %q", h.BuildID, buildID)
	}
	host := opts.HostFeatures
	if host == nil {
		host = HostFeatures()
	}
	if missing := missingFeatures(h.CPUFeatures, host); len(missing) > 0 {
		return nil, rejectf(path, ErrIncompatible, "CPU lacks %s", strings.Join(missing, ", "))
	}

	size := uint64(len(body))
	in := func(s Section) bool { return s.Offset <= size && s.Size <= size-s.Offset }
	for r, ri := range h.Regions {
		if !in(Section{ri.FileOffset, ri.Size}) || !in(ri.Reloc) {
			return nil, rejectf(path, ErrCorrupt, "%s region out of bounds", Region(r))
		}
		if ri.Size > 0 && ri.FileOffset%PageSize != 0 {
			return nil, rejectf(path, ErrCorrupt, "%s region not page aligned", Region(r))
		}
	}
	for t, sec := range h.Tables {
		if !in(sec) {
			return nil, rejectf(path, ErrCorrupt, "%s table out of bounds", Table(t))
		}
	}
	return h, nil
}

// Close unmaps the image. Entities already decoded stay valid.
func (img *Image) Close() error {
	if img.m == nil {
		return nil
	}
	err := img.m.close()
	img.m = nil
	return err
}

// Bases returns the actual region bases.
func (img *Image) Bases() Bases {
	return img.Resolver.Bases
}

// entityAt returns the kind and payload of the entity at h.
func (img *Image) entityAt(h Handle) (uint8, []byte, error) {
	region := img.Regions[h.Region]
	off := int(h.Offset)
	if h.IsNull() || off%entityAlign != 0 || off+entityHeaderSize > len(region) {
		return 0, nil, fmt.Errorf("%w: no entity at %s", ErrCorrupt, h)
	}
	n := int(ReadUint32(region[off+4:]))
	end := off + entityHeaderSize + n
	if n < 0 || end > len(region) {
		return 0, nil, fmt.Errorf("%w: entity at %s overruns region", ErrCorrupt, h)
	}
	return region[off], region[off:end], nil
}

func (img *Image) describeRegion(r Region) string {
	ri := img.Header.Regions[r]
	return fmt.Sprintf("%-3s file@%#08x size %8d requested %#x mapped %#x relocs %d",
		r, ri.FileOffset, ri.Size, ri.RequestedBase, img.Resolver.Bases[r], ri.RelocCount)
}
