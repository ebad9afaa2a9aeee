package archive

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func maskPointerWords(arc *Archive) [regionCount][]byte {
	var out [regionCount][]byte
	for r := range arc.Regions {
		out[r] = append([]byte(nil), arc.Regions[r]...)
		for _, rel := range arc.Relocs[r] {
			WriteUint64(out[r][rel.Field:], 0)
		}
	}
	return out
}

func TestRelocationInvariance(t *testing.T) {
	rt := assemblyRuntime(t, greeterSource())

	low := testOptions()
	low.RequestedBase = 0x8_0000_0000
	high := testOptions()
	high.RequestedBase = 0x7f00_0000_0000

	a := build(t, rt, nil, low)
	b := build(t, rt, nil, high)

	// Apart from pointer words the regions are identical.
	ma, mb := maskPointerWords(a), maskPointerWords(b)
	for r := range ma {
		if !bytes.Equal(ma[r], mb[r]) {
			t.Errorf("%s region differs outside pointer words", Region(r))
		}
	}
	if diff := cmp.Diff(a.Relocs, b.Relocs); diff != "" {
		t.Fatalf("relocation records differ:\n%s", diff)
	}

	// Each pointer word is its target's base plus the target offset.
	total := 0
	for r := range a.Relocs {
		for _, rel := range a.Relocs[r] {
			wa := ReadUint64(a.Regions[r][rel.Field:])
			wb := ReadUint64(b.Regions[r][rel.Field:])
			ba := a.Header.Regions[rel.Target.Region].RequestedBase
			bb := b.Header.Regions[rel.Target.Region].RequestedBase
			if wa-ba != uint64(rel.Target.Offset) || wb-bb != uint64(rel.Target.Offset) {
				t.Errorf("word %s@%#x: %#x and %#x do not both point at %s", Region(r), rel.Field, wa, wb, rel.Target)
			}
			total++
		}
	}
	if total == 0 {
		t.Fatalf("no relocations recorded")
	}
}

func TestRelocationAfterMapping(t *testing.T) {
	rt := assemblyRuntime(t, greeterSource())
	for _, compress := range []bool{false, true} {
		opts := testOptions()
		opts.CompressRelocations = compress
		arc := build(t, rt, nil, opts)
		img, err := Open(writeTestImage(t, arc), OpenOptions{})
		if err != nil {
			t.Fatalf("compress=%t: Open failed: %v", compress, err)
		}

		for r := range arc.Relocs {
			for _, rel := range arc.Relocs[r] {
				word := ReadUint64(img.Regions[r][rel.Field:])
				h, ok := img.Resolver.Resolve(word)
				if !ok || h != rel.Target {
					t.Errorf("compress=%t: word %s@%#x resolves to %s (%t), want %s",
						compress, Region(r), rel.Field, h, ok, rel.Target)
				}
			}
		}
		img.Close()
	}
}

func TestRelocTableEncoding(t *testing.T) {
	relocs := []Relocation{
		{Source: Handle{RegionRW, 8}, Field: 0x40, Target: Handle{RegionRO, 8}},
		{Source: Handle{RegionRW, 8}, Field: 0x10, Target: Handle{RegionRW, 16}},
		{Source: Handle{RegionRW, 8}, Field: 0x2008, Target: Handle{RegionHeap, 8}},
	}
	want := []relocEntry{
		{Field: 0x10, Target: RegionRW},
		{Field: 0x40, Target: RegionRO},
		{Field: 0x2008, Target: RegionHeap},
	}
	for _, compress := range []bool{false, true} {
		data, err := encodeRelocTable(relocs, compress)
		if err != nil {
			t.Fatalf("compress=%t: encode failed: %v", compress, err)
		}
		got, err := decodeRelocTable(data, uint32(len(relocs)), compress)
		if err != nil {
			t.Fatalf("compress=%t: decode failed: %v", compress, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("compress=%t: entries differ:\n%s", compress, diff)
		}
	}
}

func TestValidateRelocations(t *testing.T) {
	sizes := [regionCount]uint64{64, 64, 0}
	tests := []struct {
		name   string
		relocs []Relocation
	}{
		{"misaligned", []Relocation{{Field: 4, Target: Handle{RegionRO, 8}}}},
		{"duplicate", []Relocation{
			{Field: 8, Target: Handle{RegionRO, 8}},
			{Field: 8, Target: Handle{RegionRO, 16}},
		}},
		{"dangling", []Relocation{{Field: 8, Target: Handle{RegionRW, 128}}}},
		{"empty region", []Relocation{{Field: 8, Target: Handle{RegionHeap, 8}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateRelocations(RegionRW, tt.relocs, sizes); err == nil {
				t.Errorf("validateRelocations accepted %v", tt.relocs)
			}
		})
	}
}

func TestResolverIsRangeCheck(t *testing.T) {
	rv := Resolver{
		Bases: Bases{0x1000, 0x3000, 0x9000},
		Sizes: [regionCount]uint64{0x100, 0x200, 0},
	}
	tests := []struct {
		word uint64
		want Handle
		ok   bool
	}{
		{NullWord, Handle{}, false},
		{NotArchivedWord, Handle{}, false},
		{0x1008, Handle{RegionRO, 8}, true},
		{0x30f0, Handle{RegionRW, 0xf0}, true},
		{0x1100, Handle{}, false},
		{0x9008, Handle{}, false},
	}
	for _, tt := range tests {
		got, ok := rv.Resolve(tt.word)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Resolve(%#x) = %s %t, want %s %t", tt.word, got, ok, tt.want, tt.ok)
		}
	}
}
