package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/chazu/aotcache/closure"
	"github.com/chazu/aotcache/runtime"
	"github.com/chazu/aotcache/training"
)

// ---------------------------------------------------------------------------
// Dump: human-readable image listing
// ---------------------------------------------------------------------------

// DumpOptions selects what Dump prints beyond the header.
type DumpOptions struct {
	Tables   bool
	Schedule bool
}

// Dump writes a description of img to w. Entities are decoded into a
// scratch symbol table, so no runtime is touched.
func Dump(w io.Writer, img *Image, opts DumpOptions) error {
	h := img.Header
	fmt.Fprintf(w, "image     %s\n", img.Path)
	fmt.Fprintf(w, "version   %d\n", h.Version)
	fmt.Fprintf(w, "build     %s\n", h.BuildID)
	fmt.Fprintf(w, "created   %s\n", h.CreatedTime().UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(w, "flags     %s\n", describeFlags(h.Flags))
	fmt.Fprintf(w, "heap      region %d align %d compressed-refs %t queue %s roots %d\n",
		h.HeapRegionSize, h.HeapAlignment, h.CompressedRefs, h.QueueStrategy, h.RootCount)
	fmt.Fprintf(w, "cpu       %s\n", strings.Join(h.CPUFeatures, " "))
	for r := Region(0); r < regionCount; r++ {
		fmt.Fprintf(w, "region    %s\n", img.describeRegion(r))
	}
	for t := Table(0); t < tableCount; t++ {
		s := h.Tables[t]
		fmt.Fprintf(w, "table     %-10s file@%#08x size %d\n", t, s.Offset, s.Size)
	}

	d := newDecoder(img, runtime.NewSymbolTable(), nil)

	if opts.Tables {
		for _, t := range []struct {
			name string
			tab  *Hashtable
		}{
			{"symbols", img.Symbols},
			{"classes", img.Classes},
			{"loaders", img.Loaders},
		} {
			fmt.Fprintf(w, "\n[%s] %d entries\n", t.name, t.tab.Len())
			var err error
			t.tab.Each(func(key string, hd Handle) {
				if err != nil {
					return
				}
				var a closure.Archivable
				a, err = d.decode(hd)
				if err != nil {
					return
				}
				fmt.Fprintf(w, "  %-12s %-48q %s\n", hd, key, a.ArchiveKind())
			})
			if err != nil {
				return err
			}
		}
	}

	if opts.Schedule && !h.Schedule.IsNull() {
		s, err := decodeAs[*training.Schedule](d, h.Schedule)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n[schedule] %d entries\n", s.Len())
		for i := 0; i < s.Len(); i++ {
			fmt.Fprintf(w, "  %3d %s\n", i, s.At(i))
		}
	}
	return nil
}

func describeFlags(flags uint32) string {
	var names []string
	if flags&FlagHeap != 0 {
		names = append(names, "heap")
	}
	if flags&FlagCompressedRelocs != 0 {
		names = append(names, "compressed-relocs")
	}
	if flags&FlagTraining != 0 {
		names = append(names, "training")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
