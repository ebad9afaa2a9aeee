package archive

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/aotcache/closure"
	"github.com/chazu/aotcache/runtime"
	"github.com/chazu/aotcache/training"
)

var buildLog = commonlog.GetLogger("aotcache.builder")

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// ClassLoadingService exposes the live loader graph. *runtime.Runtime
// implements it.
type ClassLoadingService interface {
	Loaders() []*runtime.ClassLoaderData
	Eligible(a closure.Archivable) (bool, string)
}

// HeapService is the heap as seen by the archiver. *runtime.Heap
// implements it.
type HeapService interface {
	Layout() runtime.Layout
	CanArchiveHeapObjects() bool
	HasNoQueue() bool
	NoQueue() *runtime.Object
	IsNoQueue(o *runtime.Object) bool
}

// Sources is everything an archive is assembled from. The runtime must be
// quiescent while Build runs.
type Sources struct {
	Classes  ClassLoadingService
	Heap     HeapService
	Schedule *training.Schedule
}

// BuildOptions configures assembly.
type BuildOptions struct {
	// Exclude reports class names that must not be archived. Subclasses of
	// an excluded class are excluded as well.
	Exclude func(className string) bool

	// HeapArchiving requests heap objects. It only takes effect when the
	// heap can archive objects.
	HeapArchiving bool
	QueueStrategy QueueStrategy

	CompressRelocations bool
	RequestedBase       uint64

	// Created is stored in the header. The zero value means now.
	Created time.Time

	BuildID     string
	CPUFeatures []string
}

// BuildStats summarizes an assembly.
type BuildStats struct {
	Entities      map[closure.Kind]int
	HeapObjects   int
	HeapRoots     int
	Relocations   [regionCount]int
	Excluded      []string
	Skipped       []string
	RejectedRoots []string
}

// Archive is an assembled image held in memory, ready for WriteImage.
type Archive struct {
	Header  Header
	Regions [regionCount][]byte
	Relocs  [regionCount][]Relocation

	symbols []tableEntry
	classes []tableEntry
	loaders []tableEntry

	heapObjects []uint32
	heapRoots   []uint32

	Stats BuildStats
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

type entityKey struct {
	kind     closure.Kind
	identity string
}

func keyOf(a closure.Archivable) entityKey {
	return entityKey{kind: a.ArchiveKind(), identity: a.ArchiveIdentity()}
}

func lessKey(a, b entityKey) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	return a.identity < b.identity
}

type ptrField struct {
	offset uint32
	target closure.Archivable
}

type encodedEntity struct {
	entity closure.Archivable
	key    entityKey
	data   []byte
	ptrs   []ptrField
	handle Handle
}

// Builder assembles one archive. A Builder is single use.
type Builder struct {
	src  Sources
	opts BuildOptions

	visited  map[entityKey]closure.Archivable
	excluded map[closure.Archivable]string
	encoded  map[closure.Archivable]*encodedEntity
	pending  []closure.Archivable
	included map[*runtime.ClassLoaderData]bool

	heap *heapArchiver
	errs *multierror.Error

	stats BuildStats
}

// NewBuilder creates a builder over src.
func NewBuilder(src Sources, opts BuildOptions) *Builder {
	if opts.RequestedBase == 0 {
		opts.RequestedBase = DefaultRequestedBase
	}
	if opts.BuildID == "" {
		opts.BuildID = DefaultBuildID
	}
	if opts.CPUFeatures == nil {
		opts.CPUFeatures = HostFeatures()
	}
	if opts.Created.IsZero() {
		opts.Created = time.Now()
	}
	b := &Builder{
		src:      src,
		opts:     opts,
		visited:  make(map[entityKey]closure.Archivable),
		excluded: make(map[closure.Archivable]string),
		encoded:  make(map[closure.Archivable]*encodedEntity),
		included: make(map[*runtime.ClassLoaderData]bool),
	}
	b.stats.Entities = make(map[closure.Kind]int)
	if opts.HeapArchiving && src.Heap != nil && src.Heap.CanArchiveHeapObjects() {
		b.heap = newHeapArchiver(src.Heap, opts.QueueStrategy, b.classEligible)
	} else if opts.HeapArchiving {
		buildLog.Warning("heap archiving requested but the heap cannot archive objects; heap objects will be reconstructed at startup")
	}
	return b
}

func (b *Builder) fail(err error) {
	b.errs = multierror.Append(b.errs, err)
}

// Build walks the sources and assembles the archive. Fatal problems are
// returned together; no archive is produced when any occur.
func (b *Builder) Build() (*Archive, error) {
	records, err := b.loaderRecords()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		b.push(rec)
	}
	if b.src.Schedule != nil && b.src.Schedule.Len() > 0 {
		b.push(b.src.Schedule)
	}

	// Encode until the heap stops pulling in new classes.
	for round := 1; len(b.pending) > 0; round++ {
		batch := b.pending
		b.pending = nil
		sort.Slice(batch, func(i, j int) bool { return lessKey(keyOf(batch[i]), keyOf(batch[j])) })
		for _, a := range batch {
			b.encode(a)
		}
		if b.heap != nil {
			for _, k := range b.heap.drainKlasses() {
				b.push(k)
			}
		}
		buildLog.Debugf("round %d: %d entities encoded, %d new", round, len(batch), len(b.pending))
	}
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	arc := b.place()
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	buildLog.Infof("assembled %d entities (%d ro bytes, %d rw bytes, %d heap bytes)",
		len(b.encoded), len(arc.Regions[RegionRO]), len(arc.Regions[RegionRW]), len(arc.Regions[RegionHeap]))
	return arc, nil
}

// loaderRecords selects the loaders to archive. Boot, platform and app are
// required. Custom loaders need an AOT identity and no hidden classes that
// could be unloaded independently.
func (b *Builder) loaderRecords() ([]*LoaderRecord, error) {
	var found [runtime.LoaderCustom]bool
	var records []*LoaderRecord
	for _, cld := range b.src.Classes.Loaders() {
		if cld.Kind == runtime.LoaderCustom {
			switch {
			case cld.AOTIdentity == "":
				b.skip(cld, "no AOT identity")
				continue
			case cld.HasNonStrongHidden():
				b.skip(cld, "defines hidden classes that are not strongly tied to it")
				continue
			}
		} else {
			found[cld.Kind] = true
		}
		b.included[cld] = true
		records = append(records, newLoaderRecord(cld))
	}

	var missing error
	for _, k := range []runtime.LoaderKind{runtime.LoaderBoot, runtime.LoaderPlatform, runtime.LoaderApp} {
		if !found[k] {
			missing = multierror.Append(missing, fmt.Errorf("%w: %s loader", ErrMissingRoot, k))
		}
	}
	return records, missing
}

func (b *Builder) skip(cld *runtime.ClassLoaderData, why string) {
	buildLog.Warningf("skipping loader %s: %s", cld, why)
	b.stats.Skipped = append(b.stats.Skipped, fmt.Sprintf("%s: %s", cld, why))
}

// push adds a to the archive unless it is excluded or already present.
func (b *Builder) push(a closure.Archivable) {
	if _, done := b.excluded[a]; done {
		return
	}
	key := keyOf(a)
	if prev, ok := b.visited[key]; ok {
		if prev != a {
			b.fail(fmt.Errorf("%w: %s %q", ErrInconsistentIdentity, key.kind, key.identity))
		}
		return
	}
	if why := b.exclusion(a); why != "" {
		b.excluded[a] = why
		b.stats.Excluded = append(b.stats.Excluded, fmt.Sprintf("%s: %s", key.identity, why))
		buildLog.Debugf("excluding %s: %s", key.identity, why)
		return
	}
	b.visited[key] = a
	b.pending = append(b.pending, a)
	a.IteratePointers(b.push)
}

// exclusion returns why a cannot be archived, or "".
func (b *Builder) exclusion(a closure.Archivable) string {
	switch e := a.(type) {
	case *runtime.Class:
		if _, why := b.classEligible(e); why != "" {
			return why
		}
	case *runtime.Method:
		if e.Holder != nil {
			if _, why := b.classEligible(e.Holder); why != "" {
				return "holder excluded: " + why
			}
		}
	case *training.Record:
		if e.Method != nil {
			if why := b.exclusion(e.Method); why != "" {
				return "method excluded: " + why
			}
		}
	}
	if ok, why := b.src.Classes.Eligible(a); !ok {
		return why
	}
	return ""
}

func (b *Builder) classEligible(k *runtime.Class) (bool, string) {
	if k.Loader != nil && !b.included[k.Loader] {
		return false, fmt.Sprintf("loader %s is not archived", k.Loader)
	}
	if b.opts.Exclude != nil {
		for c := k; c != nil; c = c.Super {
			if b.opts.Exclude(c.Name.String()) {
				return false, fmt.Sprintf("%s matches an exclude pattern", c.Name)
			}
		}
	}
	if ok, why := b.src.Classes.Eligible(k); !ok {
		return false, why
	}
	return true, ""
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func (b *Builder) encode(a closure.Archivable) {
	enc := &entityEncoder{b: b}
	enc.buf.pad(entityHeaderSize)
	a.Serialize(enc)
	enc.buf.alignTo(0, entityAlign)

	data := enc.buf.Bytes()
	data[0] = uint8(a.ArchiveKind())
	WriteUint32(data[4:], uint32(len(data)-entityHeaderSize))

	if err := checkPointers(a, enc.ptrs); err != nil {
		b.fail(err)
	}
	b.encoded[a] = &encodedEntity{entity: a, key: keyOf(a), data: data, ptrs: enc.ptrs}
	b.stats.Entities[a.ArchiveKind()]++
}

// checkPointers compares the pointers Serialize wrote with the ones
// IteratePointers reports.
func checkPointers(a closure.Archivable, written []ptrField) error {
	count := make(map[closure.Archivable]int)
	for _, p := range written {
		count[p.target]++
	}
	a.IteratePointers(func(t closure.Archivable) {
		count[t]--
	})
	for t, n := range count {
		if n != 0 {
			return fmt.Errorf("%w: %s %q, target %q off by %d",
				ErrInconsistentPointers, a.ArchiveKind(), a.ArchiveIdentity(), t.ArchiveIdentity(), n)
		}
	}
	return nil
}

// entityEncoder is the writing closure. Pointer words are written as zero
// and patched once every entity is placed.
type entityEncoder struct {
	b    *Builder
	buf  buffer
	ptrs []ptrField
}

func (e *entityEncoder) Reading() bool { return false }

func (e *entityEncoder) DoU8(p *uint8)   { e.buf.u8(*p) }
func (e *entityEncoder) DoU16(p *uint16) { e.buf.u16(*p) }
func (e *entityEncoder) DoU32(p *uint32) { e.buf.u32(*p) }
func (e *entityEncoder) DoI32(p *int32)  { e.buf.u32(uint32(*p)) }
func (e *entityEncoder) DoU64(p *uint64) { e.buf.u64(*p) }
func (e *entityEncoder) DoI64(p *int64)  { e.buf.u64(uint64(*p)) }

func (e *entityEncoder) DoBool(p *bool) {
	if *p {
		e.buf.u8(1)
	} else {
		e.buf.u8(0)
	}
}

func (e *entityEncoder) DoBytes(p *[]byte)  { e.buf.bytes(*p) }
func (e *entityEncoder) DoString(p *string) { e.buf.str(*p) }

func (e *entityEncoder) DoPtr(s closure.Slot) {
	e.buf.alignTo(0, entityAlign)
	if t := s.Get(); t != nil {
		e.ptrs = append(e.ptrs, ptrField{offset: uint32(e.buf.Len()), target: t})
	}
	e.buf.u64(NullWord)
}

func (e *entityEncoder) DoHeap(s closure.HeapSlot) {
	idx := int32(-1)
	if o, ok := s.Get().(*runtime.Object); ok && e.b.heap != nil {
		idx = e.b.heap.archiveRoot(o)
	}
	e.buf.u32(uint32(idx))
}

// ---------------------------------------------------------------------------
// Placement
// ---------------------------------------------------------------------------

func (b *Builder) place() *Archive {
	all := make([]*encodedEntity, 0, len(b.encoded))
	for _, ee := range b.encoded {
		all = append(all, ee)
	}
	sort.Slice(all, func(i, j int) bool { return lessKey(all[i].key, all[j].key) })

	var bufs [regionCount]buffer
	bufs[RegionRO].pad(entityAlign)
	bufs[RegionRW].pad(entityAlign)
	for _, ee := range all {
		r := RegionRO
		if closure.IsMutable(ee.entity) {
			r = RegionRW
		}
		ee.handle = Handle{Region: r, Offset: uint32(bufs[r].Len())}
		bufs[r].b = append(bufs[r].b, ee.data...)
	}

	arc := &Archive{}
	if b.heap != nil {
		arc.Regions[RegionHeap] = b.heap.buf.Bytes()
		arc.heapObjects = b.heap.objects
		arc.heapRoots = b.heap.roots
	}
	arc.Regions[RegionRO] = bufs[RegionRO].Bytes()
	arc.Regions[RegionRW] = bufs[RegionRW].Bytes()

	var sizes [regionCount]uint64
	for r := range sizes {
		sizes[r] = uint64(len(arc.Regions[r]))
	}
	bases := requestedBases(b.opts.RequestedBase, sizes)

	// Patch pointer words and record relocations.
	target := func(t closure.Archivable) (Handle, uint64, error) {
		if ee, ok := b.encoded[t]; ok {
			return ee.handle, bases.Word(ee.handle), nil
		}
		if _, ok := b.excluded[t]; ok {
			return Handle{}, NotArchivedWord, nil
		}
		return Handle{}, 0, fmt.Errorf("%w: %s %q", ErrDanglingPointer, t.ArchiveKind(), t.ArchiveIdentity())
	}
	for _, ee := range all {
		region := arc.Regions[ee.handle.Region]
		for _, p := range ee.ptrs {
			h, word, err := target(p.target)
			if err != nil {
				b.fail(fmt.Errorf("%s %q: %w", ee.key.kind, ee.key.identity, err))
				continue
			}
			field := ee.handle.Offset + p.offset
			WriteUint64(region[field:], word)
			if !h.IsNull() {
				arc.Relocs[ee.handle.Region] = append(arc.Relocs[ee.handle.Region], Relocation{Source: ee.handle, Field: field, Target: h})
			}
		}
	}
	if b.heap != nil {
		hp := arc.Regions[RegionHeap]
		for _, p := range b.heap.ptrs {
			h, word, err := target(p.target)
			if err != nil {
				b.fail(fmt.Errorf("heap object at %#x: %w", p.owner, err))
				continue
			}
			WriteUint64(hp[p.field:], word)
			if !h.IsNull() {
				arc.Relocs[RegionHeap] = append(arc.Relocs[RegionHeap], Relocation{
					Source: Handle{Region: RegionHeap, Offset: p.owner}, Field: p.field, Target: h,
				})
			}
		}
	}
	for r := range arc.Relocs {
		if err := validateRelocations(Region(r), arc.Relocs[r], sizes); err != nil {
			b.fail(err)
		}
	}

	// Lookup tables.
	for _, ee := range all {
		switch e := ee.entity.(type) {
		case *runtime.Symbol:
			arc.symbols = append(arc.symbols, tableEntry{key: ee.key.identity, target: ee.handle.Offset})
		case *runtime.Class:
			arc.classes = append(arc.classes, tableEntry{key: ee.key.identity, target: ee.handle.Offset})
		case *LoaderRecord:
			arc.loaders = append(arc.loaders, tableEntry{key: e.LoaderIdentity(), target: ee.handle.Offset})
		}
	}

	layout := runtime.DefaultLayout
	if b.src.Heap != nil {
		layout = b.src.Heap.Layout()
	}
	h := &arc.Header
	h.Version = ImageVersion
	h.PointerWidth = 8
	h.Endianness = EndianLittle
	h.CompressedRefs = layout.CompressedRefs
	h.QueueStrategy = b.opts.QueueStrategy
	h.HeapRegionSize = layout.RegionSize
	h.HeapAlignment = layout.Alignment
	h.Created = b.opts.Created.Unix()
	h.RequestedBase = b.opts.RequestedBase
	for r := range h.Regions {
		h.Regions[r].Size = sizes[r]
		h.Regions[r].RequestedBase = bases[r]
		h.Regions[r].RelocCount = uint32(len(arc.Relocs[r]))
	}
	h.NoQueueRoot = -1
	if b.heap != nil {
		h.Flags |= FlagHeap
		h.RootCount = uint32(len(b.heap.roots))
		h.NoQueueRoot = b.heap.noQueueRoot
	}
	if b.opts.CompressRelocations {
		h.Flags |= FlagCompressedRelocs
	}
	if s := b.src.Schedule; s != nil {
		if ee, ok := b.encoded[s]; ok {
			h.Flags |= FlagTraining
			h.Schedule = ee.handle
		}
	}
	h.CPUFeatures = append([]string(nil), b.opts.CPUFeatures...)
	sort.Strings(h.CPUFeatures)
	h.BuildID = b.opts.BuildID

	b.stats.Relocations = [regionCount]int{len(arc.Relocs[0]), len(arc.Relocs[1]), len(arc.Relocs[2])}
	if b.heap != nil {
		b.stats.HeapObjects = len(b.heap.objects)
		b.stats.HeapRoots = len(b.heap.roots)
		b.stats.RejectedRoots = b.heap.rejected
	}
	arc.Stats = b.stats
	return arc
}

// IsFatal reports whether err came from a failed assembly rather than I/O.
func IsFatal(err error) bool {
	for _, target := range []error{ErrMissingRoot, ErrDanglingPointer, ErrInconsistentIdentity, ErrInconsistentPointers} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
