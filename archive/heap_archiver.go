package archive

import (
	"fmt"
	"math"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/aotcache/closure"
	"github.com/chazu/aotcache/runtime"
)

var heapLog = commonlog.GetLogger("aotcache.heap")

// ---------------------------------------------------------------------------
// Weak-reference queue strategy
// ---------------------------------------------------------------------------

// QueueStrategy selects how archived weak references keep pointing at the
// heap's no-op queue singleton. The collector only treats a reference as
// weak when its queue is the current process's singleton; a stale copy
// makes the referent strongly reachable forever.
type QueueStrategy uint8

const (
	// QueueRecompute writes references to the singleton as a marker and
	// re-points them at the consuming heap's singleton.
	QueueRecompute QueueStrategy = iota
	// QueueArchiveSingleton archives the singleton as a dedicated root and
	// makes the consuming heap adopt it.
	QueueArchiveSingleton
	// QueueVerbatim copies the singleton like any other object. The copy
	// is not the consumer's singleton; this mode exists to reproduce that
	// defect.
	QueueVerbatim
)

var queueStrategyNames = []string{"recompute", "archive-singleton", "verbatim"}

func (s QueueStrategy) String() string {
	if int(s) < len(queueStrategyNames) {
		return queueStrategyNames[s]
	}
	return fmt.Sprintf("queue-strategy(%d)", uint8(s))
}

// ParseQueueStrategy parses a strategy name. The empty string selects
// QueueRecompute.
func ParseQueueStrategy(name string) (QueueStrategy, error) {
	if name == "" {
		return QueueRecompute, nil
	}
	for i, n := range queueStrategyNames {
		if strings.EqualFold(n, name) {
			return QueueStrategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown queue strategy %q (want one of %s)", name, strings.Join(queueStrategyNames, ", "))
}

// ---------------------------------------------------------------------------
// Heap object encoding
// ---------------------------------------------------------------------------

// Each archived object is
//
//	u8 kind | u8 flags | u16 field count | u32 string length
//	u64 klass pointer word | u64 mirror-of pointer word
//	field count x { u8 tag | 7 pad | u64 payload }
//	string bytes, padded to 8
//
// Reference payloads are heap-region offsets. Klass words are relocated
// like metadata pointers.

const (
	heapObjectHeaderSize = 24
	heapFieldSize        = 16

	heapFlagInterned = 1 << 0
)

const (
	fieldNil uint8 = iota
	fieldInt
	fieldRef
	fieldNoQueue
)

func heapObjectSize(o *runtime.Object) uint64 {
	return heapObjectHeaderSize + heapFieldSize*uint64(len(o.Fields)) + alignUp(uint64(len(o.Str)), 8)
}

// heapPtr is a metadata pointer written into the heap region.
type heapPtr struct {
	owner  uint32
	field  uint32
	target closure.Archivable
}

// heapArchiver copies reachable heap objects into the heap region. Objects
// are appended root by root in depth-first order; an object shared by two
// roots is written once.
type heapArchiver struct {
	heap     HeapService
	layout   runtime.Layout
	strategy QueueStrategy
	eligible func(k *runtime.Class) (bool, string)

	buf       buffer
	offsets   map[*runtime.Object]uint32
	objects   []uint32
	roots     []uint32
	rootIndex map[*runtime.Object]int32
	ptrs      []heapPtr

	// klasses collects classes referenced from archived objects; the
	// builder drains it and archives them.
	klasses []*runtime.Class

	noQueueRoot int32
	rejected    []string
}

func newHeapArchiver(heap HeapService, strategy QueueStrategy, eligible func(*runtime.Class) (bool, string)) *heapArchiver {
	ha := &heapArchiver{
		heap:        heap,
		layout:      heap.Layout(),
		strategy:    strategy,
		eligible:    eligible,
		offsets:     make(map[*runtime.Object]uint32),
		rootIndex:   make(map[*runtime.Object]int32),
		noQueueRoot: -1,
	}
	// Offset 0 is the null reference.
	ha.buf.pad(entityAlign)
	return ha
}

// recomputed reports whether o is the no-op queue and is written as a
// marker rather than copied.
func (ha *heapArchiver) recomputed(o *runtime.Object) bool {
	return ha.strategy == QueueRecompute && ha.heap.IsNoQueue(o)
}

// archiveRoot archives o's subgraph and returns its root index, or -1 when
// the subgraph cannot be archived.
func (ha *heapArchiver) archiveRoot(o *runtime.Object) int32 {
	if o == nil {
		return -1
	}
	if idx, ok := ha.rootIndex[o]; ok {
		return idx
	}
	if ha.strategy == QueueArchiveSingleton && ha.noQueueRoot < 0 && ha.heap.HasNoQueue() {
		// The singleton always gets the first root so that every consumer
		// adopts it before any other archived object is materialized.
		q := ha.heap.NoQueue()
		if err := ha.copySubgraph(q); err != nil {
			heapLog.Warningf("no-op queue not archived: %v", err)
		} else {
			ha.noQueueRoot = ha.addRoot(q)
		}
	}
	if err := ha.copySubgraph(o); err != nil {
		ha.rejected = append(ha.rejected, fmt.Sprintf("%s: %v", o, err))
		heapLog.Warningf("heap root %s not archived: %v", o, err)
		return -1
	}
	return ha.addRoot(o)
}

func (ha *heapArchiver) addRoot(o *runtime.Object) int32 {
	idx := int32(len(ha.roots))
	ha.roots = append(ha.roots, ha.offsets[o])
	ha.rootIndex[o] = idx
	return idx
}

// collect returns the objects reachable from o that are not archived yet,
// in depth-first preorder.
func (ha *heapArchiver) collect(o *runtime.Object) []*runtime.Object {
	var order []*runtime.Object
	seen := make(map[*runtime.Object]struct{})
	var walk func(o *runtime.Object)
	walk = func(o *runtime.Object) {
		if o == nil {
			return
		}
		if _, done := ha.offsets[o]; done {
			return
		}
		if _, ok := seen[o]; ok {
			return
		}
		if ha.recomputed(o) {
			return
		}
		seen[o] = struct{}{}
		order = append(order, o)
		o.ForEachRef(func(_ int, ref *runtime.Object) {
			walk(ref)
		})
	}
	walk(o)
	return order
}

func (ha *heapArchiver) copySubgraph(o *runtime.Object) error {
	if ha.recomputed(o) {
		return fmt.Errorf("the no-op queue is recomputed, not archived")
	}
	objs := ha.collect(o)

	// Validate the whole subgraph before writing anything.
	for _, obj := range objs {
		if size := heapObjectSize(obj); size > uint64(ha.layout.RegionSize) {
			return fmt.Errorf("%s needs %d bytes, heap region size is %d", obj, size, ha.layout.RegionSize)
		}
		// The object header stores the field count in 16 bits.
		if n := len(obj.Fields); n > math.MaxUint16 {
			return fmt.Errorf("%s has %d fields, at most %d can be archived", obj, n, math.MaxUint16)
		}
		for _, k := range []*runtime.Class{obj.Klass, obj.Meta} {
			if k == nil {
				continue
			}
			if ok, why := ha.eligible(k); !ok {
				return fmt.Errorf("%s has ineligible class: %s", obj, why)
			}
		}
	}

	// Place, keeping each object inside one heap region.
	region := uint64(ha.layout.RegionSize)
	next := uint64(ha.buf.Len())
	for _, obj := range objs {
		next = alignUp(next, uint64(ha.layout.Alignment))
		size := heapObjectSize(obj)
		if next%region+size > region {
			next = alignUp(next, region)
		}
		ha.offsets[obj] = uint32(next)
		next += size
	}

	for _, obj := range objs {
		ha.writeObject(obj)
	}
	return nil
}

func (ha *heapArchiver) writeObject(o *runtime.Object) {
	off := ha.offsets[o]
	if gap := int(off) - ha.buf.Len(); gap > 0 {
		ha.buf.pad(gap)
	}
	ha.objects = append(ha.objects, off)

	var flags uint8
	if o.Interned {
		flags |= heapFlagInterned
	}
	ha.buf.u8(uint8(o.Kind))
	ha.buf.u8(flags)
	ha.buf.u16(uint16(len(o.Fields)))
	ha.buf.u32(uint32(len(o.Str)))

	ha.metaWord(off, o.Klass)
	ha.metaWord(off, o.Meta)

	for _, v := range o.Fields {
		switch v.Kind() {
		case runtime.ValueInt:
			ha.buf.u8(fieldInt)
			ha.buf.pad(7)
			ha.buf.u64(uint64(v.Int()))
		case runtime.ValueRef:
			if ha.recomputed(v.Ref()) {
				ha.buf.u8(fieldNoQueue)
				ha.buf.pad(15)
				continue
			}
			ha.buf.u8(fieldRef)
			ha.buf.pad(7)
			ha.buf.u64(uint64(ha.offsets[v.Ref()]))
		default:
			ha.buf.u8(fieldNil)
			ha.buf.pad(15)
		}
	}
	ha.buf.b = append(ha.buf.b, o.Str...)
	ha.buf.alignTo(int(off), 8)
}

func (ha *heapArchiver) metaWord(owner uint32, k *runtime.Class) {
	if k != nil {
		ha.ptrs = append(ha.ptrs, heapPtr{owner: owner, field: uint32(ha.buf.Len()), target: k})
		ha.klasses = append(ha.klasses, k)
	}
	ha.buf.u64(NullWord)
}

// drainKlasses returns and clears the pending class list.
func (ha *heapArchiver) drainKlasses() []*runtime.Class {
	ks := ha.klasses
	ha.klasses = nil
	return ks
}
