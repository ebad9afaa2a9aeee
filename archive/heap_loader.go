package archive

import (
	"fmt"

	"github.com/chazu/aotcache/runtime"
)

// ---------------------------------------------------------------------------
// Heap materialization
// ---------------------------------------------------------------------------

// archivedObject is an object read from the heap region whose metadata
// pointers are not resolved yet.
type archivedObject struct {
	obj       *runtime.Object
	klassWord uint64
	metaWord  uint64
}

// materializeHeap creates a live object for every archived one and links
// their fields. Klass pointers are left for linkKlasses, because resolving
// them decodes classes whose mirrors are among these objects.
func materializeHeap(img *Image, heap *runtime.Heap) ([]archivedObject, []*runtime.Object, error) {
	hp := img.Regions[RegionHeap]
	strategy := img.Header.QueueStrategy

	byOffset := make(map[uint32]*runtime.Object, len(img.HeapObjects))
	objs := make([]archivedObject, 0, len(img.HeapObjects))
	for _, off := range img.HeapObjects {
		if int(off)+heapObjectHeaderSize > len(hp) {
			return nil, nil, fmt.Errorf("%w: heap object at %#x overruns region", ErrCorrupt, off)
		}
		p := hp[off:]
		nfields := int(ReadUint16(p[2:]))
		strLen := int(ReadUint32(p[4:]))
		end := int(off) + heapObjectHeaderSize + heapFieldSize*nfields + strLen
		if end > len(hp) {
			return nil, nil, fmt.Errorf("%w: heap object at %#x overruns region", ErrCorrupt, off)
		}
		o := &runtime.Object{
			Kind:     runtime.ObjectKind(p[0]),
			Fields:   make([]runtime.Value, nfields),
			Archived: true,
			Interned: p[1]&heapFlagInterned != 0,
		}
		strStart := heapObjectHeaderSize + heapFieldSize*nfields
		o.Str = string(p[strStart : strStart+strLen])
		byOffset[off] = o
		objs = append(objs, archivedObject{obj: o, klassWord: ReadUint64(p[8:]), metaWord: ReadUint64(p[16:])})
	}

	roots := make([]*runtime.Object, len(img.HeapRoots))
	for i, off := range img.HeapRoots {
		o, ok := byOffset[off]
		if !ok {
			return nil, nil, fmt.Errorf("%w: heap root %d at %#x is not an object", ErrCorrupt, i, off)
		}
		roots[i] = o
	}

	// The archived singleton has to be adopted before anything can refer
	// to a freshly created one.
	if strategy == QueueArchiveSingleton && img.Header.NoQueueRoot >= 0 {
		if int(img.Header.NoQueueRoot) >= len(roots) {
			return nil, nil, fmt.Errorf("%w: no-op queue root %d out of range", ErrCorrupt, img.Header.NoQueueRoot)
		}
		if err := heap.AdoptNoQueue(roots[img.Header.NoQueueRoot]); err != nil {
			return nil, nil, err
		}
	}

	for i, off := range img.HeapObjects {
		o := objs[i].obj
		fields := hp[off+heapObjectHeaderSize:]
		for f := range o.Fields {
			slot := fields[heapFieldSize*f:]
			payload := ReadUint64(slot[8:])
			switch slot[0] {
			case fieldNil:
			case fieldInt:
				o.Fields[f] = runtime.IntValue(int64(payload))
			case fieldRef:
				target, ok := byOffset[uint32(payload)]
				if !ok {
					return nil, nil, fmt.Errorf("%w: heap object at %#x field %d points at %#x", ErrCorrupt, off, f, payload)
				}
				o.Fields[f] = runtime.RefValue(target)
			case fieldNoQueue:
				o.Fields[f] = runtime.RefValue(heap.NoQueue())
			default:
				return nil, nil, fmt.Errorf("%w: heap object at %#x field %d has tag %d", ErrCorrupt, off, f, slot[0])
			}
		}
	}

	for _, ao := range objs {
		heap.Adopt(ao.obj)
	}
	return objs, roots, nil
}

// linkKlasses resolves the class pointers of materialized objects.
func linkKlasses(d *decoder, objs []archivedObject) error {
	for _, ao := range objs {
		klass, err := d.decodeWord(ao.klassWord)
		if err != nil {
			return err
		}
		if k, ok := klass.(*runtime.Class); ok {
			ao.obj.Klass = k
		}
		meta, err := d.decodeWord(ao.metaWord)
		if err != nil {
			return err
		}
		if k, ok := meta.(*runtime.Class); ok {
			ao.obj.Meta = k
		}
	}
	return nil
}
