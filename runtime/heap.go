package runtime

import (
	"errors"
	"sync"
)

// ---------------------------------------------------------------------------
// Heap layout
// ---------------------------------------------------------------------------

// Layout describes the heap configuration that archived heap objects depend
// on. Archived heap data is only reusable when the consuming heap's layout is
// Compatible with the one recorded at assembly.
type Layout struct {
	RegionSize     uint32
	Alignment      uint32
	CompressedRefs bool
}

// DefaultLayout is the layout used when none is configured.
var DefaultLayout = Layout{
	RegionSize:     1 << 20,
	Alignment:      8,
	CompressedRefs: true,
}

// Compatible reports whether objects laid out for l can be reused by other.
func (l Layout) Compatible(other Layout) bool {
	return l.RegionSize == other.RegionSize &&
		l.Alignment == other.Alignment &&
		l.CompressedRefs == other.CompressedRefs
}

// ErrNoQueueConflict is returned when adopting an archived no-op queue into a
// heap that already materialized its own.
var ErrNoQueueConflict = errors.New("heap already has a different no-op queue")

// WellKnown holds the boot classes the heap needs to allocate its own
// objects. The runtime fills it in during bootstrap.
type WellKnown struct {
	Object    *Class
	String    *Class
	Integer   *Class
	Class     *Class
	Module    *Class
	Loader    *Class
	WeakRef   *Class
	Queue     *Class
	NullQueue *Class
	Array     *Class
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap is a small mark-sweep heap. All mutation goes through its methods.
type Heap struct {
	mu sync.Mutex

	layout    Layout
	archiving bool
	known     WellKnown

	nextID  uint64
	objects map[*Object]struct{}
	roots   map[*Object]int

	archivedRoots []*Object
	interned      map[string]*Object
	noQueue       *Object

	lastGC GCStats
	gcs    int
}

// NewHeap creates an empty heap. archiving enables writing archived heap
// objects when the layout also supports it.
func NewHeap(layout Layout, archiving bool) *Heap {
	if layout.Alignment == 0 {
		layout.Alignment = DefaultLayout.Alignment
	}
	if layout.RegionSize == 0 {
		layout.RegionSize = DefaultLayout.RegionSize
	}
	return &Heap{
		layout:    layout,
		archiving: archiving,
		objects:   make(map[*Object]struct{}),
		roots:     make(map[*Object]int),
		interned:  make(map[string]*Object),
	}
}

// Layout returns the heap layout.
func (h *Heap) Layout() Layout {
	return h.layout
}

// CanArchiveHeapObjects reports whether heap objects may be written into an
// archive in the current configuration. Uncompressed references are not
// supported by the archived heap format.
func (h *Heap) CanArchiveHeapObjects() bool {
	return h.archiving && h.layout.CompressedRefs
}

// SetWellKnown installs the bootstrapped classes.
func (h *Heap) SetWellKnown(wk WellKnown) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.known = wk
	if h.noQueue != nil && h.noQueue.Klass == nil {
		h.noQueue.Klass = wk.NullQueue
	}
}

// WellKnown returns the bootstrapped classes.
func (h *Heap) WellKnown() WellKnown {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.known
}

// Len returns the number of live objects.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

// Contains reports whether o is live in this heap.
func (h *Heap) Contains(o *Object) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.objects[o]
	return ok
}

func (h *Heap) allocLocked(kind ObjectKind, klass *Class, nfields int) *Object {
	h.nextID++
	o := &Object{
		id:     h.nextID,
		Kind:   kind,
		Klass:  klass,
		Fields: make([]Value, nfields),
	}
	h.objects[o] = struct{}{}
	return o
}

// New allocates an instance of klass with nfields slots.
func (h *Heap) New(klass *Class, nfields int) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(ObjectInstance, klass, nfields)
}

// NewString allocates a (non-interned) string.
func (h *Heap) NewString(s string) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	o := h.allocLocked(ObjectString, h.known.String, 0)
	o.Str = s
	return o
}

// Intern returns the canonical string object for s.
func (h *Heap) Intern(s string) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o, ok := h.interned[s]; ok {
		return o
	}
	o := h.allocLocked(ObjectString, h.known.String, 0)
	o.Str = s
	o.Interned = true
	h.interned[s] = o
	return o
}

// NewBoxed allocates a boxed integer.
func (h *Heap) NewBoxed(i int64) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	o := h.allocLocked(ObjectBoxed, h.known.Integer, 1)
	o.Fields[0] = IntValue(i)
	return o
}

// NewArray allocates an array of n elements.
func (h *Heap) NewArray(n int) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(ObjectArray, h.known.Array, n)
}

// NewMirror allocates the class mirror holding k's static fields.
func (h *Heap) NewMirror(k *Class, nstatics int) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	o := h.allocLocked(ObjectMirror, h.known.Class, nstatics)
	o.Meta = k
	return o
}

// NewModuleObject allocates the heap object of a named or unnamed module.
func (h *Heap) NewModuleObject(name string) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	o := h.allocLocked(ObjectModule, h.known.Module, 0)
	o.Str = name
	return o
}

// NewLoaderObject allocates the heap object of a class loader.
func (h *Heap) NewLoaderObject(name string) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	o := h.allocLocked(ObjectLoader, h.known.Loader, 0)
	o.Str = name
	return o
}

// Adopt registers an object built outside the allocator (an archived
// object being materialized) and assigns it a fresh identity.
func (h *Heap) Adopt(o *Object) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	o.id = h.nextID
	h.objects[o] = struct{}{}
	if o.Kind == ObjectString && o.Interned {
		if _, ok := h.interned[o.Str]; !ok {
			h.interned[o.Str] = o
		} else {
			// The consumer interned this content first; the archived copy
			// stays a plain string and references to it are not canonical.
			o.Interned = false
		}
	}
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// AddRoot pins o as a strong root. Roots are reference counted.
func (h *Heap) AddRoot(o *Object) {
	if o == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roots[o]++
}

// RemoveRoot releases one pin on o.
func (h *Heap) RemoveRoot(o *Object) {
	if o == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := h.roots[o]; n > 1 {
		h.roots[o] = n - 1
	} else {
		delete(h.roots, o)
	}
}

// RegisterArchivedRoots appends objs to the archived-root registry and
// returns the index of the first one.
func (h *Heap) RegisterArchivedRoots(objs []*Object) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	base := len(h.archivedRoots)
	h.archivedRoots = append(h.archivedRoots, objs...)
	return base
}

// ArchivedRoot returns registry slot i, or nil when out of range or cleared.
func (h *Heap) ArchivedRoot(i int) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.archivedRoots) {
		return nil
	}
	return h.archivedRoots[i]
}

// ClearArchivedRoot drops registry slot i so the object can die once its
// new owner lets go of it.
func (h *Heap) ClearArchivedRoot(i int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= 0 && i < len(h.archivedRoots) {
		h.archivedRoots[i] = nil
	}
}

// ArchivedRootCount returns the registry size.
func (h *Heap) ArchivedRootCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.archivedRoots)
}
