// Package closure defines the serialization closure protocol shared by every
// archivable subsystem. An archivable type declares its pointer fields once,
// through IteratePointers for discovery and through Serialize for reading and
// writing, and the archive builder needs no per-type knowledge beyond that.
package closure

import "fmt"

// ---------------------------------------------------------------------------
// Kinds
// ---------------------------------------------------------------------------

// Kind tags the concrete type of an archived entity. The value is stored in
// every entity header, so existing values must never be renumbered.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindSymbol
	KindClass
	KindMethod
	KindLoaderRecord
	KindModule
	KindPackage
	KindTrainingRecord
	KindTrainingSchedule
	kindCount
)

var kindNames = [...]string{
	KindInvalid:          "invalid",
	KindSymbol:           "symbol",
	KindClass:            "class",
	KindMethod:           "method",
	KindLoaderRecord:     "loader",
	KindModule:           "module",
	KindPackage:          "package",
	KindTrainingRecord:   "training-record",
	KindTrainingSchedule: "training-schedule",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k names a known entity kind.
func (k Kind) Valid() bool {
	return k > KindInvalid && k < kindCount
}

// ---------------------------------------------------------------------------
// Archivable
// ---------------------------------------------------------------------------

// Archivable is implemented by every type that can be placed in an archive.
//
// IteratePointers and Serialize must agree: every pointer passed to the
// iterator must be visited by Serialize through DoPtr, in any order, and
// vice versa. Serialize must visit fields in the same order when reading
// and when writing.
type Archivable interface {
	ArchiveKind() Kind

	// ArchiveIdentity is stable across runs and unique within a kind. It is
	// used to deduplicate entities reached along different paths.
	ArchiveIdentity() string

	IteratePointers(fn PointerFunc)
	Serialize(c Closure)
}

// PointerFunc receives each non-nil pointer target of an entity.
type PointerFunc func(target Archivable)

// Mutable is implemented by entities that must stay writable after the image
// is restored (status bytes, claim flags). They are placed in the read-write
// region; everything else goes to the read-only region.
type Mutable interface {
	ArchiveMutable() bool
}

// IsMutable reports whether a belongs in the read-write region.
func IsMutable(a Archivable) bool {
	m, ok := a.(Mutable)
	return ok && m.ArchiveMutable()
}

// HeapObject is a garbage-collected object referenced from metadata. Heap
// references are not relocated like metadata pointers; the archive replaces
// them with root indices.
type HeapObject interface {
	HeapID() uint64
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// Closure visits the fields of one entity. In writing mode each Do method
// reads the current field value into the stream; in reading mode it stores
// the stream value into the field.
type Closure interface {
	Reading() bool

	DoU8(p *uint8)
	DoU16(p *uint16)
	DoU32(p *uint32)
	DoI32(p *int32)
	DoU64(p *uint64)
	DoI64(p *int64)
	DoBool(p *bool)
	DoBytes(p *[]byte)
	DoString(p *string)

	DoPtr(s Slot)
	DoHeap(s HeapSlot)
}

// Slot is a typed pointer field seen through the Archivable interface.
type Slot interface {
	Get() Archivable
	Set(a Archivable)
}

// HeapSlot is a typed heap-reference field.
type HeapSlot interface {
	Get() HeapObject
	Set(o HeapObject)
}

type ptrSlot[T Archivable] struct {
	p *T
}

func (s ptrSlot[T]) Get() Archivable {
	var zero T
	v := *s.p
	if any(v) == any(zero) {
		return nil
	}
	return v
}

func (s ptrSlot[T]) Set(a Archivable) {
	if a == nil {
		var zero T
		*s.p = zero
		return
	}
	v, ok := a.(T)
	if !ok {
		panic(fmt.Sprintf("closure: cannot store %T in %T field", a, *s.p))
	}
	*s.p = v
}

type heapSlot[T HeapObject] struct {
	p *T
}

func (s heapSlot[T]) Get() HeapObject {
	var zero T
	v := *s.p
	if any(v) == any(zero) {
		return nil
	}
	return v
}

func (s heapSlot[T]) Set(o HeapObject) {
	if o == nil {
		var zero T
		*s.p = zero
		return
	}
	v, ok := o.(T)
	if !ok {
		panic(fmt.Sprintf("closure: cannot store %T in %T field", o, *s.p))
	}
	*s.p = v
}

// Ptr visits a single pointer field.
func Ptr[T Archivable](c Closure, p *T) {
	c.DoPtr(ptrSlot[T]{p: p})
}

// PtrSlice visits a length-prefixed slice of pointers.
func PtrSlice[T Archivable](c Closure, p *[]T) {
	n := uint32(len(*p))
	c.DoU32(&n)
	if c.Reading() {
		*p = make([]T, n)
	}
	for i := range *p {
		Ptr(c, &(*p)[i])
	}
}

// Heap visits a heap-reference field.
func Heap[T HeapObject](c Closure, p *T) {
	c.DoHeap(heapSlot[T]{p: p})
}

// Visit calls fn on target when target is non-nil. It is the usual body of
// an IteratePointers implementation.
func Visit[T Archivable](fn PointerFunc, target T) {
	var zero T
	if any(target) == any(zero) {
		return
	}
	fn(target)
}

// VisitSlice calls Visit for every element.
func VisitSlice[T Archivable](fn PointerFunc, targets []T) {
	for _, t := range targets {
		Visit(fn, t)
	}
}
