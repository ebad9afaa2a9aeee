package archive

import (
	"fmt"

	"github.com/chazu/aotcache/closure"
	"github.com/chazu/aotcache/runtime"
	"github.com/chazu/aotcache/training"
)

// ---------------------------------------------------------------------------
// Decoder: entities out of a relocated image
// ---------------------------------------------------------------------------

// decoder turns handles into live entities. Each handle is decoded once;
// the entity is memoized before its fields are read so cycles resolve to
// the same object.
type decoder struct {
	img     *Image
	factory *closure.Factory
	symbols *runtime.SymbolTable

	// heapRef maps a root index to a heap object, or nil.
	heapRef func(idx int32) *runtime.Object

	memo map[Handle]closure.Archivable
}

func newDecoder(img *Image, symbols *runtime.SymbolTable, heapRef func(int32) *runtime.Object) *decoder {
	f := closure.NewFactory()
	RegisterKinds(f)
	if heapRef == nil {
		heapRef = func(int32) *runtime.Object { return nil }
	}
	return &decoder{
		img:     img,
		factory: f,
		symbols: symbols,
		heapRef: heapRef,
		memo:    make(map[Handle]closure.Archivable),
	}
}

func (d *decoder) decode(h Handle) (closure.Archivable, error) {
	if a, ok := d.memo[h]; ok {
		return a, nil
	}
	kind, data, err := d.img.entityAt(h)
	if err != nil {
		return nil, err
	}
	a, err := d.factory.New(closure.Kind(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: entity at %s: %v", ErrCorrupt, h, err)
	}
	d.memo[h] = a

	r := &entityReader{d: d, r: reader{b: data, off: entityHeaderSize}}
	a.Serialize(r)
	r.r.alignTo(0, entityAlign)
	if r.err == nil && r.r.err != nil {
		r.err = r.r.err
	}
	if r.err == nil && r.r.off != len(data) {
		r.err = fmt.Errorf("%w: %s at %s has %d unread bytes", ErrCorrupt, closure.Kind(kind), h, len(data)-r.r.off)
	}
	if r.err != nil {
		delete(d.memo, h)
		return nil, r.err
	}

	a = d.finish(a)
	d.memo[h] = a
	return a, nil
}

// finish adjusts a freshly read entity to the consuming process.
func (d *decoder) finish(a closure.Archivable) closure.Archivable {
	switch e := a.(type) {
	case *runtime.Symbol:
		if d.symbols != nil {
			return d.symbols.Canonical(e)
		}
	case *runtime.Class:
		// Without its mirror the class has to run its initializer again.
		if e.Status == runtime.StatusInitialized && e.Mirror == nil {
			e.Status = runtime.StatusLinked
		}
	case *LoaderRecord:
		e.compact()
	case *training.Schedule:
		e.Records = dropNil(e.Records)
	}
	return a
}

// decodeAs decodes h and checks its type.
func decodeAs[T closure.Archivable](d *decoder, h Handle) (T, error) {
	var zero T
	a, err := d.decode(h)
	if err != nil {
		return zero, err
	}
	t, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("%w: entity at %s is %s, want %T", ErrCorrupt, h, a.ArchiveKind(), zero)
	}
	return t, nil
}

// decodeWord decodes the target of a relocated pointer word.
func (d *decoder) decodeWord(word uint64) (closure.Archivable, error) {
	if word == NullWord || word == NotArchivedWord {
		return nil, nil
	}
	h, ok := d.img.Resolver.Resolve(word)
	if !ok {
		return nil, fmt.Errorf("%w: pointer %#x outside every region", ErrCorrupt, word)
	}
	return d.decode(h)
}

// ---------------------------------------------------------------------------
// entityReader: the reading closure
// ---------------------------------------------------------------------------

type entityReader struct {
	d   *decoder
	r   reader
	err error
}

func (e *entityReader) Reading() bool { return true }

func (e *entityReader) DoU8(p *uint8)   { *p = e.r.u8() }
func (e *entityReader) DoU16(p *uint16) { *p = e.r.u16() }
func (e *entityReader) DoU32(p *uint32) { *p = e.r.u32() }
func (e *entityReader) DoI32(p *int32)  { *p = int32(e.r.u32()) }
func (e *entityReader) DoU64(p *uint64) { *p = e.r.u64() }
func (e *entityReader) DoI64(p *int64)  { *p = int64(e.r.u64()) }
func (e *entityReader) DoBool(p *bool)  { *p = e.r.u8() != 0 }

func (e *entityReader) DoBytes(p *[]byte)  { *p = e.r.bytes() }
func (e *entityReader) DoString(p *string) { *p = e.r.str() }

func (e *entityReader) DoPtr(s closure.Slot) {
	e.r.alignTo(0, entityAlign)
	word := e.r.u64()
	if e.err != nil || e.r.err != nil {
		s.Set(nil)
		return
	}
	target, err := e.d.decodeWord(word)
	if err != nil {
		e.err = err
		s.Set(nil)
		return
	}
	if err := setSlot(s, target); err != nil {
		e.err = err
	}
}

func (e *entityReader) DoHeap(s closure.HeapSlot) {
	idx := int32(e.r.u32())
	if e.r.err != nil {
		return
	}
	if o := e.d.heapRef(idx); o != nil {
		s.Set(o)
		return
	}
	s.Set(nil)
}

func setSlot(s closure.Slot, a closure.Archivable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()
	s.Set(a)
	return nil
}
