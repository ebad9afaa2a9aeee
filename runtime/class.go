package runtime

import (
	"fmt"
	"sync"

	"github.com/chazu/aotcache/closure"
)

// ---------------------------------------------------------------------------
// Class metadata
// ---------------------------------------------------------------------------

// ClassStatus is the lifecycle state of a class.
type ClassStatus uint8

const (
	StatusLoaded ClassStatus = iota + 1
	StatusLinked
	StatusInitialized
	StatusInitError
)

func (s ClassStatus) String() string {
	switch s {
	case StatusLoaded:
		return "loaded"
	case StatusLinked:
		return "linked"
	case StatusInitialized:
		return "initialized"
	case StatusInitError:
		return "init-error"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ClassFlags are access and shape bits of a class.
type ClassFlags uint32

const (
	FlagInterface ClassFlags = 1 << iota
	FlagHidden
	// FlagStrongHidden marks a hidden class whose lifetime is tied to its
	// loader. Hidden classes without it may be unloaded independently and
	// are never archived.
	FlagStrongHidden
	FlagResourceOnly
)

// Field describes an instance or static field. Static fields live in the
// class mirror at Slot.
type Field struct {
	Name      *Symbol
	Signature *Symbol
	Static    bool
	Slot      uint16
}

// Class is loaded class metadata.
type Class struct {
	Name       *Symbol
	Super      *Class
	Package    *Package
	Fields     []Field
	Methods    []*Method
	Flags      ClassFlags
	Status     ClassStatus
	CodeSource string

	// Mirror holds the static fields once the class is initialized.
	Mirror *Object

	// Loader is re-established at restore time and never archived.
	Loader *ClassLoaderData

	// Shared is set on classes that came from an archive.
	Shared bool

	initMu sync.Mutex
}

// IsHidden reports whether the class is hidden.
func (k *Class) IsHidden() bool {
	return k.Flags&FlagHidden != 0
}

// IsStrongHidden reports whether the class is hidden but strongly tied to
// its loader.
func (k *Class) IsStrongHidden() bool {
	return k.Flags&(FlagHidden|FlagStrongHidden) == FlagHidden|FlagStrongHidden
}

// StaticCount returns the number of static fields.
func (k *Class) StaticCount() int {
	n := 0
	for _, f := range k.Fields {
		if f.Static {
			n++
		}
	}
	return n
}

// FindField returns the field named name.
func (k *Class) FindField(name string) (Field, bool) {
	for _, f := range k.Fields {
		if f.Name.String() == name {
			return f, true
		}
	}
	return Field{}, false
}

// FindMethod returns the method with the given name and signature.
func (k *Class) FindMethod(name, signature string) *Method {
	for _, m := range k.Methods {
		if m.Name.String() == name && m.Signature.String() == signature {
			return m
		}
	}
	return nil
}

// Static returns the value of static field name. The class must be
// initialized.
func (k *Class) Static(name string) (Value, error) {
	f, ok := k.FindField(name)
	if !ok || !f.Static {
		return Nil, fmt.Errorf("%w: %s.%s", ErrNoSuchField, k.Name, name)
	}
	if k.Mirror == nil {
		return Nil, fmt.Errorf("%w: %s", ErrNotInitialized, k.Name)
	}
	return k.Mirror.Fields[f.Slot], nil
}

// SetStatic stores v in static field name.
func (k *Class) SetStatic(name string, v Value) error {
	f, ok := k.FindField(name)
	if !ok || !f.Static {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchField, k.Name, name)
	}
	if k.Mirror == nil {
		return fmt.Errorf("%w: %s", ErrNotInitialized, k.Name)
	}
	k.Mirror.Fields[f.Slot] = v
	return nil
}

func (k *Class) String() string {
	return k.Name.String()
}

// ---------------------------------------------------------------------------
// Archivable
// ---------------------------------------------------------------------------

func (k *Class) ArchiveKind() closure.Kind { return closure.KindClass }

func (k *Class) ArchiveIdentity() string {
	return loaderIdentity(k.Loader) + "::" + k.Name.String()
}

// ArchiveMutable places classes in the read-write region: status and the
// mirror change after restore.
func (k *Class) ArchiveMutable() bool { return true }

func (k *Class) IteratePointers(fn closure.PointerFunc) {
	closure.Visit(fn, k.Name)
	closure.Visit(fn, k.Super)
	closure.Visit(fn, k.Package)
	for _, f := range k.Fields {
		closure.Visit(fn, f.Name)
		closure.Visit(fn, f.Signature)
	}
	closure.VisitSlice(fn, k.Methods)
}

func (k *Class) Serialize(c closure.Closure) {
	closure.Ptr(c, &k.Name)
	closure.Ptr(c, &k.Super)
	closure.Ptr(c, &k.Package)

	flags := uint32(k.Flags)
	c.DoU32(&flags)
	k.Flags = ClassFlags(flags)

	status := uint8(k.Status)
	c.DoU8(&status)
	k.Status = ClassStatus(status)

	c.DoString(&k.CodeSource)

	n := uint32(len(k.Fields))
	c.DoU32(&n)
	if c.Reading() {
		k.Fields = make([]Field, n)
	}
	for i := range k.Fields {
		f := &k.Fields[i]
		closure.Ptr(c, &f.Name)
		closure.Ptr(c, &f.Signature)
		c.DoBool(&f.Static)
		c.DoU16(&f.Slot)
	}

	closure.PtrSlice(c, &k.Methods)
	closure.Heap(c, &k.Mirror)

	if c.Reading() {
		k.Shared = true
	}
}

func loaderIdentity(cld *ClassLoaderData) string {
	if cld == nil {
		return "?"
	}
	return cld.Identity()
}
