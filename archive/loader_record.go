package archive

import (
	"github.com/chazu/aotcache/closure"
	"github.com/chazu/aotcache/runtime"
	"github.com/chazu/aotcache/training"
)

// LoaderRecord is the archived state of one class loader: the packages,
// modules and classes it defined and its heap object. Boot, platform and
// app records are singletons; custom records are keyed by AOT identity.
type LoaderRecord struct {
	Kind        runtime.LoaderKind
	AOTIdentity string

	Packages []*runtime.Package
	Modules  []*runtime.Module
	Unnamed  *runtime.Module
	Classes  []*runtime.Class
	Object   *runtime.Object
}

func newLoaderRecord(cld *runtime.ClassLoaderData) *LoaderRecord {
	return &LoaderRecord{
		Kind:        cld.Kind,
		AOTIdentity: cld.AOTIdentity,
		Packages:    append([]*runtime.Package(nil), cld.Packages...),
		Modules:     append([]*runtime.Module(nil), cld.Modules...),
		Unnamed:     cld.Unnamed,
		Classes:     cld.Classes(),
		Object:      cld.Object,
	}
}

// LoaderIdentity returns the identity of the loader the record belongs to,
// matching runtime.ClassLoaderData.Identity.
func (r *LoaderRecord) LoaderIdentity() string {
	if r.Kind == runtime.LoaderCustom {
		return "custom:" + r.AOTIdentity
	}
	return r.Kind.String()
}

func (r *LoaderRecord) ArchiveKind() closure.Kind { return closure.KindLoaderRecord }

func (r *LoaderRecord) ArchiveIdentity() string {
	return "loader/" + r.LoaderIdentity()
}

func (r *LoaderRecord) ArchiveMutable() bool { return true }

func (r *LoaderRecord) IteratePointers(fn closure.PointerFunc) {
	closure.VisitSlice(fn, r.Packages)
	closure.VisitSlice(fn, r.Modules)
	closure.Visit(fn, r.Unnamed)
	closure.VisitSlice(fn, r.Classes)
}

func (r *LoaderRecord) Serialize(c closure.Closure) {
	kind := uint8(r.Kind)
	c.DoU8(&kind)
	r.Kind = runtime.LoaderKind(kind)
	c.DoString(&r.AOTIdentity)

	closure.PtrSlice(c, &r.Packages)
	closure.PtrSlice(c, &r.Modules)
	closure.Ptr(c, &r.Unnamed)
	closure.PtrSlice(c, &r.Classes)
	closure.Heap(c, &r.Object)
}

// compact drops entries that were excluded at assembly and read back as
// nil.
func (r *LoaderRecord) compact() {
	r.Packages = dropNil(r.Packages)
	r.Modules = dropNil(r.Modules)
	r.Classes = dropNil(r.Classes)
}

func dropNil[T comparable](xs []T) []T {
	var zero T
	out := xs[:0]
	for _, x := range xs {
		if x != zero {
			out = append(out, x)
		}
	}
	return out
}

// RegisterKinds adds every archivable constructor an image may contain.
func RegisterKinds(f *closure.Factory) {
	runtime.RegisterKinds(f)
	training.RegisterKinds(f)
	f.Register(closure.KindLoaderRecord, func() closure.Archivable { return &LoaderRecord{} })
}
