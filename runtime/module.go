package runtime

import "github.com/chazu/aotcache/closure"

// ---------------------------------------------------------------------------
// Modules and packages
// ---------------------------------------------------------------------------

// Module is a named or unnamed module of a class loader. Mirror is the
// module's heap object.
type Module struct {
	Name    *Symbol
	Version string
	Open    bool

	Mirror *Object
	Loader *ClassLoaderData
}

// IsNamed reports whether m is a named module.
func (m *Module) IsNamed() bool {
	return m.Name != nil
}

func (m *Module) String() string {
	if !m.IsNamed() {
		return "unnamed module of " + loaderIdentity(m.Loader)
	}
	return m.Name.String()
}

func (m *Module) ArchiveKind() closure.Kind { return closure.KindModule }

func (m *Module) ArchiveIdentity() string {
	name := "<unnamed>"
	if m.IsNamed() {
		name = m.Name.String()
	}
	return loaderIdentity(m.Loader) + "/module/" + name
}

func (m *Module) ArchiveMutable() bool { return true }

func (m *Module) IteratePointers(fn closure.PointerFunc) {
	closure.Visit(fn, m.Name)
}

func (m *Module) Serialize(c closure.Closure) {
	closure.Ptr(c, &m.Name)
	c.DoString(&m.Version)
	c.DoBool(&m.Open)
	closure.Heap(c, &m.Mirror)
}

// Package is a runtime package: a name within a loader, owned by a module.
type Package struct {
	Name   *Symbol
	Module *Module

	// ProtectionDomain identifies the code source shared by the package's
	// classes. Empty until the first class is defined in it.
	ProtectionDomain string

	Loader *ClassLoaderData
}

func (p *Package) String() string {
	return p.Name.String()
}

func (p *Package) ArchiveKind() closure.Kind { return closure.KindPackage }

func (p *Package) ArchiveIdentity() string {
	return loaderIdentity(p.Loader) + "/package/" + p.Name.String()
}

func (p *Package) ArchiveMutable() bool { return true }

func (p *Package) IteratePointers(fn closure.PointerFunc) {
	closure.Visit(fn, p.Name)
	closure.Visit(fn, p.Module)
}

func (p *Package) Serialize(c closure.Closure) {
	closure.Ptr(c, &p.Name)
	closure.Ptr(c, &p.Module)
	c.DoString(&p.ProtectionDomain)
}
