package runtime

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// ClassLoaderData
// ---------------------------------------------------------------------------

// LoaderKind identifies the built-in loaders; everything else is custom.
type LoaderKind uint8

const (
	LoaderBoot LoaderKind = iota + 1
	LoaderPlatform
	LoaderApp
	LoaderCustom
)

func (k LoaderKind) String() string {
	switch k {
	case LoaderBoot:
		return "boot"
	case LoaderPlatform:
		return "platform"
	case LoaderApp:
		return "app"
	case LoaderCustom:
		return "custom"
	}
	return fmt.Sprintf("loader-kind(%d)", uint8(k))
}

// ClassLoaderData is the runtime state of one class-loading context: its
// class dictionary and its package and module tables.
type ClassLoaderData struct {
	Kind LoaderKind
	Name string

	// AOTIdentity is the stable key of a custom loader across runs. Custom
	// loaders without one cannot be archived.
	AOTIdentity string

	Parent *ClassLoaderData
	Object *Object

	mu         sync.Mutex
	classes    map[string]*Class
	classOrder []*Class

	// Packages, Modules and Unnamed are nil until the module system or an
	// archive attaches them.
	Packages []*Package
	Modules  []*Module
	Unnamed  *Module

	// MustReconstruct is set when archived heap objects of this loader were
	// declined and have to be rebuilt on first use.
	MustReconstruct bool
}

// NewClassLoaderData creates an empty loader.
func NewClassLoaderData(kind LoaderKind, name, aotIdentity string, parent *ClassLoaderData) *ClassLoaderData {
	return &ClassLoaderData{
		Kind:        kind,
		Name:        name,
		AOTIdentity: aotIdentity,
		Parent:      parent,
		classes:     make(map[string]*Class),
	}
}

// Identity returns the key used to match this loader across runs.
func (cld *ClassLoaderData) Identity() string {
	if cld.Kind == LoaderCustom {
		return "custom:" + cld.AOTIdentity
	}
	return cld.Kind.String()
}

func (cld *ClassLoaderData) String() string {
	if cld.Name != "" {
		return cld.Name
	}
	return cld.Identity()
}

// Class returns the class named name defined by this loader.
func (cld *ClassLoaderData) Class(name string) (*Class, bool) {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	k, ok := cld.classes[name]
	return k, ok
}

// Classes returns the loader's classes in definition order.
func (cld *ClassLoaderData) Classes() []*Class {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	out := make([]*Class, len(cld.classOrder))
	copy(out, cld.classOrder)
	return out
}

// AddClass records k in the dictionary and makes cld its loader.
func (cld *ClassLoaderData) AddClass(k *Class) error {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	name := k.Name.String()
	if _, dup := cld.classes[name]; dup {
		return fmt.Errorf("%w: %s in %s", ErrDuplicateClass, name, cld)
	}
	k.Loader = cld
	cld.classes[name] = k
	cld.classOrder = append(cld.classOrder, k)
	return nil
}

// HasNonStrongHidden reports whether the loader hosts a hidden class that
// is not strongly tied to it.
func (cld *ClassLoaderData) HasNonStrongHidden() bool {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	for _, k := range cld.classOrder {
		if k.IsHidden() && !k.IsStrongHidden() {
			return true
		}
	}
	return false
}

// Package returns the package named name.
func (cld *ClassLoaderData) Package(name string) (*Package, bool) {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	for _, p := range cld.Packages {
		if p.Name.String() == name {
			return p, true
		}
	}
	return nil, false
}

// Module returns the named module name.
func (cld *ClassLoaderData) Module(name string) (*Module, bool) {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	for _, m := range cld.Modules {
		if m.IsNamed() && m.Name.String() == name {
			return m, true
		}
	}
	return nil, false
}

// EnsureTables makes the package and module tables non-nil.
func (cld *ClassLoaderData) EnsureTables() {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	if cld.Packages == nil {
		cld.Packages = []*Package{}
	}
	if cld.Modules == nil {
		cld.Modules = []*Module{}
	}
}

// TablesAttached reports whether package and module tables exist.
func (cld *ClassLoaderData) TablesAttached() bool {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	return cld.Packages != nil && cld.Modules != nil
}

func (cld *ClassLoaderData) addPackage(p *Package) {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	p.Loader = cld
	cld.Packages = append(cld.Packages, p)
}

func (cld *ClassLoaderData) addModule(m *Module) {
	cld.mu.Lock()
	defer cld.mu.Unlock()
	m.Loader = cld
	cld.Modules = append(cld.Modules, m)
}

// AttachTables merges archived package and module tables into the loader.
// Entries whose name already exists keep the live instance.
func (cld *ClassLoaderData) AttachTables(packages []*Package, modules []*Module, unnamed *Module) {
	cld.EnsureTables()
	for _, m := range modules {
		if !m.IsNamed() {
			continue
		}
		if _, ok := cld.Module(m.Name.String()); !ok {
			cld.addModule(m)
		}
	}
	cld.mu.Lock()
	if cld.Unnamed == nil && unnamed != nil {
		unnamed.Loader = cld
		cld.Unnamed = unnamed
	}
	live := cld.Unnamed
	cld.mu.Unlock()

	for _, p := range packages {
		if _, ok := cld.Package(p.Name.String()); ok {
			continue
		}
		switch {
		case p.Module == nil || !p.Module.IsNamed():
			p.Module = live
		default:
			if m, ok := cld.Module(p.Module.Name.String()); ok {
				p.Module = m
			}
		}
		cld.addPackage(p)
	}
}
