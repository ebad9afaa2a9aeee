package runtime

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Class sources: the cold path
// ---------------------------------------------------------------------------

// InitKind selects how a static field is initialized.
type InitKind uint8

const (
	InitNone InitKind = iota
	InitInt
	InitString
	InitBoxed
	InitNewObject
	InitWeakRef
)

// StaticInit is the initial value of a static field. For InitWeakRef, Ref
// names another static field of the same class whose value becomes the
// referent.
type StaticInit struct {
	Kind InitKind
	Int  int64
	Str  string
	Ref  string
}

// FieldSource declares a field.
type FieldSource struct {
	Name       string
	Descriptor string
	Static     bool
	Init       StaticInit
}

// MethodSource declares a method.
type MethodSource struct {
	Name       string
	Descriptor string
	Flags      MethodFlags
	CodeSize   uint32
}

// ClassSource is the parsed form of a class file: everything the cold path
// needs to define, link and initialize a class.
type ClassSource struct {
	Name       string
	Super      string
	Flags      ClassFlags
	CodeSource string
	Fields     []FieldSource
	Methods    []MethodSource
}

// PackageName returns the package part of a binary class name.
func PackageName(className string) string {
	if i := strings.LastIndexByte(className, '/'); i >= 0 {
		return className[:i]
	}
	return ""
}

// ModuleSource declares a named module and the packages it owns.
type ModuleSource struct {
	Name     string
	Version  string
	Open     bool
	Packages []string
}

// defineClass parses src into a linked class of cld. Super must already be
// resolved by the caller.
func (rt *Runtime) defineClass(cld *ClassLoaderData, src *ClassSource, super *Class) (*Class, error) {
	k := &Class{
		Name:       rt.Symbols.Intern(src.Name),
		Super:      super,
		Flags:      src.Flags,
		Status:     StatusLoaded,
		CodeSource: src.CodeSource,
	}

	var slot uint16
	for _, fs := range src.Fields {
		f := Field{
			Name:      rt.Symbols.Intern(fs.Name),
			Signature: rt.Symbols.Intern(fs.Descriptor),
			Static:    fs.Static,
		}
		if fs.Static {
			f.Slot = slot
			slot++
		}
		k.Fields = append(k.Fields, f)
	}
	for _, ms := range src.Methods {
		k.Methods = append(k.Methods, &Method{
			Holder:    k,
			Name:      rt.Symbols.Intern(ms.Name),
			Signature: rt.Symbols.Intern(ms.Descriptor),
			Flags:     ms.Flags,
			CodeSize:  ms.CodeSize,
		})
	}

	if err := cld.AddClass(k); err != nil {
		return nil, err
	}
	if pkg := PackageName(src.Name); pkg != "" {
		k.Package = rt.definePackage(cld, pkg, src.CodeSource)
	}

	// Linking is trivial here; the status change is what the archive
	// path gets to skip.
	k.Status = StatusLinked
	rt.mu.Lock()
	rt.stats.ClassesParsed++
	rt.mu.Unlock()
	return k, nil
}

// definePackage returns cld's package name, creating it in the module that
// declared it, or in the loader's unnamed module.
func (rt *Runtime) definePackage(cld *ClassLoaderData, name, codeSource string) *Package {
	cld.EnsureTables()
	if p, ok := cld.Package(name); ok {
		if p.ProtectionDomain == "" {
			p.ProtectionDomain = codeSource
		}
		return p
	}

	module := rt.moduleForPackage(cld, name)
	p := &Package{
		Name:             rt.Symbols.Intern(name),
		Module:           module,
		ProtectionDomain: codeSource,
	}
	cld.addPackage(p)
	return p
}

func (rt *Runtime) moduleForPackage(cld *ClassLoaderData, pkg string) *Module {
	rt.mu.Lock()
	owner, ok := rt.packageOwners[cld.Identity()+"/"+pkg]
	var decl ModuleSource
	for _, src := range rt.modules[cld.Identity()] {
		if src.Name == owner {
			decl = src
		}
	}
	rt.mu.Unlock()
	if !ok {
		return rt.unnamedModule(cld)
	}
	if m, found := cld.Module(owner); found {
		return m
	}
	// Declared but not created yet: boot classes load before the module
	// system initializes.
	m := &Module{
		Name:    rt.Symbols.Intern(decl.Name),
		Version: decl.Version,
		Open:    decl.Open,
	}
	cld.addModule(m)
	return m
}

func (rt *Runtime) unnamedModule(cld *ClassLoaderData) *Module {
	cld.EnsureTables()
	cld.mu.Lock()
	defer cld.mu.Unlock()
	if cld.Unnamed == nil {
		cld.Unnamed = &Module{Loader: cld}
	}
	return cld.Unnamed
}

// runInitializer applies the static initial values of src to k's mirror.
func (rt *Runtime) runInitializer(k *Class, src *ClassSource) error {
	if src == nil {
		return nil
	}
	for _, fs := range src.Fields {
		if !fs.Static || fs.Init.Kind == InitNone {
			continue
		}
		v, err := rt.initialValue(k, fs.Init)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", k.Name, fs.Name, err)
		}
		if err := k.SetStatic(fs.Name, v); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) initialValue(k *Class, init StaticInit) (Value, error) {
	switch init.Kind {
	case InitInt:
		return IntValue(init.Int), nil
	case InitString:
		return RefValue(rt.Heap.Intern(init.Str)), nil
	case InitBoxed:
		return RefValue(rt.Heap.NewBoxed(init.Int)), nil
	case InitNewObject:
		return RefValue(rt.Heap.New(rt.Heap.WellKnown().Object, 0)), nil
	case InitWeakRef:
		referent, err := k.Static(init.Ref)
		if err != nil {
			return Nil, err
		}
		return RefValue(rt.Heap.NewWeakReference(referent.Ref(), nil)), nil
	}
	return Nil, fmt.Errorf("unknown initializer kind %d", init.Kind)
}
