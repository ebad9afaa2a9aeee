package runtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/aotcache/closure"
)

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// SharedClassProvider supplies archived classes to the class loader. The
// archive registry implements it once an image is attached.
type SharedClassProvider interface {
	LookupClass(cld *ClassLoaderData, name string) (*Class, bool)
}

// Config configures a Runtime.
type Config struct {
	Layout        Layout
	HeapArchiving bool
}

// Stats counts work done on the cold path, which an archive lets a run skip.
type Stats struct {
	ClassesParsed      int
	ClassesInitialized int
	ClassesShared      int
}

// Runtime ties together the symbol table, the heap and the loader graph.
// Each Runtime stands for one process.
type Runtime struct {
	Symbols *SymbolTable
	Heap    *Heap

	Boot     *ClassLoaderData
	Platform *ClassLoaderData
	App      *ClassLoaderData

	mu            sync.Mutex
	custom        []*ClassLoaderData
	sources       map[string]map[string]*ClassSource
	modules       map[string][]ModuleSource
	packageOwners map[string]string
	shared        SharedClassProvider
	moduleSystem  bool
	stats         Stats
}

// Boot class names.
const (
	ObjectClassName    = "java/lang/Object"
	StringClassName    = "java/lang/String"
	IntegerClassName   = "java/lang/Integer"
	ClassClassName     = "java/lang/Class"
	ModuleClassName    = "java/lang/Module"
	LoaderClassName    = "java/lang/ClassLoader"
	WeakRefClassName   = "java/lang/ref/WeakReference"
	QueueClassName     = "java/lang/ref/ReferenceQueue"
	NullQueueClassName = "java/lang/ref/ReferenceQueue$Null"
	ArrayClassName     = "[Ljava/lang/Object;"
	BaseModuleName     = "java.base"
)

// New creates a runtime with the built-in loaders and the boot class
// sources registered. Nothing is loaded yet.
func New(cfg Config) *Runtime {
	layout := cfg.Layout
	if layout == (Layout{}) {
		layout = DefaultLayout
	}
	rt := &Runtime{
		Symbols:       NewSymbolTable(),
		Heap:          NewHeap(layout, cfg.HeapArchiving),
		sources:       make(map[string]map[string]*ClassSource),
		modules:       make(map[string][]ModuleSource),
		packageOwners: make(map[string]string),
	}
	rt.Boot = NewClassLoaderData(LoaderBoot, "boot", "", nil)
	rt.Platform = NewClassLoaderData(LoaderPlatform, "platform", "", rt.Boot)
	rt.App = NewClassLoaderData(LoaderApp, "app", "", rt.Platform)

	rt.DefineModule(rt.Boot, ModuleSource{
		Name:     BaseModuleName,
		Packages: []string{"java/lang", "java/lang/ref"},
	})
	for _, src := range bootSources() {
		rt.DefineSource(rt.Boot, src)
	}
	return rt
}

func bootSources() []*ClassSource {
	object := &ClassSource{Name: ObjectClassName, Methods: []MethodSource{
		{Name: "<init>", Descriptor: "()V", CodeSize: 1},
		{Name: "hashCode", Descriptor: "()I", Flags: MethodNative},
	}}
	sub := func(name, super string) *ClassSource {
		return &ClassSource{Name: name, Super: super}
	}
	return []*ClassSource{
		object,
		sub(StringClassName, ObjectClassName),
		sub(IntegerClassName, ObjectClassName),
		sub(ClassClassName, ObjectClassName),
		sub(ModuleClassName, ObjectClassName),
		sub(LoaderClassName, ObjectClassName),
		sub(WeakRefClassName, ObjectClassName),
		sub(QueueClassName, ObjectClassName),
		sub(NullQueueClassName, QueueClassName),
		sub(ArrayClassName, ObjectClassName),
	}
}

// Bootstrap loads the boot classes the heap depends on and hands them to the
// heap. It must run after any archive is attached so that archived boot
// classes are used.
func (rt *Runtime) Bootstrap() error {
	load := func(name string) (*Class, error) {
		return rt.LoadClass(rt.Boot, name)
	}
	names := []string{
		ObjectClassName, StringClassName, IntegerClassName, ClassClassName,
		ModuleClassName, LoaderClassName, WeakRefClassName, QueueClassName,
		NullQueueClassName, ArrayClassName,
	}
	loaded := make([]*Class, len(names))
	for i, name := range names {
		k, err := load(name)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		loaded[i] = k
	}
	rt.Heap.SetWellKnown(WellKnown{
		Object:    loaded[0],
		String:    loaded[1],
		Integer:   loaded[2],
		Class:     loaded[3],
		Module:    loaded[4],
		Loader:    loaded[5],
		WeakRef:   loaded[6],
		Queue:     loaded[7],
		NullQueue: loaded[8],
		Array:     loaded[9],
	})
	return nil
}

// SetSharedClassProvider installs the archive-backed class source.
func (rt *Runtime) SetSharedClassProvider(p SharedClassProvider) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.shared = p
}

// Stats returns cold-path counters.
func (rt *Runtime) Stats() Stats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stats
}

// ---------------------------------------------------------------------------
// Loader graph
// ---------------------------------------------------------------------------

// NewCustomLoader registers a custom loader whose parent is the app loader.
// An empty aotIdentity makes the loader ineligible for archiving.
func (rt *Runtime) NewCustomLoader(name, aotIdentity string) (*ClassLoaderData, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if aotIdentity != "" {
		for _, c := range rt.custom {
			if c.AOTIdentity == aotIdentity {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateLoader, aotIdentity)
			}
		}
	}
	cld := NewClassLoaderData(LoaderCustom, name, aotIdentity, rt.App)
	rt.custom = append(rt.custom, cld)
	return cld, nil
}

// CustomLoaders returns the custom loaders in creation order.
func (rt *Runtime) CustomLoaders() []*ClassLoaderData {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*ClassLoaderData, len(rt.custom))
	copy(out, rt.custom)
	return out
}

// Loaders returns the loader graph: boot, platform, app, then custom
// loaders in creation order.
func (rt *Runtime) Loaders() []*ClassLoaderData {
	out := []*ClassLoaderData{rt.Boot, rt.Platform, rt.App}
	return append(out, rt.CustomLoaders()...)
}

// LoaderByIdentity finds a live loader by Identity.
func (rt *Runtime) LoaderByIdentity(identity string) (*ClassLoaderData, bool) {
	for _, cld := range rt.Loaders() {
		if cld.Identity() == identity {
			return cld, true
		}
	}
	return nil, false
}

// CustomLoadersByAOTIdentity returns every live custom loader with the
// given AOT identity. More than one is possible when identities were
// assigned outside NewCustomLoader.
func (rt *Runtime) CustomLoadersByAOTIdentity(aotIdentity string) []*ClassLoaderData {
	var out []*ClassLoaderData
	for _, cld := range rt.CustomLoaders() {
		if cld.AOTIdentity == aotIdentity {
			out = append(out, cld)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Sources and modules
// ---------------------------------------------------------------------------

// DefineSource registers a class source for cld. It is only parsed when the
// class is loaded and no archived copy exists.
func (rt *Runtime) DefineSource(cld *ClassLoaderData, src *ClassSource) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	byName := rt.sources[cld.Identity()]
	if byName == nil {
		byName = make(map[string]*ClassSource)
		rt.sources[cld.Identity()] = byName
	}
	byName[src.Name] = src
}

// Source returns the registered source of name in cld.
func (rt *Runtime) Source(cld *ClassLoaderData, name string) (*ClassSource, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	src, ok := rt.sources[cld.Identity()][name]
	return src, ok
}

// DefineModule declares a named module of cld. Modules are created when the
// module system initializes.
func (rt *Runtime) DefineModule(cld *ClassLoaderData, src ModuleSource) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := cld.Identity()
	rt.modules[id] = append(rt.modules[id], src)
	for _, pkg := range src.Packages {
		rt.packageOwners[id+"/"+pkg] = src.Name
	}
}

// ModuleSystemInitialized reports whether InitModuleSystem has run.
func (rt *Runtime) ModuleSystemInitialized() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.moduleSystem
}

// InitModuleSystem creates every declared module and each loader's unnamed
// module that is not already present, for example from an archive, and
// gives each module and loader its heap object.
func (rt *Runtime) InitModuleSystem() error {
	rt.mu.Lock()
	if rt.moduleSystem {
		rt.mu.Unlock()
		return ErrModuleSystemDone
	}
	rt.moduleSystem = true
	rt.mu.Unlock()

	for _, cld := range rt.Loaders() {
		cld.EnsureTables()
		rt.mu.Lock()
		decls := append([]ModuleSource(nil), rt.modules[cld.Identity()]...)
		rt.mu.Unlock()

		for _, src := range decls {
			if _, ok := cld.Module(src.Name); ok {
				continue
			}
			cld.addModule(&Module{
				Name:    rt.Symbols.Intern(src.Name),
				Version: src.Version,
				Open:    src.Open,
			})
		}
		rt.unnamedModule(cld)

		cld.mu.Lock()
		modules := append([]*Module{cld.Unnamed}, cld.Modules...)
		cld.mu.Unlock()
		for _, m := range modules {
			if m.Mirror == nil {
				m.Mirror = rt.Heap.NewModuleObject(m.String())
			}
			rt.Heap.AddRoot(m.Mirror)
		}
		if cld.Object == nil {
			cld.Object = rt.Heap.NewLoaderObject(cld.String())
		}
		rt.Heap.AddRoot(cld.Object)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Class loading and initialization
// ---------------------------------------------------------------------------

// LoadClass resolves name through cld with parent-first delegation. Each
// loader consults its dictionary, then the shared archive, then its sources.
func (rt *Runtime) LoadClass(cld *ClassLoaderData, name string) (*Class, error) {
	if k, ok := cld.Class(name); ok {
		return k, nil
	}
	if cld.Parent != nil {
		if k, err := rt.LoadClass(cld.Parent, name); err == nil {
			return k, nil
		}
	}

	rt.mu.Lock()
	shared := rt.shared
	rt.mu.Unlock()
	if shared != nil {
		if k, ok := shared.LookupClass(cld, name); ok {
			if err := cld.AddClass(k); err != nil {
				return nil, err
			}
			rt.mu.Lock()
			rt.stats.ClassesShared++
			rt.mu.Unlock()
			return k, nil
		}
	}

	src, ok := rt.Source(cld, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrClassNotFound, name, cld)
	}
	var super *Class
	if src.Super != "" {
		var err error
		super, err = rt.LoadClass(cld, src.Super)
		if err != nil {
			return nil, err
		}
	}
	k, err := rt.defineClass(cld, src, super)
	if errors.Is(err, ErrDuplicateClass) {
		// Lost a race with a concurrent load of the same class.
		if existing, ok := cld.Class(name); ok {
			return existing, nil
		}
	}
	return k, err
}

// Initialize runs k's static initializer once, after its superclass. A
// class restored with its mirror is already initialized and does nothing.
func (rt *Runtime) Initialize(k *Class) error {
	if k.Super != nil {
		if err := rt.Initialize(k.Super); err != nil {
			return err
		}
	}

	k.initMu.Lock()
	defer k.initMu.Unlock()

	switch k.Status {
	case StatusInitialized:
		return nil
	case StatusInitError:
		return fmt.Errorf("%w: %s", ErrInitFailed, k.Name)
	}

	k.Mirror = rt.Heap.NewMirror(k, k.StaticCount())
	rt.Heap.AddRoot(k.Mirror)

	src, _ := rt.Source(k.Loader, k.Name.String())
	if err := rt.runInitializer(k, src); err != nil {
		k.Status = StatusInitError
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	k.Status = StatusInitialized

	rt.mu.Lock()
	rt.stats.ClassesInitialized++
	rt.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Archiving collaborator queries
// ---------------------------------------------------------------------------

// Eligible reports whether an entity may be archived and, if not, why.
// Hidden classes that are not strongly tied to their loader, resource-only
// classes, unlinked classes and subclasses of ineligible classes are
// excluded.
func (rt *Runtime) Eligible(a closure.Archivable) (bool, string) {
	k, ok := a.(*Class)
	if !ok {
		return true, ""
	}
	for c := k; c != nil; c = c.Super {
		switch {
		case c.IsHidden() && !c.IsStrongHidden():
			return false, fmt.Sprintf("%s is a non-strong hidden class", c.Name)
		case c.Flags&FlagResourceOnly != 0:
			return false, fmt.Sprintf("%s is resource-only", c.Name)
		case c.Status < StatusLinked || c.Status == StatusInitError:
			return false, fmt.Sprintf("%s is %s", c.Name, c.Status)
		}
	}
	return true, ""
}

// ResolveSymbol interns name.
func (rt *Runtime) ResolveSymbol(name string) *Symbol {
	return rt.Symbols.Intern(name)
}

// LoadedClassNames returns "identity::name" for every loaded class, sorted.
func (rt *Runtime) LoadedClassNames() []string {
	var out []string
	for _, cld := range rt.Loaders() {
		for _, k := range cld.Classes() {
			out = append(out, cld.Identity()+"::"+k.Name.String())
		}
	}
	sort.Strings(out)
	return out
}
