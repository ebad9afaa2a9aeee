// Package manifest handles aotcache.toml project configuration and the AOT
// configuration file that a record run hands to a create run.
package manifest

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/aotcache/runtime"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "aotcache.toml"

var (
	ErrUnknownLoader = errors.New("unknown loader")
	ErrInvalid       = errors.New("invalid manifest")
)

// Manifest represents an aotcache.toml project configuration.
type Manifest struct {
	Project Project   `toml:"project"`
	Cache   Cache     `toml:"cache"`
	Loaders []Loader  `toml:"loader"`
	Modules []Module  `toml:"module"`
	Classes []Class   `toml:"class"`
	Profile []Profile `toml:"profile"`

	// Dir is the directory containing the aotcache.toml file (set at load time).
	Dir string `toml:"-"`

	// Digest is the SHA-256 of the manifest file contents.
	Digest []byte `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	// Main lists the classes the application initializes at startup, in
	// order. Empty means every declared class.
	Main []string `toml:"main"`
}

// Cache configures assembly and use of the archive.
type Cache struct {
	Output        string   `toml:"output"`
	Config        string   `toml:"config"`
	Heap          *bool    `toml:"heap"`
	QueueStrategy string   `toml:"queue-strategy"`
	Compress      bool     `toml:"compress"`
	RequestedBase uint64   `toml:"requested-base"`
	Exclude       []string `toml:"exclude"`
	Workers       int      `toml:"workers"`
	HotThreshold  uint64   `toml:"hot-threshold"`
	Verbosity     int      `toml:"verbosity"`
}

// Loader declares a custom class loader. An empty identity makes the
// loader's classes ineligible for the archive.
type Loader struct {
	Name     string `toml:"name"`
	Identity string `toml:"identity"`
}

// Module declares a named module of a loader.
type Module struct {
	Loader   string   `toml:"loader"`
	Name     string   `toml:"name"`
	Version  string   `toml:"version"`
	Open     bool     `toml:"open"`
	Packages []string `toml:"packages"`
}

// Class declares a class source.
type Class struct {
	Loader     string   `toml:"loader"`
	Name       string   `toml:"name"`
	Super      string   `toml:"super"`
	CodeSource string   `toml:"code-source"`
	Flags      []string `toml:"flags"`
	Fields     []Field  `toml:"field"`
	Methods    []Method `toml:"method"`
}

// Field declares a field. At most one initializer may be set on a static
// field.
type Field struct {
	Name       string  `toml:"name"`
	Descriptor string  `toml:"descriptor"`
	Static     bool    `toml:"static"`
	Int        *int64  `toml:"int"`
	String     *string `toml:"string"`
	Boxed      *int64  `toml:"boxed"`
	New        bool    `toml:"new"`
	WeakRef    string  `toml:"weak-ref"`
}

// Method declares a method.
type Method struct {
	Name       string `toml:"name"`
	Descriptor string `toml:"descriptor"`
	Static     bool   `toml:"static"`
	Native     bool   `toml:"native"`
	CodeSize   uint32 `toml:"code-size"`
}

// Profile is a simulated invocation count for one method during a record
// run.
type Profile struct {
	Loader      string `toml:"loader"`
	Class       string `toml:"class"`
	Method      string `toml:"method"`
	Descriptor  string `toml:"descriptor"`
	Invocations uint64 `toml:"invocations"`
	Level       uint8  `toml:"level"`
}

// Load parses an aotcache.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses the manifest at path.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	m.Digest = sum[:]

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an aotcache.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	name := m.Project.Name
	if name == "" {
		name = "app"
	}
	if m.Cache.Output == "" {
		m.Cache.Output = name + ".aot"
	}
	if m.Cache.Config == "" {
		m.Cache.Config = name + ".aotconf"
	}
	if m.Cache.Heap == nil {
		heap := true
		m.Cache.Heap = &heap
	}
	if m.Cache.Workers <= 0 {
		m.Cache.Workers = 4
	}
	if m.Cache.HotThreshold == 0 {
		m.Cache.HotThreshold = 100
	}
	for i := range m.Classes {
		if m.Classes[i].Loader == "" {
			m.Classes[i].Loader = "app"
		}
		if m.Classes[i].Super == "" && m.Classes[i].Name != runtime.ObjectClassName {
			m.Classes[i].Super = runtime.ObjectClassName
		}
	}
	for i := range m.Modules {
		if m.Modules[i].Loader == "" {
			m.Modules[i].Loader = "app"
		}
	}
	for i := range m.Profile {
		if m.Profile[i].Loader == "" {
			m.Profile[i].Loader = "app"
		}
	}
}

// Validate checks references between manifest sections.
func (m *Manifest) Validate() error {
	loaders := map[string]bool{"boot": true, "platform": true, "app": true}
	identities := map[string]bool{}
	for _, l := range m.Loaders {
		if l.Name == "" || loaders[l.Name] {
			return fmt.Errorf("%w: loader name %q missing or reused", ErrInvalid, l.Name)
		}
		loaders[l.Name] = true
		if l.Identity != "" {
			if identities[l.Identity] {
				return fmt.Errorf("%w: loader identity %q used twice", ErrInvalid, l.Identity)
			}
			identities[l.Identity] = true
		}
	}
	for _, mod := range m.Modules {
		if !loaders[mod.Loader] {
			return fmt.Errorf("%w: module %s: %q", ErrUnknownLoader, mod.Name, mod.Loader)
		}
	}
	for _, c := range m.Classes {
		if c.Name == "" {
			return fmt.Errorf("%w: class without a name", ErrInvalid)
		}
		if !loaders[c.Loader] {
			return fmt.Errorf("%w: class %s: %q", ErrUnknownLoader, c.Name, c.Loader)
		}
		if _, err := classFlags(c.Flags); err != nil {
			return fmt.Errorf("%w: class %s: %v", ErrInvalid, c.Name, err)
		}
		for _, f := range c.Fields {
			if n := f.initializers(); n > 1 {
				return fmt.Errorf("%w: field %s.%s has %d initializers", ErrInvalid, c.Name, f.Name, n)
			}
		}
	}
	for _, p := range m.Profile {
		if !loaders[p.Loader] {
			return fmt.Errorf("%w: profile of %s: %q", ErrUnknownLoader, p.Class, p.Loader)
		}
	}
	if _, err := CompileExcludes(m.Cache.Exclude); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// HeapEnabled reports whether heap objects are archived.
func (m *Manifest) HeapEnabled() bool {
	return m.Cache.Heap == nil || *m.Cache.Heap
}

// OutputPath returns the absolute archive path.
func (m *Manifest) OutputPath() string {
	return m.resolve(m.Cache.Output)
}

// ConfigPath returns the absolute AOT configuration path.
func (m *Manifest) ConfigPath() string {
	return m.resolve(m.Cache.Config)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// MainClasses returns the classes initialized at application start.
func (m *Manifest) MainClasses() []Class {
	if len(m.Project.Main) == 0 {
		return m.Classes
	}
	byName := make(map[string]Class, len(m.Classes))
	for _, c := range m.Classes {
		byName[c.Name] = c
	}
	var out []Class
	for _, name := range m.Project.Main {
		if c, ok := byName[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Conversion to runtime sources
// ---------------------------------------------------------------------------

var classFlagNames = map[string]runtime.ClassFlags{
	"interface":     runtime.FlagInterface,
	"hidden":        runtime.FlagHidden,
	"strong-hidden": runtime.FlagHidden | runtime.FlagStrongHidden,
	"resource-only": runtime.FlagResourceOnly,
}

func classFlags(names []string) (runtime.ClassFlags, error) {
	var flags runtime.ClassFlags
	for _, n := range names {
		f, ok := classFlagNames[strings.ToLower(n)]
		if !ok {
			return 0, fmt.Errorf("unknown class flag %q", n)
		}
		flags |= f
	}
	return flags, nil
}

func (f Field) initializers() int {
	n := 0
	for _, set := range []bool{f.Int != nil, f.String != nil, f.Boxed != nil, f.New, f.WeakRef != ""} {
		if set {
			n++
		}
	}
	return n
}

func (f Field) init() runtime.StaticInit {
	switch {
	case f.Int != nil:
		return runtime.StaticInit{Kind: runtime.InitInt, Int: *f.Int}
	case f.String != nil:
		return runtime.StaticInit{Kind: runtime.InitString, Str: *f.String}
	case f.Boxed != nil:
		return runtime.StaticInit{Kind: runtime.InitBoxed, Int: *f.Boxed}
	case f.New:
		return runtime.StaticInit{Kind: runtime.InitNewObject}
	case f.WeakRef != "":
		return runtime.StaticInit{Kind: runtime.InitWeakRef, Ref: f.WeakRef}
	}
	return runtime.StaticInit{}
}

// Source converts the declaration into a class source. Flags were checked
// by Validate.
func (c Class) Source() *runtime.ClassSource {
	flags, _ := classFlags(c.Flags)
	src := &runtime.ClassSource{
		Name:       c.Name,
		Super:      c.Super,
		Flags:      flags,
		CodeSource: c.CodeSource,
	}
	for _, f := range c.Fields {
		fs := runtime.FieldSource{Name: f.Name, Descriptor: f.Descriptor, Static: f.Static}
		if f.Static {
			fs.Init = f.init()
		}
		src.Fields = append(src.Fields, fs)
	}
	for _, meth := range c.Methods {
		var flags runtime.MethodFlags
		if meth.Static {
			flags |= runtime.MethodStatic
		}
		if meth.Native {
			flags |= runtime.MethodNative
		}
		src.Methods = append(src.Methods, runtime.MethodSource{
			Name:       meth.Name,
			Descriptor: meth.Descriptor,
			Flags:      flags,
			CodeSize:   meth.CodeSize,
		})
	}
	return src
}

// Source converts the declaration into a module source.
func (mod Module) Source() runtime.ModuleSource {
	return runtime.ModuleSource{
		Name:     mod.Name,
		Version:  mod.Version,
		Open:     mod.Open,
		Packages: mod.Packages,
	}
}
