package archive

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/aotcache/closure"
	"github.com/chazu/aotcache/runtime"
)

func pluginSource(flags runtime.ClassFlags) *runtime.ClassSource {
	return &runtime.ClassSource{
		Name:       "plugin/Plugin",
		Super:      runtime.ObjectClassName,
		Flags:      flags,
		CodeSource: "file:/plugins/plugin.jar",
	}
}

func addPluginLoader(t *testing.T, rt *runtime.Runtime, aotIdentity string, flags runtime.ClassFlags) *runtime.ClassLoaderData {
	t.Helper()
	cld, err := rt.NewCustomLoader("plugins", aotIdentity)
	if err != nil {
		t.Fatalf("NewCustomLoader failed: %v", err)
	}
	rt.DefineSource(cld, pluginSource(flags))
	if _, err := rt.LoadClass(cld, "plugin/Plugin"); err != nil {
		t.Fatalf("LoadClass failed: %v", err)
	}
	return cld
}

func TestCustomLoaderWithoutIdentityIsSkipped(t *testing.T) {
	rt := assemblyRuntime(t, greeterSource())
	addPluginLoader(t, rt, "", 0)

	arc := build(t, rt, nil, testOptions())
	if len(arc.Stats.Skipped) != 1 || !strings.Contains(arc.Stats.Skipped[0], "no AOT identity") {
		t.Errorf("Skipped = %v, want the plugin loader", arc.Stats.Skipped)
	}
	if n := len(arc.loaders); n != 3 {
		t.Errorf("%d loader records, want 3", n)
	}
	for _, e := range arc.classes {
		if strings.HasSuffix(e.key, "plugin/Plugin") {
			t.Errorf("class of a skipped loader archived as %q", e.key)
		}
	}
}

func TestCustomLoaderWithHiddenClassIsSkipped(t *testing.T) {
	rt := assemblyRuntime(t, greeterSource())
	addPluginLoader(t, rt, "plugins-v1", runtime.FlagHidden)

	arc := build(t, rt, nil, testOptions())
	if len(arc.Stats.Skipped) != 1 || !strings.Contains(arc.Stats.Skipped[0], "hidden") {
		t.Errorf("Skipped = %v, want the plugin loader", arc.Stats.Skipped)
	}
	if n := len(arc.loaders); n != 3 {
		t.Errorf("%d loader records, want 3", n)
	}
	for _, e := range arc.classes {
		if strings.HasSuffix(e.key, "plugin/Plugin") {
			t.Errorf("class of a skipped loader archived as %q", e.key)
		}
	}
}

func TestCustomLoaderRestored(t *testing.T) {
	producer := assemblyRuntime(t, greeterSource())
	addPluginLoader(t, producer, "plugins-v1", 0)
	path := writeTestImage(t, build(t, producer, nil, testOptions()))

	rt := runtime.New(runtime.Config{})
	plugins, err := rt.NewCustomLoader("plugins", "plugins-v1")
	if err != nil {
		t.Fatalf("NewCustomLoader failed: %v", err)
	}
	reg, err := Attach(rt, path, AttachOptions{})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer reg.Close()
	if err := reg.RestoreAll(); err != nil {
		t.Fatalf("RestoreAll failed: %v", err)
	}
	if err := rt.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	live, err := reg.LookupLoaderData("custom:plugins-v1")
	if err != nil || live != plugins {
		t.Fatalf("LookupLoaderData = %v, %v; want the plugin loader", live, err)
	}
	k, err := rt.LoadClass(plugins, "plugin/Plugin")
	if err != nil {
		t.Fatalf("LoadClass failed: %v", err)
	}
	if !k.Shared || k.Loader != plugins {
		t.Errorf("Plugin shared=%t loader=%v, want shared in the plugin loader", k.Shared, k.Loader)
	}
}

func TestCustomLoaderAmbiguousIdentityStaysCold(t *testing.T) {
	producer := assemblyRuntime(t, greeterSource())
	addPluginLoader(t, producer, "plugins-v1", 0)
	path := writeTestImage(t, build(t, producer, nil, testOptions()))

	rt := runtime.New(runtime.Config{})
	first, _ := rt.NewCustomLoader("plugins", "plugins-v1")
	second, _ := rt.NewCustomLoader("plugins-again", "")
	second.AOTIdentity = "plugins-v1"

	reg, err := Attach(rt, path, AttachOptions{})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer reg.Close()

	err = reg.RestoreAll()
	var lookup *LookupError
	if !errors.As(err, &lookup) {
		t.Fatalf("RestoreAll err = %v, want a *LookupError", err)
	}
	if lookup.Matches != 2 || lookup.Identity != "custom:plugins-v1" {
		t.Errorf("LookupError = %+v", lookup)
	}
	for _, cld := range []*runtime.ClassLoaderData{first, second} {
		if got := reg.State(cld); got != Unattached {
			t.Errorf("%s state = %s, want unattached", cld, got)
		}
	}
	if got := reg.State(rt.App); got != Restored {
		t.Errorf("app state = %s, want restored", got)
	}

	if err := rt.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	rt.DefineSource(first, pluginSource(0))
	k, err := rt.LoadClass(first, "plugin/Plugin")
	if err != nil {
		t.Fatalf("LoadClass failed: %v", err)
	}
	if k.Shared {
		t.Errorf("class of an unresolved loader came from the archive")
	}
}

func TestLookupLoaderDataUnknown(t *testing.T) {
	producer := assemblyRuntime(t, greeterSource())
	path := writeTestImage(t, build(t, producer, nil, testOptions()))
	_, reg := consume(t, path)

	_, err := reg.LookupLoaderData("custom:missing")
	var lookup *LookupError
	if !errors.As(err, &lookup) || lookup.Matches != 0 {
		t.Errorf("err = %v, want a *LookupError with no matches", err)
	}
}

func TestExcludePattern(t *testing.T) {
	loud := &runtime.ClassSource{Name: "app/LoudGreeter", Super: "app/Greeter"}
	producer := assemblyRuntime(t, greeterSource(), loud)
	opts := testOptions()
	opts.Exclude = func(name string) bool { return name == "app/Greeter" }
	arc := build(t, producer, nil, opts)

	if len(arc.Stats.Excluded) != 2 {
		t.Errorf("Excluded = %v, want Greeter and LoudGreeter", arc.Stats.Excluded)
	}
	path := writeTestImage(t, arc)
	rt, _ := consume(t, path)
	for _, name := range []string{"app/Greeter", "app/LoudGreeter"} {
		if _, err := rt.LoadClass(rt.App, name); !errors.Is(err, runtime.ErrClassNotFound) {
			t.Errorf("LoadClass(%s) err = %v, want ErrClassNotFound", name, err)
		}
	}
}

type loaderList []*runtime.ClassLoaderData

func (l loaderList) Loaders() []*runtime.ClassLoaderData        { return l }
func (l loaderList) Eligible(closure.Archivable) (bool, string) { return true, "" }

func TestMissingRootLoader(t *testing.T) {
	rt := assemblyRuntime(t)
	_, err := NewBuilder(Sources{Classes: loaderList{rt.Boot, rt.App}}, testOptions()).Build()
	if !errors.Is(err, ErrMissingRoot) {
		t.Fatalf("err = %v, want ErrMissingRoot", err)
	}
	if !strings.Contains(err.Error(), "platform") {
		t.Errorf("error does not name the platform loader: %v", err)
	}
	if !IsFatal(err) {
		t.Errorf("IsFatal = false")
	}
}

func TestInconsistentIdentity(t *testing.T) {
	rt := assemblyRuntime(t)
	b := NewBuilder(Sources{Classes: rt}, testOptions())
	b.push(runtime.NewSymbolTable().Intern("twin"))
	b.push(runtime.NewSymbolTable().Intern("twin"))
	if err := b.errs.ErrorOrNil(); !errors.Is(err, ErrInconsistentIdentity) {
		t.Errorf("err = %v, want ErrInconsistentIdentity", err)
	}
}

// liar writes a pointer it does not report from IteratePointers.
type liar struct {
	target *runtime.Symbol
}

func (l *liar) ArchiveKind() closure.Kind             { return closure.KindPackage }
func (l *liar) ArchiveIdentity() string               { return "liar" }
func (l *liar) IteratePointers(fn closure.PointerFunc) {}
func (l *liar) Serialize(c closure.Closure)           { closure.Ptr(c, &l.target) }

func TestInconsistentPointers(t *testing.T) {
	rt := assemblyRuntime(t)
	b := NewBuilder(Sources{Classes: rt}, testOptions())
	b.encode(&liar{target: rt.Symbols.Intern("hidden")})
	err := b.errs.ErrorOrNil()
	if !errors.Is(err, ErrInconsistentPointers) {
		t.Fatalf("err = %v, want ErrInconsistentPointers", err)
	}
	if !IsFatal(err) {
		t.Errorf("IsFatal = false")
	}
}
