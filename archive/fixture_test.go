package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/aotcache/runtime"
	"github.com/chazu/aotcache/training"
)

var testCreated = time.Unix(1_700_000_000, 0)

func testOptions() BuildOptions {
	return BuildOptions{
		HeapArchiving: true,
		Created:       testCreated,
		CPUFeatures:   []string{},
	}
}

func greeterSource() *runtime.ClassSource {
	return &runtime.ClassSource{
		Name:       "app/Greeter",
		Super:      runtime.ObjectClassName,
		CodeSource: "file:/app.jar",
		Fields: []runtime.FieldSource{
			{Name: "GREETING", Descriptor: "Ljava/lang/String;", Static: true,
				Init: runtime.StaticInit{Kind: runtime.InitString, Str: "hello"}},
			{Name: "COUNT", Descriptor: "I", Static: true,
				Init: runtime.StaticInit{Kind: runtime.InitInt, Int: 42}},
		},
		Methods: []runtime.MethodSource{
			{Name: "greet", Descriptor: "()V", CodeSize: 12},
		},
	}
}

func cacheSource() *runtime.ClassSource {
	return &runtime.ClassSource{
		Name:  "app/Cache",
		Super: runtime.ObjectClassName,
		Fields: []runtime.FieldSource{
			{Name: "VALUE", Descriptor: "Ljava/lang/Object;", Static: true,
				Init: runtime.StaticInit{Kind: runtime.InitNewObject}},
			{Name: "REF", Descriptor: "Ljava/lang/ref/WeakReference;", Static: true,
				Init: runtime.StaticInit{Kind: runtime.InitWeakRef, Ref: "VALUE"}},
		},
	}
}

// assemblyRuntime bootstraps a runtime and loads and initializes srcs in
// the app loader, the way a training run leaves it.
func assemblyRuntime(t *testing.T, srcs ...*runtime.ClassSource) *runtime.Runtime {
	t.Helper()
	rt := runtime.New(runtime.Config{HeapArchiving: true})
	if err := rt.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	for _, src := range srcs {
		rt.DefineSource(rt.App, src)
	}
	for _, src := range srcs {
		k, err := rt.LoadClass(rt.App, src.Name)
		if err != nil {
			t.Fatalf("LoadClass(%s) failed: %v", src.Name, err)
		}
		if err := rt.Initialize(k); err != nil {
			t.Fatalf("Initialize(%s) failed: %v", src.Name, err)
		}
	}
	if err := rt.InitModuleSystem(); err != nil {
		t.Fatalf("InitModuleSystem failed: %v", err)
	}
	return rt
}

func build(t *testing.T, rt *runtime.Runtime, schedule *training.Schedule, opts BuildOptions) *Archive {
	t.Helper()
	arc, err := NewBuilder(Sources{Classes: rt, Heap: rt.Heap, Schedule: schedule}, opts).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return arc
}

func writeTestImage(t *testing.T, arc *Archive) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.aot")
	if err := WriteImage(path, arc); err != nil {
		t.Fatalf("WriteImage failed: %v", err)
	}
	return path
}

// consume attaches the image at path to a fresh runtime, restores every
// loader and bootstraps, in the order a production start uses.
func consume(t *testing.T, path string) (*runtime.Runtime, *Registry) {
	t.Helper()
	rt := runtime.New(runtime.Config{})
	reg, err := Attach(rt, path, AttachOptions{})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	if err := reg.RestoreAll(); err != nil {
		t.Fatalf("RestoreAll failed: %v", err)
	}
	if err := rt.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return rt, reg
}
