package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/aotcache/runtime"
)

const greeterManifest = `
[project]
name = "greeter"
version = "0.1.0"

[cache]
queue-strategy = "archive-singleton"
compress = true
exclude = ["app/internal/**"]
workers = 2

[[loader]]
name = "plugins"
identity = "plugins-v1"

[[module]]
name = "app.main"
version = "1.0"
packages = ["app"]

[[class]]
name = "app/Greeter"
code-source = "file:/app.jar"

  [[class.field]]
  name = "GREETING"
  descriptor = "Ljava/lang/String;"
  static = true
  string = "hello"

  [[class.field]]
  name = "COUNT"
  descriptor = "I"
  static = true
  int = 42

  [[class.method]]
  name = "greet"
  descriptor = "()V"
  code-size = 12

[[class]]
loader = "plugins"
name = "plugin/Plugin"
flags = ["hidden"]

[[profile]]
class = "app/Greeter"
method = "greet"
descriptor = "()V"
invocations = 500
level = 2
`

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, greeterManifest)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "greeter" {
		t.Errorf("project name = %q, want greeter", m.Project.Name)
	}
	if m.Cache.QueueStrategy != "archive-singleton" || !m.Cache.Compress {
		t.Errorf("cache = %+v", m.Cache)
	}
	if m.Cache.Workers != 2 {
		t.Errorf("workers = %d, want 2", m.Cache.Workers)
	}
	if len(m.Classes) != 2 {
		t.Fatalf("classes count = %d, want 2", len(m.Classes))
	}
	if got := m.Classes[0].Loader; got != "app" {
		t.Errorf("default loader = %q, want app", got)
	}
	if got := m.Classes[1].Loader; got != "plugins" {
		t.Errorf("plugin loader = %q, want plugins", got)
	}
	if len(m.Profile) != 1 || m.Profile[0].Invocations != 500 {
		t.Errorf("profile = %+v", m.Profile)
	}
	if len(m.Digest) != 32 {
		t.Errorf("digest length = %d, want 32", len(m.Digest))
	}
	if m.Dir != dir {
		t.Errorf("dir = %q, want %q", m.Dir, dir)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Cache.Output != "minimal.aot" || m.Cache.Config != "minimal.aotconf" {
		t.Errorf("default paths = %q, %q", m.Cache.Output, m.Cache.Config)
	}
	if !m.HeapEnabled() {
		t.Error("heap archiving disabled by default")
	}
	if m.Cache.Workers != 4 || m.Cache.HotThreshold != 100 {
		t.Errorf("defaults workers=%d hot-threshold=%d", m.Cache.Workers, m.Cache.HotThreshold)
	}
	if got, want := m.OutputPath(), filepath.Join(dir, "minimal.aot"); got != want {
		t.Errorf("OutputPath = %q, want %q", got, want)
	}
}

func TestLoadManifestHeapDisabled(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[cache]
heap = false
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.HeapEnabled() {
		t.Error("heap = false ignored")
	}
}

func TestLoadManifestUnknownLoader(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[[class]]
loader = "nowhere"
name = "app/Lost"
`)
	if _, err := Load(dir); !errors.Is(err, ErrUnknownLoader) {
		t.Errorf("err = %v, want ErrUnknownLoader", err)
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate identity", `
[[loader]]
name = "a"
identity = "same"
[[loader]]
name = "b"
identity = "same"
`},
		{"builtin loader name", `
[[loader]]
name = "app"
`},
		{"unknown flag", `
[[class]]
name = "app/X"
flags = ["sealed"]
`},
		{"two initializers", `
[[class]]
name = "app/X"
  [[class.field]]
  name = "F"
  static = true
  int = 1
  string = "one"
`},
		{"bad exclude", `
[cache]
exclude = ["app/[x"]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			if _, err := Load(dir); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, `[project]
name = "found-project"
`)

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no aotcache.toml exists")
	}
}

func TestClassSource(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, greeterManifest)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := &runtime.ClassSource{
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
	if diff := cmp.Diff(want, m.Classes[0].Source()); diff != "" {
		t.Errorf("Source() mismatch (-want +got):\n%s", diff)
	}
	if got := m.Classes[1].Source().Flags; got != runtime.FlagHidden {
		t.Errorf("plugin flags = %v, want hidden", got)
	}
}

func TestMainClasses(t *testing.T) {
	m := &Manifest{
		Project: Project{Main: []string{"app/B", "app/Missing"}},
		Classes: []Class{{Name: "app/A"}, {Name: "app/B"}},
	}
	got := m.MainClasses()
	if len(got) != 1 || got[0].Name != "app/B" {
		t.Errorf("MainClasses = %v, want [app/B]", got)
	}

	m.Project.Main = nil
	if got := m.MainClasses(); len(got) != 2 {
		t.Errorf("MainClasses without main = %d classes, want 2", len(got))
	}
}

func TestCompileExcludes(t *testing.T) {
	match, err := CompileExcludes([]string{"app/internal/*", "gen/**"})
	if err != nil {
		t.Fatalf("CompileExcludes failed: %v", err)
	}
	tests := []struct {
		name string
		want bool
	}{
		{"app/internal/Secret", true},
		{"app/internal/deep/Secret", false},
		{"gen/a/b/Generated", true},
		{"app/Greeter", false},
	}
	for _, tt := range tests {
		if got := match(tt.name); got != tt.want {
			t.Errorf("match(%q) = %t, want %t", tt.name, got, tt.want)
		}
	}

	none, err := CompileExcludes(nil)
	if err != nil || none != nil {
		t.Errorf("CompileExcludes(nil) = %v, %v; want nil, nil", none != nil, err)
	}
}

func TestConfigurationRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.aotconf")
	conf := &Configuration{
		Version:        ConfigurationVersion,
		ManifestDigest: []byte{1, 2, 3},
		Loaders: []LoaderClasses{
			{Loader: "app", Loaded: []string{"app/Greeter"}, Initialized: []string{"app/Greeter"}},
		},
		HotMethods: []HotMethod{
			{Loader: "app", Class: "app/Greeter", Method: "greet", Descriptor: "()V", Invocations: 500, Level: 2},
		},
	}
	if err := WriteConfiguration(path, conf); err != nil {
		t.Fatalf("WriteConfiguration failed: %v", err)
	}
	got, err := ReadConfiguration(path)
	if err != nil {
		t.Fatalf("ReadConfiguration failed: %v", err)
	}
	if diff := cmp.Diff(conf, got); diff != "" {
		t.Errorf("configuration mismatch (-want +got):\n%s", diff)
	}
	if got.Loader("app") == nil || got.Loader("boot") != nil {
		t.Errorf("Loader lookup wrong")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d files left in the directory, want only the configuration", len(entries))
	}
}

func TestConfigurationCanonical(t *testing.T) {
	conf := &Configuration{Version: ConfigurationVersion, ManifestDigest: []byte{9}}
	a, err := MarshalConfiguration(conf)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalConfiguration(conf)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("encoding is not deterministic")
	}
}

func TestConfigurationVersionMismatch(t *testing.T) {
	data, err := MarshalConfiguration(&Configuration{Version: ConfigurationVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalConfiguration(data); !errors.Is(err, ErrConfigurationVersion) {
		t.Errorf("err = %v, want ErrConfigurationVersion", err)
	}
}

func TestConfigurationDigest(t *testing.T) {
	m := &Manifest{Digest: []byte{1, 2}}
	if err := (&Configuration{ManifestDigest: []byte{1, 2}}).CheckDigest(m); err != nil {
		t.Errorf("matching digest rejected: %v", err)
	}
	if err := (&Configuration{ManifestDigest: []byte{3}}).CheckDigest(m); !errors.Is(err, ErrStaleConfiguration) {
		t.Errorf("err = %v, want ErrStaleConfiguration", err)
	}
}
