package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testManifest = `
[project]
name = "greeter"

[cache]
verbosity = 0

[[class]]
name = "app/Greeter"

  [[class.field]]
  name = "GREETING"
  descriptor = "Ljava/lang/String;"
  static = true
  string = "hello"
`

func projectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "aotcache.toml"), []byte(testManifest), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestNoArgs(t *testing.T) {
	code, _, stderr := runCLI()
	if code != exitError {
		t.Errorf("exit code = %d, want %d", code, exitError)
	}
	if !strings.Contains(stderr, "Usage: aotcache") {
		t.Errorf("no usage text:\n%s", stderr)
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI("frobnicate")
	if code != exitError || !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Errorf("exit code %d, stderr:\n%s", code, stderr)
	}
}

func TestHelp(t *testing.T) {
	if code, stdout, _ := runCLI("help"); code != exitOK || !strings.Contains(stdout, "Commands:") {
		t.Errorf("exit code %d, stdout:\n%s", code, stdout)
	}
}

func TestMissingManifest(t *testing.T) {
	code, _, stderr := runCLI("record", "-C", t.TempDir())
	if code != exitError || !strings.Contains(stderr, "no aotcache.toml found") {
		t.Errorf("exit code %d, stderr:\n%s", code, stderr)
	}
}

func TestRequireCacheExitCode(t *testing.T) {
	dir := projectDir(t)
	code, _, stderr := runCLI("use", "-C", dir, "-require-cache")
	if code != exitCacheRefused {
		t.Errorf("exit code = %d, want %d; stderr:\n%s", code, exitCacheRefused, stderr)
	}
}

func TestUseStartsColdWithoutCache(t *testing.T) {
	dir := projectDir(t)
	code, stdout, stderr := runCLI("use", "-C", dir)
	if code != exitOK {
		t.Fatalf("exit code = %d; stderr:\n%s", code, stderr)
	}
	if !strings.Contains(stdout, "cache     not used") {
		t.Errorf("report does not mention the cold start:\n%s", stdout)
	}
}

func TestRecordCreateUseDump(t *testing.T) {
	dir := projectDir(t)
	for _, args := range [][]string{
		{"record", "-C", dir},
		{"create", "-C", dir},
	} {
		if code, _, stderr := runCLI(args...); code != exitOK {
			t.Fatalf("%v: exit code %d; stderr:\n%s", args, code, stderr)
		}
	}

	code, stdout, stderr := runCLI("use", "-C", dir, "-require-cache")
	if code != exitOK {
		t.Fatalf("use: exit code %d; stderr:\n%s", code, stderr)
	}
	if !strings.Contains(stdout, `static    app/Greeter.GREETING = "hello"`) {
		t.Errorf("use report lacks the restored static:\n%s", stdout)
	}
	if !strings.Contains(stdout, "cache     used") {
		t.Errorf("use report does not mention the cache:\n%s", stdout)
	}

	code, stdout, stderr = runCLI("dump", "-tables", filepath.Join(dir, "greeter.aot"))
	if code != exitOK {
		t.Fatalf("dump: exit code %d; stderr:\n%s", code, stderr)
	}
	if !strings.Contains(stdout, "[classes]") {
		t.Errorf("dump lacks the class table:\n%s", stdout)
	}
}

func TestDumpTooManyArgs(t *testing.T) {
	if code, _, _ := runCLI("dump", "a.aot", "b.aot"); code != exitError {
		t.Errorf("exit code = %d, want %d", code, exitError)
	}
}
