// aotcache CLI - records training runs, assembles archives and starts
// applications with an archive attached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/aotcache/archive"
	"github.com/chazu/aotcache/launcher"
	"github.com/chazu/aotcache/manifest"
)

var log = commonlog.GetLogger("aotcache.cli")

// Exit codes.
const (
	exitOK           = 0
	exitError        = 1
	exitCacheRefused = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: aotcache <command> [options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  record   Run the application cold and write its AOT configuration\n")
	fmt.Fprintf(w, "  create   Assemble an archive from a recorded configuration\n")
	fmt.Fprintf(w, "  use      Start the application with the archive attached\n")
	fmt.Fprintf(w, "  train    record, then create in a child process\n")
	fmt.Fprintf(w, "  dump     Describe an archive\n")
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  aotcache train -C ./app          # Build app/<name>.aot\n")
	fmt.Fprintf(w, "  aotcache use -require-cache      # Fail with exit code 2 if the archive is unusable\n")
	fmt.Fprintf(w, "  aotcache dump -tables app.aot    # List archived symbols, classes and loaders\n")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitError
	}

	var err error
	switch args[0] {
	case "record":
		err = handleRecord(args[1:], stderr)
	case "create":
		err = handleCreate(args[1:], stderr)
	case "use":
		err = handleUse(args[1:], stdout, stderr)
	case "train":
		err = handleTrain(args[1:], stderr)
	case "dump":
		err = handleDump(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		usage(stderr)
		return exitError
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, launcher.ErrCacheRequired):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCacheRefused
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}

// commonFlags are accepted by every command that reads a manifest.
type commonFlags struct {
	dir       string
	verbosity int
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := &commonFlags{}
	fs.StringVar(&cf.dir, "C", ".", "Directory to search for aotcache.toml")
	fs.IntVar(&cf.verbosity, "v", -1, "Log verbosity (0 errors only, 4 debug); -1 uses the manifest")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: aotcache %s [options]\n\nOptions:\n", name)
		fs.PrintDefaults()
	}
	return fs, cf
}

// load finds the manifest and configures logging from it and the flags.
func (cf *commonFlags) load() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(cf.dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no %s found in %s or its parents", manifest.FileName, cf.dir)
	}
	verbosity := m.Cache.Verbosity
	if cf.verbosity >= 0 {
		verbosity = cf.verbosity
	}
	commonlog.Configure(verbosity, nil)
	log.Debugf("manifest %s", m.Dir)
	return m, nil
}

func handleRecord(args []string, stderr io.Writer) error {
	fs, cf := newFlagSet("record", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := cf.load()
	if err != nil {
		return err
	}
	_, err = launcher.Record(m)
	return err
}

func handleCreate(args []string, stderr io.Writer) error {
	fs, cf := newFlagSet("create", stderr)
	config := fs.String("config", "", "AOT configuration to replay (default from the manifest)")
	output := fs.String("o", "", "Archive path (default from the manifest)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := cf.load()
	if err != nil {
		return err
	}
	path := *config
	if path == "" {
		path = m.ConfigPath()
	}
	conf, err := manifest.ReadConfiguration(path)
	if err != nil {
		return err
	}
	_, err = launcher.Create(m, conf, launcher.CreateOptions{Output: *output})
	return err
}

func handleUse(args []string, stdout, stderr io.Writer) error {
	fs, cf := newFlagSet("use", stderr)
	cache := fs.String("cache", "", "Archive path (default from the manifest)")
	require := fs.Bool("require-cache", false, "Fail instead of starting cold when the archive cannot be used")
	noTraining := fs.Bool("no-training", false, "Skip the archived recompilation schedule")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := cf.load()
	if err != nil {
		return err
	}
	opts := launcher.UseOptions{Cache: *cache, RequireCache: *require}
	if !*noTraining {
		opts.Compiler = &launcher.CompileLog{}
	}
	report, err := launcher.Use(context.Background(), m, opts)
	if err != nil {
		return err
	}
	launcher.WriteReport(stdout, report)
	return nil
}

func handleTrain(args []string, stderr io.Writer) error {
	fs, cf := newFlagSet("train", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := cf.load()
	if err != nil {
		return err
	}
	return launcher.Train(context.Background(), m, launcher.TrainOptions{})
}

func handleDump(args []string, stdout, stderr io.Writer) error {
	fs, cf := newFlagSet("dump", stderr)
	tables := fs.Bool("tables", false, "List hashtable entries")
	schedule := fs.Bool("schedule", false, "List the recompilation schedule")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := archive.DumpOptions{Tables: *tables, Schedule: *schedule}

	var path string
	switch fs.NArg() {
	case 0:
		m, err := cf.load()
		if err != nil {
			return err
		}
		path = m.OutputPath()
	case 1:
		path = fs.Arg(0)
	default:
		fs.Usage()
		return fmt.Errorf("dump takes at most one archive path")
	}
	return launcher.Dump(stdout, path, opts)
}
