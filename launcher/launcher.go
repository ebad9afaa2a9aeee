// Package launcher runs an application described by a manifest in one of
// the cache modes: record a training run, create an archive from the
// recording, use an archive at startup, or train, which records and then
// spawns a create run.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/aotcache/archive"
	"github.com/chazu/aotcache/manifest"
	"github.com/chazu/aotcache/runtime"
	"github.com/chazu/aotcache/training"
)

var log = commonlog.GetLogger("aotcache.launcher")

var (
	ErrCacheRequired = errors.New("cache required but not usable")
	ErrUnknownMethod = errors.New("unknown method")
)

// ---------------------------------------------------------------------------
// Runtime setup shared by every mode
// ---------------------------------------------------------------------------

// loaderSet maps manifest loader names to live loaders.
type loaderSet struct {
	byName map[string]*runtime.ClassLoaderData
	names  map[*runtime.ClassLoaderData]string
	order  []*runtime.ClassLoaderData
}

func (ls *loaderSet) add(name string, cld *runtime.ClassLoaderData) {
	ls.byName[name] = cld
	ls.names[cld] = name
	ls.order = append(ls.order, cld)
}

func (ls *loaderSet) get(name string) (*runtime.ClassLoaderData, error) {
	cld, ok := ls.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", manifest.ErrUnknownLoader, name)
	}
	return cld, nil
}

// declare creates the manifest's custom loaders and registers its modules
// and class sources with rt. Nothing is loaded.
func declare(rt *runtime.Runtime, m *manifest.Manifest) (*loaderSet, error) {
	ls := &loaderSet{
		byName: make(map[string]*runtime.ClassLoaderData),
		names:  make(map[*runtime.ClassLoaderData]string),
	}
	ls.add("boot", rt.Boot)
	ls.add("platform", rt.Platform)
	ls.add("app", rt.App)
	for _, l := range m.Loaders {
		cld, err := rt.NewCustomLoader(l.Name, l.Identity)
		if err != nil {
			return nil, fmt.Errorf("loader %s: %w", l.Name, err)
		}
		ls.add(l.Name, cld)
	}
	for _, mod := range m.Modules {
		cld, err := ls.get(mod.Loader)
		if err != nil {
			return nil, err
		}
		rt.DefineModule(cld, mod.Source())
	}
	for _, c := range m.Classes {
		cld, err := ls.get(c.Loader)
		if err != nil {
			return nil, err
		}
		rt.DefineSource(cld, c.Source())
	}
	return ls, nil
}

// startApplication loads and initializes the application's main classes
// in order.
func startApplication(rt *runtime.Runtime, ls *loaderSet, m *manifest.Manifest) error {
	for _, c := range m.MainClasses() {
		cld, err := ls.get(c.Loader)
		if err != nil {
			return err
		}
		k, err := rt.LoadClass(cld, c.Name)
		if err != nil {
			return err
		}
		if err := rt.Initialize(k); err != nil {
			return err
		}
	}
	return nil
}

func findMethod(rt *runtime.Runtime, ls *loaderSet, loader, class, name, descriptor string) (*runtime.Method, error) {
	cld, err := ls.get(loader)
	if err != nil {
		return nil, err
	}
	k, err := rt.LoadClass(cld, class)
	if err != nil {
		return nil, err
	}
	meth := k.FindMethod(name, descriptor)
	if meth == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrUnknownMethod, class, name, descriptor)
	}
	return meth, nil
}

// ---------------------------------------------------------------------------
// Record
// ---------------------------------------------------------------------------

// Record performs a training run: it starts the application cold, replays
// the manifest's profile and writes what it observed to the manifest's
// configuration path.
func Record(m *manifest.Manifest) (*manifest.Configuration, error) {
	rt := runtime.New(runtime.Config{HeapArchiving: m.HeapEnabled()})
	ls, err := declare(rt, m)
	if err != nil {
		return nil, err
	}
	if err := rt.Bootstrap(); err != nil {
		return nil, err
	}
	if err := startApplication(rt, ls, m); err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}

	profiler := training.NewProfiler(m.Cache.HotThreshold)
	for _, p := range m.Profile {
		meth, err := findMethod(rt, ls, p.Loader, p.Class, p.Method, p.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("record: profile: %w", err)
		}
		profiler.RecordInvocations(meth, p.Invocations)
		profiler.RecordLevel(meth, p.Level)
	}
	if err := rt.InitModuleSystem(); err != nil {
		return nil, err
	}

	conf := configurationOf(ls, profiler, m.Digest)
	if err := manifest.WriteConfiguration(m.ConfigPath(), conf); err != nil {
		return nil, err
	}
	stats := profiler.Stats()
	log.Infof("recorded %d loaders, %d of %d profiled methods hot, into %s",
		len(conf.Loaders), stats.HotMethods, stats.Methods, m.ConfigPath())
	return conf, nil
}

func configurationOf(ls *loaderSet, profiler *training.Profiler, digest []byte) *manifest.Configuration {
	conf := &manifest.Configuration{
		Version:        manifest.ConfigurationVersion,
		ManifestDigest: digest,
	}
	for _, cld := range ls.order {
		classes := cld.Classes()
		if len(classes) == 0 {
			continue
		}
		lc := manifest.LoaderClasses{Loader: ls.names[cld]}
		for _, k := range classes {
			lc.Loaded = append(lc.Loaded, k.Name.String())
			if k.Status == runtime.StatusInitialized {
				lc.Initialized = append(lc.Initialized, k.Name.String())
			}
		}
		conf.Loaders = append(conf.Loaders, lc)
	}
	for _, prof := range profiler.HotProfiles() {
		meth := prof.Method
		conf.HotMethods = append(conf.HotMethods, manifest.HotMethod{
			Loader:      ls.names[meth.Holder.Loader],
			Class:       meth.Holder.Name.String(),
			Method:      meth.Name.String(),
			Descriptor:  meth.Signature.String(),
			Invocations: prof.Invocations(),
			Level:       prof.Level(),
		})
	}
	return conf
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// CreateOptions configures Create.
type CreateOptions struct {
	// Output overrides the manifest's archive path.
	Output string
	// Created is stored in the image header. The zero value means now.
	Created time.Time
}

// Create replays a recorded configuration in a fresh runtime and assembles
// the archive from the resulting state.
func Create(m *manifest.Manifest, conf *manifest.Configuration, opts CreateOptions) (*archive.Archive, error) {
	if err := conf.CheckDigest(m); err != nil {
		return nil, err
	}
	strategy, err := archive.ParseQueueStrategy(m.Cache.QueueStrategy)
	if err != nil {
		return nil, err
	}
	exclude, err := manifest.CompileExcludes(m.Cache.Exclude)
	if err != nil {
		return nil, err
	}

	rt := runtime.New(runtime.Config{HeapArchiving: m.HeapEnabled()})
	ls, err := declare(rt, m)
	if err != nil {
		return nil, err
	}
	if err := rt.Bootstrap(); err != nil {
		return nil, err
	}
	if err := replay(rt, ls, conf); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	if err := rt.InitModuleSystem(); err != nil {
		return nil, err
	}

	var records []*training.Record
	for _, hm := range conf.HotMethods {
		meth, err := findMethod(rt, ls, hm.Loader, hm.Class, hm.Method, hm.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("create: hot method: %w", err)
		}
		records = append(records, training.NewRecord(meth, hm.Invocations, hm.Level))
	}

	arc, err := archive.NewBuilder(archive.Sources{
		Classes:  rt,
		Heap:     rt.Heap,
		Schedule: training.NewSchedule(records),
	}, archive.BuildOptions{
		Exclude:             exclude,
		HeapArchiving:       m.HeapEnabled(),
		QueueStrategy:       strategy,
		CompressRelocations: m.Cache.Compress,
		RequestedBase:       m.Cache.RequestedBase,
		Created:             opts.Created,
	}).Build()
	if err != nil {
		return nil, err
	}

	output := opts.Output
	if output == "" {
		output = m.OutputPath()
	}
	if err := archive.WriteImage(output, arc); err != nil {
		return nil, err
	}
	log.Infof("created %s: %d heap objects, %d roots, %d excluded, %d loaders skipped",
		output, arc.Stats.HeapObjects, arc.Stats.HeapRoots, len(arc.Stats.Excluded), len(arc.Stats.Skipped))
	return arc, nil
}

func replay(rt *runtime.Runtime, ls *loaderSet, conf *manifest.Configuration) error {
	for _, lc := range conf.Loaders {
		cld, err := ls.get(lc.Loader)
		if err != nil {
			return err
		}
		for _, name := range lc.Loaded {
			if _, err := rt.LoadClass(cld, name); err != nil {
				return err
			}
		}
		for _, name := range lc.Initialized {
			k, ok := cld.Class(name)
			if !ok {
				return fmt.Errorf("%w: %s initialized but not loaded in %s", runtime.ErrClassNotFound, name, cld)
			}
			if err := rt.Initialize(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Use
// ---------------------------------------------------------------------------

// UseOptions configures Use.
type UseOptions struct {
	// Cache overrides the manifest's archive path.
	Cache string
	// RequireCache turns a rejected or missing archive into an error.
	RequireCache bool
	// Compiler receives the archived recompilation schedule. Nil skips
	// recompilation.
	Compiler training.Compiler
}

// Report describes an application start.
type Report struct {
	CacheUsed     bool
	Rejection     string
	HeapAccepted  bool
	DeclineReason string
	Restore       archive.RestoreStats
	Runtime       runtime.Stats
	Training      training.DriverStats

	// Statics holds "class.FIELD" to the printed value of every static
	// field of the main classes.
	Statics map[string]string
}

// Use starts the application with the archive attached. A rejected archive
// falls back to a cold start unless opts.RequireCache is set.
func Use(ctx context.Context, m *manifest.Manifest, opts UseOptions) (*Report, error) {
	rt := runtime.New(runtime.Config{HeapArchiving: m.HeapEnabled()})
	ls, err := declare(rt, m)
	if err != nil {
		return nil, err
	}

	path := opts.Cache
	if path == "" {
		path = m.OutputPath()
	}
	report := &Report{}
	reg, err := archive.Attach(rt, path, archive.AttachOptions{})
	if err != nil {
		if opts.RequireCache {
			return nil, fmt.Errorf("%w: %w", ErrCacheRequired, err)
		}
		log.Warningf("starting without cache: %v", err)
		report.Rejection = err.Error()
	} else {
		defer reg.Close()
		report.CacheUsed = true
		// Loaders that cannot be restored load cold; that is not fatal.
		if err := reg.RestoreAll(); err != nil {
			log.Warningf("partial restore: %v", err)
		}
	}

	if err := rt.Bootstrap(); err != nil {
		return nil, err
	}
	if err := startApplication(rt, ls, m); err != nil {
		return nil, fmt.Errorf("use: %w", err)
	}
	if err := rt.InitModuleSystem(); err != nil {
		return nil, err
	}

	if reg != nil {
		report.HeapAccepted = reg.HeapAccepted()
		report.DeclineReason = reg.DeclineReason()
		if opts.Compiler != nil {
			schedule, err := reg.ActivateTraining()
			if err != nil {
				return nil, err
			}
			if schedule != nil {
				stats, err := training.NewDriver(schedule, opts.Compiler, m.Cache.Workers).Run(ctx)
				report.Training = stats
				if err != nil {
					log.Warningf("recompilation: %v", err)
				}
			}
		}
		if n := reg.ReleaseUnusedRoots(); n > 0 {
			log.Debugf("released %d unused archived roots", n)
		}
		report.Restore = reg.Stats()
	}
	report.Runtime = rt.Stats()
	report.Statics, err = statics(rt, ls, m)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func statics(rt *runtime.Runtime, ls *loaderSet, m *manifest.Manifest) (map[string]string, error) {
	out := make(map[string]string)
	for _, c := range m.MainClasses() {
		cld, err := ls.get(c.Loader)
		if err != nil {
			return nil, err
		}
		k, err := rt.LoadClass(cld, c.Name)
		if err != nil {
			return nil, err
		}
		for _, f := range k.Fields {
			if !f.Static {
				continue
			}
			v, err := k.Static(f.Name.String())
			if err != nil {
				return nil, err
			}
			out[c.Name+"."+f.Name.String()] = v.String()
		}
	}
	return out, nil
}

// WriteReport prints r in a stable order.
func WriteReport(w io.Writer, r *Report) {
	if r.CacheUsed {
		fmt.Fprintf(w, "cache     used (heap accepted %t)\n", r.HeapAccepted)
		if r.DeclineReason != "" {
			fmt.Fprintf(w, "heap      %s\n", r.DeclineReason)
		}
		fmt.Fprintf(w, "restored  %d loaders, %d cold, %d classes, %d symbols\n",
			r.Restore.LoadersRestored, r.Restore.LoadersCold, r.Restore.ClassesShared, r.Restore.SymbolsShared)
	} else {
		fmt.Fprintf(w, "cache     not used: %s\n", r.Rejection)
	}
	fmt.Fprintf(w, "runtime   %d parsed, %d initialized, %d shared\n",
		r.Runtime.ClassesParsed, r.Runtime.ClassesInitialized, r.Runtime.ClassesShared)
	if r.Training.Compiled+r.Training.Failed > 0 {
		fmt.Fprintf(w, "training  %d compiled, %d failed\n", r.Training.Compiled, r.Training.Failed)
	}
	keys := make([]string, 0, len(r.Statics))
	for k := range r.Statics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "static    %s = %s\n", k, r.Statics[k])
	}
}

// CompileLog is a Compiler that records which methods it was asked to
// compile.
type CompileLog struct {
	mu       sync.Mutex
	Compiled []string
}

func (c *CompileLog) Compile(ctx context.Context, meth *runtime.Method, level uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Compiled = append(c.Compiled, fmt.Sprintf("%s@L%d", meth, level))
	log.Debugf("compiled %s at level %d", meth, level)
	return nil
}

// ---------------------------------------------------------------------------
// Dump
// ---------------------------------------------------------------------------

// Dump opens the image at path and describes it on w.
func Dump(w io.Writer, path string, opts archive.DumpOptions) error {
	img, err := archive.Open(path, archive.OpenOptions{})
	if err != nil {
		return err
	}
	defer img.Close()
	return archive.Dump(w, img, opts)
}
