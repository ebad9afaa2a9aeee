package archive

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chazu/aotcache/runtime"
	"github.com/chazu/aotcache/training"
	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
)

var restoreLog = commonlog.GetLogger("aotcache.restore")

// ---------------------------------------------------------------------------
// Loader restoration states
// ---------------------------------------------------------------------------

// LoaderState is the restoration progress of one live loader. Transitions
// only move forward and each one is idempotent.
type LoaderState uint8

const (
	Unattached LoaderState = iota
	PackagesModulesAttached
	HeapOopsAttached
	Restored
)

var loaderStateNames = [...]string{
	Unattached:              "unattached",
	PackagesModulesAttached: "packages-modules-attached",
	HeapOopsAttached:        "heap-oops-attached",
	Restored:                "restored",
}

func (s LoaderState) String() string {
	if int(s) < len(loaderStateNames) {
		return loaderStateNames[s]
	}
	return fmt.Sprintf("loader-state(%d)", uint8(s))
}

// RestoreStats counts what a registry handed to the runtime.
type RestoreStats struct {
	LoadersRestored int
	LoadersCold     int
	ClassesShared   int
	SymbolsShared   int
	HeapObjects     int
	RootsFetched    int
	RootsReleased   int
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// AttachOptions configures Attach.
type AttachOptions struct {
	OpenOptions
}

// Registry is the per-process view of an attached archive. It serves
// archived symbols and classes to the runtime and walks each loader
// through restoration.
type Registry struct {
	rt  *runtime.Runtime
	img *Image

	mu  sync.Mutex
	dec *decoder

	// moduleMu serializes package and module table attachment.
	moduleMu sync.Mutex

	heapAccepted  bool
	declineReason string
	rootBase      int
	fetched       map[int32]*runtime.Object

	records  map[string]*LoaderRecord
	states   map[*runtime.ClassLoaderData]LoaderState
	schedule *training.Schedule

	stats  RestoreStats
	closed bool
}

// Attach maps the image at path into rt. On rejection the returned error
// is a *RejectedError and rt is unchanged.
func Attach(rt *runtime.Runtime, path string, opts AttachOptions) (*Registry, error) {
	img, err := Open(path, opts.OpenOptions)
	if err != nil {
		return nil, err
	}
	reg, err := AttachImage(rt, img)
	if err != nil {
		img.Close()
		return nil, err
	}
	return reg, nil
}

// AttachImage attaches an already opened image. The registry takes
// ownership of img.
func AttachImage(rt *runtime.Runtime, img *Image) (*Registry, error) {
	reg := &Registry{
		rt:      rt,
		img:     img,
		fetched: make(map[int32]*runtime.Object),
		records: make(map[string]*LoaderRecord),
		states:  make(map[*runtime.ClassLoaderData]LoaderState),
	}
	reg.dec = newDecoder(img, rt.Symbols, reg.heapRef)

	if reason := reg.heapDecision(); reason != "" {
		reg.decline(reason)
	} else if err := reg.loadHeap(); err != nil {
		if !errors.Is(err, runtime.ErrNoQueueConflict) {
			return nil, rejectf(img.Path, err, "heap region: %v", err)
		}
		reg.decline(err.Error())
	}

	rt.Symbols.SetShared(reg)
	rt.SetSharedClassProvider(reg)

	restoreLog.Infof("attached %s (heap %s)", img.Path, reg.heapSummary())
	return reg, nil
}

// heapDecision returns why archived heap objects cannot be used, or "".
func (reg *Registry) heapDecision() string {
	h := reg.img.Header
	heap := reg.rt.Heap
	recorded := runtime.Layout{
		RegionSize:     h.HeapRegionSize,
		Alignment:      h.HeapAlignment,
		CompressedRefs: h.CompressedRefs,
	}
	switch {
	case !h.HasHeap():
		return "archive has no heap objects"
	case !recorded.Compatible(heap.Layout()):
		return fmt.Sprintf("heap layout %+v differs from recorded %+v", heap.Layout(), recorded)
	case reg.rt.ModuleSystemInitialized():
		return "module system already initialized"
	case h.QueueStrategy == QueueArchiveSingleton && heap.HasNoQueue():
		return "heap already created its no-op queue"
	}
	return ""
}

func (reg *Registry) decline(reason string) {
	reg.heapAccepted = false
	reg.declineReason = reason
	restoreLog.Noticef("archived heap objects declined: %s", reason)
}

func (reg *Registry) heapSummary() string {
	if reg.heapAccepted {
		return fmt.Sprintf("%d objects, %d roots", reg.stats.HeapObjects, len(reg.img.HeapRoots))
	}
	return "declined: " + reg.declineReason
}

// loadHeap materializes the heap region and registers its roots, then
// resolves class pointers of the new objects.
func (reg *Registry) loadHeap() error {
	heap := reg.rt.Heap
	objs, roots, err := materializeHeap(reg.img, heap)
	if err != nil {
		return err
	}
	reg.rootBase = heap.RegisterArchivedRoots(roots)
	reg.heapAccepted = true
	reg.stats.HeapObjects = len(objs)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err := linkKlasses(reg.dec, objs); err != nil {
		for i := range roots {
			heap.ClearArchivedRoot(reg.rootBase + i)
		}
		reg.heapAccepted = false
		return err
	}
	return nil
}

// heapRef hands out archived root idx. A fetched root is pinned and its
// registry slot cleared, so repeated fetches return the same object.
func (reg *Registry) heapRef(idx int32) *runtime.Object {
	if idx < 0 || !reg.heapAccepted || int(idx) >= len(reg.img.HeapRoots) {
		return nil
	}
	if o, ok := reg.fetched[idx]; ok {
		return o
	}
	heap := reg.rt.Heap
	slot := reg.rootBase + int(idx)
	o := heap.ArchivedRoot(slot)
	if o == nil {
		return nil
	}
	heap.AddRoot(o)
	heap.ClearArchivedRoot(slot)
	reg.fetched[idx] = o
	reg.stats.RootsFetched++
	return o
}

// HeapAccepted reports whether archived heap objects are in use.
func (reg *Registry) HeapAccepted() bool {
	return reg.heapAccepted
}

// DeclineReason says why archived heap objects were declined.
func (reg *Registry) DeclineReason() string {
	return reg.declineReason
}

// Image returns the attached image.
func (reg *Registry) Image() *Image {
	return reg.img
}

// ---------------------------------------------------------------------------
// Shared lookups
// ---------------------------------------------------------------------------

// LookupSymbol implements runtime.SharedSymbols.
func (reg *Registry) LookupSymbol(name string) (*runtime.Symbol, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return nil, false
	}
	h, ok := reg.img.Symbols.Lookup(name)
	if !ok {
		return nil, false
	}
	sym, err := decodeAs[*runtime.Symbol](reg.dec, h)
	if err != nil {
		restoreLog.Warningf("symbol %q: %s", name, err)
		return nil, false
	}
	reg.stats.SymbolsShared++
	return sym, true
}

// LookupClass implements runtime.SharedClassProvider. Only loaders whose
// packages and modules are attached are served.
func (reg *Registry) LookupClass(cld *runtime.ClassLoaderData, name string) (*runtime.Class, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed || reg.states[cld] < PackagesModulesAttached {
		return nil, false
	}
	h, ok := reg.img.Classes.Lookup(cld.Identity() + "::" + name)
	if !ok {
		return nil, false
	}
	k, err := decodeAs[*runtime.Class](reg.dec, h)
	if err != nil {
		restoreLog.Warningf("class %s in %s: %s", name, cld, err)
		return nil, false
	}
	if k.Loader != nil && k.Loader != cld {
		return nil, false
	}
	k.Loader = cld

	// Superclasses defined by ancestors join their dictionaries as well.
	for s := k.Super; s != nil; s = s.Super {
		if s.Loader == nil || s.Loader == cld {
			continue
		}
		if _, ok := s.Loader.Class(s.Name.String()); !ok {
			if err := s.Loader.AddClass(s); err != nil {
				restoreLog.Debugf("superclass %s not added to %s: %v", s.Name, s.Loader, err)
			}
		}
	}
	reg.stats.ClassesShared++
	return k, true
}

// LookupLoaderData finds the live loader an archived loader identity
// refers to. Custom identities must match exactly one live loader.
func (reg *Registry) LookupLoaderData(identity string) (*runtime.ClassLoaderData, error) {
	if aot, ok := strings.CutPrefix(identity, "custom:"); ok {
		matches := reg.rt.CustomLoadersByAOTIdentity(aot)
		if len(matches) != 1 {
			return nil, &LookupError{Identity: identity, Matches: len(matches)}
		}
		return matches[0], nil
	}
	if cld, ok := reg.rt.LoaderByIdentity(identity); ok {
		return cld, nil
	}
	return nil, &LookupError{Identity: identity}
}

// ArchivedUnnamedModule returns the archived unnamed module of cld.
func (reg *Registry) ArchivedUnnamedModule(cld *runtime.ClassLoaderData) (*runtime.Module, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, err := reg.recordLocked(cld)
	if err != nil {
		return nil, err
	}
	return rec.Unnamed, nil
}

func (reg *Registry) recordLocked(cld *runtime.ClassLoaderData) (*LoaderRecord, error) {
	if reg.closed {
		return nil, ErrClosed
	}
	identity := cld.Identity()
	if rec, ok := reg.records[identity]; ok {
		return rec, nil
	}
	h, ok := reg.img.Loaders.Lookup(identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, identity)
	}
	rec, err := decodeAs[*LoaderRecord](reg.dec, h)
	if err != nil {
		return nil, err
	}
	reg.records[identity] = rec
	return rec, nil
}

// ---------------------------------------------------------------------------
// Restoration phases
// ---------------------------------------------------------------------------

// State returns the restoration state of cld.
func (reg *Registry) State(cld *runtime.ClassLoaderData) LoaderState {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.states[cld]
}

// AttachPackagesModules merges the archived package and module tables of
// cld into the live loader. The loader's tables exist afterwards even when
// the archive has nothing for it.
func (reg *Registry) AttachPackagesModules(cld *runtime.ClassLoaderData) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.states[cld] >= PackagesModulesAttached {
		return nil
	}

	reg.moduleMu.Lock()
	defer reg.moduleMu.Unlock()
	cld.EnsureTables()

	if cld.Kind == runtime.LoaderCustom {
		live, err := reg.LookupLoaderData(cld.Identity())
		if err != nil {
			return err
		}
		if live != cld {
			return &LookupError{Identity: cld.Identity(), Matches: 1}
		}
	}
	rec, err := reg.recordLocked(cld)
	if err != nil {
		return err
	}
	cld.AttachTables(rec.Packages, rec.Modules, rec.Unnamed)
	for _, k := range rec.Classes {
		if k.Loader == nil {
			k.Loader = cld
		}
	}
	reg.states[cld] = PackagesModulesAttached
	return nil
}

// AttachHeapOops installs the archived heap objects of cld. When the heap
// was declined the loader is marked for reconstruction instead.
func (reg *Registry) AttachHeapOops(cld *runtime.ClassLoaderData) error {
	if err := reg.AttachPackagesModules(cld); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.states[cld] >= HeapOopsAttached {
		return nil
	}
	if !reg.heapAccepted {
		cld.MustReconstruct = true
		return nil
	}
	rec, err := reg.recordLocked(cld)
	if err != nil {
		return err
	}
	if cld.Object == nil && rec.Object != nil {
		cld.Object = rec.Object
	}
	reg.states[cld] = HeapOopsAttached
	return nil
}

// Restore runs every restoration phase for cld.
func (reg *Registry) Restore(cld *runtime.ClassLoaderData) error {
	if err := reg.AttachHeapOops(cld); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.states[cld] < Restored {
		reg.states[cld] = Restored
		reg.stats.LoadersRestored++
	}
	return nil
}

// RestoreAll restores boot, platform, app and every live custom loader in
// that order. Loaders that fail stay cold; their errors are returned
// together.
func (reg *Registry) RestoreAll() error {
	var result *multierror.Error
	for _, cld := range reg.rt.Loaders() {
		if err := reg.Restore(cld); err != nil {
			restoreLog.Warningf("loader %s stays cold: %s", cld, err)
			reg.mu.Lock()
			reg.stats.LoadersCold++
			reg.mu.Unlock()
			result = multierror.Append(result, fmt.Errorf("%s: %w", cld, err))
		}
	}
	return result.ErrorOrNil()
}

// ---------------------------------------------------------------------------
// Training data
// ---------------------------------------------------------------------------

// ActivateTraining decodes the archived recompilation schedule. It returns
// nil when the archive carries none.
func (reg *Registry) ActivateTraining() (*training.Schedule, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.schedule != nil {
		return reg.schedule, nil
	}
	h := reg.img.Header
	if h.Flags&FlagTraining == 0 || h.Schedule.IsNull() {
		return nil, nil
	}
	if reg.closed {
		return nil, ErrClosed
	}
	s, err := decodeAs[*training.Schedule](reg.dec, h.Schedule)
	if err != nil {
		return nil, err
	}
	reg.schedule = s
	restoreLog.Infof("training schedule with %d entries activated", s.Len())
	return s, nil
}

// ClaimNextTrainingEntry claims the next unclaimed schedule entry. It
// returns -1 and nil once the schedule is exhausted or not activated.
func (reg *Registry) ClaimNextTrainingEntry() (int, *training.Record) {
	reg.mu.Lock()
	s := reg.schedule
	reg.mu.Unlock()
	if s == nil {
		return -1, nil
	}
	return s.ClaimNext()
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// ReleaseUnusedRoots drops archived heap roots nobody fetched, so the
// collector can reclaim them. It returns how many were released.
func (reg *Registry) ReleaseUnusedRoots() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.heapAccepted {
		return 0
	}
	n := 0
	for i := range reg.img.HeapRoots {
		if _, ok := reg.fetched[int32(i)]; ok {
			continue
		}
		slot := reg.rootBase + i
		if reg.rt.Heap.ArchivedRoot(slot) != nil {
			reg.rt.Heap.ClearArchivedRoot(slot)
			n++
		}
	}
	reg.stats.RootsReleased += n
	return n
}

// Stats returns restoration counters.
func (reg *Registry) Stats() RestoreStats {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.stats
}

// Close detaches the shared layers from the runtime and unmaps the image.
// Restored entities stay valid.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil
	}
	reg.closed = true
	reg.mu.Unlock()

	reg.rt.Symbols.SetShared(nil)
	reg.rt.SetSharedClassProvider(nil)
	return reg.img.Close()
}
