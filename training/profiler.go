package training

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/aotcache/runtime"
)

// Compilation levels recorded by the profiler.
const (
	LevelInterpreted uint8 = iota
	LevelBaseline
	LevelOptimized
)

// DefaultHotThreshold is the invocation count at which a method becomes hot.
const DefaultHotThreshold = 100

// MethodProfile holds profiling data for a single method.
type MethodProfile struct {
	Method *runtime.Method

	invocations atomic.Uint64
	level       atomic.Uint32
	hot         atomic.Bool
}

// Invocations returns the invocation count.
func (p *MethodProfile) Invocations() uint64 {
	return p.invocations.Load()
}

// Level returns the highest compilation level observed.
func (p *MethodProfile) Level() uint8 {
	return uint8(p.level.Load())
}

// IsHot reports whether the method crossed the hot threshold.
func (p *MethodProfile) IsHot() bool {
	return p.hot.Load()
}

// Profiler tracks method invocation counts during a training run.
type Profiler struct {
	profiles sync.Map // *runtime.Method -> *MethodProfile

	HotThreshold uint64

	// OnHot is called once per method when it becomes hot.
	OnHot func(p *MethodProfile)

	hotCount atomic.Uint64
}

// NewProfiler creates a profiler with the given threshold. Zero selects
// DefaultHotThreshold.
func NewProfiler(threshold uint64) *Profiler {
	if threshold == 0 {
		threshold = DefaultHotThreshold
	}
	return &Profiler{HotThreshold: threshold}
}

func (p *Profiler) profile(m *runtime.Method) *MethodProfile {
	val, _ := p.profiles.LoadOrStore(m, &MethodProfile{Method: m})
	return val.(*MethodProfile)
}

// RecordInvocations adds n invocations of m. It returns true if this call
// made the method hot.
func (p *Profiler) RecordInvocations(m *runtime.Method, n uint64) bool {
	if m == nil || n == 0 {
		return false
	}
	prof := p.profile(m)
	count := prof.invocations.Add(n)
	if count >= p.HotThreshold && prof.hot.CompareAndSwap(false, true) {
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(prof)
		}
		return true
	}
	return false
}

// RecordInvocation records one invocation of m.
func (p *Profiler) RecordInvocation(m *runtime.Method) bool {
	return p.RecordInvocations(m, 1)
}

// RecordLevel raises m's recorded compilation level to at least level.
func (p *Profiler) RecordLevel(m *runtime.Method, level uint8) {
	if m == nil {
		return
	}
	prof := p.profile(m)
	for {
		cur := prof.level.Load()
		if uint32(level) <= cur || prof.level.CompareAndSwap(cur, uint32(level)) {
			return
		}
	}
}

// Profile returns the profile of m, or nil if it was never recorded.
func (p *Profiler) Profile(m *runtime.Method) *MethodProfile {
	if val, ok := p.profiles.Load(m); ok {
		return val.(*MethodProfile)
	}
	return nil
}

// HotProfiles returns the profiles of hot methods ordered by descending
// invocation count, then by method key.
func (p *Profiler) HotProfiles() []*MethodProfile {
	var hot []*MethodProfile
	p.profiles.Range(func(_, value any) bool {
		prof := value.(*MethodProfile)
		if prof.IsHot() {
			hot = append(hot, prof)
		}
		return true
	})
	sort.Slice(hot, func(i, j int) bool {
		a, b := hot[i].Invocations(), hot[j].Invocations()
		if a != b {
			return a > b
		}
		return hot[i].Method.ArchiveIdentity() < hot[j].Method.ArchiveIdentity()
	})
	return hot
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Methods     int
	HotMethods  int
	Invocations uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		prof := value.(*MethodProfile)
		stats.Methods++
		stats.Invocations += prof.Invocations()
		return true
	})
	stats.HotMethods = int(p.hotCount.Load())
	return stats
}
