package training

import (
	"sync/atomic"

	"github.com/chazu/aotcache/closure"
)

// ---------------------------------------------------------------------------
// Schedule
// ---------------------------------------------------------------------------

// Schedule is an ordered list of methods to recompile. It is immutable once
// built except for the per-entry claim flags.
type Schedule struct {
	Records []*Record

	cursor atomic.Int64
}

// NewSchedule wraps records in schedule order.
func NewSchedule(records []*Record) *Schedule {
	return &Schedule{Records: records}
}

// BuildSchedule turns the profiler's hot methods into a schedule, hottest
// first. Ties are broken by method key so the result is deterministic.
func BuildSchedule(p *Profiler) *Schedule {
	hot := p.HotProfiles()
	records := make([]*Record, 0, len(hot))
	for _, prof := range hot {
		records = append(records, NewRecord(prof.Method, prof.Invocations(), prof.Level()))
	}
	return NewSchedule(records)
}

// Len returns the number of entries.
func (s *Schedule) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// At returns entry i.
func (s *Schedule) At(i int) *Record {
	return s.Records[i]
}

// ClaimAt atomically claims entry i. It returns true for exactly one caller
// per entry; an out-of-range index is never claimable.
func (s *Schedule) ClaimAt(i int) bool {
	if i < 0 || i >= s.Len() {
		return false
	}
	return s.Records[i].claimed.CompareAndSwap(false, true)
}

// ClaimNext claims the first unclaimed entry at or after the shared cursor.
// It returns -1 when every entry is taken.
func (s *Schedule) ClaimNext() (int, *Record) {
	n := s.Len()
	for {
		i := int(s.cursor.Load())
		if i >= n {
			return -1, nil
		}
		if s.ClaimAt(i) {
			s.cursor.CompareAndSwap(int64(i), int64(i+1))
			return i, s.Records[i]
		}
		// Somebody else owns i; move the cursor past it.
		s.cursor.CompareAndSwap(int64(i), int64(i+1))
	}
}

// Claimed returns the number of claimed entries.
func (s *Schedule) Claimed() int {
	n := 0
	for _, r := range s.Records {
		if r.Claimed() {
			n++
		}
	}
	return n
}

func (s *Schedule) ArchiveKind() closure.Kind { return closure.KindTrainingSchedule }

func (s *Schedule) ArchiveIdentity() string { return "training/schedule" }

func (s *Schedule) ArchiveMutable() bool { return true }

func (s *Schedule) IteratePointers(fn closure.PointerFunc) {
	closure.VisitSlice(fn, s.Records)
}

func (s *Schedule) Serialize(c closure.Closure) {
	closure.PtrSlice(c, &s.Records)
	if c.Reading() {
		s.cursor.Store(0)
	}
}

// RegisterKinds adds the training entity constructors to f.
func RegisterKinds(f *closure.Factory) {
	f.Register(closure.KindTrainingRecord, func() closure.Archivable { return &Record{} })
	f.Register(closure.KindTrainingSchedule, func() closure.Archivable { return &Schedule{} })
}
