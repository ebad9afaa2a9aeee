package training

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/aotcache/closure"
	"github.com/chazu/aotcache/runtime"
)

// ---------------------------------------------------------------------------
// Record: one schedule entry
// ---------------------------------------------------------------------------

// Record is the training observation for one method.
type Record struct {
	Method      *runtime.Method
	Invocations uint64
	Level       uint8

	claimed atomic.Bool
}

// NewRecord creates an unclaimed record.
func NewRecord(m *runtime.Method, invocations uint64, level uint8) *Record {
	return &Record{Method: m, Invocations: invocations, Level: level}
}

// Claimed reports whether a worker has taken the record.
func (r *Record) Claimed() bool {
	return r.claimed.Load()
}

func (r *Record) String() string {
	return fmt.Sprintf("%s x%d L%d", r.Method, r.Invocations, r.Level)
}

func (r *Record) ArchiveKind() closure.Kind { return closure.KindTrainingRecord }

func (r *Record) ArchiveIdentity() string {
	return "training/" + r.Method.ArchiveIdentity()
}

// ArchiveMutable keeps records in the read-write region: the claim flag is
// written after restore.
func (r *Record) ArchiveMutable() bool { return true }

func (r *Record) IteratePointers(fn closure.PointerFunc) {
	closure.Visit(fn, r.Method)
}

func (r *Record) Serialize(c closure.Closure) {
	closure.Ptr(c, &r.Method)
	c.DoU64(&r.Invocations)
	c.DoU8(&r.Level)

	// Claims never survive into an archive.
	claimed := false
	c.DoBool(&claimed)
	if c.Reading() {
		r.claimed.Store(false)
	}
}
