package runtime

import "testing"

func TestCollectSweepsUnreachable(t *testing.T) {
	rt := newTestRuntime(t)
	h := rt.Heap
	kept := h.NewString("kept")
	h.AddRoot(kept)
	h.NewString("garbage")

	before := h.Len()
	stats := h.Collect()
	if stats.Swept == 0 {
		t.Errorf("Swept = 0, want > 0")
	}
	if !h.Contains(kept) {
		t.Errorf("rooted object was swept")
	}
	if h.Len() >= before {
		t.Errorf("Len = %d, want < %d", h.Len(), before)
	}
}

func TestWeakReferenceCleared(t *testing.T) {
	rt := newTestRuntime(t)
	h := rt.Heap
	referent := h.New(h.WellKnown().Object, 0)
	ref := h.NewWeakReference(referent, nil)
	h.AddRoot(ref)

	h.Collect()
	if WeakGet(ref) != nil {
		t.Fatalf("referent survived with only a weak reference")
	}
	if h.LastGC().WeakCleared != 1 {
		t.Errorf("WeakCleared = %d, want 1", h.LastGC().WeakCleared)
	}
}

func TestWeakReferenceEnqueued(t *testing.T) {
	rt := newTestRuntime(t)
	h := rt.Heap
	q := h.NewReferenceQueue()
	ref := h.NewWeakReference(h.New(h.WellKnown().Object, 0), q)
	h.AddRoot(ref)

	h.Collect()
	if len(q.Pending()) != 1 || q.Pending()[0] != ref {
		t.Fatalf("Pending = %v, want [ref]", q.Pending())
	}
}

func TestForeignNullQueueIsInactive(t *testing.T) {
	rt := newTestRuntime(t)
	h := rt.Heap

	// A null queue that is not this heap's singleton.
	stale := &Object{Kind: ObjectNullQueue, Klass: h.WellKnown().NullQueue}
	h.Adopt(stale)
	h.AddRoot(stale)

	referent := h.New(h.WellKnown().Object, 0)
	ref := h.NewWeakReference(referent, stale)
	h.AddRoot(ref)

	h.Collect()
	h.Collect()
	if WeakGet(ref) != referent {
		t.Fatalf("reference with a foreign null queue was cleared")
	}
	if h.LastGC().WeakInactive != 1 {
		t.Errorf("WeakInactive = %d, want 1", h.LastGC().WeakInactive)
	}
}

func TestAdoptNoQueueConflict(t *testing.T) {
	rt := newTestRuntime(t)
	h := rt.Heap
	archived := &Object{Kind: ObjectNullQueue}
	h.Adopt(archived)
	if err := h.AdoptNoQueue(archived); err != nil {
		t.Fatalf("AdoptNoQueue failed: %v", err)
	}
	if !h.IsNoQueue(archived) {
		t.Errorf("adopted queue is not the no-op queue")
	}
	other := &Object{Kind: ObjectNullQueue}
	if err := h.AdoptNoQueue(other); err != ErrNoQueueConflict {
		t.Errorf("err = %v, want ErrNoQueueConflict", err)
	}
}

func TestArchivedRootsKeepObjectsAlive(t *testing.T) {
	rt := newTestRuntime(t)
	h := rt.Heap
	o := &Object{Kind: ObjectString, Str: "archived", Archived: true}
	h.Adopt(o)
	base := h.RegisterArchivedRoots([]*Object{o})

	h.Collect()
	if !h.Contains(o) {
		t.Fatalf("archived root was swept")
	}
	if h.ArchivedRoot(base) != o {
		t.Errorf("ArchivedRoot(%d) = %v", base, h.ArchivedRoot(base))
	}
	h.ClearArchivedRoot(base)
	h.Collect()
	if h.Contains(o) {
		t.Errorf("cleared archived root survived")
	}
}

func TestAdoptInternedStringAfterConsumer(t *testing.T) {
	rt := newTestRuntime(t)
	h := rt.Heap
	live := h.Intern("shared")

	archived := &Object{Kind: ObjectString, Str: "shared", Interned: true}
	h.Adopt(archived)
	if archived.Interned {
		t.Errorf("archived duplicate still marked interned")
	}
	if got := h.Intern("shared"); got != live {
		t.Errorf("Intern returned %v, want the consumer's string", got)
	}

	fresh := &Object{Kind: ObjectString, Str: "archived-only", Interned: true}
	h.Adopt(fresh)
	if got := h.Intern("archived-only"); got != fresh {
		t.Errorf("Intern returned %v, want the adopted string", got)
	}
}
