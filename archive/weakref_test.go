package archive

import (
	"testing"

	"github.com/chazu/aotcache/runtime"
)

// restoredWeakRef restores app/Cache from an image built with strategy,
// drops the only strong path to the referent of its weak reference and
// runs two full collections.
func restoredWeakRef(t *testing.T, strategy QueueStrategy) (*runtime.Runtime, *runtime.Object, runtime.GCStats) {
	t.Helper()
	producer := assemblyRuntime(t, cacheSource())
	opts := testOptions()
	opts.QueueStrategy = strategy
	path := writeTestImage(t, build(t, producer, nil, opts))

	rt, reg := consume(t, path)
	if !reg.HeapAccepted() {
		t.Fatalf("heap declined: %s", reg.DeclineReason())
	}
	k, err := rt.LoadClass(rt.App, "app/Cache")
	if err != nil {
		t.Fatalf("LoadClass failed: %v", err)
	}
	v, err := k.Static("REF")
	if err != nil {
		t.Fatalf("Static(REF) failed: %v", err)
	}
	ref := v.Ref()
	if runtime.WeakGet(ref) == nil {
		t.Fatalf("restored weak reference has no referent")
	}
	if err := k.SetStatic("VALUE", runtime.Nil); err != nil {
		t.Fatalf("SetStatic failed: %v", err)
	}
	rt.Heap.Collect()
	return rt, ref, rt.Heap.Collect()
}

func TestWeakRefQueueStrategies(t *testing.T) {
	tests := []struct {
		strategy    QueueStrategy
		wantCleared bool
	}{
		{QueueRecompute, true},
		{QueueArchiveSingleton, true},
		// Copying the singleton leaves the reference pointing at an object
		// that is not this heap's no-op queue, so it is never cleared.
		{QueueVerbatim, false},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			rt, ref, stats := restoredWeakRef(t, tt.strategy)

			cleared := runtime.WeakGet(ref) == nil
			if cleared != tt.wantCleared {
				t.Errorf("referent cleared = %t, want %t (gc: %+v)", cleared, tt.wantCleared, stats)
			}
			queue := ref.Field(runtime.WeakQueueField).Ref()
			if isSingleton := rt.Heap.IsNoQueue(queue); isSingleton != tt.wantCleared {
				t.Errorf("queue is the heap's no-op queue = %t, want %t", isSingleton, tt.wantCleared)
			}
			if !tt.wantCleared && stats.WeakInactive == 0 {
				t.Errorf("no inactive weak reference reported: %+v", stats)
			}
		})
	}
}

func TestArchiveSingletonConflictDeclinesHeap(t *testing.T) {
	producer := assemblyRuntime(t, cacheSource())
	opts := testOptions()
	opts.QueueStrategy = QueueArchiveSingleton
	path := writeTestImage(t, build(t, producer, nil, opts))

	rt := runtime.New(runtime.Config{})
	rt.Heap.NoQueue()
	reg, err := Attach(rt, path, AttachOptions{})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer reg.Close()
	if reg.HeapAccepted() {
		t.Errorf("heap accepted although the consumer already has a no-op queue")
	}
	if n := rt.Heap.ArchivedRootCount(); n != 0 {
		t.Errorf("%d archived roots registered after declining", n)
	}
}

func TestParseQueueStrategy(t *testing.T) {
	for _, s := range []QueueStrategy{QueueRecompute, QueueArchiveSingleton, QueueVerbatim} {
		got, err := ParseQueueStrategy(s.String())
		if err != nil || got != s {
			t.Errorf("ParseQueueStrategy(%q) = %s, %v", s, got, err)
		}
	}
	if got, err := ParseQueueStrategy(""); err != nil || got != QueueRecompute {
		t.Errorf("default strategy = %s, %v; want recompute", got, err)
	}
	if _, err := ParseQueueStrategy("bogus"); err == nil {
		t.Errorf("unknown strategy accepted")
	}
}
