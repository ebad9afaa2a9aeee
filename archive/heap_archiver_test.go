package archive

import (
	"math"
	"strings"
	"testing"

	"github.com/chazu/aotcache/runtime"
)

func TestWideObjectNotArchived(t *testing.T) {
	layout := runtime.DefaultLayout
	layout.RegionSize = 1 << 22

	producer := runtime.New(runtime.Config{Layout: layout, HeapArchiving: true})
	if err := producer.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	producer.DefineSource(producer.App, cacheSource())
	k, err := producer.LoadClass(producer.App, "app/Cache")
	if err != nil {
		t.Fatalf("LoadClass failed: %v", err)
	}
	if err := producer.Initialize(k); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	const width = math.MaxUint16 + 4465
	if err := k.SetStatic("VALUE", runtime.RefValue(producer.Heap.NewArray(width))); err != nil {
		t.Fatalf("SetStatic failed: %v", err)
	}
	if err := producer.InitModuleSystem(); err != nil {
		t.Fatalf("InitModuleSystem failed: %v", err)
	}

	arc := build(t, producer, nil, testOptions())
	rejected := strings.Join(arc.Stats.RejectedRoots, "\n")
	if !strings.Contains(rejected, "fields") {
		t.Errorf("RejectedRoots = %v, want the mirror holding the wide array", arc.Stats.RejectedRoots)
	}
	path := writeTestImage(t, arc)

	rt := runtime.New(runtime.Config{Layout: layout})
	reg, err := Attach(rt, path, AttachOptions{})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer reg.Close()
	if !reg.HeapAccepted() {
		t.Fatalf("heap declined: %s", reg.DeclineReason())
	}
	if err := reg.RestoreAll(); err != nil {
		t.Fatalf("RestoreAll failed: %v", err)
	}
	if err := rt.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	restored, err := rt.LoadClass(rt.App, "app/Cache")
	if err != nil {
		t.Fatalf("LoadClass failed: %v", err)
	}
	if restored.Mirror != nil {
		v, err := restored.Static("VALUE")
		if err != nil {
			t.Fatalf("Static(VALUE) failed: %v", err)
		}
		t.Fatalf("mirror restored with VALUE of %d elements, want the class left for re-initialization",
			v.Ref().NumFields())
	}
	if restored.Status != runtime.StatusLinked {
		t.Errorf("Status = %s, want linked", restored.Status)
	}
}
