package closure

import "testing"

type node struct {
	name string
	next *node
	kids []*node
}

func (n *node) ArchiveKind() Kind        { return KindPackage }
func (n *node) ArchiveIdentity() string { return n.name }
func (n *node) IteratePointers(fn PointerFunc) {
	Visit(fn, n.next)
	VisitSlice(fn, n.kids)
}
func (n *node) Serialize(c Closure) {
	c.DoString(&n.name)
	Ptr(c, &n.next)
	PtrSlice(c, &n.kids)
}

// recorder is a writing closure that remembers pointer targets.
type recorder struct {
	strings []string
	ptrs    []Archivable
	lengths []uint32
}

func (r *recorder) Reading() bool      { return false }
func (r *recorder) DoU8(*uint8)        {}
func (r *recorder) DoU16(*uint16)      {}
func (r *recorder) DoU32(p *uint32)    { r.lengths = append(r.lengths, *p) }
func (r *recorder) DoI32(*int32)       {}
func (r *recorder) DoU64(*uint64)      {}
func (r *recorder) DoI64(*int64)       {}
func (r *recorder) DoBool(*bool)       {}
func (r *recorder) DoBytes(*[]byte)    {}
func (r *recorder) DoString(p *string) { r.strings = append(r.strings, *p) }
func (r *recorder) DoPtr(s Slot)       { r.ptrs = append(r.ptrs, s.Get()) }
func (r *recorder) DoHeap(HeapSlot)    {}

// feeder is a reading closure that replays canned values.
type feeder struct {
	strings []string
	ptrs    []Archivable
	lengths []uint32
}

func (f *feeder) Reading() bool   { return true }
func (f *feeder) DoU8(*uint8)     {}
func (f *feeder) DoU16(*uint16)   {}
func (f *feeder) DoI32(*int32)    {}
func (f *feeder) DoU64(*uint64)   {}
func (f *feeder) DoI64(*int64)    {}
func (f *feeder) DoBool(*bool)    {}
func (f *feeder) DoBytes(*[]byte) {}
func (f *feeder) DoU32(p *uint32) {
	*p = f.lengths[0]
	f.lengths = f.lengths[1:]
}
func (f *feeder) DoString(p *string) {
	*p = f.strings[0]
	f.strings = f.strings[1:]
}
func (f *feeder) DoPtr(s Slot) {
	s.Set(f.ptrs[0])
	f.ptrs = f.ptrs[1:]
}
func (f *feeder) DoHeap(HeapSlot) {}

func TestPtrSlotNilHandling(t *testing.T) {
	n := &node{name: "a"}
	r := &recorder{}
	n.Serialize(r)

	if len(r.ptrs) != 1 {
		t.Fatalf("pointer visits = %d, want 1", len(r.ptrs))
	}
	if r.ptrs[0] != nil {
		t.Errorf("nil *node field reported as %v, want untyped nil", r.ptrs[0])
	}
}

func TestSerializeSymmetry(t *testing.T) {
	leaf := &node{name: "leaf"}
	other := &node{name: "other"}
	src := &node{name: "root", next: leaf, kids: []*node{leaf, other}}

	r := &recorder{}
	src.Serialize(r)

	dst := &node{}
	dst.Serialize(&feeder{strings: r.strings, ptrs: r.ptrs, lengths: r.lengths})

	if dst.name != "root" {
		t.Errorf("name = %q, want root", dst.name)
	}
	if dst.next != leaf {
		t.Errorf("next = %v, want leaf", dst.next)
	}
	if len(dst.kids) != 2 || dst.kids[0] != leaf || dst.kids[1] != other {
		t.Errorf("kids = %v, want [leaf other]", dst.kids)
	}
}

func TestIteratePointersMatchesSerialize(t *testing.T) {
	leaf := &node{name: "leaf"}
	src := &node{name: "root", next: leaf, kids: []*node{leaf}}

	var iterated []Archivable
	src.IteratePointers(func(a Archivable) { iterated = append(iterated, a) })

	r := &recorder{}
	src.Serialize(r)

	if len(iterated) != len(r.ptrs) {
		t.Fatalf("IteratePointers saw %d, Serialize saw %d", len(iterated), len(r.ptrs))
	}
	for i := range iterated {
		if iterated[i] != r.ptrs[i] {
			t.Errorf("pointer %d differs", i)
		}
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	f.Register(KindPackage, func() Archivable { return &node{} })

	a, err := f.New(KindPackage)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := a.(*node); !ok {
		t.Errorf("New returned %T, want *node", a)
	}

	if _, err := f.New(KindClass); err == nil {
		t.Error("New(KindClass) succeeded without a constructor")
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	f.Register(KindPackage, func() Archivable { return &node{} })
}

func TestKindString(t *testing.T) {
	if KindClass.String() != "class" {
		t.Errorf("KindClass = %q", KindClass.String())
	}
	if Kind(200).Valid() {
		t.Error("Kind(200) reported valid")
	}
	if Kind(200).String() != "kind(200)" {
		t.Errorf("Kind(200) = %q", Kind(200).String())
	}
}
