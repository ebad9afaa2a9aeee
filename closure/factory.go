package closure

import (
	"fmt"
	"sort"
)

// Factory creates empty entities by kind so a reading closure can populate
// them. Each package that defines archivable types registers its
// constructors explicitly; there is no init-time global registration.
type Factory struct {
	ctors map[Kind]func() Archivable
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[Kind]func() Archivable)}
}

// Register installs the constructor for kind. Registering a kind twice
// panics; that is a wiring bug, not a runtime condition.
func (f *Factory) Register(kind Kind, ctor func() Archivable) {
	if _, dup := f.ctors[kind]; dup {
		panic(fmt.Sprintf("closure: kind %s registered twice", kind))
	}
	f.ctors[kind] = ctor
}

// New returns a zero entity of the given kind.
func (f *Factory) New(kind Kind) (Archivable, error) {
	ctor, ok := f.ctors[kind]
	if !ok {
		return nil, fmt.Errorf("closure: no constructor for %s", kind)
	}
	return ctor(), nil
}

// Kinds returns the registered kinds in ascending order.
func (f *Factory) Kinds() []Kind {
	kinds := make([]Kind, 0, len(f.ctors))
	for k := range f.ctors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
