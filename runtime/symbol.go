package runtime

import (
	"sort"
	"sync"

	"github.com/chazu/aotcache/closure"
)

// ---------------------------------------------------------------------------
// Symbol: interned byte sequence
// ---------------------------------------------------------------------------

// Symbol is an immutable interned name or descriptor. Two symbols with the
// same content obtained from the same SymbolTable are the same pointer.
type Symbol struct {
	body []byte
}

// String returns the symbol content.
func (s *Symbol) String() string {
	if s == nil {
		return ""
	}
	return string(s.body)
}

// Bytes returns the symbol content. Callers must not modify it.
func (s *Symbol) Bytes() []byte {
	return s.body
}

// Len returns the content length in bytes.
func (s *Symbol) Len() int {
	return len(s.body)
}

func (s *Symbol) ArchiveKind() closure.Kind           { return closure.KindSymbol }
func (s *Symbol) ArchiveIdentity() string             { return string(s.body) }
func (s *Symbol) IteratePointers(fn closure.PointerFunc) {}

func (s *Symbol) Serialize(c closure.Closure) {
	c.DoBytes(&s.body)
}

// ---------------------------------------------------------------------------
// SymbolTable: hash-consing table with an optional shared layer
// ---------------------------------------------------------------------------

// SharedSymbols is a read-only symbol source consulted when the local table
// misses, typically the symbol table of a mapped archive.
type SharedSymbols interface {
	LookupSymbol(name string) (*Symbol, bool)
}

// SymbolTable interns symbol strings.
type SymbolTable struct {
	mu     sync.RWMutex
	byName map[string]*Symbol
	shared SharedSymbols

	sharedHits int
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]*Symbol, 256),
	}
}

// SetShared installs the shared layer. Passing nil detaches it.
func (st *SymbolTable) SetShared(shared SharedSymbols) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.shared = shared
}

// Intern returns the symbol for name, creating it if needed.
func (st *SymbolTable) Intern(name string) *Symbol {
	// Fast path: read-only lookup
	st.mu.RLock()
	if sym, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return sym
	}
	shared := st.shared
	st.mu.RUnlock()

	// The shared lookup may decode from the image, so it runs unlocked.
	var archived *Symbol
	if shared != nil {
		archived, _ = shared.LookupSymbol(name)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if sym, ok := st.byName[name]; ok {
		return sym
	}

	sym := archived
	if sym == nil {
		sym = &Symbol{body: []byte(name)}
	} else {
		st.sharedHits++
	}
	st.byName[name] = sym
	return sym
}

// Lookup returns the symbol for name without creating one.
func (st *SymbolTable) Lookup(name string) (*Symbol, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sym, ok := st.byName[name]
	return sym, ok
}

// Canonical returns the table's symbol with the same content as sym,
// registering sym itself when the table has none. Archived symbols pass
// through here so that identity holds across the archive boundary.
func (st *SymbolTable) Canonical(sym *Symbol) *Symbol {
	if sym == nil {
		return nil
	}
	name := string(sym.body)

	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.byName[name]; ok {
		return existing
	}
	st.byName[name] = sym
	return sym
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byName)
}

// SharedHits returns how many Intern calls were satisfied by the shared layer.
func (st *SymbolTable) SharedHits() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sharedHits
}

// All returns all symbols sorted by content.
func (st *SymbolTable) All() []*Symbol {
	st.mu.RLock()
	result := make([]*Symbol, 0, len(st.byName))
	for _, sym := range st.byName {
		result = append(result, sym)
	}
	st.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return string(result[i].body) < string(result[j].body)
	})
	return result
}
