package runtime

import "github.com/chazu/aotcache/closure"

// MethodFlags are access bits of a method.
type MethodFlags uint32

const (
	MethodStatic MethodFlags = 1 << iota
	MethodNative
	MethodAbstract
)

// Method is the metadata of one method. Profiling state lives in the
// training package, not here.
type Method struct {
	Holder    *Class
	Name      *Symbol
	Signature *Symbol
	Flags     MethodFlags
	CodeSize  uint32
}

// Key returns the (class, name, signature) tuple as a single string.
func (m *Method) Key() string {
	return m.Holder.Name.String() + "." + m.Name.String() + m.Signature.String()
}

func (m *Method) String() string {
	return m.Key()
}

func (m *Method) ArchiveKind() closure.Kind { return closure.KindMethod }

func (m *Method) ArchiveIdentity() string {
	return loaderIdentity(m.Holder.Loader) + "::" + m.Key()
}

func (m *Method) IteratePointers(fn closure.PointerFunc) {
	closure.Visit(fn, m.Holder)
	closure.Visit(fn, m.Name)
	closure.Visit(fn, m.Signature)
}

func (m *Method) Serialize(c closure.Closure) {
	closure.Ptr(c, &m.Holder)
	closure.Ptr(c, &m.Name)
	closure.Ptr(c, &m.Signature)
	flags := uint32(m.Flags)
	c.DoU32(&flags)
	m.Flags = MethodFlags(flags)
	c.DoU32(&m.CodeSize)
}
