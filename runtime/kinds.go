package runtime

import "github.com/chazu/aotcache/closure"

// RegisterKinds adds the runtime's archivable constructors to f.
func RegisterKinds(f *closure.Factory) {
	f.Register(closure.KindSymbol, func() closure.Archivable { return &Symbol{} })
	f.Register(closure.KindClass, func() closure.Archivable { return &Class{} })
	f.Register(closure.KindMethod, func() closure.Archivable { return &Method{} })
	f.Register(closure.KindModule, func() closure.Archivable { return &Module{} })
	f.Register(closure.KindPackage, func() closure.Archivable { return &Package{} })
}
