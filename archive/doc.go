// Package archive builds, writes, maps and restores AOT cache images.
//
// An image holds a snapshot of runtime metadata (symbols, classes,
// methods, modules, packages and per-loader records), an optional copy of
// the heap objects that metadata refers to, and an optional recompilation
// schedule. The Builder walks the live runtime through the closure
// protocol, places every entity in the read-only or read-write region and
// records a relocation for each pointer it writes. WriteImage lays the
// regions out page-aligned in a file together with compact lookup tables.
//
// A consuming process calls Attach, which validates the image, maps it,
// applies the relocations and returns a Registry. The Registry serves
// archived classes to the runtime's class loader and restores per-loader
// package, module and heap state on demand. Any incompatibility is
// reported as a *RejectedError before the runtime is touched, and the
// caller continues with a cold start.
package archive
