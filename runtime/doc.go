// Package runtime models the parts of a managed runtime that the archive
// subsystem snapshots and restores: interned symbols, class metadata,
// class loader data with its module and package tables, and a small
// garbage-collected heap with weak references.
//
// Bytecode execution, compilation and verification are out of scope; class
// initializers are plain Go functions derived from class sources.
package runtime
