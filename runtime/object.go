package runtime

import "fmt"

// ---------------------------------------------------------------------------
// Value: a field or array element
// ---------------------------------------------------------------------------

// ValueKind distinguishes the payload of a Value.
type ValueKind uint8

const (
	ValueNil ValueKind = iota
	ValueInt
	ValueRef
)

// Value is a primitive integer, a heap reference, or nil.
type Value struct {
	kind ValueKind
	i    int64
	ref  *Object
}

// Nil is the nil Value.
var Nil = Value{}

// IntValue creates an integer Value.
func IntValue(i int64) Value {
	return Value{kind: ValueInt, i: i}
}

// RefValue creates a reference Value. A nil object yields Nil.
func RefValue(o *Object) Value {
	if o == nil {
		return Nil
	}
	return Value{kind: ValueRef, ref: o}
}

// Kind returns the payload kind.
func (v Value) Kind() ValueKind { return v.kind }

// IsNil reports whether v holds nothing.
func (v Value) IsNil() bool { return v.kind == ValueNil }

// Int returns the integer payload (0 unless Kind is ValueInt).
func (v Value) Int() int64 { return v.i }

// Ref returns the referenced object (nil unless Kind is ValueRef).
func (v Value) Ref() *Object { return v.ref }

func (v Value) String() string {
	switch v.kind {
	case ValueInt:
		return fmt.Sprintf("%d", v.i)
	case ValueRef:
		return v.ref.String()
	default:
		return "nil"
	}
}

// ---------------------------------------------------------------------------
// Object: a garbage-collected heap object
// ---------------------------------------------------------------------------

// ObjectKind is the shape of a heap object.
type ObjectKind uint8

const (
	ObjectInstance ObjectKind = iota + 1
	ObjectString
	ObjectBoxed
	ObjectArray
	ObjectMirror
	ObjectModule
	ObjectLoader
	ObjectWeakRef
	ObjectQueue
	ObjectNullQueue
)

var objectKindNames = map[ObjectKind]string{
	ObjectInstance:  "instance",
	ObjectString:    "string",
	ObjectBoxed:     "boxed",
	ObjectArray:     "array",
	ObjectMirror:    "mirror",
	ObjectModule:    "module",
	ObjectLoader:    "loader",
	ObjectWeakRef:   "weakref",
	ObjectQueue:     "queue",
	ObjectNullQueue: "null-queue",
}

func (k ObjectKind) String() string {
	if name, ok := objectKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("object-kind(%d)", uint8(k))
}

// Weak reference field layout.
const (
	WeakReferentField = 0
	WeakQueueField    = 1
)

// Object is a heap object. Klass is the object's class; Meta is set only for
// class mirrors and points back at the class they mirror.
type Object struct {
	id     uint64
	Kind   ObjectKind
	Klass  *Class
	Fields []Value
	Str    string
	Meta   *Class

	// Archived marks objects materialized from an archive heap region.
	Archived bool

	// Interned marks strings owned by the heap's string table.
	Interned bool

	pending []*Object
}

// HeapID returns the object's identity within its heap. It is reassigned
// when an archived object is materialized.
func (o *Object) HeapID() uint64 {
	return o.id
}

// NumFields returns the number of reference/primitive slots.
func (o *Object) NumFields() int {
	return len(o.Fields)
}

// Field returns slot i.
func (o *Object) Field(i int) Value {
	return o.Fields[i]
}

// SetField stores v in slot i.
func (o *Object) SetField(i int, v Value) {
	o.Fields[i] = v
}

// Pending returns the references enqueued on a queue object.
func (o *Object) Pending() []*Object {
	return o.pending
}

func (o *Object) String() string {
	if o == nil {
		return "nil"
	}
	switch o.Kind {
	case ObjectString:
		return fmt.Sprintf("%q", o.Str)
	case ObjectBoxed:
		return fmt.Sprintf("boxed(%s)", o.Fields[0])
	case ObjectMirror:
		return fmt.Sprintf("mirror(%s)", o.Meta.Name)
	}
	if o.Klass != nil {
		return fmt.Sprintf("%s@%d", o.Klass.Name, o.id)
	}
	return fmt.Sprintf("%s@%d", o.Kind, o.id)
}

// ForEachRef calls fn for every non-nil reference held in fields, including
// the referent of a weak reference.
func (o *Object) ForEachRef(fn func(index int, ref *Object)) {
	for i, v := range o.Fields {
		if v.kind == ValueRef {
			fn(i, v.ref)
		}
	}
}
