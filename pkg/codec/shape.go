package codec

import "strings"

// Kind identifies a scalar wire type.
type Kind uint8

const (
	Bool Kind = iota + 1
	Byte
	SByte
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	String
	Bytes
)

var kindNames = map[Kind]string{
	Bool:    "bool",
	Byte:    "byte",
	SByte:   "sbyte",
	Int16:   "int16",
	UInt16:  "uint16",
	Int32:   "int32",
	UInt32:  "uint32",
	Int64:   "int64",
	UInt64:  "uint64",
	Float32: "float32",
	Float64: "float64",
	String:  "string",
	Bytes:   "bytes",
}

// String returns the wire type-name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Integer reports whether values of the kind are integers.
func (k Kind) Integer() bool {
	return k >= Byte && k <= UInt64
}

// Shape describes how a value is laid out on the wire. The set of shapes
// is closed: Scalar, Enum, Struct, List and Map.
type Shape interface {
	// TypeName is the name written in front of every top-level value.
	TypeName() string

	// Nullable reports whether the value may be sent as null.
	Nullable() bool

	shape()
}

// Scalar is a primitive value.
type Scalar struct {
	Kind Kind
}

func (s Scalar) TypeName() string { return s.Kind.String() }
func (s Scalar) Nullable() bool   { return s.Kind == String || s.Kind == Bytes }
func (Scalar) shape()             {}

// Enum is a named integer type encoded as its underlying integer kind.
type Enum struct {
	Name       string
	Underlying Kind
	Values     map[string]int64 // Optional symbolic names
}

func (e *Enum) TypeName() string { return e.Name }
func (e *Enum) Nullable() bool   { return false }
func (*Enum) shape()             {}

// Lookup returns the numeric value of a symbolic enum name.
func (e *Enum) Lookup(name string) (int64, bool) {
	v, ok := e.Values[name]
	return v, ok
}

// Field is one named member of a Struct.
type Field struct {
	Name  string
	Shape Shape
}

// Struct is a value type with an ordered list of fields.
type Struct struct {
	Name   string
	Fields []Field
}

func (s *Struct) TypeName() string { return s.Name }
func (s *Struct) Nullable() bool   { return false }
func (*Struct) shape()             {}

// List is an ordered collection of one element shape.
type List struct {
	Elem Shape
}

func (l List) TypeName() string { return "list<" + l.Elem.TypeName() + ">" }
func (l List) Nullable() bool   { return true }
func (List) shape()             {}

// Map is an ordered collection of key/value pairs.
type Map struct {
	Key   Shape
	Value Shape
}

func (m Map) TypeName() string {
	return "map<" + m.Key.TypeName() + "," + m.Value.TypeName() + ">"
}
func (m Map) Nullable() bool { return true }
func (Map) shape()           {}

// Convenience shapes for the scalar kinds.
var (
	BoolShape    = Scalar{Kind: Bool}
	ByteShape    = Scalar{Kind: Byte}
	SByteShape   = Scalar{Kind: SByte}
	Int16Shape   = Scalar{Kind: Int16}
	UInt16Shape  = Scalar{Kind: UInt16}
	Int32Shape   = Scalar{Kind: Int32}
	UInt32Shape  = Scalar{Kind: UInt32}
	Int64Shape   = Scalar{Kind: Int64}
	UInt64Shape  = Scalar{Kind: UInt64}
	Float32Shape = Scalar{Kind: Float32}
	Float64Shape = Scalar{Kind: Float64}
	StringShape  = Scalar{Kind: String}
	BytesShape   = Scalar{Kind: Bytes}
)

// StructValue holds the field values of a Struct in declaration order.
type StructValue []any

// MapEntry is one key/value pair of a Map value.
type MapEntry struct {
	Key   any
	Value any
}

// splitTypeArgs splits "a,map<b,c>" at top-level commas.
func splitTypeArgs(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}
