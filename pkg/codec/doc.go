// Package codec encodes and decodes config entry lists.
//
// Each entry is (section, key, type-name, value). Values are described by
// a closed set of shapes resolved from a schema known at registration
// time; no reflection over live objects is involved:
//
//   - Scalar: bool, byte, sbyte, int16, uint16, int32, uint32, int64,
//     uint64, float32, float64, string, bytes
//   - Enum: a named integer type, encoded as its underlying integer
//   - Struct: field count, then (type-name, value) per field
//   - List: element count, then the elements
//   - Map: pair count, then key and value per pair
//
// Go representations: scalars use the matching Go type (byte for byte,
// int8 for sbyte, []byte for bytes), enums their underlying integer type,
// lists []any, maps []MapEntry and structs StructValue.
//
// Decoding distinguishes two failure modes. An unresolvable type-name
// aborts the whole list with *ProtocolError, because the following bytes
// cannot be delimited. A struct whose wire layout differs from the local
// definition is still consumed in full, using the type-names the wire
// carries for each field, and only that entry is skipped and reported as
// *TypeMismatchError.
package codec
