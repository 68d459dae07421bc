package codec

import (
	"fmt"
	"math"
	"strconv"

	"github.com/vango-dev/serversync/pkg/protocol"
)

// Entry is one (section, key, type, value) record of a config package.
// A nil Value travels with an empty type-name.
type Entry struct {
	Section string
	Key     string
	Shape   Shape
	Value   any
}

// TypeName returns the wire type-name of the entry, empty for null.
func (e Entry) TypeName() string {
	if e.Value == nil || e.Shape == nil {
		return ""
	}
	return e.Shape.TypeName()
}

// Result is the outcome of decoding an entry list. Entries holds every
// entry that decoded cleanly, in wire order; Mismatches holds the entries
// that were skipped because a struct layout disagreed.
type Result struct {
	Entries    []Entry
	Mismatches []*TypeMismatchError
}

// EncodeEntries writes an entry list.
//
// Wire format:
//
//	[Count: varint]
//	  [Section: len-prefixed][Key: len-prefixed][TypeName: len-prefixed][Value]...
func EncodeEntries(e *protocol.Encoder, entries []Entry) error {
	e.WriteUvarint(uint64(len(entries)))
	for _, entry := range entries {
		e.WriteString(entry.Section)
		e.WriteString(entry.Key)
		if entry.Value == nil {
			if entry.Shape != nil && !entry.Shape.Nullable() {
				return fmt.Errorf("codec: entry %s/%s: null %s: %w", entry.Section, entry.Key, entry.Shape.TypeName(), ErrValueShape)
			}
			e.WriteString("")
			continue
		}
		if entry.Shape == nil {
			return fmt.Errorf("codec: entry %s/%s: missing shape", entry.Section, entry.Key)
		}
		e.WriteString(entry.Shape.TypeName())
		if err := EncodeValue(e, entry.Shape, entry.Value); err != nil {
			return fmt.Errorf("codec: entry %s/%s: %w", entry.Section, entry.Key, err)
		}
	}
	return nil
}

// EncodeValue writes v laid out as s. Checked in order: enum as its
// underlying integer, collections as count plus elements, structs as
// field count plus (type-name, value) per field, scalars directly.
func EncodeValue(e *protocol.Encoder, s Shape, v any) error {
	return encodeValue(e, s, v, protocol.NewDepthGuard(0))
}

func encodeValue(e *protocol.Encoder, s Shape, v any, g *protocol.DepthGuard) error {
	if err := g.Enter(); err != nil {
		return err
	}
	defer g.Leave()

	switch sh := s.(type) {
	case *Enum:
		return encodeScalar(e, sh.Underlying, v)

	case List:
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: got %T: %w", sh.TypeName(), v, ErrValueShape)
		}
		e.WriteUvarint(uint64(len(items)))
		for _, item := range items {
			if err := encodeValue(e, sh.Elem, item, g); err != nil {
				return err
			}
		}
		return nil

	case Map:
		pairs, ok := v.([]MapEntry)
		if !ok {
			return fmt.Errorf("%s: got %T: %w", sh.TypeName(), v, ErrValueShape)
		}
		e.WriteUvarint(uint64(len(pairs)))
		for _, p := range pairs {
			if err := encodeValue(e, sh.Key, p.Key, g); err != nil {
				return err
			}
			if err := encodeValue(e, sh.Value, p.Value, g); err != nil {
				return err
			}
		}
		return nil

	case *Struct:
		fields, ok := v.(StructValue)
		if !ok || len(fields) != len(sh.Fields) {
			return fmt.Errorf("struct %s: got %T: %w", sh.Name, v, ErrValueShape)
		}
		e.WriteUvarint(uint64(len(fields)))
		for i, f := range sh.Fields {
			if fields[i] == nil {
				if !f.Shape.Nullable() {
					return fmt.Errorf("struct %s field %s: null: %w", sh.Name, f.Name, ErrValueShape)
				}
				e.WriteString("")
				continue
			}
			e.WriteString(f.Shape.TypeName())
			if err := encodeValue(e, f.Shape, fields[i], g); err != nil {
				return err
			}
		}
		return nil

	case Scalar:
		return encodeScalar(e, sh.Kind, v)

	default:
		return fmt.Errorf("unsupported shape %T: %w", s, ErrValueShape)
	}
}

func encodeScalar(e *protocol.Encoder, k Kind, v any) error {
	switch k {
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return scalarMismatch(k, v)
		}
		e.WriteBool(b)
	case String:
		s, ok := v.(string)
		if !ok {
			return scalarMismatch(k, v)
		}
		e.WriteString(s)
	case Bytes:
		b, ok := v.([]byte)
		if !ok {
			return scalarMismatch(k, v)
		}
		e.WriteLenBytes(b)
	case Float32, Float64:
		f, ok := toFloat(v)
		if !ok {
			return scalarMismatch(k, v)
		}
		if k == Float32 {
			e.WriteFloat32(float32(f))
		} else {
			e.WriteFloat64(f)
		}
	default:
		n, ok := ToInt(k, v)
		if !ok {
			return scalarMismatch(k, v)
		}
		switch k {
		case Byte:
			e.WriteUint8(byte(n))
		case SByte:
			e.WriteInt8(int8(n))
		case Int16:
			e.WriteInt16(int16(n))
		case UInt16:
			e.WriteUint16(uint16(n))
		case Int32:
			e.WriteInt32(int32(n))
		case UInt32:
			e.WriteUint32(uint32(n))
		case Int64:
			e.WriteInt64(n)
		case UInt64:
			e.WriteUint64(uint64(n))
		default:
			return scalarMismatch(k, v)
		}
	}
	return nil
}

func scalarMismatch(k Kind, v any) error {
	return fmt.Errorf("%s: got %T: %w", k, v, ErrValueShape)
}

// DecodeEntries reads an entry list. Values are read by the shape their
// wire type-name resolves to, so every entry is consumed in full even when
// it is later rejected. Any unresolvable type-name or truncated input
// aborts the whole list with a *ProtocolError.
func (t *Types) DecodeEntries(d *protocol.Decoder) (*Result, error) {
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	res := &Result{Entries: make([]Entry, 0, count)}
	for i := 0; i < count; i++ {
		section, err := d.ReadString()
		if err != nil {
			return nil, &ProtocolError{Err: err}
		}
		key, err := d.ReadString()
		if err != nil {
			return nil, &ProtocolError{Section: section, Err: err}
		}
		typeName, err := d.ReadString()
		if err != nil {
			return nil, &ProtocolError{Section: section, Key: key, Err: err}
		}

		if typeName == "" {
			res.Entries = append(res.Entries, Entry{Section: section, Key: key})
			continue
		}

		shape, err := t.Resolve(typeName)
		if err != nil {
			return nil, &ProtocolError{Section: section, Key: key, Err: err}
		}
		r := &valueReader{types: t, d: d, guard: protocol.NewDepthGuard(0)}
		value, err := r.read(shape)
		if err != nil {
			return nil, &ProtocolError{Section: section, Key: key, Err: err}
		}
		if r.mismatch != nil {
			r.mismatch.Section, r.mismatch.Key = section, key
			res.Mismatches = append(res.Mismatches, r.mismatch)
			continue
		}
		res.Entries = append(res.Entries, Entry{Section: section, Key: key, Shape: shape, Value: value})
	}
	return res, nil
}

// DecodeValue reads one value laid out as s.
func (t *Types) DecodeValue(d *protocol.Decoder, s Shape) (any, error) {
	r := &valueReader{types: t, d: d, guard: protocol.NewDepthGuard(0)}
	v, err := r.read(s)
	if err != nil {
		return nil, err
	}
	if r.mismatch != nil {
		return nil, r.mismatch
	}
	return v, nil
}

// valueReader decodes one value and remembers the first struct mismatch
// met while consuming it.
type valueReader struct {
	types    *Types
	d        *protocol.Decoder
	guard    *protocol.DepthGuard
	mismatch *TypeMismatchError
}

func (r *valueReader) read(s Shape) (any, error) {
	if err := r.guard.Enter(); err != nil {
		return nil, err
	}
	defer r.guard.Leave()

	switch sh := s.(type) {
	case *Enum:
		return r.scalar(sh.Underlying)

	case List:
		n, err := r.d.ReadCollectionCount()
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := r.read(sh.Elem)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil

	case Map:
		n, err := r.d.ReadCollectionCount()
		if err != nil {
			return nil, err
		}
		pairs := make([]MapEntry, 0, n)
		for i := 0; i < n; i++ {
			k, err := r.read(sh.Key)
			if err != nil {
				return nil, err
			}
			v, err := r.read(sh.Value)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, MapEntry{Key: k, Value: v})
		}
		return pairs, nil

	case *Struct:
		return r.structValue(sh)

	case Scalar:
		return r.scalar(sh.Kind)

	default:
		return nil, fmt.Errorf("codec: unsupported shape %T", s)
	}
}

func (r *valueReader) structValue(sh *Struct) (any, error) {
	n, err := r.d.ReadCollectionCount()
	if err != nil {
		return nil, err
	}
	if n != len(sh.Fields) {
		r.mismatchOnce(&TypeMismatchError{
			Struct:   sh.Name,
			Expected: strconv.Itoa(len(sh.Fields)),
			Received: strconv.Itoa(n),
		})
	}

	fields := make(StructValue, 0, n)
	for i := 0; i < n; i++ {
		typeName, err := r.d.ReadString()
		if err != nil {
			return nil, err
		}
		if i < len(sh.Fields) && sh.Fields[i].Shape.TypeName() != typeName &&
			!(typeName == "" && sh.Fields[i].Shape.Nullable()) {
			r.mismatchOnce(&TypeMismatchError{
				Struct:   sh.Name,
				Field:    sh.Fields[i].Name,
				Expected: sh.Fields[i].Shape.TypeName(),
				Received: typeName,
			})
		}
		if typeName == "" {
			fields = append(fields, nil)
			continue
		}
		// The wire names its own field types, so the value can be consumed
		// even when it disagrees with the local definition.
		fieldShape, err := r.types.Resolve(typeName)
		if err != nil {
			return nil, err
		}
		v, err := r.read(fieldShape)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
	}
	return fields, nil
}

func (r *valueReader) mismatchOnce(m *TypeMismatchError) {
	if r.mismatch == nil {
		r.mismatch = m
	}
}

func (r *valueReader) scalar(k Kind) (any, error) {
	d := r.d
	switch k {
	case Bool:
		return d.ReadBool()
	case Byte:
		return d.ReadByte()
	case SByte:
		return d.ReadInt8()
	case Int16:
		return d.ReadInt16()
	case UInt16:
		return d.ReadUint16()
	case Int32:
		return d.ReadInt32()
	case UInt32:
		return d.ReadUint32()
	case Int64:
		return d.ReadInt64()
	case UInt64:
		return d.ReadUint64()
	case Float32:
		return d.ReadFloat32()
	case Float64:
		return d.ReadFloat64()
	case String:
		return d.ReadString()
	case Bytes:
		return d.ReadLenBytes()
	default:
		return nil, &UnknownTypeError{Name: k.String()}
	}
}

// ToInt converts any Go integer to int64, checking it fits kind k.
func ToInt(k Kind, v any) (int64, bool) {
	var n int64
	var u uint64
	unsigned := false

	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		u, unsigned = uint64(x), true
	case uint8:
		u, unsigned = uint64(x), true
	case uint16:
		u, unsigned = uint64(x), true
	case uint32:
		u, unsigned = uint64(x), true
	case uint64:
		u, unsigned = x, true
	default:
		return 0, false
	}

	if unsigned {
		if k == UInt64 {
			return int64(u), true
		}
		if u > math.MaxInt64 {
			return 0, false
		}
		n = int64(u)
	}

	lo, hi := intRange(k)
	if k == UInt64 {
		return n, n >= 0
	}
	return n, n >= lo && n <= hi
}

func intRange(k Kind) (int64, int64) {
	switch k {
	case Byte:
		return 0, math.MaxUint8
	case SByte:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt16:
		return 0, math.MaxUint16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case UInt32:
		return 0, math.MaxUint32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
