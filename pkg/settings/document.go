package settings

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/vango-dev/serversync/pkg/codec"
)

// ErrNullElement is returned when a collection holds a null, which the
// document format cannot represent.
var ErrNullElement = errors.New("settings: null collection element")

// toDocument converts a value laid out as s into the TOML-friendly form
// written to the settings document.
func toDocument(s codec.Shape, v any) (any, error) {
	if v == nil {
		return nil, ErrNullElement
	}

	switch sh := s.(type) {
	case *codec.Enum:
		n, ok := codec.ToInt(sh.Underlying, v)
		if !ok {
			return nil, fmt.Errorf("enum %s: got %T: %w", sh.Name, v, codec.ErrValueShape)
		}
		if name, ok := enumName(sh, n); ok {
			return name, nil
		}
		return intDocument(sh.Underlying, n), nil

	case codec.List:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: got %T: %w", sh.TypeName(), v, codec.ErrValueShape)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			dv, err := toDocument(sh.Elem, item)
			if err != nil {
				return nil, err
			}
			out = append(out, dv)
		}
		return out, nil

	case codec.Map:
		pairs, ok := v.([]codec.MapEntry)
		if !ok {
			return nil, fmt.Errorf("%s: got %T: %w", sh.TypeName(), v, codec.ErrValueShape)
		}
		if isStringKey(sh.Key) {
			table := make(map[string]any, len(pairs))
			for _, p := range pairs {
				k, ok := p.Key.(string)
				if !ok {
					return nil, fmt.Errorf("%s key: got %T: %w", sh.TypeName(), p.Key, codec.ErrValueShape)
				}
				dv, err := toDocument(sh.Value, p.Value)
				if err != nil {
					return nil, err
				}
				table[k] = dv
			}
			return table, nil
		}
		out := make([]any, 0, len(pairs))
		for _, p := range pairs {
			k, err := toDocument(sh.Key, p.Key)
			if err != nil {
				return nil, err
			}
			dv, err := toDocument(sh.Value, p.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, map[string]any{"key": k, "value": dv})
		}
		return out, nil

	case *codec.Struct:
		fields, ok := v.(codec.StructValue)
		if !ok || len(fields) != len(sh.Fields) {
			return nil, fmt.Errorf("struct %s: got %T: %w", sh.Name, v, codec.ErrValueShape)
		}
		table := make(map[string]any, len(fields))
		for i, f := range sh.Fields {
			if fields[i] == nil {
				continue
			}
			dv, err := toDocument(f.Shape, fields[i])
			if err != nil {
				return nil, fmt.Errorf("struct %s field %s: %w", sh.Name, f.Name, err)
			}
			table[f.Name] = dv
		}
		return table, nil

	case codec.Scalar:
		return scalarDocument(sh.Kind, v)

	default:
		return nil, fmt.Errorf("unsupported shape %T: %w", s, codec.ErrValueShape)
	}
}

func scalarDocument(k codec.Kind, v any) (any, error) {
	switch k {
	case codec.Bool, codec.String:
		if err := checkValue(codec.Scalar{Kind: k}, v); err != nil {
			return nil, err
		}
		return v, nil
	case codec.Bytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%s: got %T: %w", k, v, codec.ErrValueShape)
		}
		return base64.StdEncoding.EncodeToString(b), nil
	case codec.Float32:
		f, ok := v.(float32)
		if !ok {
			return nil, fmt.Errorf("%s: got %T: %w", k, v, codec.ErrValueShape)
		}
		return float64(f), nil
	case codec.Float64:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s: got %T: %w", k, v, codec.ErrValueShape)
		}
		return f, nil
	default:
		n, ok := codec.ToInt(k, v)
		if !ok {
			return nil, fmt.Errorf("%s: got %T: %w", k, v, codec.ErrValueShape)
		}
		return intDocument(k, n), nil
	}
}

// intDocument returns n as written to the document. UInt64 values beyond
// the signed range are kept as decimal strings.
func intDocument(k codec.Kind, n int64) any {
	if k == codec.UInt64 && n < 0 {
		return strconv.FormatUint(uint64(n), 10)
	}
	return n
}

// ParseValue converts a decoded document value (TOML, YAML or JSON) to
// the native Go value for shape s.
func ParseValue(s codec.Shape, raw any) (any, error) {
	return fromDocument(s, raw)
}

// fromDocument converts a decoded TOML value back into a value laid out
// as s, using the Go types the wire decoder produces.
func fromDocument(s codec.Shape, raw any) (any, error) {
	switch sh := s.(type) {
	case *codec.Enum:
		if name, ok := raw.(string); ok {
			if n, ok := sh.Lookup(name); ok {
				return nativeInt(sh.Underlying, n)
			}
			if _, err := strconv.ParseInt(name, 10, 64); err != nil {
				return nil, fmt.Errorf("enum %s: unknown name %q: %w", sh.Name, name, codec.ErrValueShape)
			}
		}
		return intValue(sh.Underlying, raw)

	case codec.List:
		items, ok := asArray(raw)
		if !ok {
			return nil, fmt.Errorf("%s: got %T: %w", sh.TypeName(), raw, codec.ErrValueShape)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			v, err := fromDocument(sh.Elem, item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case codec.Map:
		if isStringKey(sh.Key) {
			table, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: got %T: %w", sh.TypeName(), raw, codec.ErrValueShape)
			}
			keys := make([]string, 0, len(table))
			for k := range table {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			out := make([]codec.MapEntry, 0, len(keys))
			for _, k := range keys {
				v, err := fromDocument(sh.Value, table[k])
				if err != nil {
					return nil, err
				}
				out = append(out, codec.MapEntry{Key: k, Value: v})
			}
			return out, nil
		}
		items, ok := asArray(raw)
		if !ok {
			return nil, fmt.Errorf("%s: got %T: %w", sh.TypeName(), raw, codec.ErrValueShape)
		}
		out := make([]codec.MapEntry, 0, len(items))
		for _, item := range items {
			pair, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s entry: got %T: %w", sh.TypeName(), item, codec.ErrValueShape)
			}
			k, err := fromDocument(sh.Key, pair["key"])
			if err != nil {
				return nil, err
			}
			v, err := fromDocument(sh.Value, pair["value"])
			if err != nil {
				return nil, err
			}
			out = append(out, codec.MapEntry{Key: k, Value: v})
		}
		return out, nil

	case *codec.Struct:
		table, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("struct %s: got %T: %w", sh.Name, raw, codec.ErrValueShape)
		}
		out := make(codec.StructValue, len(sh.Fields))
		for i, f := range sh.Fields {
			fv, present := table[f.Name]
			if !present {
				if !f.Shape.Nullable() {
					return nil, fmt.Errorf("struct %s: missing field %s: %w", sh.Name, f.Name, codec.ErrValueShape)
				}
				continue
			}
			v, err := fromDocument(f.Shape, fv)
			if err != nil {
				return nil, fmt.Errorf("struct %s field %s: %w", sh.Name, f.Name, err)
			}
			out[i] = v
		}
		return out, nil

	case codec.Scalar:
		return scalarValue(sh.Kind, raw)

	default:
		return nil, fmt.Errorf("unsupported shape %T: %w", s, codec.ErrValueShape)
	}
}

func scalarValue(k codec.Kind, raw any) (any, error) {
	switch k {
	case codec.Bool:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case codec.String:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case codec.Bytes:
		if s, ok := raw.(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			return b, nil
		}
	case codec.Float32, codec.Float64:
		var f float64
		switch x := raw.(type) {
		case float64:
			f = x
		case int64:
			f = float64(x)
		case int:
			f = float64(x)
		default:
			return nil, fmt.Errorf("%s: got %T: %w", k, raw, codec.ErrValueShape)
		}
		if k == codec.Float32 {
			if !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
				return nil, fmt.Errorf("%s: %v out of range: %w", k, f, codec.ErrValueShape)
			}
			return float32(f), nil
		}
		return f, nil
	default:
		return intValue(k, raw)
	}
	return nil, fmt.Errorf("%s: got %T: %w", k, raw, codec.ErrValueShape)
}

func intValue(k codec.Kind, raw any) (any, error) {
	switch x := raw.(type) {
	case int64:
		n, ok := codec.ToInt(k, x)
		if !ok {
			return nil, fmt.Errorf("%s: %d out of range: %w", k, x, codec.ErrValueShape)
		}
		return nativeInt(k, n)
	case string:
		if k == codec.UInt64 {
			u, err := strconv.ParseUint(x, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			return u, nil
		}
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		return intValue(k, n)
	case int:
		return intValue(k, int64(x))
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return nil, fmt.Errorf("%s: %v is not an integer: %w", k, x, codec.ErrValueShape)
		}
		return intValue(k, int64(x))
	default:
		return nil, fmt.Errorf("%s: got %T: %w", k, raw, codec.ErrValueShape)
	}
}

// nativeInt converts an in-range integer to the Go type of kind k.
func nativeInt(k codec.Kind, n int64) (any, error) {
	switch k {
	case codec.Byte:
		return uint8(n), nil
	case codec.SByte:
		return int8(n), nil
	case codec.Int16:
		return int16(n), nil
	case codec.UInt16:
		return uint16(n), nil
	case codec.Int32:
		return int32(n), nil
	case codec.UInt32:
		return uint32(n), nil
	case codec.Int64:
		return n, nil
	case codec.UInt64:
		return uint64(n), nil
	default:
		return nil, fmt.Errorf("%s is not an integer kind: %w", k, codec.ErrValueShape)
	}
}

// enumName returns the symbolic name of n, the smallest one when several
// names share a value.
func enumName(e *codec.Enum, n int64) (string, bool) {
	var names []string
	for name, value := range e.Values {
		if value == n {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	return slices.Min(names), true
}

func isStringKey(s codec.Shape) bool {
	sc, ok := s.(codec.Scalar)
	return ok && sc.Kind == codec.String
}

// asArray accepts both shapes the TOML decoder uses for arrays.
func asArray(raw any) ([]any, bool) {
	switch x := raw.(type) {
	case []any:
		return x, true
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}
