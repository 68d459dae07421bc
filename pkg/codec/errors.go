package codec

import (
	"errors"
	"fmt"
)

// ErrValueShape is returned when a Go value does not fit the shape it is
// encoded as.
var ErrValueShape = errors.New("codec: value does not match shape")

// UnknownTypeError is returned by Types.Resolve for a name it cannot map
// to a shape.
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("codec: unknown type %q", e.Name)
}

// ProtocolError aborts decoding of a whole package: once a value of an
// unknown type has been met, entry boundaries can no longer be trusted.
type ProtocolError struct {
	Section string
	Key     string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("codec: entry %s/%s: %v", e.Section, e.Key, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TypeMismatchError reports a struct whose wire layout disagrees with the
// local definition. Only the offending entry is skipped.
type TypeMismatchError struct {
	Section  string
	Key      string
	Struct   string
	Field    string // Empty when the field count differs
	Expected string
	Received string
}

func (e *TypeMismatchError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("codec: entry %s/%s: struct %s has %s fields, received %s",
			e.Section, e.Key, e.Struct, e.Expected, e.Received)
	}
	return fmt.Sprintf("codec: entry %s/%s: struct %s field %s: expected %s, received %s",
		e.Section, e.Key, e.Struct, e.Field, e.Expected, e.Received)
}
