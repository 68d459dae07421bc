package codec

import (
	"fmt"
	"strings"
	"sync"
)

// Types resolves wire type-names to shapes. Scalar kinds, list<...> and
// map<...,...> are always known; enums and structs must be registered
// before values of them can be decoded.
//
// Types is safe for concurrent use.
type Types struct {
	mu    sync.RWMutex
	named map[string]Shape
}

// NewTypes creates a registry holding only the built-in shapes.
func NewTypes() *Types {
	return &Types{named: make(map[string]Shape)}
}

// Register adds an enum or struct shape, and every named shape nested in
// it. Registering the same definition twice is a no-op; registering a
// different definition under a used name fails.
func (t *Types) Register(s Shape) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.register(s)
}

func (t *Types) register(s Shape) error {
	switch v := s.(type) {
	case Scalar:
		return nil
	case List:
		return t.register(v.Elem)
	case Map:
		if err := t.register(v.Key); err != nil {
			return err
		}
		return t.register(v.Value)
	case *Enum:
		if !v.Underlying.Integer() {
			return fmt.Errorf("codec: enum %s: underlying kind %s is not an integer", v.Name, v.Underlying)
		}
		return t.add(v.Name, v)
	case *Struct:
		if err := t.add(v.Name, v); err != nil {
			return err
		}
		for _, f := range v.Fields {
			if err := t.register(f.Shape); err != nil {
				return fmt.Errorf("codec: struct %s field %s: %w", v.Name, f.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("codec: unsupported shape %T", s)
	}
}

func (t *Types) add(name string, s Shape) error {
	if name == "" || strings.ContainsAny(name, "<>,") {
		return fmt.Errorf("codec: invalid type name %q", name)
	}
	if _, ok := parseScalar(name); ok {
		return fmt.Errorf("codec: type name %q is reserved", name)
	}
	if prev, ok := t.named[name]; ok {
		if prev == s {
			return nil
		}
		return fmt.Errorf("codec: type %q already registered with a different definition", name)
	}
	t.named[name] = s
	return nil
}

// Resolve returns the shape for a wire type-name.
func (t *Types) Resolve(name string) (Shape, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolve(strings.TrimSpace(name))
}

func (t *Types) resolve(name string) (Shape, error) {
	if s, ok := parseScalar(name); ok {
		return s, nil
	}
	if inner, ok := generic(name, "list"); ok {
		elem, err := t.resolve(inner)
		if err != nil {
			return nil, err
		}
		return List{Elem: elem}, nil
	}
	if inner, ok := generic(name, "map"); ok {
		args := splitTypeArgs(inner)
		if len(args) != 2 {
			return nil, &UnknownTypeError{Name: name}
		}
		key, err := t.resolve(args[0])
		if err != nil {
			return nil, err
		}
		val, err := t.resolve(args[1])
		if err != nil {
			return nil, err
		}
		return Map{Key: key, Value: val}, nil
	}
	if s, ok := t.named[name]; ok {
		return s, nil
	}
	return nil, &UnknownTypeError{Name: name}
}

// Names returns the registered enum and struct names.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.named))
	for name := range t.named {
		names = append(names, name)
	}
	return names
}

func parseScalar(name string) (Scalar, bool) {
	for k, n := range kindNames {
		if n == name {
			return Scalar{Kind: k}, true
		}
	}
	return Scalar{}, false
}

func generic(name, prefix string) (string, bool) {
	if !strings.HasPrefix(name, prefix+"<") || !strings.HasSuffix(name, ">") {
		return "", false
	}
	return name[len(prefix)+1 : len(name)-1], true
}
