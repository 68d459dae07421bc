package settings

import (
	"fmt"
	"maps"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// MetaReadOnly is the metadata key a sync registry sets on fields the
// local side may not edit.
const MetaReadOnly = "readonly"

// Field is one typed setting.
type Field struct {
	section     string
	key         string
	shape       codec.Shape
	def         any
	description string

	value any
	meta  map[string]any
	hooks []func()
}

func (f *Field) Section() string     { return f.section }
func (f *Field) Key() string         { return f.key }
func (f *Field) Shape() codec.Shape  { return f.shape }
func (f *Field) Value() any          { return f.value }
func (f *Field) Default() any        { return f.def }
func (f *Field) Description() string { return f.description }

// SetValue checks v against the field's shape, stores it and runs the
// change hooks.
func (f *Field) SetValue(v any) error {
	if err := checkValue(f.shape, v); err != nil {
		return fmt.Errorf("settings: %s/%s: %w", f.section, f.key, err)
	}
	f.value = v
	for _, fn := range f.hooks {
		fn()
	}
	return nil
}

// OnChange adds a hook called after every SetValue.
func (f *Field) OnChange(fn func()) {
	f.hooks = append(f.hooks, fn)
}

// SetMeta attaches presentation metadata.
func (f *Field) SetMeta(key string, value any) {
	if f.meta == nil {
		f.meta = make(map[string]any)
	}
	f.meta[key] = value
}

// Meta returns one metadata value.
func (f *Field) Meta(key string) (any, bool) {
	v, ok := f.meta[key]
	return v, ok
}

// Metadata returns a copy of every metadata value.
func (f *Field) Metadata() map[string]any {
	return maps.Clone(f.meta)
}

// ReadOnly reports whether the field carries readonly=true metadata.
func (f *Field) ReadOnly() bool {
	ro, _ := f.meta[MetaReadOnly].(bool)
	return ro
}

// Reset restores the default value.
func (f *Field) Reset() error {
	return f.SetValue(f.def)
}

func checkValue(s codec.Shape, v any) error {
	if v == nil {
		if s.Nullable() {
			return nil
		}
		return fmt.Errorf("null %s: %w", s.TypeName(), codec.ErrValueShape)
	}
	return codec.EncodeValue(protocol.NewEncoder(), s, v)
}
