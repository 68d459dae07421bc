package configsync

import (
	"fmt"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// TrackedField wraps a Setting owned by a registry.
type TrackedField struct {
	reg          *Registry
	setting      Setting
	synchronized bool
	shadow       any
	hasShadow    bool
	writable     bool
}

func (f *TrackedField) Setting() Setting   { return f.setting }
func (f *TrackedField) Section() string    { return f.setting.Section() }
func (f *TrackedField) Key() string        { return f.setting.Key() }
func (f *TrackedField) Synchronized() bool { return f.synchronized }

// SetSynchronized controls whether the field is sent to and accepted from
// peers.
func (f *TrackedField) SetSynchronized(v bool) {
	f.synchronized = v
	f.reg.updateWritability()
}

// Shadow returns the pre-sync local value, if one is cached.
func (f *TrackedField) Shadow() (any, bool) {
	return f.shadow, f.hasShadow
}

// Writable returns the writability computed at the last lock-state change.
func (f *TrackedField) Writable() bool {
	return f.writable
}

func (f *TrackedField) entry() codec.Entry {
	return codec.Entry{
		Section: f.setting.Section(),
		Key:     f.setting.Key(),
		Shape:   f.setting.Shape(),
		Value:   f.setting.Value(),
	}
}

// CustomValue is a synchronized value that is not a setting. It travels in
// the Internal section under its identifier.
type CustomValue struct {
	reg       *Registry
	id        string
	shape     codec.Shape
	value     any
	shadow    any
	hasShadow bool
	priority  int
	listeners []func()
}

func (v *CustomValue) ID() string         { return v.id }
func (v *CustomValue) Shape() codec.Shape { return v.shape }
func (v *CustomValue) Value() any         { return v.value }

// Priority orders custom values in snapshots, highest first.
func (v *CustomValue) Priority() int { return v.priority }

// SetPriority sets the snapshot priority.
func (v *CustomValue) SetPriority(p int) { v.priority = p }

// OnChange adds a hook called after every value change.
func (v *CustomValue) OnChange(fn func()) {
	v.listeners = append(v.listeners, fn)
}

// SetValue replaces the value and broadcasts it unless an inbound update
// is being applied.
func (v *CustomValue) SetValue(value any) error {
	if err := checkValue(v.shape, value); err != nil {
		return err
	}
	v.set(value)
	if !v.reg.m.applying {
		v.reg.Broadcast([]codec.Entry{v.entry()})
	}
	return nil
}

// AssignLocalValue sets the value this process would use on its own. While
// a server value is active it only replaces the shadow restored on Reset.
func (v *CustomValue) AssignLocalValue(value any) error {
	if !v.hasShadow {
		return v.SetValue(value)
	}
	if err := checkValue(v.shape, value); err != nil {
		return err
	}
	v.shadow = value
	return nil
}

// Shadow returns the pre-sync local value, if one is cached.
func (v *CustomValue) Shadow() (any, bool) {
	return v.shadow, v.hasShadow
}

func (v *CustomValue) set(value any) {
	v.value = value
	for _, fn := range v.listeners {
		fn()
	}
}

func (v *CustomValue) entry() codec.Entry {
	return codec.Entry{Section: InternalSection, Key: v.id, Shape: v.shape, Value: v.value}
}

// checkValue verifies that value can be encoded as shape.
func checkValue(shape codec.Shape, value any) error {
	if value == nil {
		if shape.Nullable() {
			return nil
		}
		return fmt.Errorf("null %s: %w", shape.TypeName(), codec.ErrValueShape)
	}
	return codec.EncodeValue(protocol.NewEncoder(), shape, value)
}
