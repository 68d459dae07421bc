package configsync

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// Reserved entries in the Internal section.
const (
	InternalSection  = "Internal"
	KeyServerVersion = "serverversion"
	KeyLockExempt    = "lockexempt"
)

// Options describes a registry. It replaces copying fields by name from
// an arbitrary tag object.
type Options struct {
	// Name identifies the mod and names the channel. Required.
	Name string

	// DisplayName is used in version messages. Default: Name.
	DisplayName string

	// CurrentVersion is the installed version. Default: "0.0.0".
	CurrentVersion string

	// MinimumRequiredVersion is the oldest peer version accepted.
	// Default: CurrentVersion when ModRequired, else "0.0.0".
	MinimumRequiredVersion string

	// ModRequired makes peers without this mod incompatible.
	ModRequired bool
}

func (o Options) withDefaults() Options {
	if o.DisplayName == "" {
		o.DisplayName = o.Name
	}
	if o.CurrentVersion == "" {
		o.CurrentVersion = "0.0.0"
	}
	if o.MinimumRequiredVersion == "" {
		if o.ModRequired {
			o.MinimumRequiredVersion = o.CurrentVersion
		} else {
			o.MinimumRequiredVersion = "0.0.0"
		}
	}
	return o
}

type fieldKey struct {
	section, key string
}

// Registry tracks the synchronized settings of one mod.
type Registry struct {
	m       *Manager
	opts    Options
	channel string
	logger  *slog.Logger

	sourceOfTruth bool
	lockOverride  *bool
	lockingField  *TrackedField

	fields  []*TrackedField
	byKey   map[fieldKey]*TrackedField
	customs []*CustomValue
	byID    map[string]*CustomValue

	sotListeners []func(bool)
}

// NewRegistry creates and registers a registry.
func (m *Manager) NewRegistry(opts Options) (*Registry, error) {
	if opts.Name == "" {
		return nil, ErrMissingName
	}
	opts = opts.withDefaults()
	channel := protocol.ConfigSyncChannel(opts.Name)
	if _, ok := m.byChannel[channel]; ok {
		return nil, &DuplicateRegistrationError{Registry: opts.Name, Kind: "registry", ID: opts.Name}
	}

	r := &Registry{
		m:             m,
		opts:          opts,
		channel:       channel,
		logger:        m.logger.With("registry", opts.Name),
		sourceOfTruth: true,
		byKey:         make(map[fieldKey]*TrackedField),
		byID:          make(map[string]*CustomValue),
	}
	m.registries = append(m.registries, r)
	m.byChannel[channel] = r
	return r, nil
}

func (r *Registry) Name() string                   { return r.opts.Name }
func (r *Registry) DisplayName() string            { return r.opts.DisplayName }
func (r *Registry) CurrentVersion() string         { return r.opts.CurrentVersion }
func (r *Registry) MinimumRequiredVersion() string { return r.opts.MinimumRequiredVersion }
func (r *Registry) ModRequired() bool              { return r.opts.ModRequired }

// Channel returns the message channel of the registry.
func (r *Registry) Channel() string { return r.channel }

// IsSourceOfTruth reports whether local values are authoritative.
func (r *Registry) IsSourceOfTruth() bool { return r.sourceOfTruth }

// OnSourceOfTruthChanged adds a callback fired on every authority change.
func (r *Registry) OnSourceOfTruthChanged(fn func(sourceOfTruth bool)) {
	r.sotListeners = append(r.sotListeners, fn)
}

// Fields returns the tracked fields in registration order.
func (r *Registry) Fields() []*TrackedField {
	return slices.Clone(r.fields)
}

// Field returns the tracked field for section and key.
func (r *Registry) Field(section, key string) (*TrackedField, bool) {
	f, ok := r.byKey[fieldKey{section, key}]
	return f, ok
}

// CustomValue returns the custom value with the given identifier.
func (r *Registry) CustomValue(id string) (*CustomValue, bool) {
	v, ok := r.byID[id]
	return v, ok
}

// AddField tracks a setting. Tracking the same setting again returns the
// existing wrapper. New fields are synchronized.
func (r *Registry) AddField(s Setting) (*TrackedField, error) {
	if f, ok := r.m.bySetting[s]; ok && f.reg == r {
		return f, nil
	}
	if s.Shape() == nil {
		return nil, fmt.Errorf("configsync: %s: field %s/%s: %w", r.Name(), s.Section(), s.Key(), ErrMissingShape)
	}
	key := fieldKey{s.Section(), s.Key()}
	if _, ok := r.byKey[key]; ok {
		return nil, &DuplicateRegistrationError{Registry: r.Name(), Kind: "field", ID: s.Section() + "/" + s.Key()}
	}
	if err := r.m.types.Register(s.Shape()); err != nil {
		return nil, fmt.Errorf("configsync: %s: field %s/%s: %w", r.Name(), s.Section(), s.Key(), err)
	}

	f := &TrackedField{reg: r, setting: s, synchronized: true, writable: true}
	r.fields = append(r.fields, f)
	r.byKey[key] = f
	r.m.bySetting[s] = f
	s.OnChange(func() { r.fieldChanged(f) })
	return f, nil
}

// AddLockingField tracks a boolean or integer setting and makes it the
// registry's lock toggle. Only one locking field may be set.
func (r *Registry) AddLockingField(s Setting) (*TrackedField, error) {
	if r.lockingField != nil {
		return nil, &DuplicateRegistrationError{
			Registry: r.Name(),
			Kind:     "locking field",
			ID:       r.lockingField.Section() + "/" + r.lockingField.Key(),
		}
	}
	if !lockable(s.Shape()) {
		return nil, fmt.Errorf("configsync: %s: field %s/%s: %w", r.Name(), s.Section(), s.Key(), ErrNotLockable)
	}
	f, err := r.AddField(s)
	if err != nil {
		return nil, err
	}
	r.lockingField = f
	r.updateWritability()
	return f, nil
}

// AddCustomValue registers a value synchronized outside the settings
// store. The identifiers "serverversion" and "lockexempt" are reserved.
func (r *Registry) AddCustomValue(id string, shape codec.Shape, initial any) (*CustomValue, error) {
	if id == KeyServerVersion || id == KeyLockExempt {
		return nil, &DuplicateRegistrationError{Registry: r.Name(), Kind: "custom value", ID: id, Reserved: true}
	}
	if _, ok := r.byID[id]; ok {
		return nil, &DuplicateRegistrationError{Registry: r.Name(), Kind: "custom value", ID: id}
	}
	if shape == nil {
		return nil, fmt.Errorf("configsync: %s: custom value %s: %w", r.Name(), id, ErrMissingShape)
	}
	if err := r.m.types.Register(shape); err != nil {
		return nil, fmt.Errorf("configsync: %s: custom value %s: %w", r.Name(), id, err)
	}
	if initial != nil {
		if err := checkValue(shape, initial); err != nil {
			return nil, fmt.Errorf("configsync: %s: custom value %s: %w", r.Name(), id, err)
		}
	}

	v := &CustomValue{reg: r, id: id, shape: shape, value: initial}
	r.customs = append(r.customs, v)
	r.byID[id] = v
	return v, nil
}

// IsLocked reports whether synchronized fields are write-protected for
// this process.
func (r *Registry) IsLocked() bool {
	locked := false
	switch {
	case r.lockOverride != nil:
		locked = *r.lockOverride
	case r.lockingField != nil:
		locked = nonZero(r.lockingField.setting.Value())
	}
	return locked && !r.m.lockExempt
}

// SetLockOverride forces the lock state regardless of the locking field.
func (r *Registry) SetLockOverride(locked bool) {
	r.lockOverride = &locked
	r.updateWritability()
}

// ClearLockOverride returns lock control to the locking field.
func (r *Registry) ClearLockOverride() {
	r.lockOverride = nil
	r.updateWritability()
}

// IsWritable reports whether f may be changed locally.
func (r *Registry) IsWritable(f *TrackedField) bool {
	return r.sourceOfTruth || !f.synchronized || !f.hasShadow ||
		(!r.IsLocked() && (f != r.lockingField || r.m.lockExempt))
}

// Reset restores every shadowed value, clears the shadows and makes the
// registry authoritative again.
func (r *Registry) Reset() {
	r.m.withGuard(r.restoreShadows)
	r.setSourceOfTruth(true)
	r.updateWritability()
}

func (r *Registry) restoreShadows() {
	for _, f := range r.fields {
		if !f.hasShadow {
			continue
		}
		shadow := f.shadow
		f.shadow, f.hasShadow = nil, false
		if err := f.setting.SetValue(shadow); err != nil {
			r.logger.Warn("restore shadow failed", "section", f.Section(), "key", f.Key(), "error", err)
		}
	}
	for _, v := range r.customs {
		if !v.hasShadow {
			continue
		}
		shadow := v.shadow
		v.shadow, v.hasShadow = nil, false
		v.set(shadow)
	}
}

func (r *Registry) setSourceOfTruth(v bool) {
	if r.sourceOfTruth == v {
		return
	}
	r.sourceOfTruth = v
	for _, fn := range r.sotListeners {
		fn(v)
	}
}

// updateWritability recomputes writability of every field and publishes
// it as "readonly" metadata.
func (r *Registry) updateWritability() {
	for _, f := range r.fields {
		f.writable = r.IsWritable(f)
		f.setting.SetMeta("readonly", !f.writable)
	}
}

func (r *Registry) fieldChanged(f *TrackedField) {
	if f == r.lockingField {
		r.updateWritability()
	}
	if r.m.applying || !f.synchronized {
		return
	}
	r.Broadcast([]codec.Entry{f.entry()})
}

func lockable(s codec.Shape) bool {
	switch sh := s.(type) {
	case codec.Scalar:
		return sh.Kind == codec.Bool || sh.Kind.Integer()
	case *codec.Enum:
		return true
	}
	return false
}

func nonZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	}
	n, ok := codec.ToInt(codec.Int64, v)
	if ok {
		return n != 0
	}
	// uint64 above MaxInt64
	if u, isU := v.(uint64); isU {
		return u != 0
	}
	return false
}
