package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/configsync"
)

var (
	// ErrDuplicateField is returned by Define for a (section, key) pair
	// that already exists.
	ErrDuplicateField = errors.New("settings: field already defined")

	// ErrNotWatchable is returned by Watch when the backend is not a file.
	ErrNotWatchable = errors.New("settings: backend cannot be watched")
)

// Interceptor redirects persistence of fields that are shadowed by
// synchronized values.
type Interceptor interface {
	// PersistValue returns the value to write for s.
	PersistValue(s configsync.Setting) any

	// LoadValue offers a reloaded value. Returning true means the value
	// was taken and the live value must stay untouched.
	LoadValue(s configsync.Setting, v any) bool
}

// Store holds settings fields and persists them through a Backend.
type Store struct {
	backend     Backend
	interceptor Interceptor
	logger      *slog.Logger

	fields []*Field
	byKey  map[string]*Field
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInterceptor sets the persistence interceptor.
func WithInterceptor(i Interceptor) Option {
	return func(s *Store) {
		s.interceptor = i
	}
}

// New creates a store. A nil backend keeps the settings in memory.
func New(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend: backend,
		logger:  slog.Default().With("component", "settings"),
		byKey:   make(map[string]*Field),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetInterceptor replaces the persistence interceptor. Hosts call it once
// the sync manager exists.
func (s *Store) SetInterceptor(i Interceptor) {
	s.interceptor = i
}

// Backend returns the persistence backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Define adds a field holding def.
func (s *Store) Define(section, key string, shape codec.Shape, def any, description string) (*Field, error) {
	if shape == nil {
		return nil, fmt.Errorf("settings: %s/%s: %w", section, key, configsync.ErrMissingShape)
	}
	id := fieldID(section, key)
	if _, ok := s.byKey[id]; ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateField, section, key)
	}
	if err := checkValue(shape, def); err != nil {
		return nil, fmt.Errorf("settings: %s/%s default: %w", section, key, err)
	}

	f := &Field{
		section:     section,
		key:         key,
		shape:       shape,
		def:         def,
		description: description,
		value:       def,
	}
	s.fields = append(s.fields, f)
	s.byKey[id] = f
	return f, nil
}

// Field returns the field with the given section and key.
func (s *Store) Field(section, key string) (*Field, bool) {
	f, ok := s.byKey[fieldID(section, key)]
	return f, ok
}

// Fields returns every field in definition order.
func (s *Store) Fields() []*Field {
	return slices.Clone(s.fields)
}

// Encode renders the settings document. Values that cannot be written
// are logged and left out.
func (s *Store) Encode() ([]byte, error) {
	doc := make(map[string]any)
	for _, f := range s.fields {
		v := f.value
		if s.interceptor != nil {
			v = s.interceptor.PersistValue(f)
		}
		if v == nil {
			continue
		}
		dv, err := toDocument(f.shape, v)
		if err != nil {
			s.logger.Warn("skipping setting that cannot be saved",
				"section", f.section,
				"key", f.key,
				"error", err,
			)
			continue
		}
		table, ok := doc[f.section].(map[string]any)
		if !ok {
			table = make(map[string]any)
			doc[f.section] = table
		}
		table[f.key] = dv
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("settings: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the settings document to the backend.
func (s *Store) Save(ctx context.Context) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}

// Load reads the settings document from the backend. A missing document
// leaves every field unchanged.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}
	if data == nil {
		return nil
	}
	return s.Decode(data)
}

// Decode applies a settings document. Values that do not parse are
// logged and ignored; keys with no defined field are skipped.
func (s *Store) Decode(data []byte) error {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("settings: decode: %w", err)
	}

	for _, f := range s.fields {
		table, ok := doc[f.section].(map[string]any)
		if !ok {
			continue
		}
		raw, ok := table[f.key]
		if !ok {
			continue
		}
		v, err := fromDocument(f.shape, raw)
		if err != nil {
			s.logger.Warn("ignoring unparseable setting",
				"section", f.section,
				"key", f.key,
				"error", err,
			)
			continue
		}
		if s.interceptor != nil && s.interceptor.LoadValue(f, v) {
			continue
		}
		if err := f.SetValue(v); err != nil {
			s.logger.Warn("ignoring invalid setting",
				"section", f.section,
				"key", f.key,
				"error", err,
			)
		}
	}
	return nil
}

func fieldID(section, key string) string {
	return section + "\x00" + key
}
