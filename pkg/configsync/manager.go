package configsync

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/protocol"
)

const tracerName = "github.com/vango-dev/serversync/pkg/configsync"

// Manager owns every registry of the process and the state they share:
// the type registry, the re-entrancy guard, the lock-exempt flag, the
// stream counter, the fragment cache and the send scheduler.
type Manager struct {
	cfg      *Config
	net      Network
	admins   AdminList
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
	now      func() time.Time

	types       *codec.Types
	registries  []*Registry
	byChannel   map[string]*Registry
	bySetting   map[Setting]*TrackedField
	reassembler *protocol.Reassembler
	scheduler   *Scheduler

	applying   bool
	lockExempt bool
	streamID   uint64

	lastAdmins     []string
	nextAdminCheck time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the manager tunables. Zero fields keep their defaults.
func WithConfig(cfg *Config) Option {
	return func(m *Manager) {
		m.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithAdmins sets the admin list consulted for lock exemption.
func WithAdmins(a AdminList) Option {
	return func(m *Manager) {
		m.admins = a
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager bound to the host network.
func NewManager(net Network, opts ...Option) *Manager {
	m := &Manager{
		cfg:       DefaultConfig(),
		net:       net,
		admins:    NewAdminSet(),
		logger:    slog.Default().With("component", "configsync"),
		tracer:    otel.Tracer(tracerName),
		observer:  nopObserver{},
		now:       time.Now,
		types:     codec.NewTypes(),
		byChannel: make(map[string]*Registry),
		bySetting: make(map[Setting]*TrackedField),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reassembler = protocol.NewReassembler(m.cfg.FragmentTTL)
	m.reassembler.SetClock(m.now)
	m.scheduler = newScheduler(m.now)
	m.lastAdmins = m.admins.Snapshot()
	m.nextAdminCheck = m.now().Add(m.cfg.AdminCheckInterval)
	return m
}

// Types returns the shape registry shared by all registries.
func (m *Manager) Types() *codec.Types {
	return m.types
}

// Registries returns the registries in creation order.
func (m *Manager) Registries() []*Registry {
	return slices.Clone(m.registries)
}

// Registry returns the registry with the given name.
func (m *Manager) Registry(name string) (*Registry, bool) {
	r, ok := m.byChannel[protocol.ConfigSyncChannel(name)]
	return r, ok
}

// IsSyncChannel reports whether channel belongs to a registry.
func (m *Manager) IsSyncChannel(channel string) bool {
	_, ok := m.byChannel[channel]
	return ok
}

// LockExempt reports whether the server marked this process as exempt
// from registry locks.
func (m *Manager) LockExempt() bool {
	return m.lockExempt
}

// Applying reports whether an inbound update is being applied.
func (m *Manager) Applying() bool {
	return m.applying
}

// PendingSends returns the number of unfinished send tasks.
func (m *Manager) PendingSends() int {
	return m.scheduler.Pending()
}

// PendingFragments returns the number of incomplete inbound streams.
func (m *Manager) PendingFragments() int {
	return m.reassembler.Pending()
}

// HandleMessage routes a message received on a registry channel. It
// returns false when the channel belongs to no registry.
func (m *Manager) HandleMessage(ctx context.Context, sender Peer, channel string, payload []byte) bool {
	r, ok := m.byChannel[channel]
	if !ok {
		return false
	}
	r.handlePackage(ctx, sender, payload)
	return true
}

// Tick advances send tasks and, on the server, the admin-list check.
func (m *Manager) Tick() {
	m.scheduler.Poll()

	now := m.now()
	if now.Before(m.nextAdminCheck) {
		return
	}
	m.nextAdminCheck = now.Add(m.cfg.AdminCheckInterval)
	m.checkAdmins()
}

// Reset makes every registry authoritative again and restores shadowed
// values. Hosts call it when a client loses its server or shuts down.
func (m *Manager) Reset() {
	m.lockExempt = false
	for _, r := range m.registries {
		r.Reset()
	}
}

// PersistValue returns the value a settings store should write for s:
// the shadow while the field is shadowed and not writable, else the live
// value.
func (m *Manager) PersistValue(s Setting) any {
	f, ok := m.bySetting[s]
	if !ok || !f.hasShadow || f.reg.IsWritable(f) {
		return s.Value()
	}
	return f.shadow
}

// LoadValue lets a settings store hand a reloaded value to the sync layer.
// It returns true when the value replaced a pending shadow, in which case
// the store must leave the live value untouched.
func (m *Manager) LoadValue(s Setting, v any) bool {
	f, ok := m.bySetting[s]
	if !ok || !f.hasShadow {
		return false
	}
	f.shadow = v
	return true
}

// isAdmin looks up the authenticated identity. The announced name is
// chosen by the peer and never grants anything.
func (m *Manager) isAdmin(p Peer) bool {
	if m.admins == nil || p == nil {
		return false
	}
	id := p.Identity()
	return id != "" && m.admins.Contains(id)
}

func (m *Manager) nextStreamID() uint64 {
	m.streamID++
	return m.streamID
}

// updateWritability recomputes every registry after the exempt flag moved.
func (m *Manager) updateWritability() {
	for _, r := range m.registries {
		r.updateWritability()
	}
}

// withGuard runs fn with broadcasts suppressed.
func (m *Manager) withGuard(fn func()) {
	prev := m.applying
	m.applying = true
	defer func() { m.applying = prev }()
	fn()
}

// checkAdmins pushes lock-exempt updates when the admin list changed.
func (m *Manager) checkAdmins() {
	if m.net == nil || !m.net.IsServer() || m.admins == nil {
		return
	}
	current := m.admins.Snapshot()
	if slices.Equal(current, m.lastAdmins) {
		return
	}
	m.lastAdmins = current
	if len(m.registries) == 0 {
		return
	}

	m.logger.Info("admin list changed", "admins", len(current))
	r := m.registries[0]
	for _, p := range m.net.Peers() {
		entries := []codec.Entry{lockExemptEntry(m.isAdmin(p))}
		pkg, flags, err := r.encodePackage(entries, true)
		if err != nil {
			m.logger.Error("encode lock-exempt update", "registry", r.Name(), "error", err)
			return
		}
		r.sendPackage(p, pkg, flags, nil)
	}
}
