// Package metrics exposes Prometheus collectors for config sync traffic,
// the version gate and the peer transport.
//
// Metrics collected (default namespace "serversync"):
//   - serversync_packages_sent_total: packages sent by registry and kind
//   - serversync_packages_received_total: packages received by registry and kind
//   - serversync_package_bytes: histogram of package sizes by direction
//   - serversync_fragments_sent_total: fragments sent by registry
//   - serversync_decode_issues_total: rejected packages or entries by registry and issue
//   - serversync_packages_too_large_total: outbound packages refused for size by registry
//   - serversync_backpressure_timeouts_total: peers dropped for a stuck send queue
//   - serversync_version_rejects_total: connections refused by the version gate
//   - serversync_peers: connected peers
//   - serversync_messages_dropped_total: inbound messages dropped by reason
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(metrics.WithRegistry(reg))
//	manager := configsync.NewManager(net, configsync.WithObserver(m))
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/protocol"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "serversync").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the package size histogram buckets in bytes.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the package size buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "serversync",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 9), // 64B to 4MB
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors. It implements configsync.Observer.
type Metrics struct {
	packagesSent        *prometheus.CounterVec
	packagesReceived    *prometheus.CounterVec
	packageBytes        *prometheus.HistogramVec
	fragmentsSent       *prometheus.CounterVec
	decodeIssues        *prometheus.CounterVec
	packagesTooLarge    *prometheus.CounterVec
	backpressureTimeout *prometheus.CounterVec
	versionRejects      *prometheus.CounterVec
	peers               prometheus.Gauge
	messagesDropped     *prometheus.CounterVec
}

var _ configsync.Observer = (*Metrics)(nil)

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		packagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "packages_sent_total",
			Help:        "Config packages sent, by registry and kind",
			ConstLabels: config.ConstLabels,
		}, []string{"registry", "kind"}),

		packagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "packages_received_total",
			Help:        "Config packages received, by registry and kind",
			ConstLabels: config.ConstLabels,
		}, []string{"registry", "kind"}),

		packageBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "package_bytes",
			Help:        "Config package size in bytes",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"direction"}),

		fragmentsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "fragments_sent_total",
			Help:        "Package fragments sent, by registry",
			ConstLabels: config.ConstLabels,
		}, []string{"registry"}),

		decodeIssues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "decode_issues_total",
			Help:        "Rejected inbound packages or entries, by registry and issue",
			ConstLabels: config.ConstLabels,
		}, []string{"registry", "issue"}),

		packagesTooLarge: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "packages_too_large_total",
			Help:        "Outbound packages refused for exceeding the package size limit, by registry",
			ConstLabels: config.ConstLabels,
		}, []string{"registry"}),

		backpressureTimeout: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "backpressure_timeouts_total",
			Help:        "Peers disconnected because their send queue did not drain",
			ConstLabels: config.ConstLabels,
		}, []string{"registry"}),

		versionRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "version_rejects_total",
			Help:        "Connections refused by the version gate, by mod",
			ConstLabels: config.ConstLabels,
		}, []string{"mod"}),

		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "peers",
			Help:        "Connected peers",
			ConstLabels: config.ConstLabels,
		}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "messages_dropped_total",
			Help:        "Inbound messages dropped before dispatch, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),
	}
}

// packageKind collapses flags into a low-cardinality label.
func packageKind(flags protocol.Flags) string {
	if flags.Has(protocol.FlagPartial) {
		return "partial"
	}
	return "full"
}

func (m *Metrics) PackageSent(registry string, flags protocol.Flags, size int) {
	m.packagesSent.WithLabelValues(registry, packageKind(flags)).Inc()
	m.packageBytes.WithLabelValues("sent").Observe(float64(size))
}

func (m *Metrics) PackageReceived(registry string, flags protocol.Flags, size int) {
	m.packagesReceived.WithLabelValues(registry, packageKind(flags)).Inc()
	m.packageBytes.WithLabelValues("received").Observe(float64(size))
}

func (m *Metrics) FragmentSent(registry string) {
	m.fragmentsSent.WithLabelValues(registry).Inc()
}

func (m *Metrics) DecodeIssue(registry string, kind configsync.Issue) {
	m.decodeIssues.WithLabelValues(registry, string(kind)).Inc()
}

func (m *Metrics) PackageTooLarge(registry string, size int) {
	m.packagesTooLarge.WithLabelValues(registry).Inc()
	m.packageBytes.WithLabelValues("refused").Observe(float64(size))
}

func (m *Metrics) BackpressureTimeout(registry string) {
	m.backpressureTimeout.WithLabelValues(registry).Inc()
}

// VersionRejected counts a connection refused because of mod.
func (m *Metrics) VersionRejected(mod string) {
	m.versionRejects.WithLabelValues(mod).Inc()
}

// PeerConnected increments the peer gauge.
func (m *Metrics) PeerConnected() {
	m.peers.Inc()
}

// PeerDisconnected decrements the peer gauge.
func (m *Metrics) PeerDisconnected() {
	m.peers.Dec()
}

// MessageDropped counts an inbound message dropped for reason.
func (m *Metrics) MessageDropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}
