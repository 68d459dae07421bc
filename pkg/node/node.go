package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/metrics"
	"github.com/vango-dev/serversync/pkg/protocol"
	"github.com/vango-dev/serversync/pkg/transport"
	"github.com/vango-dev/serversync/pkg/versioncheck"
)

// Errors returned by Node.
var (
	ErrStopped         = errors.New("node: event loop stopped")
	ErrUnknownPeer     = errors.New("node: unknown peer")
	ErrReservedChannel = errors.New("node: channel is reserved")
)

// Conn is a transport connection as the node sees it.
type Conn interface {
	configsync.Peer
	SetName(name string)
	Close() error
}

// ChannelHandler receives application messages on a registered channel.
type ChannelHandler func(from configsync.Peer, payload []byte)

// Config holds node settings.
type Config struct {
	// Name identifies this process to peers and to admin lists.
	Name string

	// Server selects the coordinating role.
	Server bool

	// TickInterval is how often send tasks and the admin check advance.
	// Default: 50ms.
	TickInterval time.Duration

	// EventQueue is the event loop buffer size.
	// Default: 1024.
	EventQueue int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.EventQueue <= 0 {
		c.EventQueue = 1024
	}
	return c
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithMetrics reports sync, version and peer events to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithManagerOptions passes options to the sync manager.
func WithManagerOptions(opts ...configsync.Option) Option {
	return func(n *Node) {
		n.managerOpts = append(n.managerOpts, opts...)
	}
}

// OnRefused sets the callback a client runs when it refuses a server, or
// is refused by one. reason is the human-readable explanation.
func OnRefused(fn func(reason string)) Option {
	return func(n *Node) {
		n.onRefused = fn
	}
}

type peer struct {
	conn     Conn
	out      configsync.Peer
	verified bool
	syncing  bool
}

// Node runs config sync for one process.
type Node struct {
	cfg         Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	managerOpts []configsync.Option
	onRefused   func(reason string)

	manager  *configsync.Manager
	gate     *versioncheck.Gate
	handlers map[string]ChannelHandler

	peers map[string]*peer
	order []string

	ctx     context.Context
	events  chan func()
	stopped chan struct{}
}

var _ configsync.Network = (*Node)(nil)

// New creates a node. Registries are added through Manager before Run.
func New(cfg Config, opts ...Option) *Node {
	n := &Node{
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "node"),
		handlers: make(map[string]ChannelHandler),
		peers:    make(map[string]*peer),
		ctx:      context.Background(),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.events = make(chan func(), n.cfg.EventQueue)

	mopts := []configsync.Option{configsync.WithLogger(n.logger.With("component", "configsync"))}
	if n.metrics != nil {
		mopts = append(mopts, configsync.WithObserver(n.metrics))
	}
	n.manager = configsync.NewManager(n, append(mopts, n.managerOpts...)...)
	n.gate = versioncheck.New(n.manager, n.cfg.Server,
		versioncheck.WithLogger(n.logger.With("component", "versioncheck")))
	return n
}

// Manager returns the sync manager.
func (n *Node) Manager() *configsync.Manager { return n.manager }

// Gate returns the version gate.
func (n *Node) Gate() *versioncheck.Gate { return n.gate }

// Name returns the configured process name.
func (n *Node) Name() string { return n.cfg.Name }

// IsServer reports whether this node coordinates the session.
func (n *Node) IsServer() bool { return n.cfg.Server }

// Peers returns the verified peers in connection order.
func (n *Node) Peers() []configsync.Peer {
	out := make([]configsync.Peer, 0, len(n.order))
	for _, id := range n.order {
		if p := n.peers[id]; p.verified {
			out = append(out, p.conn)
		}
	}
	return out
}

// Disconnect sends status on the error channel and closes the connection.
func (n *Node) Disconnect(p configsync.Peer, status protocol.Status, reason string) {
	n.logger.Warn("disconnecting peer", "peer", p.Name(), "status", status, "reason", reason)
	msg := protocol.EncodeStatusMessage(&protocol.StatusMessage{Status: status, Reason: reason})
	if err := p.Send(protocol.ChannelError, msg); err != nil {
		n.logger.Debug("send status failed", "peer", p.Name(), "error", err)
	}
	if st, ok := n.peers[p.ID()]; ok {
		st.conn.Close()
		return
	}
	if c, ok := p.(Conn); ok {
		c.Close()
	}
}

// Register installs h for application messages on channel and returns
// the handler it replaced.
func (n *Node) Register(channel string, h ChannelHandler) (ChannelHandler, error) {
	switch channel {
	case protocol.ChannelVersionCheck, protocol.ChannelPeerInfo, protocol.ChannelError:
		return nil, fmt.Errorf("%w: %s", ErrReservedChannel, channel)
	}
	if n.manager.IsSyncChannel(channel) || protocol.IsConfigSyncChannel(channel) {
		return nil, fmt.Errorf("%w: %s", ErrReservedChannel, channel)
	}
	prev := n.handlers[channel]
	n.handlers[channel] = h
	return prev, nil
}

// ChainVersionHandler installs a handler for version announcements of
// mods the gate does not know.
func (n *Node) ChainVersionHandler(h versioncheck.Handler) {
	n.gate.Chain(h)
}

// Send sends an application message to one peer. While the peer is
// receiving its initial snapshot the message is held back.
func (n *Node) Send(peerID, channel string, payload []byte) error {
	p, ok := n.peers[peerID]
	if !ok || p.out == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return p.out.Send(channel, payload)
}

// Broadcast sends an application message to every verified peer.
func (n *Node) Broadcast(channel string, payload []byte) {
	for _, id := range n.order {
		p := n.peers[id]
		if !p.verified || p.out == nil {
			continue
		}
		if err := p.out.Send(channel, payload); err != nil {
			n.logger.Debug("broadcast failed", "peer", p.conn.Name(), "channel", channel, "error", err)
		}
	}
}

// Run processes events until ctx is done, then closes every connection.
// On a client the registries are reset.
func (n *Node) Run(ctx context.Context) error {
	n.ctx = ctx
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	defer close(n.stopped)

	n.logger.Info("node started", "name", n.cfg.Name, "server", n.cfg.Server,
		"registries", len(n.manager.Registries()))
	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return nil
		case fn := <-n.events:
			fn()
		case <-ticker.C:
			n.manager.Tick()
		}
	}
}

// Do runs fn on the event loop and waits for it.
func (n *Node) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := n.post(ctx, func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn on the event loop without waiting.
func (n *Node) Post(fn func()) error {
	return n.post(context.Background(), fn)
}

func (n *Node) post(ctx context.Context, fn func()) error {
	select {
	case <-n.stopped:
		return ErrStopped
	default:
	}
	select {
	case n.events <- fn:
		return nil
	case <-n.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) shutdown() {
	for _, id := range slices.Clone(n.order) {
		n.peers[id].conn.Close()
	}
	if !n.cfg.Server {
		n.manager.Reset()
	}
	n.logger.Info("node stopped", "name", n.cfg.Name)
}

// TransportHandler adapts the node to transport callbacks, which arrive on
// connection goroutines.
func (n *Node) TransportHandler() transport.Handler {
	return transportHandler{n}
}

type transportHandler struct {
	n *Node
}

func (h transportHandler) OnConnect(c *transport.Conn) {
	h.n.Post(func() { h.n.handleConnect(c) })
}

func (h transportHandler) OnMessage(c *transport.Conn, channel string, payload []byte) {
	h.n.Post(func() { h.n.handleMessage(c, channel, payload) })
}

func (h transportHandler) OnDisconnect(c *transport.Conn, err error) {
	h.n.Post(func() { h.n.handleDisconnect(c, err) })
}
