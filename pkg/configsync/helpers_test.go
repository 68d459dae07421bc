package configsync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/protocol"
)

type testSetting struct {
	section, key string
	shape        codec.Shape
	value        any
	hooks        []func()
	meta         map[string]any
}

func newSetting(section, key string, shape codec.Shape, value any) *testSetting {
	return &testSetting{section: section, key: key, shape: shape, value: value, meta: map[string]any{}}
}

func (s *testSetting) Section() string         { return s.section }
func (s *testSetting) Key() string             { return s.key }
func (s *testSetting) Shape() codec.Shape      { return s.shape }
func (s *testSetting) Value() any              { return s.value }
func (s *testSetting) OnChange(fn func())      { s.hooks = append(s.hooks, fn) }
func (s *testSetting) SetMeta(k string, v any) { s.meta[k] = v }

func (s *testSetting) SetValue(v any) error {
	s.value = v
	for _, fn := range s.hooks {
		fn()
	}
	return nil
}

func (s *testSetting) readonly() bool {
	ro, _ := s.meta["readonly"].(bool)
	return ro
}

type sentMessage struct {
	channel string
	payload []byte
}

type testPeer struct {
	id, name  string
	identity  string
	connected bool
	queue     int
	sent      []sentMessage
	failOn    string // Send on this channel fails
}

// newPeer returns a connected peer authenticated under its name.
func newPeer(id, name string) *testPeer {
	return &testPeer{id: id, name: name, identity: name, connected: true}
}

func (p *testPeer) ID() string       { return p.id }
func (p *testPeer) Name() string     { return p.name }
func (p *testPeer) Identity() string { return p.identity }
func (p *testPeer) Connected() bool  { return p.connected }
func (p *testPeer) QueueDepth() int  { return p.queue }

var errSendFailed = errors.New("send queue full")

func (p *testPeer) Send(channel string, payload []byte) error {
	if !p.connected {
		return errors.New("closed")
	}
	if p.failOn != "" && channel == p.failOn {
		return errSendFailed
	}
	p.sent = append(p.sent, sentMessage{channel: channel, payload: payload})
	return nil
}

// take returns and clears the sent messages.
func (p *testPeer) take() []sentMessage {
	out := p.sent
	p.sent = nil
	return out
}

type disconnect struct {
	peer   string
	status protocol.Status
}

type testNet struct {
	server      bool
	peers       []Peer
	disconnects []disconnect
}

func (n *testNet) IsServer() bool { return n.server }
func (n *testNet) Peers() []Peer  { return n.peers }

func (n *testNet) Disconnect(p Peer, status protocol.Status, reason string) {
	n.disconnects = append(n.disconnects, disconnect{peer: p.ID(), status: status})
	if tp, ok := p.(*testPeer); ok {
		tp.connected = false
	}
}

type countingObserver struct {
	nopObserver
	tooLarge int
}

func (o *countingObserver) PackageTooLarge(string, int) { o.tooLarge++ }

type testClock struct {
	t time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func newTestManager(net *testNet, clock *testClock, opts ...Option) *Manager {
	base := []Option{WithLogger(discardLogger()), WithClock(clock.Now)}
	return NewManager(net, append(base, opts...)...)
}

// mod is one registry with a fixed set of fields.
type mod struct {
	reg      *Registry
	settings map[string]*testSetting
}

func newMod(t *testing.T, m *Manager, name string, values map[string]any) *mod {
	t.Helper()
	reg, err := m.NewRegistry(Options{Name: name, CurrentVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("NewRegistry(%s) error = %v", name, err)
	}
	md := &mod{reg: reg, settings: map[string]*testSetting{}}
	for _, key := range sortedKeys(values) {
		v := values[key]
		s := newSetting("General", key, shapeOf(t, v), v)
		if _, err := reg.AddField(s); err != nil {
			t.Fatalf("AddField(%s) error = %v", key, err)
		}
		md.settings[key] = s
	}
	return md
}

func (md *mod) addLock(t *testing.T, locked bool) *testSetting {
	t.Helper()
	s := newSetting("General", "Lock", codec.BoolShape, locked)
	if _, err := md.reg.AddLockingField(s); err != nil {
		t.Fatalf("AddLockingField() error = %v", err)
	}
	md.settings["Lock"] = s
	return s
}

func shapeOf(t *testing.T, v any) codec.Shape {
	t.Helper()
	switch v.(type) {
	case bool:
		return codec.BoolShape
	case int32:
		return codec.Int32Shape
	case float64:
		return codec.Float64Shape
	case string:
		return codec.StringShape
	}
	t.Fatalf("no shape for %T", v)
	return nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

// deliver hands every registry message to m as if it came from sender.
func deliver(t *testing.T, m *Manager, sender Peer, msgs []sentMessage) {
	t.Helper()
	for _, msg := range msgs {
		if !m.HandleMessage(context.Background(), sender, msg.channel, msg.payload) {
			t.Fatalf("HandleMessage(%q) not handled", msg.channel)
		}
	}
}

// decodePackage decodes an unfragmented package.
func decodePackage(t *testing.T, types *codec.Types, payload []byte) (protocol.Flags, []codec.Entry) {
	t.Helper()
	d := protocol.NewDecoder(payload)
	flags, err := protocol.ReadFlags(d)
	if err != nil {
		t.Fatalf("ReadFlags() error = %v", err)
	}
	if flags.Has(protocol.FlagCompressed) {
		inner, err := protocol.Decompress(d)
		if err != nil {
			t.Fatalf("Decompress() error = %v", err)
		}
		d = protocol.NewDecoder(inner)
		if flags, err = protocol.ReadFlags(d); err != nil {
			t.Fatalf("ReadFlags(inner) error = %v", err)
		}
	}
	res, err := types.DecodeEntries(d)
	if err != nil {
		t.Fatalf("DecodeEntries() error = %v", err)
	}
	return flags, res.Entries
}

// pair is a connected server and client with one registry each.
type pair struct {
	clock      *testClock
	serverNet  *testNet
	clientNet  *testNet
	server     *Manager
	client     *Manager
	toClient   *testPeer // the client as seen by the server
	toServer   *testPeer // the server as seen by the client
	serverMod  *mod
	clientMod  *mod
	serverLock *testSetting
	clientLock *testSetting
}

func newPair(t *testing.T, admins *AdminSet, locked bool, serverValues, clientValues map[string]any, opts ...Option) *pair {
	t.Helper()
	p := &pair{
		clock:    newClock(),
		toClient: newPeer("client-1", "alice"),
		toServer: newPeer("server", "server"),
	}
	p.serverNet = &testNet{server: true, peers: []Peer{p.toClient}}
	p.clientNet = &testNet{peers: []Peer{p.toServer}}

	serverOpts := append([]Option{WithAdmins(admins)}, opts...)
	p.server = newTestManager(p.serverNet, p.clock, serverOpts...)
	p.client = newTestManager(p.clientNet, p.clock, opts...)

	p.serverMod = newMod(t, p.server, "Mod", serverValues)
	p.clientMod = newMod(t, p.client, "Mod", clientValues)
	p.serverLock = p.serverMod.addLock(t, locked)
	p.clientLock = p.clientMod.addLock(t, false)
	return p
}

// join runs the initial sync and delivers the snapshot to the client.
func (p *pair) join(t *testing.T) {
	t.Helper()
	var syncErr error
	done := false
	p.server.StartInitialSync(p.toClient, func(err error) { done, syncErr = true, err })
	for i := 0; !done && i < 10; i++ {
		p.server.Tick()
	}
	if !done || syncErr != nil {
		t.Fatalf("initial sync done=%v err=%v", done, syncErr)
	}
	deliver(t, p.client, p.toServer, p.toClient.take())
}
