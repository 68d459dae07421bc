package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/protocol"
	"github.com/vango-dev/serversync/pkg/settings"
)

type envelope struct {
	channel string
	payload []byte
}

type fakeConn struct {
	id, name string
	identity string
	closed   bool
	queue    int
	failOn   string
	out      []envelope
}

func (c *fakeConn) ID() string          { return c.id }
func (c *fakeConn) Name() string        { return c.name }
func (c *fakeConn) Identity() string    { return c.identity }
func (c *fakeConn) Connected() bool     { return !c.closed }
func (c *fakeConn) QueueDepth() int     { return c.queue }
func (c *fakeConn) SetName(name string) { c.name = name }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) Send(channel string, payload []byte) error {
	if c.closed {
		return errors.New("closed")
	}
	if channel == c.failOn {
		return errors.New("write failed")
	}
	c.out = append(c.out, envelope{channel: channel, payload: payload})
	return nil
}

func (c *fakeConn) take() []envelope {
	out := c.out
	c.out = nil
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// side is one node with a settings store and a registry called "game".
type side struct {
	node  *Node
	store *settings.Store
	diff  *settings.Field
	reg   *configsync.Registry
}

func newSide(t *testing.T, cfg Config, version string, required bool, difficulty int32, opts ...Option) *side {
	t.Helper()
	n := New(cfg, append([]Option{WithLogger(discardLogger())}, opts...)...)
	store := settings.New(nil, settings.WithLogger(discardLogger()))
	diff, err := store.Define("Gameplay", "Difficulty", codec.Int32Shape, difficulty, "")
	if err != nil {
		t.Fatal(err)
	}
	reg, err := n.Manager().NewRegistry(configsync.Options{
		Name:           "game",
		CurrentVersion: version,
		ModRequired:    required,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddField(diff); err != nil {
		t.Fatal(err)
	}
	store.SetInterceptor(n.Manager())
	return &side{node: n, store: store, diff: diff, reg: reg}
}

// link connects a server and a client node through fake connections.
type link struct {
	server, client *side
	toClient       *fakeConn // server's connection to the client
	toServer       *fakeConn // client's connection to the server
	notified       bool
}

func connect(server, client *side) *link {
	l := &link{
		server:   server,
		client:   client,
		toClient: &fakeConn{id: "c1", name: "alice"},
		toServer: &fakeConn{id: "s1", name: "server"},
	}
	server.node.handleConnect(l.toClient)
	client.node.handleConnect(l.toServer)
	return l
}

// pump delivers queued messages both ways until both sides are quiet,
// then reports closed connections.
func (l *link) pump() {
	for len(l.toClient.out) > 0 || len(l.toServer.out) > 0 {
		for _, m := range l.toClient.take() {
			l.client.node.handleMessage(l.toServer, m.channel, m.payload)
		}
		for _, m := range l.toServer.take() {
			l.server.node.handleMessage(l.toClient, m.channel, m.payload)
		}
	}
	if (l.toClient.closed || l.toServer.closed) && !l.notified {
		l.notified = true
		l.toClient.closed, l.toServer.closed = true, true
		l.server.node.handleDisconnect(l.toClient, nil)
		l.client.node.handleDisconnect(l.toServer, nil)
	}
}

func TestHandshakeSyncsClient(t *testing.T) {
	server := newSide(t, Config{Name: "host", Server: true}, "1.0.0", true, 3)
	client := newSide(t, Config{Name: "alice"}, "1.0.0", true, 1)

	l := connect(server, client)
	l.pump()

	if got := client.diff.Value(); got != int32(3) {
		t.Errorf("client Difficulty = %v, want 3", got)
	}
	if client.reg.IsSourceOfTruth() {
		t.Error("client registry still authoritative after snapshot")
	}
	if !server.reg.IsSourceOfTruth() {
		t.Error("server registry lost authority")
	}
	if n := len(server.node.Peers()); n != 1 {
		t.Errorf("server Peers() = %d, want 1", n)
	}
	if n := len(client.node.Peers()); n != 1 {
		t.Errorf("client Peers() = %d, want 1", n)
	}
	if l.toServer.Name() != "host" {
		t.Errorf("client-side server name = %q, want host", l.toServer.Name())
	}

	// Server changes reach the client.
	server.diff.SetValue(int32(5))
	l.pump()
	if got := client.diff.Value(); got != int32(5) {
		t.Errorf("client Difficulty after update = %v, want 5", got)
	}
}

func TestClientResetOnDisconnect(t *testing.T) {
	server := newSide(t, Config{Name: "host", Server: true}, "1.0.0", true, 3)
	client := newSide(t, Config{Name: "alice"}, "1.0.0", true, 1)

	l := connect(server, client)
	l.pump()
	l.toServer.Close()
	l.pump()

	if got := client.diff.Value(); got != int32(1) {
		t.Errorf("client Difficulty after disconnect = %v, want local 1", got)
	}
	if !client.reg.IsSourceOfTruth() {
		t.Error("client registry should be authoritative again")
	}
	if n := len(server.node.Peers()); n != 0 {
		t.Errorf("server Peers() = %d after disconnect, want 0", n)
	}
}

func TestVersionMismatchRefused(t *testing.T) {
	var refused []string
	server := newSide(t, Config{Name: "host", Server: true}, "2.0.0", true, 3)
	client := newSide(t, Config{Name: "alice"}, "1.0.0", true, 1,
		OnRefused(func(reason string) { refused = append(refused, reason) }))

	l := connect(server, client)

	// Deliver only the client's handshake to see what the server answers.
	for _, m := range l.toServer.take() {
		server.node.handleMessage(l.toClient, m.channel, m.payload)
	}
	var status *protocol.StatusMessage
	for _, m := range l.toClient.out {
		if m.channel == protocol.ChannelError {
			status, _ = protocol.DecodeStatusMessage(m.payload)
		}
	}
	if status == nil || status.Status != protocol.StatusErrorVersion {
		t.Fatalf("server status = %+v, want ErrorVersion", status)
	}
	want := "Disconnect: The client (alice) doesn't have the correct game version 2.0.0"
	if !strings.Contains(status.Reason, want) {
		t.Errorf("reason = %q, want %q", status.Reason, want)
	}
	if !l.toClient.closed {
		t.Error("server did not close the connection")
	}

	l.pump()
	if client.diff.Value() != int32(1) {
		t.Errorf("refused client Difficulty = %v, want untouched 1", client.diff.Value())
	}
	if len(refused) == 0 || !strings.Contains(refused[0], "Mod game requires minimum 2.0.0. Installed is version 1.0.0.") {
		t.Errorf("refused = %q", refused)
	}
}

func TestAppTrafficHeldUntilSnapshot(t *testing.T) {
	server := newSide(t, Config{Name: "host", Server: true}, "1.0.0", true, 3)
	client := newSide(t, Config{Name: "alice"}, "1.0.0", true, 1)

	var chat []string
	client.node.Register("chat", func(from configsync.Peer, payload []byte) {
		chat = append(chat, string(payload))
	})

	l := connect(server, client)
	for _, m := range l.toClient.take() {
		client.node.handleMessage(l.toServer, m.channel, m.payload)
	}
	l.toClient.queue = configsync.DefaultConfig().MaxSendQueue + 1
	for _, m := range l.toServer.take() {
		server.node.handleMessage(l.toClient, m.channel, m.payload)
	}
	if server.node.Manager().PendingSends() != 1 {
		t.Fatalf("PendingSends() = %d, want a suspended snapshot", server.node.Manager().PendingSends())
	}

	if err := server.node.Send("c1", "chat", []byte("welcome")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for _, m := range l.toClient.out {
		if m.channel == "chat" {
			t.Fatal("chat sent before the snapshot")
		}
	}

	l.toClient.queue = 0
	server.node.Manager().Tick()

	var channels []string
	for _, m := range l.toClient.out {
		channels = append(channels, m.channel)
	}
	want := []string{protocol.ConfigSyncChannel("game"), "chat"}
	if strings.Join(channels, ",") != strings.Join(want, ",") {
		t.Errorf("send order = %v, want %v", channels, want)
	}

	l.pump()
	if len(chat) != 1 || chat[0] != "welcome" {
		t.Errorf("chat = %v", chat)
	}
	if client.diff.Value() != int32(3) {
		t.Errorf("client Difficulty = %v, want 3", client.diff.Value())
	}
}

func TestRepeatedPeerInfoIsIgnored(t *testing.T) {
	server := newSide(t, Config{Name: "host", Server: true}, "1.0.0", true, 3)
	client := newSide(t, Config{Name: "alice"}, "1.0.0", true, 1)

	var chat []string
	client.node.Register("chat", func(from configsync.Peer, payload []byte) {
		chat = append(chat, string(payload))
	})

	l := connect(server, client)
	for _, m := range l.toClient.take() {
		client.node.handleMessage(l.toServer, m.channel, m.payload)
	}
	l.toClient.queue = configsync.DefaultConfig().MaxSendQueue + 1
	var info []byte
	for _, m := range l.toServer.take() {
		if m.channel == protocol.ChannelPeerInfo {
			info = m.payload
		}
		server.node.handleMessage(l.toClient, m.channel, m.payload)
	}
	if err := server.node.Send("c1", "chat", []byte("welcome")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	renamed := protocol.EncodePeerInfo(&protocol.PeerInfo{Name: "mallory"})
	server.node.handleMessage(l.toClient, protocol.ChannelPeerInfo, info)
	server.node.handleMessage(l.toClient, protocol.ChannelPeerInfo, renamed)
	if n := server.node.Manager().PendingSends(); n != 1 {
		t.Errorf("PendingSends() = %d after repeated peer info, want 1", n)
	}
	if l.toClient.Name() != "alice" {
		t.Errorf("peer renamed to %q", l.toClient.Name())
	}

	l.toClient.queue = 0
	server.node.Manager().Tick()
	l.pump()
	if len(chat) != 1 || chat[0] != "welcome" {
		t.Errorf("chat = %v, want one welcome", chat)
	}
	if client.diff.Value() != int32(3) {
		t.Errorf("client Difficulty = %v, want 3", client.diff.Value())
	}
}

func TestFailedInitialSyncDisconnects(t *testing.T) {
	server := newSide(t, Config{Name: "host", Server: true}, "1.0.0", true, 3)
	client := newSide(t, Config{Name: "alice"}, "1.0.0", true, 1)

	l := connect(server, client)
	l.toClient.failOn = protocol.ConfigSyncChannel("game")
	for _, m := range l.toClient.take() {
		client.node.handleMessage(l.toServer, m.channel, m.payload)
	}
	for _, m := range l.toServer.take() {
		server.node.handleMessage(l.toClient, m.channel, m.payload)
	}

	if !l.toClient.closed {
		t.Fatal("peer left connected after a failed snapshot")
	}
	var status *protocol.StatusMessage
	for _, m := range l.toClient.out {
		if m.channel == protocol.ChannelError {
			status, _ = protocol.DecodeStatusMessage(m.payload)
		}
	}
	if status == nil || status.Status != protocol.StatusErrorConnectFailed {
		t.Errorf("server status = %+v, want ErrorConnectFailed", status)
	}
	if err := server.node.Send("c1", "chat", []byte("hi")); !errors.Is(err, configsync.ErrSyncFailed) {
		t.Errorf("Send() after failed sync err = %v, want ErrSyncFailed", err)
	}
	l.pump()
	if client.diff.Value() != int32(1) {
		t.Errorf("client Difficulty = %v, want untouched 1", client.diff.Value())
	}
}

func TestAdminIsAuthenticatedIdentity(t *testing.T) {
	server := newSide(t, Config{Name: "host", Server: true}, "1.0.0", true, 3,
		WithManagerOptions(configsync.WithAdmins(configsync.NewAdminSet("root"))))
	client := newSide(t, Config{Name: "root"}, "1.0.0", true, 1)
	for _, s := range []*side{server, client} {
		locked, err := s.store.Define("Gameplay", "Locked", codec.BoolShape, s == server, "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.reg.AddLockingField(locked); err != nil {
			t.Fatal(err)
		}
	}

	l := connect(server, client)
	l.pump()
	if l.toClient.Name() != "root" {
		t.Fatalf("server-side name = %q, want announced root", l.toClient.Name())
	}
	if client.node.Manager().LockExempt() {
		t.Error("announced admin name granted lock exemption")
	}
	if !client.reg.IsLocked() {
		t.Error("client registry not locked")
	}

	e := protocol.NewEncoder()
	e.WriteUint8(byte(protocol.FlagPartial))
	codec.EncodeEntries(e, []codec.Entry{
		{Section: "Gameplay", Key: "Difficulty", Shape: codec.Int32Shape, Value: int32(99)},
	})
	update := e.Bytes()

	server.node.handleMessage(l.toClient, protocol.ConfigSyncChannel("game"), update)
	if server.diff.Value() != int32(3) {
		t.Errorf("server Difficulty = %v, want 3", server.diff.Value())
	}

	l.toClient.identity = "root"
	server.node.handleMessage(l.toClient, protocol.ConfigSyncChannel("game"), update)
	if server.diff.Value() != int32(99) {
		t.Errorf("server Difficulty = %v after authenticated admin update, want 99", server.diff.Value())
	}
}

func TestUnverifiedConfigIsDropped(t *testing.T) {
	server := newSide(t, Config{Name: "host", Server: true}, "1.0.0", true, 3)
	c := &fakeConn{id: "x", name: "mallory"}
	server.node.handleConnect(c)

	e := protocol.NewEncoder()
	e.WriteUint8(byte(protocol.FlagPartial))
	codec.EncodeEntries(e, []codec.Entry{
		{Section: "Gameplay", Key: "Difficulty", Shape: codec.Int32Shape, Value: int32(9)},
	})
	server.node.handleMessage(c, protocol.ConfigSyncChannel("game"), e.Bytes())

	if server.diff.Value() != int32(3) {
		t.Errorf("server Difficulty = %v, want 3", server.diff.Value())
	}
}

func TestRoleConflictIsProtocolError(t *testing.T) {
	a := newSide(t, Config{Name: "a", Server: true}, "1.0.0", false, 0)
	b := newSide(t, Config{Name: "b", Server: true}, "1.0.0", false, 0)
	l := connect(a, b)
	for _, m := range l.toServer.take() {
		a.node.handleMessage(l.toClient, m.channel, m.payload)
	}
	if !l.toClient.closed {
		t.Error("two servers should not stay connected")
	}
}

func TestRegisterReservedChannels(t *testing.T) {
	n := New(Config{Name: "x"}, WithLogger(discardLogger()))
	n.Manager().NewRegistry(configsync.Options{Name: "game"})

	for _, ch := range []string{protocol.ChannelVersionCheck, protocol.ChannelError, protocol.ChannelPeerInfo, protocol.ConfigSyncChannel("game")} {
		if _, err := n.Register(ch, func(configsync.Peer, []byte) {}); !errors.Is(err, ErrReservedChannel) {
			t.Errorf("Register(%q) error = %v, want ErrReservedChannel", ch, err)
		}
	}

	first := func(configsync.Peer, []byte) {}
	if prev, err := n.Register("chat", first); err != nil || prev != nil {
		t.Errorf("first Register() = %v, %v", prev, err)
	}
	prev, err := n.Register("chat", func(configsync.Peer, []byte) {})
	if err != nil || prev == nil {
		t.Errorf("second Register() should return the replaced handler")
	}
}

func TestRunAndDo(t *testing.T) {
	n := New(Config{Name: "x", Server: true, TickInterval: time.Millisecond}, WithLogger(discardLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	st, err := n.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if st.Name != "x" || !st.Server {
		t.Errorf("Snapshot() = %+v", st)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if err := n.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do() after stop error = %v, want ErrStopped", err)
	}
}
