package settings

import (
	"context"
	"strings"
	"testing"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/protocol"
)

type clientNet struct{}

func (clientNet) IsServer() bool                                      { return false }
func (clientNet) Peers() []configsync.Peer                            { return nil }
func (clientNet) Disconnect(configsync.Peer, protocol.Status, string) {}

type serverPeer struct{}

func (serverPeer) ID() string                { return "server" }
func (serverPeer) Name() string              { return "host" }
func (serverPeer) Identity() string          { return "" }
func (serverPeer) Connected() bool           { return true }
func (serverPeer) QueueDepth() int           { return 0 }
func (serverPeer) Send(string, []byte) error { return nil }

// TestManagerInterceptsPersistence runs a settings store behind a client
// registry that received a locked snapshot.
func TestManagerInterceptsPersistence(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend, WithLogger(discardLogger()))
	lock := mustDefine(t, store, "Server", "Locked", codec.BoolShape, false)
	diff := mustDefine(t, store, "Gameplay", "Difficulty", difficultyShape, int32(0))

	m := configsync.NewManager(clientNet{}, configsync.WithLogger(discardLogger()))
	store.SetInterceptor(m)
	reg, err := m.NewRegistry(configsync.Options{Name: "game"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddLockingField(lock); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddField(diff); err != nil {
		t.Fatal(err)
	}

	e := protocol.NewEncoder()
	e.WriteUint8(0)
	err = codec.EncodeEntries(e, []codec.Entry{
		{Section: "Server", Key: "Locked", Shape: codec.BoolShape, Value: true},
		{Section: "Gameplay", Key: "Difficulty", Shape: difficultyShape, Value: int32(2)},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.HandleMessage(context.Background(), serverPeer{}, reg.Channel(), e.Bytes())

	if diff.Value() != int32(2) {
		t.Fatalf("Difficulty = %v, want synchronized 2", diff.Value())
	}
	if !diff.ReadOnly() {
		t.Fatal("Difficulty should be read-only under a locked registry")
	}

	ctx := context.Background()
	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, _ := backend.Load(ctx)
	doc := string(data)
	if !strings.Contains(doc, `Difficulty = "Easy"`) {
		t.Errorf("document should keep the local value:\n%s", doc)
	}
	if !strings.Contains(doc, "Locked = false") {
		t.Errorf("document should keep the local lock:\n%s", doc)
	}

	backend.Save(ctx, []byte("[Gameplay]\nDifficulty = \"Normal\"\n"))
	if err := store.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff.Value() != int32(2) {
		t.Errorf("reload changed the live value to %v", diff.Value())
	}

	m.Reset()
	if diff.Value() != int32(1) {
		t.Errorf("Difficulty after Reset = %v, want the reloaded shadow 1", diff.Value())
	}
}
