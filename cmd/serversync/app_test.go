package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vango-dev/serversync/internal/config"
	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/node"
	"github.com/vango-dev/serversync/pkg/settings"
)

func gameConfig() *config.Config {
	cfg := config.Default()
	cfg.Registries = []config.RegistryConfig{{
		Name:     "game",
		Version:  "1.0.0",
		Required: true,
		Fields: []config.FieldConfig{
			{Section: "Gameplay", Key: "Difficulty", Type: "int32", Default: 2},
			{Section: "Gameplay", Key: "Locked", Type: "bool", Locking: true},
			{Section: "Gameplay", Key: "Maps", Type: "list<string>"},
			{Section: "Client", Key: "Volume", Type: "float32", Default: 0.5, Local: true},
		},
	}}
	return cfg
}

func TestNewAppBuildsRegistries(t *testing.T) {
	a, err := newApp(gameConfig(), io.Discard)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}

	reg, ok := a.node.Manager().Registry("game")
	if !ok {
		t.Fatal("registry game not created")
	}
	if got := len(reg.Fields()); got != 4 {
		t.Errorf("fields = %d, want 4", got)
	}
	if reg.CurrentVersion() != "1.0.0" || !reg.ModRequired() {
		t.Errorf("version = %q, required = %v", reg.CurrentVersion(), reg.ModRequired())
	}

	volume, ok := reg.Field("Client", "Volume")
	if !ok {
		t.Fatal("Client/Volume not tracked")
	}
	if volume.Synchronized() {
		t.Error("Client/Volume should not be synchronized")
	}

	f, ok := a.store.Field("Gameplay", "Difficulty")
	if !ok {
		t.Fatal("Gameplay/Difficulty not defined")
	}
	if f.Value() != int32(2) {
		t.Errorf("Difficulty = %v (%T), want int32(2)", f.Value(), f.Value())
	}
	if !a.node.IsServer() {
		t.Error("default config should build a server node")
	}
}

func TestNewAppRejectsUnknownType(t *testing.T) {
	cfg := gameConfig()
	cfg.Registries[0].Fields[0].Type = "decimal"
	if _, err := newApp(cfg, io.Discard); err == nil {
		t.Error("newApp() with an unknown type should fail")
	}

	cfg = gameConfig()
	cfg.Registries[0].Fields[0].Default = "hard"
	if _, err := newApp(cfg, io.Discard); err == nil {
		t.Error("newApp() with a mistyped default should fail")
	}
}

func TestDefaultValue(t *testing.T) {
	tests := []struct {
		name  string
		shape codec.Shape
		raw   any
		want  any
	}{
		{"int32 zero", codec.Int32Shape, nil, int32(0)},
		{"float64 zero", codec.Float64Shape, nil, float64(0)},
		{"bool zero", codec.BoolShape, nil, false},
		{"string null", codec.StringShape, nil, nil},
		{"byte", codec.ByteShape, 7, uint8(7)},
		{"float32", codec.Float32Shape, 1.5, float32(1.5)},
		{"string", codec.StringShape, "hi", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := defaultValue(tt.shape, tt.raw)
			if err != nil {
				t.Fatalf("defaultValue() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("defaultValue() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}

	if _, err := defaultValue(&codec.Struct{Name: "Point"}, nil); err == nil {
		t.Error("struct without default should fail")
	}
}

type countingBackend struct {
	mu    sync.Mutex
	saves int
	data  []byte
}

func (b *countingBackend) Load(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data, nil
}

func (b *countingBackend) Save(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	b.data = data
	return nil
}

func TestSaverSkipsUnchangedDocument(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := node.New(node.Config{Name: "host", Server: true}, node.WithLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	backend := &countingBackend{}
	store := settings.New(backend, settings.WithLogger(logger))
	field, err := store.Define("Gameplay", "Difficulty", codec.Int32Shape, int32(1), "")
	if err != nil {
		t.Fatal(err)
	}
	s := newSaver(n, store, logger)

	if err := s.save(ctx); err != nil {
		t.Fatalf("save() error = %v", err)
	}
	if err := s.save(ctx); err != nil {
		t.Fatalf("save() error = %v", err)
	}
	if backend.saves != 1 {
		t.Errorf("saves = %d, want 1", backend.saves)
	}

	if err := n.Do(ctx, func() { field.SetValue(int32(4)) }); err != nil {
		t.Fatal(err)
	}
	if err := s.save(ctx); err != nil {
		t.Fatal(err)
	}
	if backend.saves != 2 || !bytes.Contains(backend.data, []byte("Difficulty = 4")) {
		t.Errorf("saves = %d, data = %q", backend.saves, backend.data)
	}
}

func TestLoadConfigAppliesMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serversync.yaml")
	if err := os.WriteFile(path, []byte("name: alice\nmode: server\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, cfg, err := loadConfig(path, config.ModeClient)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Mode != config.ModeClient || cfg.Name != "alice" {
		t.Errorf("Mode, Name = %q, %q", cfg.Mode, cfg.Name)
	}
}

func TestPrintConfig(t *testing.T) {
	var buf bytes.Buffer
	cfg := gameConfig()
	cfg.Admins = []string{"alice"}
	printConfig(&buf, cfg)

	out := buf.String()
	for _, want := range []string{
		"Mode:       server",
		"Admins:     alice",
		"Registry game (version 1.0.0, required)",
		"Gameplay/Locked: bool = <nil> [locking]",
		"Client/Volume: float32 = 0.5 [local]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
