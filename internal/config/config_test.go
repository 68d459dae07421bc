package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Verify(); err != nil {
		t.Fatalf("Default().Verify() = %v", err)
	}
	if !cfg.IsServer() {
		t.Error("Default() should run as server")
	}
	if got := cfg.SyncOptions().SliceSize; got != 250_000 {
		t.Errorf("SliceSize = %d, want 250000", got)
	}
	if got := cfg.TransportOptions().RateBurst; got != cfg.Transport.RateBurst {
		t.Errorf("RateBurst = %d, want %d", got, cfg.Transport.RateBurst)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"empty name", func(c *Config) { c.Name = " " }, "name is required"},
		{"bad mode", func(c *Config) { c.Mode = "peer" }, `mode "peer"`},
		{"client without url", func(c *Config) { c.Mode = ModeClient; c.ServerURL = "" }, "server_url is required"},
		{"zero tick", func(c *Config) { c.Tick = 0 }, "tick must be positive"},
		{"ping too slow", func(c *Config) { c.Transport.PingInterval = c.Transport.ReadTimeout }, "ping_interval"},
		{"small messages", func(c *Config) { c.Transport.MaxMessageSize = 1000 }, "max_message_size"},
		{"file without path", func(c *Config) { c.Settings.Backend = BackendFile }, "settings.path"},
		{"s3 without bucket", func(c *Config) { c.Settings.Backend = BackendS3 }, "settings.s3.bucket"},
		{"watch memory", func(c *Config) { c.Settings.Watch = true }, "settings.watch"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"duplicate registry", func(c *Config) {
			c.Registries = []RegistryConfig{{Name: "game"}, {Name: "game"}}
		}, "duplicate name"},
		{"credential without token", func(c *Config) {
			c.Credentials = []CredentialConfig{{Identity: "root"}}
		}, "identity and token are required"},
		{"shared token", func(c *Config) {
			c.Credentials = []CredentialConfig{{Identity: "a", Token: "t"}, {Identity: "b", Token: "t"}}
		}, "token already used"},
		{"field without type", func(c *Config) {
			c.Registries = []RegistryConfig{{Name: "game", Fields: []FieldConfig{{Section: "A", Key: "b"}}}}
		}, "section, key and type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Verify()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Verify() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestTransportCredentials(t *testing.T) {
	cfg := Default()
	cfg.Credentials = []CredentialConfig{{Identity: "root", Token: "s3cret"}, {Identity: "ops", Token: "t2"}}
	if err := cfg.Verify(); err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	creds := cfg.TransportCredentials()
	if len(creds) != 2 || creds[0].Identity != "root" || creds[0].Token != "s3cret" || creds[1].Identity != "ops" {
		t.Errorf("TransportCredentials() = %+v", creds)
	}
}

func TestVerifyReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Name = ""
	cfg.Tick = 0
	err := cfg.Verify()
	if err == nil {
		t.Fatal("Verify() = nil")
	}
	for _, want := range []string{"name is required", "tick must be positive"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Verify() = %v, missing %q", err, want)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serversync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
name: lobby
mode: server
listen: ":9000"
admins: [alice, bob]
credentials:
  - identity: alice
    token: a-token
  - identity: bob
    token: b-token
sync:
  slice_size: 100000
  queue_timeout: 5s
settings:
  backend: file
  path: /tmp/settings.toml
log:
  level: debug
registries:
  - name: game
    version: 1.2.0
    required: true
    fields:
      - section: Gameplay
        key: Difficulty
        type: int32
        default: 2
      - section: Gameplay
        key: Locked
        type: bool
        locking: true
`

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := NewLoader(WithConfigFile(path), WithEnvPrefix("SERVERSYNC_TEST_NONE_")).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Name != "lobby" || cfg.Listen != ":9000" {
		t.Errorf("Name, Listen = %q, %q", cfg.Name, cfg.Listen)
	}
	if len(cfg.Admins) != 2 || cfg.Admins[1] != "bob" {
		t.Errorf("Admins = %v, want [alice bob]", cfg.Admins)
	}
	if len(cfg.Credentials) != 2 || cfg.Credentials[1] != (CredentialConfig{Identity: "bob", Token: "b-token"}) {
		t.Errorf("Credentials = %+v", cfg.Credentials)
	}
	if cfg.Sync.SliceSize != 100000 {
		t.Errorf("SliceSize = %d, want 100000", cfg.Sync.SliceSize)
	}
	if cfg.Sync.QueueTimeout != 5*time.Second {
		t.Errorf("QueueTimeout = %v, want 5s", cfg.Sync.QueueTimeout)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Sync.MaxSendQueue != Default().Sync.MaxSendQueue {
		t.Errorf("MaxSendQueue = %d, want default", cfg.Sync.MaxSendQueue)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}

	if len(cfg.Registries) != 1 {
		t.Fatalf("Registries = %d, want 1", len(cfg.Registries))
	}
	reg := cfg.Registries[0]
	opts := reg.Options()
	if opts.Name != "game" || opts.CurrentVersion != "1.2.0" || !opts.ModRequired {
		t.Errorf("Options() = %+v", opts)
	}
	if len(reg.Fields) != 2 || reg.Fields[0].Type != "int32" || !reg.Fields[1].Locking {
		t.Errorf("Fields = %+v", reg.Fields)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("SSTEST_NAME", "from-env")
	t.Setenv("SSTEST_SYNC__SLICE_SIZE", "50000")
	t.Setenv("SSTEST_LOG__FORMAT", "json")

	cfg, err := NewLoader(WithConfigFile(path), WithEnvPrefix("SSTEST_")).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != "from-env" {
		t.Errorf("Name = %q, want from-env", cfg.Name)
	}
	if cfg.Sync.SliceSize != 50000 {
		t.Errorf("SliceSize = %d, want 50000", cfg.Sync.SliceSize)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want file value", cfg.Listen)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := NewLoader(WithEnvPrefix("SSTEST_EMPTY_")).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != Default().Name {
		t.Errorf("Name = %q, want default", cfg.Name)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))).Load(); err == nil {
		t.Error("Load() of missing file should fail")
	}

	path := writeConfig(t, "mode: [unclosed")
	if _, err := NewLoader(WithConfigFile(path)).Load(); err == nil {
		t.Error("Load() of malformed file should fail")
	}

	path = writeConfig(t, "mode: relay\n")
	_, err := NewLoader(WithConfigFile(path), WithEnvPrefix("SSTEST_EMPTY_")).Load()
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("Load() = %v, want invalid config", err)
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "admins: [alice]\n")
	loader := NewLoader(WithConfigFile(path), WithEnvPrefix("SSTEST_EMPTY_"))

	w, err := NewWatcher(loader)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	got := make(chan []string, 4)
	w.OnChange(func(c *Config) { got <- c.Admins })
	go w.Start()

	// An invalid edit is skipped.
	if err := os.WriteFile(path, []byte("mode: relay\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("admins: [alice, carol]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case admins := <-got:
			if len(admins) == 2 && admins[1] == "carol" {
				return
			}
		case <-deadline:
			t.Fatal("watcher did not report the change")
		}
	}
}

func TestWatcherNeedsFile(t *testing.T) {
	if _, err := NewWatcher(NewLoader()); !errors.Is(err, ErrNoConfigFile) {
		t.Errorf("NewWatcher() = %v, want ErrNoConfigFile", err)
	}
}
