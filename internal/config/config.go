package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/transport"
)

// Modes.
const (
	ModeServer = "server"
	ModeClient = "client"
)

// Settings backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendS3     = "s3"
)

// Config is the complete process configuration.
type Config struct {
	Name      string        `koanf:"name"`
	Mode      string        `koanf:"mode"`
	Listen    string        `koanf:"listen"`
	ServerURL string        `koanf:"server_url"`
	Tick      time.Duration `koanf:"tick"`

	// Token is the bearer token a client presents when dialing.
	Token string `koanf:"token"`

	// Credentials are the tokens a server accepts. A peer without a token
	// connects anonymously and is never an admin.
	Credentials []CredentialConfig `koanf:"credentials"`

	// Admins are authenticated identities from Credentials. The name a
	// peer announces is not matched against them.
	Admins []string `koanf:"admins"`

	Sync       SyncConfig       `koanf:"sync"`
	Transport  TransportConfig  `koanf:"transport"`
	Settings   SettingsConfig   `koanf:"settings"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	Registries []RegistryConfig `koanf:"registries"`
}

// CredentialConfig binds a bearer token to a peer identity.
type CredentialConfig struct {
	Identity string `koanf:"identity"`
	Token    string `koanf:"token"`
}

// SyncConfig mirrors configsync.Config.
type SyncConfig struct {
	SliceSize          int           `koanf:"slice_size"`
	CompressMinSize    int           `koanf:"compress_min_size"`
	MaxSendQueue       int           `koanf:"max_send_queue"`
	QueueTimeout       time.Duration `koanf:"queue_timeout"`
	FragmentTTL        time.Duration `koanf:"fragment_ttl"`
	AdminCheckInterval time.Duration `koanf:"admin_check_interval"`
}

// TransportConfig mirrors transport.Config.
type TransportConfig struct {
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	MaxMessageSize int64         `koanf:"max_message_size"`
	SendQueueSize  int           `koanf:"send_queue_size"`
	RateLimit      float64       `koanf:"rate_limit"`
	RateBurst      int           `koanf:"rate_burst"`
}

// SettingsConfig selects where persisted settings live.
type SettingsConfig struct {
	Backend string   `koanf:"backend"`
	Path    string   `koanf:"path"`
	Watch   bool     `koanf:"watch"`
	S3      S3Config `koanf:"s3"`
}

// S3Config locates the settings object in S3.
type S3Config struct {
	Bucket          string `koanf:"bucket"`
	Key             string `koanf:"key"`
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	UsePathStyle    bool   `koanf:"use_path_style"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Namespace string `koanf:"namespace"`
	Path      string `koanf:"path"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text, json
}

// RegistryConfig declares one synchronized registry and its fields.
type RegistryConfig struct {
	Name           string        `koanf:"name"`
	DisplayName    string        `koanf:"display_name"`
	Version        string        `koanf:"version"`
	MinimumVersion string        `koanf:"minimum_version"`
	Required       bool          `koanf:"required"`
	Fields         []FieldConfig `koanf:"fields"`
}

// FieldConfig declares one setting. Type is a wire type-name such as
// "int32", "string" or "list<float64>".
type FieldConfig struct {
	Section     string `koanf:"section"`
	Key         string `koanf:"key"`
	Type        string `koanf:"type"`
	Default     any    `koanf:"default"`
	Description string `koanf:"description"`
	Local       bool   `koanf:"local"`   // kept out of synchronization
	Locking     bool   `koanf:"locking"` // non-zero value locks the registry
}

// Default returns the default configuration: a server on :7777 with
// in-memory settings.
func Default() *Config {
	sync := configsync.DefaultConfig()
	tr := transport.DefaultConfig()
	return &Config{
		Name:      "serversync",
		Mode:      ModeServer,
		Listen:    ":7777",
		ServerURL: "http://127.0.0.1:7777/sync",
		Tick:      50 * time.Millisecond,
		Sync: SyncConfig{
			SliceSize:          sync.SliceSize,
			CompressMinSize:    sync.CompressMinSize,
			MaxSendQueue:       sync.MaxSendQueue,
			QueueTimeout:       sync.QueueTimeout,
			FragmentTTL:        sync.FragmentTTL,
			AdminCheckInterval: sync.AdminCheckInterval,
		},
		Transport: TransportConfig{
			ReadTimeout:    tr.ReadTimeout,
			WriteTimeout:   tr.WriteTimeout,
			PingInterval:   tr.PingInterval,
			MaxMessageSize: tr.MaxMessageSize,
			SendQueueSize:  tr.SendQueueSize,
			RateLimit:      float64(tr.RateLimit),
			RateBurst:      tr.RateBurst,
		},
		Settings: SettingsConfig{
			Backend: BackendMemory,
			S3:      S3Config{Key: "serversync/settings.toml"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "serversync",
			Path:      "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// IsServer reports whether the process runs the coordinating role.
func (c *Config) IsServer() bool {
	return c.Mode == ModeServer
}

// Verify checks the configuration for values that cannot work.
// All problems are reported together.
func (c *Config) Verify() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Name) == "" {
		add("name is required")
	}
	switch c.Mode {
	case ModeServer:
		if c.Listen == "" {
			add("listen is required in server mode")
		}
	case ModeClient:
		if c.ServerURL == "" {
			add("server_url is required in client mode")
		}
	default:
		add("mode %q: must be %q or %q", c.Mode, ModeServer, ModeClient)
	}
	if c.Tick <= 0 {
		add("tick must be positive")
	}

	if c.Sync.SliceSize <= 0 {
		add("sync.slice_size must be positive")
	}
	if c.Sync.MaxSendQueue <= 0 {
		add("sync.max_send_queue must be positive")
	}
	if c.Sync.QueueTimeout <= 0 || c.Sync.FragmentTTL <= 0 || c.Sync.AdminCheckInterval <= 0 {
		add("sync timeouts must be positive")
	}
	if c.Transport.PingInterval >= c.Transport.ReadTimeout {
		add("transport.ping_interval must be shorter than transport.read_timeout")
	}
	if c.Transport.MaxMessageSize < int64(c.Sync.SliceSize) {
		add("transport.max_message_size must hold a full fragment (%d bytes)", c.Sync.SliceSize)
	}

	tokens := make(map[string]bool, len(c.Credentials))
	for i, cr := range c.Credentials {
		if cr.Identity == "" || cr.Token == "" {
			add("credentials[%d]: identity and token are required", i)
			continue
		}
		if tokens[cr.Token] {
			add("credentials[%d]: token already used by another identity", i)
		}
		tokens[cr.Token] = true
	}

	switch c.Settings.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Settings.Path == "" {
			add("settings.path is required for the file backend")
		}
	case BackendS3:
		if c.Settings.S3.Bucket == "" || c.Settings.S3.Key == "" {
			add("settings.s3.bucket and settings.s3.key are required for the s3 backend")
		}
	default:
		add("settings.backend %q: must be memory, file or s3", c.Settings.Backend)
	}
	if c.Settings.Watch && c.Settings.Backend != BackendFile {
		add("settings.watch requires the file backend")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format %q: must be text or json", c.Log.Format)
	}

	names := make(map[string]bool, len(c.Registries))
	for i, r := range c.Registries {
		if r.Name == "" {
			add("registries[%d]: name is required", i)
			continue
		}
		if names[r.Name] {
			add("registries[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true
		for j, f := range r.Fields {
			if f.Section == "" || f.Key == "" || f.Type == "" {
				add("registries[%d].fields[%d]: section, key and type are required", i, j)
			}
		}
	}

	return errors.Join(errs...)
}

// SyncOptions returns the configsync.Config for the manager.
func (c *Config) SyncOptions() *configsync.Config {
	return &configsync.Config{
		SliceSize:          c.Sync.SliceSize,
		CompressMinSize:    c.Sync.CompressMinSize,
		MaxSendQueue:       c.Sync.MaxSendQueue,
		QueueTimeout:       c.Sync.QueueTimeout,
		FragmentTTL:        c.Sync.FragmentTTL,
		AdminCheckInterval: c.Sync.AdminCheckInterval,
	}
}

// TransportOptions returns the transport.Config for connections.
func (c *Config) TransportOptions() *transport.Config {
	cfg := transport.DefaultConfig()
	cfg.ReadTimeout = c.Transport.ReadTimeout
	cfg.WriteTimeout = c.Transport.WriteTimeout
	cfg.PingInterval = c.Transport.PingInterval
	cfg.MaxMessageSize = c.Transport.MaxMessageSize
	cfg.SendQueueSize = c.Transport.SendQueueSize
	cfg.RateLimit = rate.Limit(c.Transport.RateLimit)
	cfg.RateBurst = c.Transport.RateBurst
	return cfg
}

// TransportCredentials returns the server's credentials for
// transport.TokenAuthenticator.
func (c *Config) TransportCredentials() []transport.Credential {
	out := make([]transport.Credential, 0, len(c.Credentials))
	for _, cr := range c.Credentials {
		out = append(out, transport.Credential{Identity: cr.Identity, Token: cr.Token})
	}
	return out
}

// Options returns the registry options for r.
func (r RegistryConfig) Options() configsync.Options {
	return configsync.Options{
		Name:                   r.Name,
		DisplayName:            r.DisplayName,
		CurrentVersion:         r.Version,
		MinimumRequiredVersion: r.MinimumVersion,
		ModRequired:            r.Required,
	}
}
