package configsync

import (
	"time"

	"github.com/vango-dev/serversync/pkg/protocol"
)

// Config holds the tunables of a Manager.
type Config struct {
	// SliceSize is the largest fragment body in bytes.
	// Default: 250000.
	SliceSize int

	// CompressMinSize is the package size above which packages are deflated.
	// A negative value disables compression.
	// Default: 10000.
	CompressMinSize int

	// MaxSendQueue is the peer queue depth (bytes) above which a send task
	// waits before writing its next fragment.
	// Default: 20000.
	MaxSendQueue int

	// QueueTimeout is how long a send task waits for a congested peer
	// before disconnecting it.
	// Default: 30 seconds.
	QueueTimeout time.Duration

	// FragmentTTL is how long an incomplete fragment stream is kept.
	// Default: 60 seconds.
	FragmentTTL time.Duration

	// AdminCheckInterval is how often the server compares the admin list
	// and pushes lock-exempt updates.
	// Default: 30 seconds.
	AdminCheckInterval time.Duration
}

// DefaultConfig returns a Config with the protocol defaults.
func DefaultConfig() *Config {
	return &Config{
		SliceSize:          protocol.SliceSize,
		CompressMinSize:    protocol.CompressMinSize,
		MaxSendQueue:       protocol.MaxSendQueue,
		QueueTimeout:       protocol.SendQueueTimeout,
		FragmentTTL:        protocol.FragmentTTL,
		AdminCheckInterval: 30 * time.Second,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// withDefaults returns a copy with zero fields replaced by defaults.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := c.Clone()
	if out.SliceSize <= 0 {
		out.SliceSize = def.SliceSize
	}
	if out.CompressMinSize == 0 {
		out.CompressMinSize = def.CompressMinSize
	}
	if out.MaxSendQueue <= 0 {
		out.MaxSendQueue = def.MaxSendQueue
	}
	if out.QueueTimeout <= 0 {
		out.QueueTimeout = def.QueueTimeout
	}
	if out.FragmentTTL <= 0 {
		out.FragmentTTL = def.FragmentTTL
	}
	if out.AdminCheckInterval <= 0 {
		out.AdminCheckInterval = def.AdminCheckInterval
	}
	return out
}
