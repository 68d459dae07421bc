package transport

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Config holds connection settings.
type Config struct {
	// ReadTimeout is the maximum time to wait for a message or pong.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between keepalive pings. It must be
	// shorter than the peer's ReadTimeout.
	// Default: 25 seconds.
	PingInterval time.Duration

	// MaxMessageSize is the largest inbound WebSocket message.
	// Default: 1MB, enough for a full fragment plus its envelope.
	MaxMessageSize int64

	// SendQueueSize is the number of messages buffered per connection.
	// A full queue fails Send.
	// Default: 4096.
	SendQueueSize int

	// RateLimit is the sustained inbound message rate of a connection
	// accepted by a Server. A peer that exceeds it is disconnected with a
	// policy-violation close. Dialed connections are never limited.
	// Zero or negative disables limiting.
	// Default: 500 messages per second.
	RateLimit rate.Limit

	// RateBurst is the inbound burst size.
	// Default: 1000.
	RateBurst int

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin header of upgrade requests.
	// Default: accept every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  1 << 20,
		SendQueueSize:   4096,
		RateLimit:       500,
		RateBurst:       1000,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := c.Clone()
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = d.ReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = d.PingInterval
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = d.MaxMessageSize
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = d.SendQueueSize
	}
	if out.RateBurst <= 0 {
		out.RateBurst = d.RateBurst
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = d.WriteBufferSize
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = func(*http.Request) bool { return true }
	}
	return out
}

func (c *Config) limiter() *rate.Limiter {
	if c.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(c.RateLimit, c.RateBurst)
}
