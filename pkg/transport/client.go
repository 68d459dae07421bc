package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// Dial connects to a server's sync endpoint, announcing name. Use
// WithToken to authenticate. The connection is served in the background
// and OnConnect runs on its read goroutine.
func Dial(ctx context.Context, rawURL, name string, handler Handler, cfg *Config, opts ...Option) (*Conn, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if name != "" {
		q := u.Query()
		q.Set("name", name)
		u.RawQuery = q.Encode()
	}

	cfg = cfg.withDefaults()
	o := buildOptions(opts)
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.WriteTimeout,
	}
	var header http.Header
	if o.token != "" {
		header = http.Header{"Authorization": {"Bearer " + o.token}}
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			err = ErrUnauthorized
		}
		return nil, fmt.Errorf("transport: dial %s: %w", u.Redacted(), err)
	}

	// The server is trusted: its messages are never rate limited.
	c := newConn(ws, "server", cfg, handler, o.drops, o.logger)
	c.limiter = nil
	o.logger.Info("connected", "conn", c.id, "url", u.Redacted())
	go c.run()
	return c, nil
}
