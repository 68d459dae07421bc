package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Option configures a Server or a dialed Conn.
type Option func(*options)

type options struct {
	logger *slog.Logger
	drops  DropObserver
	auth   Authenticator // server side
	token  string        // dial side
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDropObserver sets the observer told about dropped inbound messages.
func WithDropObserver(d DropObserver) Option {
	return func(o *options) {
		o.drops = d
	}
}

// WithAuthenticator makes the server authenticate every upgrade request.
// Without one every peer is anonymous.
func WithAuthenticator(a Authenticator) Option {
	return func(o *options) {
		o.auth = a
	}
}

// WithToken makes Dial present token as a bearer credential.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default().With("component", "transport")}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Server accepts peer connections.
type Server struct {
	cfg      *Config
	handler  Handler
	opts     options
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
}

// NewServer creates a server that reports to handler.
func NewServer(handler Handler, cfg *Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		handler: handler,
		opts:    buildOptions(opts),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: make(map[string]*Conn),
	}
}

// ServeWS authenticates and upgrades the request and serves the
// connection until it closes. The peer may announce a display name with
// the "name" query parameter.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, ErrServerDown.Error(), http.StatusServiceUnavailable)
		return
	}

	var identity string
	if s.opts.auth != nil {
		id, err := s.opts.auth(r)
		if err != nil {
			s.opts.logger.Warn("refusing unauthenticated peer", "remote", r.RemoteAddr, "error", err)
			http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		identity = id
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, r.URL.Query().Get("name"), s.cfg, s.handler, s.opts.drops, s.opts.logger)
	c.identity = identity
	c.onFinish = s.remove

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.opts.logger.Info("peer connected", "conn", c.id, "peer", c.Name(), "identity", identity, "remote", r.RemoteAddr)
	c.run()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.opts.logger.Info("peer disconnected", "conn", c.id, "peer", c.Name())
}

// Conns returns the open connections ordered by ID, which is also
// connection order.
func (s *Server) Conns() []*Conn {
	s.mu.RLock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Conn) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// Shutdown closes every connection and refuses new ones.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// StatusFunc reports host state for the /status route.
type StatusFunc func() any

// Routes returns the HTTP routes of the server:
//
//	GET /sync     WebSocket endpoint
//	GET /healthz  liveness
//	GET /status   JSON from status, or the connection count
func (s *Server) Routes(status StatusFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/sync", s.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		var body any
		if status != nil {
			body = status()
		} else {
			body = map[string]int{"peers": len(s.Conns())}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.opts.logger.Error("encode status", "error", err)
		}
	})
	return r
}
