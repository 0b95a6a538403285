package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/auth"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/config"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/origin"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/janus"
)

// ErrClosed is returned by Ready once Close has been called.
var ErrClosed = errors.New("bridge closed")

const (
	defaultAuthTimeout          = 2 * time.Second
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultRequestTimeout       = 10 * time.Second
)

// Config wires a Server. Zero durations and limits fall back to defaults.
type Config struct {
	Janus config.JanusConfig

	// Verifier authenticates clients; nil disables authentication.
	Verifier auth.Verifier
	Origins  origin.Policy

	AuthTimeout          time.Duration
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// MaxSessions caps concurrently bridged sessions (0 = unlimited).
	MaxSessions int

	// Transport overrides the Janus transport. By default an HTTP transport
	// with Janus.LongPollTimeout as its client timeout is used.
	Transport    janus.Transport
	Metrics      *metrics.Metrics
	JanusMetrics *janus.Metrics
	Logger       *slog.Logger
}

// ConfigFrom maps the binary's configuration onto a bridge Config.
func ConfigFrom(cfg config.Config, verifier auth.Verifier) Config {
	return Config{
		Janus:                cfg.Janus,
		Verifier:             verifier,
		Origins:              origin.Policy{Allowed: cfg.AllowedOrigins},
		AuthTimeout:          cfg.SignalingAuthTimeout,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxSessions:          cfg.MaxSessions,
	}
}

// Server bridges browser signaling WebSockets to Janus: each connection owns
// one Janus session with one attached plugin handle.
type Server struct {
	cfg       Config
	log       *slog.Logger
	transport janus.Transport
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	conns    map[*conn]struct{}
	sessions int
	wg       sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Janus.URL == "" {
		return nil, fmt.Errorf("janus url not configured")
	}
	if cfg.Janus.Plugin == "" {
		return nil, fmt.Errorf("janus plugin not configured")
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must be >= 0")
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = min(defaultPingInterval, cfg.IdleTimeout/2)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.Janus.RequestTimeout <= 0 {
		cfg.Janus.RequestTimeout = defaultRequestTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := cfg.Transport
	if transport == nil {
		timeout := cfg.Janus.LongPollTimeout
		if timeout <= 0 {
			timeout = janus.DefaultLongPollTimeout
		}
		transport = janus.NewHTTPTransport(&http.Client{Timeout: timeout})
	}

	return &Server{
		cfg:       cfg,
		log:       logger.With("component", "bridge"),
		transport: transport,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.Origins.CheckOrigin,
		},
		conns: make(map[*conn]struct{}),
	}, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /janus/ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Origins.CheckOrigin(r) {
		s.cfg.Metrics.Drop(metrics.DropReasonOriginRejected)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(s, ws, r)
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	s.cfg.Metrics.ConnectionOpened()
	defer s.cfg.Metrics.ConnectionClosed()

	c.run()
}

// Ready reports whether new connections are accepted.
func (s *Server) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// ActiveSessions returns the number of live bridged Janus sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Close stops accepting connections, closes every open one and waits for
// their Janus sessions to be destroyed.
func (s *Server) Close() {
	_ = s.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.abort()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// reserveSession claims a session slot under MaxSessions.
func (s *Server) reserveSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.cfg.MaxSessions > 0 && s.sessions >= s.cfg.MaxSessions {
		return false
	}
	s.sessions++
	s.cfg.Metrics.SessionOpened()
	return true
}

func (s *Server) releaseSession() {
	s.mu.Lock()
	s.sessions--
	s.mu.Unlock()
	s.cfg.Metrics.SessionClosed()
}

func (s *Server) sessionOptions(logger *slog.Logger) []janus.Option {
	opts := []janus.Option{
		janus.WithTransport(s.transport),
		janus.WithLogger(logger),
		janus.WithMetrics(s.cfg.JanusMetrics),
		janus.WithAutostart(false),
	}
	if s.cfg.Janus.APISecret != "" {
		opts = append(opts, janus.WithAPISecret(s.cfg.Janus.APISecret))
	}
	if s.cfg.Janus.Token != "" {
		opts = append(opts, janus.WithToken(s.cfg.Janus.Token))
	}
	if s.cfg.Janus.KeepAliveInterval > 0 {
		opts = append(opts, janus.WithKeepAlive(s.cfg.Janus.KeepAliveInterval))
	}
	return opts
}
