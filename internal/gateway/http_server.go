package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/goalchat/internal/auth"
	"github.com/haasonsaas/goalchat/internal/cache"
	"github.com/haasonsaas/goalchat/internal/observability"
	"github.com/haasonsaas/goalchat/internal/storage"
)

const (
	wsReadBufferSize  = 8192
	wsWriteBufferSize = 8192
)

// Config holds the HTTP and session settings of the server.
type Config struct {
	Host string
	Port int

	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	DemoLifetime      time.Duration
	DemoCheckInterval time.Duration
	DemoTitle         string

	MaxPayloadBytes int64
	WriteTimeout    time.Duration
}

// Dependencies are the collaborators the server hands to sessions.
type Dependencies struct {
	Stores   storage.StoreSet
	History  *cache.History
	Pipeline *Pipeline
	// Auth validates bearer tokens. A nil service denies every
	// authenticated connection.
	Auth *auth.JWTService

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// MetricsHandler serves /metrics; defaults to promhttp.Handler().
	MetricsHandler http.Handler
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server exposes chat sessions over WebSocket plus health and metrics.
type Server struct {
	config   Config
	deps     Dependencies
	registry *Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener

	mu       sync.Mutex
	sessions map[*Session]struct{}
	running  sync.WaitGroup
}

// NewServer creates a server. Call Start to listen.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("gateway: pipeline is required")
	}
	if deps.Stores.Conversations == nil || deps.Stores.Users == nil {
		return nil, errors.New("gateway: conversation and user stores are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if config.DemoTitle == "" {
		config.DemoTitle = "Demo Chat"
	}
	return &Server{
		config:   config,
		deps:     deps,
		registry: NewRegistry(deps.Logger, deps.Metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:   deps.Logger.With("component", "gateway"),
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Registry returns the connection registry shared by all sessions.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/chat/ws/demo", s.handleDemo)
	mux.HandleFunc("GET /v1/chat/ws/{chat_id}", s.handleChat)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})
	mux.Handle("GET /metrics", s.deps.MetricsHandler)
	return mux
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	strategy := &authenticatedStrategy{
		conversationID: r.PathValue("chat_id"),
		conversations:  s.deps.Stores.Conversations,
		policy:         IdlePolicy(s.config.IdleTimeout, s.config.IdleCheckInterval),
	}
	token, err := auth.BearerToken(r)
	if err == nil {
		strategy.owner, err = s.deps.Auth.Validate(token)
	}
	strategy.authErr = err
	s.serve(w, r, strategy)
}

func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, &ephemeralStrategy{
		users:         s.deps.Stores.Users,
		conversations: s.deps.Stores.Conversations,
		history:       s.deps.History,
		title:         s.config.DemoTitle,
		policy:        LifetimePolicy(s.config.DemoLifetime, s.config.DemoCheckInterval),
		logger:        s.logger,
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, strategy SessionStrategy) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	session := NewSession(SessionConfig{
		Strategy:  strategy,
		Transport: NewWebSocketTransport(conn, s.config.MaxPayloadBytes, s.config.WriteTimeout),
		Pipeline:  s.deps.Pipeline,
		Registry:  s.registry,
		Logger:    s.deps.Logger,
		Metrics:   s.deps.Metrics,
		Tracer:    s.deps.Tracer,
		Now:       s.deps.Now,
	})
	if !s.track(session) {
		session.Close(websocket.CloseGoingAway, "Server shutting down")
		return
	}
	defer s.untrack(session)

	// The request context ends when the handler returns, not when the
	// hijacked connection closes.
	if err := session.Run(context.WithoutCancel(r.Context())); err != nil {
		s.logger.Debug("session ended with error", "session_id", session.ID(), "error", err)
	}
}

func (s *Server) track(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[session] = struct{}{}
	s.running.Add(1)
	return true
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
	s.running.Done()
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections, closes live sessions and waits for
// their cleanup until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	if s.httpServer != nil {
		shutdownErr = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		live = append(live, session)
	}
	s.sessions = nil
	s.mu.Unlock()

	for _, session := range live {
		session.Close(websocket.CloseGoingAway, "Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
	return shutdownErr
}
