package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/goalchat/internal/observability"
	"github.com/haasonsaas/goalchat/pkg/models"
)

// SessionState is the lifecycle position of a session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateSettingUp
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSettingUp:
		return "setting_up"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Strategy  SessionStrategy
	Transport Transport
	Pipeline  *Pipeline
	Registry  *Registry

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session drives one client connection from setup to cleanup. Inbound
// frames are handled one at a time, in arrival order.
type Session struct {
	id        string
	strategy  SessionStrategy
	transport Transport
	pipeline  *Pipeline
	registry  *Registry
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	now       func() time.Time

	mu           sync.Mutex
	state        SessionState
	binding      Binding
	startedAt    time.Time
	lastActivity time.Time
	closeCode    int
	closeReason  string

	closeOnce   sync.Once
	cleanupOnce sync.Once
	dog         *watchdog
}

// NewSession creates a session in the Connecting state. The transport
// handshake must already be accepted.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(cfg.Logger, cfg.Metrics)
	}
	id := uuid.NewString()
	started := cfg.Now()
	return &Session{
		id:           id,
		strategy:     cfg.Strategy,
		transport:    cfg.Transport,
		pipeline:     cfg.Pipeline,
		registry:     cfg.Registry,
		logger:       cfg.Logger.With("component", "session", "session_id", id, "kind", cfg.Strategy.Kind()),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		now:          cfg.Now,
		state:        StateConnecting,
		startedAt:    started,
		lastActivity: started,
	}
}

// ID implements Conn.
func (s *Session) ID() string { return s.id }

// Send implements Conn.
func (s *Session) Send(frame Frame) error {
	return s.transport.WriteJSON(frame)
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Binding returns the owner and conversation resolved at setup.
func (s *Session) Binding() Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// StartedAt returns when the connection was accepted.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastActivity returns when the last inbound frame was handled.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CloseStatus returns the code and reason the session was closed with.
func (s *Session) CloseStatus() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state > s.state {
		s.state = state
	}
}

func (s *Session) touch() {
	now := s.now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Run sets the session up, serves frames until the connection ends and
// cleans up. The returned error reports why serving stopped abnormally.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.cleanup(context.WithoutCancel(ctx))

	s.setState(StateSettingUp)
	s.metrics.SessionStarted(s.strategy.Kind())

	binding, err := s.strategy.Setup(ctx)
	if err != nil {
		return s.failSetup(ctx, err)
	}
	s.mu.Lock()
	s.binding = binding
	s.mu.Unlock()

	ctx = observability.WithSession(ctx, s.id, binding.ConversationID, binding.OwnerID)

	// History goes out before the session joins the broadcast set.
	var (
		loaded  int
		sendErr error
	)
	err = s.pipeline.Attach(ctx, binding.ConversationID, func(history []*models.Message) error {
		loaded = len(history)
		if s.strategy.SendHistory() {
			if err := s.Send(HistoryFrame(history)); err != nil {
				sendErr = fmt.Errorf("send history: %w", err)
				return sendErr
			}
		}
		s.registry.Register(s, binding.ConversationID, binding.OwnerID)
		return nil
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return s.failSetup(ctx, err)
	}

	s.mu.Lock()
	s.dog = startWatchdog(ctx, s, s.strategy.Watchdog())
	s.mu.Unlock()
	s.setState(StateActive)

	s.logger.InfoContext(ctx, "session started",
		"conversation_id", binding.ConversationID,
		"owner_id", binding.OwnerID,
		"messages", loaded)

	return s.loop(ctx)
}

func (s *Session) failSetup(ctx context.Context, err error) error {
	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		s.logger.WarnContext(ctx, "session access denied", "reason", denied.Reason, "error", denied.Err)
		s.Close(ClosePolicyViolation, denied.Reason)
		return nil
	}
	s.logger.ErrorContext(ctx, "session setup failed", "error", err)
	s.metrics.RecordError("session", "setup")
	_ = s.Send(ErrorFrame(ReasonInternalError)) //nolint:errcheck
	s.Close(CloseInternalError, ReasonInternalError)
	return err
}

func (s *Session) loop(ctx context.Context) error {
	for {
		raw, err := s.transport.ReadMessage(ctx)
		if err != nil {
			if s.State() >= StateClosing || isClientClose(err) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		s.handleFrame(ctx, raw)
	}
}

// handleFrame processes one inbound frame. A panic is reported to the client
// and the loop carries on.
func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.ErrorContext(ctx, "frame handler panic", "panic", rec)
			s.metrics.RecordError("session", "panic")
			s.reply(ctx, ErrorFrame(errFrameFailed))
		}
	}()

	env, err := decodeEnvelope(raw)
	if err != nil {
		s.metrics.FrameReceived("invalid")
		s.reply(ctx, ErrorFrame(errInvalidJSON))
		s.touch()
		return
	}

	switch env.Type {
	case FramePing:
		s.metrics.FrameReceived(FramePing)
		s.reply(ctx, PongFrame())
	case FrameMessage:
		s.metrics.FrameReceived(FrameMessage)
		s.handleMessage(ctx, env.Content)
	default:
		s.metrics.FrameReceived("unknown")
		s.reply(ctx, ErrorFrame(errUnknownTypeText+env.Type))
	}
	s.touch()
}

func (s *Session) handleMessage(ctx context.Context, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		s.reply(ctx, ErrorFrame(errEmptyContent))
		return
	}

	binding := s.Binding()
	ctx, span := s.tracer.TraceChatMessage(ctx, s.strategy.Kind(), binding.ConversationID)
	defer span.End()

	_, err := s.pipeline.HandleUserMessage(ctx, binding.ConversationID, binding.OwnerID, content, func(result *Result) {
		s.registry.Broadcast(ctx, binding.ConversationID, MessageFrame(result.User))
		s.registry.Broadcast(ctx, binding.ConversationID, MessageFrame(result.Assistant))
	})
	if err != nil {
		s.tracer.RecordError(span, err)
		s.metrics.RecordError("pipeline", "process")
		s.logger.ErrorContext(ctx, "failed to process message", "error", err)
		s.reply(ctx, ErrorFrame(errProcessing))
	}
}

func (s *Session) reply(ctx context.Context, frame Frame) {
	if err := s.Send(frame); err != nil {
		s.logger.DebugContext(ctx, "failed to send frame", "type", frame.Type, "error", err)
	}
}

// Close sends a close frame with code and reason and ends the message loop.
// Only the first call has any effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state < StateClosing {
			s.state = StateClosing
		}
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()

		if err := s.transport.Close(code, reason); err != nil {
			s.logger.Debug("transport close failed", "error", err)
		}
	})
}

// cleanup stops the watchdog and waits for it, releases strategy resources
// and unregisters the connection.
func (s *Session) cleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		s.Close(CloseNormal, "")

		s.mu.Lock()
		dog := s.dog
		s.mu.Unlock()
		dog.stop()

		binding := s.Binding()
		s.strategy.Cleanup(ctx, binding)
		if binding.ConversationID != "" {
			s.registry.Unregister(s, binding.ConversationID)
		}
		s.setState(StateClosed)

		code, reason := s.CloseStatus()
		s.metrics.SessionEnded(s.strategy.Kind(), closeLabel(code, reason), s.now().Sub(s.StartedAt()).Seconds())
		s.logger.InfoContext(ctx, "session closed", "code", code, "reason", reason)
	})
}

// closeLabel maps a close status onto a bounded metric label.
func closeLabel(code int, reason string) string {
	switch {
	case code == ClosePolicyViolation:
		return "denied"
	case code == CloseInternalError:
		return "error"
	case reason == ReasonIdleTimeout:
		return "idle_timeout"
	case reason == ReasonSessionExpired:
		return "expired"
	case code == websocket.CloseGoingAway:
		return "shutdown"
	default:
		return "closed"
	}
}

func isClientClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure)
}
