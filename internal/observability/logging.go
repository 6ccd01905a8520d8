package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" or "text". JSON is the default.
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	AddSource bool

	// RedactPatterns extend DefaultRedactPatterns.
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// SessionIDKey carries the live connection's session id.
	SessionIDKey ContextKey = "session_id"

	// ConversationIDKey carries the conversation the session is bound to.
	ConversationIDKey ContextKey = "conversation_id"

	// OwnerIDKey carries the resolved owner.
	OwnerIDKey ContextKey = "owner_id"
)

var contextKeys = []ContextKey{SessionIDKey, ConversationIDKey, OwnerIDKey}

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-ant-[a-zA-Z0-9_-]{32,}`,
	`sk-[a-zA-Z0-9_-]{32,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`redis://[^:\s]*:[^@\s]+@`,
	`postgres(ql)?://[^:\s]*:[^@\s]+@`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"jwt_secret":    true,
}

// NewLogger builds a *slog.Logger that redacts secrets from messages and
// string attributes and adds session context values found on the ctx passed
// to the *Context logging methods.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}
	var base slog.Handler
	if strings.EqualFold(config.Format, "text") {
		base = slog.NewTextHandler(config.Output, opts)
	} else {
		base = slog.NewJSONHandler(config.Output, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return slog.New(&redactingHandler{next: base, redacts: redacts})
}

// WithSession returns a context carrying session identifiers for logging.
func WithSession(ctx context.Context, sessionID, conversationID, ownerID string) context.Context {
	if sessionID != "" {
		ctx = context.WithValue(ctx, SessionIDKey, sessionID)
	}
	if conversationID != "" {
		ctx = context.WithValue(ctx, ConversationIDKey, conversationID)
	}
	if ownerID != "" {
		ctx = context.WithValue(ctx, OwnerIDKey, ownerID)
	}
	return ctx
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type redactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redact(record.Message), record.PC)
	for _, key := range contextKeys {
		if value, ok := ctx.Value(key).(string); ok && value != "" {
			out.AddAttrs(slog.String(string(key), value))
		}
	}
	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = h.redactAttr(attr)
	}
	return &redactingHandler{next: h.next.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))] {
		return slog.String(attr.Key, "[REDACTED]")
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redact(value.String()))
	case slog.KindGroup:
		group := value.Group()
		redacted := make([]any, len(group))
		for i, child := range group {
			redacted[i] = h.redactAttr(child)
		}
		return slog.Group(attr.Key, redacted...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(attr.Key, h.redact(err.Error()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

func (h *redactingHandler) redact(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
