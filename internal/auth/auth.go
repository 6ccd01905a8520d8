// Package auth validates the bearer tokens presented by chat clients.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

// NewFromConfig returns a JWTService, or nil when no secret is configured.
func NewFromConfig(cfg Config) *JWTService {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil
	}
	return NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	for _, value := range r.Header.Values("Authorization") {
		lower := strings.ToLower(value)
		if strings.HasPrefix(lower, "bearer ") {
			if token := strings.TrimSpace(value[len("bearer "):]); token != "" {
				return token, nil
			}
		}
	}
	return "", ErrMissingToken
}
