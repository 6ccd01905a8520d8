package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/goalchat/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate(&models.User{ID: "user-1", Email: "user@example.com", Name: "User"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", user.Email)
	}
	if user.Name != "User" {
		t.Fatalf("expected name, got %q", user.Name)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	good, err := service.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	otherSecret, _ := NewJWTService("other", time.Hour).Generate(&models.User{ID: "user-1"})

	expiredService := NewJWTService("secret", time.Minute)
	expiredService.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := expiredService.Generate(&models.User{ID: "user-1"})

	refresh, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type:             "refresh",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString([]byte("secret"))

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Type: accessTokenType}).SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"tampered", good + "x"},
		{"wrong secret", otherSecret},
		{"expired", expired},
		{"refresh token", refresh},
		{"missing subject", noSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestJWTServiceDisabled(t *testing.T) {
	var service *JWTService
	if _, err := service.Validate("x"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
	if NewFromConfig(Config{JWTSecret: "  "}) != nil {
		t.Fatal("expected nil service without a secret")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"bearer", "Bearer abc", "abc", false},
		{"lowercase", "bearer abc", "abc", false},
		{"missing", "", "", true},
		{"basic", "Basic abc", "", true},
		{"empty token", "Bearer   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/chat/ws/1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BearerToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
