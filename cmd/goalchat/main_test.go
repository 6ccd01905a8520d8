package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/goalchat/internal/auth"
	"github.com/haasonsaas/goalchat/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"GOALCHAT_CONFIG", "GOALCHAT_JWT_SECRET", "DATABASE_URL", "REDIS_URL", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		t.Setenv(key, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"serve": false, "migrate": false, "token": false, "config": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing %q subcommand", name)
		}
	}

	migrate, _, err := root.Find([]string{"migrate", "status"})
	if err != nil || migrate.Name() != "status" {
		t.Fatalf("Find(migrate status) = %v, %v", migrate, err)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if _, ok := schema["properties"]; !ok {
		t.Fatalf("schema has no properties: %s", out)
	}
}

func TestTokenCommand(t *testing.T) {
	clearEnv(t)
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	if _, err := execute(t, "token", "--user", "u1", "--config", missing); err == nil {
		t.Fatal("token without a secret should fail")
	}

	t.Setenv("GOALCHAT_JWT_SECRET", "cli-secret")
	out, err := execute(t, "token", "--user", "u1", "--email", "u1@example.com", "--config", missing)
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	user, err := auth.NewJWTService("cli-secret", time.Hour).Validate(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "u1" || user.Email != "u1@example.com" {
		t.Fatalf("token user = %+v", user)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.HasPrefix(out, "goalchat dev") {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestMigrateRequiresDatabase(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "migrate", "status", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "database.url") {
		t.Fatalf("migrate status error = %v, want database.url error", err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	clearEnv(t)
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.HTTPPort = 0
	cfg.LLM.APIKey = "test-key"
	return cfg
}

func TestBuildAppServesHealthAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := buildApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	if app.janitor == nil {
		t.Fatal("janitor should be enabled by default")
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})

	resp, err := http.Get("http://" + app.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + app.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("metrics output is missing runtime collectors")
	}
}

func TestBuildAppRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown provider", func(c *config.Config) { c.LLM.Provider = "mystery" }},
		{"missing api key", func(c *config.Config) { c.LLM.APIKey = "" }},
		{"unknown cache", func(c *config.Config) { c.Cache.Backend = "memcached" }},
		{"bad janitor schedule", func(c *config.Config) { c.Janitor.Schedule = "whenever" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
				t.Fatal("buildApp() error = nil")
			}
		})
	}
}

func TestPoolConfig(t *testing.T) {
	pool := poolConfig(config.DatabaseConfig{MaxConnections: 3, ConnMaxLifetime: time.Minute})
	if pool.MaxOpenConns != 3 || pool.MaxIdleConns != 3 || pool.ConnMaxLifetime != time.Minute {
		t.Fatalf("poolConfig() = %+v", pool)
	}
	if got := poolConfig(config.DatabaseConfig{}); got.MaxOpenConns != 25 {
		t.Fatalf("default MaxOpenConns = %d", got.MaxOpenConns)
	}
}
