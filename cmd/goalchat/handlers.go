package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/goalchat/internal/auth"
	"github.com/haasonsaas/goalchat/internal/config"
	"github.com/haasonsaas/goalchat/internal/observability"
	"github.com/haasonsaas/goalchat/internal/sessions"
	"github.com/haasonsaas/goalchat/pkg/models"
)

const shutdownTimeout = 30 * time.Second

// loadConfig reads path, falling back to defaults plus environment overrides
// when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Serve
// =============================================================================

// runServe starts the server and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	logger.Info("starting goalchat",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.Provider,
		"cache_backend", cfg.Cache.Backend,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Stop(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("goalchat listening", "addr", app.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("goalchat stopped gracefully")
	return nil
}

// =============================================================================
// Migrations
// =============================================================================

func openMigrationDB(configPath string) (*sql.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url (or DATABASE_URL) is required for migrations")
	}
	return sessions.OpenDB(cfg.Database.URL, poolConfig(cfg.Database))
}

func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	db, err := openMigrationDB(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := sessions.NewMigrator(db)
	if err != nil {
		return err
	}
	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(out, "Applied %s\n", id)
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	db, err := openMigrationDB(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := sessions.NewMigrator(db)
	if err != nil {
		return err
	}
	rolledBack, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(rolledBack) == 0 {
		fmt.Fprintln(out, "Nothing to roll back")
		return nil
	}
	for _, id := range rolledBack {
		fmt.Fprintf(out, "Rolled back %s\n", id)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	db, err := openMigrationDB(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := sessions.NewMigrator(db)
	if err != nil {
		return err
	}
	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range applied {
		fmt.Fprintf(out, "  %s  %s\n", m.ID, m.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range pending {
		fmt.Fprintf(out, "  %s\n", m.ID)
	}
	return nil
}

// =============================================================================
// Token and config
// =============================================================================

func runToken(cmd *cobra.Command, configPath, userID, email, name string, expiry time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if expiry <= 0 {
		expiry = cfg.Auth.TokenExpiry
	}
	jwt := auth.NewFromConfig(auth.Config{JWTSecret: cfg.Auth.JWTSecret, TokenExpiry: expiry})
	if jwt == nil {
		return errors.New("auth.jwt_secret (or GOALCHAT_JWT_SECRET) is required to mint tokens")
	}
	token, err := jwt.Generate(&models.User{ID: userID, Email: email, Name: name})
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (provider: %s, cache: %s)\n", configPath, cfg.LLM.Provider, cfg.Cache.Backend)
	return nil
}
