// Package main provides the CLI entry point for the goalchat server.
//
// goalchat serves a goal-tracking chat assistant over WebSocket. Each user
// message goes through an LLM that may call goal tools before answering.
//
// # Basic Usage
//
// Start the server:
//
//	goalchat serve --config goalchat.yaml
//
// Manage database migrations:
//
//	goalchat migrate up
//	goalchat migrate status
//
// Mint a development token:
//
//	goalchat token --user <user-id>
//
// # Environment Variables
//
//   - GOALCHAT_CONFIG: Path to configuration file (default: goalchat.yaml)
//   - GOALCHAT_JWT_SECRET: Secret used to sign and verify bearer tokens
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: LLM provider credentials
//   - DATABASE_URL: CockroachDB/PostgreSQL connection string
//   - REDIS_URL: Redis URL for the history cache
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "goalchat.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "goalchat",
		Short: "goalchat - goal-tracking chat assistant",
		Long: `goalchat serves a chat assistant over WebSocket that helps users
define and track goals. Replies come from an LLM (OpenAI or Anthropic)
that can create, list, update, link and delete goals through tools.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then GOALCHAT_CONFIG.
func resolveConfigPath(path string) string {
	if path != "" && path != defaultConfigPath {
		return path
	}
	if env := os.Getenv("GOALCHAT_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
