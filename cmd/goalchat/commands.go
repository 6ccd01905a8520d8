package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the goalchat server",
		Long: `Start the goalchat HTTP server.

The server will:
1. Load configuration from the specified file (or goalchat.yaml)
2. Open the conversation store and history cache
3. Initialize the configured LLM provider and goal tools
4. Serve WebSocket sessions, /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  goalchat serve

  # Start with custom config and debug logging
  goalchat serve --config /etc/goalchat/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long:  `Apply, roll back and inspect the embedded database migrations.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath), steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, resolveConfigPath(configPath), steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		email      string
		name       string
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for development",
		Example: `  goalchat token --user 6f1c2a4e-9a57-4b8e-8d3e-0c1f6f0f2a11
  curl -H "Authorization: Bearer $(goalchat token --user <id>)" ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), userID, email, name, expiry)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "User ID placed in the token subject")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().StringVar(&name, "name", "", "Optional name claim")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default: auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user") //nolint:errcheck
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	})

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.AddCommand(validate)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goalchat %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
