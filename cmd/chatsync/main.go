package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Prismer-AI/chatsync"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// ============================================================================
// Global flags
// ============================================================================

var (
	flagConfig   string
	flagLogLevel string
	flagJSON     bool
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file in use: --config, or
// ~/.chatsync/config.toml.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func loadConfig() (*chatsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := chatsync.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

func newLogger(cfg *chatsync.Config) *slog.Logger {
	return chatsync.NewLogger(cfg.LogLevel, os.Stderr)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat sync client",
	Long:          "Command-line client for the chat backend.\nSign in, send messages, page history and tail conversations live.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print raw JSON output")
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
