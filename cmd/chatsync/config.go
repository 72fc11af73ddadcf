package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Prismer-AI/chatsync"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value by key.\nExample: chatsync config set session.refresh_margin 5m",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := readConfigFile(path)
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// readConfigFile reads the file as written, without defaults or env
// overrides, so set only persists what the user chose.
func readConfigFile(path string) (*chatsync.Config, error) {
	var cfg chatsync.Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func setConfigValue(cfg *chatsync.Config, key, value string) error {
	dur := func(d *chatsync.Duration) error {
		return d.UnmarshalText([]byte(value))
	}
	num := func(n *int) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*n = v
		return nil
	}

	switch strings.ToLower(key) {
	case "base_url":
		cfg.BaseURL = value
	case "data_dir":
		cfg.DataDir = value
	case "log_level":
		if _, err := chatsync.ParseLevel(value); err != nil {
			return err
		}
		cfg.LogLevel = value
	case "session.refresh_margin":
		return dur(&cfg.Session.RefreshMargin)
	case "session.refresh_timeout":
		return dur(&cfg.Session.RefreshTimeout)
	case "realtime.heartbeat":
		return dur(&cfg.Realtime.Heartbeat)
	case "realtime.reconnect_base_delay":
		return dur(&cfg.Realtime.ReconnectBaseDelay)
	case "realtime.reconnect_max_delay":
		return dur(&cfg.Realtime.ReconnectMaxDelay)
	case "realtime.max_reconnect_attempts":
		return num(&cfg.Realtime.MaxReconnectAttempts)
	case "realtime.foreground_debounce":
		return dur(&cfg.Realtime.ForegroundDebounce)
	case "chat.page_size":
		return num(&cfg.Chat.PageSize)
	case "chat.grouping_threshold":
		return dur(&cfg.Chat.GroupingThreshold)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}
