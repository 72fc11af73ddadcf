package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()
		cfg := e.Config()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", cfg.BaseURL)
		fmt.Printf("  Data dir:  %s (%s)\n", cfg.DataDir, humanize.Bytes(dirSize(cfg.DataDir)))
		fmt.Printf("  Log level: %s\n", cfg.LogLevel)

		fmt.Println()
		fmt.Println("Session:")
		if _, err := e.Session.Restore(); err != nil {
			return err
		}
		s, ok := e.Session.Snapshot()
		if !ok {
			fmt.Println("  (not signed in)")
			return nil
		}
		fmt.Printf("  User ID:   %s\n", valueOrDefault(s.UserID, "(unknown)"))
		fmt.Printf("  Token:     %s\n", maskToken(s.AccessToken))

		left := s.ExpiresIn(time.Now())
		switch {
		case left <= 0:
			fmt.Printf("  Expiry:    EXPIRED %s\n", humanize.Time(s.Expiry()))
		case left < cfg.Session.RefreshMargin.D():
			fmt.Printf("  Expiry:    %s (refresh due)\n", humanize.Time(s.Expiry()))
		default:
			fmt.Printf("  Expiry:    %s\n", humanize.Time(s.Expiry()))
		}
		return nil
	},
}

func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
