package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/dustin/go-humanize"
)

// openEngine builds an Engine backed by the on-disk token store. The caller
// must call the returned close func.
func openEngine() (*chatsync.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("cannot create data directory: %w", err)
	}
	store, err := chatsync.OpenPebbleTokenStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}

	e := chatsync.NewEngine(cfg, store,
		chatsync.WithEngineLogger(newLogger(cfg)),
		chatsync.WithSessionLost(func(error) {
			fmt.Fprintln(os.Stderr, "Session expired. Run 'chatsync login' again.")
		}),
	)
	closeFn := func() {
		e.Close()
		store.Close()
	}
	return e, closeFn, nil
}

// requireSession restores the stored session or fails with a hint.
func requireSession(e *chatsync.Engine) error {
	found, err := e.Session.Restore()
	if err != nil {
		return err
	}
	if !found {
		return errors.New("not signed in; run 'chatsync login' first")
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// printMessage prints m, folding it under prev's header when they group.
func printMessage(prev *chatsync.Message, m chatsync.Message, threshold time.Duration) {
	if prev == nil || !chatsync.ShouldGroup(*prev, m, threshold) {
		author := m.AuthorID
		if m.Author != nil && m.Author.DisplayName != "" {
			author = m.Author.DisplayName
		}
		fmt.Printf("\n%s  %s\n", author, humanize.Time(m.CreatedAt))
	}

	body := m.Content
	if m.Type != chatsync.TypeText && m.MediaURL != "" {
		body = strings.TrimSpace(fmt.Sprintf("[%s] %s %s", m.Type, m.MediaURL, m.Content))
	}
	var marks []string
	if m.EditedAt != nil {
		marks = append(marks, "edited")
	}
	if m.Pinned {
		marks = append(marks, "pinned")
	}
	if m.IsLocal() {
		marks = append(marks, "sending")
	}
	for emoji, r := range m.Reactions {
		marks = append(marks, fmt.Sprintf("%s %d", emoji, r.Count))
	}
	if len(marks) > 0 {
		body += "  (" + strings.Join(marks, ", ") + ")"
	}
	fmt.Printf("  %s\n", body)
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// maskToken shows only the first and last few characters.
func maskToken(tok string) string {
	if len(tok) <= 12 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}
