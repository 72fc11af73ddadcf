package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginPasswordStdin bool

func init() {
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "Read the password from stdin")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session",
	Long:  "Sign in with email and password. The session is stored in the data directory and refreshed automatically.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword()
		if err != nil {
			return err
		}

		e, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := e.SignIn(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("sign in failed: %w", err)
		}
		fmt.Printf("Signed in as %s (token expires %s)\n", s.UserID, humanize.Time(s.Expiry()))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := e.SignOut(); err != nil {
			return fmt.Errorf("sign out failed: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !loginPasswordStdin && term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("cannot read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
