package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Sign in and store the token in ~/.chatcore/config.toml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)

		username := ""
		if len(args) == 1 {
			username = args[0]
		} else {
			fmt.Print("Username: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read username: %w", err)
			}
			username = strings.TrimSpace(line)
		}
		if username == "" {
			return errors.New("username is required")
		}

		password, err := readPassword(reader)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := newClient(cfg)

		ctx, cancel := timeoutContext(30 * time.Second)
		defer cancel()

		if _, err := client.Auth.Login(ctx, username, password); err != nil {
			return fmt.Errorf("login failed: %w", describeError(err))
		}

		profile, err := client.Users.Profile(ctx)
		if err != nil {
			return fmt.Errorf("signed in, but the profile could not be read: %w", describeError(err))
		}

		stored, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		stored.Auth.UserID = profile.ID
		stored.Auth.Username = profile.Username
		if err := saveConfig(stored); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed in.")
		fmt.Printf("  User ID:  %s\n", profile.ID)
		fmt.Printf("  Username: %s\n", profile.Username)
		if profile.DisplayName != "" {
			fmt.Printf("  Name:     %s\n", profile.DisplayName)
		}
		return nil
	},
}

// readPassword reads without echo when stdin is a terminal.
func readPassword(reader *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Print("Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := (configCredentialStore{}).Clear(); err != nil {
			return fmt.Errorf("failed to clear credentials: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
