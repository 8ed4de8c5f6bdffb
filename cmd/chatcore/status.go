package main

import (
	"fmt"
	"time"

	"github.com/chatcore-dev/chatcore"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token has expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, chatcore.DefaultBaseURL+" (default)"))
		wsURL := cfg.Default.WSURL
		if wsURL == "" {
			wsURL = chatcore.RealtimeURLFromBase(valueOrDefault(cfg.Default.BaseURL, chatcore.DefaultBaseURL)) + " (derived)"
		}
		fmt.Printf("  Realtime:  %s\n", wsURL)
		if cfg.Default.PageSize > 0 {
			fmt.Printf("  Page size: %d\n", cfg.Default.PageSize)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
		}
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not signed in)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present (" + maskToken(cfg.Auth.Token) + ")"
			if claims, err := chatcore.ParseToken(cfg.Auth.Token); err == nil && !claims.ExpiresAt.IsZero() {
				if time.Now().Before(claims.ExpiresAt) {
					tokenStatus = fmt.Sprintf("valid, expires %s", humanize.Time(claims.ExpiresAt))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED %s", humanize.Time(claims.ExpiresAt))
				}
			}
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)

		client := newClient(cfg)
		if !client.Authenticated() {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := timeoutContext(10 * time.Second)
		defer cancel()

		profile, err := client.Users.Profile(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", describeError(err))
			return nil
		}
		fmt.Printf("  Username:     %s\n", profile.Username)
		fmt.Printf("  Display Name: %s\n", profile.DisplayName)

		statuses, err := client.Users.Statuses(ctx)
		if err != nil {
			fmt.Printf("  Error fetching presence: %v\n", describeError(err))
			return nil
		}
		online := 0
		for _, s := range statuses {
			if s.Status == chatcore.PresenceOnline {
				online++
			}
		}
		fmt.Printf("  Contacts:     %d (%d online)\n", len(statuses), online)
		return nil
	},
}
