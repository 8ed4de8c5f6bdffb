package main

import (
	"fmt"
	"time"

	"github.com/chatcore-dev/chatcore"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	muteFor     time.Duration
	muteForever bool
)

func init() {
	muteCmd.Flags().DurationVar(&muteFor, "for", 0, "Mute for this long (e.g. 1h, 30m)")
	muteCmd.Flags().BoolVar(&muteForever, "forever", false, "Mute until unmuted")
	muteCmd.MarkFlagsMutuallyExclusive("for", "forever")

	rootCmd.AddCommand(muteCmd)
	rootCmd.AddCommand(unmuteCmd)
}

// notifier builds a Notifier for the signed-in user.
func notifier(cfg *Config, client *chatcore.Client) (*chatcore.Notifier, error) {
	viewer := cfg.Auth.UserID
	if viewer == "" {
		ctx, cancel := timeoutContext(10 * time.Second)
		defer cancel()
		profile, err := client.Users.Profile(ctx)
		if err != nil {
			return nil, describeError(err)
		}
		viewer = profile.ID
	}
	return chatcore.NewNotifier(viewer, client.Settings, nil, nil, logger, nil), nil
}

var muteCmd = &cobra.Command{
	Use:   "mute <key>",
	Short: "Silence alerts for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		if muteFor <= 0 && !muteForever {
			return fmt.Errorf("pass --for <duration> or --forever")
		}
		cfg, client, err := requireLogin()
		if err != nil {
			return err
		}
		n, err := notifier(cfg, client)
		if err != nil {
			return err
		}

		var until *time.Time
		if !muteForever {
			t := time.Now().Add(muteFor)
			until = &t
		}

		ctx, cancel := timeoutContext(15 * time.Second)
		defer cancel()
		if _, err := n.SetMute(ctx, key, until); err != nil {
			return fmt.Errorf("mute failed: %w", describeError(err))
		}

		if until == nil {
			fmt.Printf("Muted %s until unmuted.\n", key)
		} else {
			fmt.Printf("Muted %s until %s (%s).\n", key, until.Format(time.Kitchen), humanize.Time(*until))
		}
		return nil
	},
}

var unmuteCmd = &cobra.Command{
	Use:   "unmute <key>",
	Short: "Restore alerts for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		cfg, client, err := requireLogin()
		if err != nil {
			return err
		}
		n, err := notifier(cfg, client)
		if err != nil {
			return err
		}

		ctx, cancel := timeoutContext(15 * time.Second)
		defer cancel()
		if _, err := n.Unmute(ctx, key); err != nil {
			return fmt.Errorf("unmute failed: %w", describeError(err))
		}
		fmt.Printf("Unmuted %s.\n", key)
		return nil
	},
}
