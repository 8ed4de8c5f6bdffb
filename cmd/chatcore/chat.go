package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/chatcore-dev/chatcore"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsKeyword string
	conversationsPage    int
	conversationsLimit   int
	conversationsJSON    bool

	// history
	historyPages int
	historyJSON  bool

	// send
	sendFiles []string
	sendWait  time.Duration
)

func init() {
	conversationsCmd.Flags().StringVarP(&conversationsKeyword, "keyword", "k", "", "Filter by name")
	conversationsCmd.Flags().IntVar(&conversationsPage, "page", 1, "Page number")
	conversationsCmd.Flags().IntVarP(&conversationsLimit, "limit", "n", 20, "Conversations per page")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "Number of pages to load, newest first")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "Attach a file (repeatable)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the server echo")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m chatcore.Message, viewer string) {
	who := m.SenderID
	if who == viewer {
		who = "you"
	} else if m.DisplayName != "" {
		who = m.DisplayName
	}
	line := m.Content
	for _, media := range m.Media {
		line += fmt.Sprintf(" [%s %s]", media.Filename, humanize.Bytes(uint64(media.Size)))
	}
	mark := ""
	if m.SenderID == viewer && m.Status == chatcore.StatusSeen {
		mark = " ✓✓"
	}
	fmt.Printf("[%s] %s: %s%s\n", humanize.Time(m.CreatedAt), who, line, mark)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := timeoutContext(15 * time.Second)
		defer cancel()

		inbox := chatcore.NewInbox("", client.Conversations, nil, logger)
		if err := inbox.Load(ctx, conversationsPage, conversationsLimit, conversationsKeyword); err != nil {
			return describeError(err)
		}
		items := inbox.Summaries()

		if conversationsJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, s := range items {
			unread := ""
			if s.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", s.UnreadCount)
			}
			when := "never"
			if !s.LastDate.IsZero() {
				when = humanize.Time(s.LastDate)
			}
			fmt.Printf("%-28s %-20s %-8s %s%s\n", s.Key().String(), s.DisplayName, s.Status, when, unread)
			if s.LastMessage != "" {
				fmt.Printf("    %s\n", s.LastMessage)
			}
		}
		fmt.Printf("\nTotal unread: %d\n", inbox.TotalUnread())
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <key>",
	Short: "Print the history of a conversation",
	Long:  "Print the history of a conversation. The key is user:<id>, group:<id>, or a bare user id.",
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

		ctx, cancel := timeoutContext(30 * time.Second)
		defer cancel()

		sess := chatcore.NewSession(client, sessionConfig(cfg))
		defer sess.Close()

		if _, err := sess.Open(ctx, key); err != nil {
			return describeError(err)
		}
		for i := 1; i < historyPages; i++ {
			_, more, err := sess.LoadOlder(ctx)
			if err != nil {
				return describeError(err)
			}
			if !more {
				break
			}
		}

		msgs := sess.Messages(key)
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, cfg.Auth.UserID)
		}
		if sess.Cache().Exhausted(key) {
			fmt.Println("(beginning of conversation)")
		}
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen [key]",
	Short: "Follow messages in realtime until interrupted",
	Long:  "Connect to the realtime endpoint and print incoming activity. With a key, that conversation is opened: its messages are printed and marked as seen.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key chatcore.ConversationKey
		if len(args) == 1 {
			k, err := parseKey(args[0])
			if err != nil {
				return err
			}
			key = k
		}
		cfg, client, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dropped := make(chan error, 1)
		var mu sync.Mutex
		printed := map[chatcore.MessageID]bool{}
		sc := sessionConfig(cfg)
		sc.Alerter = chatcore.AlerterFunc(func(k chatcore.ConversationKey, m chatcore.Message) {
			if k != key {
				fmt.Printf("\a* new message in %s from %s\n", k, valueOrDefault(m.DisplayName, m.SenderID))
			}
		})
		sc.OnView = func(k chatcore.ConversationKey, msgs []chatcore.Message) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				if !printed[m.ID] {
					printed[m.ID] = true
					printMessage(m, cfg.Auth.UserID)
				}
			}
		}
		sc.OnInbox = func(s chatcore.ConversationSummary) {
			if s.Key() != key && s.UnreadCount > 0 {
				fmt.Printf("* %s: %d unread\n", valueOrDefault(s.DisplayName, s.Key().String()), s.UnreadCount)
			}
		}
		sc.OnDisconnect = func(err error) {
			select {
			case dropped <- err:
			default:
			}
		}

		sess := chatcore.NewSession(client, sc)
		if err := sess.Start(ctx); err != nil {
			return describeError(err)
		}
		defer sess.Close()

		sess.Conn().Router().On(chatcore.EventPresence, func(env chatcore.Envelope) {
			if p, err := env.Presence(); err == nil {
				fmt.Printf("* %s is %s\n", p.UserID, p.Status)
			}
		})

		if !key.IsZero() {
			if _, err := sess.Open(ctx, key); err != nil {
				return describeError(err)
			}
		}
		fmt.Fprintln(os.Stderr, "Listening. Press Ctrl-C to stop.")

		select {
		case <-ctx.Done():
			return nil
		case err := <-dropped:
			return fmt.Errorf("connection lost: %w", err)
		}
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <key> <text>",
	Short: "Send a message, optionally with attachments",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		text := args[1]
		cfg, client, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := timeoutContext(2 * time.Minute)
		defer cancel()

		media, err := uploadFiles(ctx, client, sendFiles)
		if err != nil {
			return err
		}

		sess := chatcore.NewSession(client, sessionConfig(cfg))
		confirmed := make(chan struct{}, 1)
		sess.Outbox().On(func(e chatcore.OutboxEvent, _ chatcore.PendingMessage) {
			if e == chatcore.OutboxConfirmed {
				select {
				case confirmed <- struct{}{}:
				default:
				}
			}
		})
		if err := sess.Start(ctx); err != nil {
			return describeError(err)
		}
		defer sess.Close()

		if _, err := sess.Open(ctx, key); err != nil {
			return describeError(err)
		}
		pm, err := sess.SendChat(ctx, text, media)
		if err != nil {
			return fmt.Errorf("message not sent: %w", describeError(err))
		}

		select {
		case <-confirmed:
			fmt.Printf("Sent to %s.\n", key)
		case <-time.After(sendWait):
			fmt.Printf("Sent to %s; no confirmation yet (client id %s).\n", key, pm.ClientID)
		}
		return nil
	},
}

func uploadFiles(ctx context.Context, client *chatcore.Client, paths []string) ([]chatcore.Media, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	files := make([]chatcore.UploadFile, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s: %w", p, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("cannot stat %s: %w", p, err)
		}
		files = append(files, chatcore.UploadFile{Name: filepath.Base(p), Reader: f, Size: info.Size()})
	}

	media, err := client.Media.Upload(ctx, files, func(index int, written, total int64) {
		fmt.Fprintf(os.Stderr, "\rUploading %s: %s / %s", files[index].Name,
			humanize.Bytes(uint64(written)), humanize.Bytes(uint64(total)))
		if written == total {
			fmt.Fprintln(os.Stderr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", describeError(err))
	}
	return media, nil
}
