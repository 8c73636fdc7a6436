package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/linkwave/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON bool

	// history
	historyLimit int
	historyJSON  bool

	// send
	sendJSON bool

	// presence
	presenceFollow bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.client.Session().ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}

		if conversationsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range list {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			last := ""
			if !c.LastMessageAt.IsZero() {
				last = fmt.Sprintf(" - %q %s", c.LastMessage, humanize.Time(c.LastMessageAt))
			}
			fmt.Printf("  %s: %s%s%s\n", c.ID, valueOrDefault(c.Counterpart.DisplayName, c.Counterpart.UserID), unread, last)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Show the messages exchanged with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		self := s.client.UserID()
		conversationID := chatsync.ConversationID(self, args[0])
		v, err := s.client.Session().Open(ctx, conversationID)
		if err != nil && v == nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}

		msgs := v.Messages()
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, self))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <text>",
	Short: "Send a message to a user",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		c, err := s.client.Session().StartConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to start conversation: %w", err)
		}
		if _, err := s.client.Session().Open(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}

		msg, err := s.client.Session().Send(ctx, c.ID, strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %s, seq: %d)\n", msg.ID, msg.Seq)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <peer-id>",
	Short: "Follow a conversation and send lines typed on stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		s, err := connect(openCtx)
		if err != nil {
			return err
		}
		defer s.Close()

		self := s.client.UserID()
		sess := s.client.Session()
		c, err := sess.StartConversation(openCtx, args[0])
		if err != nil {
			return fmt.Errorf("failed to start conversation: %w", err)
		}

		var mu sync.Mutex
		shown := make(map[string]bool)
		unsubscribe := sess.SubscribeToMessages(c.ID, func(msgs []chatsync.Message) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				if shown[m.ID] || m.Delivery == chatsync.DeliveryPending {
					continue
				}
				shown[m.ID] = true
				fmt.Println(formatMessage(m, self))
			}
		})
		defer unsubscribe()
		stopNotices := sess.OnNotice(func(n chatsync.Notice) {
			fmt.Fprintf(os.Stderr, "! %s: %v\n", n.Kind, n.Err)
		})
		defer stopNotices()

		if s.client.Presence() != nil {
			stopPresence := s.client.Presence().CheckUserOnlineStatus(args[0], func(online bool) {
				state := "offline"
				if online {
					state = "online"
				}
				fmt.Printf("* %s is %s\n", args[0], state)
			})
			defer stopPresence()
		}

		if _, err := sess.Open(openCtx, c.ID); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		if err := sess.MarkRead(openCtx, c.ID); err != nil {
			fmt.Fprintf(os.Stderr, "! mark read: %v\n", err)
		}

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				text := strings.TrimSpace(line)
				if text == "" {
					continue
				}
				sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				_, err := sess.Send(sendCtx, c.ID, text)
				cancel()
				if err != nil {
					fmt.Fprintf(os.Stderr, "! send failed: %v\n", err)
				}
			}
		}
	},
}

// ============================================================================
// presence
// ============================================================================

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id>",
	Short: "Show whether a user is online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		s, err := connect(connectCtx)
		if err != nil {
			return err
		}
		defer s.Close()
		if s.client.Presence() == nil {
			return fmt.Errorf("presence is not available")
		}

		records := make(chan chatsync.PresenceRecord, 16)
		unwatch := s.client.Presence().WatchPresence(args[0], func(rec chatsync.PresenceRecord) {
			select {
			case records <- rec:
			default:
			}
		})
		defer unwatch()

		deadline := connectCtx.Done()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-deadline:
				if !presenceFollow {
					return fmt.Errorf("no presence record received: %w", connectCtx.Err())
				}
				deadline = nil
			case rec := <-records:
				since := ""
				if rec.LastChanged > 0 {
					since = " since " + humanize.Time(time.UnixMilli(rec.LastChanged))
				}
				fmt.Printf("%s is %s%s\n", args[0], rec.State, since)
				if !presenceFollow {
					return nil
				}
			}
		}
	},
}

// ============================================================================
// Helpers & registration
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	presenceCmd.Flags().BoolVarP(&presenceFollow, "follow", "f", false, "Keep printing presence changes")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(presenceCmd)
}
