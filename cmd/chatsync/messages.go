package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendType    string
	sendMedia   string
	sendReplyTo string

	historyLimit int
	historyPages int

	tailBackfill bool
)

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", "text", "Message type: text, command, image, audio, file")
	sendCmd.Flags().StringVar(&sendMedia, "media", "", "Media URL for image, audio and file messages")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "ID of the message being replied to")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Page size (default from config)")
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages to load")

	tailCmd.Flags().BoolVar(&tailBackfill, "backfill", true, "Print the latest page before streaming")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(tailCmd)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := chatsync.MessageType(sendType)
		if !typ.Valid() {
			return fmt.Errorf("unknown message type %q", sendType)
		}

		e, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := requireSession(e); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := chatsync.NewMessageStore(args[0])
		pipeline := chatsync.NewSendPipeline(store, e.Client.Messages, e.Session, e.Session.UserID, nil)
		m, failed := pipeline.Send(ctx, chatsync.SendRequest{
			Content:  strings.Join(args[1:], " "),
			Type:     typ,
			MediaURL: sendMedia,
			ReplyTo:  sendReplyTo,
		})
		switch {
		case failed != nil:
			return fmt.Errorf("send failed (%s): %s", failed.Kind, failed.Reason)
		case m == nil:
			return errors.New("nothing to send")
		}

		if flagJSON {
			return printJSON(m)
		}
		fmt.Printf("Sent %s\n", m.ID)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := requireSession(e); err != nil {
			return err
		}

		limit := historyLimit
		if limit <= 0 {
			limit = e.Config().Chat.PageSize
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := chatsync.NewMessageStore(args[0])
		q := chatsync.HistoryQuery{Limit: limit}
		for i := 0; i < historyPages; i++ {
			page, err := e.Client.Messages.History(ctx, args[0], q)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			store.MergeOlderPage(page.Messages)
			oldest, ok := store.Oldest()
			if !page.HasMore || !ok {
				break
			}
			q.Before, q.BeforeID = oldest.CreatedAt, oldest.ID
		}

		msgs := store.Messages()
		if flagJSON {
			return printJSON(msgs)
		}
		printAll(msgs, e.Config().Chat.GroupingThreshold.D())
		return nil
	},
}

func printAll(msgs []chatsync.Message, threshold time.Duration) {
	var prev *chatsync.Message
	for i := range msgs {
		printMessage(prev, msgs[i], threshold)
		prev = &msgs[i]
	}
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail [conversation-id]",
	Short: "Stream messages live",
	Long: "Stream a conversation live. Without a conversation id, print inbox updates instead.\n" +
		"Send SIGCONT (fg after ^Z) to force a reconnect and session refresh.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()
		if err := requireSession(e); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := e.Start(ctx); err != nil {
			return err
		}
		stopFg := notifyForeground(e.Foreground)
		defer stopFg()

		if len(args) == 0 {
			return tailInbox(ctx, e)
		}
		return tailChat(ctx, e, args[0])
	},
}

func tailInbox(ctx context.Context, e *chatsync.Engine) error {
	for _, c := range e.Inbox.Conversations() {
		printConversation(c)
	}
	changes := make(chan chatsync.Conversation, 64)
	e.Inbox.SetOnChange(func(c chatsync.Conversation) {
		select {
		case changes <- c:
		default:
		}
	})
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-changes:
			printConversation(c)
		}
	}
}

func printConversation(c chatsync.Conversation) {
	last := "(no messages)"
	if c.LastMessage != nil {
		last = c.LastMessage.Content
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
	}
	fmt.Printf("%s%s: %s\n", c.ID, unread, last)
}

func tailChat(ctx context.Context, e *chatsync.Engine, conversationID string) error {
	chat, err := e.OpenChat(ctx, conversationID)
	if err != nil {
		return err
	}
	threshold := e.Config().Chat.GroupingThreshold.D()

	if tailBackfill {
		if _, err := chat.LoadOlderMessages(ctx); err != nil {
			return err
		}
		printAll(chat.Messages(), threshold)
	}

	events := make(chan chatsync.StoreEvent, 64)
	unsubscribe := chat.Subscribe(func(ev chatsync.StoreEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	var last *chatsync.Message
	if msgs := chat.Messages(); len(msgs) > 0 {
		last = &msgs[len(msgs)-1]
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Kind {
			case chatsync.StoreInserted:
				m := ev.Message
				printMessage(last, m, threshold)
				last = &m
			case chatsync.StoreUpdated:
				if ev.Message.EditedAt != nil {
					fmt.Printf("  ~ %s edited: %s\n", ev.Message.ID, ev.Message.Content)
				}
			case chatsync.StoreRemoved:
				if !ev.Message.IsLocal() {
					fmt.Printf("  - %s deleted\n", ev.Message.ID)
				}
			}
		}
	}
}
