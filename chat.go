package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MessagesAPI is the remote message surface a Chat needs. *MessagesClient
// implements it.
type MessagesAPI interface {
	MessageInserter
	RecordFetcher
	Update(ctx context.Context, id, content string) (*Message, error)
	Delete(ctx context.Context, id string) error
	React(ctx context.Context, id, emoji string) (*Message, error)
	Pin(ctx context.Context, id string, pinned bool) (*Message, error)
	History(ctx context.Context, conversationID string, q HistoryQuery) (*Page, error)
}

// ChatOptions tunes a Chat.
type ChatOptions struct {
	PageSize int
	Logger   *slog.Logger
	Channel  *ChannelOptions
	Send     *SendOptions
}

// Chat is one open conversation: its store, its realtime channel, its send
// pipeline and history paging.
type Chat struct {
	id       string
	api      MessagesAPI
	store    *MessageStore
	channel  *ChannelSubscription
	sender   *SendPipeline
	pageSize int
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	pageMu  sync.Mutex
	hasMore bool

	closeOnce sync.Once
}

// OpenChat opens the conversation's channel and starts applying its events
// to a fresh store. History is not loaded; call LoadOlderMessages.
func OpenChat(ctx context.Context, conversationID string, t Transport, api MessagesAPI, session SessionRefresher, authorID func() string, opts *ChatOptions) (*Chat, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrValidation)
	}
	o := ChatOptions{}
	if opts != nil {
		o = *opts
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	chOpts := ChannelOptions{}
	if o.Channel != nil {
		chOpts = *o.Channel
	}
	if chOpts.Logger == nil {
		chOpts.Logger = o.Logger
	}
	sendOpts := SendOptions{}
	if o.Send != nil {
		sendOpts = *o.Send
	}
	if sendOpts.Logger == nil {
		sendOpts.Logger = o.Logger
	}

	store := NewMessageStore(conversationID)
	channel, err := OpenChannel(ctx, t, api, conversationID, &chOpts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Chat{
		id:       conversationID,
		api:      api,
		store:    store,
		channel:  channel,
		sender:   NewSendPipeline(store, api, session, authorID, &sendOpts),
		pageSize: o.PageSize,
		log:      o.Logger.With("component", "chat", "conversation_id", conversationID),
		cancel:   cancel,
		done:     make(chan struct{}),
		hasMore:  true,
	}
	go func() {
		defer close(c.done)
		store.Consume(runCtx, channel.Events())
	}()
	return c, nil
}

func (c *Chat) ID() string { return c.id }

// Store exposes the underlying MessageStore.
func (c *Chat) Store() *MessageStore { return c.store }

// Channel exposes the realtime subscription, for supervision.
func (c *Chat) Channel() *ChannelSubscription { return c.channel }

// Messages returns the current snapshot in display order.
func (c *Chat) Messages() []Message { return c.store.Messages() }

// Subscribe registers a store listener.
func (c *Chat) Subscribe(l StoreListener) func() { return c.store.Subscribe(l) }

// LoadOlderMessages fetches the page before the oldest confirmed message and
// merges it. It returns how many messages were new.
func (c *Chat) LoadOlderMessages(ctx context.Context) (int, error) {
	c.pageMu.Lock()
	defer c.pageMu.Unlock()

	q := HistoryQuery{Limit: c.pageSize}
	if oldest, ok := c.store.Oldest(); ok {
		q.Before = oldest.CreatedAt
		q.BeforeID = oldest.ID
	}
	page, err := c.api.History(ctx, c.id, q)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	c.hasMore = page.HasMore
	added := c.store.MergeOlderPage(page.Messages)
	c.log.Debug("history_page", "fetched", len(page.Messages), "added", added, "has_more", page.HasMore)
	return added, nil
}

// HasMore reports whether the last history page said older messages exist.
func (c *Chat) HasMore() bool {
	c.pageMu.Lock()
	defer c.pageMu.Unlock()
	return c.hasMore
}

// Send sends through the conversation's pipeline.
func (c *Chat) Send(ctx context.Context, req SendRequest) (*Message, *FailedMessage) {
	return c.sender.Send(ctx, req)
}

func (c *Chat) Failed() []FailedMessage { return c.sender.Failed() }

func (c *Chat) Resend(ctx context.Context, id string) (*Message, *FailedMessage, error) {
	return c.sender.Resend(ctx, id)
}

func (c *Chat) DropFailed(id string) bool { return c.sender.DropFailed(id) }

// Edit replaces a message's content. The returned record is reconciled
// right away; the channel's update event later converges to the same
// value.
func (c *Chat) Edit(ctx context.Context, id, content string) (*Message, error) {
	if id == "" || content == "" {
		return nil, fmt.Errorf("%w: edit needs an id and content", ErrValidation)
	}
	m, err := c.api.Update(ctx, id, content)
	if err != nil {
		return nil, err
	}
	c.store.Reconcile(*m)
	return m, nil
}

// Delete removes a message server-side, then locally.
func (c *Chat) Delete(ctx context.Context, id string) error {
	if err := c.api.Delete(ctx, id); err != nil {
		return err
	}
	c.store.Remove(id)
	return nil
}

func (c *Chat) React(ctx context.Context, id, emoji string) (*Message, error) {
	m, err := c.api.React(ctx, id, emoji)
	if err != nil {
		return nil, err
	}
	c.store.Reconcile(*m)
	return m, nil
}

func (c *Chat) Pin(ctx context.Context, id string, pinned bool) (*Message, error) {
	m, err := c.api.Pin(ctx, id, pinned)
	if err != nil {
		return nil, err
	}
	c.store.Reconcile(*m)
	return m, nil
}

// Close closes the channel and waits for the store consumer to stop.
func (c *Chat) Close() {
	c.closeOnce.Do(func() {
		c.channel.Close()
		c.cancel()
		<-c.done
	})
}
