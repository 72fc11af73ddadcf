package chatsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// ConversationsAPI lists conversations and marks them read.
// *ConversationsClient implements it.
type ConversationsAPI interface {
	List(ctx context.Context) ([]Conversation, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// InboxOptions tunes an Inbox.
type InboxOptions struct {
	Logger *slog.Logger
	// OnChange is called with a copy of each conversation summary after it
	// changes.
	OnChange func(Conversation)
}

// Inbox keeps the direct conversation summaries current from the global
// feed. UnreadCount only goes up from the feed and only MarkRead resets it.
type Inbox struct {
	api      ConversationsAPI
	userID   func() string
	log      *slog.Logger
	onChange func(Conversation)

	mu     sync.RWMutex
	convs  map[string]*Conversation
	active string
}

func NewInbox(api ConversationsAPI, userID func() string, opts *InboxOptions) *Inbox {
	in := &Inbox{
		api:    api,
		userID: userID,
		log:    slog.Default(),
		convs:  make(map[string]*Conversation),
	}
	if opts != nil {
		if opts.Logger != nil {
			in.log = opts.Logger
		}
		in.onChange = opts.OnChange
	}
	in.log = in.log.With("component", "inbox")
	return in
}

// Load replaces the summaries with the server's list.
func (in *Inbox) Load(ctx context.Context) error {
	list, err := in.api.List(ctx)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.convs = make(map[string]*Conversation, len(list))
	for i := range list {
		c := list[i]
		in.convs[c.ID] = &c
	}
	in.mu.Unlock()
	in.log.Debug("inbox_loaded", "conversations", len(list))
	return nil
}

// Run applies global feed events until ctx is done or events is closed.
func (in *Inbox) Run(ctx context.Context, events <-chan ChannelEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != EventUpsert || ev.Message == nil {
				continue
			}
			in.apply(*ev.Message, ev.Op == OpInsert)
		}
	}
}

// ApplyMessage records a newly arrived message.
func (in *Inbox) ApplyMessage(m Message) {
	in.apply(m, true)
}

func (in *Inbox) apply(m Message, inserted bool) {
	if m.ConversationID == "" {
		return
	}
	in.mu.Lock()
	c, ok := in.convs[m.ConversationID]
	if !ok {
		c = &Conversation{ID: m.ConversationID}
		in.convs[m.ConversationID] = c
	}

	last := c.LastMessage
	unread := inserted && (last == nil || last.ID != m.ID) &&
		m.AuthorID != in.userID() && m.ConversationID != in.active
	switch {
	case last == nil || last.ID == m.ID || !m.CreatedAt.Before(last.CreatedAt):
		cp := m.clone()
		c.LastMessage = &cp
	case !unread:
		in.mu.Unlock()
		return
	}
	// Out-of-order inserts still count; only LastMessage stays put.
	if unread {
		c.UnreadCount++
	}
	snapshot := *c
	onChange := in.onChange
	in.mu.Unlock()

	if onChange != nil {
		onChange(snapshot)
	}
}

// SetActive marks the conversation the user is looking at; its new messages
// do not count as unread. An empty id clears it.
func (in *Inbox) SetActive(conversationID string) {
	in.mu.Lock()
	in.active = conversationID
	in.mu.Unlock()
}

// SetOnChange replaces the change callback.
func (in *Inbox) SetOnChange(fn func(Conversation)) {
	in.mu.Lock()
	in.onChange = fn
	in.mu.Unlock()
}

// Active returns the active conversation, or "".
func (in *Inbox) Active() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.active
}

// MarkRead marks the conversation read server-side and resets its counter.
func (in *Inbox) MarkRead(ctx context.Context, conversationID string) error {
	if err := in.api.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	in.mu.Lock()
	c, ok := in.convs[conversationID]
	var snapshot Conversation
	if ok {
		c.UnreadCount = 0
		snapshot = *c
	}
	onChange := in.onChange
	in.mu.Unlock()

	if ok && onChange != nil {
		onChange(snapshot)
	}
	return nil
}

// Get returns one summary.
func (in *Inbox) Get(conversationID string) (Conversation, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	c, ok := in.convs[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Conversations returns all summaries, most recent activity first.
func (in *Inbox) Conversations() []Conversation {
	in.mu.RLock()
	out := make([]Conversation, 0, len(in.convs))
	for _, c := range in.convs {
		out = append(out, *c)
	}
	in.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
