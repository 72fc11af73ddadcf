package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StoreEventKind says what changed in a MessageStore.
type StoreEventKind string

const (
	StoreInserted  StoreEventKind = "inserted"
	StoreUpdated   StoreEventKind = "updated"
	StoreRemoved   StoreEventKind = "removed"
	StorePrepended StoreEventKind = "prepended"
)

// StoreEvent is delivered to store listeners after each mutation. For
// StorePrepended, Count is the number of messages merged and Message is
// zero.
type StoreEvent struct {
	Kind    StoreEventKind
	Message Message
	Count   int
}

// StoreListener observes a MessageStore. Listeners run synchronously after
// the mutation is applied and should re-read Messages for a snapshot.
type StoreListener func(StoreEvent)

// MessageStore is the canonical, ordered and deduplicated message list of
// one conversation. Messages are sorted by CreatedAt then ID; an ID appears
// at most once.
type MessageStore struct {
	conversationID string
	now            func() time.Time

	mu       sync.RWMutex
	messages []Message

	listenersMu  sync.RWMutex
	listeners    map[int]StoreListener
	nextListener int
}

// NewMessageStore creates an empty store for conversationID.
func NewMessageStore(conversationID string) *MessageStore {
	return &MessageStore{
		conversationID: conversationID,
		now:            time.Now,
		listeners:      make(map[int]StoreListener),
	}
}

// ConversationID returns the conversation this store holds.
func (s *MessageStore) ConversationID() string { return s.conversationID }

func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ── Mutations ──────────────────────────────────────────────

// InsertOptimistic adds a local placeholder for a message that has not been
// confirmed yet. It gets a ClientID (if missing), a "local-" ID and the
// client clock as CreatedAt, which orders it until the server copy
// supersedes it.
func (s *MessageStore) InsertOptimistic(m Message) Message {
	if m.ClientID == "" {
		m.ClientID = uuid.NewString()
	}
	m.ID = localIDPrefix + m.ClientID
	m.Status = StatusPending
	m.ConversationID = s.conversationID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	m = m.clone()

	s.mu.Lock()
	s.removeAtLocked(s.indexOfLocked(m.ID))
	s.insertSortedLocked(m)
	s.mu.Unlock()

	s.notify(StoreEvent{Kind: StoreInserted, Message: m})
	return m
}

// Reconcile merges an authoritative server record. An entry with the same
// ID is fully overwritten; a placeholder with the same ClientID is
// superseded; otherwise the message is inserted in order. Applying the same
// record again leaves the store unchanged.
func (s *MessageStore) Reconcile(m Message) {
	if m.ID == "" {
		return
	}
	m.Status = StatusConfirmed
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	m = m.clone()

	s.mu.Lock()
	kind := StoreInserted
	if m.ClientID != "" {
		if i := s.indexOfPlaceholderLocked(m.ClientID); i >= 0 {
			s.removeAtLocked(i)
			kind = StoreUpdated
		}
	}
	if i := s.indexOfLocked(m.ID); i >= 0 {
		if m.ClientID == "" {
			m.ClientID = s.messages[i].ClientID
		}
		s.removeAtLocked(i)
		kind = StoreUpdated
	}
	s.insertSortedLocked(m)
	s.mu.Unlock()

	s.notify(StoreEvent{Kind: kind, Message: m})
}

// Remove deletes a message by ID. Only server-confirmed deletes go through
// here.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexOfLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	m := s.messages[i]
	s.removeAtLocked(i)
	s.mu.Unlock()

	s.notify(StoreEvent{Kind: StoreRemoved, Message: m})
	return true
}

// Discard drops the placeholder with the given ClientID, if any.
func (s *MessageStore) Discard(clientID string) bool {
	s.mu.Lock()
	i := s.indexOfPlaceholderLocked(clientID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	m := s.messages[i]
	s.removeAtLocked(i)
	s.mu.Unlock()

	s.notify(StoreEvent{Kind: StoreRemoved, Message: m})
	return true
}

// MergeOlderPage merges a backfilled page. IDs already present are kept as
// they are, since a realtime event may have delivered a newer copy. It
// returns how many messages were added.
func (s *MessageStore) MergeOlderPage(page []Message) int {
	s.mu.Lock()
	added := 0
	for _, m := range page {
		if m.ID == "" || s.indexOfLocked(m.ID) >= 0 {
			continue
		}
		if m.ClientID != "" && s.indexOfPlaceholderLocked(m.ClientID) >= 0 {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = s.conversationID
		}
		m.Status = StatusConfirmed
		s.insertSortedLocked(m.clone())
		added++
	}
	s.mu.Unlock()

	if added > 0 {
		s.notify(StoreEvent{Kind: StorePrepended, Count: added})
	}
	return added
}

// Consume applies channel events in the order they arrive until the
// channel closes or ctx is done.
func (s *MessageStore) Consume(ctx context.Context, events <-chan ChannelEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ev)
		}
	}
}

// Apply applies a single channel event. Events for other conversations are
// ignored.
func (s *MessageStore) Apply(ev ChannelEvent) {
	switch ev.Kind {
	case EventUpsert:
		if ev.Message == nil {
			return
		}
		if s.conversationID != "" && ev.Message.ConversationID != "" && ev.Message.ConversationID != s.conversationID {
			return
		}
		s.Reconcile(*ev.Message)
	case EventDelete:
		s.Remove(ev.RowID)
	}
}

// ── Reads ──────────────────────────────────────────────────

// Messages returns a snapshot in display order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].clone()
	}
	return out
}

func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOfLocked(id); i >= 0 {
		return s.messages[i].clone(), true
	}
	return Message{}, false
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Oldest returns the oldest server-confirmed message, the backfill cursor.
func (s *MessageStore) Oldest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.messages {
		if !s.messages[i].IsLocal() {
			return s.messages[i].clone(), true
		}
	}
	return Message{}, false
}

// ── Listeners ──────────────────────────────────────────────

// Subscribe registers l and returns a func that removes it.
func (s *MessageStore) Subscribe(l StoreListener) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *MessageStore) notify(ev StoreEvent) {
	s.listenersMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]StoreListener, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.listeners[id])
	}
	s.listenersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // listener panics must not break the store
			h(ev)
		}()
	}
}

// ── Internals (s.mu held) ──────────────────────────────────

func (s *MessageStore) indexOfLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) indexOfPlaceholderLocked(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ClientID == clientID && s.messages[i].IsLocal() {
			return i
		}
	}
	return -1
}

func (s *MessageStore) removeAtLocked(i int) {
	if i < 0 {
		return
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func (s *MessageStore) insertSortedLocked(m Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return messageLess(&m, &s.messages[i])
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}
