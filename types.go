package chatsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeCommand MessageType = "command"
	TypeImage   MessageType = "image"
	TypeAudio   MessageType = "audio"
	TypeFile    MessageType = "file"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeCommand, TypeImage, TypeAudio, TypeFile:
		return true
	}
	return false
}

// MessageStatus tracks where a message is in its send lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Reaction aggregates one emoji on a message.
type Reaction struct {
	Count     int      `json:"count"`
	AuthorIDs []string `json:"authorIds"`
}

// Author is the joined profile returned with a full message record.
type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is one chat message. Messages within a conversation are ordered
// by CreatedAt, ties broken by ID.
type Message struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"clientId,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	AuthorID       string              `json:"authorId"`
	Author         *Author             `json:"author,omitempty"`
	Content        string              `json:"content"`
	Type           MessageType         `json:"type"`
	MediaURL       string              `json:"mediaUrl,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	EditedAt       *time.Time          `json:"editedAt,omitempty"`
	Reactions      map[string]Reaction `json:"reactions,omitempty"`
	Pinned         bool                `json:"pinned"`
	ReplyTo        string              `json:"replyTo,omitempty"`
	Status         MessageStatus       `json:"-"`
}

const localIDPrefix = "local-"

// IsLocal reports whether the message is an optimistic placeholder that has
// not been confirmed by the server yet.
func (m *Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

func (m Message) clone() Message {
	if m.Reactions != nil {
		r := make(map[string]Reaction, len(m.Reactions))
		for k, v := range m.Reactions {
			v.AuthorIDs = append([]string(nil), v.AuthorIDs...)
			r[k] = v
		}
		m.Reactions = r
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	if m.Author != nil {
		a := *m.Author
		m.Author = &a
	}
	return m
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a direct conversation between exactly two participants.
type Conversation struct {
	ID             string   `json:"id"`
	ParticipantIDs []string `json:"participantIds"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
	UnreadCount    int      `json:"unreadCount"`
}

// ============================================================================
// Session
// ============================================================================

// Session is the persisted auth record. ExpiresAt is in epoch seconds.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	UserID       string `json:"userId"`
}

// ExpiresIn returns the time left before the access token expires.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	return time.Unix(s.ExpiresAt, 0).Sub(now)
}

// Expiry returns ExpiresAt as a time.Time.
func (s *Session) Expiry() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// ============================================================================
// Sends
// ============================================================================

// PendingSend is an optimistic message while its insert is in flight.
type PendingSend struct {
	Message Message
	Status  MessageStatus
	Retries int
}

// FailedMessage is a send that terminally failed. It keeps everything needed
// to resend it manually.
type FailedMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	Reason         string      `json:"reason"`
	Kind           ErrorKind   `json:"kind"`
	Attempts       int         `json:"attempts"`
	FailedAt       time.Time   `json:"failedAt"`
}

// ============================================================================
// Realtime channels
// ============================================================================

// GlobalTopic is the topic of the feed that carries every conversation the
// user participates in.
const GlobalTopic = "global"

// JoinState is the lifecycle state of a channel subscription.
type JoinState string

const (
	JoinJoining JoinState = "joining"
	JoinJoined  JoinState = "joined"
	JoinClosed  JoinState = "closed"
	JoinErrored JoinState = "errored"
)

// ChannelState describes one subscription. It is owned by the
// ChannelSubscription; everyone else gets copies.
type ChannelState struct {
	Topic       string
	JoinState   JoinState
	LastEventAt time.Time
}

// ChangeOp is the row-level operation carried by a change notification.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeNotification is the raw push from the realtime backend. It only
// identifies the row; the full record has to be fetched.
type ChangeNotification struct {
	Topic string   `json:"topic"`
	Op    ChangeOp `json:"op"`
	Table string   `json:"table"`
	RowID string   `json:"rowId"`
}

// ============================================================================
// API envelope
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Page is one page of message history, oldest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// HistoryQuery selects a page of history strictly older than Before.
type HistoryQuery struct {
	Before   time.Time
	BeforeID string
	Limit    int
}

// InsertRequest is the body of the remote insert operation.
type InsertRequest struct {
	ConversationID string      `json:"conversationId,omitempty"`
	AuthorID       string      `json:"authorId"`
	ClientID       string      `json:"clientId,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
}
