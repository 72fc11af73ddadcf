package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MessageInserter is the remote insert operation plus the lookup used to
// resolve a duplicate insert. *MessagesClient implements it.
type MessageInserter interface {
	Insert(ctx context.Context, req InsertRequest) (*Message, error)
	ByClientID(ctx context.Context, conversationID, clientID string) (*Message, error)
}

// SessionRefresher is the single-flight refresh. *SessionManager
// implements it.
type SessionRefresher interface {
	RefreshLocked(ctx context.Context) (*Session, error)
}

// SendRequest is what the UI hands to Send.
type SendRequest struct {
	Content  string
	Type     MessageType
	MediaURL string
	ReplyTo  string
}

// SendState is the state of one send attempt:
//
//	Composing -> Sending -> Confirmed
//	                     -> AuthRetry -> Resending -> Confirmed | Failed
//	                     -> Failed
type SendState string

const (
	SendComposing SendState = "composing"
	SendSending   SendState = "sending"
	SendAuthRetry SendState = "auth_retry"
	SendResending SendState = "resending"
	SendConfirmed SendState = "confirmed"
	SendFailed    SendState = "failed"
)

// SendOptions tunes a SendPipeline.
type SendOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
	// OnState observes state transitions, keyed by the placeholder's
	// ClientID.
	OnState func(clientID string, state SendState)
}

// SendPipeline performs optimistic sends for one conversation. It is the
// only component that creates PendingSend entries. Expected failures (auth,
// network) end up in the failed list instead of being returned as errors.
type SendPipeline struct {
	conversationID string
	authorID       func() string
	store          *MessageStore
	api            MessageInserter
	session        SessionRefresher
	log            *slog.Logger
	now            func() time.Time
	onState        func(string, SendState)

	mu      sync.Mutex
	pending map[string]*PendingSend
	failed  []FailedMessage
}

// NewSendPipeline wires a pipeline. authorID is read at send time so a
// sign-in after construction is picked up.
func NewSendPipeline(store *MessageStore, api MessageInserter, session SessionRefresher, authorID func() string, opts *SendOptions) *SendPipeline {
	p := &SendPipeline{
		conversationID: store.ConversationID(),
		authorID:       authorID,
		store:          store,
		api:            api,
		session:        session,
		log:            slog.Default(),
		now:            time.Now,
		pending:        make(map[string]*PendingSend),
	}
	if opts != nil {
		if opts.Logger != nil {
			p.log = opts.Logger
		}
		if opts.Now != nil {
			p.now = opts.Now
		}
		p.onState = opts.OnState
	}
	p.log = p.log.With("component", "send", "conversation_id", p.conversationID)
	return p
}

// Send validates, inserts optimistically and sends. It returns the
// confirmed message, or the FailedMessage on terminal failure. Empty
// requests are a no-op and return (nil, nil).
func (p *SendPipeline) Send(ctx context.Context, req SendRequest) (*Message, *FailedMessage) {
	return p.send(ctx, req, "", 0)
}

func (p *SendPipeline) send(ctx context.Context, req SendRequest, failedID string, attempts int) (*Message, *FailedMessage) {
	if strings.TrimSpace(req.Content) == "" && req.MediaURL == "" {
		return nil, nil
	}
	if req.Type == "" {
		req.Type = TypeText
	}

	placeholder := p.store.InsertOptimistic(Message{
		AuthorID: p.authorID(),
		Content:  req.Content,
		Type:     req.Type,
		MediaURL: req.MediaURL,
		ReplyTo:  req.ReplyTo,
	})
	ps := &PendingSend{Message: placeholder, Status: StatusPending}
	p.mu.Lock()
	p.pending[placeholder.ClientID] = ps
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, placeholder.ClientID)
		p.mu.Unlock()
	}()

	msg, err := p.attempt(ctx, ps)
	if err == nil {
		ps.Status = StatusConfirmed
		p.transition(ps, SendConfirmed)
		return msg, nil
	}

	ps.Status = StatusFailed
	p.transition(ps, SendFailed)
	p.store.Discard(placeholder.ClientID)

	if failedID == "" {
		failedID = placeholder.ClientID
	}
	f := FailedMessage{
		ID:             failedID,
		ConversationID: p.conversationID,
		Content:        req.Content,
		Type:           req.Type,
		MediaURL:       req.MediaURL,
		ReplyTo:        req.ReplyTo,
		Reason:         err.Error(),
		Kind:           ClassifyError(err),
		Attempts:       attempts + 1,
		FailedAt:       p.now().UTC(),
	}
	p.mu.Lock()
	p.failed = append(p.failed, f)
	p.mu.Unlock()

	p.log.Warn("send_failed", "client_id", placeholder.ClientID, "kind", f.Kind, "error", err)
	return nil, &f
}

func (p *SendPipeline) attempt(ctx context.Context, ps *PendingSend) (*Message, error) {
	req := InsertRequest{
		ConversationID: p.conversationID,
		AuthorID:       ps.Message.AuthorID,
		ClientID:       ps.Message.ClientID,
		Content:        ps.Message.Content,
		Type:           ps.Message.Type,
		MediaURL:       ps.Message.MediaURL,
		ReplyTo:        ps.Message.ReplyTo,
	}

	p.transition(ps, SendSending)
	m, err := p.api.Insert(ctx, req)
	if err == nil {
		return p.confirm(ps, m), nil
	}

	switch ClassifyError(err) {
	case KindConflict:
		return p.resolveConflict(ctx, ps, err)

	case KindAuth:
		if ps.Retries >= 1 {
			return nil, err
		}
		ps.Retries++
		p.transition(ps, SendAuthRetry)
		if _, rerr := p.session.RefreshLocked(ctx); rerr != nil {
			return nil, fmt.Errorf("refresh before retry: %w", errors.Join(rerr, err))
		}

		p.transition(ps, SendResending)
		m, err = p.api.Insert(ctx, req)
		if err != nil {
			return nil, err
		}
		return p.confirm(ps, m), nil
	}
	return nil, err
}

// resolveConflict confirms a send whose row already exists on the server.
func (p *SendPipeline) resolveConflict(ctx context.Context, ps *PendingSend, conflict error) (*Message, error) {
	p.log.Info("send_conflict", "client_id", ps.Message.ClientID)
	m, err := p.api.ByClientID(ctx, p.conversationID, ps.Message.ClientID)
	if err != nil {
		return nil, fmt.Errorf("resolve duplicate %s: %w", ps.Message.ClientID, errors.Join(err, conflict))
	}
	return p.confirm(ps, m), nil
}

func (p *SendPipeline) confirm(ps *PendingSend, m *Message) *Message {
	if m.ClientID == "" {
		m.ClientID = ps.Message.ClientID
	}
	if m.ConversationID == "" {
		m.ConversationID = p.conversationID
	}
	p.store.Reconcile(*m)
	if stored, ok := p.store.Get(m.ID); ok {
		return &stored
	}
	return m
}

func (p *SendPipeline) transition(ps *PendingSend, st SendState) {
	if p.onState != nil {
		p.onState(ps.Message.ClientID, st)
	}
}

// Pending returns the sends currently in flight.
func (p *SendPipeline) Pending() []PendingSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingSend, 0, len(p.pending))
	for _, ps := range p.pending {
		out = append(out, *ps)
	}
	return out
}

// Failed returns the failed sends, oldest first.
func (p *SendPipeline) Failed() []FailedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FailedMessage(nil), p.failed...)
}

// Resend retries a failed message. On success the failed entry is cleared;
// on failure it is replaced under the same ID.
func (p *SendPipeline) Resend(ctx context.Context, id string) (*Message, *FailedMessage, error) {
	f, ok := p.takeFailed(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no failed message %q", ErrValidation, id)
	}
	m, nf := p.send(ctx, SendRequest{
		Content:  f.Content,
		Type:     f.Type,
		MediaURL: f.MediaURL,
		ReplyTo:  f.ReplyTo,
	}, f.ID, f.Attempts)
	return m, nf, nil
}

// DropFailed discards a failed message without resending.
func (p *SendPipeline) DropFailed(id string) bool {
	_, ok := p.takeFailed(id)
	return ok
}

func (p *SendPipeline) takeFailed(id string) (FailedMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.failed {
		if f.ID == id {
			p.failed = append(p.failed[:i], p.failed[i+1:]...)
			return f, true
		}
	}
	return FailedMessage{}, false
}
