package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake backend: REST envelope API plus the realtime socket
// ============================================================================

var backendEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	messages  map[string]Message
	access    map[string]string // access token -> user id
	refresh   map[string]string // refresh token -> user id
	convs     []Conversation
	conns     map[*websocket.Conn]map[string]bool
	tokenSeq  int
	msgSeq    int
	ttl       time.Duration
	insertErr []int

	refreshCalls atomic.Int32
	insertCalls  atomic.Int32
	readCalls    atomic.Int32
	joins        chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:        t,
		messages: make(map[string]Message),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		conns:    make(map[*websocket.Conn]map[string]bool),
		ttl:      time.Hour,
		joins:    make(chan string, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/signin", b.handleSignIn)
	mux.HandleFunc("POST /api/auth/refresh", b.handleRefresh)
	mux.HandleFunc("POST /api/messages", b.authed(b.handleInsert))
	mux.HandleFunc("GET /api/messages", b.authed(b.handleByClientID))
	mux.HandleFunc("GET /api/messages/{id}", b.authed(b.handleGet))
	mux.HandleFunc("PATCH /api/messages/{id}", b.authed(b.handleUpdate))
	mux.HandleFunc("DELETE /api/messages/{id}", b.authed(b.handleDelete))
	mux.HandleFunc("POST /api/messages/{id}/reactions", b.authed(b.handleReact))
	mux.HandleFunc("POST /api/messages/{id}/pin", b.authed(b.handlePin))
	mux.HandleFunc("GET /api/conversations", b.authed(b.handleConversations))
	mux.HandleFunc("GET /api/conversations/{id}/messages", b.authed(b.handleHistory))
	mux.HandleFunc("POST /api/conversations/{id}/read", b.authed(b.handleRead))
	mux.HandleFunc("GET /realtime", b.handleRealtime)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.closeConns()
		b.srv.Close()
	})
	return b
}

func (b *fakeBackend) URL() string { return b.srv.URL }

// issue mints a session for userID.
func (b *fakeBackend) issue(userID string) Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenSeq++
	s := Session{
		AccessToken:  fmt.Sprintf("access-%d", b.tokenSeq),
		RefreshToken: fmt.Sprintf("refresh-%d", b.tokenSeq),
		ExpiresAt:    time.Now().Add(b.ttl).Unix(),
		UserID:       userID,
	}
	b.access[s.AccessToken] = userID
	b.refresh[s.RefreshToken] = userID
	return s
}

// revokeAccess makes every access token fail with 401.
func (b *fakeBackend) revokeAccess() {
	b.mu.Lock()
	b.access = make(map[string]string)
	b.mu.Unlock()
}

// failNextInserts makes the next inserts fail with the given statuses.
func (b *fakeBackend) failNextInserts(statuses ...int) {
	b.mu.Lock()
	b.insertErr = append(b.insertErr, statuses...)
	b.mu.Unlock()
}

func (b *fakeBackend) seed(msgs ...Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		b.messages[m.ID] = m
	}
}

func (b *fakeBackend) setConversations(convs ...Conversation) {
	b.mu.Lock()
	b.convs = convs
	b.mu.Unlock()
}

// put stores a new message from userID and broadcasts the insert.
func (b *fakeBackend) put(userID string, req InsertRequest) Message {
	b.mu.Lock()
	b.msgSeq++
	m := Message{
		ID:             fmt.Sprintf("m-%03d", b.msgSeq),
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		AuthorID:       userID,
		Author:         &Author{ID: userID, Username: userID},
		Content:        req.Content,
		Type:           req.Type,
		MediaURL:       req.MediaURL,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      backendEpoch.Add(time.Duration(b.msgSeq) * time.Minute),
	}
	b.messages[m.ID] = m
	b.mu.Unlock()

	b.broadcast(m.ConversationID, OpInsert, m.ID)
	return m
}

func (b *fakeBackend) closeConns() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*websocket.Conn]map[string]bool)
	b.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
}

// waitJoin blocks until topic is joined on some socket.
func (b *fakeBackend) waitJoin(topic string) {
	b.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-b.joins:
			if got == topic {
				return
			}
		case <-deadline:
			b.t.Fatalf("timed out waiting for join of %q", topic)
		}
	}
}

func (b *fakeBackend) broadcast(conversationID string, op ChangeOp, rowID string) {
	b.mu.Lock()
	type target struct {
		conn  *websocket.Conn
		topic string
	}
	var targets []target
	for c, topics := range b.conns {
		for _, topic := range []string{conversationID, GlobalTopic} {
			if topics[topic] {
				targets = append(targets, target{c, topic})
			}
		}
	}
	b.mu.Unlock()

	for _, tg := range targets {
		writeFrame(tg.conn, evChange, ChangeNotification{Topic: tg.topic, Op: op, Table: "messages", RowID: rowID})
	}
}

// ── HTTP helpers ─────────────────────────────────────────────

func writeOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: msg}})
}

type userKey struct{}

func (b *fakeBackend) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		user, ok := b.access[tok]
		b.mu.Unlock()
		if !ok {
			writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "JWT expired")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

// ── Handlers ─────────────────────────────────────────────────

func (b *fakeBackend) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct{ Email, Password string }
	json.NewDecoder(r.Body).Decode(&body)
	if body.Password != "secret" {
		writeErr(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "wrong email or password")
		return
	}
	writeOK(w, b.issue("u-"+strings.Split(body.Email, "@")[0]))
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	user, ok := b.refresh[body.RefreshToken]
	if ok {
		delete(b.refresh, body.RefreshToken)
	}
	b.mu.Unlock()
	if !ok {
		writeErr(w, http.StatusUnauthorized, "INVALID_REFRESH", "refresh token revoked")
		return
	}
	writeOK(w, b.issue(user))
}

func (b *fakeBackend) handleInsert(w http.ResponseWriter, r *http.Request) {
	b.insertCalls.Add(1)
	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	b.mu.Lock()
	var status int
	if len(b.insertErr) > 0 {
		status, b.insertErr = b.insertErr[0], b.insertErr[1:]
	}
	b.mu.Unlock()
	if status != 0 {
		writeErr(w, status, "INSERT_FAILED", http.StatusText(status))
		return
	}
	if _, dup := b.byClientID(req.ConversationID, req.ClientID); dup {
		writeErr(w, http.StatusConflict, "DUPLICATE", "duplicate clientId")
		return
	}
	writeOK(w, b.put(r.Context().Value(userKey{}).(string), req))
}

func (b *fakeBackend) byClientID(conversationID, clientID string) (Message, bool) {
	if clientID == "" {
		return Message{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if m.ConversationID == conversationID && m.ClientID == clientID {
			return m, true
		}
	}
	return Message{}, false
}

func (b *fakeBackend) handleByClientID(w http.ResponseWriter, r *http.Request) {
	m, ok := b.byClientID(r.URL.Query().Get("conversationId"), r.URL.Query().Get("clientId"))
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no such message")
		return
	}
	writeOK(w, m)
}

func (b *fakeBackend) handleGet(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	m, ok := b.messages[r.PathValue("id")]
	b.mu.Unlock()
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no such message")
		return
	}
	writeOK(w, m)
}

func (b *fakeBackend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	m, ok := b.messages[r.PathValue("id")]
	if ok {
		now := backendEpoch.Add(24 * time.Hour)
		m.Content = body.Content
		m.EditedAt = &now
		b.messages[m.ID] = m
	}
	b.mu.Unlock()
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no such message")
		return
	}
	b.broadcast(m.ConversationID, OpUpdate, m.ID)
	writeOK(w, m)
}

func (b *fakeBackend) handleDelete(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	m, ok := b.messages[r.PathValue("id")]
	delete(b.messages, m.ID)
	b.mu.Unlock()
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no such message")
		return
	}
	b.broadcast(m.ConversationID, OpDelete, m.ID)
	writeOK(w, nil)
}

func (b *fakeBackend) handleReact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emoji string `json:"emoji"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	user := r.Context().Value(userKey{}).(string)
	b.mu.Lock()
	m, ok := b.messages[r.PathValue("id")]
	if ok {
		m = m.clone()
		if m.Reactions == nil {
			m.Reactions = make(map[string]Reaction)
		}
		rc := m.Reactions[body.Emoji]
		rc.Count++
		rc.AuthorIDs = append(rc.AuthorIDs, user)
		m.Reactions[body.Emoji] = rc
		b.messages[m.ID] = m
	}
	b.mu.Unlock()
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no such message")
		return
	}
	writeOK(w, m)
}

func (b *fakeBackend) handlePin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pinned bool `json:"pinned"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	m, ok := b.messages[r.PathValue("id")]
	if ok {
		m.Pinned = body.Pinned
		b.messages[m.ID] = m
	}
	b.mu.Unlock()
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no such message")
		return
	}
	b.broadcast(m.ConversationID, OpUpdate, m.ID)
	writeOK(w, m)
}

func (b *fakeBackend) handleConversations(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	convs := append([]Conversation{}, b.convs...)
	b.mu.Unlock()
	writeOK(w, convs)
}

func (b *fakeBackend) handleRead(w http.ResponseWriter, r *http.Request) {
	b.readCalls.Add(1)
	writeOK(w, nil)
}

// handleHistory returns the newest `limit` messages strictly older than the
// (before, beforeId) cursor, oldest first.
func (b *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		before, _ = time.Parse(time.RFC3339Nano, v)
	}
	beforeID := r.URL.Query().Get("beforeId")

	b.mu.Lock()
	var all []Message
	for _, m := range b.messages {
		if m.ConversationID != conv {
			continue
		}
		if !before.IsZero() {
			cursor := Message{ID: beforeID, CreatedAt: before}
			if !messageLess(&m, &cursor) {
				continue
			}
		}
		all = append(all, m)
	}
	b.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return messageLess(&all[i], &all[j]) })
	hasMore := len(all) > limit
	if hasMore {
		all = all[len(all)-limit:]
	}
	writeOK(w, Page{Messages: all, HasMore: hasMore})
}

// ── Realtime ─────────────────────────────────────────────────

func writeFrame(c *websocket.Conn, typ string, payload any) error {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(RealtimeEnvelope{Type: typ, Payload: raw})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

func (b *fakeBackend) handleRealtime(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	b.mu.Lock()
	user, ok := b.access[tok]
	b.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if !ok {
		writeFrame(c, evError, RealtimeErrorPayload{Message: "JWT expired"})
		c.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	b.mu.Lock()
	b.conns[c] = make(map[string]bool)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
	}()

	writeFrame(c, evAuthenticated, AuthenticatedPayload{UserID: user})

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type      string            `json:"type"`
			Payload   map[string]string `json:"payload"`
			RequestID string            `json:"requestId"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		switch cmd.Type {
		case cmdJoin:
			topic := cmd.Payload["topic"]
			b.mu.Lock()
			if topics, ok := b.conns[c]; ok {
				topics[topic] = true
			}
			b.mu.Unlock()
			writeFrame(c, evChannelStatus, ChannelStatusPayload{Topic: topic, State: JoinJoined})
			select {
			case b.joins <- topic:
			default:
			}
		case cmdLeave:
			b.mu.Lock()
			if topics, ok := b.conns[c]; ok {
				delete(topics, cmd.Payload["topic"])
			}
			b.mu.Unlock()
		case cmdPing:
			writeFrame(c, evPong, PongPayload{RequestID: cmd.RequestID})
		}
	}
}
