// Package chatsync keeps a local view of chat messages in sync with a
// realtime backend while the user's session expires, refreshes, or goes
// stale in the background.
//
// The pieces compose bottom-up:
//
//	tokens, _ := chatsync.OpenPebbleTokenStore(dir)
//	engine := chatsync.NewEngine(cfg, tokens)
//	defer engine.Close()
//	_ = engine.Start(ctx)
//	chat, _ := engine.OpenChat(ctx, "conv-123")
//	chat.Subscribe(func(ev chatsync.StoreEvent) { render(chat.Messages()) })
//	chat.Send(ctx, chatsync.SendRequest{Content: "hello"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://chat.example.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// TokenSource yields the access token for authenticated requests.
type TokenSource func(ctx context.Context) (string, error)

// Client is the REST client for the chat backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger

	Auth          *AuthClient
	Messages      *MessagesClient
	Conversations *ConversationsClient
	Realtime      *RealtimeFactory
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource sets where authenticated requests get their bearer token.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Realtime = &RealtimeFactory{c: c}
	return c
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, authed bool) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.tokens == nil {
			return nil, ErrUnauthenticated
		}
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, path, err)
	}

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 || !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		c.logger.Debug("api_error", "method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
		return nil, apiErr
	}
	return &result, nil
}

func decodeData[T any](r *Result) (*T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return &v, nil
}

// ============================================================================
// Sub-clients
// ============================================================================

// AuthClient handles sign-in and token refresh. Neither call carries the
// current access token.
type AuthClient struct{ c *Client }

func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	r, err := a.c.do(ctx, http.MethodPost, "/api/auth/signin", map[string]string{
		"email": email, "password": password,
	}, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeData[Session](r)
}

// Refresh exchanges a refresh token for a new session.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	r, err := a.c.do(ctx, http.MethodPost, "/api/auth/refresh", map[string]string{
		"refreshToken": refreshToken,
	}, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeData[Session](r)
}

// MessagesClient handles message rows.
type MessagesClient struct{ c *Client }

// Insert creates a message and returns the full joined record.
func (m *MessagesClient) Insert(ctx context.Context, req InsertRequest) (*Message, error) {
	r, err := m.c.do(ctx, http.MethodPost, "/api/messages", req, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](r)
}

// Get fetches the full joined record for one message.
func (m *MessagesClient) Get(ctx context.Context, id string) (*Message, error) {
	r, err := m.c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](r)
}

// ByClientID looks up the row created from a client-generated id.
func (m *MessagesClient) ByClientID(ctx context.Context, conversationID, clientID string) (*Message, error) {
	query := url.Values{}
	query.Set("conversationId", conversationID)
	query.Set("clientId", clientID)
	r, err := m.c.do(ctx, http.MethodGet, "/api/messages", nil, query, true)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](r)
}

// Update edits the content of a message.
func (m *MessagesClient) Update(ctx context.Context, id, content string) (*Message, error) {
	r, err := m.c.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(id),
		map[string]string{"content": content}, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](r)
}

func (m *MessagesClient) Delete(ctx context.Context, id string) error {
	_, err := m.c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, nil, true)
	return err
}

// React toggles the caller's reaction and returns the updated record.
func (m *MessagesClient) React(ctx context.Context, id, emoji string) (*Message, error) {
	r, err := m.c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(id)+"/reactions",
		map[string]string{"emoji": emoji}, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](r)
}

func (m *MessagesClient) Pin(ctx context.Context, id string, pinned bool) (*Message, error) {
	r, err := m.c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(id)+"/pin",
		map[string]bool{"pinned": pinned}, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](r)
}

// History returns messages older than the query cursor, oldest first.
func (m *MessagesClient) History(ctx context.Context, conversationID string, q HistoryQuery) (*Page, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Before.IsZero() {
		query.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
	}
	if q.BeforeID != "" {
		query.Set("beforeId", q.BeforeID)
	}
	r, err := m.c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query, true)
	if err != nil {
		return nil, err
	}
	return decodeData[Page](r)
}

// ConversationsClient handles direct conversations.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	r, err := cv.c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, true)
	if err != nil {
		return nil, err
	}
	list, err := decodeData[[]Conversation](r)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cv.c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, true)
	return err
}

// RealtimeFactory builds realtime clients against the same backend.
type RealtimeFactory struct{ c *Client }

// WSURL returns the websocket endpoint for token.
func (r *RealtimeFactory) WSURL(token string) string {
	base := strings.Replace(r.c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/realtime?token=" + url.QueryEscape(token)
	}
	return base + "/realtime"
}

// ConnectWS creates a websocket realtime client. Call Connect to dial.
func (r *RealtimeFactory) ConnectWS(config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = r.c.logger
	}
	return newRealtimeWSClient(r.WSURL, &cfg)
}
