package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func WithEngineHTTPClient(hc *http.Client) EngineOption {
	return func(e *Engine) { e.httpClient = hc }
}

// WithConnectivity shares a Connectivity the host already feeds.
func WithConnectivity(c *Connectivity) EngineOption {
	return func(e *Engine) { e.Connectivity = c }
}

// WithSessionLost sets the callback fired when the user must sign in again.
func WithSessionLost(fn func(error)) EngineOption {
	return func(e *Engine) { e.onSessionLost = fn }
}

// Engine wires every component of a client together: the REST client, the
// session, the realtime socket, the inbox feed and foreground recovery.
type Engine struct {
	cfg           *Config
	log           *slog.Logger
	httpClient    *http.Client
	onSessionLost func(error)

	Connectivity *Connectivity
	Client       *Client
	Session      *SessionManager
	Transport    *RealtimeWSClient
	Inbox        *Inbox
	Reconnector  *VisibilityReconnector

	foreground     chan struct{}
	initialConnect atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	global  *ChannelSubscription
	unwatch []func()
	chats   map[string]*engineChat
}

type engineChat struct {
	chat    *Chat
	unwatch func()
}

// NewEngine builds an Engine from cfg. Nothing touches the network until
// Start or SignIn.
func NewEngine(cfg *Config, tokens TokenStore, opts ...EngineOption) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		cfg:        cfg,
		log:        slog.Default(),
		foreground: make(chan struct{}, 1),
		chats:      make(map[string]*engineChat),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.Connectivity == nil {
		e.Connectivity = NewConnectivity()
	}

	clientOpts := []ClientOption{
		WithBaseURL(cfg.BaseURL),
		WithLogger(e.log),
		WithTokenSource(func(ctx context.Context) (string, error) {
			return e.Session.AccessToken(ctx)
		}),
	}
	if e.httpClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(e.httpClient))
	}
	e.Client = NewClient(clientOpts...)

	sessOpts := cfg.SessionOptions()
	sessOpts.Logger = e.log
	sessOpts.Online = e.Connectivity.Online
	sessOpts.OnSessionLost = e.onSessionLost
	e.Session = NewSessionManager(tokens, e.Client.Auth, &sessOpts)

	rc := cfg.RealtimeConfig()
	rc.Logger = e.log
	e.Transport = e.Client.Realtime.ConnectWS(&rc)
	e.Session.AttachTransport(e.Transport)

	e.Inbox = NewInbox(e.Client.Conversations, e.Session.UserID, &InboxOptions{Logger: e.log})
	e.Reconnector = NewVisibilityReconnector(e.Session, e.Transport, &VisibilityOptions{
		Debounce: cfg.Realtime.ForegroundDebounce.D(),
		Logger:   e.log,
	})
	e.Transport.OnConnected(e.catchUp)
	e.Transport.OnDisconnected(func(reason string) {
		e.log.Info("realtime_connection_lost", "reason", reason)
	})
	e.Transport.OnError(func(p RealtimeErrorPayload) {
		if p.Topic != "" {
			e.Foreground()
		}
	})
	e.Connectivity.OnChange(func(online bool) {
		if online {
			e.Foreground()
		}
	})
	return e
}

// catchUp reloads the inbox after a reconnect; changes made while the
// socket was down never reach the global channel.
func (e *Engine) catchUp() {
	if e.initialConnect.CompareAndSwap(true, false) {
		// Start loads the inbox itself.
		return
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	timeout := e.cfg.Session.RefreshTimeout.D()
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Inbox.Load(ctx); err != nil {
		e.log.Warn("inbox_catch_up_failed", "error", err)
	}
}

// Config returns the engine's configuration.
func (e *Engine) Config() *Config { return e.cfg }

// SignIn signs in with credentials. Start still has to be called.
func (e *Engine) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return e.Session.SignIn(ctx, email, password)
}

// Start restores the session, connects the socket, subscribes to the global
// feed and starts foreground handling.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if _, ok := e.Session.Snapshot(); !ok {
		found, err := e.Session.Restore()
		if err != nil {
			return fmt.Errorf("restore session: %w", err)
		}
		if !found {
			return ErrUnauthenticated
		}
	}
	if !e.Session.EnsureValid(ctx, false) {
		return ErrUnauthenticated
	}
	token, err := e.Session.AccessToken(ctx)
	if err != nil {
		return err
	}
	e.Transport.SetAuth(token)
	e.initialConnect.Store(true)
	if err := e.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect realtime: %w", err)
	}

	if err := e.Inbox.Load(ctx); err != nil {
		e.log.Warn("inbox_load_failed", "error", err)
	}

	global, err := OpenChannel(ctx, e.Transport, e.Client.Messages, GlobalTopic, &ChannelOptions{Logger: e.log})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.started = true
	e.cancel = cancel
	e.global = global
	e.unwatch = append(e.unwatch, e.Reconnector.Watch(global))
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.Inbox.Run(runCtx, global.Events())
	}()
	go func() {
		defer e.wg.Done()
		e.Reconnector.Run(runCtx, e.foreground)
	}()

	e.log.Info("engine_started", "user_id", e.Session.UserID())
	return nil
}

// OpenChat opens a conversation and puts its channel under supervision. The
// conversation becomes the active one for unread counting.
func (e *Engine) OpenChat(ctx context.Context, conversationID string) (*Chat, error) {
	e.mu.Lock()
	if ec, ok := e.chats[conversationID]; ok {
		e.mu.Unlock()
		return ec.chat, nil
	}
	e.mu.Unlock()

	chat, err := OpenChat(ctx, conversationID, e.Transport, e.Client.Messages, e.Session, e.Session.UserID, &ChatOptions{
		PageSize: e.cfg.Chat.PageSize,
		Logger:   e.log,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if ec, ok := e.chats[conversationID]; ok {
		e.mu.Unlock()
		chat.Close()
		return ec.chat, nil
	}
	e.chats[conversationID] = &engineChat{chat: chat, unwatch: e.Reconnector.Watch(chat.Channel())}
	e.mu.Unlock()

	e.Inbox.SetActive(conversationID)
	return chat, nil
}

// CloseChat closes an open conversation.
func (e *Engine) CloseChat(conversationID string) {
	e.mu.Lock()
	ec, ok := e.chats[conversationID]
	delete(e.chats, conversationID)
	e.mu.Unlock()
	if !ok {
		return
	}
	ec.unwatch()
	ec.chat.Close()
	if e.Inbox.Active() == conversationID {
		e.Inbox.SetActive("")
	}
}

// Foreground signals that the app came back to the foreground. It never
// blocks; bursts collapse into one pass.
func (e *Engine) Foreground() {
	select {
	case e.foreground <- struct{}{}:
	default:
	}
}

// SignOut closes everything and clears the session.
func (e *Engine) SignOut() error {
	e.Close()
	return e.Session.SignOut()
}

// Close stops background work, closes every channel and the socket.
func (e *Engine) Close() {
	e.mu.Lock()
	chats := e.chats
	e.chats = make(map[string]*engineChat)
	global := e.global
	e.global = nil
	cancel := e.cancel
	e.cancel = nil
	unwatch := e.unwatch
	e.unwatch = nil
	e.started = false
	e.mu.Unlock()

	for _, ec := range chats {
		ec.unwatch()
		ec.chat.Close()
	}
	for _, fn := range unwatch {
		fn()
	}
	if global != nil {
		global.Close()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	if err := e.Transport.Disconnect(); err != nil {
		e.log.Debug("realtime_disconnect_failed", "error", err)
	}
}
