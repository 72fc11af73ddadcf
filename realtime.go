package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// RealtimeEnvelope is the wire format for server-to-client events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame the server sends after dial.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// ChannelStatusPayload reports the join state of one topic.
type ChannelStatusPayload struct {
	Topic  string    `json:"topic"`
	State  JoinState `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message"`
}

const (
	evAuthenticated = "authenticated"
	evChannelStatus = "channel.status"
	evChange        = "change"
	evPong          = "pong"
	evError         = "error"

	cmdJoin  = "channel.join"
	cmdLeave = "channel.leave"
	cmdPing  = "ping"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the socket state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// TopicHandler receives the events of one joined topic. Both callbacks run
// on the socket's read goroutine and must not block.
type TopicHandler struct {
	Change func(ChangeNotification)
	Status func(JoinState)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

type topicBinding struct {
	id      uint64
	topic   string
	handler TopicHandler
}

// RealtimeWSClient is a websocket client that multiplexes topic
// subscriptions over one socket, with heartbeat and auto-reconnect.
// Registered topics are rejoined after every (re)connect.
type RealtimeWSClient struct {
	urlFor func(token string) string
	config *RealtimeConfig
	log    *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	gen              uint64
	state            RealtimeState
	token            string
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
	bindings         map[string][]*topicBinding
	nextBinding      uint64

	connectMu sync.Mutex

	pingCounter  atomic.Uint64
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload

	hooksMu        sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onError        []func(RealtimeErrorPayload)
}

func newRealtimeWSClient(urlFor func(string) string, config *RealtimeConfig) *RealtimeWSClient {
	config.defaults()
	return &RealtimeWSClient{
		urlFor:       urlFor,
		config:       config,
		log:          config.Logger.With("component", "realtime"),
		state:        StateDisconnected,
		token:        config.Token,
		recon:        newReconnector(config),
		bindings:     make(map[string][]*topicBinding),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.hooksMu.Lock()
	ws.onConnected = append(ws.onConnected, h)
	ws.hooksMu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(reason string)) {
	ws.hooksMu.Lock()
	ws.onDisconnected = append(ws.onDisconnected, h)
	ws.hooksMu.Unlock()
}

// OnError registers a handler for server error frames.
func (ws *RealtimeWSClient) OnError(h func(RealtimeErrorPayload)) {
	ws.hooksMu.Lock()
	ws.onError = append(ws.onError, h)
	ws.hooksMu.Unlock()
}

// State returns the current socket state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connected reports whether the socket is up.
func (ws *RealtimeWSClient) Connected() bool {
	return ws.State() == StateConnected
}

// SetAuth replaces the token used for the next dial. It reports whether the
// token changed; a connected socket keeps using the old token until
// Reconnect is called.
func (ws *RealtimeWSClient) SetAuth(token string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.token == token {
		return false
	}
	ws.token = token
	return true
}

// Connect dials the socket and waits for the authenticated frame.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.connectMu.Lock()
	defer ws.connectMu.Unlock()
	return ws.connectLocked(ctx)
}

func (ws *RealtimeWSClient) connectLocked(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	token := ws.token
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.urlFor(token), nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("%w: websocket dial: %w", ErrNetwork, err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("%w: read auth frame: %w", ErrNetwork, err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != evAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		ws.setState(StateDisconnected)
		if env.Type == evError {
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return &APIError{Status: 401, Code: "REALTIME_AUTH", Message: p.Message}
		}
		return fmt.Errorf("expected %q, got %q", evAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.gen++
	gen := ws.gen
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	topics := make([]string, 0, len(ws.bindings))
	for topic := range ws.bindings {
		topics = append(topics, topic)
	}
	ws.recon.markConnected()
	ws.mu.Unlock()

	ws.log.Info("realtime_connected", "topics", len(topics))

	go ws.readLoop(connCtx, conn, gen)
	go ws.heartbeatLoop(connCtx, gen)

	for _, topic := range topics {
		if err := ws.sendJoin(ctx, topic); err != nil {
			ws.log.Warn("rejoin_failed", "topic", topic, "error", err)
		}
	}

	ws.emitConnected()
	return nil
}

// Disconnect closes the socket and disables auto-reconnect until the next
// Connect.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	conn := ws.detachLocked()
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.notifyAll(JoinClosed)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Reconnect drops the current socket, if any, and dials again with the
// latest token.
func (ws *RealtimeWSClient) Reconnect(ctx context.Context) error {
	ws.connectMu.Lock()
	defer ws.connectMu.Unlock()

	ws.mu.Lock()
	conn := ws.detachLocked()
	ws.recon.reset()
	ws.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "reconnect")
	}
	ws.clearPendingPings()
	ws.notifyAll(JoinJoining)
	if err := ws.connectLocked(ctx); err != nil {
		ws.notifyAll(JoinClosed)
		return err
	}
	return nil
}

// detachLocked must be called with ws.mu held.
func (ws *RealtimeWSClient) detachLocked() *websocket.Conn {
	ws.gen++
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	return conn
}

// Join subscribes h to topic. If the socket is down the join is sent on the
// next connect. The returned leave func is idempotent.
func (ws *RealtimeWSClient) Join(ctx context.Context, topic string, h TopicHandler) (func(), error) {
	ws.mu.Lock()
	ws.nextBinding++
	b := &topicBinding{id: ws.nextBinding, topic: topic, handler: h}
	first := len(ws.bindings[topic]) == 0
	ws.bindings[topic] = append(ws.bindings[topic], b)
	connected := ws.state == StateConnected
	ws.mu.Unlock()

	var once sync.Once
	leave := func() { once.Do(func() { ws.leave(b) }) }

	if h.Status != nil {
		h.Status(JoinJoining)
	}
	if !connected || !first {
		if connected && h.Status != nil {
			h.Status(JoinJoined)
		}
		return leave, nil
	}
	if err := ws.sendJoin(ctx, topic); err != nil {
		leave()
		return nil, err
	}
	return leave, nil
}

func (ws *RealtimeWSClient) leave(b *topicBinding) {
	ws.mu.Lock()
	list := ws.bindings[b.topic]
	for i, x := range list {
		if x.id == b.id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(ws.bindings, b.topic)
	} else {
		ws.bindings[b.topic] = list
	}
	connected := ws.state == StateConnected
	ws.mu.Unlock()

	if last && connected {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ws.Send(ctx, &RealtimeCommand{Type: cmdLeave, Payload: map[string]string{"topic": b.topic}}); err != nil {
			ws.log.Debug("leave_failed", "topic", b.topic, "error", err)
		}
	}
}

func (ws *RealtimeWSClient) sendJoin(ctx context.Context, topic string) error {
	return ws.Send(ctx, &RealtimeCommand{Type: cmdJoin, Payload: map[string]string{"topic": topic}})
}

// Send writes a raw command to the socket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrNetwork, cmd.Type, err)
	}
	return nil
}

// Ping sends a ping and waits for the pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      cmdPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(ws.config.PingTimeout)
	defer timer.Stop()

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("%w: ping", ErrTimeout)
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			stale := ws.gen != gen
			intentional := ws.intentionalClose
			if !stale {
				ws.detachLocked()
			}
			ws.mu.Unlock()
			if stale || intentional {
				return
			}

			ws.log.Warn("realtime_disconnected", "error", err)
			ws.clearPendingPings()
			ws.notifyAll(JoinClosed)
			ws.emitDisconnected(err.Error())

			if ws.config.AutoReconnect {
				go ws.reconnectLoop()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatch(env)
	}
}

func (ws *RealtimeWSClient) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case evChange:
		var n ChangeNotification
		if json.Unmarshal(env.Payload, &n) != nil {
			return
		}
		for _, b := range ws.bindingsFor(n.Topic) {
			if b.handler.Change != nil {
				b.handler.Change(n)
			}
		}

	case evChannelStatus:
		var p ChannelStatusPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if p.Reason != "" {
			ws.log.Debug("channel_status", "topic", p.Topic, "state", p.State, "reason", p.Reason)
		}
		for _, b := range ws.bindingsFor(p.Topic) {
			if b.handler.Status != nil {
				b.handler.Status(p.State)
			}
		}

	case evPong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.RequestID == "" {
			return
		}
		ws.pendingMu.Lock()
		ch, ok := ws.pendingPings[p.RequestID]
		if ok {
			delete(ws.pendingPings, p.RequestID)
		}
		ws.pendingMu.Unlock()
		if ok {
			ch <- p
		}

	case evError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		ws.log.Warn("realtime_server_error", "topic", p.Topic, "message", p.Message)
		if p.Topic != "" {
			for _, b := range ws.bindingsFor(p.Topic) {
				if b.handler.Status != nil {
					b.handler.Status(JoinErrored)
				}
			}
		}
		ws.hooksMu.RLock()
		hooks := append([]func(RealtimeErrorPayload){}, ws.onError...)
		ws.hooksMu.RUnlock()
		for _, h := range hooks {
			h(p)
		}
	}
}

func (ws *RealtimeWSClient) bindingsFor(topic string) []*topicBinding {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]*topicBinding(nil), ws.bindings[topic]...)
}

func (ws *RealtimeWSClient) notifyAll(state JoinState) {
	ws.mu.Lock()
	var all []*topicBinding
	for _, list := range ws.bindings {
		all = append(all, list...)
	}
	ws.mu.Unlock()
	for _, b := range all {
		if b.handler.Status != nil {
			b.handler.Status(state)
		}
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ws.Ping(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				ws.mu.Lock()
				conn := ws.conn
				current := ws.gen == gen
				ws.mu.Unlock()
				if current && conn != nil {
					ws.log.Warn("heartbeat_failed", "error", err)
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) reconnectLoop() {
	for {
		ws.mu.Lock()
		if ws.intentionalClose || ws.state == StateConnected || !ws.recon.shouldReconnect() {
			ws.mu.Unlock()
			return
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.log.Info("realtime_reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Warn("realtime_reconnect_failed", "attempt", attempt, "error", err)
	}
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

func (ws *RealtimeWSClient) emitConnected() {
	ws.hooksMu.RLock()
	hooks := append([]func(){}, ws.onConnected...)
	ws.hooksMu.RUnlock()
	for _, h := range hooks {
		go h()
	}
}

func (ws *RealtimeWSClient) emitDisconnected(reason string) {
	ws.hooksMu.RLock()
	hooks := append([]func(string){}, ws.onDisconnected...)
	ws.hooksMu.RUnlock()
	for _, h := range hooks {
		go h(reason)
	}
}
