package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// topicRecorder captures what a TopicHandler receives.
type topicRecorder struct {
	changes chan ChangeNotification
	states  chan JoinState
}

func newTopicRecorder() *topicRecorder {
	return &topicRecorder{
		changes: make(chan ChangeNotification, 16),
		states:  make(chan JoinState, 16),
	}
}

func (r *topicRecorder) handler() TopicHandler {
	return TopicHandler{
		Change: func(n ChangeNotification) { r.changes <- n },
		Status: func(s JoinState) { r.states <- s },
	}
}

func (r *topicRecorder) waitState(t *testing.T, want JoinState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for join state %q", want)
		}
	}
}

func (r *topicRecorder) nextChange(t *testing.T) ChangeNotification {
	t.Helper()
	select {
	case n := <-r.changes:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
		return ChangeNotification{}
	}
}

func (b *fakeBackend) topicJoined(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topics := range b.conns {
		if topics[topic] {
			return true
		}
	}
	return false
}

// topicError sends a server error frame for topic to every socket that
// joined it.
func (b *fakeBackend) topicError(topic, msg string) {
	b.mu.Lock()
	var conns []*websocket.Conn
	for c, topics := range b.conns {
		if topics[topic] {
			conns = append(conns, c)
		}
	}
	b.mu.Unlock()
	for _, c := range conns {
		writeFrame(c, evError, RealtimeErrorPayload{Topic: topic, Message: msg})
	}
}

func newTestRealtime(t *testing.T, b *fakeBackend, token string, cfg *RealtimeConfig) *RealtimeWSClient {
	t.Helper()
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	cfg.Token = token
	ws := NewClient(WithBaseURL(b.URL())).Realtime.ConnectWS(cfg)
	t.Cleanup(func() { ws.Disconnect() })
	return ws
}

// ============================================================================
// Connect and join
// ============================================================================

func TestRealtimeConnectJoinAndDispatch(t *testing.T) {
	b := newFakeBackend(t)
	s := b.issue("u1")
	ws := newTestRealtime(t, b, s.AccessToken, nil)

	require.NoError(t, ws.Connect(context.Background()))
	assert.True(t, ws.Connected())

	rec := newTopicRecorder()
	_, err := ws.Join(context.Background(), "c1", rec.handler())
	require.NoError(t, err)
	rec.waitState(t, JoinJoined)
	b.waitJoin("c1")

	m := b.put("u2", InsertRequest{ConversationID: "c1", Content: "hi", Type: TypeText})
	n := rec.nextChange(t)
	assert.Equal(t, "c1", n.Topic)
	assert.Equal(t, OpInsert, n.Op)
	assert.Equal(t, m.ID, n.RowID)
}

func TestRealtimeJoinBeforeConnect(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, b.issue("u1").AccessToken, nil)

	rec := newTopicRecorder()
	_, err := ws.Join(context.Background(), "c1", rec.handler())
	require.NoError(t, err)
	assert.Equal(t, JoinJoining, <-rec.states)

	require.NoError(t, ws.Connect(context.Background()))
	b.waitJoin("c1")
	rec.waitState(t, JoinJoined)
}

func TestRealtimePing(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, b.issue("u1").AccessToken, nil)
	require.NoError(t, ws.Connect(context.Background()))

	pong, err := ws.Ping(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, pong.RequestID)
}

func TestRealtimeRejectsBadToken(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, "bogus", nil)

	err := ws.Connect(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.Status)
	assert.Equal(t, KindAuth, ClassifyError(err))
	assert.Equal(t, StateDisconnected, ws.State())
}

// ============================================================================
// Reconnect
// ============================================================================

func TestRealtimeReconnectWithNewToken(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, b.issue("u1").AccessToken, nil)
	require.NoError(t, ws.Connect(context.Background()))

	rec := newTopicRecorder()
	_, err := ws.Join(context.Background(), "c1", rec.handler())
	require.NoError(t, err)
	b.waitJoin("c1")

	// The old token dies; only a reconnect with the new one works.
	next := b.issue("u1")
	b.revokeAccess()
	b.mu.Lock()
	b.access[next.AccessToken] = "u1"
	b.mu.Unlock()

	assert.True(t, ws.SetAuth(next.AccessToken))
	assert.False(t, ws.SetAuth(next.AccessToken))
	require.NoError(t, ws.Reconnect(context.Background()))
	b.waitJoin("c1")
	rec.waitState(t, JoinJoined)

	m := b.put("u2", InsertRequest{ConversationID: "c1", Content: "after"})
	assert.Equal(t, m.ID, rec.nextChange(t).RowID)
}

func TestRealtimeReconnectFailureClosesTopics(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, b.issue("u1").AccessToken, nil)
	require.NoError(t, ws.Connect(context.Background()))

	rec := newTopicRecorder()
	_, err := ws.Join(context.Background(), "c1", rec.handler())
	require.NoError(t, err)
	rec.waitState(t, JoinJoined)

	b.revokeAccess()
	require.Error(t, ws.Reconnect(context.Background()))
	rec.waitState(t, JoinClosed)
	assert.False(t, ws.Connected())
}

func TestRealtimeAutoReconnect(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, b.issue("u1").AccessToken, &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	disconnected := make(chan string, 1)
	ws.OnDisconnected(func(reason string) { disconnected <- reason })
	require.NoError(t, ws.Connect(context.Background()))

	rec := newTopicRecorder()
	_, err := ws.Join(context.Background(), "c1", rec.handler())
	require.NoError(t, err)
	b.waitJoin("c1")
	rec.waitState(t, JoinJoined)

	b.closeConns()
	rec.waitState(t, JoinClosed)
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnected event")
	}

	b.waitJoin("c1")
	rec.waitState(t, JoinJoined)
	require.Eventually(t, ws.Connected, 5*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Leave and disconnect
// ============================================================================

func TestRealtimeLeaveLastBinding(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, b.issue("u1").AccessToken, nil)
	require.NoError(t, ws.Connect(context.Background()))

	first, second := newTopicRecorder(), newTopicRecorder()
	leave1, err := ws.Join(context.Background(), "c1", first.handler())
	require.NoError(t, err)
	b.waitJoin("c1")

	leave2, err := ws.Join(context.Background(), "c1", second.handler())
	require.NoError(t, err)
	second.waitState(t, JoinJoined)

	leave1()
	leave1()
	assert.True(t, b.topicJoined("c1"), "one binding still holds the topic")

	leave2()
	require.Eventually(t, func() bool { return !b.topicJoined("c1") }, 5*time.Second, 10*time.Millisecond)
}

func TestRealtimeDisconnect(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, b.issue("u1").AccessToken, &RealtimeConfig{AutoReconnect: true})
	require.NoError(t, ws.Connect(context.Background()))

	rec := newTopicRecorder()
	_, err := ws.Join(context.Background(), "c1", rec.handler())
	require.NoError(t, err)
	rec.waitState(t, JoinJoined)

	require.NoError(t, ws.Disconnect())
	rec.waitState(t, JoinClosed)
	assert.Equal(t, StateDisconnected, ws.State())
	assert.ErrorIs(t, ws.Send(context.Background(), &RealtimeCommand{Type: cmdPing}), ErrNotConnected)
}

// ============================================================================
// Backoff
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})

	d0 := r.nextDelay()
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.LessOrEqual(t, d0, 150*time.Millisecond)

	d1 := r.nextDelay()
	assert.GreaterOrEqual(t, d1, 200*time.Millisecond)
	assert.True(t, r.shouldReconnect())

	r.nextDelay()
	assert.False(t, r.shouldReconnect())
	r.nextDelay()
	assert.Equal(t, time.Second, r.nextDelay(), "capped at max delay")

	r.reset()
	assert.True(t, r.shouldReconnect())

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1, ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}

// ============================================================================
// Hooks
// ============================================================================

func TestRealtimeConnectedAndErrorHooks(t *testing.T) {
	b := newFakeBackend(t)
	ws := newTestRealtime(t, b, b.issue("u1").AccessToken, nil)

	connected := make(chan struct{}, 1)
	serverErrs := make(chan RealtimeErrorPayload, 1)
	ws.OnConnected(func() { connected <- struct{}{} })
	ws.OnError(func(p RealtimeErrorPayload) { serverErrs <- p })

	require.NoError(t, ws.Connect(context.Background()))
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connected hook not called")
	}

	rec := newTopicRecorder()
	_, err := ws.Join(context.Background(), "c1", rec.handler())
	require.NoError(t, err)
	rec.waitState(t, JoinJoined)
	b.waitJoin("c1")

	b.topicError("c1", "join rejected")
	select {
	case p := <-serverErrs:
		assert.Equal(t, "c1", p.Topic)
		assert.Equal(t, "join rejected", p.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("error hook not called")
	}
	rec.waitState(t, JoinErrored)
}
