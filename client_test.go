package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(b *fakeBackend, s Session) *Client {
	return NewClient(
		WithBaseURL(b.URL()),
		WithTokenSource(func(context.Context) (string, error) { return s.AccessToken, nil }),
	)
}

// ============================================================================
// Auth
// ============================================================================

func TestClientSignInAndRefresh(t *testing.T) {
	b := newFakeBackend(t)
	c := NewClient(WithBaseURL(b.URL()))
	ctx := context.Background()

	s, err := c.Auth.SignIn(ctx, "ana@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-ana", s.UserID)
	assert.NotEmpty(t, s.AccessToken)
	assert.Greater(t, s.ExpiresAt, time.Now().Unix())

	next, err := c.Auth.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, s.AccessToken, next.AccessToken)

	// Refresh tokens are single-use.
	_, err = c.Auth.Refresh(ctx, s.RefreshToken)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "INVALID_REFRESH", apiErr.Code)
}

func TestClientSignInWrongPassword(t *testing.T) {
	b := newFakeBackend(t)
	c := NewClient(WithBaseURL(b.URL()))

	_, err := c.Auth.SignIn(context.Background(), "ana@example.com", "nope")
	assert.Equal(t, KindAuth, ClassifyError(err))
}

// ============================================================================
// Messages
// ============================================================================

func TestClientMessageLifecycle(t *testing.T) {
	b := newFakeBackend(t)
	c := newTestClient(b, b.issue("u1"))
	ctx := context.Background()

	m, err := c.Messages.Insert(ctx, InsertRequest{ConversationID: "c1", ClientID: "nonce-1", Content: "hi", Type: TypeText})
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", m.ClientID)
	assert.Equal(t, "u1", m.AuthorID)
	require.NotNil(t, m.Author)

	got, err := c.Messages.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)

	edited, err := c.Messages.Update(ctx, m.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	reacted, err := c.Messages.React(ctx, m.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, 1, reacted.Reactions["👍"].Count)

	require.NoError(t, c.Messages.Delete(ctx, m.ID))
	_, err = c.Messages.Get(ctx, m.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClientDuplicateInsert(t *testing.T) {
	b := newFakeBackend(t)
	c := newTestClient(b, b.issue("u1"))
	ctx := context.Background()
	req := InsertRequest{ConversationID: "c1", ClientID: "nonce-1", Content: "hi", Type: TypeText}

	first, err := c.Messages.Insert(ctx, req)
	require.NoError(t, err)
	_, err = c.Messages.Insert(ctx, req)
	assert.Equal(t, KindConflict, ClassifyError(err))

	found, err := c.Messages.ByClientID(ctx, "c1", "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = c.Messages.ByClientID(ctx, "c2", "nonce-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClientHistoryPaging(t *testing.T) {
	b := newFakeBackend(t)
	c := newTestClient(b, b.issue("u1"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.put("u1", InsertRequest{ConversationID: "c1", Content: "msg", Type: TypeText})
	}

	page, err := c.Messages.History(ctx, "c1", HistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m-004", page.Messages[0].ID)
	assert.Equal(t, "m-005", page.Messages[1].ID)

	oldest := page.Messages[0]
	page, err = c.Messages.History(ctx, "c1", HistoryQuery{Limit: 10, Before: oldest.CreatedAt, BeforeID: oldest.ID})
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.False(t, page.HasMore)
	assert.Equal(t, "m-001", page.Messages[0].ID)
}

func TestClientExpiredTokenIsAuthError(t *testing.T) {
	b := newFakeBackend(t)
	c := newTestClient(b, b.issue("u1"))
	b.revokeAccess()

	_, err := c.Messages.Get(context.Background(), "m-001")
	require.Error(t, err)
	assert.Equal(t, KindAuth, ClassifyError(err))
}

func TestClientWithoutTokenSource(t *testing.T) {
	b := newFakeBackend(t)
	c := NewClient(WithBaseURL(b.URL()))

	_, err := c.Conversations.List(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestClientNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(WithBaseURL(url), WithTimeout(time.Second))
	_, err := c.Auth.SignIn(context.Background(), "a@b.c", "secret")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.Equal(t, KindNetwork, ClassifyError(err))
}

func TestRealtimeWSURL(t *testing.T) {
	tests := []struct {
		base, token, want string
	}{
		{"https://chat.example.com", "abc", "wss://chat.example.com/realtime?token=abc"},
		{"http://localhost:8080", "a b", "ws://localhost:8080/realtime?token=a+b"},
		{"http://localhost:8080/", "", "ws://localhost:8080/realtime"},
	}
	for _, tt := range tests {
		c := NewClient(WithBaseURL(tt.base))
		assert.Equal(t, tt.want, c.Realtime.WSURL(tt.token))
	}
}
