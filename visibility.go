package chatsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Supervised is a subscription the reconnector keeps alive.
// *ChannelSubscription implements it.
type Supervised interface {
	Topic() string
	HealthCheck() JoinState
	Reopen(ctx context.Context) error
}

// SessionValidator is the part of SessionManager the reconnector needs.
type SessionValidator interface {
	EnsureValid(ctx context.Context, force bool) bool
	AccessToken(ctx context.Context) (string, error)
}

// VisibilityOptions tunes a VisibilityReconnector.
type VisibilityOptions struct {
	// Debounce is the minimum gap between two foreground passes driven by
	// Run. Zero means 2s.
	Debounce time.Duration
	// Timeout bounds one pass. Zero means 15s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// VisibilityReconnector restores channels and auth when the app returns to
// the foreground. Every failure is logged and swallowed; the next trigger
// tries again.
type VisibilityReconnector struct {
	session   SessionValidator
	transport AuthTransport
	limiter   *rate.Limiter
	timeout   time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	channels map[int]Supervised
	nextID   int
}

func NewVisibilityReconnector(session SessionValidator, transport AuthTransport, opts *VisibilityOptions) *VisibilityReconnector {
	o := VisibilityOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &VisibilityReconnector{
		session:   session,
		transport: transport,
		limiter:   rate.NewLimiter(rate.Every(o.Debounce), 1),
		timeout:   o.Timeout,
		log:       o.Logger.With("component", "visibility"),
		channels:  make(map[int]Supervised),
	}
}

// Watch adds ch to the supervised set and returns a func that removes it.
func (v *VisibilityReconnector) Watch(ch Supervised) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.channels[id] = ch
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.channels, id)
		v.mu.Unlock()
	}
}

// HandleForeground runs one recovery pass: reopen every channel that is not
// joined, then force a session refresh and reconnect the transport with the
// new token.
func (v *VisibilityReconnector) HandleForeground(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	for _, ch := range v.watched() {
		state := ch.HealthCheck()
		if state == JoinJoined {
			continue
		}
		v.log.Info("channel_unhealthy", "topic", ch.Topic(), "state", state)
		if err := ch.Reopen(ctx); err != nil {
			v.log.Warn("channel_reopen_failed", "topic", ch.Topic(), "error", err)
		}
	}

	if !v.session.EnsureValid(ctx, true) {
		v.log.Warn("foreground_session_invalid")
		return
	}
	if v.transport == nil {
		return
	}
	token, err := v.session.AccessToken(ctx)
	if err != nil {
		v.log.Warn("foreground_token_failed", "error", err)
		return
	}
	v.transport.SetAuth(token)
	if err := v.transport.Reconnect(ctx); err != nil {
		v.log.Warn("foreground_reconnect_failed", "error", err)
	}
}

// Run handles foreground signals until ctx is done or signals is closed.
// Signals arriving faster than the debounce interval are dropped.
func (v *VisibilityReconnector) Run(ctx context.Context, signals <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			if !v.limiter.Allow() {
				v.log.Debug("foreground_debounced")
				continue
			}
			v.HandleForeground(ctx)
		}
	}
}

func (v *VisibilityReconnector) watched() []Supervised {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Supervised, 0, len(v.channels))
	for _, ch := range v.channels {
		out = append(out, ch)
	}
	return out
}
