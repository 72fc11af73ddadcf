package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Transport joins realtime topics. *RealtimeWSClient implements it.
type Transport interface {
	Join(ctx context.Context, topic string, h TopicHandler) (leave func(), err error)
}

// RecordFetcher loads the full joined record for a changed row.
// *MessagesClient implements it.
type RecordFetcher interface {
	Get(ctx context.Context, id string) (*Message, error)
}

// ChannelEventKind is the kind of a reconciled channel event.
type ChannelEventKind string

const (
	EventUpsert ChannelEventKind = "upsert"
	EventDelete ChannelEventKind = "delete"
)

// ChannelEvent is what a ChannelSubscription emits: a fully fetched record
// for inserts and updates, or the deleted row ID.
type ChannelEvent struct {
	Kind    ChannelEventKind
	Topic   string
	Op      ChangeOp
	RowID   string
	Message *Message
}

// ChannelOptions tunes a ChannelSubscription. Zero values take defaults.
type ChannelOptions struct {
	Buffer       int
	FetchTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// ChannelSubscription wraps one topic subscription. Raw change
// notifications are processed by a single worker in arrival order; each
// insert or update is resolved to its joined record before it is emitted on
// Events. A failed fetch drops the event: the row still exists server-side
// and the next update or backfill brings it in.
type ChannelSubscription struct {
	topic     string
	transport Transport
	fetcher   RecordFetcher
	log       *slog.Logger
	now       func() time.Time
	timeout   time.Duration

	raw    chan ChangeNotification
	events chan ChannelEvent
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  ChannelState
	leave  func()
	gen    uint64
	closed bool
	rebind func(ctx context.Context) error

	closeOnce sync.Once
}

// OpenChannel subscribes to topic. A failed join does not fail the open: the
// subscription reports JoinErrored and can be reopened later.
func OpenChannel(ctx context.Context, t Transport, f RecordFetcher, topic string, opts *ChannelOptions) (*ChannelSubscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrValidation)
	}
	o := ChannelOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &ChannelSubscription{
		topic:     topic,
		transport: t,
		fetcher:   f,
		log:       o.Logger.With("component", "channel", "topic", topic),
		now:       o.Now,
		timeout:   o.FetchTimeout,
		raw:       make(chan ChangeNotification, o.Buffer),
		events:    make(chan ChannelEvent, o.Buffer),
		done:      make(chan struct{}),
		ctx:       workerCtx,
		cancel:    cancel,
		state:     ChannelState{Topic: topic, JoinState: JoinJoining},
	}
	s.rebind = s.bind

	go s.run()

	if err := s.rebind(ctx); err != nil {
		s.log.Warn("channel_join_failed", "error", err)
	}
	return s, nil
}

func (s *ChannelSubscription) bind(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrChannelClosed
	}
	s.gen++
	gen := s.gen
	s.state.JoinState = JoinJoining
	s.mu.Unlock()

	leave, err := s.transport.Join(ctx, s.topic, TopicHandler{
		Change: s.enqueue,
		Status: func(js JoinState) { s.setJoinState(gen, js) },
	})
	if err != nil {
		s.setJoinState(gen, JoinErrored)
		return err
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		leave()
		return ErrChannelClosed
	}
	s.leave = leave
	s.mu.Unlock()
	return nil
}

// Topic returns the subscribed topic.
func (s *ChannelSubscription) Topic() string { return s.topic }

// Events delivers reconciled events. It is closed by Close.
func (s *ChannelSubscription) Events() <-chan ChannelEvent { return s.events }

// HealthCheck returns the current join state.
func (s *ChannelSubscription) HealthCheck() JoinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.JoinState
}

// State returns a copy of the channel state.
func (s *ChannelSubscription) State() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reopen drops the current binding and runs the stored rebind function.
// Events keeps flowing on the same channel.
func (s *ChannelSubscription) Reopen(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrChannelClosed
	}
	leave := s.leave
	s.leave = nil
	s.mu.Unlock()

	if leave != nil {
		leave()
	}
	s.log.Info("channel_reopen")
	return s.rebind(ctx)
}

// Close releases the subscription and closes Events. It is idempotent.
func (s *ChannelSubscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		leave := s.leave
		s.leave = nil
		s.state.JoinState = JoinClosed
		s.mu.Unlock()

		if leave != nil {
			leave()
		}
		s.cancel()
		close(s.done)
	})
}

func (s *ChannelSubscription) setJoinState(gen uint64, js JoinState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	s.state.JoinState = js
}

func (s *ChannelSubscription) enqueue(n ChangeNotification) {
	select {
	case <-s.done:
	case s.raw <- n:
	default:
		// The change is lost; mark the channel so the next foreground pass
		// reopens it.
		s.mu.Lock()
		if !s.closed {
			s.state.JoinState = JoinErrored
		}
		s.mu.Unlock()
		s.log.Warn("channel_queue_full", "op", n.Op, "row_id", n.RowID)
	}
}

func (s *ChannelSubscription) run() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case n := <-s.raw:
			s.process(n)
		}
	}
}

func (s *ChannelSubscription) process(n ChangeNotification) {
	s.mu.Lock()
	s.state.LastEventAt = s.now()
	s.mu.Unlock()

	ev := ChannelEvent{Topic: s.topic, Op: n.Op, RowID: n.RowID}
	switch n.Op {
	case OpDelete:
		ev.Kind = EventDelete
	case OpInsert, OpUpdate:
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		m, err := s.fetcher.Get(ctx, n.RowID)
		cancel()
		if err != nil {
			s.log.Warn("channel_fetch_failed", "op", n.Op, "row_id", n.RowID, "error", err)
			return
		}
		ev.Kind = EventUpsert
		ev.Message = m
	default:
		s.log.Debug("channel_unknown_op", "op", n.Op)
		return
	}

	select {
	case s.events <- ev:
	case <-s.done:
	}
}
