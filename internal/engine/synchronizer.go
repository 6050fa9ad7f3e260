package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra"
)

// ConnectionState of the current lifecycle's transport.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
)

// LoadingState tells the renderer whether to show its skeleton.
type LoadingState string

const (
	LoadingIdle    LoadingState = "idle"
	LoadingLoading LoadingState = "loading"
)

// ViewState is everything the rendering layer consumes.
type ViewState struct {
	Coin             string                  `json:"coin"`
	Aggregation      domain.AggregationLevel `json:"sig_figs"`
	Book             *domain.BookSnapshot    `json:"book"`
	Connection       ConnectionState         `json:"connection"`
	Loading          LoadingState            `json:"loading"`
	ReferenceSpreads domain.ReferenceSpreads `json:"reference_spreads"`
}

// Synchronizer keeps one view in sync with the feed: it owns at most one
// lifecycle (transport + subscription) at a time and publishes ViewState on
// every change. All state lives on the Loop goroutine.
type Synchronizer struct {
	loop     *Loop
	dialer   domain.FeedDialer
	onUpdate func(ViewState)
	logger   *slog.Logger

	// Owned by the loop goroutine
	state   ViewState
	current *session
	nextID  uint64
}

// NewSynchronizer creates a synchronizer bound to loop. onUpdate is invoked on
// the loop goroutine with a copy of the new state.
func NewSynchronizer(loop *Loop, dialer domain.FeedDialer, onUpdate func(ViewState)) *Synchronizer {
	s := &Synchronizer{
		loop:     loop,
		dialer:   dialer,
		onUpdate: onUpdate,
		logger:   slog.Default().With("module", "synchronizer"),
		state: ViewState{
			Connection: ConnectionDisconnected,
			Loading:    LoadingIdle,
		},
	}
	loop.SetStateDump("panic_dump.json", func() any { return s.state })
	return s
}

// Select switches the view to coin at the given aggregation level. The old
// lifecycle is torn down on the loop before the new one starts. Selecting a
// different coin clears the book and reference spreads first.
func (s *Synchronizer) Select(coin string, level domain.AggregationLevel) error {
	if err := validate(coin, level); err != nil {
		return err
	}
	if !s.loop.Post(func() { s.start(coin, level) }) {
		return domain.ErrTransportClosed
	}
	return nil
}

// Switch is Select for callers already running on the loop.
func (s *Synchronizer) Switch(coin string, level domain.AggregationLevel) error {
	if err := validate(coin, level); err != nil {
		return err
	}
	s.start(coin, level)
	return nil
}

func validate(coin string, level domain.AggregationLevel) error {
	if !domain.IsSupportedInstrument(coin) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSymbol, coin)
	}
	if !level.IsValid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAggregation, level)
	}
	return nil
}

// Close tears down the active lifecycle and waits until it is released.
func (s *Synchronizer) Close() {
	done := make(chan struct{})
	if s.loop.Post(func() {
		s.teardown()
		close(done)
	}) {
		select {
		case <-done:
			return
		case <-s.loop.Done():
		}
	} else {
		<-s.loop.Done()
	}
	// Loop is gone; nothing else touches the state now.
	s.teardown()
}

// State returns the current state. Must be called on the loop.
func (s *Synchronizer) State() ViewState {
	return s.state
}

func (s *Synchronizer) start(coin string, level domain.AggregationLevel) {
	coinChange := s.state.Coin != coin

	s.teardown()

	if coinChange {
		s.state.Coin = coin
		s.state.Book = nil
		s.state.ReferenceSpreads = nil
		s.state.Loading = LoadingLoading
	}
	s.state.Aggregation = level
	s.state.Connection = ConnectionConnecting
	s.publish()

	s.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     s.nextID,
		coin:   coin,
		level:  level,
		cancel: cancel,
		logger: s.logger.With(
			slog.String("coin", coin),
			slog.String("sig_figs", level.String()),
			slog.Uint64("lifecycle", s.nextID),
		),
	}
	sess.coalescer = NewCoalescer(s.loop.Notify, func(book domain.BookSnapshot) {
		if s.current != sess {
			return
		}
		s.state.Book = &book
		s.publish()
	})
	s.current = sess

	go s.connect(ctx, sess)
}

// connect runs one lifecycle's setup off the loop. Its results are posted
// back and dropped if the lifecycle was replaced in the meantime.
func (s *Synchronizer) connect(ctx context.Context, sess *session) {
	started := time.Now()

	client, err := s.dialer.Dial(ctx)
	if err != nil {
		s.fail(ctx, sess, "dial", err)
		return
	}
	if !sess.attachClient(client) {
		return
	}

	full, err := client.FetchBook(ctx, sess.coin, domain.FullPrecision)
	if err != nil {
		s.fail(ctx, sess, "fetch full book", err)
		return
	}
	spreads, err := DeriveReferenceSpreads(full)
	if err != nil {
		s.fail(ctx, sess, "derive reference spreads", err)
		return
	}

	initial, err := client.FetchBook(ctx, sess.coin, sess.level)
	if err != nil {
		s.fail(ctx, sess, "fetch book", err)
		return
	}
	s.postFor(ctx, sess, func() {
		s.state.Book = &initial
		s.publish()
	})

	sub, err := client.SubscribeBook(ctx, sess.coin, sess.level, sess.coalescer.Push)
	if err != nil {
		s.fail(ctx, sess, "subscribe", err)
		return
	}
	if !sess.attachSubscription(sub) {
		return
	}

	infra.GlobalMetrics.RecordFetch(time.Since(started).Nanoseconds())
	s.postFor(ctx, sess, func() {
		s.state.ReferenceSpreads = spreads
		s.state.Connection = ConnectionConnected
		s.state.Loading = LoadingIdle
		s.publish()
	})
	sess.logger.Info("Order book connected", slog.Duration("elapsed", time.Since(started)))
}

// fail logs a lifecycle error and settles the view into idle. The view keeps
// showing its skeleton until the user selects again; there is no retry.
func (s *Synchronizer) fail(ctx context.Context, sess *session, op string, err error) {
	if ctx.Err() != nil || sess.isReleased() {
		// Replaced or disposed while in flight.
		return
	}
	infra.GlobalMetrics.RecordError()
	sess.logger.Error("Order book connection failed",
		slog.String("op", op),
		slog.Any("error", err),
		slog.Bool("retriable", domain.IsRetriable(err)),
	)

	s.postFor(ctx, sess, func() {
		sess.release()
		s.current = nil
		s.state.Connection = ConnectionDisconnected
		s.state.Loading = LoadingIdle
		s.publish()
	})
}

// postFor runs fn on the loop unless sess was replaced first. A released
// lifecycle stops waiting for inbox space.
func (s *Synchronizer) postFor(ctx context.Context, sess *session, fn func()) {
	s.loop.PostContext(ctx, func() {
		if s.current != sess {
			return
		}
		fn()
	})
}

func (s *Synchronizer) teardown() {
	if s.current == nil {
		return
	}
	s.current.release()
	s.current = nil
}

func (s *Synchronizer) publish() {
	if s.onUpdate != nil {
		s.onUpdate(s.state)
	}
}
