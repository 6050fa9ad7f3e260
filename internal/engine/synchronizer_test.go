package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"orderbook_go/internal/domain"
)

type fakeSub struct {
	feed         *fakeFeed
	mu           sync.Mutex
	coin         string
	handler      func(domain.BookSnapshot)
	unsubscribed bool

	// Set when the client delivers from its own goroutine.
	in  chan domain.BookSnapshot
	ack chan struct{}
}

func (s *fakeSub) Unsubscribe() error {
	s.feed.record("unsubscribe " + s.coin)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
	return nil
}

func (s *fakeSub) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// push delivers regardless of unsubscribe, like a frame already in flight.
func (s *fakeSub) push(b domain.BookSnapshot) {
	s.handler(b)
}

// deliver hands b to the client's delivering goroutine and waits until the
// handler has returned.
func (s *fakeSub) deliver(b domain.BookSnapshot) {
	s.in <- b
	<-s.ack
}

type fakeClient struct {
	feed *fakeFeed
	coin string

	mu     sync.Mutex
	closed bool

	// Blocking-close mode: Close waits for the delivering goroutine, as the
	// websocket client waits for its reader.
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (c *fakeClient) FetchBook(ctx context.Context, coin string, level domain.AggregationLevel) (domain.BookSnapshot, error) {
	c.feed.mu.Lock()
	gate := c.feed.gates[coin]
	fetchErr := c.feed.fetchErr
	c.feed.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.BookSnapshot{}, ctx.Err()
		}
	}
	if fetchErr != nil {
		return domain.BookSnapshot{}, fetchErr
	}
	b := bookWithTop("100000.1", "100000.3")
	b.Coin = coin
	if coin == "ETH" {
		b = bookWithTop("3000.1", "3000.2")
		b.Coin = coin
	}
	b.Time = int64(level)
	return b, nil
}

func (c *fakeClient) SubscribeBook(ctx context.Context, coin string, level domain.AggregationLevel, onUpdate func(domain.BookSnapshot)) (domain.Subscription, error) {
	c.mu.Lock()
	c.coin = coin
	c.mu.Unlock()

	sub := &fakeSub{feed: c.feed, coin: coin, handler: onUpdate}
	if c.stop != nil {
		sub.in = make(chan domain.BookSnapshot)
		sub.ack = make(chan struct{})
		c.wg.Add(1)
		go c.deliverLoop(sub)
	}
	c.feed.mu.Lock()
	c.feed.subs = append(c.feed.subs, sub)
	c.feed.mu.Unlock()
	return sub, nil
}

func (c *fakeClient) deliverLoop(sub *fakeSub) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case b := <-sub.in:
			sub.handler(b)
			sub.ack <- struct{}{}
		}
	}
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	coin := c.coin
	c.mu.Unlock()
	c.feed.record("close " + coin)

	if c.stop != nil {
		c.stopOnce.Do(func() { close(c.stop) })
		c.wg.Wait()
	}
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFeed struct {
	mu            sync.Mutex
	clients       []*fakeClient
	subs          []*fakeSub
	gates         map[string]chan struct{}
	dialErr       error
	fetchErr      error
	blockingClose bool
	events        []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{gates: make(map[string]chan struct{})}
}

func (f *fakeFeed) Dial(ctx context.Context) (domain.FeedClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c := &fakeClient{feed: f}
	if f.blockingClose {
		c.stop = make(chan struct{})
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFeed) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeFeed) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeFeed) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFeed) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type harness struct {
	loop    *Loop
	sync    *Synchronizer
	feed    *fakeFeed
	updates chan ViewState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, 64, false)
}

// newHarnessWith builds a harness with the given inbox size. With
// blockingClose, transports deliver pushes from their own goroutine and
// Close waits for it.
func newHarnessWith(t *testing.T, inboxSize int, blockingClose bool) *harness {
	t.Helper()
	feed := newFakeFeed()
	feed.blockingClose = blockingClose
	h := &harness{
		loop:    NewLoop(inboxSize),
		feed:    feed,
		updates: make(chan ViewState, 256),
	}
	h.sync = NewSynchronizer(h.loop, h.feed, func(s ViewState) { h.updates <- s })

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(func() {
		h.sync.Close()
		cancel()
	})
	return h
}

// waitFor consumes updates until one satisfies pred.
func (h *harness) waitFor(t *testing.T, what string, pred func(ViewState) bool) ViewState {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.updates:
			if pred(s) {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// state reads the current view state from the loop.
func (h *harness) state(t *testing.T) ViewState {
	t.Helper()
	ch := make(chan ViewState, 1)
	if !h.loop.Post(func() { ch <- h.sync.State() }) {
		t.Fatal("loop stopped")
	}
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("loop did not answer")
	}
	return ViewState{}
}

func connected(coin string) func(ViewState) bool {
	return func(s ViewState) bool {
		return s.Coin == coin && s.Connection == ConnectionConnected
	}
}

func TestSynchronizer_SelectConnects(t *testing.T) {
	h := newHarness(t)

	if err := h.sync.Select("BTC", domain.SigFigs5); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	first := h.waitFor(t, "connecting", func(s ViewState) bool { return true })
	if first.Loading != LoadingLoading || first.Connection != ConnectionConnecting {
		t.Errorf("first state = %+v", first)
	}
	if first.Book != nil {
		t.Error("book should be empty while loading")
	}

	s := h.waitFor(t, "BTC connected", connected("BTC"))
	if s.Loading != LoadingIdle {
		t.Errorf("loading = %s, want idle", s.Loading)
	}
	if s.Book == nil || s.Book.Time != int64(domain.SigFigs5) {
		t.Errorf("book should come from the selected level, got %+v", s.Book)
	}
	if len(s.ReferenceSpreads) != len(domain.AggregationLevels) {
		t.Errorf("expected reference spreads for every level, got %d", len(s.ReferenceSpreads))
	}
}

func TestSynchronizer_InvalidSelection(t *testing.T) {
	h := newHarness(t)

	if err := h.sync.Select("DOGE", domain.SigFigs2); !errors.Is(err, domain.ErrInvalidSymbol) {
		t.Errorf("expected ErrInvalidSymbol, got %v", err)
	}
	if err := h.sync.Select("BTC", domain.AggregationLevel(7)); !errors.Is(err, domain.ErrInvalidAggregation) {
		t.Errorf("expected ErrInvalidAggregation, got %v", err)
	}
}

func TestSynchronizer_CoinSwitchReleasesOldLifecycle(t *testing.T) {
	h := newHarness(t)

	h.sync.Select("BTC", domain.SigFigs5)
	h.waitFor(t, "BTC connected", connected("BTC"))
	btcClient, btcSub := h.feed.client(0), h.feed.sub(0)

	h.sync.Select("ETH", domain.SigFigs5)
	cleared := h.waitFor(t, "ETH selected", func(s ViewState) bool { return s.Coin == "ETH" })
	if cleared.Book != nil || cleared.ReferenceSpreads != nil {
		t.Error("coin change should clear book and spreads")
	}
	if !btcClient.isClosed() || !btcSub.isUnsubscribed() {
		t.Error("BTC lifecycle should be released before ETH starts")
	}

	h.waitFor(t, "ETH connected", connected("ETH"))

	// Subscription first, then transport; ETH is still open.
	wantLog := []string{"unsubscribe BTC", "close BTC"}
	if got := h.feed.eventLog(); !slices.Equal(got, wantLog) {
		t.Errorf("teardown order = %v, want %v", got, wantLog)
	}

	// A BTC push racing the teardown must not reach the view.
	btcSub.push(bookWithTop("1", "2"))

	s := h.state(t)
	if s.Book == nil || s.Book.Coin != "ETH" {
		t.Fatalf("book = %+v, want ETH", s.Book)
	}
}

func TestSynchronizer_PushUpdatesBook(t *testing.T) {
	h := newHarness(t)

	h.sync.Select("BTC", domain.SigFigs3)
	h.waitFor(t, "BTC connected", connected("BTC"))

	update := bookWithTop("100001", "100002")
	update.Coin = "BTC"
	update.Time = 42
	h.feed.sub(0).push(update)

	h.waitFor(t, "pushed book", func(s ViewState) bool {
		return s.Book != nil && s.Book.Time == 42
	})
}

func TestSynchronizer_AggregationChangeKeepsBook(t *testing.T) {
	h := newHarness(t)

	h.sync.Select("BTC", domain.SigFigs5)
	h.waitFor(t, "BTC connected", connected("BTC"))

	h.sync.Select("BTC", domain.SigFigs2)
	s := h.waitFor(t, "aggregation change", func(s ViewState) bool {
		return s.Aggregation == domain.SigFigs2
	})
	if s.Loading != LoadingIdle {
		t.Error("aggregation change should not show the skeleton")
	}
	if s.Book == nil {
		t.Error("previous book should stay visible until the new one arrives")
	}
	if !h.feed.client(0).isClosed() {
		t.Error("old transport should be closed")
	}

	h.waitFor(t, "2sf book", func(s ViewState) bool {
		return s.Connection == ConnectionConnected && s.Book != nil && s.Book.Time == int64(domain.SigFigs2)
	})
}

func TestSynchronizer_InFlightFetchDiscarded(t *testing.T) {
	h := newHarness(t)
	h.feed.gates["BTC"] = make(chan struct{})

	h.sync.Select("BTC", domain.SigFigs5)
	h.waitFor(t, "BTC connecting", func(s ViewState) bool { return s.Coin == "BTC" })

	h.sync.Select("ETH", domain.SigFigs5)
	h.waitFor(t, "ETH connected", connected("ETH"))

	close(h.feed.gates["BTC"])

	s := h.state(t)
	if s.Coin != "ETH" || s.Book == nil || s.Book.Coin != "ETH" {
		t.Fatalf("stale BTC result leaked into view: %+v", s)
	}
	if !h.feed.client(0).isClosed() {
		t.Error("BTC transport should be closed")
	}
}

func TestSynchronizer_FailureSettlesIdle(t *testing.T) {
	h := newHarness(t)
	h.feed.dialErr = domain.NewNetworkError("dial", domain.ErrConnectionFailed)

	h.sync.Select("BTC", domain.SigFigs2)
	s := h.waitFor(t, "disconnected", func(s ViewState) bool {
		return s.Connection == ConnectionDisconnected
	})
	if s.Loading != LoadingIdle {
		t.Errorf("loading = %s, want idle", s.Loading)
	}
	if s.Book != nil {
		t.Error("book should stay empty")
	}
}

func TestSynchronizer_FetchFailureReleasesTransport(t *testing.T) {
	h := newHarness(t)
	h.feed.fetchErr = &domain.FeedError{Request: "l2Book", Message: "bad coin"}

	h.sync.Select("BTC", domain.SigFigs2)
	h.waitFor(t, "disconnected", func(s ViewState) bool {
		return s.Connection == ConnectionDisconnected
	})
	if !h.feed.client(0).isClosed() {
		t.Error("transport should be closed after a failed fetch")
	}
}

func TestSynchronizer_CloseReleases(t *testing.T) {
	h := newHarness(t)

	h.sync.Select("ETH", domain.SigFigs4)
	h.waitFor(t, "ETH connected", connected("ETH"))

	h.sync.Close()

	if !h.feed.client(0).isClosed() || !h.feed.sub(0).isUnsubscribed() {
		t.Error("Close should release transport and subscription")
	}
}

func TestSynchronizer_TeardownWithFullInbox(t *testing.T) {
	const inboxSize = 4
	h := newHarnessWith(t, inboxSize, true)

	h.sync.Select("BTC", domain.SigFigs5)
	h.waitFor(t, "BTC connected", connected("BTC"))
	btcSub := h.feed.sub(0)

	// Hold the loop and queue more switches than the inbox takes.
	release := make(chan struct{})
	releaseLoop := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseLoop)
	h.loop.Post(func() { <-release })

	var selects sync.WaitGroup
	for range 2 * inboxSize {
		selects.Add(1)
		go func() {
			defer selects.Done()
			h.sync.Select("ETH", domain.SigFigs5)
		}()
	}
	deadline := time.Now().Add(time.Second)
	for len(h.loop.inbox) < inboxSize {
		if time.Now().After(deadline) {
			t.Fatal("inbox never filled")
		}
		time.Sleep(time.Millisecond)
	}

	// The first switch closes the BTC transport, which waits for this delivery.
	delivered := make(chan struct{})
	go func() {
		btcSub.deliver(bookWithTop("1", "2"))
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("feed delivery blocked on a full loop inbox")
	}

	releaseLoop()

	done := make(chan struct{})
	go func() {
		selects.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("view loop wedged during teardown")
	}

	h.waitFor(t, "ETH connected", connected("ETH"))
	if s := h.state(t); s.Book == nil || s.Book.Coin != "ETH" {
		t.Fatalf("book = %+v, want ETH", s.Book)
	}
	if !h.feed.client(0).isClosed() {
		t.Error("BTC transport should be closed")
	}
}
