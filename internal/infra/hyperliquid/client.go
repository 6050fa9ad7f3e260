package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Dialer opens Hyperliquid websocket transports. Every transport it creates
// shares one circuit breaker and one outbound rate limiter.
type Dialer struct {
	url            string
	requestTimeout time.Duration
	pingInterval   time.Duration
	limiter        ratelimit.Limiter
	breaker        *gobreaker.CircuitBreaker
	logger         *slog.Logger
}

// NewDialer creates a Dialer from the feed section of cfg.
func NewDialer(cfg *infra.Config) *Dialer {
	logger := slog.Default().With("module", "hyperliquid")
	maxFailures := cfg.Feed.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	return &Dialer{
		url:            cfg.Feed.WSURL,
		requestTimeout: cfg.RequestTimeout(),
		pingInterval:   cfg.PingInterval(),
		limiter:        ratelimit.New(cfg.Feed.MaxMessagesPerSec),
		breaker:        newCircuitBreaker(maxFailures, logger),
		logger:         logger,
	}
}

func newCircuitBreaker(maxFailures uint32, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "hyperliquid",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Feed-side rejections and caller cancellations say nothing about feed health.
		IsSuccessful: func(err error) bool {
			var feedErr *domain.FeedError
			return err == nil || errors.As(err, &feedErr) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			infra.GlobalMetrics.SetCircuitState(to == gobreaker.StateOpen)
			if to == gobreaker.StateOpen {
				logger.Warn("Feed seems down, stop allowing requests")
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				logger.Info("Checking feed status")
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				logger.Info("Feed seems ok, restart allowing requests")
			}
		},
	})
}

// Dial opens one transport and starts its reader and heartbeat goroutines.
func (d *Dialer) Dial(ctx context.Context) (domain.FeedClient, error) {
	conn, err := d.breaker.Execute(func() (interface{}, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

		header := make(http.Header)
		header.Add("User-Agent", infra.DefaultUserAgent)

		conn, _, err := dialer.DialContext(ctx, d.url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, domain.NewNetworkError("dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	c := &Client{
		dialer:  d,
		conn:    conn.(*websocket.Conn),
		pending: make(map[uint64]chan postResult),
		subs:    make(map[*subscription]struct{}),
		done:    make(chan struct{}),
		logger:  d.logger,
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	d.logger.Debug("Feed transport opened", slog.String("url", d.url))
	return c, nil
}

type postResult struct {
	payload json.RawMessage
	err     error
}

// Client is one open websocket transport to the feed.
type Client struct {
	dialer *Dialer
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan postResult
	subs    map[*subscription]struct{}
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// FetchBook requests a point-in-time l2Book at the given aggregation level.
func (c *Client) FetchBook(ctx context.Context, coin string, level domain.AggregationLevel) (domain.BookSnapshot, error) {
	res, err := c.dialer.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, l2BookRequest{Type: requestL2Book, Coin: coin, NSigFigs: level.SigFigs()})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.BookSnapshot{}, domain.NewNetworkError("post", err)
		}
		return domain.BookSnapshot{}, err
	}

	book, err := decodeBook(res.(json.RawMessage))
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	if book.Coin != coin {
		return domain.BookSnapshot{}, fmt.Errorf("%w: requested %s, got %s", domain.ErrMalformedBook, coin, book.Coin)
	}
	return book, nil
}

// post sends one request and waits for the response with the same id.
func (c *Client) post(ctx context.Context, payload l2BookRequest) (json.RawMessage, error) {
	ch := make(chan postResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := postRequest{
		Method: "post",
		ID:     id,
		Request: postBody{
			Type:    "info",
			Payload: payload,
		},
	}
	if err := c.writeJSON(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.dialer.requestTimeout)
	defer timer.Stop()

	var res postResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, domain.NewNetworkError("post", fmt.Errorf("request %d timed out after %s", id, c.dialer.requestTimeout))
	}
	if res.err != nil {
		return nil, res.err
	}

	var info infoPayload
	if err := json.Unmarshal(res.payload, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedBook, err)
	}
	if info.Type != payload.Type {
		return nil, fmt.Errorf("%w: unexpected payload type %q", domain.ErrMalformedBook, info.Type)
	}
	return info.Data, nil
}

// SubscribeBook starts l2Book pushes for coin. onUpdate runs on the
// transport's read goroutine and must not block.
func (c *Client) SubscribeBook(ctx context.Context, coin string, level domain.AggregationLevel, onUpdate func(domain.BookSnapshot)) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		client:  c,
		request: l2BookRequest{Type: requestL2Book, Coin: coin, NSigFigs: level.SigFigs()},
		handler: onUpdate,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	if err := c.writeJSON(subscribeRequest{Method: "subscribe", Subscription: sub.request}); err != nil {
		c.removeSub(sub)
		return nil, err
	}
	return sub, nil
}

func (c *Client) removeSub(sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub]; !ok {
		return false
	}
	delete(c.subs, sub)
	return true
}

// Close shuts the transport down and waits for its goroutines. Pending
// requests fail with ErrTransportClosed. Safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[uint64]chan postResult)
		c.subs = make(map[*subscription]struct{})
		c.mu.Unlock()

		close(c.done)

		err := domain.ErrTransportClosed
		if cause != nil {
			err = fmt.Errorf("%w: %v", domain.ErrTransportClosed, cause)
		}
		for _, ch := range pending {
			ch <- postResult{err: err}
		}

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()

		c.logger.Debug("Feed transport closed", slog.Any("cause", cause))
	})
}

// writeJSON sends a message in a thread-safe manner, paced by the shared limiter.
func (c *Client) writeJSON(v any) error {
	c.dialer.limiter.Take()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return domain.ErrTransportClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return domain.NewNetworkError("write", err)
	}
	return nil
}

func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.dialer.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeJSON(pingRequest{Method: "ping"}); err != nil {
				c.logger.Debug("Ping failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Feed reader panic recovered", slog.Any("panic", r))
			c.shutdown(fmt.Errorf("reader panic: %v", r))
		}
	}()

	// The feed answers every ping, so two silent intervals means a dead link.
	readTimeout := 2 * c.dialer.pingInterval

	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("Feed WebSocket read error", slog.Any("error", err))
				}
			}
			c.shutdown(err)
			return
		}

		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Debug("Feed message parse error", slog.Any("error", err))
		return
	}

	switch env.Channel {
	case channelPost:
		c.handlePost(env.Data)
	case channelL2Book:
		c.handleBook(env.Data)
	case channelPong, channelSubscription:
	case channelError:
		c.logger.Warn("Feed reported an error", slog.String("message", string(env.Data)))
	default:
		c.logger.Debug("Unhandled feed channel", slog.String("channel", env.Channel))
	}
}

func (c *Client) handlePost(data json.RawMessage) {
	var resp postResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Debug("Post response parse error", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		// Timed out or cancelled already.
		return
	}

	if resp.Response.Type == "error" {
		ch <- postResult{err: &domain.FeedError{Request: requestL2Book, Message: errorText(resp.Response.Payload)}}
		return
	}
	ch <- postResult{payload: resp.Response.Payload}
}

func (c *Client) handleBook(data json.RawMessage) {
	book, err := decodeBook(data)
	if err != nil {
		infra.GlobalMetrics.RecordError()
		c.logger.Warn("Dropping malformed book push", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	var handlers []func(domain.BookSnapshot)
	for sub := range c.subs {
		if sub.request.Coin == book.Coin {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(book)
	}
}

// errorText unwraps a JSON string payload, falling back to the raw bytes.
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type subscription struct {
	client  *Client
	request l2BookRequest
	handler func(domain.BookSnapshot)
}

// Unsubscribe stops delivery and tells the feed. Safe to call more than once.
func (s *subscription) Unsubscribe() error {
	if !s.client.removeSub(s) {
		return nil
	}
	err := s.client.writeJSON(subscribeRequest{Method: "unsubscribe", Subscription: s.request})
	if errors.Is(err, domain.ErrTransportClosed) {
		return nil
	}
	return err
}
