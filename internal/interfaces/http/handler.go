package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/service"
	"orderbook_go/internal/view"
)

const (
	wsPath       = "/ws"
	writeTimeout = 5 * time.Second
)

// CoinCatalog lists the instruments known to storage.
type CoinCatalog interface {
	GetActiveCoins() ([]domain.CoinInfo, error)
}

// Handler serves the order book page descriptor, the live view websocket and
// a few read-only endpoints.
type Handler struct {
	ctx               context.Context
	dialer            domain.FeedDialer
	prefs             *service.PreferenceStore
	coins             CoinCatalog
	iconDir           string
	defaultInstrument string
	metrics           http.Handler
	upgrader          websocket.Upgrader
	logger            *slog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Options configures a Handler.
type Options struct {
	Dialer            domain.FeedDialer
	Preferences       *service.PreferenceStore
	Coins             CoinCatalog
	IconDir           string
	DefaultInstrument string
	Metrics           http.Handler
}

// NewHandler creates a Handler. View sessions live until ctx is done or
// their socket closes.
func NewHandler(ctx context.Context, opts Options) *Handler {
	def := opts.DefaultInstrument
	if !domain.IsSupportedInstrument(def) {
		def = domain.DefaultInstrument
	}
	return &Handler{
		ctx:               ctx,
		dialer:            opts.Dialer,
		prefs:             opts.Preferences,
		coins:             opts.Coins,
		iconDir:           opts.IconDir,
		defaultInstrument: def,
		metrics:           opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: slog.Default().With("module", "http"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.Index)
	r.GET(wsPath, h.Stream)
	r.GET("/healthz", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
	if h.iconDir != "" {
		r.Static("/icons", h.iconDir)
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/instruments", h.ListInstruments)
		v1.GET("/preferences", h.GetPreferences)
	}
}

// Index returns the page descriptor. An unsupported trade parameter is
// stripped with a redirect instead of being reported as an error.
func (h *Handler) Index(c *gin.Context) {
	requested, present := c.GetQuery("trade")
	coin, valid := service.ResolveInstrument(requested, h.defaultInstrument)
	if present && !valid {
		q := c.Request.URL.Query()
		q.Del("trade")
		target := c.Request.URL.Path
		if encoded := q.Encode(); encoded != "" {
			target += "?" + encoded
		}
		c.Redirect(http.StatusFound, target)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instrument":  coin,
		"pair":        coin + "-" + domain.QuoteCurrency,
		"instruments": domain.Instruments,
		"ws_path":     wsPath + "?trade=" + coin,
	})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type instrumentDTO struct {
	Symbol  string `json:"symbol"`
	Pair    string `json:"pair"`
	IconURL string `json:"icon_url,omitempty"`
}

func (h *Handler) ListInstruments(c *gin.Context) {
	stored := make(map[string]domain.CoinInfo)
	if h.coins != nil {
		coins, err := h.coins.GetActiveCoins()
		if err != nil {
			h.logger.Warn("Failed to load coins", slog.Any("error", err))
		}
		for _, coin := range coins {
			stored[coin.Symbol] = coin
		}
	}

	// Supported set first; storage only adds metadata.
	out := make([]instrumentDTO, 0, len(domain.Instruments))
	for _, symbol := range domain.Instruments {
		dto := instrumentDTO{Symbol: symbol, Pair: symbol + "-" + domain.QuoteCurrency}
		if coin, ok := stored[symbol]; ok {
			dto.Pair = coin.Pair()
			if coin.IconPath != "" {
				dto.IconURL = "/icons/" + filepath.Base(coin.IconPath)
			}
		}
		out = append(out, dto)
	}
	c.JSON(http.StatusOK, gin.H{"instruments": out})
}

func (h *Handler) GetPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, h.prefs.Load())
}

// command is a client message on the view websocket.
type command struct {
	Op      string          `json:"op"` // select, aggregation, denomination
	Coin    string          `json:"coin,omitempty"`
	SigFigs json.RawMessage `json:"sig_figs,omitempty"`
	Value   string          `json:"value,omitempty"`
}

type outbound struct {
	Type  string      `json:"type"` // frame, error
	Frame *view.Frame `json:"frame,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Stream upgrades to a websocket and runs one view session over it.
func (h *Handler) Stream(c *gin.Context) {
	coin, _ := service.ResolveInstrument(c.Query("trade"), h.defaultInstrument)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}
	if !h.track(conn) {
		conn.Close()
		return
	}
	defer h.untrack(conn)

	peer := newPeer(conn)
	session := service.NewViewSession(h.dialer, h.prefs, peer.offer)
	logger := h.logger.With(slog.String("session", session.ID))

	done := make(chan struct{})
	go peer.writeLoop(done, logger)

	if err := session.Start(h.ctx, coin); err != nil {
		logger.Error("Failed to start view session", slog.Any("error", err))
	}

	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				peer.sendError("malformed command")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("View socket closed", slog.Any("error", err))
			}
			break
		}
		if err := h.dispatch(session, cmd); err != nil {
			peer.sendError(err.Error())
		}
	}

	session.Close()
	close(done)
	conn.Close()
}

func (h *Handler) dispatch(session *service.ViewSession, cmd command) error {
	switch cmd.Op {
	case "select":
		return session.SelectInstrument(cmd.Coin)
	case "aggregation":
		if len(cmd.SigFigs) == 0 {
			return domain.ErrInvalidAggregation
		}
		var level domain.AggregationLevel
		if err := json.Unmarshal(cmd.SigFigs, &level); err != nil {
			return err
		}
		return session.SetAggregation(level)
	case "denomination":
		return session.SetDenomination(domain.Denomination(cmd.Value))
	default:
		return errors.New("unknown op: " + cmd.Op)
	}
}

func (h *Handler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.ctx.Err() != nil {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.wg.Done()
}

// Close drops every open view socket and waits for their sessions to be
// released. http.Server.Shutdown does not touch hijacked connections.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	for conn := range h.conns {
		conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// peer writes to one view socket. Frames are offered latest-only: a frame
// still waiting when a newer one arrives is replaced.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan view.Frame
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{conn: conn, frames: make(chan view.Frame, 1)}
}

// offer is called only from the session loop.
func (p *peer) offer(f view.Frame) {
	select {
	case p.frames <- f:
		return
	default:
	}
	select {
	case <-p.frames:
	default:
	}
	select {
	case p.frames <- f:
	default:
	}
}

func (p *peer) writeLoop(done <-chan struct{}, logger *slog.Logger) {
	for {
		select {
		case <-done:
			return
		case f := <-p.frames:
			if err := p.write(outbound{Type: "frame", Frame: &f}); err != nil {
				logger.Debug("Frame write failed", slog.Any("error", err))
			}
		}
	}
}

func (p *peer) sendError(msg string) {
	p.write(outbound{Type: "error", Error: msg})
}

func (p *peer) write(msg outbound) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(msg)
}
