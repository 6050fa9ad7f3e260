package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/service"
)

type stubSub struct{}

func (stubSub) Unsubscribe() error { return nil }

type stubFeed struct {
	mu   sync.Mutex
	open int
}

func (f *stubFeed) Dial(ctx context.Context) (domain.FeedClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open++
	return &stubClient{feed: f}, nil
}

func (f *stubFeed) openTransports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

type stubClient struct {
	feed *stubFeed
	once sync.Once
}

func (c *stubClient) FetchBook(ctx context.Context, coin string, level domain.AggregationLevel) (domain.BookSnapshot, error) {
	price := decimal.NewFromInt(100000)
	if coin == "ETH" {
		price = decimal.NewFromInt(3000)
	}
	return domain.BookSnapshot{
		Coin: coin,
		Bids: []domain.BookLevel{{Price: price, Size: decimal.RequireFromString("0.5")}},
		Asks: []domain.BookLevel{{Price: price.Add(decimal.NewFromInt(1)), Size: decimal.RequireFromString("0.25")}},
	}, nil
}

func (c *stubClient) SubscribeBook(ctx context.Context, coin string, level domain.AggregationLevel, onUpdate func(domain.BookSnapshot)) (domain.Subscription, error) {
	return stubSub{}, nil
}

func (c *stubClient) Close() error {
	c.once.Do(func() {
		c.feed.mu.Lock()
		c.feed.open--
		c.feed.mu.Unlock()
	})
	return nil
}

type memRepo struct {
	mu     sync.Mutex
	values map[string]string
}

func (r *memRepo) SaveConfig(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}

func (r *memRepo) LoadConfig(key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok, nil
}

type stubCatalog []domain.CoinInfo

func (s stubCatalog) GetActiveCoins() ([]domain.CoinInfo, error) { return s, nil }

func newTestHandler(t *testing.T) (*Handler, *stubFeed) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	feed := &stubFeed{}
	h := NewHandler(ctx, Options{
		Dialer:            feed,
		Preferences:       service.NewPreferenceStore(&memRepo{values: make(map[string]string)}),
		Coins:             stubCatalog{{Symbol: "BTC", Quote: "USD", IconPath: "/tmp/icons/btc.png", IsActive: true}},
		DefaultInstrument: "BTC",
		Metrics:           http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }),
	})
	t.Cleanup(func() {
		h.Close()
		cancel()
	})
	return h, feed
}

func TestHandler_Index(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantLoc    string
		wantCoin   string
	}{
		{"Default", "/", http.StatusOK, "", "BTC"},
		{"Requested", "/?trade=ETH", http.StatusOK, "", "ETH"},
		{"InvalidStripped", "/?trade=DOGE", http.StatusFound, "/", ""},
		{"InvalidKeepsOtherParams", "/?trade=DOGE&theme=dark", http.StatusFound, "/?theme=dark", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.target, nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantLoc != "" {
				if loc := w.Header().Get("Location"); loc != tt.wantLoc {
					t.Errorf("Location = %q, want %q", loc, tt.wantLoc)
				}
				return
			}

			var body struct {
				Instrument string `json:"instrument"`
				Pair       string `json:"pair"`
				WSPath     string `json:"ws_path"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Instrument != tt.wantCoin {
				t.Errorf("instrument = %s, want %s", body.Instrument, tt.wantCoin)
			}
			if body.Pair != tt.wantCoin+"-USD" {
				t.Errorf("pair = %s", body.Pair)
			}
			if body.WSPath != "/ws?trade="+tt.wantCoin {
				t.Errorf("ws_path = %s", body.WSPath)
			}
		})
	}
}

func TestHandler_ListInstruments(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/instruments", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Instruments []instrumentDTO `json:"instruments"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Instruments) != 2 {
		t.Fatalf("got %d instruments, want 2", len(body.Instruments))
	}
	if got := body.Instruments[0]; got.Symbol != "BTC" || got.IconURL != "/icons/btc.png" {
		t.Errorf("BTC = %+v", got)
	}
	if got := body.Instruments[1]; got.Symbol != "ETH" || got.IconURL != "" || got.Pair != "ETH-USD" {
		t.Errorf("ETH = %+v", got)
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h)

	for _, path := range []string{"/healthz", "/metrics", "/api/v1/preferences"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, w.Code)
		}
	}
}

type wireFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Frame *struct {
		Coin         string `json:"coin"`
		Denomination string `json:"denomination"`
		SigFigs      *int   `json:"sig_figs"`
		Ready        bool   `json:"ready"`
		Bids         []struct {
			Size string `json:"size"`
		} `json:"bids"`
	} `json:"frame"`
}

func readUntil(t *testing.T, conn *websocket.Conn, what string, pred func(wireFrame) bool) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg wireFrame
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if pred(msg) {
			return msg
		}
	}
}

func TestHandler_Stream(t *testing.T) {
	h, feed := newTestHandler(t)
	srv := httptest.NewServer(NewRouter(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?trade=ETH"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	msg := readUntil(t, conn, "ETH ready", func(m wireFrame) bool {
		return m.Type == "frame" && m.Frame.Coin == "ETH" && m.Frame.Ready
	})
	if msg.Frame.Denomination != "USD" || msg.Frame.SigFigs == nil || *msg.Frame.SigFigs != 2 {
		t.Errorf("initial frame = %+v", msg.Frame)
	}

	t.Run("Aggregation", func(t *testing.T) {
		conn.WriteJSON(map[string]any{"op": "aggregation", "sig_figs": 3})
		readUntil(t, conn, "3 sig figs", func(m wireFrame) bool {
			return m.Type == "frame" && m.Frame.Ready && m.Frame.SigFigs != nil && *m.Frame.SigFigs == 3
		})
	})

	t.Run("Denomination", func(t *testing.T) {
		conn.WriteJSON(map[string]any{"op": "denomination", "value": "ETH"})
		msg := readUntil(t, conn, "ETH denomination", func(m wireFrame) bool {
			return m.Type == "frame" && m.Frame.Denomination == "ETH"
		})
		if len(msg.Frame.Bids) == 0 || msg.Frame.Bids[0].Size != "0.5000" {
			t.Errorf("bids = %+v", msg.Frame.Bids)
		}
	})

	t.Run("UnknownOp", func(t *testing.T) {
		conn.WriteJSON(map[string]any{"op": "bogus"})
		msg := readUntil(t, conn, "error", func(m wireFrame) bool { return m.Type == "error" })
		if !strings.Contains(msg.Error, "bogus") {
			t.Errorf("error = %q", msg.Error)
		}
	})

	t.Run("MissingSigFigs", func(t *testing.T) {
		conn.WriteJSON(map[string]any{"op": "aggregation"})
		msg := readUntil(t, conn, "error", func(m wireFrame) bool { return m.Type == "error" })
		if !strings.Contains(msg.Error, "aggregation") {
			t.Errorf("error = %q", msg.Error)
		}
	})

	t.Run("Select", func(t *testing.T) {
		conn.WriteJSON(map[string]any{"op": "select", "coin": "BTC"})
		readUntil(t, conn, "BTC ready", func(m wireFrame) bool {
			return m.Type == "frame" && m.Frame.Coin == "BTC" && m.Frame.Ready
		})
	})

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for feed.openTransports() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("open transports = %d after disconnect, want 0", feed.openTransports())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_CloseDropsSockets(t *testing.T) {
	h, feed := newTestHandler(t)
	srv := httptest.NewServer(NewRouter(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readUntil(t, conn, "BTC ready", func(m wireFrame) bool {
		return m.Type == "frame" && m.Frame.Coin == "BTC" && m.Frame.Ready
	})

	h.Close()
	if n := feed.openTransports(); n != 0 {
		t.Errorf("open transports = %d after Close, want 0", n)
	}
}
