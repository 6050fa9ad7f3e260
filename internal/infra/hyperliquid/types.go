package hyperliquid

import (
	"encoding/json"
	"fmt"

	"orderbook_go/internal/domain"
)

const (
	channelPost         = "post"
	channelL2Book       = "l2Book"
	channelPong         = "pong"
	channelSubscription = "subscriptionResponse"
	channelError        = "error"

	requestL2Book = "l2Book"
)

// postRequest wraps an info request sent over the websocket.
// {"method":"post","id":1,"request":{"type":"info","payload":{...}}}
type postRequest struct {
	Method  string   `json:"method"`
	ID      uint64   `json:"id"`
	Request postBody `json:"request"`
}

type postBody struct {
	Type    string        `json:"type"`
	Payload l2BookRequest `json:"payload"`
}

// l2BookRequest is shared by the info payload and the subscription.
// NSigFigs null means full precision.
type l2BookRequest struct {
	Type     string `json:"type"`
	Coin     string `json:"coin"`
	NSigFigs *int   `json:"nSigFigs"`
}

type subscribeRequest struct {
	Method       string        `json:"method"` // subscribe, unsubscribe
	Subscription l2BookRequest `json:"subscription"`
}

type pingRequest struct {
	Method string `json:"method"`
}

// envelope is the outer shape of every inbound message.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type postResponse struct {
	ID       uint64 `json:"id"`
	Response struct {
		Type    string          `json:"type"` // info, error
		Payload json.RawMessage `json:"payload"`
	} `json:"response"`
}

type infoPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wsBook is the l2Book payload; Levels[0] holds bids, Levels[1] asks.
type wsBook struct {
	Coin   string      `json:"coin"`
	Time   int64       `json:"time"`
	Levels [][]wsLevel `json:"levels"`
}

type wsLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// toSnapshot validates the wire book and converts it to the domain type.
func (b *wsBook) toSnapshot() (domain.BookSnapshot, error) {
	if b.Coin == "" {
		return domain.BookSnapshot{}, fmt.Errorf("%w: missing coin", domain.ErrMalformedBook)
	}
	if len(b.Levels) != 2 {
		return domain.BookSnapshot{}, fmt.Errorf("%w: expected 2 sides, got %d", domain.ErrMalformedBook, len(b.Levels))
	}

	bids, err := parseSide(b.Levels[0])
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseSide(b.Levels[1])
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("asks: %w", err)
	}

	return domain.BookSnapshot{
		Coin: b.Coin,
		Time: b.Time,
		Bids: bids,
		Asks: asks,
	}, nil
}

func parseSide(raw []wsLevel) ([]domain.BookLevel, error) {
	levels := make([]domain.BookLevel, 0, len(raw))
	for _, l := range raw {
		level, err := domain.ParseBookLevel(l.Px, l.Sz, l.N)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func decodeBook(raw json.RawMessage) (domain.BookSnapshot, error) {
	var book wsBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("%w: %v", domain.ErrMalformedBook, err)
	}
	return book.toSnapshot()
}
