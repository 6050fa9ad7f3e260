package engine

import (
	"context"
	"log/slog"
	"sync"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra"
)

// session is one connection lifecycle: a feed transport plus its book
// subscription, owned exclusively by the synchronizer that created it.
// release frees whatever was acquired, on every exit path.
type session struct {
	id        uint64
	coin      string
	level     domain.AggregationLevel
	coalescer *Coalescer
	cancel    context.CancelFunc
	logger    *slog.Logger

	mu       sync.Mutex
	client   domain.FeedClient
	sub      domain.Subscription
	released bool
}

// attachClient hands the transport to the session. A session released while
// dialing closes the late transport instead.
func (s *session) attachClient(client domain.FeedClient) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		if err := client.Close(); err != nil {
			s.logger.Debug("Late transport close failed", slog.Any("error", err))
		}
		return false
	}
	s.client = client
	s.mu.Unlock()

	infra.GlobalMetrics.IncrementConnections()
	return true
}

// attachSubscription hands the subscription to the session, cancelling it
// straight away if the session is already gone.
func (s *session) attachSubscription(sub domain.Subscription) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("Late unsubscribe failed", slog.Any("error", err))
		}
		return false
	}
	s.sub = sub
	s.mu.Unlock()
	return true
}

// release cancels the subscription, then closes the transport. Idempotent.
func (s *session) release() {
	s.cancel()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	sub, client := s.sub, s.client
	s.sub, s.client = nil, nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Unsubscribe failed", slog.Any("error", err))
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			s.logger.Warn("Transport close failed", slog.Any("error", err))
		}
		infra.GlobalMetrics.DecrementConnections()
	}
	s.logger.Debug("Lifecycle released")
}

func (s *session) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
