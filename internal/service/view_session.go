package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/engine"
	"orderbook_go/internal/infra"
	"orderbook_go/internal/view"
)

// ErrSessionClosed is returned for commands sent to a disposed session.
var ErrSessionClosed = errors.New("view session closed")

const inboxSize = 256

// ResolveInstrument picks the instrument a new view opens on. A requested
// symbol outside the supported set is ignored; valid reports whether the
// request was usable (an empty request counts as valid).
func ResolveInstrument(requested, fallback string) (coin string, valid bool) {
	if requested == "" {
		return fallback, true
	}
	if domain.IsSupportedInstrument(requested) {
		return requested, true
	}
	return fallback, false
}

// ViewSession is one open order book view: its own loop, synchronizer and
// denomination, rendering a Frame on every change. Closing it releases the
// feed transport and subscription.
type ViewSession struct {
	ID string

	loop   *engine.Loop
	sync   *engine.Synchronizer
	prefs  *PreferenceStore
	emit   func(view.Frame)
	logger *slog.Logger

	// Owned by the loop goroutine
	denomination domain.Denomination

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewViewSession creates a session. emit receives every rendered frame on the
// session's loop goroutine and must not block for long.
func NewViewSession(dialer domain.FeedDialer, prefs *PreferenceStore, emit func(view.Frame)) *ViewSession {
	id := uuid.NewString()
	v := &ViewSession{
		ID:           id,
		loop:         engine.NewLoop(inboxSize),
		prefs:        prefs,
		emit:         emit,
		logger:       slog.Default().With("module", "view_session", slog.String("session", id)),
		denomination: domain.DenominationUSD,
	}
	v.sync = engine.NewSynchronizer(v.loop, dialer, func(engine.ViewState) { v.render() })
	return v
}

// Start runs the session's loop and opens the initial instrument.
func (v *ViewSession) Start(ctx context.Context, coin string) error {
	ctx, v.cancel = context.WithCancel(ctx)
	go v.loop.Run(ctx)

	infra.GlobalMetrics.IncrementSessions()
	v.logger.Info("View session started", slog.String("coin", coin))
	return v.SelectInstrument(coin)
}

// SelectInstrument switches to coin, restoring its stored preference.
func (v *ViewSession) SelectInstrument(coin string) error {
	if !domain.IsSupportedInstrument(coin) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSymbol, coin)
	}
	return v.post(func() {
		pref := v.prefs.Get(coin)
		v.denomination = pref.Denomination
		if err := v.sync.Switch(coin, pref.Aggregation); err != nil {
			v.logger.Warn("Instrument switch rejected", slog.Any("error", err))
			return
		}
		v.persist()
	})
}

// SetAggregation restarts the current instrument's lifecycle at level.
func (v *ViewSession) SetAggregation(level domain.AggregationLevel) error {
	if !level.IsValid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAggregation, level)
	}
	return v.post(func() {
		coin := v.sync.State().Coin
		if coin == "" {
			return
		}
		if err := v.sync.Switch(coin, level); err != nil {
			v.logger.Warn("Aggregation change rejected", slog.Any("error", err))
			return
		}
		v.persist()
	})
}

// SetDenomination changes the size/total unit. Only re-renders.
func (v *ViewSession) SetDenomination(d domain.Denomination) error {
	return v.post(func() {
		coin := v.sync.State().Coin
		if !d.ValidFor(coin) {
			v.logger.Warn("Denomination not valid for instrument",
				slog.String("coin", coin), slog.String("denomination", string(d)))
			return
		}
		v.denomination = d
		v.persist()
		v.render()
	})
}

// Close disposes the session. Safe to call more than once.
func (v *ViewSession) Close() {
	v.closeOnce.Do(func() {
		if v.cancel == nil {
			// Never started; nothing was acquired.
			v.loop.Stop()
			return
		}
		v.sync.Close()
		v.loop.Stop()
		v.cancel()
		infra.GlobalMetrics.DecrementSessions()
		v.logger.Info("View session closed")
	})
}

func (v *ViewSession) post(fn func()) error {
	if !v.loop.Post(fn) {
		return ErrSessionClosed
	}
	return nil
}

func (v *ViewSession) persist() {
	state := v.sync.State()
	v.prefs.Set(state.Coin, domain.DisplayPreference{
		Aggregation:  state.Aggregation,
		Denomination: v.denomination,
	})
}

func (v *ViewSession) render() {
	frame := view.Render(v.sync.State(), v.denomination)
	infra.GlobalMetrics.RecordFrame()
	if v.emit != nil {
		v.emit(frame)
	}
}
