package service

import (
	"encoding/json"
	"log/slog"
	"sync"

	"orderbook_go/internal/domain"
)

// PreferenceStore keeps per-instrument display preferences in the config
// repository under a single key. Storage failures never reach the caller:
// reads fall back to an empty mapping and writes are logged and dropped.
type PreferenceStore struct {
	repo   domain.ConfigRepository
	mu     sync.Mutex
	logger *slog.Logger
}

// NewPreferenceStore creates a store backed by repo.
func NewPreferenceStore(repo domain.ConfigRepository) *PreferenceStore {
	return &PreferenceStore{
		repo:   repo,
		logger: slog.Default().With("module", "preferences"),
	}
}

// Load returns the stored mapping, or an empty one if nothing usable is stored.
func (s *PreferenceStore) Load() domain.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *PreferenceStore) load() domain.Preferences {
	raw, ok, err := s.repo.LoadConfig(domain.PreferencesKey)
	if err != nil {
		s.logger.Error("Error reading preferences", slog.Any("error", err))
		return domain.Preferences{}
	}
	if !ok || raw == "" {
		return domain.Preferences{}
	}

	var prefs domain.Preferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		s.logger.Error("Error decoding preferences", slog.Any("error", err))
		return domain.Preferences{}
	}
	if prefs == nil {
		prefs = domain.Preferences{}
	}
	return prefs
}

// Get returns the preference for symbol, or the default when none is stored.
// A stored denomination that doesn't belong to symbol falls back to USD.
func (s *PreferenceStore) Get(symbol string) domain.DisplayPreference {
	pref, ok := s.Load()[symbol]
	if !ok {
		return domain.DefaultPreference()
	}
	if !pref.Denomination.ValidFor(symbol) {
		pref.Denomination = domain.DenominationUSD
	}
	return pref
}

// Set stores pref for symbol, keeping the other instruments' entries.
func (s *PreferenceStore) Set(symbol string, pref domain.DisplayPreference) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := s.load()
	prefs[symbol] = pref

	b, err := json.Marshal(prefs)
	if err != nil {
		s.logger.Error("Error encoding preferences", slog.Any("error", err))
		return
	}
	if err := s.repo.SaveConfig(domain.PreferencesKey, string(b)); err != nil {
		s.logger.Error("Error writing preferences", slog.String("symbol", symbol), slog.Any("error", err))
	}
}
