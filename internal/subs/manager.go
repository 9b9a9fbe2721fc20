package subs

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/settings"
	"proxydeck/internal/shared/types"
)

// ErrSubscriptionNotFound is returned when an id matches no stored entry.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ProfileReplacer swaps all profiles belonging to one subscription for a
// fresh set. The registry implements it.
type ProfileReplacer interface {
	ReplaceSubscription(subsID string, profiles []*types.ServerProfile) (removed, added int)
}

// Manager owns the subscription list and drives refreshes.
type Manager struct {
	settings *settings.SettingsManager
	registry ProfileReplacer
	fetcher  Fetcher
	log      zerolog.Logger
}

func NewManager(sm *settings.SettingsManager, registry ProfileReplacer, fetcher Fetcher) *Manager {
	return &Manager{
		settings: sm,
		registry: registry,
		fetcher:  fetcher,
		log:      logger.WithComponent("subs"),
	}
}

// List returns the stored subscription entries.
func (m *Manager) List() []*settings.Subscription {
	return m.settings.Subscriptions()
}

// Add stores a new subscription entry and returns it.
func (m *Manager) Add(remarks, rawURL string) (*settings.Subscription, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid subscription url %q", rawURL)
	}
	entry := &settings.Subscription{
		ID:      uuid.New().String(),
		Remarks: remarks,
		URL:     rawURL,
	}
	entries := append(m.settings.Subscriptions(), entry)
	if err := m.settings.SaveSubscriptions(entries); err != nil {
		return nil, err
	}
	m.log.Info().Str("subs_id", entry.ID).Str("url", rawURL).Msg("Subscription added.")
	return entry, nil
}

// Rename changes the display name of a stored entry.
func (m *Manager) Rename(id, remarks string) error {
	entries := m.settings.Subscriptions()
	for _, e := range entries {
		if e.ID == id {
			e.Remarks = remarks
			return m.settings.SaveSubscriptions(entries)
		}
	}
	return ErrSubscriptionNotFound
}

// Remove deletes a stored entry. With dropProfiles set, every profile the
// subscription contributed is removed from the registry as well.
func (m *Manager) Remove(id string, dropProfiles bool) error {
	entries := m.settings.Subscriptions()
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.ID == id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return ErrSubscriptionNotFound
	}
	if err := m.settings.SaveSubscriptions(kept); err != nil {
		return err
	}
	if dropProfiles {
		removed, _ := m.registry.ReplaceSubscription(id, nil)
		m.log.Info().Str("subs_id", id).Int("removed", removed).Msg("Subscription profiles dropped.")
	}
	return nil
}

// Refresh fetches one subscription and swaps its profiles in the registry.
func (m *Manager) Refresh(ctx context.Context, id string) (removed, added int, err error) {
	var entry *settings.Subscription
	for _, e := range m.settings.Subscriptions() {
		if e.ID == id {
			entry = e
			break
		}
	}
	if entry == nil {
		return 0, 0, ErrSubscriptionNotFound
	}

	body, err := m.fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		return 0, 0, err
	}
	profiles := Parse(body)
	if len(profiles) == 0 {
		return 0, 0, fmt.Errorf("subscription %s yielded no profiles", entry.URL)
	}

	removed, added = m.registry.ReplaceSubscription(id, profiles)
	m.log.Info().
		Str("subs_id", id).
		Str("remarks", entry.Remarks).
		Int("removed", removed).
		Int("added", added).
		Msg("Subscription refreshed.")
	return removed, added, nil
}

// RefreshAll refreshes every stored subscription, continuing past failures.
// The first failure is returned after all entries were attempted.
func (m *Manager) RefreshAll(ctx context.Context) error {
	var firstErr error
	for _, e := range m.settings.Subscriptions() {
		if _, _, err := m.Refresh(ctx, e.ID); err != nil {
			m.log.Warn().Err(err).Str("subs_id", e.ID).Msg("Subscription refresh failed.")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
