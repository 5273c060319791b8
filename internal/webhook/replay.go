// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

const (
	replayPrefix = "replay:"

	// DefaultReplayWindow matches the longest provider redelivery schedule.
	DefaultReplayWindow = 72 * time.Hour

	replayConflictRetries = 5
)

// ReplayGuard remembers delivered event IDs for a fixed window. It shares
// the queue's Badger instance; entries expire through Badger TTLs.
type ReplayGuard struct {
	db     *badger.DB
	window time.Duration
}

// NewReplayGuard returns a guard over db. A zero window uses DefaultReplayWindow.
func NewReplayGuard(db *badger.DB, window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &ReplayGuard{db: db, window: window}
}

func replayKey(provider models.Provider, eventID string) []byte {
	return []byte(replayPrefix + string(provider) + ":" + eventID)
}

// Seen reports whether the event was already delivered, and marks it as
// delivered if not. Check and mark happen in one transaction, so of two
// concurrent deliveries exactly one sees false.
func (g *ReplayGuard) Seen(provider models.Provider, eventID string) (bool, error) {
	key := replayKey(provider, eventID)

	var seen bool
	var err error
	for i := 0; i < replayConflictRetries; i++ {
		err = g.db.Update(func(txn *badger.Txn) error {
			_, getErr := txn.Get(key)
			if getErr == nil {
				seen = true
				return nil
			}
			if !errors.Is(getErr, badger.ErrKeyNotFound) {
				return getErr
			}
			seen = false
			value := []byte(strconv.FormatInt(time.Now().Unix(), 10))
			return txn.SetEntry(badger.NewEntry(key, value).WithTTL(g.window))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return false, fmt.Errorf("replay check for %s/%s: %w", provider, eventID, err)
	}
	return seen, nil
}

// Forget removes the mark so a later redelivery is processed. Used when an
// event was marked but could not be handed off.
func (g *ReplayGuard) Forget(provider models.Provider, eventID string) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(replayKey(provider, eventID))
	})
	if err != nil {
		return fmt.Errorf("forget %s/%s: %w", provider, eventID, err)
	}
	return nil
}

// Window returns the retention window.
func (g *ReplayGuard) Window() time.Duration {
	return g.window
}
