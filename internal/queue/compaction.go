// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
)

// Compactor periodically removes done markers older than DoneRetention and
// reclaims value-log space. Badger TTLs expire markers on their own; the
// sweep also covers markers written under a longer retention than the
// current one.
type Compactor struct {
	queue    *Queue
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	lastRun     time.Time
	lastRemoved int64
}

// CompactorStats reports the last compaction run.
type CompactorStats struct {
	LastRun     time.Time
	LastRemoved int64
	Running     bool
}

// NewCompactor creates a compactor running every Config.CompactionInterval.
func NewCompactor(q *Queue) *Compactor {
	interval := q.config.CompactionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Compactor{queue: q, interval: interval}
}

// Start begins the background loop. Calling Start twice is a no-op.
func (c *Compactor) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	logging.Info().Dur("interval", c.interval).Msg("Queue compactor started")
	return nil
}

// Stop ends the loop and waits for a running compaction to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	logging.Info().Msg("Queue compactor stopped")
}

// IsRunning reports whether the loop is active.
func (c *Compactor) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.compact()
		}
	}
}

// RunNow performs one compaction synchronously.
func (c *Compactor) RunNow() error {
	_, err := c.compact()
	return err
}

func (c *Compactor) compact() (int64, error) {
	start := time.Now()

	removed, err := c.deleteExpiredMarkers()
	if err != nil {
		logging.Error().Err(err).Msg("Queue compaction failed to delete done markers")
		return 0, err
	}
	if err := c.queue.RunGC(); err != nil {
		logging.Error().Err(err).Msg("Queue compaction GC error")
	}

	// Refreshes the pending and dead gauges.
	c.queue.Stats()

	c.mu.Lock()
	c.lastRun = time.Now()
	c.lastRemoved = removed
	c.mu.Unlock()

	c.queue.mu.Lock()
	c.queue.lastCompaction = time.Now()
	c.queue.mu.Unlock()

	recordCompaction(removed)
	if removed > 0 {
		logging.Info().
			Int64("removed", removed).
			Dur("duration", time.Since(start)).
			Msg("Queue compaction removed done markers")
	}
	return removed, nil
}

func (c *Compactor) deleteExpiredMarkers() (int64, error) {
	if err := c.queue.checkOpen(); err != nil {
		return 0, err
	}
	cutoff := c.queue.now().Add(-c.queue.config.DoneRetention)

	var expired [][]byte
	err := c.queue.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixDone)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var marker doneMarker
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &marker)
			}); err != nil {
				expired = append(expired, item.KeyCopy(nil))
				continue
			}
			if marker.CompletedAt.Before(cutoff) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	wb := c.queue.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range expired {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return int64(len(expired)), nil
}

// GetStats returns the result of the last run.
func (c *Compactor) GetStats() CompactorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CompactorStats{
		LastRun:     c.lastRun,
		LastRemoved: c.lastRemoved,
		Running:     c.running,
	}
}
