// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package dedup suppresses repeated identical alerts inside a sliding time
// window.
//
// The cache is keyed by a content fingerprint of (source, title, src_ip,
// dst_ip, rule_id). The first alert with a given fingerprint passes;
// repeats within the window are suppressed and counted on the surviving
// entry. The Alert Manager stamps the survivor's dedup_count from the
// entry at dispatch time, so the count covers every duplicate seen before
// delivery.
//
// Dedup is a best-effort optimization, never a security-relevant filter.
// Alerts with source=correlation are exempt; the correlator's own firing
// cooldown governs those.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/tomtom215/vigil/internal/schema"
)

// Fingerprint returns the canonical content hash used as the dedup key.
func Fingerprint(a *schema.Alert) string {
	h := sha256.New()
	for _, part := range []string{
		a.Source,
		a.Title,
		a.MetaString(schema.MetaSrcIP),
		a.MetaString(schema.MetaDstIP),
		a.MetaString(schema.MetaRuleID),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verdict is the outcome of observing one alert.
type Verdict struct {
	// Passed is true when the alert should continue down the pipeline.
	Passed bool

	// OriginalID is the alert_id of the surviving entry when the alert
	// was suppressed as a duplicate.
	OriginalID string
}

// entry is one fingerprint record in the doubly-linked recency list.
// head.next holds the most recently seen entry, tail.prev the oldest.
type entry struct {
	fingerprint string
	alertID     string
	firstSeen   time.Time
	lastSeen    time.Time
	count       int
	prev, next  *entry
}

// Cache is a thread-safe time-bounded fingerprint cache with O(1) observe
// and O(1) oldest-last_seen eviction. The receiver stages share one Cache;
// critical sections are a hash lookup plus small pointer updates.
type Cache struct {
	mu sync.Mutex

	window   time.Duration
	capacity int

	entries    map[string]*entry
	head, tail *entry

	// Now returns the current time. Override for testing.
	Now func() time.Time
}

// NewCache creates a dedup cache. Zero or negative arguments fall back to
// the documented defaults (60 s window, 10000 entries).
func NewCache(window time.Duration, capacity int) *Cache {
	if window <= 0 {
		window = 60 * time.Second
	}
	if capacity <= 0 {
		capacity = 10000
	}
	c := &Cache{
		window:   window,
		capacity: capacity,
		entries:  make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
		Now:      time.Now,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Observe records one canonical alert and decides whether it passes.
// Correlation alerts always pass untouched.
func (c *Cache) Observe(a *schema.Alert) Verdict {
	if a.Source == schema.SourceCorrelation {
		return Verdict{Passed: true}
	}

	fp := Fingerprint(a)
	now := c.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fp]; ok {
		if now.Sub(e.lastSeen) <= c.window {
			e.count++
			e.lastSeen = now
			c.moveToFront(e)
			return Verdict{Passed: false, OriginalID: e.alertID}
		}
		// Window elapsed: the fingerprint starts a fresh life.
		c.removeEntry(e)
	}

	if len(c.entries) >= c.capacity {
		c.removeEntry(c.tail.prev)
	}

	e := &entry{
		fingerprint: fp,
		alertID:     a.AlertID,
		firstSeen:   now,
		lastSeen:    now,
		count:       1,
	}
	c.entries[fp] = e
	c.pushFront(e)
	return Verdict{Passed: true}
}

// Count returns the current duplicate count for the alert's fingerprint,
// or 1 when the entry has already been evicted. Workers call this at
// dispatch time to stamp dedup_count on the surviving alert.
func (c *Cache) Count(a *schema.Alert) int {
	if a.Source == schema.SourceCorrelation {
		return 1
	}
	fp := Fingerprint(a)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fp]; ok && e.alertID == a.AlertID {
		return e.count
	}
	return 1
}

// Sweep evicts every entry older than the window and returns how many
// were removed.
func (c *Cache) Sweep() int {
	now := c.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.tail.prev; e != c.head; {
		if now.Sub(e.lastSeen) <= c.window {
			break
		}
		prev := e.prev
		c.removeEntry(e)
		removed++
		e = prev
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps the cache every second until the context is canceled.
// Designed to run as a supervised goroutine.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// list helpers; must be called with mu held.

func (c *Cache) pushFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.pushFront(e)
}

func (c *Cache) removeEntry(e *entry) {
	if e == c.head || e == c.tail {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.entries, e.fingerprint)
}
