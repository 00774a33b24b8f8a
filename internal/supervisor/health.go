// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

// HeartbeatTracker records producer activity. Any message a producer
// publishes, alert or heartbeat envelope, counts. A producer silent for
// three heartbeat intervals is unhealthy.
type HeartbeatTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	interval time.Duration

	// Now returns the current time. Override for testing.
	Now func() time.Time
}

// NewHeartbeatTracker creates a tracker for the given producers. Each
// starts with a grace stamp at creation so a slow-starting producer is
// not immediately unhealthy.
func NewHeartbeatTracker(interval time.Duration, producers []string) *HeartbeatTracker {
	t := &HeartbeatTracker{
		lastSeen: make(map[string]time.Time, len(producers)),
		interval: interval,
		Now:      time.Now,
	}
	now := time.Now()
	for _, p := range producers {
		t.lastSeen[p] = now
	}
	return t
}

// MarkSeen records activity from a producer.
func (t *HeartbeatTracker) MarkSeen(producer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[producer] = t.Now()
}

// Healthy reports whether the producer has been seen within three
// heartbeat intervals. Unknown producers are unhealthy.
func (t *HeartbeatTracker) Healthy(producer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.lastSeen[producer]
	if !ok {
		return false
	}
	return t.Now().Sub(seen) <= 3*t.interval
}

// LastSeen returns the last activity time, or zero when unknown.
func (t *HeartbeatTracker) LastSeen(producer string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen[producer]
}

// Snapshot returns the health of every tracked producer.
func (t *HeartbeatTracker) Snapshot() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.Now()
	out := make(map[string]bool, len(t.lastSeen))
	for p, seen := range t.lastSeen {
		out[p] = now.Sub(seen) <= 3*t.interval
	}
	return out
}

// Run refreshes health gauges every heartbeat interval and logs
// transitions to unhealthy. Restart decisions belong to the producer
// launchers, which poll Healthy themselves.
func (t *HeartbeatTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	wasHealthy := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for producer, healthy := range t.Snapshot() {
				v := 0.0
				if healthy {
					v = 1.0
				}
				metrics.ProducerHealthy.WithLabelValues(producer).Set(v)

				if prev, seen := wasHealthy[producer]; seen && prev && !healthy {
					logging.Warn().
						Str("producer", producer).
						Time("last_seen", t.LastSeen(producer)).
						Msg("Producer unhealthy, no activity for three heartbeat intervals")
				}
				wasHealthy[producer] = healthy
			}
		}
	}
}
