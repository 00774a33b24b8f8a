// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/messaging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/schema"
	"github.com/tomtom215/vigil/internal/wal"
)

// Publisher re-emits canonical alerts on the downstream subject so
// external consumers (dashboards, indexers) can subscribe.
//
// Without a spool, delivery follows the pipeline's drop-on-overflow
// contract. With one, each alert is spooled before the publish attempt
// and confirmed after, and a replay loop retries whatever is pending.
type Publisher struct {
	subject string
	pub     *messaging.Publisher
	codec   *schema.Codec
	spool   *wal.Spool
}

// NewPublisher creates the downstream sink. spool may be nil.
func NewPublisher(subject string, pub *messaging.Publisher, spool *wal.Spool) *Publisher {
	return &Publisher{
		subject: subject,
		pub:     pub,
		codec:   schema.NewCodec(),
		spool:   spool,
	}
}

func (p *Publisher) Name() string { return "publisher" }

// Deliver publishes one alert downstream.
func (p *Publisher) Deliver(a *schema.Alert) error {
	payload, err := p.codec.Encode(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.AlertID, err)
	}

	if p.spool == nil {
		return p.pub.Publish(p.subject, payload)
	}

	entryID, err := p.spool.Write(a, payload)
	if err != nil {
		// Spool failure degrades to the lossy path rather than dropping.
		logging.Err(err).Msg("Spool write failed, publishing without durability")
		return p.pub.Publish(p.subject, payload)
	}

	if err := p.pub.TryPublish(p.subject, payload); err != nil {
		if markErr := p.spool.MarkAttempt(entryID, err); markErr != nil {
			logging.Err(markErr).Str("entry_id", entryID).Msg("Spool attempt update failed")
		}
		// The replay loop owns the retry; delivery is considered accepted.
		return nil
	}

	if err := p.spool.Confirm(entryID); err != nil {
		logging.Err(err).Str("entry_id", entryID).Msg("Spool confirm failed")
	}
	return nil
}

// Close closes the spool. The shared broker connection is owned by the
// caller and left open.
func (p *Publisher) Close() error {
	if p.spool != nil {
		return p.spool.Close()
	}
	return nil
}

// ReplayLoop retries spooled alerts until the context is canceled. Run as
// a supervised goroutine when the spool is enabled.
func (p *Publisher) ReplayLoop(ctx context.Context, interval time.Duration) error {
	if p.spool == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.replayPending(ctx)
		}
	}
}

func (p *Publisher) replayPending(ctx context.Context) {
	entries, err := p.spool.Pending(ctx)
	if err != nil {
		logging.Err(err).Msg("Spool read failed")
		return
	}
	if len(entries) == 0 {
		return
	}

	replayed := 0
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.pub.TryPublish(p.subject, e.Payload); err != nil {
			if markErr := p.spool.MarkAttempt(e.ID, err); markErr != nil {
				logging.Err(markErr).Str("entry_id", e.ID).Msg("Spool attempt update failed")
			}
			// Broker still unreachable; try again next tick.
			return
		}
		if err := p.spool.Confirm(e.ID); err != nil {
			logging.Err(err).Str("entry_id", e.ID).Msg("Spool confirm failed")
			continue
		}
		replayed++
		metrics.WALReplays.Inc()
	}

	if replayed > 0 {
		logging.Info().Int("count", replayed).Msg("Replayed spooled alerts")
		p.spool.Stats()
	}
}
