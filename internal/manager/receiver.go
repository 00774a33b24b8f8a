// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package manager

import (
	"context"
	"fmt"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/messaging"
)

// Liveness receives producer activity notifications. Any message on a
// producer's subject, alert or heartbeat envelope, counts as liveness.
type Liveness interface {
	MarkSeen(producer string)
}

// Receiver subscribes to one producer subject and feeds the manager's
// receiver stage. One receiver per producer, so per-source ordering holds
// up to the intake queue.
type Receiver struct {
	Producer string
	Subject  string
	Sub      *messaging.Subscriber
	Manager  *Manager

	// Liveness is optional; nil disables heartbeat tracking.
	Liveness Liveness
}

// String names the receiver in supervisor logs.
func (r *Receiver) String() string {
	return fmt.Sprintf("receiver-%s", r.Producer)
}

// Serve consumes the subject until the context is canceled.
func (r *Receiver) Serve(ctx context.Context) error {
	msgs, err := r.Sub.Subscribe(ctx, r.Subject)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.Subject, err)
	}
	logging.Info().
		Str("producer", r.Producer).
		Str("subject", r.Subject).
		Msg("Receiver started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription %s closed", r.Subject)
			}
			if r.Liveness != nil {
				r.Liveness.MarkSeen(r.Producer)
			}
			if hb := r.Manager.Ingest(msg.Payload); hb != "" {
				logging.Debug().Str("producer", hb).Msg("Heartbeat received")
			}
			msg.Ack()
		}
	}
}
