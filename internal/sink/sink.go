// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package sink holds the terminal outputs unified alerts are dispatched
// to: a console writer, an append-only JSONL file, and a downstream
// publisher for external consumers. Sinks are independent; a failing
// sink never stops the others.
package sink

import (
	"github.com/tomtom215/vigil/internal/schema"
)

// Sink is the delivery contract every terminal output implements.
// Deliver may block briefly (file I/O, socket send) but must not retry
// indefinitely; persistent failures are the caller's to count.
type Sink interface {
	// Name identifies the sink in metrics and logs.
	Name() string

	// Deliver records or forwards one unified alert.
	Deliver(a *schema.Alert) error

	// Close flushes buffered state and releases resources.
	Close() error
}
