// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package manager

import (
	"sync"

	"github.com/tomtom215/vigil/internal/schema"
)

// Stats tracks the running pipeline counters. Increment paths take one
// short mutex so that Snapshot yields a coherent reading, in particular
// received == enqueued + suppressed + malformed + dropped_in at every
// snapshot.
type Stats struct {
	mu sync.Mutex

	received        uint64
	malformed       uint64
	suppressed      uint64
	enqueued        uint64
	droppedIn       uint64
	dispatched      uint64
	droppedShutdown uint64

	bySource   map[string]uint64
	bySeverity map[string]uint64
}

// Snapshot is a coherent copy of all counters at one instant.
type Snapshot struct {
	Received        uint64 `json:"received"`
	Malformed       uint64 `json:"malformed"`
	Suppressed      uint64 `json:"suppressed"`
	Enqueued        uint64 `json:"enqueued"`
	DroppedIn       uint64 `json:"dropped_in"`
	Dispatched      uint64 `json:"dispatched"`
	DroppedShutdown uint64 `json:"dropped_shutdown"`

	BySource          map[string]uint64 `json:"by_source"`
	BySeverity        map[string]uint64 `json:"by_severity"`
	CorrelatorFirings uint64            `json:"correlator_firings"`
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{
		bySource:   make(map[string]uint64),
		bySeverity: make(map[string]uint64),
	}
}

// RecordReceived registers one arrived message and its terminal intake
// outcome in a single critical section, keeping the identity invariant.
func (s *Stats) RecordReceived(source string, outcome intakeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received++
	if source != "" {
		s.bySource[source]++
	}
	switch outcome {
	case outcomeEnqueued:
		s.enqueued++
	case outcomeSuppressed:
		s.suppressed++
	case outcomeMalformed:
		s.malformed++
	case outcomeDroppedIn:
		s.droppedIn++
	}
}

// RecordDispatched registers one alert delivered to the sinks.
func (s *Stats) RecordDispatched(severity schema.Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched++
	s.bySeverity[severity.String()]++
}

// RecordDroppedShutdown counts alerts abandoned in the intake queue when
// the shutdown grace ran out.
func (s *Stats) RecordDroppedShutdown(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedShutdown += n
}

// Snapshot returns a coherent copy of every counter.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Received:        s.received,
		Malformed:       s.malformed,
		Suppressed:      s.suppressed,
		Enqueued:        s.enqueued,
		DroppedIn:       s.droppedIn,
		Dispatched:      s.dispatched,
		DroppedShutdown: s.droppedShutdown,
		BySource:        make(map[string]uint64, len(s.bySource)),
		BySeverity:      make(map[string]uint64, len(s.bySeverity)),
	}
	for k, v := range s.bySource {
		snap.BySource[k] = v
	}
	for k, v := range s.bySeverity {
		snap.BySeverity[k] = v
	}
	return snap
}

// intakeOutcome is the terminal intake classification of one message.
type intakeOutcome int

const (
	outcomeEnqueued intakeOutcome = iota
	outcomeSuppressed
	outcomeMalformed
	outcomeDroppedIn
)
