// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package manager is the pipeline core: the bounded intake queue, the
// fixed worker pool, and dispatch to sinks and the correlator.
//
// Receivers push canonical alerts in with a try-send; a full queue drops
// the newest arrival so the pipeline stays live under burst. Workers are
// stateless: dequeue, hand to the correlator, fan out to every enabled
// sink, count. Correlation alerts re-enter through a dedicated channel
// and flow to sinks like any other alert.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/vigil/internal/correlate"
	"github.com/tomtom215/vigil/internal/dedup"
	"github.com/tomtom215/vigil/internal/enrich"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/normalize"
	"github.com/tomtom215/vigil/internal/schema"
	"github.com/tomtom215/vigil/internal/sink"
)

// Manager wires the intake queue, worker pool, sinks, and correlator.
type Manager struct {
	intake  chan *schema.Alert
	reentry chan *schema.Alert
	workers int

	norm     *normalize.Normalizer
	dedup    *dedup.Cache
	enricher *enrich.Chain
	sinks    []sink.Sink

	// correlator is nil when correlation is disabled.
	correlator *correlate.Engine

	stats *Stats

	// shutdownGrace caps drain time after cancellation.
	shutdownGrace time.Duration
}

// Options configures a Manager.
type Options struct {
	IntakeCapacity int
	WorkerCount    int
	ShutdownGrace  time.Duration

	Dedup      *dedup.Cache
	Enricher   *enrich.Chain
	Sinks      []sink.Sink
	Correlator *correlate.Engine
}

// New creates a Manager. The re-entry channel returned alongside it is
// the correlator's output; pass it to correlate.NewEngine.
func New(opts Options) (*Manager, chan *schema.Alert) {
	if opts.IntakeCapacity <= 0 {
		opts.IntakeCapacity = 10000
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}

	reentry := make(chan *schema.Alert, 256)
	m := &Manager{
		intake:        make(chan *schema.Alert, opts.IntakeCapacity),
		reentry:       reentry,
		workers:       opts.WorkerCount,
		norm:          normalize.New(),
		dedup:         opts.Dedup,
		enricher:      opts.Enricher,
		sinks:         opts.Sinks,
		correlator:    opts.Correlator,
		stats:         NewStats(),
		shutdownGrace: opts.ShutdownGrace,
	}
	return m, reentry
}

// SetCorrelator attaches the correlation engine. Call before Serve; the
// engine's output channel must be the re-entry channel New returned.
func (m *Manager) SetCorrelator(en *correlate.Engine) {
	m.correlator = en
}

// Stats returns the live counter set.
func (m *Manager) Stats() *Stats { return m.stats }

// IntakeDepth returns the current queue depth.
func (m *Manager) IntakeDepth() int { return len(m.intake) }

// Ingest runs the receiver stage on one raw payload: heartbeat check,
// normalize, dedup, enrich, try-enqueue. Returns the heartbeat source
// when the payload was a liveness envelope rather than an alert.
func (m *Manager) Ingest(data []byte) (heartbeatSource string) {
	if source, ok := normalize.ParseHeartbeat(data); ok {
		return source
	}

	a, err := m.norm.Normalize(data)
	if err != nil {
		m.stats.RecordReceived("", outcomeMalformed)
		metrics.AlertsMalformed.Inc()
		logging.Debug().Err(err).Msg("Malformed alert dropped")
		return ""
	}
	metrics.AlertsReceived.WithLabelValues(a.Source).Inc()

	if m.dedup != nil {
		if v := m.dedup.Observe(a); !v.Passed {
			m.stats.RecordReceived(a.Source, outcomeSuppressed)
			metrics.AlertsSuppressed.Inc()
			logging.Debug().
				Str("alert_id", a.AlertID).
				Str("original_id", v.OriginalID).
				Msg("Duplicate suppressed")
			return ""
		}
	}

	if m.enricher != nil {
		m.enricher.Enrich(a)
	}

	select {
	case m.intake <- a:
		m.stats.RecordReceived(a.Source, outcomeEnqueued)
		metrics.IntakeDepth.Set(float64(len(m.intake)))
	default:
		m.stats.RecordReceived(a.Source, outcomeDroppedIn)
		metrics.AlertsDroppedIn.Inc()
	}
	return ""
}

// Serve runs the worker pool and the re-entry forwarder until the
// context is canceled, then drains the queue within the shutdown grace.
func (m *Manager) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.workLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.reentryLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	m.drain()
	return ctx.Err()
}

// workLoop dispatches alerts until cancellation. The in-flight alert is
// always completed.
func (m *Manager) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.intake:
			metrics.IntakeDepth.Set(float64(len(m.intake)))
			m.dispatch(a)
		}
	}
}

// reentryLoop moves correlation alerts from the correlator back into the
// intake path. They are enriched but skip normalization and dedup.
func (m *Manager) reentryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.reentry:
			if m.enricher != nil {
				m.enricher.Enrich(a)
			}
			select {
			case m.intake <- a:
				m.stats.RecordReceived(a.Source, outcomeEnqueued)
			default:
				m.stats.RecordReceived(a.Source, outcomeDroppedIn)
				metrics.AlertsDroppedIn.Inc()
			}
		}
	}
}

// dispatch hands one alert to the correlator, then to every sink.
func (m *Manager) dispatch(a *schema.Alert) {
	if m.dedup != nil {
		// The surviving alert carries every duplicate counted so far.
		a.DedupCount = m.dedup.Count(a)
	}

	if m.correlator != nil {
		m.correlator.Submit(a)
	}

	for _, s := range m.sinks {
		m.deliver(s, a)
	}

	m.stats.RecordDispatched(a.Severity)
	metrics.AlertsDispatched.WithLabelValues(a.Severity.String()).Inc()
}

// deliver attempts one sink delivery with a single retry.
func (m *Manager) deliver(s sink.Sink, a *schema.Alert) {
	start := time.Now()
	err := s.Deliver(a)
	if err != nil {
		err = s.Deliver(a)
	}
	metrics.RecordSinkDelivery(s.Name(), time.Since(start), err)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("sink", s.Name()).
			Str("alert_id", a.AlertID).
			Msg("Sink delivery dropped")
	}
}

// drain processes what remains in the intake queue after cancellation,
// bounded by the shutdown grace. Leftovers are counted, not processed.
func (m *Manager) drain() {
	deadline := time.Now().Add(m.shutdownGrace)
	for {
		if time.Now().After(deadline) {
			break
		}
		select {
		case a := <-m.intake:
			m.dispatch(a)
			continue
		default:
		}
		select {
		case a := <-m.reentry:
			m.dispatch(a)
			continue
		default:
		}
		break
	}

	if left := uint64(len(m.intake) + len(m.reentry)); left > 0 {
		m.stats.RecordDroppedShutdown(left)
		logging.Warn().Uint64("count", left).Msg("Alerts dropped at shutdown")
	}

	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			logging.Err(err).Str("sink", s.Name()).Msg("Sink close failed")
		}
	}
}
