// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package correlate detects multi-alert attack patterns inside sliding
// time windows.
//
// The engine owns all window state from a single goroutine. Alert Manager
// workers hand events in over a channel; synthesized correlation alerts
// leave over a dedicated re-entry channel and flow back through the
// manager like any other alert. Correlation alerts themselves are never
// ingested, which breaks the alert -> correlator -> alert feedback loop.
package correlate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/schema"
)

// event is the correlator's projection of one unified alert. The engine
// retains events, not alerts, to keep window memory small.
type event struct {
	id       string
	source   string
	received time.Time
	severity schema.Severity

	// ips and hosts are the actor values this event is indexed under.
	ips   []string
	hosts []string

	// text is the blob rule regexes run against.
	text string
}

func (e *event) actors() []string {
	out := make([]string, 0, len(e.ips)+len(e.hosts))
	out = append(out, e.ips...)
	out = append(out, e.hosts...)
	return out
}

func projectEvent(a *schema.Alert, received time.Time) *event {
	e := &event{
		id:       a.AlertID,
		source:   a.Source,
		received: received,
		severity: a.Severity,
	}
	for _, key := range []string{schema.MetaSrcIP, schema.MetaDstIP} {
		if v := a.MetaString(key); v != "" {
			e.ips = append(e.ips, v)
		}
	}
	if v := a.MetaString(schema.MetaHostname); v != "" {
		e.hosts = append(e.hosts, v)
	}

	var b strings.Builder
	b.WriteString(a.Title)
	if a.Description != "" {
		b.WriteByte('\n')
		b.WriteString(a.Description)
	}
	if v := a.MetaString(schema.MetaRuleID); v != "" {
		b.WriteByte('\n')
		b.WriteString(v)
	}
	if v := a.MetaString(schema.MetaMitreAttack); v != "" {
		b.WriteByte('\n')
		b.WriteString(v)
	}
	e.text = b.String()
	return e
}

func sharesActor(a, b *event) bool {
	for _, x := range a.actors() {
		for _, y := range b.actors() {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Engine is the single-writer sliding-window correlator.
type Engine struct {
	rules      []*Rule
	maxHistory time.Duration
	cooldowns  bool

	in          chan *schema.Alert
	out         chan<- *schema.Alert
	ruleUpdates chan []*Rule

	// Window state. Touched only from Serve's goroutine.
	events   []*event
	byIP     map[string][]*event
	byHost   map[string][]*event
	bySource map[string][]*event

	// cooldown maps rule_id plus the sorted contributing alert_id set to
	// the instant re-firing becomes allowed again.
	cooldown map[string]time.Time

	seq      atomic.Uint64
	firings  atomic.Uint64
	errCount atomic.Uint64
	dropped  atomic.Uint64

	// Now returns the current time. Override for testing.
	Now func() time.Time
}

// NewEngine builds a correlator from configuration. Alerts synthesized on
// rule firings are sent to out; Submit feeds events in.
func NewEngine(cfg config.CorrelatorConfig, out chan<- *schema.Alert) *Engine {
	return &Engine{
		rules:       CompileRules(cfg.Rules),
		maxHistory:  cfg.MaxHistoryWindow(),
		cooldowns:   cfg.CooldownPolicy != "none",
		in:          make(chan *schema.Alert, 1024),
		out:         out,
		ruleUpdates: make(chan []*Rule, 1),
		byIP:        make(map[string][]*event),
		byHost:      make(map[string][]*event),
		bySource:    make(map[string][]*event),
		cooldown:    make(map[string]time.Time),
		Now:         time.Now,
	}
}

// Rules returns the compiled rule set, for status reporting.
func (en *Engine) Rules() []*Rule { return en.rules }

// FiringCount returns the total number of synthesized alerts.
func (en *Engine) FiringCount() uint64 { return en.firings.Load() }

// ErrorCount returns the number of per-event evaluation failures.
func (en *Engine) ErrorCount() uint64 { return en.errCount.Load() }

// Submit hands one alert to the correlator without blocking the calling
// worker. Returns false when the input channel is full and the event was
// dropped.
func (en *Engine) Submit(a *schema.Alert) bool {
	select {
	case en.in <- a:
		return true
	default:
		en.dropped.Add(1)
		metrics.CorrelatorErrors.Inc()
		return false
	}
}

// Serve runs the correlator loop until the context is canceled. The
// in-flight event is always completed before returning.
func (en *Engine) Serve(ctx context.Context) error {
	logging.Info().Int("rules", len(en.rules)).Msg("Correlator started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rules := <-en.ruleUpdates:
			en.rules = rules
			logging.Info().Int("rules", len(rules)).Msg("Correlation rules reloaded")
		case a := <-en.in:
			en.ingest(a)
		}
	}
}

// UpdateRules swaps the rule set from the Serve goroutine on its next
// iteration. A pending unapplied update is replaced.
func (en *Engine) UpdateRules(rules []*Rule) {
	for {
		select {
		case en.ruleUpdates <- rules:
			return
		default:
			select {
			case <-en.ruleUpdates:
			default:
			}
		}
	}
}

// ingest projects, indexes, evicts aged events, and evaluates rules.
// Runs on the Serve goroutine only.
func (en *Engine) ingest(a *schema.Alert) {
	if a.Source == schema.SourceCorrelation {
		return
	}
	now := en.Now()
	e := projectEvent(a, now)

	en.events = append(en.events, e)
	for _, ip := range e.ips {
		en.byIP[ip] = append(en.byIP[ip], e)
	}
	for _, h := range e.hosts {
		en.byHost[h] = append(en.byHost[h], e)
	}
	en.bySource[e.source] = append(en.bySource[e.source], e)

	en.evict(now)

	metrics.CorrelatorEvents.Inc()
	metrics.CorrelatorWindowSize.Set(float64(len(en.events)))

	for _, r := range en.rules {
		en.evaluateRule(r, e, now)
	}
}

// evict removes every event older than maxHistory from the window and all
// indices. The oldest live event is always at the front of each of its
// index slices, so index removal is a front trim.
func (en *Engine) evict(now time.Time) {
	cutoff := now.Add(-en.maxHistory)
	for len(en.events) > 0 && en.events[0].received.Before(cutoff) {
		e := en.events[0]
		en.events = en.events[1:]
		for _, ip := range e.ips {
			en.byIP[ip] = trimFront(en.byIP[ip], e)
			if len(en.byIP[ip]) == 0 {
				delete(en.byIP, ip)
			}
		}
		for _, h := range e.hosts {
			en.byHost[h] = trimFront(en.byHost[h], e)
			if len(en.byHost[h]) == 0 {
				delete(en.byHost, h)
			}
		}
		en.bySource[e.source] = trimFront(en.bySource[e.source], e)
		if len(en.bySource[e.source]) == 0 {
			delete(en.bySource, e.source)
		}
	}
}

func trimFront(s []*event, e *event) []*event {
	if len(s) > 0 && s[0] == e {
		return s[1:]
	}
	return s
}

// evaluateRule checks one rule against the triggering event. A panic in
// evaluation skips the rule for this event and advances the error counter.
func (en *Engine) evaluateRule(r *Rule, trigger *event, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			en.errCount.Add(1)
			metrics.CorrelatorErrors.Inc()
			logging.Error().
				Str("rule_id", r.ID).
				Interface("panic", rec).
				Msg("Rule evaluation failed")
		}
	}()

	pool := en.candidates(r, trigger, now)
	if len(pool) == 0 {
		return
	}

	set := findContributors(r, pool, trigger)
	if set == nil {
		return
	}

	// Most recent first; pool order already satisfies this, but the set
	// may interleave reused events.
	sort.Slice(set, func(i, j int) bool { return set[i].received.After(set[j].received) })

	refs := make([]string, len(set))
	for i, e := range set {
		refs[i] = e.id
	}

	var key string
	if en.cooldowns {
		key = cooldownKey(r.ID, refs)
		if until, ok := en.cooldown[key]; ok && now.Before(until) {
			return
		}
	}

	// Cooldown starts only once the firing is actually on the re-entry
	// channel; a dropped firing leaves the set eligible to fire again.
	if !en.emit(r, set, refs, now) {
		return
	}
	if en.cooldowns {
		en.cooldown[key] = now.Add(r.Cooldown)
		en.pruneCooldowns(now)
	}
}

// candidates returns the window tail for the rule, newest first. With
// SameActor, only events sharing an actor with the trigger qualify.
func (en *Engine) candidates(r *Rule, trigger *event, now time.Time) []*event {
	cutoff := now.Add(-r.Window)
	var pool []*event
	for i := len(en.events) - 1; i >= 0; i-- {
		e := en.events[i]
		if e.received.Before(cutoff) {
			break
		}
		if r.SameActor && e != trigger && !sharesActor(e, trigger) {
			continue
		}
		pool = append(pool, e)
	}
	return pool
}

// findContributors searches for a distinct event set covering every
// matcher, containing the trigger, with at least MinDistinct events.
// Already-selected events are preferred so the winning set is the
// smallest among the most recent.
func findContributors(r *Rule, pool []*event, trigger *event) []*event {
	perMatcher := make([][]*event, len(r.Matchers))
	for i, m := range r.Matchers {
		for _, e := range pool {
			if m.matches(e) {
				perMatcher[i] = append(perMatcher[i], e)
			}
		}
		if len(perMatcher[i]) == 0 {
			return nil
		}
	}

	assignment := make([]*event, len(r.Matchers))
	if !assignMatchers(perMatcher, assignment, 0, trigger, r.MinDistinct) {
		return nil
	}

	seen := make(map[*event]bool, len(assignment))
	var set []*event
	for _, e := range assignment {
		if !seen[e] {
			seen[e] = true
			set = append(set, e)
		}
	}
	return set
}

func assignMatchers(perMatcher [][]*event, assignment []*event, idx int, trigger *event, minDistinct int) bool {
	if idx == len(perMatcher) {
		seen := make(map[*event]bool, len(assignment))
		hasTrigger := false
		for _, e := range assignment {
			seen[e] = true
			if e == trigger {
				hasTrigger = true
			}
		}
		return hasTrigger && len(seen) >= minDistinct
	}

	// Reuse an already-assigned event first, then fresh candidates in
	// recency order.
	for _, prev := range assignment[:idx] {
		if containsEvent(perMatcher[idx], prev) {
			assignment[idx] = prev
			if assignMatchers(perMatcher, assignment, idx+1, trigger, minDistinct) {
				return true
			}
		}
	}
	for _, e := range perMatcher[idx] {
		if assignedBefore(assignment[:idx], e) {
			continue
		}
		assignment[idx] = e
		if assignMatchers(perMatcher, assignment, idx+1, trigger, minDistinct) {
			return true
		}
	}
	assignment[idx] = nil
	return false
}

func containsEvent(s []*event, e *event) bool {
	for _, x := range s {
		if x == e {
			return true
		}
	}
	return false
}

func assignedBefore(s []*event, e *event) bool {
	return containsEvent(s, e)
}

func cooldownKey(ruleID string, refs []string) string {
	sorted := make([]string, len(refs))
	copy(sorted, refs)
	sort.Strings(sorted)
	return ruleID + "|" + strings.Join(sorted, ",")
}

// pruneCooldowns drops expired suppression records so the map stays
// bounded by recent firings.
func (en *Engine) pruneCooldowns(now time.Time) {
	if len(en.cooldown) < 4096 {
		return
	}
	for k, until := range en.cooldown {
		if now.After(until) {
			delete(en.cooldown, k)
		}
	}
}

// emit synthesizes the correlation alert and pushes it onto the re-entry
// channel, reporting whether the send succeeded. The channel is buffered
// by the manager; a full channel drops the firing rather than stalling
// the correlator.
func (en *Engine) emit(r *Rule, set []*event, refs []string, now time.Time) bool {
	meta := map[string]any{
		schema.MetaRuleID: r.ID,
		"time_window_ms":  r.Window.Milliseconds(),
	}
	if shared := sharedActors(set); len(shared) > 0 {
		meta["actors"] = shared
	}

	a := &schema.Alert{
		SchemaVersion:   1,
		AlertID:         fmt.Sprintf("%s_%d_%d", schema.SourceCorrelation, en.seq.Add(1), now.UnixMicro()),
		Timestamp:       now.UTC(),
		Source:          schema.SourceCorrelation,
		Severity:        r.Severity,
		Title:           r.Name,
		Description:     r.Description,
		Metadata:        meta,
		DedupCount:      1,
		CorrelationRefs: refs,
	}

	select {
	case en.out <- a:
		en.firings.Add(1)
		metrics.RecordFiring(r.ID)
		logging.Info().
			Str("rule_id", r.ID).
			Str("alert_id", a.AlertID).
			Int("refs", len(refs)).
			Msg("Correlation rule fired")
		return true
	default:
		en.errCount.Add(1)
		metrics.CorrelatorErrors.Inc()
		logging.Warn().Str("rule_id", r.ID).Msg("Re-entry channel full, firing dropped")
		return false
	}
}

// sharedActors returns actor values present on every contributing event.
func sharedActors(set []*event) []string {
	if len(set) == 0 {
		return nil
	}
	var shared []string
	for _, actor := range set[0].actors() {
		onAll := true
		for _, e := range set[1:] {
			if !containsString(e.actors(), actor) {
				onAll = false
				break
			}
		}
		if onAll && !containsString(shared, actor) {
			shared = append(shared, actor)
		}
	}
	return shared
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
