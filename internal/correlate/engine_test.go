// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package correlate

import (
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/schema"
)

func scanExploitRule() config.RuleConfig {
	return config.RuleConfig{
		RuleID:   "scan_then_exploit",
		Name:     "Port scan followed by exploitation",
		Severity: "CRITICAL",

		TimeWindowMS: 600_000,
		RequiredEvents: []config.MatcherConfig{
			{Source: schema.SourceNIDSSignature, Pattern: `scan`},
			{Source: schema.SourceNIDSSignature, Pattern: `sql injection|exploit|shellcode`},
		},
		SameActor: true,
	}
}

func newTestEngine(t *testing.T, rules ...config.RuleConfig) (*Engine, chan *schema.Alert, *time.Time) {
	t.Helper()
	out := make(chan *schema.Alert, 16)
	en := NewEngine(config.CorrelatorConfig{
		Enabled:            true,
		MaxHistoryWindowMS: 1_860_000,
		CooldownPolicy:     "rule_window",
		Rules:              rules,
	}, out)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	en.Now = func() time.Time { return now }
	return en, out, &now
}

var testSeq int

func signatureAlert(title, srcIP string) *schema.Alert {
	testSeq++
	return &schema.Alert{
		SchemaVersion: 1,
		AlertID:       fmt.Sprintf("nids_signature_%d_1", testSeq),
		Timestamp:     time.Now(),
		Source:        schema.SourceNIDSSignature,
		Severity:      schema.SeverityMedium,
		Title:         title,
		Metadata:      map[string]any{schema.MetaSrcIP: srcIP},
	}
}

func drainOne(t *testing.T, out chan *schema.Alert) *schema.Alert {
	t.Helper()
	select {
	case a := <-out:
		return a
	default:
		t.Fatal("expected a correlation alert, got none")
		return nil
	}
}

func assertEmpty(t *testing.T, out chan *schema.Alert) {
	t.Helper()
	select {
	case a := <-out:
		t.Fatalf("unexpected correlation alert %s (%s)", a.AlertID, a.Title)
	default:
	}
}

func TestScanThenExploitFires(t *testing.T) {
	en, out, now := newTestEngine(t, scanExploitRule())

	scan := signatureAlert("Port Scan", "10.0.0.5")
	en.ingest(scan)
	assertEmpty(t, out)

	*now = now.Add(300 * time.Second)
	exploit := signatureAlert("SQL Injection", "10.0.0.5")
	en.ingest(exploit)

	fired := drainOne(t, out)
	if fired.Source != schema.SourceCorrelation {
		t.Fatalf("source = %q, want correlation", fired.Source)
	}
	if fired.Severity != schema.SeverityCritical {
		t.Fatalf("severity = %v, want CRITICAL", fired.Severity)
	}
	if fired.Title != "Port scan followed by exploitation" {
		t.Fatalf("title = %q", fired.Title)
	}
	if len(fired.CorrelationRefs) != 2 {
		t.Fatalf("refs = %v, want both contributing alert ids", fired.CorrelationRefs)
	}
	// Most recent first, and the trigger must be among the refs.
	if fired.CorrelationRefs[0] != exploit.AlertID || fired.CorrelationRefs[1] != scan.AlertID {
		t.Fatalf("refs = %v, want [%s %s]", fired.CorrelationRefs, exploit.AlertID, scan.AlertID)
	}
	if fired.MetaString(schema.MetaRuleID) != "scan_then_exploit" {
		t.Fatalf("rule_id metadata = %q", fired.MetaString(schema.MetaRuleID))
	}
}

func TestDifferentActorDoesNotFire(t *testing.T) {
	en, out, now := newTestEngine(t, scanExploitRule())

	en.ingest(signatureAlert("Port Scan", "10.0.0.5"))
	*now = now.Add(300 * time.Second)
	en.ingest(signatureAlert("SQL Injection", "10.0.0.99"))

	assertEmpty(t, out)
}

func TestOutsideWindowDoesNotFire(t *testing.T) {
	en, out, now := newTestEngine(t, scanExploitRule())

	en.ingest(signatureAlert("Port Scan", "10.0.0.5"))
	*now = now.Add(601 * time.Second)
	en.ingest(signatureAlert("SQL Injection", "10.0.0.5"))

	assertEmpty(t, out)
}

func TestCooldownSuppressesRefire(t *testing.T) {
	en, out, now := newTestEngine(t, scanExploitRule())

	en.ingest(signatureAlert("Port Scan", "10.0.0.5"))
	*now = now.Add(10 * time.Second)
	en.ingest(signatureAlert("SQL Injection attempt", "10.0.0.5"))
	drainOne(t, out)

	// Re-evaluating the same trigger yields the identical contributing
	// set, which the cooldown suppresses.
	rule := en.Rules()[0]
	trigger := en.events[len(en.events)-1]
	*now = now.Add(5 * time.Second)
	en.evaluateRule(rule, trigger, *now)
	assertEmpty(t, out)

	// Once the suppression record expires the same set may fire again.
	key := cooldownKey(rule.ID, []string{en.events[0].id, trigger.id})
	en.cooldown[key] = now.Add(-time.Second)
	en.evaluateRule(rule, trigger, *now)
	drainOne(t, out)
}

func TestDroppedFiringLeavesSetEligible(t *testing.T) {
	out := make(chan *schema.Alert, 1)
	en := NewEngine(config.CorrelatorConfig{
		Enabled:            true,
		MaxHistoryWindowMS: 1_860_000,
		CooldownPolicy:     "rule_window",
		Rules:              []config.RuleConfig{scanExploitRule()},
	}, out)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	en.Now = func() time.Time { return now }

	// Fill the re-entry channel so the firing cannot be delivered.
	out <- &schema.Alert{AlertID: "occupant"}

	en.ingest(signatureAlert("Port Scan", "10.0.0.5"))
	now = now.Add(10 * time.Second)
	en.ingest(signatureAlert("SQL Injection attempt", "10.0.0.5"))

	if got := en.FiringCount(); got != 0 {
		t.Fatalf("firings = %d, want 0 when the channel is full", got)
	}
	if a := <-out; a.AlertID != "occupant" {
		t.Fatalf("unexpected alert %s on the channel", a.AlertID)
	}

	// No cooldown was registered for the dropped firing, so the same
	// contributing set fires once there is room.
	rule := en.Rules()[0]
	trigger := en.events[len(en.events)-1]
	now = now.Add(time.Second)
	en.evaluateRule(rule, trigger, now)

	fired := drainOne(t, out)
	if fired.Source != schema.SourceCorrelation {
		t.Fatalf("source = %q, want correlation", fired.Source)
	}
	if en.FiringCount() != 1 {
		t.Fatalf("firings = %d, want 1 after the retry", en.FiringCount())
	}
}

func TestNewExploitFormsNewSetDespiteCooldown(t *testing.T) {
	en, out, now := newTestEngine(t, scanExploitRule())

	en.ingest(signatureAlert("Port Scan", "10.0.0.5"))
	*now = now.Add(10 * time.Second)
	en.ingest(signatureAlert("SQL Injection attempt", "10.0.0.5"))
	drainOne(t, out)

	// A fresh exploit event is a different contributing set and is
	// allowed to fire inside the first set's cooldown.
	*now = now.Add(5 * time.Second)
	third := signatureAlert("SQL Injection attempt", "10.0.0.5")
	en.ingest(third)

	fired := drainOne(t, out)
	if fired.CorrelationRefs[0] != third.AlertID {
		t.Fatalf("refs = %v, want trigger %s first", fired.CorrelationRefs, third.AlertID)
	}
}

func TestCorrelationAlertsNotIngested(t *testing.T) {
	en, out, _ := newTestEngine(t, scanExploitRule())

	en.ingest(&schema.Alert{
		SchemaVersion: 1,
		AlertID:       "correlation_1_1",
		Source:        schema.SourceCorrelation,
		Severity:      schema.SeverityCritical,
		Title:         "Port scan followed by exploitation",
		Metadata:      map[string]any{schema.MetaSrcIP: "10.0.0.5"},
	})

	if len(en.events) != 0 {
		t.Fatal("correlation alerts must not enter the window")
	}
	assertEmpty(t, out)
}

func TestEvictionBoundary(t *testing.T) {
	en, _, now := newTestEngine(t, scanExploitRule())

	en.ingest(signatureAlert("Port Scan", "10.0.0.5"))
	if len(en.events) != 1 {
		t.Fatalf("events = %d, want 1", len(en.events))
	}

	// One millisecond past max_history_window the event is evicted on the
	// next ingestion, along with its index entries.
	*now = now.Add(1_860_000*time.Millisecond + time.Millisecond)
	en.ingest(signatureAlert("Unrelated", "10.0.0.7"))

	if len(en.events) != 1 {
		t.Fatalf("events after eviction = %d, want 1", len(en.events))
	}
	if _, ok := en.byIP["10.0.0.5"]; ok {
		t.Fatal("evicted event must leave the IP index")
	}
}

func TestWildcardSourceAndHostActor(t *testing.T) {
	rule := config.RuleConfig{
		RuleID:   "anomaly_host_burst",
		Name:     "Anomaly burst across host and network",
		Severity: "HIGH",

		TimeWindowMS: 900_000,
		RequiredEvents: []config.MatcherConfig{
			{Source: schema.SourceNIDSAnomaly, Pattern: `anomaly|entropy|burst`},
			{Source: "*", Pattern: `.`},
		},
		SameActor:         true,
		MinDistinctEvents: 2,
	}
	en, out, now := newTestEngine(t, rule)

	testSeq++
	en.ingest(&schema.Alert{
		AlertID:  fmt.Sprintf("hids_process_%d_1", testSeq),
		Source:   schema.SourceHIDSProcess,
		Severity: schema.SeverityMedium,
		Title:    "Unexpected listener",
		Metadata: map[string]any{schema.MetaSrcIP: "192.168.1.20"},
	})
	assertEmpty(t, out)

	*now = now.Add(time.Minute)
	testSeq++
	en.ingest(&schema.Alert{
		AlertID:  fmt.Sprintf("nids_anomaly_%d_1", testSeq),
		Source:   schema.SourceNIDSAnomaly,
		Severity: schema.SeverityMedium,
		Title:    "Traffic entropy spike",
		Metadata: map[string]any{schema.MetaSrcIP: "192.168.1.20"},
	})

	fired := drainOne(t, out)
	if len(fired.CorrelationRefs) != 2 {
		t.Fatalf("refs = %v, want 2 distinct events", fired.CorrelationRefs)
	}
}

func TestMinDistinctRequiresSeparateEvents(t *testing.T) {
	// Both matchers can be satisfied by one event, but min_distinct=2
	// demands a second.
	rule := config.RuleConfig{
		RuleID:   "double",
		Name:     "double sighting",
		Severity: "MEDIUM",

		TimeWindowMS: 60_000,
		RequiredEvents: []config.MatcherConfig{
			{Source: schema.SourceHIDSLog, Pattern: `failed password`},
			{Source: schema.SourceHIDSLog, Pattern: `failed`},
		},
		MinDistinctEvents: 2,
	}
	en, out, now := newTestEngine(t, rule)

	testSeq++
	en.ingest(&schema.Alert{
		AlertID:  fmt.Sprintf("hids_log_%d_1", testSeq),
		Source:   schema.SourceHIDSLog,
		Severity: schema.SeverityLow,
		Title:    "Failed password for root",
		Metadata: map[string]any{schema.MetaHostname: "web01"},
	})
	assertEmpty(t, out)

	*now = now.Add(time.Second)
	testSeq++
	en.ingest(&schema.Alert{
		AlertID:  fmt.Sprintf("hids_log_%d_1", testSeq),
		Source:   schema.SourceHIDSLog,
		Severity: schema.SeverityLow,
		Title:    "Failed password for admin",
		Metadata: map[string]any{schema.MetaHostname: "web01"},
	})

	fired := drainOne(t, out)
	if len(fired.CorrelationRefs) != 2 {
		t.Fatalf("refs = %v, want 2", fired.CorrelationRefs)
	}
}

func TestBadRegexDisablesRuleOnly(t *testing.T) {
	bad := config.RuleConfig{
		RuleID:   "broken",
		Name:     "broken rule",
		Severity: "LOW",

		TimeWindowMS: 60_000,
		RequiredEvents: []config.MatcherConfig{
			{Source: "*", Pattern: `([unclosed`},
		},
	}
	en, out, now := newTestEngine(t, bad, scanExploitRule())

	if len(en.Rules()) != 1 {
		t.Fatalf("compiled rules = %d, want 1 (broken rule dropped)", len(en.Rules()))
	}

	en.ingest(signatureAlert("Port Scan", "10.0.0.5"))
	*now = now.Add(time.Second)
	en.ingest(signatureAlert("Exploit kit landing", "10.0.0.5"))
	drainOne(t, out)
}

func TestSubmitDropsWhenFull(t *testing.T) {
	out := make(chan *schema.Alert, 1)
	en := NewEngine(config.CorrelatorConfig{
		MaxHistoryWindowMS: 60_000,
		CooldownPolicy:     "rule_window",
	}, out)
	en.in = make(chan *schema.Alert) // unbuffered, nobody reading

	if en.Submit(signatureAlert("x", "10.0.0.1")) {
		t.Fatal("Submit should report a drop when the channel is full")
	}
}
