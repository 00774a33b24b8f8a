// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package enrich

import (
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/schema"
)

func baseAlert(source string, sev schema.Severity) *schema.Alert {
	return &schema.Alert{
		SchemaVersion: 1,
		AlertID:       "nids_signature_1_1700000000000000",
		Timestamp:     time.Now(),
		Source:        source,
		Severity:      sev,
		Title:         "Port Scan",
		Metadata:      map[string]any{},
	}
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		name       string
		severity   schema.Severity
		confidence any
		want       int
	}{
		{"critical full confidence", schema.SeverityCritical, 1.0, 100},
		{"high no confidence", schema.SeverityHigh, nil, 60},
		{"medium half confidence", schema.SeverityMedium, 0.5, 50},
		{"info zero", schema.SeverityInfo, 0.0, 0},
		{"low clamps negative confidence", schema.SeverityLow, -2.0, 20},
		{"low clamps excessive confidence", schema.SeverityLow, 7.5, 40},
	}

	chain := NewChain()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := baseAlert(schema.SourceNIDSSignature, tt.severity)
			if tt.confidence != nil {
				a.Metadata[schema.MetaConfidence] = tt.confidence
			}
			chain.Enrich(a)
			if a.RiskScore != tt.want {
				t.Errorf("risk_score = %d, want %d", a.RiskScore, tt.want)
			}
		})
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		source string
		ruleID string
		want   string
	}{
		{schema.SourceNIDSSignature, "", "network.signature"},
		{schema.SourceNIDSSignature, "2010935", "network.signature.2010935"},
		{schema.SourceNIDSAnomaly, "", "network.anomaly"},
		{schema.SourceHIDSFile, "", "host.integrity"},
		{schema.SourceHIDSProcess, "", "host.process"},
		{schema.SourceHIDSLog, "", "host.log"},
		{schema.SourceCorrelation, "scan_then_exploit", "correlated.scan_then_exploit"},
	}

	chain := NewChain()
	for _, tt := range tests {
		a := baseAlert(tt.source, schema.SeverityMedium)
		if tt.ruleID != "" {
			a.Metadata[schema.MetaRuleID] = tt.ruleID
		}
		chain.Enrich(a)
		if a.Category != tt.want {
			t.Errorf("source %q rule %q: category = %q, want %q", tt.source, tt.ruleID, a.Category, tt.want)
		}
	}
}

func TestIdentityPreserved(t *testing.T) {
	chain := NewChain()
	a := baseAlert(schema.SourceHIDSProcess, schema.SeverityHigh)
	id, title := a.AlertID, a.Title

	chain.Enrich(a)

	if a.AlertID != id || a.Title != title {
		t.Fatal("enrichment must not change alert identity")
	}
}

func TestFailingStepSkippedAndCounted(t *testing.T) {
	boom := StepFunc{
		StepName: "boom",
		Fn: func(*schema.Alert) error {
			return errors.New("step failure")
		},
	}
	var gotStep string
	chain := NewChain(boom)
	chain.OnError = func(step string, err error) { gotStep = step }

	a := baseAlert(schema.SourceNIDSAnomaly, schema.SeverityMedium)
	chain.Enrich(a)

	if chain.ErrorCount() != 1 {
		t.Fatalf("ErrorCount = %d, want 1", chain.ErrorCount())
	}
	if gotStep != "boom" {
		t.Fatalf("OnError step = %q, want boom", gotStep)
	}
	// Built-in steps still applied despite the failing extra step.
	if a.RiskScore == 0 && a.Category == "" {
		t.Fatal("built-in steps should run even when another step fails")
	}
}

func TestUnknownSourceCountsError(t *testing.T) {
	chain := NewChain()
	a := baseAlert("mystery", schema.SeverityLow)
	chain.Enrich(a)
	if chain.ErrorCount() != 1 {
		t.Fatalf("ErrorCount = %d, want 1", chain.ErrorCount())
	}
}
