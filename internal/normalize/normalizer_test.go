// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package normalize

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tomtom215/vigil/internal/schema"
)

func fixedNormalizer(t *testing.T) (*Normalizer, time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	n := New()
	n.Now = func() time.Time { return now }
	return n, now
}

func TestNormalizeSynthesizesID(t *testing.T) {
	n, now := fixedNormalizer(t)

	a, err := n.Normalize([]byte(`{"source":"nids_signature","title":"ET SCAN Nmap probe"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := fmt.Sprintf("nids_signature_1_%d", now.Truncate(time.Millisecond).UnixMicro())
	if a.AlertID != want {
		t.Errorf("AlertID = %q, want %q", a.AlertID, want)
	}

	b, err := n.Normalize([]byte(`{"source":"nids_signature","title":"ET SCAN Nmap probe"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if b.AlertID == a.AlertID {
		t.Error("sequence did not advance between synthesized IDs")
	}
}

func TestNormalizeKeepsProducerID(t *testing.T) {
	n, _ := fixedNormalizer(t)

	a, err := n.Normalize([]byte(`{"alert_id":"hids-9981","source":"hids_file","title":"checksum mismatch"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if a.AlertID != "hids-9981" {
		t.Errorf("AlertID = %q, want producer-assigned ID kept", a.AlertID)
	}
}

func TestNormalizeSeveritySpellings(t *testing.T) {
	n, _ := fixedNormalizer(t)

	tests := []struct {
		raw  string
		want schema.Severity
	}{
		{"CRIT", schema.SeverityCritical},
		{"alert", schema.SeverityHigh},
		{"Warning", schema.SeverityMedium},
		{"notice", schema.SeverityLow},
		{"informational", schema.SeverityInfo},
	}
	for _, tt := range tests {
		payload := fmt.Sprintf(`{"source":"hids_log","title":"t","severity":%q}`, tt.raw)
		a, err := n.Normalize([]byte(payload))
		if err != nil {
			t.Fatalf("Normalize(severity %q) error = %v", tt.raw, err)
		}
		if a.Severity != tt.want {
			t.Errorf("severity %q = %v, want %v", tt.raw, a.Severity, tt.want)
		}
	}
}

func TestNormalizeSeverityDefaults(t *testing.T) {
	n, _ := fixedNormalizer(t)

	// Signature matches are actionable detections even without an explicit
	// severity; other sources start at LOW.
	a, err := n.Normalize([]byte(`{"source":"nids_signature","title":"ET EXPLOIT attempt"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if a.Severity != schema.SeverityMedium {
		t.Errorf("nids_signature default severity = %v, want MEDIUM", a.Severity)
	}

	b, err := n.Normalize([]byte(`{"source":"hids_log","title":"auth failure"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if b.Severity != schema.SeverityLow {
		t.Errorf("hids_log default severity = %v, want LOW", b.Severity)
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	n, _ := fixedNormalizer(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"unknown source", `{"source":"edr","title":"t"}`},
		{"missing title", `{"source":"hids_file"}`},
		{"blank title", `{"source":"hids_file","title":"   "}`},
		{"unknown severity", `{"source":"hids_file","title":"t","severity":"SEV1"}`},
		{"bad timestamp", `{"source":"hids_file","title":"t","timestamp":"not-a-time"}`},
		{"single correlation ref", `{"source":"correlation","title":"t","correlation_refs":["x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := n.Normalize([]byte(tt.payload)); !errors.Is(err, schema.ErrMalformedAlert) {
				t.Fatalf("Normalize() error = %v, want ErrMalformedAlert", err)
			}
		})
	}
}

func TestNormalizeRejectsOversizedPayload(t *testing.T) {
	n, _ := fixedNormalizer(t)

	payload := fmt.Sprintf(`{"source":"hids_log","title":"t","description":%q}`,
		strings.Repeat("x", schema.MaxPayloadBytes))
	if _, err := n.Normalize([]byte(payload)); !errors.Is(err, schema.ErrMalformedAlert) {
		t.Fatalf("Normalize(oversized) error = %v, want ErrMalformedAlert", err)
	}
}

func TestNormalizeTruncatesLongFields(t *testing.T) {
	n, _ := fixedNormalizer(t)

	payload := fmt.Sprintf(`{"source":"hids_log","title":%q,"description":%q}`,
		strings.Repeat("T", schema.MaxTitleChars+50),
		strings.Repeat("D", schema.MaxDescriptionChars+50))
	a, err := n.Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(a.Title) != schema.MaxTitleChars {
		t.Errorf("len(Title) = %d, want %d", len(a.Title), schema.MaxTitleChars)
	}
	if len(a.Description) != schema.MaxDescriptionChars {
		t.Errorf("len(Description) = %d, want %d", len(a.Description), schema.MaxDescriptionChars)
	}
}

func TestNormalizeTruncationKeepsValidUTF8(t *testing.T) {
	n, _ := fixedNormalizer(t)

	// Three-byte runes, so the byte caps land mid-rune.
	long := strings.Repeat("→", schema.MaxDescriptionChars)
	payload := fmt.Sprintf(`{"source":"hids_log","title":%q,"description":%q,"metadata":{"path":%q}}`,
		long, long, long)
	a, err := n.Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	for name, s := range map[string]string{
		"title":       a.Title,
		"description": a.Description,
		"metadata":    a.MetaString("path"),
	} {
		if !utf8.ValidString(s) {
			t.Errorf("%s truncation split a rune", name)
		}
	}
	if len(a.Title) > schema.MaxTitleChars {
		t.Errorf("len(Title) = %d, want <= %d", len(a.Title), schema.MaxTitleChars)
	}
	if len(a.Description) > schema.MaxDescriptionChars {
		t.Errorf("len(Description) = %d, want <= %d", len(a.Description), schema.MaxDescriptionChars)
	}
}

func TestNormalizePromotesTopLevelKeys(t *testing.T) {
	n, _ := fixedNormalizer(t)

	a, err := n.Normalize([]byte(`{
		"source": "nids_signature",
		"title": "ET SCAN Nmap probe",
		"src_ip": "203.0.113.7",
		"dst_ip": "10.0.0.12",
		"rule_id": "2000001",
		"metadata": {"src_ip": "192.0.2.99", "sensor": "edge-1"}
	}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	// The metadata object wins over a top-level spelling of the same key.
	if got := a.MetaString(schema.MetaSrcIP); got != "192.0.2.99" {
		t.Errorf("src_ip = %q, want metadata value to win", got)
	}
	if got := a.MetaString(schema.MetaDstIP); got != "10.0.0.12" {
		t.Errorf("dst_ip = %q, want promoted top-level value", got)
	}
	if got := a.MetaString(schema.MetaRuleID); got != "2000001" {
		t.Errorf("rule_id = %q", got)
	}
	if got := a.MetaString("sensor"); got != "edge-1" {
		t.Errorf("free-form key sensor = %q", got)
	}
}

func TestNormalizeFutureTimestampRestamped(t *testing.T) {
	n, now := fixedNormalizer(t)

	future := now.Add(2 * time.Minute).Format(schema.TimestampLayout)
	a, err := n.Normalize([]byte(fmt.Sprintf(
		`{"source":"hids_process","title":"t","timestamp":%q}`, future)))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !a.Timestamp.Equal(now.Truncate(time.Millisecond)) {
		t.Errorf("Timestamp = %v, want receive time for far-future producer clock", a.Timestamp)
	}
	if a.MetaString(schema.MetaProducerTime) != future {
		t.Errorf("producer_time = %q, want original timestamp preserved", a.MetaString(schema.MetaProducerTime))
	}
}

func TestNormalizeIdempotentOnCanonical(t *testing.T) {
	n, _ := fixedNormalizer(t)

	canonical := `{
		"schema_version": 1,
		"alert_id": "nids_signature_7_1765432100000001",
		"timestamp": "2026-03-14T09:26:53.589Z",
		"source": "nids_signature",
		"severity": "HIGH",
		"title": "ET EXPLOIT attempt",
		"description": "d",
		"metadata": {"src_ip": "203.0.113.7"},
		"risk_score": 60,
		"category": "network.signature",
		"dedup_count": 3
	}`
	a, err := n.Normalize([]byte(canonical))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if a.AlertID != "nids_signature_7_1765432100000001" || a.RiskScore != 60 ||
		a.Category != "network.signature" || a.DedupCount != 3 {
		t.Errorf("canonical fields changed: %+v", a)
	}
	if a.Severity != schema.SeverityHigh {
		t.Errorf("Severity = %v, want HIGH preserved", a.Severity)
	}
}

func TestParseHeartbeat(t *testing.T) {
	src, ok := ParseHeartbeat([]byte(`{"source":"nids_signature","title":"_heartbeat"}`))
	if !ok || src != "nids_signature" {
		t.Fatalf("ParseHeartbeat() = (%q, %v), want (nids_signature, true)", src, ok)
	}

	if _, ok := ParseHeartbeat([]byte(`{"source":"nids_signature","title":"real alert"}`)); ok {
		t.Error("ParseHeartbeat() accepted a non-heartbeat title")
	}
	if _, ok := ParseHeartbeat([]byte(`not json`)); ok {
		t.Error("ParseHeartbeat() accepted invalid JSON")
	}
}
