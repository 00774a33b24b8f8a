// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedCodec(t *testing.T) (*Codec, time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	c := NewCodec()
	c.Now = func() time.Time { return now }
	return c, now
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c, _ := fixedCodec(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"invalid JSON", `{"alert_id": "x"`},
		{"unknown source", `{"alert_id":"a1","source":"edr_agent","title":"t"}`},
		{"missing alert_id", `{"source":"nids_signature","title":"t"}`},
		{"unknown severity", `{"alert_id":"a1","source":"nids_signature","severity":"URGENT"}`},
		{"bad timestamp", `{"alert_id":"a1","source":"nids_signature","timestamp":"yesterday"}`},
		{"single correlation ref", `{"alert_id":"c1","source":"correlation","correlation_refs":["only_one"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.payload))
			if !errors.Is(err, ErrMalformedAlert) {
				t.Fatalf("Decode(%s) error = %v, want ErrMalformedAlert", tt.name, err)
			}
		})
	}
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	c, _ := fixedCodec(t)

	pad := strings.Repeat("x", MaxPayloadBytes)
	payload := `{"alert_id":"a1","source":"nids_signature","description":"` + pad + `"}`
	if _, err := c.Decode([]byte(payload)); !errors.Is(err, ErrMalformedAlert) {
		t.Fatalf("Decode(oversized) error = %v, want ErrMalformedAlert", err)
	}
}

func TestDecodeDefaults(t *testing.T) {
	c, now := fixedCodec(t)

	a, err := c.Decode([]byte(`{"alert_id":"nids_signature_1_100","source":"nids_signature","title":"probe"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if a.Severity != SeverityLow {
		t.Errorf("Severity = %v, want LOW for missing severity", a.Severity)
	}
	if !a.Timestamp.Equal(now.Truncate(time.Millisecond)) {
		t.Errorf("Timestamp = %v, want coerced receive time %v", a.Timestamp, now)
	}
	if a.SchemaVersion != 1 {
		t.Errorf("SchemaVersion = %d, want 1", a.SchemaVersion)
	}
	if a.DedupCount != 1 {
		t.Errorf("DedupCount = %d, want 1", a.DedupCount)
	}
	if a.Metadata == nil {
		t.Error("Metadata = nil, want empty map")
	}
}

func TestDecodeCanonicalizesSeverityCase(t *testing.T) {
	c, _ := fixedCodec(t)

	a, err := c.Decode([]byte(`{"alert_id":"a1","source":"hids_file","severity":"critical"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("Severity = %v, want CRITICAL", a.Severity)
	}
}

func TestDecodeTimestampLayouts(t *testing.T) {
	c, _ := fixedCodec(t)
	want := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

	for _, raw := range []string{
		"2026-03-14T09:26:53.589Z",
		"2026-03-14T09:26:53.589123456Z",
		"2026-03-14T10:26:53.589+01:00",
	} {
		a, err := c.Decode([]byte(`{"alert_id":"a1","source":"hids_log","timestamp":"` + raw + `"}`))
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", raw, err)
		}
		if !a.Timestamp.Equal(want) {
			t.Errorf("Decode(%q) Timestamp = %v, want %v", raw, a.Timestamp, want)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, _ := fixedCodec(t)

	in := &Alert{
		SchemaVersion: 1,
		AlertID:       "nids_signature_42_1765432100000001",
		Timestamp:     time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC),
		Source:        SourceNIDSSignature,
		Severity:      SeverityHigh,
		Title:         "ET EXPLOIT Apache Struts RCE attempt",
		Description:   "inbound exploit attempt matching sid 2027864",
		Metadata: map[string]any{
			MetaSrcIP:  "203.0.113.7",
			MetaDstIP:  "10.0.0.12",
			MetaRuleID: "2027864",
		},
		RiskScore:  60,
		Category:   "network.signature.2027864",
		DedupCount: 3,
	}

	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if out.AlertID != in.AlertID || out.Source != in.Source || out.Severity != in.Severity {
		t.Errorf("round trip identity fields: got %+v", out)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if out.RiskScore != 60 || out.Category != in.Category || out.DedupCount != 3 {
		t.Errorf("enrichment fields lost: got %+v", out)
	}
	if got := out.MetaString(MetaSrcIP); got != "203.0.113.7" {
		t.Errorf("MetaString(src_ip) = %q", got)
	}
}

func TestEncodeRejectsUnknownSource(t *testing.T) {
	c, _ := fixedCodec(t)

	_, err := c.Encode(&Alert{AlertID: "a1", Source: "syslog"})
	if !errors.Is(err, ErrMalformedAlert) {
		t.Fatalf("Encode(unknown source) error = %v, want ErrMalformedAlert", err)
	}
}

func TestCorrelationRefsSurviveRoundTrip(t *testing.T) {
	c, _ := fixedCodec(t)

	in := &Alert{
		AlertID:         "correlation_1_1765432100000001",
		Timestamp:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Source:          SourceCorrelation,
		Severity:        SeverityCritical,
		Title:           "Scan followed by exploitation",
		DedupCount:      1,
		CorrelationRefs: []string{"nids_signature_9_2", "nids_signature_3_1"},
	}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(out.CorrelationRefs) != 2 || out.CorrelationRefs[0] != "nids_signature_9_2" {
		t.Errorf("CorrelationRefs = %v, want order preserved", out.CorrelationRefs)
	}
}
