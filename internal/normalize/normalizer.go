// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package normalize maps raw producer envelopes into the canonical alert
// schema. Normalization happens exactly once per alert, on the receiver
// goroutine that owns this normalizer's sequence counter; re-running it on
// an already-canonical envelope is a no-op.
package normalize

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/tomtom215/vigil/internal/schema"
)

// producerSeverities maps producer-specific severity spellings onto the
// canonical scale. Unknown non-empty spellings are malformed; absence
// defaults to LOW.
var producerSeverities = map[string]schema.Severity{
	"CRITICAL":      schema.SeverityCritical,
	"CRIT":          schema.SeverityCritical,
	"HIGH":          schema.SeverityHigh,
	"ALERT":         schema.SeverityHigh,
	"MEDIUM":        schema.SeverityMedium,
	"WARN":          schema.SeverityMedium,
	"WARNING":       schema.SeverityMedium,
	"LOW":           schema.SeverityLow,
	"NOTICE":        schema.SeverityLow,
	"INFO":          schema.SeverityInfo,
	"INFORMATIONAL": schema.SeverityInfo,
	"DEBUG":         schema.SeverityInfo,
}

// promotedKeys are the well-known top-level fields some producers emit
// outside the metadata object; the normalizer folds them into the
// canonical metadata subtree.
var promotedKeys = []string{
	schema.MetaSrcIP, schema.MetaDstIP, schema.MetaSrcPort, schema.MetaDstPort,
	schema.MetaProtocol, schema.MetaHostname, schema.MetaRuleID,
	schema.MetaConfidence, schema.MetaMitreAttack,
}

// maxMetadataValueChars caps individual metadata string values; longer
// values are truncated, matching the description cap policy.
const maxMetadataValueChars = 1024

// defaultSeverity is the floor applied when a producer omits severity.
// A signature match is an actionable detection, so it lands at MEDIUM;
// everything else starts at LOW.
func defaultSeverity(source string) schema.Severity {
	if source == schema.SourceNIDSSignature {
		return schema.SeverityMedium
	}
	return schema.SeverityLow
}

// rawEnvelope is the permissive shape producers publish. Only source and
// title are mandatory; everything else is filled here.
type rawEnvelope struct {
	SchemaVersion int            `json:"schema_version"`
	AlertID       string         `json:"alert_id"`
	Timestamp     string         `json:"timestamp"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata"`

	// Canonical-only fields, passed through so normalizing an
	// already-canonical envelope is a no-op.
	RiskScore       int      `json:"risk_score"`
	Category        string   `json:"category"`
	DedupCount      int      `json:"dedup_count"`
	CorrelationRefs []string `json:"correlation_refs"`

	// Top-level spellings of well-known metadata keys.
	SrcIP       any `json:"src_ip"`
	DstIP       any `json:"dst_ip"`
	SrcPort     any `json:"src_port"`
	DstPort     any `json:"dst_port"`
	Protocol    any `json:"protocol"`
	Hostname    any `json:"hostname"`
	RuleID      any `json:"rule_id"`
	Confidence  any `json:"confidence"`
	MitreAttack any `json:"mitre_attack"`
}

func (r *rawEnvelope) topLevel(key string) any {
	switch key {
	case schema.MetaSrcIP:
		return r.SrcIP
	case schema.MetaDstIP:
		return r.DstIP
	case schema.MetaSrcPort:
		return r.SrcPort
	case schema.MetaDstPort:
		return r.DstPort
	case schema.MetaProtocol:
		return r.Protocol
	case schema.MetaHostname:
		return r.Hostname
	case schema.MetaRuleID:
		return r.RuleID
	case schema.MetaConfidence:
		return r.Confidence
	case schema.MetaMitreAttack:
		return r.MitreAttack
	default:
		return nil
	}
}

// Normalizer converts raw envelopes into canonical alerts. Each receiver
// owns one Normalizer; the sequence counter makes synthesized IDs unique
// within the receiver and the receive-time microseconds make them unique
// across restarts.
type Normalizer struct {
	seq atomic.Uint64

	// Now returns the current time. Override for testing.
	Now func() time.Time
}

// New creates a normalizer using the wall clock.
func New() *Normalizer {
	return &Normalizer{Now: time.Now}
}

// Normalize decodes, validates, and canonicalizes one raw envelope.
// Any failure is schema.ErrMalformedAlert; callers count and drop.
func (n *Normalizer) Normalize(data []byte) (*schema.Alert, error) {
	if len(data) > schema.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", schema.ErrMalformedAlert, len(data), schema.MaxPayloadBytes)
	}

	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", schema.ErrMalformedAlert, err)
	}
	if !schema.ValidSource(raw.Source) {
		return nil, fmt.Errorf("%w: unknown source %q", schema.ErrMalformedAlert, raw.Source)
	}
	if strings.TrimSpace(raw.Title) == "" {
		return nil, fmt.Errorf("%w: missing title", schema.ErrMalformedAlert)
	}

	now := n.now()
	recv := now.UTC().Truncate(time.Millisecond)

	severity := defaultSeverity(raw.Source)
	if raw.Severity != "" {
		sev, ok := producerSeverities[strings.ToUpper(strings.TrimSpace(raw.Severity))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown severity %q", schema.ErrMalformedAlert, raw.Severity)
		}
		severity = sev
	}

	meta := make(map[string]any, len(raw.Metadata)+2)
	for k, v := range raw.Metadata {
		meta[k] = capValue(v)
	}
	for _, key := range promotedKeys {
		if v := raw.topLevel(key); v != nil {
			if _, exists := meta[key]; !exists {
				meta[key] = capValue(v)
			}
		}
	}

	ts := recv
	if raw.Timestamp != "" {
		parsed, err := parseTimestamp(raw.Timestamp)
		if err != nil {
			return nil, err
		}
		// Producer clocks may drift; receive time governs the pipeline and
		// the producer instant is preserved for analysis.
		if parsed.After(recv.Add(clockSkewTolerance)) {
			ts = recv
		} else {
			ts = parsed
		}
		if _, exists := meta[schema.MetaProducerTime]; !exists && !parsed.Equal(ts) {
			meta[schema.MetaProducerTime] = raw.Timestamp
		}
	}

	alertID := raw.AlertID
	if alertID == "" {
		alertID = fmt.Sprintf("%s_%d_%d", raw.Source, n.seq.Add(1), recv.UnixMicro())
	}

	version := raw.SchemaVersion
	if version == 0 {
		version = schema.SchemaVersion
	}
	dedup := raw.DedupCount
	if dedup < 1 {
		dedup = 1
	}
	if len(raw.CorrelationRefs) == 1 {
		return nil, fmt.Errorf("%w: correlation_refs requires at least two entries", schema.ErrMalformedAlert)
	}

	return &schema.Alert{
		SchemaVersion:   version,
		AlertID:         alertID,
		Timestamp:       ts,
		Source:          raw.Source,
		Severity:        severity,
		Title:           truncate(raw.Title, schema.MaxTitleChars),
		Description:     truncate(raw.Description, schema.MaxDescriptionChars),
		Metadata:        meta,
		RiskScore:       raw.RiskScore,
		Category:        raw.Category,
		DedupCount:      dedup,
		CorrelationRefs: raw.CorrelationRefs,
	}, nil
}

// clockSkewTolerance is how far into the future a producer timestamp may
// point before the normalizer re-stamps with receive time.
const clockSkewTolerance = 5 * time.Second

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// parseTimestamp accepts the canonical layout plus common RFC3339 forms.
func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{schema.TimestampLayout, time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %q", schema.ErrMalformedAlert, raw)
}

// truncate caps s at max bytes without splitting a UTF-8 rune, so the
// result stays valid at the sink boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// capValue truncates oversized string metadata values and passes JSON
// scalars through unchanged.
func capValue(v any) any {
	if s, ok := v.(string); ok && len(s) > maxMetadataValueChars {
		return truncate(s, maxMetadataValueChars)
	}
	return v
}

// heartbeatProbe is the minimal decode used to recognize liveness
// envelopes before normalization.
type heartbeatProbe struct {
	Source string `json:"source"`
	Title  string `json:"title"`
}

// ParseHeartbeat reports whether data is a producer heartbeat envelope,
// returning its source when it is. Heartbeats never enter the pipeline.
func ParseHeartbeat(data []byte) (string, bool) {
	if len(data) > schema.MaxPayloadBytes {
		return "", false
	}
	var probe heartbeatProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", false
	}
	if probe.Title != schema.HeartbeatTitle {
		return "", false
	}
	return probe.Source, true
}
