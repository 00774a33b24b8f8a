// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrMalformedAlert is the single failure kind of the codec. Malformed
// inputs are dropped and counted by callers, never propagated upward.
var ErrMalformedAlert = errors.New("malformed alert")

// TimestampLayout is the sink-boundary timestamp format: ISO-8601 with
// milliseconds and the UTC suffix "Z".
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// wireAlert is the JSON envelope of §canonical schema. Field ordering on
// the wire is not significant.
type wireAlert struct {
	SchemaVersion   int            `json:"schema_version,omitempty"`
	AlertID         string         `json:"alert_id"`
	Timestamp       string         `json:"timestamp"`
	Source          string         `json:"source"`
	Severity        string         `json:"severity"`
	SeverityNum     int            `json:"severity_num"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Metadata        map[string]any `json:"metadata"`
	RiskScore       int            `json:"risk_score"`
	Category        string         `json:"category"`
	DedupCount      int            `json:"dedup_count"`
	CorrelationRefs []string       `json:"correlation_refs,omitempty"`
}

// Codec encodes and decodes canonical alerts.
//
// Decode enforces the boundary contract: unknown sources are rejected,
// missing timestamps are coerced to receive time, missing severities
// default to LOW, enum names are canonicalized to upper case, and payloads
// over 64 KiB are rejected outright.
type Codec struct {
	// Now returns the current time. Override for testing.
	Now func() time.Time
}

// NewCodec creates a codec using the wall clock.
func NewCodec() *Codec {
	return &Codec{Now: time.Now}
}

// Encode serializes a canonical alert. Encoding a decoded alert yields a
// byte-equal envelope (after key sorting); sinks rely on this.
func (c *Codec) Encode(a *Alert) ([]byte, error) {
	if a.AlertID == "" {
		return nil, fmt.Errorf("%w: missing alert_id", ErrMalformedAlert)
	}
	if !ValidSource(a.Source) {
		return nil, fmt.Errorf("%w: unknown source %q", ErrMalformedAlert, a.Source)
	}
	dedup := a.DedupCount
	if dedup < 1 {
		dedup = 1
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	w := wireAlert{
		SchemaVersion:   a.SchemaVersion,
		AlertID:         a.AlertID,
		Timestamp:       a.Timestamp.UTC().Format(TimestampLayout),
		Source:          a.Source,
		Severity:        a.Severity.String(),
		SeverityNum:     int(a.Severity),
		Title:           a.Title,
		Description:     a.Description,
		Metadata:        meta,
		RiskScore:       a.RiskScore,
		Category:        a.Category,
		DedupCount:      dedup,
		CorrelationRefs: a.CorrelationRefs,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrMalformedAlert, err)
	}
	return data, nil
}

// Decode parses a canonical envelope and validates it.
func (c *Codec) Decode(data []byte) (*Alert, error) {
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformedAlert, len(data), MaxPayloadBytes)
	}
	var w wireAlert
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedAlert, err)
	}
	if !ValidSource(w.Source) {
		return nil, fmt.Errorf("%w: unknown source %q", ErrMalformedAlert, w.Source)
	}
	if w.AlertID == "" {
		return nil, fmt.Errorf("%w: missing alert_id", ErrMalformedAlert)
	}

	sev := SeverityLow
	if w.Severity != "" {
		parsed, ok := ParseSeverity(w.Severity)
		if !ok {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrMalformedAlert, w.Severity)
		}
		sev = parsed
	}

	ts, err := c.decodeTimestamp(w.Timestamp)
	if err != nil {
		return nil, err
	}

	version := w.SchemaVersion
	if version == 0 {
		version = 1
	}
	dedup := w.DedupCount
	if dedup < 1 {
		dedup = 1
	}
	if len(w.CorrelationRefs) == 1 {
		return nil, fmt.Errorf("%w: correlation_refs requires at least two entries", ErrMalformedAlert)
	}
	meta := w.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	return &Alert{
		SchemaVersion:   version,
		AlertID:         w.AlertID,
		Timestamp:       ts,
		Source:          w.Source,
		Severity:        sev,
		Title:           w.Title,
		Description:     w.Description,
		Metadata:        meta,
		RiskScore:       w.RiskScore,
		Category:        w.Category,
		DedupCount:      dedup,
		CorrelationRefs: w.CorrelationRefs,
	}, nil
}

// decodeTimestamp parses the envelope timestamp, coercing absence to
// receive time and truncating to millisecond resolution.
func (c *Codec) decodeTimestamp(raw string) (time.Time, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	if raw == "" {
		return now().UTC().Truncate(time.Millisecond), nil
	}
	for _, layout := range []string{TimestampLayout, time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedAlert, raw)
}
