// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package schema

import (
	"strings"
	"time"
)

// SchemaVersion is the current alert envelope version.
// Increment this when making breaking changes to the wire format.
const SchemaVersion = 1

// Severity is the ordered alert severity scale. Numeric ordering is part of
// the contract: every consumer may compare severities with < and >.
type Severity int

// Severity levels, lowest to highest.
const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// severityNames maps canonical upper-case names to levels.
var severityNames = map[string]Severity{
	"INFO":     SeverityInfo,
	"LOW":      SeverityLow,
	"MEDIUM":   SeverityMedium,
	"HIGH":     SeverityHigh,
	"CRITICAL": SeverityCritical,
}

// String returns the canonical upper-case name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "LOW"
	}
}

// ParseSeverity parses a canonical severity name (case-insensitive).
// Returns SeverityLow and false for unknown names.
func ParseSeverity(name string) (Severity, bool) {
	s, ok := severityNames[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return SeverityLow, false
	}
	return s, true
}

// Source constants for the producing subsystem of an alert.
const (
	SourceNIDSSignature = "nids_signature"
	SourceNIDSAnomaly   = "nids_anomaly"
	SourceHIDSFile      = "hids_file"
	SourceHIDSProcess   = "hids_process"
	SourceHIDSLog       = "hids_log"
	SourceCorrelation   = "correlation"
)

// validSources is the closed set of producer sources. Envelopes with any
// other source are malformed.
var validSources = map[string]struct{}{
	SourceNIDSSignature: {},
	SourceNIDSAnomaly:   {},
	SourceHIDSFile:      {},
	SourceHIDSProcess:   {},
	SourceHIDSLog:       {},
	SourceCorrelation:   {},
}

// ValidSource reports whether source names a known producing subsystem.
func ValidSource(source string) bool {
	_, ok := validSources[source]
	return ok
}

// Well-known metadata keys promoted by the normalizer.
const (
	MetaSrcIP        = "src_ip"
	MetaDstIP        = "dst_ip"
	MetaSrcPort      = "src_port"
	MetaDstPort      = "dst_port"
	MetaProtocol     = "protocol"
	MetaHostname     = "hostname"
	MetaRuleID       = "rule_id"
	MetaConfidence   = "confidence"
	MetaMitreAttack  = "mitre_attack"
	MetaProducerTime = "producer_time"
)

// HeartbeatTitle is the reserved title of producer liveness envelopes.
// Heartbeats feed the supervisor's health tracker and never enter the
// alert pipeline.
const HeartbeatTitle = "_heartbeat"

// Size caps enforced at the codec and normalizer boundaries.
const (
	MaxPayloadBytes     = 64 * 1024
	MaxTitleChars       = 256
	MaxDescriptionChars = 4096
)

// Alert is the canonical unified alert record.
//
// Lifecycle: created by a producer (or the correlator), normalized exactly
// once, possibly suppressed by dedup, possibly amplified by correlation
// (which creates a new alert, never mutates inputs), delivered to every
// enabled sink, then discarded from live memory.
type Alert struct {
	SchemaVersion int

	// AlertID is globally unique and stable for the lifetime of the alert.
	AlertID string

	// Timestamp is the wall-clock instant in UTC, millisecond resolution.
	Timestamp time.Time

	Source      string
	Severity    Severity
	Title       string
	Description string

	// Metadata holds well-known keys (src_ip, dst_ip, rule_id, ...) plus
	// free-form producer keys. Values are JSON scalars.
	Metadata map[string]any

	// Enrichment fields. RiskScore is 0-100; Category derives from
	// source and rule_id.
	RiskScore int
	Category  string

	// DedupCount is the number of identical alerts this record stands for
	// within the dedup window. Always >= 1.
	DedupCount int

	// CorrelationRefs lists the alert IDs this alert was derived from.
	// Present only when Source == SourceCorrelation, and then holds at
	// least two entries, most recent contributor first.
	CorrelationRefs []string
}

// Clone returns a deep copy. Correlation and sinks must never share
// mutable state with the pipeline's copy.
func (a *Alert) Clone() *Alert {
	dup := *a
	if a.Metadata != nil {
		dup.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			dup.Metadata[k] = v
		}
	}
	if a.CorrelationRefs != nil {
		dup.CorrelationRefs = append([]string(nil), a.CorrelationRefs...)
	}
	return &dup
}

// MetaString returns the metadata value for key as a string, or "" when
// absent or not a string.
func (a *Alert) MetaString(key string) string {
	if a.Metadata == nil {
		return ""
	}
	if v, ok := a.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Confidence returns the producer confidence in [0,1], or 0 when absent.
func (a *Alert) Confidence() float64 {
	if a.Metadata == nil {
		return 0
	}
	switch v := a.Metadata[MetaConfidence].(type) {
	case float64:
		return clampUnit(v)
	case float32:
		return clampUnit(float64(v))
	case int:
		return clampUnit(float64(v))
	default:
		return 0
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
