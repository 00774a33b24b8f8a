// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package config loads and validates the aggregator configuration.
//
// Configuration is layered via Koanf v2 (highest priority wins):
//  1. Built-in defaults
//  2. YAML config file (--config flag, CONFIG_PATH, or default paths)
//  3. Environment variables
//
// Durations that the external contract expresses in milliseconds keep their
// _ms key names and integer types; constructors convert them once at wiring
// time.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the aggregator and its supervisor.
type Config struct {
	Messaging  MessagingConfig           `koanf:"messaging" validate:"required"`
	Producers  map[string]ProducerConfig `koanf:"producers"`
	Manager    ManagerConfig             `koanf:"manager"`
	Sinks      SinksConfig               `koanf:"sinks"`
	Correlator CorrelatorConfig          `koanf:"correlator"`
	Supervisor SupervisorConfig          `koanf:"supervisor"`
	Ops        OpsConfig                 `koanf:"ops"`
	Logging    LoggingConfig             `koanf:"logging"`
}

// MessagingConfig configures the broker the pipeline runs over. When
// Embedded is true the aggregator starts an in-process NATS server on
// ListenHost:ListenPort; otherwise it connects to URL.
type MessagingConfig struct {
	Embedded   bool   `koanf:"embedded"`
	ListenHost string `koanf:"listen_host"`
	ListenPort int    `koanf:"listen_port" validate:"min=0,max=65535"`
	URL        string `koanf:"url"`

	// UnifiedSubject is the egress subject unified alerts are republished
	// on for downstream consumers.
	UnifiedSubject string `koanf:"unified_subject"`
}

// ProducerConfig describes one producer kind the aggregator subscribes to
// and, when Command is set, launches and supervises as a child process.
type ProducerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Subject string `koanf:"subject" validate:"required"`

	// Command is the child process argv. Empty means an externally managed
	// producer: the aggregator subscribes but does not launch or restart it.
	Command []string `koanf:"command"`

	// EmitIntervalMS paces the stub generator (producer-side setting,
	// passed through to vigil-producer).
	EmitIntervalMS int `koanf:"emit_interval_ms"`
}

// ManagerConfig bounds the intake queue, worker pool, and dedup cache.
type ManagerConfig struct {
	IntakeCapacity  int `koanf:"intake_capacity" validate:"min=1"`
	WorkerCount     int `koanf:"worker_count" validate:"min=1"`
	DedupWindowMS   int `koanf:"dedup_window_ms" validate:"min=0"`
	DedupMaxEntries int `koanf:"dedup_max_entries" validate:"min=1"`
}

// DedupWindow returns the dedup window as a duration.
func (m ManagerConfig) DedupWindow() time.Duration {
	return time.Duration(m.DedupWindowMS) * time.Millisecond
}

// SinksConfig enables and parameterizes the terminal outputs. At least one
// sink must be enabled for the manager to start.
type SinksConfig struct {
	Console   ConsoleSinkConfig   `koanf:"console"`
	File      FileSinkConfig      `koanf:"file"`
	Publisher PublisherSinkConfig `koanf:"publisher"`
}

// ConsoleSinkConfig configures the one-line-per-alert console writer.
type ConsoleSinkConfig struct {
	Enabled bool `koanf:"enabled"`
}

// FileSinkConfig configures the append-only JSONL writer.
type FileSinkConfig struct {
	Enabled         bool   `koanf:"enabled"`
	Path            string `koanf:"path"`
	FlushEveryN     int    `koanf:"flush_every_n" validate:"min=1"`
	FlushIntervalMS int    `koanf:"flush_interval_ms" validate:"min=1"`

	// RotateMaxBytes triggers rotation to a timestamped file when the
	// current file grows past this size. 0 disables rotation.
	RotateMaxBytes int64 `koanf:"rotate_max_bytes" validate:"min=0"`
}

// FlushInterval returns the group-commit interval as a duration.
func (f FileSinkConfig) FlushInterval() time.Duration {
	return time.Duration(f.FlushIntervalMS) * time.Millisecond
}

// PublisherSinkConfig configures downstream republication of unified
// alerts. WALEnabled adds a Badger-backed spool so alerts survive broker
// outages and are replayed on reconnect.
type PublisherSinkConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Subject    string `koanf:"subject"`
	WALEnabled bool   `koanf:"wal_enabled"`
	WALPath    string `koanf:"wal_path"`
}

// CorrelatorConfig configures the temporal event correlator.
type CorrelatorConfig struct {
	Enabled            bool   `koanf:"enabled"`
	MaxHistoryWindowMS int    `koanf:"max_history_window_ms" validate:"min=1"`
	CooldownPolicy     string `koanf:"cooldown_policy" validate:"oneof=rule_window none"`

	Rules []RuleConfig `koanf:"rules" validate:"dive"`
}

// MaxHistoryWindow returns the maximum event retention as a duration.
func (c CorrelatorConfig) MaxHistoryWindow() time.Duration {
	return time.Duration(c.MaxHistoryWindowMS) * time.Millisecond
}

// RuleConfig is the data form of a correlation rule (§3.3). Rule
// definitions are data; adding a rule is a config change, not a code
// change.
type RuleConfig struct {
	RuleID      string `koanf:"rule_id" json:"rule_id" validate:"required"`
	Name        string `koanf:"name" json:"name" validate:"required"`
	Description string `koanf:"description" json:"description"`
	Severity    string `koanf:"severity" json:"severity" validate:"required"`

	TimeWindowMS int `koanf:"time_window_ms" json:"time_window_ms" validate:"min=1"`

	// RequiredEvents is the ordered matcher list. Source is exact or "*";
	// Pattern is a case-insensitive regex against the event text blob.
	RequiredEvents []MatcherConfig `koanf:"required_events" json:"required_events" validate:"min=1,dive"`

	// SameActor requires all matched events to share a non-empty actor.
	SameActor bool `koanf:"same_actor" json:"same_actor"`

	// MinDistinctEvents defaults to len(RequiredEvents) when zero.
	MinDistinctEvents int `koanf:"min_distinct_events" json:"min_distinct_events" validate:"min=0"`
}

// TimeWindow returns the rule window as a duration.
func (r RuleConfig) TimeWindow() time.Duration {
	return time.Duration(r.TimeWindowMS) * time.Millisecond
}

// MatcherConfig is one required-event matcher of a rule.
type MatcherConfig struct {
	Source  string `koanf:"source" json:"source" validate:"required"`
	Pattern string `koanf:"pattern" json:"pattern" validate:"required"`
}

// SupervisorConfig governs producer process supervision and shutdown.
type SupervisorConfig struct {
	HeartbeatIntervalMS int    `koanf:"heartbeat_interval_ms" validate:"min=1"`
	RestartBackoffMaxMS int    `koanf:"restart_backoff_max_ms" validate:"min=1"`
	ShutdownGraceMS     int    `koanf:"shutdown_grace_ms" validate:"min=1"`
	PIDFile             string `koanf:"pid_file"`
}

// HeartbeatInterval returns the producer heartbeat interval.
func (s SupervisorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMS) * time.Millisecond
}

// RestartBackoffMax returns the restart backoff cap.
func (s SupervisorConfig) RestartBackoffMax() time.Duration {
	return time.Duration(s.RestartBackoffMaxMS) * time.Millisecond
}

// ShutdownGrace returns the total drain budget on shutdown.
func (s SupervisorConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMS) * time.Millisecond
}

// OpsConfig configures the operational HTTP listener serving /healthz,
// /status and /metrics.
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"min=0,max=65535"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks structural constraints and cross-field invariants.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if !c.Sinks.Console.Enabled && !c.Sinks.File.Enabled && !c.Sinks.Publisher.Enabled {
		return fmt.Errorf("config validation: at least one sink must be enabled")
	}
	if c.Sinks.File.Enabled && c.Sinks.File.Path == "" {
		return fmt.Errorf("config validation: sinks.file.path is required when the file sink is enabled")
	}
	if c.Sinks.Publisher.Enabled && c.Sinks.Publisher.Subject == "" {
		return fmt.Errorf("config validation: sinks.publisher.subject is required when the publisher sink is enabled")
	}
	if c.Sinks.Publisher.WALEnabled && c.Sinks.Publisher.WALPath == "" {
		return fmt.Errorf("config validation: sinks.publisher.wal_path is required when the WAL spool is enabled")
	}
	if !c.Messaging.Embedded && c.Messaging.URL == "" {
		return fmt.Errorf("config validation: messaging.url is required when the embedded broker is disabled")
	}

	// Rule windows must fit inside the correlator's retention.
	for _, r := range c.Correlator.Rules {
		if r.TimeWindowMS > c.Correlator.MaxHistoryWindowMS {
			return fmt.Errorf("config validation: rule %s window %dms exceeds correlator.max_history_window_ms %d",
				r.RuleID, r.TimeWindowMS, c.Correlator.MaxHistoryWindowMS)
		}
		if r.MinDistinctEvents > len(r.RequiredEvents) {
			return fmt.Errorf("config validation: rule %s min_distinct_events %d exceeds its %d matchers",
				r.RuleID, r.MinDistinctEvents, len(r.RequiredEvents))
		}
		if _, ok := parseSeverityName(r.Severity); !ok {
			return fmt.Errorf("config validation: rule %s has unknown severity %q", r.RuleID, r.Severity)
		}
	}

	enabled := 0
	for name, p := range c.Producers {
		if p.Enabled {
			enabled++
		}
		if p.Enabled && p.Subject == "" {
			return fmt.Errorf("config validation: producers.%s.subject is required", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config validation: at least one producer must be enabled")
	}

	return nil
}

// parseSeverityName duplicates the canonical severity set to keep config
// free of pipeline imports.
func parseSeverityName(name string) (int, bool) {
	switch name {
	case "INFO":
		return 0, true
	case "LOW":
		return 1, true
	case "MEDIUM":
		return 2, true
	case "HIGH":
		return 3, true
	case "CRITICAL":
		return 4, true
	default:
		return 0, false
	}
}
