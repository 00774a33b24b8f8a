// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"vigil.yaml",
	"vigil.yml",
	"/etc/vigil/vigil.yaml",
	"/etc/vigil/vigil.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Default ingress subjects, one per producer kind. The aggregator
// subscribes to all of them; each producer publishes to exactly one.
const (
	DefaultSubjectNIDSSignature = "alerts.raw.nids_signature"
	DefaultSubjectHIDS          = "alerts.raw.hids"
	DefaultSubjectNIDSAnomaly   = "alerts.raw.nids_anomaly"
	DefaultSubjectUnified       = "alerts.unified"
)

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and environment.
func defaultConfig() *Config {
	return &Config{
		Messaging: MessagingConfig{
			Embedded:       true,
			ListenHost:     "127.0.0.1",
			ListenPort:     5556,
			URL:            "",
			UnifiedSubject: DefaultSubjectUnified,
		},
		Producers: map[string]ProducerConfig{
			"nids_signature": {
				Enabled:        true,
				Subject:        DefaultSubjectNIDSSignature,
				EmitIntervalMS: 2000,
			},
			"hids": {
				Enabled:        true,
				Subject:        DefaultSubjectHIDS,
				EmitIntervalMS: 3000,
			},
			"nids_anomaly": {
				Enabled:        true,
				Subject:        DefaultSubjectNIDSAnomaly,
				EmitIntervalMS: 5000,
			},
		},
		Manager: ManagerConfig{
			IntakeCapacity:  10000,
			WorkerCount:     4,
			DedupWindowMS:   60000,
			DedupMaxEntries: 10000,
		},
		Sinks: SinksConfig{
			Console: ConsoleSinkConfig{Enabled: true},
			File: FileSinkConfig{
				Enabled:         true,
				Path:            "/data/vigil/unified_alerts.jsonl",
				FlushEveryN:     100,
				FlushIntervalMS: 1000,
				RotateMaxBytes:  256 << 20, // 256MB
			},
			Publisher: PublisherSinkConfig{
				Enabled:    true,
				Subject:    DefaultSubjectUnified,
				WALEnabled: false,
				WALPath:    "/data/vigil/publisher-wal",
			},
		},
		Correlator: CorrelatorConfig{
			Enabled:            true,
			MaxHistoryWindowMS: 1_860_000, // largest built-in window plus safety margin
			CooldownPolicy:     "rule_window",
			Rules:              BuiltinRules(),
		},
		Supervisor: SupervisorConfig{
			HeartbeatIntervalMS: 30000,
			RestartBackoffMaxMS: 60000,
			ShutdownGraceMS:     10000,
			PIDFile:             "/run/vigil.pid",
		},
		Ops: OpsConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    5560,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// BuiltinRules returns the default correlation rule set. The exact text of
// these rules is parameterization, not contract; deployments replace them
// via correlator.rules.
func BuiltinRules() []RuleConfig {
	return []RuleConfig{
		{
			RuleID:       "scan_then_exploit",
			Name:         "Port scan followed by exploitation",
			Description:  "Reconnaissance followed by an exploitation attempt from the same source address",
			Severity:     "CRITICAL",
			TimeWindowMS: 600_000, // 10 minutes
			RequiredEvents: []MatcherConfig{
				{Source: "nids_signature", Pattern: `port\s*scan|scan`},
				{Source: "nids_signature", Pattern: `sql\s*injection|exploit|overflow|shellcode|rce`},
			},
			SameActor: true,
		},
		{
			RuleID:       "bruteforce_then_escalation",
			Name:         "Brute force then successful action",
			Description:  "Authentication brute force followed by privilege escalation on the same host",
			Severity:     "HIGH",
			TimeWindowMS: 1_800_000, // 30 minutes
			RequiredEvents: []MatcherConfig{
				{Source: "hids_log", Pattern: `brute\s*force|failed\s*(password|login)`},
				{Source: "*", Pattern: `privilege\s*escalation|sudo|root\s*shell`},
			},
			SameActor: true,
		},
		{
			RuleID:       "anomaly_host_burst",
			Name:         "Anomaly burst across host and network",
			Description:  "A network anomaly and a host alert sharing an address inside a short window",
			Severity:     "HIGH",
			TimeWindowMS: 900_000, // 15 minutes
			RequiredEvents: []MatcherConfig{
				{Source: "nids_anomaly", Pattern: `.`},
				{Source: "hids_file", Pattern: `.`},
			},
			SameActor: true,
		},
	}
}

// Load reads configuration with layered sources: defaults, then the YAML
// file at path (or the first default path when path is empty), then
// environment variables. The result is validated before being returned.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadRules re-reads only the correlator rule set from the given config
// file. Used by reload-config so a rule change does not bounce the
// pipeline.
func LoadRules(path string) ([]RuleConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.Correlator.Rules, nil
}

// findConfigFile searches CONFIG_PATH and the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so random environment entries cannot
// pollute the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Messaging
		"messaging_embedded":    "messaging.embedded",
		"messaging_listen_host": "messaging.listen_host",
		"messaging_listen_port": "messaging.listen_port",
		"messaging_url":         "messaging.url",

		// Manager
		"intake_capacity":   "manager.intake_capacity",
		"worker_count":      "manager.worker_count",
		"dedup_window_ms":   "manager.dedup_window_ms",
		"dedup_max_entries": "manager.dedup_max_entries",

		// Sinks
		"console_sink_enabled":    "sinks.console.enabled",
		"file_sink_enabled":       "sinks.file.enabled",
		"file_sink_path":          "sinks.file.path",
		"file_sink_flush_every_n": "sinks.file.flush_every_n",
		"file_sink_flush_ms":      "sinks.file.flush_interval_ms",
		"publisher_sink_enabled":  "sinks.publisher.enabled",
		"publisher_sink_subject":  "sinks.publisher.subject",
		"publisher_wal_enabled":   "sinks.publisher.wal_enabled",
		"publisher_wal_path":      "sinks.publisher.wal_path",

		// Correlator
		"correlator_enabled":        "correlator.enabled",
		"correlator_max_history_ms": "correlator.max_history_window_ms",
		"correlator_cooldown":       "correlator.cooldown_policy",

		// Supervisor
		"heartbeat_interval_ms":  "supervisor.heartbeat_interval_ms",
		"restart_backoff_max_ms": "supervisor.restart_backoff_max_ms",
		"shutdown_grace_ms":      "supervisor.shutdown_grace_ms",
		"pid_file":               "supervisor.pid_file",

		// Ops
		"ops_enabled": "ops.enabled",
		"ops_host":    "ops.host",
		"ops_port":    "ops.port",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
