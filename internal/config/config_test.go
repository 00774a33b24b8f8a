// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Messaging.Embedded {
		t.Error("messaging.embedded default = false, want true")
	}
	if cfg.Manager.DedupWindow() != 60*time.Second {
		t.Errorf("dedup window = %v, want 60s", cfg.Manager.DedupWindow())
	}
	if cfg.Manager.IntakeCapacity != 10000 || cfg.Manager.WorkerCount != 4 {
		t.Errorf("manager bounds = %d/%d, want 10000/4", cfg.Manager.IntakeCapacity, cfg.Manager.WorkerCount)
	}
	if len(cfg.Correlator.Rules) != 3 {
		t.Errorf("built-in rule count = %d, want 3", len(cfg.Correlator.Rules))
	}
	if cfg.Supervisor.ShutdownGrace() != 10*time.Second {
		t.Errorf("shutdown grace = %v, want 10s", cfg.Supervisor.ShutdownGrace())
	}
	if got := len(cfg.Producers); got != 3 {
		t.Errorf("default producer count = %d, want 3", got)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
manager:
  worker_count: 8
  dedup_window_ms: 120000
sinks:
  file:
    enabled: false
  publisher:
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Manager.WorkerCount != 8 {
		t.Errorf("worker_count = %d, want 8", cfg.Manager.WorkerCount)
	}
	if cfg.Manager.DedupWindow() != 2*time.Minute {
		t.Errorf("dedup window = %v, want 2m", cfg.Manager.DedupWindow())
	}
	if cfg.Sinks.File.Enabled || cfg.Sinks.Publisher.Enabled {
		t.Error("file/publisher sinks still enabled after override")
	}
	if !cfg.Sinks.Console.Enabled {
		t.Error("console sink default lost on partial sink override")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "manager:\n  worker_count: 8\n")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Manager.WorkerCount != 2 {
		t.Errorf("worker_count = %d, want env override 2", cfg.Manager.WorkerCount)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestUnmappedEnvIgnored(t *testing.T) {
	path := writeConfig(t, "{}\n")
	t.Setenv("PATH_INFO", "should-not-leak")

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			"no sinks enabled",
			`
sinks:
  console: {enabled: false}
  file: {enabled: false}
  publisher: {enabled: false}
`,
			"at least one sink",
		},
		{
			"file sink without path",
			`
sinks:
  file: {enabled: true, path: ""}
`,
			"sinks.file.path",
		},
		{
			"external broker without url",
			`
messaging: {embedded: false, url: ""}
`,
			"messaging.url",
		},
		{
			"rule window exceeds retention",
			`
correlator:
  max_history_window_ms: 1000
`,
			"exceeds correlator.max_history_window_ms",
		},
		{
			"min_distinct exceeds matchers",
			`
correlator:
  rules:
    - rule_id: bad
      name: bad
      severity: HIGH
      time_window_ms: 1000
      min_distinct_events: 3
      required_events:
        - {source: "*", pattern: "x"}
`,
			"min_distinct_events",
		},
		{
			"unknown rule severity",
			`
correlator:
  rules:
    - rule_id: bad
      name: bad
      severity: SEV1
      time_window_ms: 1000
      required_events:
        - {source: "*", pattern: "x"}
        - {source: "*", pattern: "y"}
`,
			"unknown severity",
		},
		{
			"no producers enabled",
			`
producers:
  nids_signature: {enabled: false, subject: s}
  hids: {enabled: false, subject: s}
  nids_anomaly: {enabled: false, subject: s}
`,
			"at least one producer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	path := writeConfig(t, `
correlator:
  rules:
    - rule_id: lateral_movement
      name: Lateral movement
      severity: HIGH
      time_window_ms: 300000
      required_events:
        - {source: hids_log, pattern: "failed login"}
        - {source: hids_process, pattern: "psexec|wmic"}
`)
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].RuleID != "lateral_movement" {
		t.Fatalf("rules = %+v, want the single configured rule", rules)
	}
	if rules[0].TimeWindow() != 5*time.Minute {
		t.Errorf("time window = %v, want 5m", rules[0].TimeWindow())
	}
}
