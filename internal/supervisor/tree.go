// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package supervisor runs the aggregator's service tree and manages the
// producer child processes: launch, heartbeat liveness, and restart with
// exponential backoff.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/vigil/internal/logging"
)

// TreeConfig holds supervision failure parameters shared by every layer.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig returns suture's documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the aggregator's supervision hierarchy:
//
//	vigil
//	├── broker-layer     embedded NATS server
//	├── pipeline-layer   receivers, manager, correlator, dedup sweeper,
//	│                    spool replay
//	├── producer-layer   child-process launchers and the health monitor
//	└── ops-layer        HTTP status and metrics server
//
// A crashing producer never takes the pipeline down, and vice versa.
type Tree struct {
	root      *suture.Supervisor
	broker    *suture.Supervisor
	pipeline  *suture.Supervisor
	producers *suture.Supervisor
	ops       *suture.Supervisor
}

// NewTree builds the supervision hierarchy. Zero config fields take the
// defaults.
func NewTree(cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
	rootSpec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	t := &Tree{
		root:      suture.New("vigil", rootSpec),
		broker:    suture.New("broker-layer", childSpec),
		pipeline:  suture.New("pipeline-layer", childSpec),
		producers: suture.New("producer-layer", childSpec),
		ops:       suture.New("ops-layer", childSpec),
	}
	t.root.Add(t.broker)
	t.root.Add(t.pipeline)
	t.root.Add(t.producers)
	t.root.Add(t.ops)
	return t
}

// AddBrokerService supervises the embedded broker.
func (t *Tree) AddBrokerService(svc suture.Service) suture.ServiceToken {
	return t.broker.Add(svc)
}

// AddPipelineService supervises a pipeline stage.
func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

// AddProducerService supervises a producer launcher or the health monitor.
func (t *Tree) AddProducerService(svc suture.Service) suture.ServiceToken {
	return t.producers.Add(svc)
}

// AddOpsService supervises the operational HTTP server.
func (t *Tree) AddOpsService(svc suture.Service) suture.ServiceToken {
	return t.ops.Add(svc)
}

// Serve runs the tree until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Service adapts a function to suture.Service with a stable name.
type Service struct {
	name string
	fn   func(ctx context.Context) error
}

// NewService wraps fn as a named supervised service.
func NewService(name string, fn func(ctx context.Context) error) *Service {
	return &Service{name: name, fn: fn}
}

func (s *Service) String() string { return s.name }

func (s *Service) Serve(ctx context.Context) error {
	return s.fn(ctx)
}
