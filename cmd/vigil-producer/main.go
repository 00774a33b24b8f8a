// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package main is the stub producer binary. It emits synthetic raw alerts
// and periodic heartbeat envelopes on a NATS subject, standing in for a
// real sensor integration so the aggregator pipeline can be exercised end
// to end. The vigil daemon launches it per configured producer; it also
// runs standalone for load and soak testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/messaging"
	"github.com/tomtom215/vigil/internal/producer"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("vigil-producer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	kind := fs.String("kind", producer.KindNIDSSignature, "producer kind: nids_signature, hids, nids_anomaly")
	subject := fs.String("subject", "", "publish subject (default derived from kind)")
	url := fs.String("url", "nats://127.0.0.1:4222", "broker URL")
	emitMS := fs.Int("emit-interval-ms", 2000, "milliseconds between synthetic alerts")
	heartbeatMS := fs.Int("heartbeat-ms", 30000, "milliseconds between heartbeats")
	logLevel := fs.String("log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logging.Init(logging.Config{Level: *logLevel, Format: "json"})

	if *subject == "" {
		*subject = defaultSubject(*kind)
	}

	pub, err := messaging.NewPublisher(messaging.DefaultPublisherConfig(*url), messaging.NewLoggerAdapter())
	if err != nil {
		logging.Error().Err(err).Str("url", *url).Msg("Broker connection failed")
		return 2
	}
	defer func() { _ = pub.Close() }()

	stub, err := producer.New(producer.Config{
		Kind:              *kind,
		Subject:           *subject,
		EmitInterval:      time.Duration(*emitMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(*heartbeatMS) * time.Millisecond,
	}, pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil-producer: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("version", version).
		Str("kind", *kind).
		Str("subject", *subject).
		Msg("Producer started")

	if err := stub.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Producer failed")
		return 3
	}
	logging.Info().Msg("Producer stopped")
	return 0
}

func defaultSubject(kind string) string {
	switch kind {
	case producer.KindHIDS:
		return config.DefaultSubjectHIDS
	case producer.KindNIDSAnomaly:
		return config.DefaultSubjectNIDSAnomaly
	default:
		return config.DefaultSubjectNIDSSignature
	}
}
