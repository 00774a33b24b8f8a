// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package messaging provides the topic-per-producer pub/sub adapter the
// pipeline runs over.
//
// The aggregator embeds a NATS server (core NATS, no JetStream): producers
// connect to it and publish raw alert envelopes, one subject per producer
// kind; the aggregator subscribes to every producer subject and republishes
// unified alerts on the downstream subject. Late joiners receive only
// messages published after they connect - the sinks are the durable record.
//
// Sends are non-blocking. When a connection's buffer overflows, the message
// is dropped and counted (dropped_out); slow-consumer drops on the
// subscribe side are likewise counted rather than surfaced as errors.
package messaging
