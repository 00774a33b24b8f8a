// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package schema defines the unified alert record and its wire codec.
//
// Every subsystem of Vigil - producers, the aggregation pipeline, the
// correlator, and the sinks - exchanges alerts in the single canonical
// format defined here. Producers publish raw JSON envelopes with a subset
// of the fields; the normalizer fills the rest and the codec guarantees
// that anything crossing a sink boundary is a complete, validated record.
//
// Schema versioning:
//   - SchemaVersion tracks the envelope format version
//   - Version 0 on the wire is treated as version 1 for backward compatibility
package schema
