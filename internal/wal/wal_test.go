// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package wal

import (
	"context"
	"errors"
	"testing"

	"github.com/tomtom215/vigil/internal/schema"
)

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func spoolAlert() (*schema.Alert, []byte) {
	a := &schema.Alert{
		AlertID:    "nids_signature_1_100",
		Source:     schema.SourceNIDSSignature,
		Severity:   schema.SeverityHigh,
		Title:      "ET EXPLOIT attempt",
		DedupCount: 1,
	}
	return a, []byte(`{"alert_id":"nids_signature_1_100"}`)
}

func TestWriteConfirmCycle(t *testing.T) {
	s := openTestSpool(t)
	a, payload := spoolAlert()

	id, err := s.Write(a, payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := s.Stats().PendingCount; got != 1 {
		t.Errorf("PendingCount after write = %d, want 1", got)
	}

	if err := s.Confirm(id); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if got := s.Stats().PendingCount; got != 0 {
		t.Errorf("PendingCount after confirm = %d, want 0", got)
	}
}

func TestConfirmUnknownEntry(t *testing.T) {
	s := openTestSpool(t)
	if err := s.Confirm("no-such-entry"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Confirm(unknown) error = %v, want ErrEntryNotFound", err)
	}
}

func TestMarkAttemptRecordsFailure(t *testing.T) {
	s := openTestSpool(t)
	a, payload := spoolAlert()

	id, err := s.Write(a, payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.MarkAttempt(id, errors.New("broker unreachable")); err != nil {
		t.Fatalf("MarkAttempt() error = %v", err)
	}
	if err := s.MarkAttempt(id, errors.New("still unreachable")); err != nil {
		t.Fatalf("MarkAttempt() error = %v", err)
	}

	entries, err := s.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("pending entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", e.Attempts)
	}
	if e.LastError != "still unreachable" {
		t.Errorf("LastError = %q", e.LastError)
	}
	if string(e.Payload) != string(payload) {
		t.Errorf("Payload = %s, want original bytes", e.Payload)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	a, payload := spoolAlert()
	if _, err := s.Write(a, payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	entries, err := s.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("pending after reopen = %d, want 1 (crash durability)", len(entries))
	}
}

func TestOperationsAfterClose(t *testing.T) {
	s := openTestSpool(t)
	a, payload := spoolAlert()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := s.Write(a, payload); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close error = %v, want ErrClosed", err)
	}
	if err := s.Confirm("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Confirm after close error = %v, want ErrClosed", err)
	}
	if _, err := s.Pending(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Pending after close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}
