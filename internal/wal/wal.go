// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package wal spools unified alerts to BadgerDB before downstream
// publishing. An alert is written before the publish attempt and
// confirmed (deleted) after the broker accepts it, so alerts survive
// broker outages and process crashes between the two.
package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/schema"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("wal is closed")

	// ErrEntryNotFound is returned when confirming an unknown entry.
	ErrEntryNotFound = errors.New("wal entry not found")
)

const pendingPrefix = "pending:"

// entryTTL caps how long an unpublishable alert is retried before Badger
// expires it. Stale intrusion alerts have no value downstream.
const entryTTL = 24 * time.Hour

// Entry is one spooled alert awaiting publish confirmation.
type Entry struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Stats summarizes spool state for the status endpoint.
type Stats struct {
	PendingCount int64 `json:"pending_count"`
	DBSizeBytes  int64 `json:"db_size_bytes"`
}

// Spool is the Badger-backed alert spool. Safe for concurrent use.
type Spool struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// Open creates or reopens the spool at path. SyncWrites is always on;
// the spool exists precisely to survive crashes.
func Open(path string) (*Spool, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}

	logging.Info().Str("path", path).Msg("Publish spool opened")
	return &Spool{db: db}, nil
}

// Write spools one canonical alert before a publish attempt and returns
// the entry ID used to confirm it.
func (s *Spool) Write(a *schema.Alert, payload []byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}

	entry := Entry{
		ID:        uuid.New().String(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return "", fmt.Errorf("marshal wal entry: %w", err)
	}

	key := []byte(pendingPrefix + entry.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(entryTTL))
	})
	if err != nil {
		return "", fmt.Errorf("write wal entry: %w", err)
	}
	return entry.ID, nil
}

// Confirm removes a successfully published entry.
func (s *Spool) Confirm(entryID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	key := []byte(pendingPrefix + entryID)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		return txn.Delete(key)
	})
	return err
}

// MarkAttempt records a failed publish attempt on a pending entry.
func (s *Spool) MarkAttempt(entryID string, attemptErr error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	key := []byte(pendingPrefix + entryID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		var entry Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return fmt.Errorf("unmarshal wal entry: %w", err)
		}

		entry.Attempts++
		if attemptErr != nil {
			entry.LastError = attemptErr.Error()
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal wal entry: %w", err)
		}
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(entryTTL))
	})
}

// Pending returns all unconfirmed entries in a point-in-time snapshot.
// Used for replay on startup and by the retry loop.
func (s *Spool) Pending(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var entries []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(pendingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping corrupt spool entry")
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate spool: %w", err)
	}
	return entries, nil
}

// Stats counts pending entries and reports database size. Also refreshes
// the wal_pending gauge.
func (s *Spool) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}
	}

	var pending int64
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(pendingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			pending++
		}
		return nil
	})

	lsm, vlog := s.db.Size()
	metrics.WALPending.Set(float64(pending))
	return Stats{PendingCount: pending, DBSizeBytes: lsm + vlog}
}

// RunGC reclaims value-log space. Called periodically by the owner.
func (s *Spool) RunGC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("badger gc: %w", err)
		}
	}
}

// Close shuts the spool down. Further operations return ErrClosed.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	logging.Info().Msg("Publish spool closed")
	return nil
}
