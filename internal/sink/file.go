// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/schema"
)

// ErrFileSinkSaturated is returned when the submit channel is full.
var ErrFileSinkSaturated = errors.New("file sink queue is full")

// File appends one canonical JSON object per line to an alerts file.
//
// A single writer goroutine owns the file handle. Deliver submits over a
// channel; fsync runs group-commit style, every FlushEveryN alerts or
// FlushInterval, whichever comes first. When the file grows past
// RotateMaxBytes it is renamed with a timestamp suffix and a fresh file
// is opened.
type File struct {
	cfg   config.FileSinkConfig
	codec *schema.Codec

	submit chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	// Now returns the current time. Override for testing rotation names.
	Now func() time.Time
}

// NewFile opens (or creates) the alerts file and starts the writer.
func NewFile(cfg config.FileSinkConfig) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}

	f := &File{
		cfg:    cfg,
		codec:  schema.NewCodec(),
		submit: make(chan []byte, 1024),
		done:   make(chan struct{}),
		Now:    time.Now,
	}

	handle, err := f.open()
	if err != nil {
		return nil, err
	}
	go f.writeLoop(handle)
	return f, nil
}

func (f *File) Name() string { return "file" }

// Deliver encodes the alert and submits it to the writer. A saturated
// queue is an error; the worker retries once and then drops.
func (f *File) Deliver(a *schema.Alert) error {
	line, err := f.codec.Encode(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.AlertID, err)
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errors.New("file sink is closed")
	}

	select {
	case f.submit <- line:
		return nil
	default:
		return ErrFileSinkSaturated
	}
}

// Close drains queued alerts, flushes, and stops the writer.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	close(f.submit)
	<-f.done
	return nil
}

func (f *File) open() (*os.File, error) {
	handle, err := os.OpenFile(f.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.cfg.Path, err)
	}
	return handle, nil
}

// writeLoop is the single owner of the file handle.
func (f *File) writeLoop(handle *os.File) {
	defer close(f.done)

	ticker := time.NewTicker(f.cfg.FlushInterval())
	defer ticker.Stop()

	unsynced := 0
	var size int64
	if fi, err := handle.Stat(); err == nil {
		size = fi.Size()
	}

	sync := func() {
		if unsynced == 0 {
			return
		}
		if err := handle.Sync(); err != nil {
			logging.Err(err).Str("path", f.cfg.Path).Msg("File sink fsync failed")
		}
		unsynced = 0
	}

	for {
		select {
		case line, ok := <-f.submit:
			if !ok {
				sync()
				if err := handle.Close(); err != nil {
					logging.Err(err).Msg("File sink close failed")
				}
				return
			}

			n, err := handle.Write(append(line, '\n'))
			if err != nil {
				// Retry once, then drop.
				if n, err = handle.Write(append(line, '\n')); err != nil {
					logging.Err(err).Str("path", f.cfg.Path).Msg("File sink write dropped")
					continue
				}
			}
			size += int64(n)
			unsynced++
			if unsynced >= f.cfg.FlushEveryN {
				sync()
			}

			if f.cfg.RotateMaxBytes > 0 && size >= f.cfg.RotateMaxBytes {
				sync()
				if next, err := f.rotate(handle); err != nil {
					logging.Err(err).Msg("File sink rotation failed")
				} else {
					handle = next
					size = 0
				}
			}

		case <-ticker.C:
			sync()
		}
	}
}

// rotate renames the current file with a timestamp suffix and reopens a
// fresh one at the configured path.
func (f *File) rotate(handle *os.File) (*os.File, error) {
	if err := handle.Close(); err != nil {
		return nil, fmt.Errorf("close before rotate: %w", err)
	}

	rotated := rotatedName(f.cfg.Path, f.Now())
	if err := os.Rename(f.cfg.Path, rotated); err != nil {
		return nil, fmt.Errorf("rename to %s: %w", rotated, err)
	}
	logging.Info().Str("rotated", rotated).Msg("Alert file rotated")
	return f.open()
}

// rotatedName turns /data/unified_alerts.jsonl into
// /data/unified_alerts-20260801-120000.jsonl.
func rotatedName(path string, now time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s-%s%s", base, now.UTC().Format("20060102-150405"), ext)
}
