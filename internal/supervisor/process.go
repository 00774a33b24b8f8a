// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

// ProcessConfig describes one supervised producer process.
type ProcessConfig struct {
	Name    string
	Command []string

	// BackoffMax caps the restart backoff (doubling from 1 s).
	BackoffMax time.Duration

	// HealthyReset is the healthy uptime after which the backoff resets
	// to its initial value. Default 5 minutes.
	HealthyReset time.Duration

	// KillGrace is how long a signaled child may take to exit before
	// SIGKILL. Default 5 seconds.
	KillGrace time.Duration
}

// Process launches and restarts one producer child process. It runs its
// own restart loop with exponential backoff inside a single Serve call;
// suture above it only handles launcher failures.
type Process struct {
	cfg     ProcessConfig
	tracker *HeartbeatTracker

	restarts atomic.Uint64
	running  atomic.Bool
	pid      atomic.Int64
}

// NewProcess creates a supervised producer process.
func NewProcess(cfg ProcessConfig, tracker *HeartbeatTracker) *Process {
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.HealthyReset <= 0 {
		cfg.HealthyReset = 5 * time.Minute
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Process{cfg: cfg, tracker: tracker}
}

func (p *Process) String() string { return "producer-" + p.cfg.Name }

// Restarts returns how many times the child has been relaunched.
func (p *Process) Restarts() uint64 { return p.restarts.Load() }

// Running reports whether the child is currently alive.
func (p *Process) Running() bool { return p.running.Load() }

// PID returns the child's process ID, or 0 when not running.
func (p *Process) PID() int { return int(p.pid.Load()) }

// Serve launches the child and keeps it alive until the context is
// canceled: exponential backoff from 1 s doubling to BackoffMax, reset
// after HealthyReset of uptime. A child whose heartbeats stop is killed
// and relaunched through the same path.
func (p *Process) Serve(ctx context.Context) error {
	if len(p.cfg.Command) == 0 {
		// Externally managed producer; nothing to launch.
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := time.Second
	for {
		started := time.Now()
		exitErr := p.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		uptime := time.Since(started)
		wait, next := p.restartDelay(backoff, uptime)
		backoff = next

		p.restarts.Add(1)
		metrics.ProducerRestarts.WithLabelValues(p.cfg.Name).Inc()
		logging.Warn().
			Str("producer", p.cfg.Name).
			Err(exitErr).
			Dur("uptime", uptime).
			Dur("backoff", wait).
			Msg("Producer exited, restarting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// restartDelay returns the wait before the next launch and the ladder's
// next value: doubling from 1 s up to BackoffMax. A run of at least
// HealthyReset starts the ladder over.
func (p *Process) restartDelay(prev, uptime time.Duration) (wait, next time.Duration) {
	if uptime >= p.cfg.HealthyReset {
		prev = time.Second
	}
	next = prev * 2
	if next > p.cfg.BackoffMax {
		next = p.cfg.BackoffMax
	}
	return prev, next
}

// runOnce starts the child and waits for it to exit, killing it on
// cancellation or sustained heartbeat loss.
func (p *Process) runOnce(ctx context.Context) error {
	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Stdout = logging.Logger().With().Str("producer", p.cfg.Name).Logger()
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Name, err)
	}
	p.running.Store(true)
	p.pid.Store(int64(cmd.Process.Pid))
	if p.tracker != nil {
		// A fresh child gets a full grace period.
		p.tracker.MarkSeen(p.cfg.Name)
	}
	logging.Info().
		Str("producer", p.cfg.Name).
		Int("pid", cmd.Process.Pid).
		Msg("Producer started")

	defer func() {
		p.running.Store(false)
		p.pid.Store(0)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	healthTick := time.NewTicker(time.Second)
	defer healthTick.Stop()

	for {
		select {
		case err := <-waitCh:
			return err

		case <-ctx.Done():
			p.terminate(cmd, waitCh)
			return ctx.Err()

		case <-healthTick.C:
			if p.tracker != nil && !p.tracker.Healthy(p.cfg.Name) {
				logging.Warn().
					Str("producer", p.cfg.Name).
					Msg("Heartbeats stopped, killing producer")
				p.terminate(cmd, waitCh)
				return errors.New("heartbeat timeout")
			}
		}
	}
}

// terminate signals SIGTERM, waits the kill grace, then SIGKILLs.
func (p *Process) terminate(cmd *exec.Cmd, waitCh chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-waitCh:
		return
	case <-time.After(p.cfg.KillGrace):
		_ = cmd.Process.Kill()
		<-waitCh
	}
}
