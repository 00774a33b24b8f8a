// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package main is the entry point for the Vigil aggregator daemon.
//
// Vigil unifies alerts from heterogeneous intrusion detection producers
// (signature NIDS, anomaly NIDS, host agents) into one normalized stream,
// deduplicates and enriches it, correlates multi-stage attack patterns,
// and fans the result out to console, file, and broker sinks.
//
// # Application Architecture
//
// The daemon assembles a suture supervision tree with four layers:
//
//  1. broker-layer:   embedded NATS server (optional; external URL otherwise)
//  2. pipeline-layer: subject receivers, alert manager, correlator,
//     dedup sweeper, spool replay
//  3. producer-layer: child-process launchers and the heartbeat monitor
//  4. ops-layer:      HTTP /healthz, /status and /metrics
//
// # Commands
//
//	vigil start          run the aggregator in the foreground
//	vigil stop           signal the running daemon to shut down
//	vigil status         print the running daemon's /status JSON
//	vigil reload-config  re-read correlation rules without a restart
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, YAML file (--config flag,
// CONFIG_PATH, or the default paths), built-in defaults.
//
// # Signal Handling
//
//	SIGTERM  graceful shutdown (exit 0)
//	SIGINT   graceful shutdown (exit 130)
//	SIGHUP   reload correlation rules from the config file
//
// Shutdown drains the intake queue within supervisor.shutdown_grace_ms;
// alerts still queued past the grace are counted as dropped_shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/vigil/internal/api"
	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/correlate"
	"github.com/tomtom215/vigil/internal/dedup"
	"github.com/tomtom215/vigil/internal/enrich"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/manager"
	"github.com/tomtom215/vigil/internal/messaging"
	"github.com/tomtom215/vigil/internal/sink"
	"github.com/tomtom215/vigil/internal/supervisor"
	"github.com/tomtom215/vigil/internal/wal"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// Exit codes form part of the CLI contract.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStartup = 2
	exitRuntime = 3
	exitSIGINT  = 130
)

const (
	spoolReplay  = 5 * time.Second
	stopWaitPoll = 200 * time.Millisecond
	stopWaitMax  = 15 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "start":
		return cmdStart(args)
	case "stop":
		return cmdStop(args)
	case "status":
		return cmdStatus(args)
	case "reload-config":
		return cmdReload(args)
	case "version":
		fmt.Println("vigil " + version)
		return exitOK
	case "help", "-h", "--help":
		usage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "vigil: unknown command %q\n\n", cmd)
		usage(os.Stderr)
		return exitConfig
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: vigil [command] [flags]

Commands:
  start          run the aggregator in the foreground (default)
  stop           signal the running daemon to shut down
  status         print the running daemon's status JSON
  reload-config  re-read correlation rules without a restart
  version        print the version

Flags:
  --config PATH      config file (default: CONFIG_PATH or ./config.yaml)
  --log-level LEVEL  override logging.level (debug, info, warn, error)
`)
}

// commonFlags parses the flags shared by every subcommand.
func commonFlags(name string, args []string) (configPath, logLevel string, ok bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&configPath, "config", "", "config file path")
	fs.StringVar(&logLevel, "log-level", "", "log level override")
	if err := fs.Parse(args); err != nil {
		return "", "", false
	}
	return configPath, logLevel, true
}

//nolint:gocyclo // Main initialization function with sequential setup steps
func cmdStart(args []string) int {
	configPath, logLevel, ok := commonFlags("start", args)
	if !ok {
		return exitConfig
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		return exitConfig
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("Starting Vigil aggregator")

	if cfg.Supervisor.PIDFile != "" {
		if err := acquirePIDFile(cfg.Supervisor.PIDFile); err != nil {
			logging.Error().Err(err).Msg("PID file check failed")
			return exitStartup
		}
		defer func() { _ = os.Remove(cfg.Supervisor.PIDFile) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())

	// Broker: embedded server or external URL.
	brokerURL := cfg.Messaging.URL
	if cfg.Messaging.Embedded {
		srv, err := messaging.NewEmbeddedServer(messaging.ServerConfig{
			Host: cfg.Messaging.ListenHost,
			Port: cfg.Messaging.ListenPort,
		})
		if err != nil {
			logging.Error().Err(err).Msg("Embedded broker failed to start")
			return exitStartup
		}
		brokerURL = srv.ClientURL()
		logging.Info().Str("url", brokerURL).Msg("Embedded NATS broker ready")

		tree.AddBrokerService(supervisor.NewService("nats-broker", func(ctx context.Context) error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		}))
	}

	wmLogger := messaging.NewLoggerAdapter()

	sub, err := messaging.NewSubscriber(messaging.DefaultSubscriberConfig(brokerURL), wmLogger)
	if err != nil {
		logging.Error().Err(err).Msg("Subscriber connection failed")
		return exitStartup
	}
	defer func() { _ = sub.Close() }()

	// Sinks.
	var sinks []sink.Sink
	var pubSink *sink.Publisher
	if cfg.Sinks.Console.Enabled {
		sinks = append(sinks, sink.NewConsole())
	}
	if cfg.Sinks.File.Enabled {
		fileSink, err := sink.NewFile(cfg.Sinks.File)
		if err != nil {
			logging.Error().Err(err).Msg("File sink initialization failed")
			return exitStartup
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Sinks.Publisher.Enabled {
		pub, err := messaging.NewPublisher(messaging.DefaultPublisherConfig(brokerURL), wmLogger)
		if err != nil {
			logging.Error().Err(err).Msg("Publisher connection failed")
			return exitStartup
		}
		pub.SetCircuitBreaker(gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:     "publisher-sink",
			Interval: 60 * time.Second,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}))

		var spool *wal.Spool
		if cfg.Sinks.Publisher.WALEnabled {
			spool, err = wal.Open(cfg.Sinks.Publisher.WALPath)
			if err != nil {
				logging.Error().Err(err).Msg("WAL spool open failed")
				return exitStartup
			}
		}
		pubSink = sink.NewPublisher(cfg.Sinks.Publisher.Subject, pub, spool)
		sinks = append(sinks, pubSink)
	}

	// Pipeline.
	dedupCache := dedup.NewCache(cfg.Manager.DedupWindow(), cfg.Manager.DedupMaxEntries)

	mgr, reentry := manager.New(manager.Options{
		IntakeCapacity: cfg.Manager.IntakeCapacity,
		WorkerCount:    cfg.Manager.WorkerCount,
		ShutdownGrace:  cfg.Supervisor.ShutdownGrace(),
		Dedup:          dedupCache,
		Enricher:       enrich.NewChain(),
		Sinks:          sinks,
	})

	var engine *correlate.Engine
	if cfg.Correlator.Enabled {
		engine = correlate.NewEngine(cfg.Correlator, reentry)
		mgr.SetCorrelator(engine)
		tree.AddPipelineService(supervisor.NewService("correlator", engine.Serve))
	}

	tree.AddPipelineService(supervisor.NewService("alert-manager", mgr.Serve))
	tree.AddPipelineService(supervisor.NewService("dedup-sweeper", dedupCache.Run))
	if pubSink != nil && cfg.Sinks.Publisher.WALEnabled {
		tree.AddPipelineService(supervisor.NewService("spool-replay", func(ctx context.Context) error {
			return pubSink.ReplayLoop(ctx, spoolReplay)
		}))
	}

	// Producers: one receiver per enabled producer, one launcher per
	// producer that declares a command.
	var producerNames []string
	for name, p := range cfg.Producers {
		if p.Enabled {
			producerNames = append(producerNames, name)
		}
	}
	tracker := supervisor.NewHeartbeatTracker(cfg.Supervisor.HeartbeatInterval(), producerNames)
	tree.AddProducerService(supervisor.NewService("health-monitor", tracker.Run))

	procs := make(map[string]*supervisor.Process, len(producerNames))
	for _, name := range producerNames {
		p := cfg.Producers[name]
		tree.AddPipelineService(&manager.Receiver{
			Producer: name,
			Subject:  p.Subject,
			Sub:      sub,
			Manager:  mgr,
			Liveness: tracker,
		})
		proc := supervisor.NewProcess(supervisor.ProcessConfig{
			Name:       name,
			Command:    p.Command,
			BackoffMax: cfg.Supervisor.RestartBackoffMax(),
		}, tracker)
		procs[name] = proc
		tree.AddProducerService(proc)
	}

	// Ops.
	if cfg.Ops.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Ops.Host, cfg.Ops.Port)
		src := api.StatusSource{
			Version:        version,
			Started:        time.Now(),
			Manager:        mgr,
			ProducerHealth: tracker.Snapshot,
			Restarts: func() map[string]uint64 {
				out := make(map[string]uint64, len(procs))
				for name, proc := range procs {
					out[name] = proc.Restarts()
				}
				return out
			},
		}
		if engine != nil {
			src.Firings = engine.FiringCount
		}
		tree.AddOpsService(api.NewServer(addr, src))
	}

	treeErr := make(chan error, 1)
	go func() { treeErr <- tree.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	exitCode := exitOK
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				reloadRules(configPath, engine)
				continue
			case syscall.SIGINT:
				exitCode = exitSIGINT
			}
			logging.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()
		case err := <-treeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("Supervision tree failed")
				return exitRuntime
			}
			snap := mgr.Stats().Snapshot()
			logging.Info().
				Uint64("received", snap.Received).
				Uint64("dispatched", snap.Dispatched).
				Uint64("dropped_shutdown", snap.DroppedShutdown).
				Msg("Shutdown complete")
			return exitCode
		}
	}
}

// reloadRules swaps the correlator's rule set in place on SIGHUP. A config
// file that fails to load or validate leaves the active rules untouched.
func reloadRules(configPath string, engine *correlate.Engine) {
	if engine == nil {
		logging.Warn().Msg("Rule reload ignored: correlator disabled")
		return
	}
	defs, err := config.LoadRules(configPath)
	if err != nil {
		logging.Error().Err(err).Msg("Rule reload failed, keeping active rules")
		return
	}
	rules := correlate.CompileRules(defs)
	engine.UpdateRules(rules)
	logging.Info().Int("rules", len(rules)).Msg("Correlation rules reloaded")
}

func cmdStop(args []string) int {
	configPath, _, ok := commonFlags("stop", args)
	if !ok {
		return exitConfig
	}
	pid, code := daemonPID(configPath)
	if code != exitOK {
		return code
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "vigil: signal pid %d: %v\n", pid, err)
		return exitRuntime
	}

	deadline := time.Now().Add(stopWaitMax)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Printf("vigil: stopped (pid %d)\n", pid)
			return exitOK
		}
		time.Sleep(stopWaitPoll)
	}
	fmt.Fprintf(os.Stderr, "vigil: pid %d did not exit within %s\n", pid, stopWaitMax)
	return exitRuntime
}

func cmdReload(args []string) int {
	configPath, _, ok := commonFlags("reload-config", args)
	if !ok {
		return exitConfig
	}
	pid, code := daemonPID(configPath)
	if code != exitOK {
		return code
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		fmt.Fprintf(os.Stderr, "vigil: signal pid %d: %v\n", pid, err)
		return exitRuntime
	}
	fmt.Printf("vigil: reload requested (pid %d)\n", pid)
	return exitOK
}

func cmdStatus(args []string) int {
	configPath, _, ok := commonFlags("status", args)
	if !ok {
		return exitConfig
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		return exitConfig
	}

	url := fmt.Sprintf("http://%s:%d/status", cfg.Ops.Host, cfg.Ops.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: daemon not reachable at %s: %v\n", url, err)
		return exitRuntime
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: read status: %v\n", err)
		return exitRuntime
	}
	os.Stdout.Write(body)
	return exitOK
}

// daemonPID resolves the running daemon's PID from the configured PID file.
func daemonPID(configPath string) (int, int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		return 0, exitConfig
	}
	if cfg.Supervisor.PIDFile == "" {
		fmt.Fprintln(os.Stderr, "vigil: supervisor.pid_file is not configured")
		return 0, exitConfig
	}
	pid, err := readPIDFile(cfg.Supervisor.PIDFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		return 0, exitRuntime
	}
	if !processAlive(pid) {
		fmt.Fprintf(os.Stderr, "vigil: stale PID file %s (pid %d not running)\n", cfg.Supervisor.PIDFile, pid)
		return 0, exitRuntime
	}
	return pid, exitOK
}

// acquirePIDFile writes our PID, refusing when another live instance
// already owns the file. A stale file from a dead process is replaced.
func acquirePIDFile(path string) error {
	if pid, err := readPIDFile(path); err == nil && processAlive(pid) {
		return fmt.Errorf("already running as pid %d (%s)", pid, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create PID file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("PID file %s is malformed", path)
	}
	return pid, nil
}

// processAlive probes the PID with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
