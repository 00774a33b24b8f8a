// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package producer implements the stub alert producers the aggregator
// supervises: a network signature engine, a host agent, and a network
// anomaly detector. Each emits synthetic raw alerts at a paced rate plus
// periodic heartbeat envelopes, standing in for the real detection
// engines during development and load testing.
package producer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/messaging"
	"github.com/tomtom215/vigil/internal/schema"
)

// Kinds a stub can impersonate.
const (
	KindNIDSSignature = "nids_signature"
	KindHIDS          = "hids"
	KindNIDSAnomaly   = "nids_anomaly"
)

// Config parameterizes one stub producer.
type Config struct {
	Kind    string
	Subject string

	// EmitInterval paces alert generation.
	EmitInterval time.Duration

	// HeartbeatInterval paces liveness envelopes.
	HeartbeatInterval time.Duration
}

// Stub generates synthetic raw alerts for one producer kind.
type Stub struct {
	cfg Config
	pub *messaging.Publisher
	rng *rand.Rand

	mu  sync.Mutex
	seq uint64
}

// New creates a stub. Unknown kinds are an error.
func New(cfg Config, pub *messaging.Publisher) (*Stub, error) {
	switch cfg.Kind {
	case KindNIDSSignature, KindHIDS, KindNIDSAnomaly:
	default:
		return nil, fmt.Errorf("unknown producer kind %q", cfg.Kind)
	}
	if cfg.EmitInterval <= 0 {
		cfg.EmitInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Stub{
		cfg: cfg,
		pub: pub,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Serve emits alerts and heartbeats until the context is canceled. The
// publisher's reconnect buffer bounds the shutdown drain; Close on the
// publisher flushes it.
func (s *Stub) Serve(ctx context.Context) error {
	logging.Info().
		Str("kind", s.cfg.Kind).
		Str("subject", s.cfg.Subject).
		Dur("emit_interval", s.cfg.EmitInterval).
		Msg("Producer stub started")

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		limiter := rate.NewLimiter(rate.Every(s.cfg.EmitInterval), 1)
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			s.emit()
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.heartbeat()
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

func (s *Stub) emit() {
	payload, err := json.Marshal(s.nextAlert())
	if err != nil {
		logging.Err(err).Msg("Stub alert marshal failed")
		return
	}
	if err := s.pub.Publish(s.cfg.Subject, payload); err != nil {
		logging.Err(err).Msg("Stub publish failed")
	}
}

func (s *Stub) heartbeat() {
	hb := map[string]any{
		"source": s.heartbeatSource(),
		"title":  schema.HeartbeatTitle,
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := s.pub.Publish(s.cfg.Subject, payload); err != nil {
		logging.Err(err).Msg("Stub heartbeat failed")
	}
}

// heartbeatSource returns a valid schema source naming this producer.
func (s *Stub) heartbeatSource() string {
	if s.cfg.Kind == KindHIDS {
		return schema.SourceHIDSLog
	}
	return s.cfg.Kind
}

func (s *Stub) next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// nextAlert builds one synthetic raw alert for this kind. Fields stay
// deliberately sparse; the normalizer fills the rest.
func (s *Stub) nextAlert() map[string]any {
	switch s.cfg.Kind {
	case KindHIDS:
		return s.hostAlert()
	case KindNIDSAnomaly:
		return s.anomalyAlert()
	default:
		return s.signatureAlert()
	}
}

var signatureCatalog = []struct {
	title    string
	ruleID   string
	severity string
}{
	{"ET SCAN Nmap TCP Scan", "2009582", "medium"},
	{"ET SCAN Potential SSH Scan", "2001219", "medium"},
	{"ET EXPLOIT SQL Injection Attempt", "2006445", "high"},
	{"ET EXPLOIT Possible Shellcode Download", "2012086", "critical"},
	{"ET POLICY Outbound TFTP", "2008120", "low"},
}

func (s *Stub) signatureAlert() map[string]any {
	sig := signatureCatalog[s.rng.Intn(len(signatureCatalog))]
	return map[string]any{
		"source":   schema.SourceNIDSSignature,
		"title":    sig.title,
		"severity": sig.severity,
		"metadata": map[string]any{
			schema.MetaSrcIP:    s.randomIP(),
			schema.MetaDstIP:    s.randomIP(),
			schema.MetaProtocol: "tcp",
			schema.MetaRuleID:   sig.ruleID,
		},
		"timestamp": time.Now().UTC().Format(schema.TimestampLayout),
		"seq":       s.next(),
	}
}

var hostCatalog = []struct {
	source string
	title  string
}{
	{schema.SourceHIDSFile, "Checksum changed: /etc/passwd"},
	{schema.SourceHIDSFile, "New file in /usr/local/bin"},
	{schema.SourceHIDSProcess, "Unexpected listener on port 4444"},
	{schema.SourceHIDSProcess, "Process started from /tmp"},
	{schema.SourceHIDSLog, "Failed password for root"},
	{schema.SourceHIDSLog, "Sudo session opened for www-data"},
}

var hostnames = []string{"web01", "web02", "db01", "bastion"}

func (s *Stub) hostAlert() map[string]any {
	h := hostCatalog[s.rng.Intn(len(hostCatalog))]
	return map[string]any{
		"source": h.source,
		"title":  h.title,
		"metadata": map[string]any{
			schema.MetaHostname: hostnames[s.rng.Intn(len(hostnames))],
			schema.MetaSrcIP:    s.randomIP(),
		},
		"timestamp": time.Now().UTC().Format(schema.TimestampLayout),
		"seq":       s.next(),
	}
}

var anomalyCatalog = []string{
	"Traffic entropy spike",
	"Unusual outbound volume",
	"Beaconing interval detected",
	"Rare destination port burst",
}

func (s *Stub) anomalyAlert() map[string]any {
	return map[string]any{
		"source": schema.SourceNIDSAnomaly,
		"title":  anomalyCatalog[s.rng.Intn(len(anomalyCatalog))],
		"metadata": map[string]any{
			schema.MetaSrcIP:      s.randomIP(),
			schema.MetaConfidence: 0.5 + s.rng.Float64()/2,
		},
		"timestamp": time.Now().UTC().Format(schema.TimestampLayout),
		"seq":       s.next(),
	}
}

func (s *Stub) randomIP() string {
	return fmt.Sprintf("10.0.%d.%d", s.rng.Intn(4), 1+s.rng.Intn(250))
}
