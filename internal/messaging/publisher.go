// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package messaging

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/vigil/internal/metrics"
)

// ErrPublisherClosed is returned by publish calls after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// PublisherConfig configures a publisher connection.
type PublisherConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
}

// DefaultPublisherConfig returns production defaults. ReconnectBuffer
// bounds how much outbound data is held while the broker is unreachable;
// past it, sends drop.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:             url,
		MaxReconnects:   -1, // retry forever
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
	}
}

// Publisher wraps a Watermill NATS publisher with the pipeline's send
// contract: non-blocking, drop-on-overflow with a dropped_out counter, and
// optional circuit breaker protection.
type Publisher struct {
	publisher      message.Publisher
	circuitBreaker *gobreaker.CircuitBreaker[any]
	logger         watermill.LoggerAdapter

	mu         sync.RWMutex
	closed     bool
	droppedOut atomic.Uint64
}

// NewPublisher creates a publisher connected to the broker at cfg.URL.
func NewPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	p := &Publisher{logger: logger}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	p.publisher = pub

	return p, nil
}

// SetCircuitBreaker configures breaker protection for publish operations.
func (p *Publisher) SetCircuitBreaker(cb *gobreaker.CircuitBreaker[any]) {
	p.circuitBreaker = cb
}

// Publish sends one payload on the subject. The send is non-blocking: a
// full reconnect buffer or an open breaker drops the message, increments
// the dropped_out counter, and returns nil. Only a closed publisher is an
// error the caller sees.
func (p *Publisher) Publish(subject string, payload []byte) error {
	err := p.TryPublish(subject, payload)
	if err == nil || errors.Is(err, ErrPublisherClosed) {
		return err
	}

	p.droppedOut.Add(1)
	metrics.MessagesDroppedOut.WithLabelValues(subject).Inc()
	p.logger.Debug("publish dropped", watermill.LogFields{"subject": subject, "error": err.Error()})
	return nil
}

// TryPublish sends one payload and surfaces the broker error instead of
// converting it to a drop. Callers that spool for retry use this.
func (p *Publisher) TryPublish(subject string, payload []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPublisherClosed
	}
	p.mu.RUnlock()

	msg := message.NewMessage(watermill.NewUUID(), payload)

	var err error
	if p.circuitBreaker != nil {
		_, err = p.circuitBreaker.Execute(func() (any, error) {
			return nil, p.publisher.Publish(subject, msg)
		})
	} else {
		err = p.publisher.Publish(subject, msg)
	}
	if err != nil {
		return err
	}

	metrics.MessagesPublished.WithLabelValues(subject).Inc()
	return nil
}

// DroppedOut returns the number of messages dropped on overflow so far.
func (p *Publisher) DroppedOut() uint64 {
	return p.droppedOut.Load()
}

// Close gracefully shuts down the publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	return p.publisher.Close()
}
