// SPDX-License-Identifier: Apache-2.0

// Package notify publishes remediation lifecycle events. Delivery is
// best-effort fan-out: publish failures are logged and never affect the
// state machine.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher emits lifecycle events to interested subscribers.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

// NATSPublisher publishes events to NATS subjects under a common base, e.g.
// fleetmend.events.remediation.completed.
type NATSPublisher struct {
	conn        *nats.Conn
	subjectBase string
	logger      *slog.Logger
}

// NewNATSPublisher connects to the NATS server at url
func NewNATSPublisher(url, subjectBase string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &NATSPublisher{
		conn:        conn,
		subjectBase: subjectBase,
		logger:      logger.With("component", "notifier"),
	}, nil
}

// Publish emits one event; failures are logged, never returned
func (p *NATSPublisher) Publish(eventType string, payload interface{}) {
	subject := p.subjectBase + "." + eventType

	data, err := json.Marshal(map[string]interface{}{
		"eventType": eventType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		p.logger.Error("failed to serialize event", "eventType", eventType, "error", err)
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// Close drains the connection
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("error draining NATS connection", "error", err)
	}
}

// NopPublisher drops all events; used when no NATS URL is configured.
type NopPublisher struct{}

// Publish discards the event
func (NopPublisher) Publish(eventType string, payload interface{}) {}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = NopPublisher{}
)
