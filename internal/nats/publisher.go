// Package nats publisher handles outgoing messages from the daemon.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotConnected is returned when publishing without a connection.
var ErrNotConnected = errors.New("not connected")

// Publisher handles publishing messages to NATS.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// PublishSuLog publishes a su log record through JetStream.
func (p *Publisher) PublishSuLog(ctx context.Context, ev *SuEventMessage) error {
	msg, err := envelope(TypeSuLog, ev)
	if err != nil {
		return err
	}
	return p.publishJetStream(ctx, p.client.subject("sulog"), msg)
}

// PublishSuNotify publishes a su notification through core NATS.
func (p *Publisher) PublishSuNotify(ev *SuEventMessage) error {
	msg, err := envelope(TypeSuNotify, ev)
	if err != nil {
		return err
	}
	return p.publish(p.client.subject("notify"), msg)
}

// PublishHeartbeat publishes presence with the number of stored policies.
func (p *Publisher) PublishHeartbeat(version string, policies int) error {
	msg, err := envelope(TypeHeartbeat, HeartbeatMessage{
		Online:    true,
		Version:   version,
		Policies:  policies,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return p.publish(p.client.subject("status"), msg)
}

// PublishDeviceInfo publishes a description of the device.
func (p *Publisher) PublishDeviceInfo(info any) error {
	msg, err := envelope(TypeDeviceInfo, info)
	if err != nil {
		return err
	}
	return p.publish(p.client.subject("status"), msg)
}

func envelope(typ string, payload any) (MessageEnvelope, error) {
	msg := MessageEnvelope{
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("marshal payload: %w", err)
	}
	msg.Payload = data
	return msg, nil
}

// publish sends a message via core NATS (fire-and-forget).
func (p *Publisher) publish(subject string, msg MessageEnvelope) error {
	nc := p.client.Connection()
	if nc == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("Published message",
		slog.String("subject", subject),
		slog.String("type", msg.Type),
	)
	return nil
}

// publishJetStream sends a message via JetStream for durability.
func (p *Publisher) publishJetStream(ctx context.Context, subject string, msg MessageEnvelope) error {
	js := p.client.JetStream()
	if js == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ack, err := js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("Published message to JetStream",
		slog.String("subject", subject),
		slog.String("type", msg.Type),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)
	return nil
}

// Flush flushes the NATS connection so pending messages are sent.
func (p *Publisher) Flush() error {
	nc := p.client.Connection()
	if nc == nil {
		return ErrNotConnected
	}
	return nc.Flush()
}

// IsConnected returns whether the publisher can send messages.
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}
