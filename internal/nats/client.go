// Package nats connects the daemon to an optional fleet management server.
//
// Outgoing su events are published for remote auditing: logs through
// JetStream for durability, notifications and heartbeats through core NATS.
// Incoming policy_set and policy_revoke messages are consumed from a
// durable JetStream consumer and applied to the local policy store.
//
// Usage:
//
//	client := nats.NewClient(cfg, logger)
//	err := client.Connect(ctx)
//	defer client.Close()
//	go client.Run(ctx)
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nats-io/nkeys"
)

// policyStream is the JetStream stream carrying policy messages.
const policyStream = "ROOTD_POLICY"

// Config holds NATS connection configuration.
type Config struct {
	Servers       string // Comma-separated list of NATS server URLs
	NKeySeed      string // NKey seed for authentication (starts with SU)
	SubjectPrefix string // Leading subject token, e.g. "rootd"
	DeviceID      string // Device ID for subject routing
}

// MessageHandler processes incoming policy messages.
type MessageHandler interface {
	HandlePolicySet(msg *PolicySetMessage) error
	HandlePolicyRevoke(msg *PolicyRevokeMessage) error
}

// Client manages the NATS connection for the daemon.
type Client struct {
	config    Config
	nc        *nats.Conn
	js        jetstream.JetStream
	consumer  jetstream.Consumer
	logger    *slog.Logger
	handler   MessageHandler
	mu        sync.RWMutex
	running   bool
	stopChan  chan struct{}
	connected bool
}

// NewClient creates a new NATS client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger,
	}
}

// SetHandler sets the handler for incoming policy messages.
func (c *Client) SetHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect establishes a connection to the NATS server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kp, err := nkeys.FromSeed([]byte(c.config.NKeySeed))
	if err != nil {
		return fmt.Errorf("invalid nkey seed: %w", err)
	}

	pubKey, err := kp.PublicKey()
	if err != nil {
		return fmt.Errorf("failed to get public key: %w", err)
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("rootd-%s", c.config.DeviceID)),
		nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		}),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(1024 * 1024),
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				c.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			c.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			// sub can be nil for connection-level errors
			if sub != nil {
				c.logger.Error("NATS error",
					slog.String("error", err.Error()),
					slog.String("subject", sub.Subject),
				)
			} else {
				c.logger.Error("NATS error", slog.String("error", err.Error()))
			}
		}),
	}

	nc, err := nats.Connect(c.config.Servers, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	c.nc = nc
	c.connected = true

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}
	c.js = js

	c.logger.Info("NATS connected",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("device_id", c.config.DeviceID),
	)
	return nil
}

// Run consumes policy messages until ctx is cancelled or Stop is called.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	c.stopChan = make(chan struct{})
	stop := c.stopChan
	c.mu.Unlock()

	if err := c.setupConsumer(ctx); err != nil {
		c.logger.Error("Failed to setup consumer", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		msgs, err := c.consumer.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			c.logger.Warn("Fetch error", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		for msg := range msgs.Messages() {
			if err := c.processMessage(msg.Data()); err != nil {
				c.logger.Error("Message processing failed",
					slog.String("subject", msg.Subject()),
					slog.String("error", err.Error()),
				)
				msg.Nak()
			} else {
				msg.Ack()
			}
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			c.logger.Warn("Fetch completed with error", slog.String("error", err.Error()))
		}
	}
}

// setupConsumer creates or retrieves the durable consumer for this device.
func (c *Client) setupConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, policyStream)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	name := fmt.Sprintf("device-%s", c.config.DeviceID)
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        name,
		FilterSubjects: c.policySubjects(),
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        30 * time.Second,
		MaxDeliver:     5,
		MaxAckPending:  10,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		ReplayPolicy:   jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	c.logger.Info("NATS consumer ready",
		slog.String("consumer", name),
		slog.Any("subjects", c.policySubjects()),
	)
	return nil
}

// processMessage decodes an envelope and routes it to the handler.
func (c *Client) processMessage(data []byte) error {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler == nil {
		return errors.New("no message handler set")
	}

	var envelope MessageEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch envelope.Type {
	case TypePolicySet:
		var msg PolicySetMessage
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return fmt.Errorf("unmarshal policy_set: %w", err)
		}
		return handler.HandlePolicySet(&msg)
	case TypePolicyRevoke:
		var msg PolicyRevokeMessage
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return fmt.Errorf("unmarshal policy_revoke: %w", err)
		}
		return handler.HandlePolicyRevoke(&msg)
	default:
		c.logger.Warn("Unknown message type", slog.String("type", envelope.Type))
		return nil
	}
}

func (c *Client) policySubjects() []string {
	return []string{
		fmt.Sprintf("%s.%s.policy", c.config.SubjectPrefix, c.config.DeviceID),
		fmt.Sprintf("%s.fleet.policy", c.config.SubjectPrefix),
	}
}

func (c *Client) subject(kind string) string {
	return fmt.Sprintf("%s.%s.%s", c.config.SubjectPrefix, c.config.DeviceID, kind)
}

// IsConnected returns whether the client is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.nc != nil && c.nc.IsConnected()
}

// Stop stops the consume loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	close(c.stopChan)
	c.running = false
	c.logger.Info("NATS client stopped")
}

// Close stops the client and drains the connection.
func (c *Client) Close() error {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		c.nc.Drain()
		c.nc = nil
	}
	return nil
}

// Shutdown implements the shutdown.Shutdowner interface.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Close()
}

// Connection returns the underlying NATS connection for publishing.
func (c *Client) Connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc
}

// JetStream returns the JetStream context for publishing.
func (c *Client) JetStream() jetstream.JetStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.js
}
