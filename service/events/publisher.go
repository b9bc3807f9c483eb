// Package events publishes signing events to NATS JetStream so downstream
// consumers (billing, alerting) can follow what the paymaster signs without
// polling the chain.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SigningEvent describes one signed (and possibly submitted) transaction.
type SigningEvent struct {
	Signature   string    `json:"signature"`
	Signer      string    `json:"signer"`
	Method      string    `json:"method"`
	FeeLamports uint64    `json:"fee_lamports"`
	FeeToken    string    `json:"fee_token,omitempty"`
	Submitted   bool      `json:"submitted"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher defines the interface for publishing signing events.
type Publisher interface {
	// PublishSigningEvent publishes a single event to JetStream on the
	// subject "signing.{signer_address}".
	PublishSigningEvent(ctx context.Context, event *SigningEvent) error

	// Close closes the connection to NATS.
	Close() error
}

const (
	// StreamName is the name of the JetStream stream for signing events.
	StreamName = "SIGNING"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "signing.*"

	// StreamRetention is how long events are retained.
	StreamRetention = 30 * 24 * time.Hour
)

// JetStreamPublisher publishes signing events to NATS JetStream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("kora-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{nc: nc, js: js, logger: logger}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized", "url", natsURL, "stream", StreamName)
	return publisher, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)
	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Signing events from the kora paymaster",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishSigningEvent publishes a single signing event.
func (p *JetStreamPublisher) PublishSigningEvent(ctx context.Context, event *SigningEvent) error {
	subject := fmt.Sprintf("signing.%s", event.Signer)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal signing event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish signing event: %w", err)
	}

	p.logger.Debug("published signing event",
		"subject", subject,
		"signature", event.Signature,
		"method", event.Method,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
