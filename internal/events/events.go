package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Type string

const (
	EmailSent     Type = "email.sent"
	EmailFailed   Type = "email.failed"
	EmailDeferred Type = "email.deferred"
)

// Event describes one dispatch outcome.
type Event struct {
	Type          Type       `json:"type"`
	RecordID      string     `json:"recordId"`
	SenderID      string     `json:"senderId"`
	BatchID       string     `json:"batchId,omitempty"`
	Recipient     string     `json:"recipient"`
	MessageID     string     `json:"messageId,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	DeferredUntil *time.Time `json:"deferredUntil,omitempty"`
	At            time.Time  `json:"at"`
}

// Publisher fans dispatch outcomes out to interested consumers. Publishing
// is best effort: callers log errors and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// NATSPublisher publishes events to a JetStream stream named after the
// subject prefix.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    *zap.Logger
}

func NewNATSPublisher(url, prefix string, log *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailcadence"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     prefix,
		Subjects: []string{prefix + ".email.*"},
	})
	if err != nil {
		log.Warn("could not create stream (it likely already exists)",
			zap.String("stream", prefix),
			zap.Error(err),
		)
	}

	return &NATSPublisher{nc: nc, js: js, prefix: prefix, log: log}, nil
}

func (p *NATSPublisher) Subject(t Type) string {
	return Subject(p.prefix, t)
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(p.Subject(e.Type), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	p.nc.Close()
}

func Subject(prefix string, t Type) string {
	return prefix + "." + string(t)
}
