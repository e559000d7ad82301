package events

import (
	"context"

	"go.uber.org/zap"
)

// Message is one delivery to the broker. RoutingKey is the event type.
type Message struct {
	RoutingKey string
	MessageID  string
	Body       []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// LogPublisher stands in for a broker when none is configured. Events are
// written to the log and treated as delivered.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events.log_publisher")}
}

func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.log.Info("event published",
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageID),
		zap.ByteString("body", msg.Body),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
