package events

import (
	"context"
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(NewPublisher),
	fx.Provide(NewDispatcher),
)

// NewPublisher selects RabbitMQ when AMQP_URL is set and the log publisher otherwise.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	var publisher Publisher
	if strings.TrimSpace(cfg.AMQPURL) == "" {
		log.Info("AMQP_URL not set, events will be logged instead of published")
		publisher = NewLogPublisher(log)
	} else {
		amqpPublisher, err := NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return nil, err
		}
		publisher = amqpPublisher
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}
