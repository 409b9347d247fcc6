package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher sends SecurityNotifications to RabbitMQ. Each call dials its own
// connection so a broker outage never leaves a stale channel behind; errors
// are logged and returned so callers can ignore them without interrupting
// the request flow.
type Publisher struct {
	url string
	log *zap.Logger
}

// NewPublisher returns a publisher for the broker at url.
func NewPublisher(url string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{url: url, log: logger.Named("rabbitmq")}
}

// Notify publishes n to NotificationQueue as a persistent JSON message.
func (p *Publisher) Notify(ctx context.Context, n SecurityNotification) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.Warn("dial failed", zap.Error(err))
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Warn("channel open failed", zap.Error(err))
		return err
	}
	defer func() { _ = ch.Close() }()

	// Idempotent; durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(NotificationQueue, true, false, false, false, nil); err != nil {
		p.log.Warn("queue declare failed", zap.Error(err))
		return err
	}

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         n.EventType,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", NotificationQueue, false, false, pub); err != nil {
		p.log.Warn("publish failed", zap.Error(err), zap.String("event_type", n.EventType))
		return err
	}
	return nil
}
