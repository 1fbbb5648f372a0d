package push

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"roomie_match/internal/broker"
	"roomie_match/internal/domain"
	"roomie_match/internal/presence"
)

// AMQPPublisher is the publishing half of broker.RabbitMQClient.
type AMQPPublisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
	PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Publisher routes notifications to the user's live queue when they have a
// connected device, and straight to the push exchange otherwise.
type Publisher struct {
	log      *log.Entry
	broker   AMQPPublisher
	presence presence.Repository
}

func NewPublisher(logger *log.Entry, b AMQPPublisher, p presence.Repository) *Publisher {
	return &Publisher{
		log:      logger.WithField("component", "push_publisher"),
		broker:   b,
		presence: p,
	}
}

func (p *Publisher) Push(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", n.ID, err)
	}
	env := broker.Envelope{Type: broker.EnvelopeNotification, Payload: payload}
	key := broker.UserRoutingKey(n.UserID)

	online, err := p.presence.IsUserOnline(ctx, n.UserID)
	if err != nil {
		p.log.WithError(err).WithField("user_id", n.UserID).Warn("presence lookup failed, sending as push")
		online = false
	}

	entry := p.log.WithFields(log.Fields{"notification_id": n.ID, "user_id": n.UserID, "online": online})
	if online {
		err = p.broker.Publish(ctx, key, env)
	} else {
		err = p.broker.PublishToExchange(ctx, broker.ExchangePush, key, env)
	}
	if err != nil {
		return fmt.Errorf("push notification %s: %w", n.ID, err)
	}
	entry.Debug("notification handed to broker")
	return nil
}
