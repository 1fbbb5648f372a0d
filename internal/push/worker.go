package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/broker"
	"roomie_match/internal/domain"
)

var errSkip = errors.New("not a notification")

type PushConsumer interface {
	ConsumePushQueue() (<-chan amqp.Delivery, error)
}

// Dispatch is one notification bound for a device push.
type Dispatch struct {
	UserID       string
	Notification domain.Notification
	// Expired is set when the notification dead-lettered out of a live queue.
	Expired bool
}

// Sender hands a dispatch to the device push provider.
type Sender interface {
	Send(ctx context.Context, d Dispatch) error
}

// LogSender only logs; there is no device push provider in this deployment.
type LogSender struct {
	Log *log.Entry
}

func (s LogSender) Send(_ context.Context, d Dispatch) error {
	s.Log.WithFields(log.Fields{
		"user_id":         d.UserID,
		"notification_id": d.Notification.ID,
		"expired":         d.Expired,
	}).Infof("push: %s", d.Notification.Title)
	return nil
}

type Worker struct {
	log      *log.Entry
	consumer PushConsumer
	sender   Sender
}

func NewWorker(logger *log.Entry, consumer PushConsumer, sender Sender) *Worker {
	l := logger.WithField("component", "push_worker")
	if sender == nil {
		sender = LogSender{Log: l}
	}
	return &Worker{log: l, consumer: consumer, sender: sender}
}

// Start consumes the push queue until ctx is done or the delivery channel
// closes.
func (w *Worker) Start(ctx context.Context) error {
	msgs, err := w.consumer.ConsumePushQueue()
	if err != nil {
		return fmt.Errorf("start push consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	dispatch, err := parseDelivery(d)
	switch {
	case errors.Is(err, errSkip):
	case err != nil:
		w.log.WithError(err).WithField("routing_key", d.RoutingKey).Warn("dropping push message")
	default:
		if err := w.sender.Send(ctx, dispatch); err != nil {
			w.log.WithError(err).WithField("user_id", dispatch.UserID).Error("push send failed")
		}
	}
	if err := d.Ack(false); err != nil {
		w.log.WithError(err).Warn("failed to ack push message")
	}
}

func parseDelivery(d amqp.Delivery) (Dispatch, error) {
	var env broker.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return Dispatch{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != broker.EnvelopeNotification {
		return Dispatch{}, errSkip
	}
	var n domain.Notification
	if err := json.Unmarshal(env.Payload, &n); err != nil {
		return Dispatch{}, fmt.Errorf("decode notification: %w", err)
	}

	deathKey, expired := firstDeathRoutingKey(d.Headers)
	userID, ok := broker.UserFromRoutingKey(d.RoutingKey)
	if !ok && expired {
		userID, ok = broker.UserFromRoutingKey(deathKey)
	}
	if !ok {
		userID, ok = n.UserID, n.UserID != ""
	}
	if !ok {
		return Dispatch{}, fmt.Errorf("no recipient in routing key %q", d.RoutingKey)
	}
	return Dispatch{UserID: userID, Notification: n, Expired: expired}, nil
}

// firstDeathRoutingKey reads the original routing key from the x-death
// header RabbitMQ adds when a message is dead-lettered.
func firstDeathRoutingKey(headers amqp.Table) (string, bool) {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return "", false
	}
	if death, ok := deaths[0].(amqp.Table); ok {
		if keys, ok := death["routing-keys"].([]interface{}); ok && len(keys) > 0 {
			if s, ok := keys[0].(string); ok {
				return s, true
			}
		}
	}
	return "", true
}
