package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeTopic = "roomie.topic"
	ExchangePush  = "roomie.push"

	pushQueue       = "roomie_push_dlx"
	userKeyPrefix   = "user."
	userQueueTTL    = int32(5000)
	userQueueExpiry = int32(60000)
)

// Envelope is the body of every message published on the exchanges.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const EnvelopeNotification = "NOTIFICATION_CREATED"

// UserRoutingKey is the routing key and queue name of a user's live queue.
func UserRoutingKey(userID string) string {
	return userKeyPrefix + userID
}

// UserFromRoutingKey reverses UserRoutingKey.
func UserFromRoutingKey(key string) (string, bool) {
	userID, ok := strings.CutPrefix(key, userKeyPrefix)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	// amqp.Channel is not safe for concurrent publishing.
	pubMu sync.Mutex
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Live notifications routed per user.
	err = ch.ExchangeDeclare(
		ExchangeTopic, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	// Offline notifications, also the dead-letter target of user queues.
	err = ch.ExchangeDeclare(
		ExchangePush, // name
		"fanout",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body interface{}) error {
	return c.PublishToExchange(ctx, ExchangeTopic, routingKey, body)
}

func (c *RabbitMQClient) PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	err = c.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        bytes,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// ConsumeUserQueue declares the user's live queue and consumes it. Messages
// that sit unconsumed for longer than the queue TTL dead-letter to the push
// exchange. The returned cancel stops the consumer; the queue itself expires
// once it has been unused for a minute.
func (c *RabbitMQClient) ConsumeUserQueue(userID string) (<-chan amqp.Delivery, func(), error) {
	queueName := UserRoutingKey(userID)

	args := amqp.Table{
		"x-message-ttl":          userQueueTTL,
		"x-dead-letter-exchange": ExchangePush,
		"x-expires":              userQueueExpiry,
	}

	// One queue per user; the hub fans out to every device in process.
	q, err := c.channel.QueueDeclare(
		queueName, // name
		false,     // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		args,      // arguments
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to declare user queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,                  // queue name
		UserRoutingKey(userID),  // routing key
		ExchangeTopic,           // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind user queue: %w", err)
	}

	consumerTag := fmt.Sprintf("consumer-%s", userID)
	msgs, err := c.channel.Consume(
		q.Name,      // queue
		consumerTag, // consumer tag
		true,        // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	cancel := func() {
		_ = c.channel.Cancel(consumerTag, false)
	}

	return msgs, cancel, nil
}

// ConsumePushQueue consumes everything that reaches the push exchange.
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(
		pushQueue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare push queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,       // queue name
		"#",          // routing key
		ExchangePush, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind push queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", false, false, false, false, nil,
	)
}
