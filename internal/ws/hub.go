package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/broker"
	"roomie_match/internal/presence"
)

const presenceTimeout = 5 * time.Second

// UserQueueConsumer is the consuming half of broker.RabbitMQClient.
type UserQueueConsumer interface {
	ConsumeUserQueue(userID string) (<-chan amqp.Delivery, func(), error)
}

// Hub keeps the live connections of every user on this node and relays the
// user's queue to all of their devices.
type Hub struct {
	log *log.Entry

	// Registered clients: UserID -> DeviceID -> Client
	clients map[string]map[string]*Client

	Register   chan *Client
	Unregister chan *Client

	presenceRepo presence.Repository
	broker       UserQueueConsumer
	nodeID       string

	// Consumer cancel functions by user.
	consumers map[string]func()

	done chan struct{}
	mu   sync.RWMutex
}

func NewHub(logger *log.Entry, presenceRepo presence.Repository, b UserQueueConsumer, nodeID string) *Hub {
	return &Hub{
		log:          logger.WithFields(log.Fields{"component": "ws_hub", "node_id": nodeID}),
		clients:      make(map[string]map[string]*Client),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		presenceRepo: presenceRepo,
		broker:       b,
		nodeID:       nodeID,
		consumers:    make(map[string]func()),
		done:         make(chan struct{}),
	}
}

// Run serves Register and Unregister until ctx is done. Remaining
// connections are closed and their consumers cancelled on exit.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.Register:
			h.register(client)
		case client := <-h.Unregister:
			h.unregister(client)
		}
	}
}

func (h *Hub) register(client *Client) {
	entry := h.log.WithFields(log.Fields{"user_id": client.UserID, "device_id": client.DeviceID})

	h.mu.Lock()
	if _, ok := h.clients[client.UserID]; !ok {
		h.clients[client.UserID] = make(map[string]*Client)

		// First device of this user starts the queue consumer.
		msgs, cancel, err := h.broker.ConsumeUserQueue(client.UserID)
		if err != nil {
			entry.WithError(err).Error("failed to consume user queue")
		} else {
			h.consumers[client.UserID] = cancel
			go h.handleUserMessages(client.UserID, msgs)
		}
	}
	if old, ok := h.clients[client.UserID][client.DeviceID]; ok && old != client {
		close(old.Send)
	}
	h.clients[client.UserID][client.DeviceID] = client
	h.mu.Unlock()

	h.writePresence(entry, "failed to add session", func(ctx context.Context) error {
		return h.presenceRepo.AddSession(ctx, client.UserID, client.DeviceID, h.nodeID)
	})

	entry.Info("client registered")
}

func (h *Hub) unregister(client *Client) {
	entry := h.log.WithFields(log.Fields{"user_id": client.UserID, "device_id": client.DeviceID})

	h.mu.Lock()
	removed := h.removeLocked(client)
	_, replaced := h.clients[client.UserID][client.DeviceID]
	h.mu.Unlock()
	if replaced {
		// A newer connection of the same device owns the session.
		return
	}

	h.writePresence(entry, "failed to remove session", func(ctx context.Context) error {
		return h.presenceRepo.RemoveSession(ctx, client.UserID, client.DeviceID)
	})

	if removed {
		entry.Info("client unregistered")
	}
}

// writePresence runs on the Run goroutine, so session writes land in the
// order connections were registered and unregistered.
func (h *Hub) writePresence(entry *log.Entry, msg string, write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		entry.WithError(err).Warn(msg)
	}
}

// removeLocked drops client, closes its Send channel and stops the user's
// consumer once no device is left. h.mu must be held.
func (h *Hub) removeLocked(client *Client) bool {
	userClients, ok := h.clients[client.UserID]
	if !ok || userClients[client.DeviceID] != client {
		return false
	}
	delete(userClients, client.DeviceID)
	close(client.Send)
	if len(userClients) == 0 {
		delete(h.clients, client.UserID)
		if cancel, ok := h.consumers[client.UserID]; ok {
			cancel()
			delete(h.consumers, client.UserID)
		}
	}
	return true
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	var closed []*Client
	for _, userClients := range h.clients {
		for _, c := range userClients {
			closed = append(closed, c)
		}
	}
	for _, c := range closed {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range closed {
		entry := h.log.WithFields(log.Fields{"user_id": c.UserID, "device_id": c.DeviceID})
		h.writePresence(entry, "failed to remove session", func(ctx context.Context) error {
			return h.presenceRepo.RemoveSession(ctx, c.UserID, c.DeviceID)
		})
	}
}

func (h *Hub) handleUserMessages(userID string, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		var env broker.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("failed to unmarshal envelope")
			continue
		}
		if env.Type == broker.EnvelopeNotification {
			h.BroadcastToUser(userID, env)
		}
	}
}

// BroadcastToUser sends message to every device of userID. A device whose
// send buffer is full is disconnected.
func (h *Hub) BroadcastToUser(userID string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients[userID] {
		select {
		case client.Send <- data:
		default:
			h.log.WithFields(log.Fields{"user_id": userID, "device_id": client.DeviceID}).Warn("slow client dropped")
			h.removeLocked(client)
		}
	}
}

// Devices returns how many devices of userID are connected to this node.
func (h *Hub) Devices(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
