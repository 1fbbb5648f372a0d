// Package eventbus routes domain events from producers to subscribers.
//
// Publish waits for the policy's latency, enqueues the event and returns; it
// does not wait for handlers. A single drain goroutine delivers queued events
// in FIFO order, calling every handler of the event's type synchronously in
// subscription order. Handler errors and panics are logged and never reach
// the publisher.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/latency"
)

// Handler reacts to one delivered event. A returned error is logged by the
// bus and does not stop delivery to the remaining handlers.
type Handler func(ctx context.Context, evt domain.Event) error

// Subscription identifies one registered handler. Subscribing the same
// handler twice yields two subscriptions and two invocations per event.
type Subscription struct {
	eventType domain.EventType
	handler   Handler
}

// EventType is the type the subscription was registered for.
func (s *Subscription) EventType() domain.EventType { return s.eventType }

// Bus is an in-process publish/subscribe hub with at-most-once delivery.
type Bus struct {
	log    *log.Entry
	policy DeliveryPolicy
	now    func() time.Time

	mu       sync.Mutex
	handlers map[domain.EventType][]*Subscription
	queue    []domain.Event
	draining bool

	// pending counts events between the start of Publish and the end of their
	// dispatch (or drop).
	pending int
	idle    chan struct{}
}

// New returns a bus using policy; a nil policy delivers immediately.
func New(logger *log.Entry, policy DeliveryPolicy) *Bus {
	if policy == nil {
		policy = ImmediatePolicy{}
	}
	return &Bus{
		log:      logger.WithField("component", "eventbus"),
		policy:   policy,
		now:      time.Now,
		handlers: make(map[domain.EventType][]*Subscription),
	}
}

// Subscribe registers h for eventType. Handlers of a type run in
// subscription order.
func (b *Bus) Subscribe(eventType domain.EventType, h Handler) *Subscription {
	sub := &Subscription{eventType: eventType, handler: h}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers h for every known event type.
func (b *Bus) SubscribeAll(h Handler) []*Subscription {
	subs := make([]*Subscription, 0, len(domain.EventTypes))
	for _, t := range domain.EventTypes {
		subs = append(subs, b.Subscribe(t, h))
	}
	return subs
}

// Unsubscribe removes sub. It reports whether the subscription was registered.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.eventType]
	for i, s := range subs {
		if s == sub {
			b.handlers[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish stamps evt with an id and timestamp, waits for the publish latency
// and enqueues it. A nil error means the event was enqueued, not delivered.
//
// Cancelling ctx neither shortens the wait nor drops the event; only its
// values are kept.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	evt.ID = uuid.NewString()
	evt.Timestamp = b.now()

	b.track(1)
	_ = latency.Sleep(context.WithoutCancel(ctx), b.policy.PublishLatency())

	b.mu.Lock()
	b.queue = append(b.queue, evt)
	start := !b.draining
	b.draining = true
	b.mu.Unlock()

	if start {
		go b.drain()
	}
	return nil
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		evt := b.queue[0]
		b.queue[0] = domain.Event{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		if d := b.policy.DispatchDelay(); d > 0 {
			time.Sleep(d)
		}
		b.dispatch(evt)

		if b.policy.AbortAfterDispatch() {
			b.mu.Lock()
			dropped := len(b.queue)
			b.queue = nil
			b.draining = false
			b.mu.Unlock()

			b.log.WithFields(log.Fields{
				"event_type": evt.Type,
				"dropped":    dropped,
			}).Warn("simulated failure while processing queue")
			b.track(-1 - dropped)
			return
		}
		b.track(-1)
	}
}

func (b *Bus) dispatch(evt domain.Event) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.handlers[evt.Type]...)
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s, evt)
	}
}

func (b *Bus) invoke(s *Subscription, evt domain.Event) {
	entry := b.log.WithFields(log.Fields{"event_type": evt.Type, "event_id": evt.ID})
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("event handler panicked: %v", r)
		}
	}()
	if err := s.handler(context.Background(), evt); err != nil {
		entry.WithError(err).Error("event handler failed")
	}
}

func (b *Bus) track(delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending += delta
	if b.pending <= 0 {
		b.pending = 0
		if b.idle != nil {
			close(b.idle)
			b.idle = nil
		}
	}
}

// WaitIdle blocks until no event is being published, queued or dispatched,
// including events published by handlers along the way.
func (b *Bus) WaitIdle(ctx context.Context) error {
	b.mu.Lock()
	if b.pending == 0 {
		b.mu.Unlock()
		return nil
	}
	if b.idle == nil {
		b.idle = make(chan struct{})
	}
	ch := b.idle
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bus) SubscriberCount(eventType domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[eventType])
}
