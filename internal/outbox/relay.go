// Package outbox forwards every bus event to an external append-only sink so
// other systems can replay the event history.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/eventbus"
)

// Record is the wire form of a relayed event.
type Record struct {
	ID          string           `json:"id"`
	EventType   domain.EventType `json:"event_type"`
	Origin      string           `json:"origin"`
	Destination string           `json:"destination"`
	Payload     json.RawMessage  `json:"payload"`
	CreatedAt   time.Time        `json:"created_at"`
}

func NewRecord(evt domain.Event) (Record, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", evt.Type, err)
	}
	return Record{
		ID:          evt.ID,
		EventType:   evt.Type,
		Origin:      evt.Origin,
		Destination: evt.Destination,
		Payload:     payload,
		CreatedAt:   evt.Timestamp,
	}, nil
}

type Sink interface {
	Send(ctx context.Context, rec Record) error
}

// Relay is at-most-once: a record the sink rejects is logged and dropped.
type Relay struct {
	log  *log.Entry
	sink Sink

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

func NewRelay(logger *log.Entry, sink Sink) *Relay {
	return &Relay{log: logger.WithField("component", "outbox"), sink: sink}
}

func (r *Relay) Subscribe(bus *eventbus.Bus) []*eventbus.Subscription {
	return bus.SubscribeAll(r.forward)
}

func (r *Relay) forward(ctx context.Context, evt domain.Event) error {
	entry := r.log.WithFields(log.Fields{"event_type": evt.Type, "event_id": evt.ID})
	rec, err := NewRecord(evt)
	if err == nil {
		err = r.sink.Send(ctx, rec)
	}
	if err != nil {
		r.dropped.Add(1)
		entry.WithError(err).Warn("event not relayed")
		return nil
	}
	r.forwarded.Add(1)
	entry.Debug("event relayed")
	return nil
}

func (r *Relay) Forwarded() uint64 { return r.forwarded.Load() }
func (r *Relay) Dropped() uint64   { return r.dropped.Load() }
