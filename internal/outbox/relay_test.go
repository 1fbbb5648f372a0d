package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomie_match/internal/domain"
	"roomie_match/internal/eventbus"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	failFor domain.EventType
}

func (s *memorySink) Send(_ context.Context, rec Record) error {
	if rec.EventType == s.failFor {
		return errors.New("stream unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func newBus(t *testing.T) (*eventbus.Bus, *log.Entry, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	entry := log.NewEntry(logger)
	return eventbus.New(entry, eventbus.ImmediatePolicy{}), entry, hook
}

func waitIdle(t *testing.T, b *eventbus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

func TestRelay_ForwardsEveryEventType(t *testing.T) {
	bus, entry, _ := newBus(t)
	sink := &memorySink{}
	relay := NewRelay(entry, sink)
	subs := relay.Subscribe(bus)
	assert.Len(t, subs, len(domain.EventTypes))

	ctx := context.Background()
	for _, typ := range domain.EventTypes {
		require.NoError(t, bus.Publish(ctx, domain.Event{Type: typ, Origin: "test", Destination: "*", Payload: domain.SessionPayload{UserID: "u1"}}))
	}
	waitIdle(t, bus)

	require.Len(t, sink.records, len(domain.EventTypes))
	for i, typ := range domain.EventTypes {
		assert.Equal(t, typ, sink.records[i].EventType)
		assert.NotEmpty(t, sink.records[i].ID)
		assert.False(t, sink.records[i].CreatedAt.IsZero())
	}
	assert.Equal(t, uint64(len(domain.EventTypes)), relay.Forwarded())
}

func TestRelay_RecordCarriesPayload(t *testing.T) {
	bus, entry, _ := newBus(t)
	sink := &memorySink{}
	NewRelay(entry, sink).Subscribe(bus)

	match := domain.Match{ID: "m1", User1ID: "ana", User2ID: "bob", PublicationID: "p1", Score: 0.82, Status: domain.MatchPending}
	require.NoError(t, bus.Publish(context.Background(), domain.Event{
		Type:        domain.EventMatchFound,
		Origin:      domain.OriginMatching,
		Destination: domain.DestNotifications,
		Payload:     domain.MatchPayload{Match: match},
	}))
	waitIdle(t, bus)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, domain.OriginMatching, rec.Origin)
	assert.Equal(t, domain.DestNotifications, rec.Destination)

	var decoded domain.MatchPayload
	require.NoError(t, json.Unmarshal(rec.Payload, &decoded))
	assert.Equal(t, "m1", decoded.Match.ID)
	assert.Equal(t, 0.82, decoded.Match.Score)
}

func TestRelay_DropsOnSinkFailure(t *testing.T) {
	bus, entry, hook := newBus(t)
	sink := &memorySink{failFor: domain.EventSecurityAlert}
	relay := NewRelay(entry, sink)
	relay.Subscribe(bus)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.Event{Type: domain.EventSecurityAlert, Payload: domain.SecurityAlertPayload{}}))
	require.NoError(t, bus.Publish(ctx, domain.Event{Type: domain.EventUserConnected, Payload: domain.SessionPayload{UserID: "u1"}}))
	waitIdle(t, bus)

	assert.Equal(t, uint64(1), relay.Dropped())
	assert.Equal(t, uint64(1), relay.Forwarded())
	require.Len(t, sink.records, 1)
	assert.Equal(t, domain.EventUserConnected, sink.records[0].EventType)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Message == "event not relayed" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestNewRecord_UnencodablePayload(t *testing.T) {
	_, err := NewRecord(domain.Event{Type: domain.EventMatchFound, Payload: math.Inf(1)})
	require.Error(t, err)
}
