package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomie_match/internal/domain"
	"roomie_match/internal/eventbus"
	"roomie_match/internal/latency"
)

type fakeMatches map[string]domain.Match

func (f fakeMatches) GetMatch(_ context.Context, id string) (domain.Match, error) {
	m, ok := f[id]
	if !ok {
		return domain.Match{}, fmt.Errorf("match %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

type fakeUsers map[string]domain.User

func (f fakeUsers) GetUser(_ context.Context, id string) (domain.User, error) {
	u, ok := f[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

type recordingPusher struct {
	mu     sync.Mutex
	pushed []domain.Notification
	err    error
}

func (p *recordingPusher) Push(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, n)
	return p.err
}

type fixture struct {
	bus    *eventbus.Bus
	engine *Engine
	pusher *recordingPusher
	hook   *logtest.Hook
}

func newFixture(t *testing.T, matches fakeMatches, users fakeUsers) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	entry := log.NewEntry(logger)

	bus := eventbus.New(entry, eventbus.ImmediatePolicy{})
	pusher := &recordingPusher{}
	engine := NewEngine(entry, matches, users, pusher, latency.Range{})
	engine.Subscribe(bus)
	return &fixture{bus: bus, engine: engine, pusher: pusher, hook: hook}
}

func (f *fixture) publish(t *testing.T, evt domain.Event) {
	t.Helper()
	require.NoError(t, f.bus.Publish(context.Background(), evt))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.bus.WaitIdle(ctx))
}

func TestMatchFound_NotifiesBothParticipants(t *testing.T) {
	f := newFixture(t, nil, nil)
	m := domain.Match{ID: "m1", User1ID: "u1510092e1c", User2ID: "u2"}

	f.publish(t, domain.Event{Type: domain.EventMatchFound, Payload: domain.MatchPayload{Match: m}})

	ctx := context.Background()
	for _, userID := range []string{"u1510092e1c", "u2"} {
		got := f.engine.GetUserNotifications(ctx, userID)
		require.Len(t, got, 1, userID)
		assert.Equal(t, domain.NotificationMatch, got[0].Type)
		assert.False(t, got[0].Read)
		assert.Equal(t, "/matches/m1", got[0].ActionURL)
		assert.NotEmpty(t, got[0].ID)
	}
	assert.Len(t, f.pusher.pushed, 2)
}

func TestMatchAccepted_LinksToChat(t *testing.T) {
	f := newFixture(t, nil, nil)
	m := domain.Match{ID: "m1", User1ID: "a", User2ID: "b", Status: domain.MatchAccepted}

	f.publish(t, domain.Event{Type: domain.EventMatchAccepted, Payload: domain.MatchPayload{Match: m}})

	got := f.engine.GetUserNotifications(context.Background(), "b")
	require.Len(t, got, 1)
	assert.Equal(t, "/chat/m1", got[0].ActionURL)
	assert.Equal(t, "¡Match aceptado!", got[0].Title)
}

func TestMatchRejected_IsIgnored(t *testing.T) {
	f := newFixture(t, nil, nil)
	m := domain.Match{ID: "m1", User1ID: "a", User2ID: "b"}

	f.publish(t, domain.Event{Type: domain.EventMatchRejected, Payload: domain.MatchPayload{Match: m}})

	assert.Empty(t, f.engine.GetUserNotifications(context.Background(), "a"))
}

func TestMessageSent_NotifiesRecipientWithPreview(t *testing.T) {
	matches := fakeMatches{"m1": {ID: "m1", User1ID: "alice", User2ID: "bob"}}
	users := fakeUsers{"alice": {ID: "alice", Name: "Alice"}}
	f := newFixture(t, matches, users)

	content := strings.Repeat("a", 80)
	msg := domain.Message{ID: "msg1", MatchID: "m1", SenderID: "alice", Content: content, Type: domain.MessageText}
	f.publish(t, domain.Event{Type: domain.EventMessageSent, Payload: domain.MessagePayload{Message: msg}})

	ctx := context.Background()
	assert.Empty(t, f.engine.GetUserNotifications(ctx, "alice"))
	got := f.engine.GetUserNotifications(ctx, "bob")
	require.Len(t, got, 1)
	assert.Equal(t, strings.Repeat("a", 50)+"...", got[0].Message)
	assert.Equal(t, "Nuevo mensaje de Alice", got[0].Title)
	assert.Equal(t, domain.NotificationMessage, got[0].Type)
	assert.Equal(t, "/chat/m1", got[0].ActionURL)
}

func TestMessageSent_UnknownSenderUsesGenericTitle(t *testing.T) {
	matches := fakeMatches{"m1": {ID: "m1", User1ID: "alice", User2ID: "bob"}}
	f := newFixture(t, matches, fakeUsers{})

	msg := domain.Message{MatchID: "m1", SenderID: "bob", Content: "hola", Type: domain.MessageText}
	f.publish(t, domain.Event{Type: domain.EventMessageSent, Payload: domain.MessagePayload{Message: msg}})

	got := f.engine.GetUserNotifications(context.Background(), "alice")
	require.Len(t, got, 1)
	assert.Equal(t, "Nuevo mensaje", got[0].Title)
	assert.Equal(t, "hola", got[0].Message)
}

func TestMessageSent_SkipsSystemMessages(t *testing.T) {
	matches := fakeMatches{"m1": {ID: "m1", User1ID: "alice", User2ID: "bob"}}
	f := newFixture(t, matches, fakeUsers{})

	msg := domain.Message{MatchID: "m1", SenderID: "alice", Content: "joined", Type: domain.MessageSystem}
	f.publish(t, domain.Event{Type: domain.EventMessageSent, Payload: domain.MessagePayload{Message: msg}})

	assert.Empty(t, f.engine.GetUserNotifications(context.Background(), "bob"))
}

func TestMessageSent_UnknownMatchIsLoggedNotPropagated(t *testing.T) {
	f := newFixture(t, fakeMatches{}, fakeUsers{})

	msg := domain.Message{MatchID: "ghost", SenderID: "alice", Content: "hi", Type: domain.MessageText}
	err := f.engine.handleMessageSent(context.Background(), domain.Event{
		Type:    domain.EventMessageSent,
		Payload: domain.MessagePayload{Message: msg},
	})

	require.NoError(t, err)
	require.NotNil(t, f.hook.LastEntry())
	assert.Equal(t, log.WarnLevel, f.hook.LastEntry().Level)
	assert.ErrorIs(t, f.hook.LastEntry().Data[log.ErrorKey].(error), domain.ErrNotFound)
}

func TestSecurityAlert_NotifiesFlaggedUser(t *testing.T) {
	f := newFixture(t, nil, nil)
	alert := domain.SecurityAlert{UserID: "u9", Message: "Contenido sospechoso detectado", RiskLevel: 0.9}

	f.publish(t, domain.Event{Type: domain.EventSecurityAlert, Payload: domain.SecurityAlertPayload{Alert: alert}})

	got := f.engine.GetUserNotifications(context.Background(), "u9")
	require.Len(t, got, 1)
	assert.Equal(t, domain.NotificationSecurity, got[0].Type)
	assert.Equal(t, alert.Message, got[0].Message)
}

func TestGetUserNotifications_NewestFirst(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	f.engine.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	for _, title := range []string{"first", "second", "third"} {
		_, err := f.engine.Create(ctx, domain.Notification{UserID: "u", Title: title, Type: domain.NotificationSystem})
		require.NoError(t, err)
	}

	// Identical timestamps fall back to creation order.
	f.engine.now = func() time.Time { return base.Add(time.Hour) }
	for _, title := range []string{"tie-a", "tie-b"} {
		_, err := f.engine.Create(ctx, domain.Notification{UserID: "u", Title: title, Type: domain.NotificationSystem})
		require.NoError(t, err)
	}

	var titles []string
	for _, n := range f.engine.GetUserNotifications(ctx, "u") {
		titles = append(titles, n.Title)
	}
	assert.Equal(t, []string{"tie-b", "tie-a", "third", "second", "first"}, titles)
}

func TestReadState(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	a, err := f.engine.Create(ctx, domain.Notification{UserID: "u", Title: "a"})
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, domain.Notification{UserID: "u", Title: "b"})
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, domain.Notification{UserID: "other", Title: "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.engine.UnreadCount(ctx, "u"))

	require.NoError(t, f.engine.MarkAsRead(ctx, a.ID))
	require.NoError(t, f.engine.MarkAsRead(ctx, a.ID))
	assert.Equal(t, 1, f.engine.UnreadCount(ctx, "u"))

	marked, err := f.engine.MarkAllAsRead(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Zero(t, f.engine.UnreadCount(ctx, "u"))
	assert.Equal(t, 1, f.engine.UnreadCount(ctx, "other"))

	for _, n := range f.engine.GetUserNotifications(ctx, "u") {
		assert.True(t, n.Read)
	}

	err = f.engine.MarkAsRead(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreate_PushFailureKeepsNotification(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.pusher.err = errors.New("broker unavailable")

	n, err := f.engine.Create(context.Background(), domain.Notification{UserID: "u", Title: "t"})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Len(t, f.engine.GetUserNotifications(context.Background(), "u"), 1)
	assert.Equal(t, log.WarnLevel, f.hook.LastEntry().Level)
}

func TestCreate_RequiresUser(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.engine.Create(context.Background(), domain.Notification{Title: "orphan"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	assert.Equal(t, strings.Repeat("x", 50), Preview(strings.Repeat("x", 50)))
	assert.Equal(t, strings.Repeat("ñ", 50)+"...", Preview(strings.Repeat("ñ", 51)))
}
