package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomie_match/internal/broker"
	"roomie_match/internal/presence"
)

type fakeQueues struct {
	mu        sync.Mutex
	queues    map[string]chan amqp.Delivery
	cancelled map[string]int
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{queues: make(map[string]chan amqp.Delivery), cancelled: make(map[string]int)}
}

func (f *fakeQueues) ConsumeUserQueue(userID string) (<-chan amqp.Delivery, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan amqp.Delivery, 8)
	f.queues[userID] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled[userID]++
		close(ch)
	}, nil
}

func (f *fakeQueues) deliver(userID string, body []byte) {
	f.mu.Lock()
	ch := f.queues[userID]
	f.mu.Unlock()
	ch <- amqp.Delivery{RoutingKey: broker.UserRoutingKey(userID), Body: body}
}

func (f *fakeQueues) cancels(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[userID]
}

func notificationBody(t *testing.T, id string) []byte {
	t.Helper()
	body, err := json.Marshal(broker.Envelope{Type: broker.EnvelopeNotification, Payload: json.RawMessage(`{"id":"` + id + `"}`)})
	require.NoError(t, err)
	return body
}

func startHub(t *testing.T) (*Hub, *fakeQueues, *presence.MemoryRepository) {
	t.Helper()
	sessions := presence.NewMemoryRepository()
	hub, queues, _ := startHubWith(t, sessions)
	return hub, queues, sessions
}

// startHubWith runs a hub over sessions; the returned func stops it and
// waits for Run to return.
func startHubWith(t *testing.T, sessions presence.Repository) (*Hub, *fakeQueues, func()) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	queues := newFakeQueues()
	hub := NewHub(log.NewEntry(logger), sessions, queues, "node-test")

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-stopped
		})
	}
	t.Cleanup(stop)
	return hub, queues, stop
}

// sessionLog records presence writes in the order they reach the store.
// Adds are slow to expose any reordering against later removes.
type sessionLog struct {
	*presence.MemoryRepository
	addDelay time.Duration

	mu  sync.Mutex
	ops []string
}

func newSessionLog(addDelay time.Duration) *sessionLog {
	return &sessionLog{MemoryRepository: presence.NewMemoryRepository(), addDelay: addDelay}
}

func (l *sessionLog) AddSession(ctx context.Context, userID, deviceID, nodeID string) error {
	time.Sleep(l.addDelay)
	l.record("add " + userID + "/" + deviceID)
	return l.MemoryRepository.AddSession(ctx, userID, deviceID, nodeID)
}

func (l *sessionLog) RemoveSession(ctx context.Context, userID, deviceID string) error {
	l.record("remove " + userID + "/" + deviceID)
	return l.MemoryRepository.RemoveSession(ctx, userID, deviceID)
}

func (l *sessionLog) record(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *sessionLog) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func online(t *testing.T, r presence.Repository, userID string) bool {
	ok, err := r.IsUserOnline(context.Background(), userID)
	require.NoError(t, err)
	return ok
}

func TestHub_FansOutToEveryDevice(t *testing.T) {
	hub, queues, sessions := startHub(t)

	phone := &Client{Hub: hub, UserID: "ana", DeviceID: "phone", Send: make(chan []byte, 4)}
	laptop := &Client{Hub: hub, UserID: "ana", DeviceID: "laptop", Send: make(chan []byte, 4)}
	hub.Register <- phone
	hub.Register <- laptop

	assert.Eventually(t, func() bool { return hub.Devices("ana") == 2 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return online(t, sessions, "ana") }, time.Second, 10*time.Millisecond)

	queues.deliver("ana", notificationBody(t, "n1"))
	queues.deliver("ana", []byte(`{"type":"SOMETHING_ELSE","payload":{}}`))
	queues.deliver("ana", []byte("garbage"))
	queues.deliver("ana", notificationBody(t, "n2"))

	for _, c := range []*Client{phone, laptop} {
		for _, want := range []string{"n1", "n2"} {
			select {
			case got := <-c.Send:
				var env broker.Envelope
				require.NoError(t, json.Unmarshal(got, &env))
				assert.JSONEq(t, `{"id":"`+want+`"}`, string(env.Payload))
			case <-time.After(time.Second):
				t.Fatalf("%s did not receive %s", c.DeviceID, want)
			}
		}
	}
}

func TestHub_LastDeviceStopsConsumer(t *testing.T) {
	hub, queues, sessions := startHub(t)

	phone := &Client{Hub: hub, UserID: "ana", DeviceID: "phone", Send: make(chan []byte, 1)}
	laptop := &Client{Hub: hub, UserID: "ana", DeviceID: "laptop", Send: make(chan []byte, 1)}
	hub.Register <- phone
	hub.Register <- laptop
	assert.Eventually(t, func() bool { return online(t, sessions, "ana") }, time.Second, 10*time.Millisecond)

	hub.Unregister <- phone
	hub.Unregister <- phone
	assert.Equal(t, 1, hub.Devices("ana"))
	assert.Zero(t, queues.cancels("ana"))
	_, open := <-phone.Send
	assert.False(t, open)

	hub.Unregister <- laptop
	assert.Eventually(t, func() bool { return queues.cancels("ana") == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, hub.Devices("ana"))
	assert.Eventually(t, func() bool { return !online(t, sessions, "ana") }, time.Second, 10*time.Millisecond)
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	hub, _, _ := startHub(t)

	slow := &Client{Hub: hub, UserID: "bob", DeviceID: "tablet", Send: make(chan []byte, 1)}
	hub.Register <- slow
	require.Eventually(t, func() bool { return hub.Devices("bob") == 1 }, time.Second, 10*time.Millisecond)

	hub.BroadcastToUser("bob", map[string]string{"n": "1"})
	hub.BroadcastToUser("bob", map[string]string{"n": "2"})

	assert.Zero(t, hub.Devices("bob"))
	got, ok := <-slow.Send
	require.True(t, ok)
	assert.JSONEq(t, `{"n":"1"}`, string(got))
	_, ok = <-slow.Send
	assert.False(t, ok)
}

func TestServeWS(t *testing.T) {
	hub, queues, sessions := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "?user_id=ana")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user_id=ana&device_id=phone"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return online(t, sessions, "ana") }, time.Second, 10*time.Millisecond)
	queues.deliver("ana", notificationBody(t, "n1"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env broker.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, broker.EnvelopeNotification, env.Type)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !online(t, sessions, "ana") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, queues.cancels("ana"))
}

func TestHub_QuickDisconnectLeavesUserOffline(t *testing.T) {
	sessions := newSessionLog(50 * time.Millisecond)
	hub, _, _ := startHubWith(t, sessions)

	c := &Client{Hub: hub, UserID: "ana", DeviceID: "phone", Send: make(chan []byte, 1)}
	hub.Register <- c
	hub.Unregister <- c

	want := []string{"add ana/phone", "remove ana/phone"}
	require.Eventually(t, func() bool { return len(sessions.recorded()) == len(want) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, want, sessions.recorded())
	assert.False(t, online(t, sessions, "ana"))
}

func TestHub_ReplacedDeviceKeepsSession(t *testing.T) {
	sessions := newSessionLog(0)
	hub, _, _ := startHubWith(t, sessions)

	first := &Client{Hub: hub, UserID: "ana", DeviceID: "phone", Send: make(chan []byte, 1)}
	second := &Client{Hub: hub, UserID: "ana", DeviceID: "phone", Send: make(chan []byte, 1)}
	hub.Register <- first
	hub.Register <- second
	_, open := <-first.Send
	assert.False(t, open)

	hub.Unregister <- first
	hub.Register <- &Client{Hub: hub, UserID: "bob", DeviceID: "x", Send: make(chan []byte, 1)}

	require.Eventually(t, func() bool { return len(sessions.recorded()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"add ana/phone", "add ana/phone", "add bob/x"}, sessions.recorded())
	assert.True(t, online(t, sessions, "ana"))
	assert.Equal(t, 1, hub.Devices("ana"))
}

func TestHub_ShutdownRemovesSessions(t *testing.T) {
	sessions := newSessionLog(0)
	hub, queues, stop := startHubWith(t, sessions)

	hub.Register <- &Client{Hub: hub, UserID: "ana", DeviceID: "phone", Send: make(chan []byte, 1)}
	require.Eventually(t, func() bool { return online(t, sessions, "ana") }, time.Second, 10*time.Millisecond)

	stop()
	assert.False(t, online(t, sessions, "ana"))
	assert.Equal(t, 1, queues.cancels("ana"))
}
