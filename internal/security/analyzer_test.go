package security

import (
	"context"
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

func newAnalyzer(t *testing.T) (*Analyzer, *eventbus.Bus) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	entry := log.NewEntry(logger)
	bus := eventbus.New(entry, eventbus.ImmediatePolicy{})
	a := NewAnalyzer(entry, bus, latency.Range{})
	a.Subscribe(bus)
	return a, bus
}

func TestAnalyzeContent(t *testing.T) {
	a, _ := newAnalyzer(t)

	tests := []struct {
		name      string
		content   string
		risk      float64
		moderated bool
		reason    string
	}{
		{"clean", "Hola, me interesa la habitación", 0, false, ""},
		{"banned word", "esto parece una estafa", 0.3, true, "Palabras prohibidas: estafa"},
		{"email", "escríbeme a foo@bar.com", 0.4, false, "Patrones sospechosos detectados"},
		{"banned word and url", "estafa en http://x.co", 0.7, true, ""},
		{"long and repetitive", strings.Repeat("a ", 300), 0.3, false, "Contenido muy extenso; Posible contenido repetitivo"},
		{"everything but length", strings.Repeat("spam ", 10) + "http://x.co", 0.9, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.AnalyzeContent(context.Background(), tt.content)
			require.NoError(t, err)
			assert.InDelta(t, tt.risk, res.RiskLevel, 1e-9)
			assert.Equal(t, tt.moderated, res.Moderated)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, res.Reason)
			}
		})
	}
}

func TestAnalyzeContent_CappedAtOne(t *testing.T) {
	a, _ := newAnalyzer(t)
	content := strings.Repeat("fraude ", 100) + "4111111111111111"

	res, err := a.AnalyzeContent(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.RiskLevel)
}

func TestModerateContent(t *testing.T) {
	a, _ := newAnalyzer(t)

	got, err := a.ModerateContent(context.Background(), "Esto es SPAM y no spammer, pura Estafa.")
	require.NoError(t, err)
	assert.Equal(t, "Esto es **** y no spammer, pura ******.", got)
}

type alertSink struct {
	mu     sync.Mutex
	alerts []domain.SecurityAlert
}

func (s *alertSink) record(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, evt.Payload.(domain.SecurityAlertPayload).Alert)
	return nil
}

func publishAndWait(t *testing.T, bus *eventbus.Bus, evt domain.Event) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), evt))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.WaitIdle(ctx))
}

func TestMessageAlerts(t *testing.T) {
	_, bus := newAnalyzer(t)
	sink := &alertSink{}
	bus.Subscribe(domain.EventSecurityAlert, sink.record)

	atThreshold := domain.Message{SenderID: "u1", Content: "estafa en http://x.co"}
	publishAndWait(t, bus, domain.Event{Type: domain.EventMessageSent, Payload: domain.MessagePayload{Message: atThreshold}})
	assert.Empty(t, sink.alerts)

	risky := domain.Message{SenderID: "u1", Content: strings.Repeat("spam ", 10) + "http://x.co"}
	publishAndWait(t, bus, domain.Event{Type: domain.EventMessageSent, Payload: domain.MessagePayload{Message: risky}})

	require.Len(t, sink.alerts, 1)
	alert := sink.alerts[0]
	assert.Equal(t, "u1", alert.UserID)
	assert.InDelta(t, 0.9, alert.RiskLevel, 1e-9)
	assert.Equal(t, risky.Content, alert.Content)
	assert.True(t, strings.HasPrefix(alert.Message, "Contenido potencialmente peligroso detectado: "))
}

func TestPublicationAlerts(t *testing.T) {
	_, bus := newAnalyzer(t)
	sink := &alertSink{}
	bus.Subscribe(domain.EventSecurityAlert, sink.record)

	clean := domain.Publication{UserID: "owner", Title: "Habitación luminosa", Description: "Cerca del metro"}
	publishAndWait(t, bus, domain.Event{Type: domain.EventPublicationCreated, Payload: domain.PublicationPayload{Publication: clean}})
	assert.Empty(t, sink.alerts)

	shady := domain.Publication{
		UserID:      "owner",
		Title:       "Habitación barata",
		Description: strings.Repeat("droga ", 15) + "llama al 3001234567",
	}
	publishAndWait(t, bus, domain.Event{Type: domain.EventPublicationCreated, Payload: domain.PublicationPayload{Publication: shady}})

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, "owner", sink.alerts[0].UserID)
	assert.InDelta(t, 0.9, sink.alerts[0].RiskLevel, 1e-9)
	assert.Equal(t, shady.Title+" - "+shady.Description, sink.alerts[0].Content)
}

func TestHandlers_RejectUnexpectedPayload(t *testing.T) {
	a, _ := newAnalyzer(t)
	var perr *domain.PayloadError
	require.ErrorAs(t, a.handleMessage(context.Background(), domain.Event{Type: domain.EventMessageSent}), &perr)
	require.ErrorAs(t, a.handlePublication(context.Background(), domain.Event{Type: domain.EventPublicationCreated}), &perr)
}
