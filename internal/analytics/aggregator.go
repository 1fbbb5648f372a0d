// Package analytics keeps platform-wide counters fed by bus events and
// exports them as Prometheus metrics.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/eventbus"
	"roomie_match/internal/latency"
)

// Engagement reaches 1 at this many concurrent sessions.
const fullEngagementSessions = 10

const maxRecommendations = 3

const (
	TipPendingMatches  = "Responde a tus matches pendientes"
	TipUnread          = "Revisa tus notificaciones sin leer"
	TipNewListings     = "Revisa las nuevas publicaciones en tu área"
	TipPreferences     = "Actualiza tus preferencias de búsqueda"
	TipCompleteProfile = "Completa tu perfil para obtener mejores matches"
)

type Snapshot struct {
	TotalMatches       int     `json:"total_matches"`
	TotalMessages      int     `json:"total_messages"`
	ActivePublications int     `json:"active_publications"`
	SecurityAlerts     int     `json:"security_alerts"`
	UserEngagement     float64 `json:"user_engagement"`
}

type MatchSource interface {
	GetUserMatches(ctx context.Context, userID string) []domain.Match
}

type UnreadSource interface {
	UnreadCount(ctx context.Context, userID string) int
}

// ActiveCounter reports the live number of active publications. Without one
// the aggregator counts PublicacionCreada events instead.
type ActiveCounter interface {
	ActiveCount() int
}

type metrics struct {
	events          *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionDuration prometheus.Histogram
	alertRisk       prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "roomie", Name: "events_total", Help: "Bus events observed by type."},
			[]string{"type"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "roomie", Name: "active_sessions", Help: "Users with an open session."},
		),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "roomie", Name: "session_duration_seconds", Help: "Length of closed sessions.",
				Buckets: []float64{60, 300, 900, 1800, 3600, 7200},
			},
		),
		alertRisk: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "roomie", Name: "security_alert_risk", Help: "Risk level of raised security alerts.",
				Buckets: []float64{0.7, 0.8, 0.9, 1},
			},
		),
	}
	for _, c := range []prometheus.Collector{m.events, m.activeSessions, m.sessionDuration, m.alertRisk} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register analytics metrics: %w", err)
		}
	}
	return m, nil
}

type Aggregator struct {
	log           *log.Entry
	metrics       *metrics
	matches       MatchSource
	notifications UnreadSource
	publications  ActiveCounter
	latency       latency.Range
	now           func() time.Time

	mu       sync.Mutex
	counts   Snapshot
	sessions map[string]time.Time
}

func NewAggregator(logger *log.Entry, reg prometheus.Registerer, matches MatchSource, notifications UnreadSource, pubs ActiveCounter, lat latency.Range) (*Aggregator, error) {
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		log:           logger.WithField("component", "analytics"),
		metrics:       m,
		matches:       matches,
		notifications: notifications,
		publications:  pubs,
		latency:       lat,
		now:           time.Now,
		sessions:      make(map[string]time.Time),
	}, nil
}

func (a *Aggregator) Subscribe(bus *eventbus.Bus) []*eventbus.Subscription {
	return []*eventbus.Subscription{
		bus.Subscribe(domain.EventUserConnected, a.handleConnected),
		bus.Subscribe(domain.EventUserDisconnected, a.handleDisconnected),
		bus.Subscribe(domain.EventMatchFound, a.handleMatchFound),
		bus.Subscribe(domain.EventMessageSent, a.handleMessageSent),
		bus.Subscribe(domain.EventPublicationCreated, a.handlePublicationCreated),
		bus.Subscribe(domain.EventSecurityAlert, a.handleSecurityAlert),
	}
}

func (a *Aggregator) observe(evt domain.Event) {
	a.metrics.events.WithLabelValues(string(evt.Type)).Inc()
}

func (a *Aggregator) handleConnected(_ context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.SessionPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	a.observe(evt)

	a.mu.Lock()
	a.sessions[p.UserID] = a.now()
	active := len(a.sessions)
	a.mu.Unlock()

	a.metrics.activeSessions.Set(float64(active))
	a.log.WithField("user_id", p.UserID).Debug("user connected")
	return nil
}

func (a *Aggregator) handleDisconnected(_ context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.SessionPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	a.observe(evt)

	a.mu.Lock()
	start, found := a.sessions[p.UserID]
	delete(a.sessions, p.UserID)
	active := len(a.sessions)
	end := a.now()
	a.mu.Unlock()

	a.metrics.activeSessions.Set(float64(active))
	if !found {
		return nil
	}
	d := end.Sub(start)
	a.metrics.sessionDuration.Observe(d.Seconds())
	a.log.WithFields(log.Fields{
		"user_id":          p.UserID,
		"duration_minutes": math.Round(d.Minutes()),
	}).Info("user disconnected")
	return nil
}

func (a *Aggregator) handleMatchFound(_ context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.MatchPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	a.observe(evt)
	a.mu.Lock()
	a.counts.TotalMatches++
	a.mu.Unlock()
	a.log.WithField("match_id", p.Match.ID).Debug("match counted")
	return nil
}

func (a *Aggregator) handleMessageSent(_ context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.MessagePayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	a.observe(evt)
	if p.Message.Type == domain.MessageSystem {
		return nil
	}
	a.mu.Lock()
	a.counts.TotalMessages++
	a.mu.Unlock()
	a.log.WithFields(log.Fields{
		"match_id": p.Message.MatchID,
		"length":   len([]rune(p.Message.Content)),
	}).Debug("message counted")
	return nil
}

func (a *Aggregator) handlePublicationCreated(_ context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.PublicationPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	a.observe(evt)
	a.mu.Lock()
	a.counts.ActivePublications++
	a.mu.Unlock()
	a.log.WithField("publication_id", p.Publication.ID).Debug("publication counted")
	return nil
}

func (a *Aggregator) handleSecurityAlert(_ context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.SecurityAlertPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	a.observe(evt)
	a.metrics.alertRisk.Observe(p.Alert.RiskLevel)
	a.mu.Lock()
	a.counts.SecurityAlerts++
	a.mu.Unlock()
	a.log.WithField("risk_level", p.Alert.RiskLevel).Info("security alert counted")
	return nil
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	s := a.counts
	s.UserEngagement = math.Min(float64(len(a.sessions))/fullEngagementSessions, 1)
	a.mu.Unlock()
	if a.publications != nil {
		s.ActivePublications = a.publications.ActiveCount()
	}
	return s
}

// Recommendations returns up to three tips for userID, most actionable first.
func (a *Aggregator) Recommendations(ctx context.Context, userID string) ([]string, error) {
	if err := a.latency.Wait(ctx); err != nil {
		return nil, err
	}

	var tips []string
	var matches []domain.Match
	if a.matches != nil {
		matches = a.matches.GetUserMatches(ctx, userID)
	}
	for _, m := range matches {
		if m.Status == domain.MatchPending {
			tips = append(tips, TipPendingMatches)
			break
		}
	}
	if a.notifications != nil && a.notifications.UnreadCount(ctx, userID) > 0 {
		tips = append(tips, TipUnread)
	}
	if len(matches) == 0 {
		tips = append(tips, TipPreferences)
	}
	if a.Snapshot().ActivePublications > 0 {
		tips = append(tips, TipNewListings)
	}
	if len(tips) < 2 {
		tips = append(tips, TipCompleteProfile)
	}
	if len(tips) > maxRecommendations {
		tips = tips[:maxRecommendations]
	}
	return tips, nil
}
