// Package notification turns domain events into per-user notifications and
// tracks their read state.
package notification

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/eventbus"
	"roomie_match/internal/latency"
)

const previewLimit = 50

type MatchLookup interface {
	GetMatch(ctx context.Context, matchID string) (domain.Match, error)
}

type UserLookup interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
}

// Pusher delivers a freshly created notification outside the process. It is
// best effort: failures are logged and never undo the notification.
type Pusher interface {
	Push(ctx context.Context, n domain.Notification) error
}

type NopPusher struct{}

func (NopPusher) Push(context.Context, domain.Notification) error { return nil }

type record struct {
	n   domain.Notification
	seq uint64
}

type Engine struct {
	log     *log.Entry
	matches MatchLookup
	users   UserLookup
	pusher  Pusher
	latency latency.Range
	now     func() time.Time

	mu     sync.Mutex
	byID   map[string]*record
	byUser map[string][]*record
	seq    uint64
}

func NewEngine(logger *log.Entry, matches MatchLookup, users UserLookup, pusher Pusher, lat latency.Range) *Engine {
	if pusher == nil {
		pusher = NopPusher{}
	}
	return &Engine{
		log:     logger.WithField("component", "notification"),
		matches: matches,
		users:   users,
		pusher:  pusher,
		latency: lat,
		now:     time.Now,
		byID:    make(map[string]*record),
		byUser:  make(map[string][]*record),
	}
}

func (e *Engine) Subscribe(bus *eventbus.Bus) []*eventbus.Subscription {
	return []*eventbus.Subscription{
		bus.Subscribe(domain.EventMatchFound, e.handleMatchFound),
		bus.Subscribe(domain.EventMatchAccepted, e.handleMatchAccepted),
		bus.Subscribe(domain.EventMessageSent, e.handleMessageSent),
		bus.Subscribe(domain.EventSecurityAlert, e.handleSecurityAlert),
	}
}

// Create stores n as unread with a fresh id and timestamp, then pushes it.
func (e *Engine) Create(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.UserID == "" {
		return domain.Notification{}, domain.NewValidationError("user_id", "is required")
	}
	if err := e.latency.Wait(ctx); err != nil {
		return domain.Notification{}, err
	}

	n.ID = uuid.NewString()
	n.Read = false
	n.CreatedAt = e.now()

	e.mu.Lock()
	e.seq++
	r := &record{n: n, seq: e.seq}
	e.byID[n.ID] = r
	e.byUser[n.UserID] = append(e.byUser[n.UserID], r)
	e.mu.Unlock()

	if err := e.pusher.Push(ctx, n); err != nil {
		e.log.WithError(err).WithFields(log.Fields{
			"notification_id": n.ID,
			"user_id":         n.UserID,
		}).Warn("push delivery failed")
	}
	return n, nil
}

// GetUserNotifications returns the user's notifications, newest first.
func (e *Engine) GetUserNotifications(_ context.Context, userID string) []domain.Notification {
	e.mu.Lock()
	recs := slices.Clone(e.byUser[userID])
	out := make([]domain.Notification, 0, len(recs))
	slices.SortFunc(recs, func(a, b *record) int {
		if c := b.n.CreatedAt.Compare(a.n.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
	for _, r := range recs {
		out = append(out, r.n)
	}
	e.mu.Unlock()
	return out
}

func (e *Engine) MarkAsRead(ctx context.Context, notificationID string) error {
	if err := e.latency.Wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.byID[notificationID]
	if !ok {
		return fmt.Errorf("notification %s: %w", notificationID, domain.ErrNotFound)
	}
	r.n.Read = true
	return nil
}

// MarkAllAsRead marks every unread notification of the user and returns how
// many changed.
func (e *Engine) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	if err := e.latency.Wait(ctx); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var marked int
	for _, r := range e.byUser[userID] {
		if !r.n.Read {
			r.n.Read = true
			marked++
		}
	}
	return marked, nil
}

func (e *Engine) UnreadCount(_ context.Context, userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for _, r := range e.byUser[userID] {
		if !r.n.Read {
			n++
		}
	}
	return n
}

func (e *Engine) handleMatchFound(ctx context.Context, evt domain.Event) error {
	payload, ok := evt.Payload.(domain.MatchPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	m := payload.Match
	return e.notifyBoth(ctx, m, domain.Notification{
		Title:     "¡Nuevo match potencial!",
		Message:   "Has encontrado un posible compañero de vivienda.",
		Type:      domain.NotificationMatch,
		ActionURL: "/matches/" + m.ID,
	})
}

func (e *Engine) handleMatchAccepted(ctx context.Context, evt domain.Event) error {
	payload, ok := evt.Payload.(domain.MatchPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	m := payload.Match
	return e.notifyBoth(ctx, m, domain.Notification{
		Title:     "¡Match aceptado!",
		Message:   "Tu match ha sido aceptado. ¡Pueden comenzar a chatear!",
		Type:      domain.NotificationMatch,
		ActionURL: "/chat/" + m.ID,
	})
}

func (e *Engine) notifyBoth(ctx context.Context, m domain.Match, tmpl domain.Notification) error {
	var errs []error
	for _, userID := range []string{m.User1ID, m.User2ID} {
		n := tmpl
		n.UserID = userID
		if _, err := e.Create(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("notify %s of match %s: %w", userID, m.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handleMessageSent(ctx context.Context, evt domain.Event) error {
	payload, ok := evt.Payload.(domain.MessagePayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	msg := payload.Message
	if msg.Type == domain.MessageSystem {
		return nil
	}

	entry := e.log.WithFields(log.Fields{"match_id": msg.MatchID, "message_id": msg.ID})
	m, err := e.matches.GetMatch(ctx, msg.MatchID)
	if err != nil {
		// The message still stands; only the notification is skipped.
		entry.WithError(err).Warn("cannot resolve match for message notification")
		return nil
	}

	title := "Nuevo mensaje"
	sender, err := e.users.GetUser(ctx, msg.SenderID)
	switch {
	case err != nil:
		entry.WithError(err).Debug("sender lookup failed")
	case sender.DisplayName() != "":
		title = "Nuevo mensaje de " + sender.DisplayName()
	}

	_, err = e.Create(ctx, domain.Notification{
		UserID:    m.Counterpart(msg.SenderID),
		Title:     title,
		Message:   Preview(msg.Content),
		Type:      domain.NotificationMessage,
		ActionURL: "/chat/" + m.ID,
	})
	return err
}

func (e *Engine) handleSecurityAlert(ctx context.Context, evt domain.Event) error {
	payload, ok := evt.Payload.(domain.SecurityAlertPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	_, err := e.Create(ctx, domain.Notification{
		UserID:  payload.Alert.UserID,
		Title:   "Alerta de seguridad",
		Message: payload.Alert.Message,
		Type:    domain.NotificationSecurity,
	})
	return err
}

// Preview caps content at 50 characters, appending "..." when it was cut.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "..."
}
