// Package messaging stores chat messages exchanged inside a match.
package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/latency"
)

type Store interface {
	Save(ctx context.Context, msg domain.Message) error
	ListByMatch(ctx context.Context, matchID string) ([]domain.Message, error)
	MarkRead(ctx context.Context, messageID string) error
	MarkMatchRead(ctx context.Context, matchID, readerID string) (int, error)
	CountUnread(ctx context.Context, matchID, readerID string) (int, error)
}

type Matches interface {
	GetMatch(ctx context.Context, matchID string) (domain.Match, error)
	GetUserMatches(ctx context.Context, userID string) []domain.Match
}

type Moderator interface {
	ModerateContent(ctx context.Context, content string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

type SendInput struct {
	MatchID  string             `json:"match_id"`
	SenderID string             `json:"sender_id"`
	Content  string             `json:"content"`
	Type     domain.MessageType `json:"type"`
}

type Service struct {
	log       *log.Entry
	store     Store
	matches   Matches
	moderator Moderator
	bus       Publisher
	latency   latency.Range
	now       func() time.Time
}

func NewService(logger *log.Entry, store Store, matches Matches, moderator Moderator, bus Publisher, lat latency.Range) *Service {
	return &Service{
		log:       logger.WithField("component", "messaging"),
		store:     store,
		matches:   matches,
		moderator: moderator,
		bus:       bus,
		latency:   lat,
		now:       time.Now,
	}
}

// SendMessage moderates and stores a message, then publishes MensajeEnviado.
// The sender must take part in the match.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (domain.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return domain.Message{}, domain.NewValidationError("content", "is required")
	}
	if in.Type == "" {
		in.Type = domain.MessageText
	}
	if in.Type != domain.MessageText && in.Type != domain.MessageSystem {
		return domain.Message{}, domain.NewValidationError("type", "must be text or system")
	}
	if err := s.latency.Wait(ctx); err != nil {
		return domain.Message{}, err
	}

	m, err := s.matches.GetMatch(ctx, in.MatchID)
	if err != nil {
		return domain.Message{}, err
	}
	if !m.Involves(in.SenderID) {
		return domain.Message{}, fmt.Errorf("user %s is not part of match %s: %w", in.SenderID, m.ID, domain.ErrUnauthorized)
	}

	content, err := s.moderator.ModerateContent(ctx, in.Content)
	if err != nil {
		return domain.Message{}, fmt.Errorf("moderate message: %w", err)
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		MatchID:   m.ID,
		SenderID:  in.SenderID,
		Content:   content,
		Type:      in.Type,
		CreatedAt: s.now(),
	}
	if err := s.store.Save(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}

	s.log.WithFields(log.Fields{"match_id": msg.MatchID, "message_id": msg.ID}).Debug("message stored")

	err = s.bus.Publish(ctx, domain.Event{
		Type:        domain.EventMessageSent,
		Origin:      domain.OriginMessaging,
		Destination: domain.DestNotifications,
		Payload:     domain.MessagePayload{Message: msg},
	})
	if err != nil {
		return msg, fmt.Errorf("publish message %s: %w", msg.ID, err)
	}
	return msg, nil
}

// GetMatchMessages returns the match's messages, oldest first.
func (s *Service) GetMatchMessages(ctx context.Context, matchID string) ([]domain.Message, error) {
	if err := s.latency.Wait(ctx); err != nil {
		return nil, err
	}
	return s.store.ListByMatch(ctx, matchID)
}

func (s *Service) MarkMessageAsRead(ctx context.Context, messageID string) error {
	if err := s.latency.Wait(ctx); err != nil {
		return err
	}
	return s.store.MarkRead(ctx, messageID)
}

// MarkAllMessagesAsRead marks what the other participant sent to userID in the match.
func (s *Service) MarkAllMessagesAsRead(ctx context.Context, matchID, userID string) (int, error) {
	if err := s.latency.Wait(ctx); err != nil {
		return 0, err
	}
	return s.store.MarkMatchRead(ctx, matchID, userID)
}

// UnreadCount sums unread messages addressed to userID across their matches.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	var total int
	for _, m := range s.matches.GetUserMatches(ctx, userID) {
		n, err := s.store.CountUnread(ctx, m.ID, userID)
		if err != nil {
			return 0, fmt.Errorf("count unread in match %s: %w", m.ID, err)
		}
		total += n
	}
	return total, nil
}
