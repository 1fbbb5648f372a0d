package repository

import (
	"context"
	"fmt"
	"sync"

	"roomie_match/internal/domain"
)

// MemoryMessageRepository keeps chat messages per match in insertion order.
type MemoryMessageRepository struct {
	mu      sync.RWMutex
	byID    map[string]*domain.Message
	byMatch map[string][]*domain.Message
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		byID:    make(map[string]*domain.Message),
		byMatch: make(map[string][]*domain.Message),
	}
}

func (r *MemoryMessageRepository) Save(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[msg.ID]; ok {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrAlreadyExists)
	}
	m := msg
	r.byID[m.ID] = &m
	r.byMatch[m.MatchID] = append(r.byMatch[m.MatchID], &m)
	return nil
}

func (r *MemoryMessageRepository) ListByMatch(_ context.Context, matchID string) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Message, 0, len(r.byMatch[matchID]))
	for _, m := range r.byMatch[matchID] {
		out = append(out, *m)
	}
	return out, nil
}

func (r *MemoryMessageRepository) Get(_ context.Context, messageID string) (domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[messageID]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return *m, nil
}

func (r *MemoryMessageRepository) MarkRead(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	m.Read = true
	return nil
}

// MarkMatchRead marks the match's unread messages not sent by readerID.
func (r *MemoryMessageRepository) MarkMatchRead(_ context.Context, matchID, readerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, m := range r.byMatch[matchID] {
		if m.SenderID != readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (r *MemoryMessageRepository) CountUnread(_ context.Context, matchID, readerID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, m := range r.byMatch[matchID] {
		if m.SenderID != readerID && !m.Read {
			n++
		}
	}
	return n, nil
}
