// Package matching scores seekers against listings and owns the Match store.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/eventbus"
	"roomie_match/internal/latency"
)

type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// SeekerDirectory finds seekers whose preferences plausibly fit a listing.
type SeekerDirectory interface {
	SearchSeekers(ctx context.Context, c domain.SeekerCriteria) ([]domain.User, error)
}

type PublicationCatalog interface {
	Active(ctx context.Context) ([]domain.Publication, error)
}

type Config struct {
	// Threshold is exclusive: a score equal to it does not create a match.
	Threshold float64
	// PriceFlex widens the seeker search window around a listing's price.
	PriceFlex float64
	Latency   latency.Range
}

func DefaultConfig() Config {
	return Config{Threshold: 0.70, PriceFlex: 0.20, Latency: latency.Matching}
}

type MatchInput struct {
	User1ID       string
	User2ID       string
	PublicationID string
	Score         float64
}

type pairKey struct{ a, b string }

func keyFor(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type Engine struct {
	log   *log.Entry
	bus   Publisher
	users SeekerDirectory
	pubs  PublicationCatalog
	cfg   Config
	score ScoreFunc
	now   func() time.Time

	mu      sync.Mutex
	matches map[string]*domain.Match
	pairs   map[pairKey]string
}

func NewEngine(logger *log.Entry, bus Publisher, users SeekerDirectory, pubs PublicationCatalog, cfg Config) *Engine {
	return &Engine{
		log:     logger.WithField("component", "matching"),
		bus:     bus,
		users:   users,
		pubs:    pubs,
		cfg:     cfg,
		score:   Score,
		now:     time.Now,
		matches: make(map[string]*domain.Match),
		pairs:   make(map[pairKey]string),
	}
}

// Subscribe wires the automatic triggers to bus.
func (e *Engine) Subscribe(bus *eventbus.Bus) []*eventbus.Subscription {
	return []*eventbus.Subscription{
		bus.Subscribe(domain.EventPublicationCreated, e.handlePublication),
		bus.Subscribe(domain.EventPublicationUpdated, e.handlePublication),
		bus.Subscribe(domain.EventUserRegistered, e.handleUserRegistered),
	}
}

// CreateMatch stores a pending match for the pair and announces it. If the
// pair already has a match, in either order, that match is returned unchanged
// and nothing is published.
func (e *Engine) CreateMatch(ctx context.Context, in MatchInput) (domain.Match, error) {
	if err := validateInput(in); err != nil {
		return domain.Match{}, err
	}
	if err := e.cfg.Latency.Wait(ctx); err != nil {
		return domain.Match{}, err
	}

	e.mu.Lock()
	key := keyFor(in.User1ID, in.User2ID)
	if id, ok := e.pairs[key]; ok {
		existing := *e.matches[id]
		e.mu.Unlock()
		return existing, nil
	}
	now := e.now()
	m := &domain.Match{
		ID:            uuid.NewString(),
		User1ID:       in.User1ID,
		User2ID:       in.User2ID,
		PublicationID: in.PublicationID,
		Score:         in.Score,
		Status:        domain.MatchPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.matches[m.ID] = m
	e.pairs[key] = m.ID
	created := *m
	e.mu.Unlock()

	e.log.WithFields(log.Fields{
		"match_id": created.ID,
		"user1_id": created.User1ID,
		"user2_id": created.User2ID,
		"score":    created.Score,
	}).Info("match created")

	if err := e.announce(ctx, domain.EventMatchFound, created); err != nil {
		return created, err
	}
	return created, nil
}

func (e *Engine) AcceptMatch(ctx context.Context, matchID string) (domain.Match, error) {
	return e.transition(ctx, matchID, domain.MatchAccepted, domain.EventMatchAccepted)
}

func (e *Engine) RejectMatch(ctx context.Context, matchID string) (domain.Match, error) {
	return e.transition(ctx, matchID, domain.MatchRejected, domain.EventMatchRejected)
}

// transition applies status under the lock; concurrent calls on the same match
// resolve to whichever runs last. A terminal match may be moved again and the
// lifecycle event is published every time.
func (e *Engine) transition(ctx context.Context, matchID string, status domain.MatchStatus, evt domain.EventType) (domain.Match, error) {
	if err := e.cfg.Latency.Wait(ctx); err != nil {
		return domain.Match{}, err
	}

	e.mu.Lock()
	m, ok := e.matches[matchID]
	if !ok {
		e.mu.Unlock()
		return domain.Match{}, fmt.Errorf("match %s: %w", matchID, domain.ErrNotFound)
	}
	m.Status = status
	m.UpdatedAt = e.now()
	updated := *m
	e.mu.Unlock()

	e.log.WithFields(log.Fields{"match_id": matchID, "status": status}).Info("match status changed")

	if err := e.announce(ctx, evt, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// GetUserMatches returns every match the user takes part in, oldest first.
func (e *Engine) GetUserMatches(_ context.Context, userID string) []domain.Match {
	e.mu.Lock()
	out := make([]domain.Match, 0)
	for _, m := range e.matches {
		if m.Involves(userID) {
			out = append(out, *m)
		}
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Match) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (e *Engine) GetMatch(_ context.Context, matchID string) (domain.Match, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.matches[matchID]
	if !ok {
		return domain.Match{}, fmt.Errorf("match %s: %w", matchID, domain.ErrNotFound)
	}
	return *m, nil
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.matches)
}

func (e *Engine) announce(ctx context.Context, t domain.EventType, m domain.Match) error {
	err := e.bus.Publish(ctx, domain.Event{
		Type:        t,
		Origin:      domain.OriginMatching,
		Destination: domain.DestNotifications,
		Payload:     domain.MatchPayload{Match: m},
	})
	if err != nil {
		return fmt.Errorf("announce %s for match %s: %w", t, m.ID, err)
	}
	return nil
}

func (e *Engine) handlePublication(ctx context.Context, evt domain.Event) error {
	payload, ok := evt.Payload.(domain.PublicationPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	p := payload.Publication
	if p.Status == domain.PublicationInactive {
		e.log.WithField("publication_id", p.ID).Debug("skipping inactive publication")
		return nil
	}

	criteria := domain.SeekerCriteria{
		Location: p.Location,
		City:     p.City,
		MinPrice: p.Price * (1 - e.cfg.PriceFlex),
		MaxPrice: p.Price * (1 + e.cfg.PriceFlex),
	}
	seekers, err := e.users.SearchSeekers(ctx, criteria)
	if err != nil {
		return fmt.Errorf("search seekers for publication %s: %w", p.ID, err)
	}

	now := e.now()
	var errs []error
	for _, u := range seekers {
		if u.ID == p.UserID {
			continue
		}
		if err := e.matchIfQualified(ctx, u, p, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handleUserRegistered(ctx context.Context, evt domain.Event) error {
	payload, ok := evt.Payload.(domain.UserPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	u := payload.User
	if u.Type != domain.UserTypeSeeker {
		return nil
	}

	pubs, err := e.pubs.Active(ctx)
	if err != nil {
		return fmt.Errorf("list active publications for user %s: %w", u.ID, err)
	}

	now := e.now()
	var errs []error
	for _, p := range pubs {
		if p.UserID == u.ID {
			continue
		}
		if err := e.matchIfQualified(ctx, u, p, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// matchIfQualified creates a seeker-first match when the score clears the threshold.
func (e *Engine) matchIfQualified(ctx context.Context, seeker domain.User, p domain.Publication, now time.Time) error {
	score := e.score(seeker, p, now)
	entry := e.log.WithFields(log.Fields{
		"user_id":        seeker.ID,
		"publication_id": p.ID,
		"score":          score,
	})
	if score <= e.cfg.Threshold {
		entry.Debug("score below threshold")
		return nil
	}
	_, err := e.CreateMatch(ctx, MatchInput{
		User1ID:       seeker.ID,
		User2ID:       p.UserID,
		PublicationID: p.ID,
		Score:         score,
	})
	return err
}

func validateInput(in MatchInput) error {
	var fields []domain.FieldError
	if in.User1ID == "" {
		fields = append(fields, domain.FieldError{Field: "user1_id", Message: "is required"})
	}
	if in.User2ID == "" {
		fields = append(fields, domain.FieldError{Field: "user2_id", Message: "is required"})
	}
	if in.User1ID != "" && in.User1ID == in.User2ID {
		fields = append(fields, domain.FieldError{Field: "user2_id", Message: "must differ from user1_id"})
	}
	if math.IsNaN(in.Score) || in.Score < 0 || in.Score > 1 {
		fields = append(fields, domain.FieldError{Field: "score", Message: "must be between 0 and 1"})
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Errors: fields}
	}
	return nil
}
