package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/latency"
)

type PublicationInput struct {
	UserID        string          `json:"user_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Price         float64         `json:"price"`
	Currency      string          `json:"currency"`
	Location      string          `json:"location"`
	City          string          `json:"city"`
	Country       string          `json:"country"`
	Amenities     []string        `json:"amenities"`
	Rules         []string        `json:"rules"`
	AvailableFrom time.Time       `json:"available_from"`
	RoomType      domain.RoomType `json:"room_type"`
}

// PublicationPatch updates only the non-nil fields.
type PublicationPatch struct {
	Title         *string                   `json:"title"`
	Description   *string                   `json:"description"`
	Price         *float64                  `json:"price"`
	Currency      *string                   `json:"currency"`
	Location      *string                   `json:"location"`
	City          *string                   `json:"city"`
	Country       *string                   `json:"country"`
	Amenities     *[]string                 `json:"amenities"`
	Rules         *[]string                 `json:"rules"`
	AvailableFrom *time.Time                `json:"available_from"`
	RoomType      *domain.RoomType          `json:"room_type"`
	Status        *domain.PublicationStatus `json:"status"`
}

func (p PublicationPatch) apply(pub domain.Publication) domain.Publication {
	set(&pub.Title, p.Title)
	set(&pub.Description, p.Description)
	set(&pub.Price, p.Price)
	set(&pub.Currency, p.Currency)
	set(&pub.Location, p.Location)
	set(&pub.City, p.City)
	set(&pub.Country, p.Country)
	set(&pub.Amenities, p.Amenities)
	set(&pub.Rules, p.Rules)
	set(&pub.AvailableFrom, p.AvailableFrom)
	set(&pub.RoomType, p.RoomType)
	set(&pub.Status, p.Status)
	return pub
}

type PublicationRepository struct {
	log     *log.Entry
	bus     Publisher
	latency latency.Range
	now     func() time.Time

	mu   sync.RWMutex
	pubs map[string]domain.Publication
}

func NewPublicationRepository(logger *log.Entry, bus Publisher, lat latency.Range) *PublicationRepository {
	return &PublicationRepository{
		log:     logger.WithField("component", "publications"),
		bus:     bus,
		latency: lat,
		now:     time.Now,
		pubs:    make(map[string]domain.Publication),
	}
}

// Create stores an active listing and publishes PublicacionCreada.
func (r *PublicationRepository) Create(ctx context.Context, in PublicationInput) (domain.Publication, error) {
	p := domain.Publication{
		UserID:        in.UserID,
		Title:         strings.TrimSpace(in.Title),
		Description:   in.Description,
		Price:         in.Price,
		Currency:      in.Currency,
		Location:      in.Location,
		City:          in.City,
		Country:       in.Country,
		Amenities:     in.Amenities,
		Rules:         in.Rules,
		AvailableFrom: in.AvailableFrom,
		RoomType:      in.RoomType,
		Status:        domain.PublicationActive,
	}
	if p.RoomType == "" {
		p.RoomType = domain.RoomSingle
	}
	if err := validatePublication(p); err != nil {
		return domain.Publication{}, err
	}
	if err := r.latency.Wait(ctx); err != nil {
		return domain.Publication{}, err
	}

	p.ID = uuid.NewString()
	p.CreatedAt = r.now()
	if p.AvailableFrom.IsZero() {
		p.AvailableFrom = p.CreatedAt
	}

	r.mu.Lock()
	r.pubs[p.ID] = p
	r.mu.Unlock()

	r.log.WithFields(log.Fields{"publication_id": p.ID, "user_id": p.UserID}).Info("publication created")
	return p, r.announce(ctx, domain.EventPublicationCreated, p)
}

// Update applies patch and publishes PublicacionActualizada.
func (r *PublicationRepository) Update(ctx context.Context, publicationID string, patch PublicationPatch) (domain.Publication, error) {
	if err := r.latency.Wait(ctx); err != nil {
		return domain.Publication{}, err
	}

	r.mu.Lock()
	p, ok := r.pubs[publicationID]
	if !ok {
		r.mu.Unlock()
		return domain.Publication{}, fmt.Errorf("publication %s: %w", publicationID, domain.ErrNotFound)
	}
	p = patch.apply(p)
	if err := validatePublication(p); err != nil {
		r.mu.Unlock()
		return domain.Publication{}, err
	}
	r.pubs[publicationID] = p
	r.mu.Unlock()

	return p, r.announce(ctx, domain.EventPublicationUpdated, p)
}

func (r *PublicationRepository) announce(ctx context.Context, t domain.EventType, p domain.Publication) error {
	err := r.bus.Publish(ctx, domain.Event{
		Type:        t,
		Origin:      domain.OriginPublications,
		Destination: domain.DestMatching,
		Payload:     domain.PublicationPayload{Publication: p},
	})
	if err != nil {
		return fmt.Errorf("publish %s for %s: %w", t, p.ID, err)
	}
	return nil
}

func (r *PublicationRepository) Delete(ctx context.Context, publicationID string) error {
	if err := r.latency.Wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pubs[publicationID]; !ok {
		return fmt.Errorf("publication %s: %w", publicationID, domain.ErrNotFound)
	}
	delete(r.pubs, publicationID)
	return nil
}

func (r *PublicationRepository) Get(ctx context.Context, publicationID string) (domain.Publication, error) {
	if err := r.latency.Wait(ctx); err != nil {
		return domain.Publication{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pubs[publicationID]
	if !ok {
		return domain.Publication{}, fmt.Errorf("publication %s: %w", publicationID, domain.ErrNotFound)
	}
	return p, nil
}

func (r *PublicationRepository) ListByUser(ctx context.Context, userID string) ([]domain.Publication, error) {
	return r.filter(ctx, func(p domain.Publication) bool { return p.UserID == userID })
}

func (r *PublicationRepository) Active(ctx context.Context) ([]domain.Publication, error) {
	return r.filter(ctx, func(p domain.Publication) bool { return p.Status == domain.PublicationActive })
}

func (r *PublicationRepository) Search(ctx context.Context, c domain.PublicationCriteria) ([]domain.Publication, error) {
	return r.filter(ctx, c.Matches)
}

// ActiveCount is used by analytics and skips the simulated latency.
func (r *PublicationRepository) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, p := range r.pubs {
		if p.Status == domain.PublicationActive {
			n++
		}
	}
	return n
}

func (r *PublicationRepository) filter(ctx context.Context, keep func(domain.Publication) bool) ([]domain.Publication, error) {
	if err := r.latency.Wait(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]domain.Publication, 0)
	for _, p := range r.pubs {
		if keep(p) {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Publication) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func validatePublication(p domain.Publication) error {
	var fields []domain.FieldError
	if p.UserID == "" {
		fields = append(fields, domain.FieldError{Field: "user_id", Message: "is required"})
	}
	if p.Title == "" {
		fields = append(fields, domain.FieldError{Field: "title", Message: "is required"})
	}
	if p.Price < 0 {
		fields = append(fields, domain.FieldError{Field: "price", Message: "must not be negative"})
	}
	switch p.RoomType {
	case domain.RoomSingle, domain.RoomShared, domain.RoomStudio:
	default:
		fields = append(fields, domain.FieldError{Field: "room_type", Message: "must be single, shared or studio"})
	}
	switch p.Status {
	case domain.PublicationActive, domain.PublicationInactive:
	default:
		fields = append(fields, domain.FieldError{Field: "status", Message: "must be active or inactive"})
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Errors: fields}
	}
	return nil
}
