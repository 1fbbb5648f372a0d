package repository

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/latency"
	"roomie_match/internal/persistence"
)

const usersSnapshotKey = "users"

var phonePattern = regexp.MustCompile(`^\+?\d{7,15}$`)

type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

type RegisterInput struct {
	Email         string             `json:"email"`
	Name          string             `json:"name"`
	Username      string             `json:"username"`
	Phone         string             `json:"phone"`
	AcceptedTerms bool               `json:"accepted_terms"`
	Type          domain.UserType    `json:"type"`
	Preferences   domain.Preferences `json:"preferences"`
}

// PreferencesPatch updates only the non-nil fields.
type PreferencesPatch struct {
	MinPrice         *float64 `json:"min_price"`
	MaxPrice         *float64 `json:"max_price"`
	Location         *string  `json:"location"`
	City             *string  `json:"city"`
	Country          *string  `json:"country"`
	Smoking          *bool    `json:"smoking"`
	Pets             *bool    `json:"pets"`
	GenderPreference *string  `json:"gender_preference"`
	MinAge           *int     `json:"min_age"`
	MaxAge           *int     `json:"max_age"`
}

func (p PreferencesPatch) apply(prefs domain.Preferences) domain.Preferences {
	set(&prefs.MinPrice, p.MinPrice)
	set(&prefs.MaxPrice, p.MaxPrice)
	set(&prefs.Location, p.Location)
	set(&prefs.City, p.City)
	set(&prefs.Country, p.Country)
	set(&prefs.Smoking, p.Smoking)
	set(&prefs.Pets, p.Pets)
	set(&prefs.GenderPreference, p.GenderPreference)
	set(&prefs.MinAge, p.MinAge)
	set(&prefs.MaxAge, p.MaxAge)
	return prefs
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

type usersSnapshot struct {
	Users         []domain.User `json:"users"`
	CurrentUserID string        `json:"current_user_id,omitempty"`
}

// UserRepository holds registered users and the current session. Every
// mutation is written through to the snapshot store.
type UserRepository struct {
	log     *log.Entry
	bus     Publisher
	store   persistence.Store
	latency latency.Range
	now     func() time.Time

	mu      sync.RWMutex
	users   map[string]domain.User
	current string
}

func NewUserRepository(logger *log.Entry, bus Publisher, store persistence.Store, lat latency.Range) *UserRepository {
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	return &UserRepository{
		log:     logger.WithField("component", "users"),
		bus:     bus,
		store:   store,
		latency: lat,
		now:     time.Now,
		users:   make(map[string]domain.User),
	}
}

// Load restores users and the current session from the snapshot store.
func (r *UserRepository) Load(ctx context.Context) error {
	var snap usersSnapshot
	found, err := persistence.LoadJSON(ctx, r.store, usersSnapshotKey, &snap)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	if !found {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range snap.Users {
		r.users[u.ID] = u
	}
	if _, ok := r.users[snap.CurrentUserID]; ok {
		r.current = snap.CurrentUserID
	}
	r.log.WithField("count", len(snap.Users)).Info("users restored")
	return nil
}

func (r *UserRepository) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	if err := r.latency.Wait(ctx); err != nil {
		return domain.User{}, err
	}

	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	phone := strings.Join(strings.Fields(in.Phone), "")
	if err := validateRegistration(in, phone); err != nil {
		return domain.User{}, err
	}

	r.mu.Lock()
	for _, u := range r.users {
		if u.Username == in.Username {
			r.mu.Unlock()
			return domain.User{}, fmt.Errorf("username %q: %w", in.Username, domain.ErrAlreadyExists)
		}
		if in.Email != "" && strings.EqualFold(u.Email, in.Email) {
			r.mu.Unlock()
			return domain.User{}, fmt.Errorf("email %q: %w", in.Email, domain.ErrAlreadyExists)
		}
	}
	u := domain.User{
		ID:            uuid.NewString(),
		Email:         in.Email,
		Name:          in.Name,
		Username:      in.Username,
		Phone:         phone,
		AcceptedTerms: in.AcceptedTerms,
		Type:          in.Type,
		Preferences:   in.Preferences,
		Verified:      false,
		CreatedAt:     r.now(),
	}
	r.users[u.ID] = u
	r.current = u.ID
	r.mu.Unlock()

	r.persist(ctx)
	r.log.WithFields(log.Fields{"user_id": u.ID, "type": u.Type}).Info("user registered")

	err := r.bus.Publish(ctx, domain.Event{
		Type:        domain.EventUserRegistered,
		Origin:      domain.OriginUsers,
		Destination: domain.DestinationWildcard,
		Payload:     domain.UserPayload{User: u},
	})
	if err != nil {
		return u, fmt.Errorf("publish registration of %s: %w", u.ID, err)
	}
	return u, nil
}

func validateRegistration(in RegisterInput, phone string) error {
	var fields []domain.FieldError
	if in.Username == "" {
		fields = append(fields, domain.FieldError{Field: "username", Message: "is required"})
	}
	switch {
	case phone == "":
		fields = append(fields, domain.FieldError{Field: "phone", Message: "is required"})
	case !phonePattern.MatchString(phone):
		fields = append(fields, domain.FieldError{Field: "phone", Message: "must be 7 to 15 digits with an optional leading +"})
	}
	if !in.AcceptedTerms {
		fields = append(fields, domain.FieldError{Field: "accepted_terms", Message: "must be accepted"})
	}
	if in.Type != domain.UserTypeSeeker && in.Type != domain.UserTypeOfferer {
		fields = append(fields, domain.FieldError{Field: "type", Message: "must be busco_lugar or tengo_lugar"})
	}
	if p := in.Preferences; p.MaxPrice > 0 && p.MinPrice > p.MaxPrice {
		fields = append(fields, domain.FieldError{Field: "preferences.min_price", Message: "must not exceed max_price"})
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Errors: fields}
	}
	return nil
}

// Login opens a session for the user with the given email.
func (r *UserRepository) Login(ctx context.Context, email string) (domain.User, error) {
	if err := r.latency.Wait(ctx); err != nil {
		return domain.User{}, err
	}

	r.mu.Lock()
	var (
		u     domain.User
		found bool
	)
	for _, candidate := range r.users {
		if email != "" && strings.EqualFold(candidate.Email, strings.TrimSpace(email)) {
			u, found = candidate, true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return domain.User{}, fmt.Errorf("user with email %q: %w", email, domain.ErrNotFound)
	}
	r.current = u.ID
	r.mu.Unlock()

	r.persist(ctx)
	if err := r.publishSession(ctx, domain.EventUserConnected, u.ID); err != nil {
		return u, err
	}
	return u, nil
}

// Logout closes the current session, if any.
func (r *UserRepository) Logout(ctx context.Context) error {
	r.mu.Lock()
	userID := r.current
	r.current = ""
	r.mu.Unlock()

	if userID == "" {
		return nil
	}
	r.persist(ctx)
	return r.publishSession(ctx, domain.EventUserDisconnected, userID)
}

func (r *UserRepository) publishSession(ctx context.Context, t domain.EventType, userID string) error {
	err := r.bus.Publish(ctx, domain.Event{
		Type:        t,
		Origin:      domain.OriginUsers,
		Destination: domain.DestAnalytics,
		Payload:     domain.SessionPayload{UserID: userID},
	})
	if err != nil {
		return fmt.Errorf("publish %s for %s: %w", t, userID, err)
	}
	return nil
}

func (r *UserRepository) CurrentUser() (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[r.current]
	return u, ok
}

func (r *UserRepository) GetUser(ctx context.Context, userID string) (domain.User, error) {
	if err := r.latency.Wait(ctx); err != nil {
		return domain.User{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return u, nil
}

func (r *UserRepository) UpdatePreferences(ctx context.Context, userID string, patch PreferencesPatch) (domain.User, error) {
	if err := r.latency.Wait(ctx); err != nil {
		return domain.User{}, err
	}
	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return domain.User{}, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	prefs := patch.apply(u.Preferences)
	if prefs.MaxPrice > 0 && prefs.MinPrice > prefs.MaxPrice {
		r.mu.Unlock()
		return domain.User{}, domain.NewValidationError("preferences.min_price", "must not exceed max_price")
	}
	u.Preferences = prefs
	r.users[userID] = u
	r.mu.Unlock()

	r.persist(ctx)
	return u, nil
}

// SearchSeekers returns seekers matching c, oldest registration first.
func (r *UserRepository) SearchSeekers(ctx context.Context, c domain.SeekerCriteria) ([]domain.User, error) {
	if err := r.latency.Wait(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]domain.User, 0)
	for _, u := range r.users {
		if c.Matches(u) {
			out = append(out, u)
		}
	}
	r.mu.RUnlock()
	sortUsers(out)
	return out, nil
}

func (r *UserRepository) List(_ context.Context) []domain.User {
	r.mu.RLock()
	out := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sortUsers(out)
	return out
}

// persist writes the snapshot. Failures are logged; the in-memory state stays
// authoritative.
func (r *UserRepository) persist(ctx context.Context) {
	r.mu.RLock()
	snap := usersSnapshot{CurrentUserID: r.current, Users: make([]domain.User, 0, len(r.users))}
	for _, u := range r.users {
		snap.Users = append(snap.Users, u)
	}
	r.mu.RUnlock()
	sortUsers(snap.Users)

	if err := persistence.SaveJSON(ctx, r.store, usersSnapshotKey, snap); err != nil {
		r.log.WithError(err).Error("failed to persist users")
	}
}

func sortUsers(users []domain.User) {
	slices.SortFunc(users, func(a, b domain.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
