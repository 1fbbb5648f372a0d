package domain

import (
	"slices"
	"time"
)

type UserType string

const (
	UserTypeSeeker  UserType = "busco_lugar"
	UserTypeOfferer UserType = "tengo_lugar"
)

type Preferences struct {
	MinPrice         float64 `json:"min_price"`
	MaxPrice         float64 `json:"max_price"`
	Location         string  `json:"location"`
	City             string  `json:"city"`
	Country          string  `json:"country"`
	Smoking          bool    `json:"smoking"`
	Pets             bool    `json:"pets"`
	GenderPreference string  `json:"gender_preference"`
	MinAge           int     `json:"min_age"`
	MaxAge           int     `json:"max_age"`
}

type User struct {
	ID            string      `json:"id"`
	Email         string      `json:"email"`
	Name          string      `json:"name"`
	Username      string      `json:"username"`
	Phone         string      `json:"phone"`
	AcceptedTerms bool        `json:"accepted_terms"`
	Type          UserType    `json:"type"`
	Preferences   Preferences `json:"preferences"`
	Verified      bool        `json:"verified"`
	CreatedAt     time.Time   `json:"created_at"`
}

// DisplayName returns the name shown to other users.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

type RoomType string

const (
	RoomSingle RoomType = "single"
	RoomShared RoomType = "shared"
	RoomStudio RoomType = "studio"
)

type PublicationStatus string

const (
	PublicationActive   PublicationStatus = "active"
	PublicationInactive PublicationStatus = "inactive"
)

// Policy tags carried in Publication.Rules.
const (
	RuleNoSmoking   = "no_smoking"
	RulePetsAllowed = "pets_allowed"
)

type Publication struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Price         float64           `json:"price"`
	Currency      string            `json:"currency"`
	Location      string            `json:"location"`
	City          string            `json:"city"`
	Country       string            `json:"country"`
	Amenities     []string          `json:"amenities,omitempty"`
	Rules         []string          `json:"rules,omitempty"`
	AvailableFrom time.Time         `json:"available_from"`
	RoomType      RoomType          `json:"room_type"`
	Status        PublicationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (p Publication) HasRule(rule string) bool {
	return slices.Contains(p.Rules, rule)
}

type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchAccepted MatchStatus = "accepted"
	MatchRejected MatchStatus = "rejected"
)

type Match struct {
	ID            string      `json:"id"`
	User1ID       string      `json:"user1_id"`
	User2ID       string      `json:"user2_id"`
	PublicationID string      `json:"publication_id,omitempty"`
	Score         float64     `json:"score"`
	Status        MatchStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Involves reports whether userID is one of the two participants.
func (m Match) Involves(userID string) bool {
	return m.User1ID == userID || m.User2ID == userID
}

// Counterpart returns the participant that is not userID.
func (m Match) Counterpart(userID string) string {
	if m.User1ID == userID {
		return m.User2ID
	}
	return m.User1ID
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

type Message struct {
	ID        string      `json:"id"`
	MatchID   string      `json:"match_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Read      bool        `json:"read"`
	CreatedAt time.Time   `json:"created_at"`
}

type NotificationType string

const (
	NotificationMatch    NotificationType = "match"
	NotificationMessage  NotificationType = "message"
	NotificationSystem   NotificationType = "system"
	NotificationSecurity NotificationType = "security"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Read      bool             `json:"read"`
	ActionURL string           `json:"action_url,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type SecurityAlert struct {
	UserID    string  `json:"user_id"`
	Message   string  `json:"message"`
	RiskLevel float64 `json:"risk_level"`
	Content   string  `json:"content"`
}
