package domain

import "time"

type EventType string

const (
	EventUserRegistered     EventType = "UsuarioRegistrado"
	EventPublicationCreated EventType = "PublicacionCreada"
	EventPublicationUpdated EventType = "PublicacionActualizada"
	EventMatchFound         EventType = "MatchEncontrado"
	EventMatchAccepted      EventType = "MatchAceptado"
	EventMatchRejected      EventType = "MatchRechazado"
	EventMessageSent        EventType = "MensajeEnviado"
	EventSecurityAlert      EventType = "AlertaDeSeguridad"
	EventUserConnected      EventType = "UsuarioConectado"
	EventUserDisconnected   EventType = "UsuarioDesconectado"
)

// EventTypes lists the closed set of event types in declaration order.
var EventTypes = []EventType{
	EventUserRegistered,
	EventPublicationCreated,
	EventPublicationUpdated,
	EventMatchFound,
	EventMatchAccepted,
	EventMatchRejected,
	EventMessageSent,
	EventSecurityAlert,
	EventUserConnected,
	EventUserDisconnected,
}

// Component names used as Event origin/destination.
const (
	OriginUsers         = "UserService"
	OriginPublications  = "PublicationService"
	OriginMatching      = "MatchingService"
	OriginMessaging     = "MessageService"
	OriginSecurity      = "SecurityService"
	DestNotifications   = "NotificationService"
	DestMatching        = "MatchingService"
	DestAnalytics       = "AnalyticsService"
	DestinationWildcard = "*"
)

// Event is a bus message. Destination is informational only: the bus delivers
// to every subscriber of Type regardless of it.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload"`
}

type PublicationPayload struct {
	Publication Publication `json:"publication"`
}

type UserPayload struct {
	User User `json:"user"`
}

type MatchPayload struct {
	Match Match `json:"match"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}

type SecurityAlertPayload struct {
	Alert SecurityAlert `json:"alert"`
}

type SessionPayload struct {
	UserID string `json:"user_id"`
}
