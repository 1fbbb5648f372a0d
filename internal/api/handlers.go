// Package api exposes the services over HTTP with echo.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/analytics"
	"roomie_match/internal/domain"
	"roomie_match/internal/matching"
	"roomie_match/internal/messaging"
	"roomie_match/internal/notification"
	"roomie_match/internal/repository"
	"roomie_match/internal/security"
	"roomie_match/internal/ws"
)

// Deps are the services served by the API. Hub and Registry may be nil.
type Deps struct {
	Log           *log.Entry
	NodeID        string
	Users         *repository.UserRepository
	Publications  *repository.PublicationRepository
	Matching      *matching.Engine
	Notifications *notification.Engine
	Messaging     *messaging.Service
	Security      *security.Analyzer
	Analytics     *analytics.Aggregator
	Registry      *prometheus.Registry
	Hub           *ws.Hub
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	e.HTTPErrorHandler = errorHandler(d.Log.WithField("component", "api"))
	h := &handlers{Deps: d}

	e.GET("/healthz", h.healthz)

	e.POST("/users", h.register)
	e.GET("/users/:id", h.getUser)
	e.PATCH("/users/:id/preferences", h.updatePreferences)
	e.GET("/users/:id/matches", h.userMatches)
	e.GET("/users/:id/notifications", h.userNotifications)
	e.POST("/users/:id/notifications/read", h.markAllNotificationsRead)
	e.GET("/users/:id/messages/unread", h.unreadMessages)
	e.GET("/users/:id/recommendations", h.recommendations)

	e.POST("/sessions", h.login)
	e.DELETE("/sessions", h.logout)
	e.GET("/sessions/current", h.currentSession)

	e.POST("/publications", h.createPublication)
	e.GET("/publications", h.searchPublications)
	e.GET("/publications/:id", h.getPublication)
	e.PATCH("/publications/:id", h.updatePublication)
	e.DELETE("/publications/:id", h.deletePublication)

	e.POST("/matches", h.createMatch)
	e.GET("/matches/:id", h.getMatch)
	e.POST("/matches/:id/accept", h.acceptMatch)
	e.POST("/matches/:id/reject", h.rejectMatch)
	e.POST("/matches/:id/messages", h.sendMessage)
	e.GET("/matches/:id/messages", h.listMessages)
	e.POST("/matches/:id/messages/read", h.markMatchMessagesRead)
	e.POST("/messages/:id/read", h.markMessageRead)

	e.POST("/notifications/:id/read", h.markNotificationRead)

	e.POST("/content/analyze", h.analyzeContent)
	e.GET("/analytics", h.analyticsSnapshot)

	if d.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}
	if d.Hub != nil {
		e.GET("/ws", echo.WrapHandler(http.HandlerFunc(d.Hub.ServeWS)))
	}
}

type handlers struct {
	Deps
}

type countResponse struct {
	Count int `json:"count"`
}

type loginRequest struct {
	Email string `json:"email"`
}

type createMatchRequest struct {
	User1ID       string  `json:"user1_id"`
	User2ID       string  `json:"user2_id"`
	PublicationID string  `json:"publication_id"`
	Score         float64 `json:"score"`
}

type sendMessageRequest struct {
	SenderID string             `json:"sender_id"`
	Content  string             `json:"content"`
	Type     domain.MessageType `json:"type"`
}

type analyzeRequest struct {
	Content string `json:"content"`
}

type recommendationsResponse struct {
	Recommendations []string `json:"recommendations"`
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (h *handlers) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "node_id": h.NodeID})
}

func (h *handlers) register(c echo.Context) error {
	var in repository.RegisterInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	u, err := h.Users.Register(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *handlers) getUser(c echo.Context) error {
	u, err := h.Users.GetUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *handlers) updatePreferences(c echo.Context) error {
	var patch repository.PreferencesPatch
	if err := c.Bind(&patch); err != nil {
		return err
	}
	u, err := h.Users.UpdatePreferences(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *handlers) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Email == "" {
		return domain.NewValidationError("email", "is required")
	}
	u, err := h.Users.Login(c.Request().Context(), req.Email)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *handlers) logout(c echo.Context) error {
	if err := h.Users.Logout(c.Request().Context()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) currentSession(c echo.Context) error {
	u, ok := h.Users.CurrentUser()
	if !ok {
		return domain.ErrUnauthorized
	}
	return c.JSON(http.StatusOK, u)
}

func (h *handlers) createPublication(c echo.Context) error {
	var in repository.PublicationInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	p, err := h.Publications.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *handlers) searchPublications(c echo.Context) error {
	var crit domain.PublicationCriteria
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &crit); err != nil {
		return err
	}
	pubs, err := h.Publications.Search(c.Request().Context(), crit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, orEmpty(pubs))
}

func (h *handlers) getPublication(c echo.Context) error {
	p, err := h.Publications.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *handlers) updatePublication(c echo.Context) error {
	var patch repository.PublicationPatch
	if err := c.Bind(&patch); err != nil {
		return err
	}
	p, err := h.Publications.Update(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *handlers) deletePublication(c echo.Context) error {
	if err := h.Publications.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) createMatch(c echo.Context) error {
	var req createMatchRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	m, err := h.Matching.CreateMatch(c.Request().Context(), matching.MatchInput{
		User1ID:       req.User1ID,
		User2ID:       req.User2ID,
		PublicationID: req.PublicationID,
		Score:         req.Score,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *handlers) getMatch(c echo.Context) error {
	m, err := h.Matching.GetMatch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *handlers) acceptMatch(c echo.Context) error {
	m, err := h.Matching.AcceptMatch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *handlers) rejectMatch(c echo.Context) error {
	m, err := h.Matching.RejectMatch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (h *handlers) userMatches(c echo.Context) error {
	return c.JSON(http.StatusOK, orEmpty(h.Matching.GetUserMatches(c.Request().Context(), c.Param("id"))))
}

func (h *handlers) sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	msg, err := h.Messaging.SendMessage(c.Request().Context(), messaging.SendInput{
		MatchID:  c.Param("id"),
		SenderID: req.SenderID,
		Content:  req.Content,
		Type:     req.Type,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *handlers) listMessages(c echo.Context) error {
	msgs, err := h.Messaging.GetMatchMessages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, orEmpty(msgs))
}

func (h *handlers) markMessageRead(c echo.Context) error {
	if err := h.Messaging.MarkMessageAsRead(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) markMatchMessagesRead(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	n, err := h.Messaging.MarkAllMessagesAsRead(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

func (h *handlers) unreadMessages(c echo.Context) error {
	n, err := h.Messaging.UnreadCount(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

func (h *handlers) userNotifications(c echo.Context) error {
	ns := h.Notifications.GetUserNotifications(c.Request().Context(), c.Param("id"))
	return c.JSON(http.StatusOK, orEmpty(ns))
}

func (h *handlers) markNotificationRead(c echo.Context) error {
	if err := h.Notifications.MarkAsRead(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) markAllNotificationsRead(c echo.Context) error {
	n, err := h.Notifications.MarkAllAsRead(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, countResponse{Count: n})
}

func (h *handlers) recommendations(c echo.Context) error {
	tips, err := h.Analytics.Recommendations(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recommendationsResponse{Recommendations: orEmpty(tips)})
}

func (h *handlers) analyticsSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Analytics.Snapshot())
}

func (h *handlers) analyzeContent(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	a, err := h.Security.AnalyzeContent(c.Request().Context(), req.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}
