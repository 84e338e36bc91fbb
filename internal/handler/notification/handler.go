package notification

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/telecare/session-api/internal/middleware"
	"github.com/telecare/session-api/internal/model"
	notificationsvc "github.com/telecare/session-api/internal/service/notification"
	apperrors "github.com/telecare/session-api/pkg/errors"
	"github.com/telecare/session-api/pkg/httputil"
)

const defaultPageSize = 20

type Handler struct {
	service *notificationsvc.Service
}

func NewHandler(service *notificationsvc.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.GET("", h.List)
		notifications.GET("/unread-count", h.UnreadCount)
		notifications.POST("", h.Create)
		notifications.PATCH("/:id/read", h.MarkRead)
		notifications.POST("/read-all", h.MarkAllRead)
		notifications.DELETE("/:id", h.Delete)
	}
}

func (h *Handler) List(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	filters := &model.NotificationFilters{
		RecipientID: userID,
		UnreadOnly:  c.Query("unread") == "true",
		Limit:       intQuery(c, "limit", defaultPageSize),
		Offset:      intQuery(c, "offset", 0),
	}

	notifications, err := h.service.List(c.Request.Context(), filters)
	if err != nil {
		httputil.RespondWithError(c, apperrors.Internal(err))
		return
	}
	httputil.RespondWithSuccess(c, notifications)
}

func (h *Handler) UnreadCount(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	count, err := h.service.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		httputil.RespondWithError(c, apperrors.Internal(err))
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"unread": count})
}

func (h *Handler) Create(c *gin.Context) {
	// Direct creation is operator tooling; participants only receive
	// notifications through the dispatcher.
	switch c.GetString(middleware.ContextRole) {
	case "admin", "system":
	default:
		httputil.RespondWithError(c, apperrors.Forbidden("notification creation is restricted", nil))
		return
	}

	var req model.CreateNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid notification", err))
		return
	}

	n, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, notificationsvc.ErrInvalidRecipient) {
			httputil.RespondWithError(c, apperrors.BadRequest("invalid recipient", err))
			return
		}
		httputil.RespondWithError(c, apperrors.Internal(err))
		return
	}
	if n == nil {
		// Suppressed as a duplicate inside the dedup window.
		httputil.RespondWithSuccess(c, gin.H{"deduplicated": true})
		return
	}
	httputil.RespondCreated(c, n)
}

func (h *Handler) MarkRead(c *gin.Context) {
	h.mutate(c, h.service.MarkRead)
}

func (h *Handler) Delete(c *gin.Context) {
	h.mutate(c, h.service.Delete)
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	updated, err := h.service.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		httputil.RespondWithError(c, apperrors.Internal(err))
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"updated": updated})
}

func (h *Handler) mutate(c *gin.Context, fn func(ctx context.Context, id, recipientID uuid.UUID) error) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid notification ID", err))
		return
	}

	if err := fn(c.Request.Context(), id, userID); err != nil {
		if errors.Is(err, notificationsvc.ErrNotFound) {
			httputil.RespondWithError(c, apperrors.NotFound("notification", err))
			return
		}
		httputil.RespondWithError(c, apperrors.Internal(err))
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"ok": true})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
