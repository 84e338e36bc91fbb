package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/telecare/session-api/internal/middleware"
	"github.com/telecare/session-api/internal/model"
	sessionsvc "github.com/telecare/session-api/internal/service/session"
	apperrors "github.com/telecare/session-api/pkg/errors"
	"github.com/telecare/session-api/pkg/httputil"
)

type Handler struct {
	service *sessionsvc.Service
}

func NewHandler(service *sessionsvc.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("/join", h.Join)
		sessions.POST("/confirm", h.ConfirmJoin)
		sessions.POST("/heartbeat", h.Heartbeat)
		sessions.POST("/disconnect", h.Disconnect)
		sessions.POST("/end", h.EndCall)
		sessions.GET("/:id/status", h.Status)
		sessions.POST("/issues", h.ReportIssue)
	}
}

func (h *Handler) Join(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	var req model.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid join request", err))
		return
	}

	descriptor, credential, err := h.service.RequestJoin(c.Request.Context(), req.AppointmentID, userID)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, gin.H{
		"session":    descriptor,
		"credential": credential,
	})
}

func (h *Handler) ConfirmJoin(c *gin.Context) {
	h.touch(c, h.service.ConfirmJoin)
}

func (h *Handler) Heartbeat(c *gin.Context) {
	h.touch(c, h.service.Heartbeat)
}

func (h *Handler) Disconnect(c *gin.Context) {
	h.touch(c, h.service.Disconnect)
}

func (h *Handler) EndCall(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	var req model.EndCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid end call request", err))
		return
	}

	appt, err := h.service.EndCall(c.Request.Context(), req.AppointmentID, userID, req.DurationSeconds, req.Quality)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, gin.H{
		"call_status":           appt.CallStatus,
		"call_ended_at":         appt.CallEndedAt,
		"call_duration_seconds": appt.CallDurationSeconds,
	})
}

func (h *Handler) Status(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	appointmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid appointment ID", err))
		return
	}

	status, err := h.service.Status(c.Request.Context(), appointmentID, userID)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, status)
}

func (h *Handler) ReportIssue(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	var req model.ReportIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid issue report", err))
		return
	}

	report := h.service.ReportIssue(c.Request.Context(), req.AppointmentID, userID, req.IssueType, req.Description)
	httputil.RespondCreated(c, report)
}

// touch serves the three liveness endpoints which share a request shape.
func (h *Handler) touch(c *gin.Context, fn func(ctx context.Context, appointmentID, userID uuid.UUID) error) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	var req model.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request", err))
		return
	}

	if err := fn(c.Request.Context(), req.AppointmentID, userID); err != nil {
		h.respondSessionError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"ok": true})
}

// respondSessionError translates session service sentinels into the shared
// error taxonomy. Join-window rejections carry timing hints for the client.
func (h *Handler) respondSessionError(c *gin.Context, err error) {
	var windowErr *sessionsvc.JoinWindowError
	if errors.As(err, &windowErr) {
		body := gin.H{"error": "outside join window"}
		if windowErr.Expired {
			body["expired"] = true
		} else {
			body["wait_seconds"] = windowErr.WaitSeconds
		}
		c.JSON(http.StatusConflict, httputil.Response{
			Success: false,
			Data:    body,
			Error: &httputil.Error{
				Code:    http.StatusConflict,
				Message: "outside join window",
			},
		})
		return
	}

	switch {
	case errors.Is(err, sessionsvc.ErrAppointmentNotFound):
		httputil.RespondWithError(c, apperrors.NotFound("appointment", err))
	case errors.Is(err, sessionsvc.ErrNotParticipant):
		httputil.RespondWithError(c, apperrors.Forbidden("not a participant of this appointment", err))
	case errors.Is(err, sessionsvc.ErrCancelled):
		httputil.RespondWithError(c, apperrors.Precondition("appointment is cancelled", err))
	case errors.Is(err, sessionsvc.ErrCallEnded):
		httputil.RespondWithError(c, apperrors.Precondition("call has already ended", err))
	case errors.Is(err, sessionsvc.ErrNoActiveCall):
		httputil.RespondWithError(c, apperrors.Precondition("no active call", err))
	default:
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			httputil.RespondWithError(c, appErr)
			return
		}
		httputil.RespondWithError(c, apperrors.Internal(err))
	}
}
