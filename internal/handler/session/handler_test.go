package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/session-api/internal/middleware"
	"github.com/telecare/session-api/internal/model"
	sessionsvc "github.com/telecare/session-api/internal/service/session"
)

// readonlyCallRepo serves a single appointment; every write fails loudly so
// these tests stay on the read and rejection paths.
type readonlyCallRepo struct {
	appt *model.Appointment
}

func (r *readonlyCallRepo) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	if r.appt == nil || r.appt.ID != id {
		return nil, errors.New("no rows")
	}
	copied := *r.appt
	return &copied, nil
}

func (r *readonlyCallRepo) MarkRinging(ctx context.Context, id uuid.UUID, initiatedBy model.ParticipantRole, channelName string,
	active model.ActiveParticipants, participants model.UUIDSet, attempts model.CallAttempts) (bool, error) {
	return false, errors.New("read-only")
}

func (r *readonlyCallRepo) MarkInProgress(ctx context.Context, id uuid.UUID, startedAt time.Time,
	active model.ActiveParticipants, participants model.UUIDSet, attempts model.CallAttempts) (bool, error) {
	return false, errors.New("read-only")
}

func (r *readonlyCallRepo) MarkEnded(ctx context.Context, id uuid.UUID, from model.CallStatus, end model.CallEnd,
	active model.ActiveParticipants, attempts model.CallAttempts) (bool, error) {
	return false, errors.New("read-only")
}

func (r *readonlyCallRepo) SaveParticipants(ctx context.Context, id uuid.UUID, asOf time.Time,
	active model.ActiveParticipants, participants model.UUIDSet) (bool, error) {
	return false, errors.New("read-only")
}

func (r *readonlyCallRepo) SetNotificationFlag(ctx context.Context, id uuid.UUID, flag model.NotificationFlag) (bool, error) {
	return false, errors.New("read-only")
}

func (r *readonlyCallRepo) ListDueForReminder(ctx context.Context, now time.Time, lead time.Duration) ([]*model.Appointment, error) {
	return nil, nil
}

func (r *readonlyCallRepo) ListLiveCalls(ctx context.Context) ([]*model.Appointment, error) {
	return nil, nil
}

func setupRouter(t *testing.T, appt *model.Appointment, userID uuid.UUID) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := sessionsvc.NewService(&readonlyCallRepo{appt: appt}, nil, nil, nil, nil, nil, nil,
		sessionsvc.Config{JoinLead: 5 * time.Minute, Grace: 10 * time.Minute})
	h := NewHandler(svc)

	engine := gin.New()
	group := engine.Group("/api/v1")
	if userID != uuid.Nil {
		group.Use(func(c *gin.Context) {
			c.Set(middleware.ContextUserID, userID)
			c.Next()
		})
	}
	h.RegisterRoutes(group)
	return engine
}

func testAppointment(scheduledAt time.Time) *model.Appointment {
	return &model.Appointment{
		Base:            model.Base{ID: uuid.New()},
		ClinicianID:     uuid.New(),
		PatientID:       uuid.New(),
		ScheduledAt:     scheduledAt,
		DurationMinutes: 30,
		Status:          model.AppointmentStatusConfirmed,
		CallStatus:      model.CallStatusIdle,
	}
}

func TestJoinTooEarlyReturnsConflictWithWait(t *testing.T) {
	appt := testAppointment(time.Now().Add(time.Hour))
	engine := setupRouter(t, appt, appt.PatientID)

	body := fmt.Sprintf(`{"appointment_id":%q}`, appt.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/join", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)

	var resp struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Greater(t, resp.Data["wait_seconds"].(float64), float64(0))
}

func TestJoinExpiredReturnsConflict(t *testing.T) {
	appt := testAppointment(time.Now().Add(-2 * time.Hour))
	engine := setupRouter(t, appt, appt.PatientID)

	body := fmt.Sprintf(`{"appointment_id":%q}`, appt.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/join", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)

	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp.Data["expired"])
}

func TestJoinWithoutIdentityIsUnauthorized(t *testing.T) {
	appt := testAppointment(time.Now())
	engine := setupRouter(t, appt, uuid.Nil)

	body := fmt.Sprintf(`{"appointment_id":%q}`, appt.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/join", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJoinRejectsMalformedBody(t *testing.T) {
	appt := testAppointment(time.Now())
	engine := setupRouter(t, appt, appt.PatientID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/join", strings.NewReader(`{"appointment_id":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJoinAsStrangerIsForbidden(t *testing.T) {
	appt := testAppointment(time.Now())
	engine := setupRouter(t, appt, uuid.New())

	body := fmt.Sprintf(`{"appointment_id":%q}`, appt.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/join", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	appt := testAppointment(time.Now())
	engine := setupRouter(t, appt, appt.PatientID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+appt.ID.String()+"/status", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool                 `json:"success"`
		Data    *model.SessionStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.Joinable)
	assert.Equal(t, model.CallStatusIdle, resp.Data.CallStatus)
}

func TestStatusUnknownAppointmentIsNotFound(t *testing.T) {
	appt := testAppointment(time.Now())
	engine := setupRouter(t, appt, appt.PatientID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+uuid.NewString()+"/status", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
