package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/telecare/session-api/internal/model"
	"github.com/telecare/session-api/internal/realtime"
	"github.com/telecare/session-api/internal/repository"
	"github.com/telecare/session-api/pkg/email"
	"github.com/telecare/session-api/pkg/metrics"
	"github.com/telecare/session-api/pkg/push"
)

const defaultDedupWindow = time.Minute

// Service is the single write path for notifications. Every higher-level
// event (reminder, expiry warning, call started/ended, ringing) goes through
// Notify so the dedup and delivery policy stays in one place.
type Service struct {
	repo     repository.NotificationRepository
	contacts repository.ContactRepository
	registry realtime.Registry
	push     push.Provider
	email    email.Service
	dedup    *cache.Cache
	metrics  *metrics.Metrics
	window   time.Duration
	now      func() time.Time
}

func NewService(
	repo repository.NotificationRepository,
	contacts repository.ContactRepository,
	registry realtime.Registry,
	pushProvider push.Provider,
	emailSvc email.Service,
	m *metrics.Metrics,
	dedupWindow time.Duration,
) *Service {
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	return &Service{
		repo:     repo,
		contacts: contacts,
		registry: registry,
		push:     pushProvider,
		email:    emailSvc,
		dedup:    cache.New(dedupWindow, 2*dedupWindow),
		metrics:  m,
		window:   dedupWindow,
		now:      time.Now,
	}
}

// Notify persists and delivers one notification. Returns nil, nil when a
// structurally identical notification inside the trailing window suppressed
// this one. Delivery is best effort: a connected recipient gets a realtime
// event, everyone else a push; neither failure rolls back the record.
func (s *Service) Notify(ctx context.Context, recipientID uuid.UUID, recipientType model.RecipientType,
	title, message string, category model.NotificationCategory, metadata model.JSONMap) (*model.Notification, error) {

	if recipientID == uuid.Nil {
		return nil, ErrInvalidRecipient
	}

	n := &model.Notification{
		RecipientID:   recipientID,
		RecipientType: recipientType,
		Category:      category,
		Title:         title,
		Message:       message,
		Metadata:      metadata,
	}

	key := dedupKey(n)
	if _, suppressed := s.dedup.Get(key); suppressed {
		s.countDedup()
		return nil, nil
	}
	existing, err := s.repo.FindRecentDuplicate(ctx, n, s.now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate notification: %w", err)
	}
	if existing != nil {
		s.dedup.SetDefault(key, struct{}{})
		s.countDedup()
		return nil, nil
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}
	s.dedup.SetDefault(key, struct{}{})
	if s.metrics != nil {
		s.metrics.NotificationsCreated.WithLabelValues(string(category)).Inc()
	}

	s.deliver(ctx, n)
	return n, nil
}

func (s *Service) deliver(ctx context.Context, n *model.Notification) {
	if s.registry.SendToUser(n.RecipientID, realtime.Event{
		Type:    realtime.EventNotification,
		Payload: n,
	}) {
		s.countDelivery("realtime", "ok")
		return
	}

	contact, err := s.contacts.Get(ctx, n.RecipientID)
	if err != nil {
		log.Debug().Err(err).Str("recipient_id", n.RecipientID.String()).Msg("no contact for push fallback")
		s.countDelivery("push", "skipped")
		return
	}

	data := map[string]string{"category": string(n.Category)}
	if apptID := n.AppointmentID(); apptID != "" {
		data[model.MetadataAppointmentKey] = apptID
	}

	if err := s.push.Send(ctx, contact.PushToken, n.Title, n.Message, data); err != nil {
		log.Warn().Err(err).Str("recipient_id", n.RecipientID.String()).Msg("push delivery failed")
		s.countDelivery("push", "failed")
		if s.metrics != nil {
			s.metrics.PushFailures.Inc()
		}
		return
	}
	s.countDelivery("push", "ok")
}

// Category template helpers. These satisfy the session service's Notifier
// and keep all wording here.

func (s *Service) CallRinging(ctx context.Context, appt *model.Appointment, recipientID uuid.UUID) error {
	_, err := s.Notify(ctx, recipientID, s.recipientType(appt, recipientID),
		"Incoming consultation call",
		"Your consultation call is starting. Tap to join.",
		model.CategoryCall, apptMetadata(appt))
	return err
}

func (s *Service) CallStarted(ctx context.Context, appt *model.Appointment) error {
	return s.notifyBoth(ctx, appt,
		"Consultation call started",
		"Both participants have joined the consultation call.")
}

func (s *Service) CallEnded(ctx context.Context, appt *model.Appointment, endedBy model.ParticipantRole, reason model.EndReason) error {
	message := "The consultation call has ended."
	if reason == model.EndReasonTimeout {
		message = "The consultation call was ended automatically because the scheduled time elapsed."
	}
	return s.notifyBoth(ctx, appt, "Consultation call ended", message)
}

func (s *Service) Reminder(ctx context.Context, appt *model.Appointment) error {
	minutes := int(appt.ScheduledAt.Sub(s.now()).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	title := "Upcoming consultation"
	message := fmt.Sprintf("Your consultation starts in about %d minutes.", minutes)

	err := s.notifyBoth(ctx, appt, title, message)

	// Reminders additionally go out by mail; same best-effort contract.
	for _, recipientID := range []uuid.UUID{appt.ClinicianID, appt.PatientID} {
		contact, cerr := s.contacts.Get(ctx, recipientID)
		if cerr != nil || contact.Email == "" {
			continue
		}
		if merr := s.email.Send(contact.Email, title, message); merr != nil {
			log.Warn().Err(merr).Str("recipient_id", recipientID.String()).Msg("reminder email failed")
			s.countDelivery("email", "failed")
			continue
		}
		s.countDelivery("email", "ok")
	}

	return err
}

func (s *Service) ExpiryWarning(ctx context.Context, appt *model.Appointment, remaining time.Duration) error {
	minutes := int(remaining.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return s.notifyBoth(ctx, appt,
		"Consultation ending soon",
		fmt.Sprintf("Your consultation call will end in about %d minutes.", minutes))
}

func (s *Service) notifyBoth(ctx context.Context, appt *model.Appointment, title, message string) error {
	var firstErr error
	for _, recipientID := range []uuid.UUID{appt.ClinicianID, appt.PatientID} {
		_, err := s.Notify(ctx, recipientID, s.recipientType(appt, recipientID),
			title, message, model.CategoryCall, apptMetadata(appt))
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Create handles direct API submissions, e.g. system announcements pushed by
// an operator. It goes through the same Notify path as internal events.
func (s *Service) Create(ctx context.Context, req *model.CreateNotificationRequest) (*model.Notification, error) {
	return s.Notify(ctx, req.RecipientID, req.RecipientType, req.Title, req.Message, req.Category, req.Metadata)
}

// Read-side operations for the notification API.

func (s *Service) List(ctx context.Context, filters *model.NotificationFilters) ([]*model.Notification, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	return s.repo.UnreadCount(ctx, recipientID)
}

func (s *Service) MarkRead(ctx context.Context, id, recipientID uuid.UUID) error {
	return asNotFound(s.repo.MarkRead(ctx, id, recipientID))
}

func (s *Service) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	return s.repo.MarkAllRead(ctx, recipientID)
}

func (s *Service) Delete(ctx context.Context, id, recipientID uuid.UUID) error {
	return asNotFound(s.repo.Delete(ctx, id, recipientID))
}

func asNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Service) recipientType(appt *model.Appointment, recipientID uuid.UUID) model.RecipientType {
	if recipientID == appt.PatientID {
		return model.RecipientPatient
	}
	return model.RecipientClinician
}

func apptMetadata(appt *model.Appointment) model.JSONMap {
	return model.JSONMap{model.MetadataAppointmentKey: appt.ID.String()}
}

func dedupKey(n *model.Notification) string {
	return strings.Join([]string{
		n.RecipientID.String(),
		n.Title,
		n.Message,
		n.AppointmentID(),
	}, "|")
}

func (s *Service) countDedup() {
	if s.metrics != nil {
		s.metrics.NotificationsDeduped.Inc()
	}
}

func (s *Service) countDelivery(channel, status string) {
	if s.metrics != nil {
		s.metrics.DeliveryAttempts.WithLabelValues(channel, status).Inc()
	}
}
