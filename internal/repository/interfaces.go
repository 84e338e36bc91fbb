package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/session-api/internal/model"
)

// All repository interfaces in one file
type (
	// AppointmentRepository covers the booking-side view of appointments.
	AppointmentRepository interface {
		Create(ctx context.Context, appointment *model.Appointment) error
		Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
		SetStatus(ctx context.Context, id uuid.UUID, status model.AppointmentStatus) error
	}

	// CallStateRepository owns the embedded call-state columns. Every
	// state-changing method is a conditional write: the expected prior
	// call status is part of the WHERE clause, and a false return means
	// another writer won the race. Callers re-read and proceed; they never
	// overwrite.
	CallStateRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error)

		// MarkRinging applies idle -> ringing.
		MarkRinging(ctx context.Context, id uuid.UUID, initiatedBy model.ParticipantRole, channelName string,
			active model.ActiveParticipants, participants model.UUIDSet, attempts model.CallAttempts) (bool, error)

		// MarkInProgress applies ringing -> in_progress.
		MarkInProgress(ctx context.Context, id uuid.UUID, startedAt time.Time,
			active model.ActiveParticipants, participants model.UUIDSet, attempts model.CallAttempts) (bool, error)

		// MarkEnded finalizes the call from the expected prior status.
		MarkEnded(ctx context.Context, id uuid.UUID, from model.CallStatus, end model.CallEnd,
			active model.ActiveParticipants, attempts model.CallAttempts) (bool, error)

		// SaveParticipants persists liveness changes without a status
		// transition. The write only lands when the row is unchanged since
		// the caller's read (asOf is the updated_at from that read) and the
		// call has not ended; a false return means the caller holds a stale
		// snapshot and must re-read.
		SaveParticipants(ctx context.Context, id uuid.UUID, asOf time.Time,
			active model.ActiveParticipants, participants model.UUIDSet) (bool, error)

		// SetNotificationFlag flips one flag false -> true. A false return
		// means the flag was already set; the caller must not re-send.
		SetNotificationFlag(ctx context.Context, id uuid.UUID, flag model.NotificationFlag) (bool, error)

		// ListDueForReminder returns confirmed appointments scheduled inside
		// (now, now+lead] whose reminder flag is still unset.
		ListDueForReminder(ctx context.Context, now time.Time, lead time.Duration) ([]*model.Appointment, error)

		// ListLiveCalls returns appointments with call status ringing or
		// in_progress, for the expiry and auto-end sweeps.
		ListLiveCalls(ctx context.Context) ([]*model.Appointment, error)
	}

	NotificationRepository interface {
		Create(ctx context.Context, n *model.Notification) error
		// FindRecentDuplicate looks for a structurally identical notification
		// created within the trailing window.
		FindRecentDuplicate(ctx context.Context, n *model.Notification, since time.Time) (*model.Notification, error)
		List(ctx context.Context, filters *model.NotificationFilters) ([]*model.Notification, error)
		UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error)
		MarkRead(ctx context.Context, id, recipientID uuid.UUID) error
		MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
		Delete(ctx context.Context, id, recipientID uuid.UUID) error
	}

	IssueReportRepository interface {
		Create(ctx context.Context, report *model.IssueReport) error
		ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*model.IssueReport, error)
	}

	// ContactRepository is the read-side projection for out-of-band
	// delivery addresses. The coordinator never resolves names itself.
	ContactRepository interface {
		Get(ctx context.Context, userID uuid.UUID) (*model.Contact, error)
	}
)
