package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/session-api/internal/model"
)

// The call-state writes below all carry the expected prior call_status in the
// WHERE clause. RowsAffected == 0 means another writer got there first; the
// caller re-reads and proceeds from the fresh state instead of overwriting.

func (r *callStateRepository) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`

	var appointment model.Appointment
	err := r.db.GetContext(ctx, &appointment, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	return &appointment, nil
}

func (r *callStateRepository) MarkRinging(ctx context.Context, id uuid.UUID, initiatedBy model.ParticipantRole, channelName string,
	active model.ActiveParticipants, participants model.UUIDSet, attempts model.CallAttempts) (bool, error) {
	query := `
		UPDATE appointments
		SET call_status = $1, initiated_by = $2, channel_name = $3,
			active_participants = $4, participants = $5, call_attempts = $6,
			updated_at = $7
		WHERE id = $8 AND call_status = $9
	`
	result, err := r.db.ExecContext(ctx, query,
		model.CallStatusRinging,
		initiatedBy,
		channelName,
		active,
		participants,
		attempts,
		time.Now(),
		id,
		model.CallStatusIdle,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark ringing: %w", err)
	}
	return applied(result)
}

func (r *callStateRepository) MarkInProgress(ctx context.Context, id uuid.UUID, startedAt time.Time,
	active model.ActiveParticipants, participants model.UUIDSet, attempts model.CallAttempts) (bool, error) {
	query := `
		UPDATE appointments
		SET call_status = $1, call_started_at = $2, active_participants = $3,
			participants = $4, call_attempts = $5, updated_at = $6
		WHERE id = $7 AND call_status = $8
	`
	result, err := r.db.ExecContext(ctx, query,
		model.CallStatusInProgress,
		startedAt,
		active,
		participants,
		attempts,
		time.Now(),
		id,
		model.CallStatusRinging,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark in progress: %w", err)
	}
	return applied(result)
}

func (r *callStateRepository) MarkEnded(ctx context.Context, id uuid.UUID, from model.CallStatus, end model.CallEnd,
	active model.ActiveParticipants, attempts model.CallAttempts) (bool, error) {
	query := `
		UPDATE appointments
		SET call_status = $1, call_ended_at = $2, call_ended_by = $3,
			call_duration_seconds = $4, active_participants = $5,
			call_attempts = $6, updated_at = $7
		WHERE id = $8 AND call_status = $9
	`
	result, err := r.db.ExecContext(ctx, query,
		model.CallStatusEnded,
		end.EndedAt,
		end.EndedBy,
		end.DurationSeconds,
		active,
		attempts,
		time.Now(),
		id,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark ended: %w", err)
	}
	return applied(result)
}

func (r *callStateRepository) SaveParticipants(ctx context.Context, id uuid.UUID, asOf time.Time,
	active model.ActiveParticipants, participants model.UUIDSet) (bool, error) {
	// updated_at doubles as a version token: every call-state write bumps
	// it, so a liveness write based on a stale read cannot land.
	query := `
		UPDATE appointments
		SET active_participants = $1, participants = $2, updated_at = $3
		WHERE id = $4 AND call_status != $5 AND updated_at = $6
	`
	result, err := r.db.ExecContext(ctx, query,
		active,
		participants,
		time.Now(),
		id,
		model.CallStatusEnded,
		asOf,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save participants: %w", err)
	}
	return applied(result)
}

func (r *callStateRepository) SetNotificationFlag(ctx context.Context, id uuid.UUID, flag model.NotificationFlag) (bool, error) {
	query := `
		UPDATE appointments
		SET notifications_sent = jsonb_set(notifications_sent, ARRAY[$1], 'true'::jsonb),
			updated_at = $2
		WHERE id = $3
		AND COALESCE((notifications_sent ->> $1)::boolean, false) = false
	`
	result, err := r.db.ExecContext(ctx, query, string(flag), time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to set notification flag %s: %w", flag, err)
	}
	return applied(result)
}

func (r *callStateRepository) ListDueForReminder(ctx context.Context, now time.Time, lead time.Duration) ([]*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE status = $1
		AND scheduled_at > $2
		AND scheduled_at <= $3
		AND COALESCE((notifications_sent ->> 'reminder')::boolean, false) = false
		ORDER BY scheduled_at ASC
	`
	var appointments []*model.Appointment
	err := r.db.SelectContext(ctx, &appointments, query,
		model.AppointmentStatusConfirmed, now, now.Add(lead))
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments due for reminder: %w", err)
	}
	return appointments, nil
}

func (r *callStateRepository) ListLiveCalls(ctx context.Context) ([]*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE call_status IN ($1, $2)
		ORDER BY scheduled_at ASC
	`
	var appointments []*model.Appointment
	err := r.db.SelectContext(ctx, &appointments, query,
		model.CallStatusRinging, model.CallStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list live calls: %w", err)
	}
	return appointments, nil
}

func applied(result interface{ RowsAffected() (int64, error) }) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
