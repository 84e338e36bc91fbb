package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusNoShow    AppointmentStatus = "no_show"
)

type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusEnded      CallStatus = "ended"
)

type ParticipantRole string

const (
	RoleClinician ParticipantRole = "clinician"
	RolePatient   ParticipantRole = "patient"
	RoleSystem    ParticipantRole = "system"
)

type EndReason string

const (
	EndReasonCompleted    EndReason = "completed"
	EndReasonDisconnected EndReason = "disconnected"
	EndReasonTimeout      EndReason = "timeout"
)

// Appointment is the durable appointment record. The call_* columns and the
// jsonb call-state columns are owned exclusively by the session service and
// the sweep worker; everything else belongs to the booking side.
type Appointment struct {
	Base
	ClinicianID     uuid.UUID         `db:"clinician_id" json:"clinician_id"`
	PatientID       uuid.UUID         `db:"patient_id" json:"patient_id"`
	ScheduledAt     time.Time         `db:"scheduled_at" json:"scheduled_at"`
	DurationMinutes int               `db:"duration_minutes" json:"duration_minutes"`
	Status          AppointmentStatus `db:"status" json:"status"`

	CallStatus          CallStatus         `db:"call_status" json:"call_status"`
	ChannelName         string             `db:"channel_name" json:"channel_name"`
	InitiatedBy         ParticipantRole    `db:"initiated_by" json:"initiated_by,omitempty"`
	Participants        UUIDSet            `db:"participants" json:"participants"`
	ActiveParticipants  ActiveParticipants `db:"active_participants" json:"active_participants"`
	CallAttempts        CallAttempts       `db:"call_attempts" json:"call_attempts"`
	NotificationsSent   NotificationFlags  `db:"notifications_sent" json:"notifications_sent"`
	CallStartedAt       *time.Time         `db:"call_started_at" json:"call_started_at,omitempty"`
	CallEndedAt         *time.Time         `db:"call_ended_at" json:"call_ended_at,omitempty"`
	CallDurationSeconds *int               `db:"call_duration_seconds" json:"call_duration_seconds,omitempty"`
	CallEndedBy         ParticipantRole    `db:"call_ended_by" json:"call_ended_by,omitempty"`
}

// ChannelNameFor derives the media channel for an appointment. The mapping is
// deterministic so reconnects and rejoins always land in the same channel.
func ChannelNameFor(appointmentID uuid.UUID) string {
	return "consult_" + appointmentID.String()
}

// ScheduledEnd is the nominal end of the consultation, before any grace.
func (a *Appointment) ScheduledEnd() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// RoleOf reports which side of the appointment a user is on.
func (a *Appointment) RoleOf(userID uuid.UUID) (ParticipantRole, bool) {
	switch userID {
	case a.ClinicianID:
		return RoleClinician, true
	case a.PatientID:
		return RolePatient, true
	}
	return "", false
}

// OtherParticipant returns the counterpart of userID on this appointment.
func (a *Appointment) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if userID == a.ClinicianID {
		return a.PatientID
	}
	return a.ClinicianID
}

// ActiveParticipant tracks current liveness inside a call session, distinct
// from historical participation.
type ActiveParticipant struct {
	UserID   uuid.UUID `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
	IsActive bool      `json:"is_active"`
	LastPing time.Time `json:"last_ping"`
}

type ActiveParticipants []ActiveParticipant

// ActiveCount counts entries currently marked active.
func (ps ActiveParticipants) ActiveCount() int {
	n := 0
	for _, p := range ps {
		if p.IsActive {
			n++
		}
	}
	return n
}

// Find returns a pointer into the slice for in-place updates.
func (ps ActiveParticipants) Find(userID uuid.UUID) *ActiveParticipant {
	for i := range ps {
		if ps[i].UserID == userID {
			return &ps[i]
		}
	}
	return nil
}

func (ps ActiveParticipants) Value() (driver.Value, error) {
	if ps == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(ps)
}

func (ps *ActiveParticipants) Scan(src interface{}) error {
	return scanJSON(src, ps)
}

// CallAttempt is one entry in the append-only attempt log.
type CallAttempt struct {
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	EndReason       EndReason   `json:"end_reason,omitempty"`
	Participants    []uuid.UUID `json:"participants"`
	DurationSeconds *int        `json:"duration_seconds,omitempty"`
	Quality         string      `json:"quality,omitempty"`
}

type CallAttempts []CallAttempt

// Open returns the current attempt if it has not been closed yet.
func (as CallAttempts) Open() *CallAttempt {
	if len(as) == 0 {
		return nil
	}
	last := &as[len(as)-1]
	if last.EndedAt == nil {
		return last
	}
	return nil
}

func (as CallAttempts) Value() (driver.Value, error) {
	if as == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(as)
}

func (as *CallAttempts) Scan(src interface{}) error {
	return scanJSON(src, as)
}

// NotificationFlag names one of the once-only notification flags.
type NotificationFlag string

const (
	FlagReminder      NotificationFlag = "reminder"
	FlagExpiryWarning NotificationFlag = "expiry_warning"
	FlagCallStarted   NotificationFlag = "call_started"
	FlagCallEnded     NotificationFlag = "call_ended"
)

// NotificationFlags records which once-only notifications have been sent for
// an appointment. Flags only ever move false to true.
type NotificationFlags struct {
	Reminder      bool `json:"reminder"`
	ExpiryWarning bool `json:"expiry_warning"`
	CallStarted   bool `json:"call_started"`
	CallEnded     bool `json:"call_ended"`
}

func (f NotificationFlags) Value() (driver.Value, error) {
	return json.Marshal(f)
}

func (f *NotificationFlags) Scan(src interface{}) error {
	return scanJSON(src, f)
}

// UUIDSet is the historical participant set, stored as a jsonb array.
type UUIDSet []uuid.UUID

// Contains reports set membership.
func (s UUIDSet) Contains(id uuid.UUID) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add returns the set with id included; the set only ever grows.
func (s UUIDSet) Add(id uuid.UUID) UUIDSet {
	if s.Contains(id) {
		return s
	}
	return append(s, id)
}

func (s UUIDSet) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *UUIDSet) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// CallEnd carries everything needed to finalize a call in a single
// conditional write.
type CallEnd struct {
	EndedAt         time.Time
	EndedBy         ParticipantRole
	DurationSeconds int
	Reason          EndReason
	Quality         string
}

func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleClinician, RolePatient, RoleSystem:
		return true
	}
	return false
}

func (s CallStatus) String() string { return string(s) }

// Terminal reports whether the status admits no further transitions.
func (s CallStatus) Terminal() bool { return s == CallStatusEnded }

func (s CallStatus) Validate() error {
	switch s {
	case CallStatusIdle, CallStatusRinging, CallStatusInProgress, CallStatusEnded:
		return nil
	}
	return fmt.Errorf("unknown call status %q", string(s))
}
