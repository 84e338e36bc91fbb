package model

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// SessionDescriptor is returned from a successful join. The RTC handle is a
// numeric identity derived from the user id, stable across rejoins because
// media SDKs key participants on it.
type SessionDescriptor struct {
	AppointmentID     uuid.UUID  `json:"appointment_id"`
	ChannelName       string     `json:"channel_name"`
	RTCHandle         uint32     `json:"rtc_handle"`
	CallStatus        CallStatus `json:"call_status"`
	ActiveCount       int        `json:"active_count"`
	Initiator         bool       `json:"initiator"`
	CallStartedAt     *time.Time `json:"call_started_at,omitempty"`
}

// RTCHandleFor maps a user id onto the numeric participant handle.
func RTCHandleFor(userID uuid.UUID) uint32 {
	return binary.BigEndian.Uint32(userID[:4])
}

// SessionStatus is the read-only view served by GET status/:id.
type SessionStatus struct {
	AppointmentID    uuid.UUID  `json:"appointment_id"`
	CallStatus       CallStatus `json:"call_status"`
	ActiveCount      int        `json:"active_count"`
	TotalCount       int        `json:"total_count"`
	Joinable         bool       `json:"joinable"`
	WaitSeconds      int        `json:"wait_seconds,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds,omitempty"`
}

type JoinRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id" binding:"required"`
}

type EndCallRequest struct {
	AppointmentID   uuid.UUID `json:"appointment_id" binding:"required"`
	DurationSeconds *int      `json:"duration_seconds" binding:"omitempty,min=0"`
	Quality         string    `json:"quality" binding:"omitempty,oneof=poor fair good excellent"`
}

type ReportIssueRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id" binding:"required"`
	IssueType     string    `json:"issue_type" binding:"required,max=64"`
	Description   string    `json:"description" binding:"max=2000"`
}

// IssueReport is a diagnostic entry recorded during a call. Recording one
// must never interfere with the call itself.
type IssueReport struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	ReporterID    uuid.UUID `db:"reporter_id" json:"reporter_id"`
	IssueType     string    `db:"issue_type" json:"issue_type"`
	Description   string    `db:"description" json:"description"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
