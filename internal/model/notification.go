package model

import (
	"time"

	"github.com/google/uuid"
)

type RecipientType string

const (
	RecipientPatient   RecipientType = "patient"
	RecipientClinician RecipientType = "clinician"
)

type NotificationCategory string

const (
	CategoryAppointment NotificationCategory = "appointment"
	CategoryCall        NotificationCategory = "call"
	CategoryOrder       NotificationCategory = "order"
	CategorySystem      NotificationCategory = "system"
)

// Notification is the durable record created by the dispatcher. Metadata
// carries the originating appointment id when applicable; the dedup check
// keys on it.
type Notification struct {
	ID            uuid.UUID            `db:"id" json:"id"`
	RecipientID   uuid.UUID            `db:"recipient_id" json:"recipient_id"`
	RecipientType RecipientType        `db:"recipient_type" json:"recipient_type"`
	Category      NotificationCategory `db:"category" json:"category"`
	Title         string               `db:"title" json:"title"`
	Message       string               `db:"message" json:"message"`
	Metadata      JSONMap              `db:"metadata" json:"metadata,omitempty"`
	Read          bool                 `db:"read" json:"read"`
	CreatedAt     time.Time            `db:"created_at" json:"created_at"`
}

// MetadataAppointmentKey is the metadata field used for deduplication.
const MetadataAppointmentKey = "appointment_id"

// AppointmentID extracts the originating appointment id, if present.
func (n *Notification) AppointmentID() string {
	if n.Metadata == nil {
		return ""
	}
	if v, ok := n.Metadata[MetadataAppointmentKey].(string); ok {
		return v
	}
	return ""
}

type CreateNotificationRequest struct {
	RecipientID   uuid.UUID            `json:"recipient_id" binding:"required"`
	RecipientType RecipientType        `json:"recipient_type" binding:"required,oneof=patient clinician"`
	Category      NotificationCategory `json:"category" binding:"required"`
	Title         string               `json:"title" binding:"required,max=200"`
	Message       string               `json:"message" binding:"required,max=2000"`
	Metadata      JSONMap              `json:"metadata"`
}

type NotificationFilters struct {
	RecipientID uuid.UUID
	UnreadOnly  bool
	Limit       int
	Offset      int
}

// Contact is the read-side projection used for out-of-band delivery. The
// coordinator itself only ever handles identifiers; names and addresses stay
// on this side of the fence.
type Contact struct {
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Email     string    `db:"email" json:"email"`
	PushToken string    `db:"push_token" json:"-"`
}
