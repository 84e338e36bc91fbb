package realtime

// EventType names a server-pushed realtime event.
type EventType string

const (
	EventCallRinging   EventType = "call-ringing"
	EventCallStarted   EventType = "call-started"
	EventPatientRejoin EventType = "patient-rejoin-call"
	EventCallEnded     EventType = "call-ended"
	EventNotification  EventType = "notification"
)

// Event is the envelope pushed to connected clients. Room-scoped events go to
// every member of a session room; user-scoped events go to one user's channel.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}
