package chat

import "time"

// EventType names the payload kinds pushed over a session topic.
type EventType string

const (
	EventMessage       EventType = "message"
	EventReadReceipt   EventType = "read_receipt"
	EventSessionClosed EventType = "session_closed"
)

// Event is the unit of fan-out on a session topic.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload"`
}

// ReadReceipt tells the user client an operator has seen a message.
type ReadReceipt struct {
	MessageID int64     `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// MessageEvent wraps a persisted message for publication.
func MessageEvent(msg Message) Event {
	return Event{Type: EventMessage, SessionID: msg.SessionID, Payload: msg}
}

// ReadReceiptEvent wraps a read receipt for publication.
func ReadReceiptEvent(sessionID string, receipt ReadReceipt) Event {
	return Event{Type: EventReadReceipt, SessionID: sessionID, Payload: receipt}
}

// SessionClosedEvent announces that no further messages will be accepted.
func SessionClosedEvent(session Session) Event {
	return Event{Type: EventSessionClosed, SessionID: session.ID, Payload: session}
}
