package chat

import (
	"encoding/json"
	"time"
)

// Sender tags who authored a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAdmin  Sender = "admin"
	SenderSystem Sender = "system"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAdmin, SenderSystem:
		return true
	}
	return false
}

// Message is one immutable transcript entry. Only ReadByAdmin may change,
// and only from false to true.
type Message struct {
	ID            int64     `json:"messageId"`
	SessionID     string    `json:"sessionId"`
	Sender        Sender    `json:"sender"`
	SenderID      string    `json:"senderId,omitempty"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
	ReadByAdmin   bool      `json:"-"`
	CorrelationID string    `json:"clientCorrelationId,omitempty"`
}

type messageJSON Message

// MarshalJSON emits readByAdmin for user messages only.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Sender != SenderUser {
		return json.Marshal(messageJSON(m))
	}
	return json.Marshal(struct {
		messageJSON
		ReadByAdmin bool `json:"readByAdmin"`
	}{messageJSON(m), m.ReadByAdmin})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		messageJSON
		ReadByAdmin bool `json:"readByAdmin"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.messageJSON)
	m.ReadByAdmin = aux.ReadByAdmin
	return nil
}
