package chat

import "time"

// Status is the lifecycle state of a support session.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Session is one bounded conversation between a user and the support operators.
type Session struct {
	ID        string     `json:"sessionId"`
	UserID    string     `json:"userId"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// IsOpen reports whether the session still accepts messages.
func (s Session) IsOpen() bool {
	return s.Status == StatusOpen
}
