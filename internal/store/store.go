// Package store defines the Transcript Store: the single durable writer of
// chat sessions and their messages.
package store

import (
	"context"
	"time"

	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store persists sessions and transcripts.
//
// Implementations must enforce at most one open session per user with a
// uniqueness constraint (CreateSession fails with apperr.Conflict), commit
// every append before returning, and serialise appends within a session so
// message ids follow commit order.
//
// AppendMessage reports replayed when the message's correlation id was
// already stored; the returned message is then the original one.
type Store interface {
	CreateSession(ctx context.Context, userID string) (chat.Session, error)
	FindOpenSession(ctx context.Context, userID string) (chat.Session, error)
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]chat.Session, error)
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) (chat.Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (saved chat.Message, replayed bool, err error)
	GetMessage(ctx context.Context, sessionID string, messageID int64) (chat.Message, error)
	MarkRead(ctx context.Context, sessionID string, messageID int64) (chat.Message, error)
	GetTranscript(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	Status chat.Status
	UserID string
	Limit  int
}

// EffectiveLimit clamps Limit into [1, MaxListLimit].
func (f SessionFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}
