// Package session owns the ChatSession lifecycle: start or resume, close,
// and access checks for viewers.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/store"
)

// Channel is the part of the delivery hub the manager drives on close.
type Channel interface {
	Publish(sessionID string, event chat.Event, excludeClientID string) int
	CloseTopic(sessionID string) int
}

// Manager creates, resumes and closes sessions.
type Manager struct {
	store   store.Store
	channel Channel
	now     func() time.Time

	mu      sync.RWMutex
	onClose []func(chat.Session)
}

func NewManager(st store.Store, channel Channel) *Manager {
	return &Manager{
		store:   st,
		channel: channel,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnClose registers fn to run after a session is closed.
func (m *Manager) OnClose(fn func(chat.Session)) {
	m.mu.Lock()
	m.onClose = append(m.onClose, fn)
	m.mu.Unlock()
}

// Start returns the caller's open session, creating one when none exists.
// created reports whether a new session was made by this call.
func (m *Manager) Start(ctx context.Context, id auth.Identity) (chat.Session, bool, error) {
	if id.UserID == "" {
		return chat.Session{}, false, apperr.ErrUnauthenticated
	}

	existing, err := m.store.FindOpenSession(ctx, id.UserID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return chat.Session{}, false, err
	}

	created, err := m.store.CreateSession(ctx, id.UserID)
	if err == nil {
		log.Printf("[session] created session=%s user=%s", created.ID, id.UserID)
		return created, true, nil
	}
	if !errors.Is(err, apperr.ErrConflict) {
		return chat.Session{}, false, err
	}

	// Lost a create race; the winner's session is the answer.
	winner, err := m.store.FindOpenSession(ctx, id.UserID)
	if err != nil {
		return chat.Session{}, false, err
	}
	log.Printf("[session] resolved create race for user=%s to session=%s", id.UserID, winner.ID)
	return winner, false, nil
}

// Close ends sessionID on behalf of its owner or an operator, announces it
// on the session topic and drops every subscriber.
func (m *Manager) Close(ctx context.Context, sessionID string, id auth.Identity) (chat.Session, error) {
	if _, err := m.Authorize(ctx, sessionID, id); err != nil {
		return chat.Session{}, err
	}

	closed, err := m.store.CloseSession(ctx, sessionID, m.now())
	if err != nil {
		return chat.Session{}, err
	}
	log.Printf("[session] closed session=%s by=%s", sessionID, id.UserID)

	if m.channel != nil {
		m.channel.Publish(sessionID, chat.SessionClosedEvent(closed), "")
		m.channel.CloseTopic(sessionID)
	}

	m.mu.RLock()
	hooks := append([]func(chat.Session){}, m.onClose...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(closed)
	}
	return closed, nil
}

// CloseOpenForUser closes the caller's open session, if any. It backs
// logout, so having nothing to close is not an error.
func (m *Manager) CloseOpenForUser(ctx context.Context, id auth.Identity) (chat.Session, bool, error) {
	if id.UserID == "" {
		return chat.Session{}, false, apperr.ErrUnauthenticated
	}

	open, err := m.store.FindOpenSession(ctx, id.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return chat.Session{}, false, nil
	}
	if err != nil {
		return chat.Session{}, false, err
	}

	closed, err := m.Close(ctx, open.ID, id)
	if errors.Is(err, apperr.ErrInvalidState) {
		// Closed concurrently by someone else.
		return chat.Session{}, false, nil
	}
	if err != nil {
		return chat.Session{}, false, err
	}
	return closed, true, nil
}

// Authorize loads sessionID if the caller owns it or is an operator.
func (m *Manager) Authorize(ctx context.Context, sessionID string, id auth.Identity) (chat.Session, error) {
	if id.UserID == "" {
		return chat.Session{}, apperr.ErrUnauthenticated
	}

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	if session.UserID != id.UserID && !id.IsOperator() {
		return chat.Session{}, apperr.New(apperr.Forbidden, "not a participant of this session")
	}
	return session, nil
}

// Transcript returns the ordered messages of sessionID. Clients call it on
// reconnect to recover anything the live channel dropped.
func (m *Manager) Transcript(ctx context.Context, sessionID string, id auth.Identity) ([]chat.Message, error) {
	if _, err := m.Authorize(ctx, sessionID, id); err != nil {
		return nil, err
	}
	return m.store.GetTranscript(ctx, sessionID)
}

// List returns sessions for the operator dashboard.
func (m *Manager) List(ctx context.Context, id auth.Identity, filter store.SessionFilter) ([]chat.Session, error) {
	if id.UserID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if !id.IsOperator() {
		return nil, apperr.New(apperr.Forbidden, "operator role required")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "unknown session status")
	}
	return m.store.ListSessions(ctx, filter)
}
