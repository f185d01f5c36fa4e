// Package memory provides an in-process Transcript Store suitable for a
// single replica and for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/store"
)

type sessionRecord struct {
	session      chat.Session
	messages     []chat.Message
	correlations map[string]int64
}

// Store implements store.Store with mutex-guarded maps.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*sessionRecord
	openByUser map[string]string
	now        func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]*sessionRecord),
		openByUser: make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession provisions an open session; the open-per-user index acts as
// the uniqueness constraint.
func (s *Store) CreateSession(_ context.Context, userID string) (chat.Session, error) {
	if userID == "" {
		return chat.Session{}, apperr.New(apperr.InvalidArgument, "user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openByUser[userID]; exists {
		return chat.Session{}, apperr.New(apperr.Conflict, "user already has an open session")
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    chat.StatusOpen,
		CreatedAt: s.now(),
	}
	s.sessions[session.ID] = &sessionRecord{
		session:      session,
		messages:     make([]chat.Message, 0, 16),
		correlations: make(map[string]int64),
	}
	s.openByUser[userID] = session.ID
	return session, nil
}

func (s *Store) FindOpenSession(_ context.Context, userID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openByUser[userID]
	if !ok {
		return chat.Session{}, apperr.New(apperr.NotFound, "no open session")
	}
	return s.sessions[id].session, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, apperr.New(apperr.NotFound, "session not found")
	}
	return rec.session, nil
}

// ListSessions returns matching sessions, newest first.
func (s *Store) ListSessions(_ context.Context, filter store.SessionFilter) ([]chat.Session, error) {
	s.mu.RLock()
	out := make([]chat.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if filter.Status != "" && rec.session.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && rec.session.UserID != filter.UserID {
			continue
		}
		out = append(out, rec.session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CloseSession(_ context.Context, sessionID string, closedAt time.Time) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, apperr.New(apperr.NotFound, "session not found")
	}
	if !rec.session.IsOpen() {
		return chat.Session{}, apperr.New(apperr.InvalidState, "session already closed")
	}

	ts := closedAt.UTC()
	rec.session.Status = chat.StatusClosed
	rec.session.ClosedAt = &ts
	delete(s.openByUser, rec.session.UserID)
	return rec.session, nil
}

// AppendMessage assigns the next sequence id and stores the message.
func (s *Store) AppendMessage(_ context.Context, sessionID string, msg chat.Message) (chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return chat.Message{}, false, apperr.New(apperr.NotFound, "session not found")
	}
	if msg.CorrelationID != "" {
		if id, seen := rec.correlations[msg.CorrelationID]; seen {
			return rec.messages[id-1], true, nil
		}
	}
	if !rec.session.IsOpen() {
		return chat.Message{}, false, apperr.New(apperr.InvalidState, "session is closed")
	}

	msg.ID = int64(len(rec.messages)) + 1
	msg.SessionID = sessionID
	msg.Timestamp = s.now()
	msg.ReadByAdmin = false

	rec.messages = append(rec.messages, msg)
	if msg.CorrelationID != "" {
		rec.correlations[msg.CorrelationID] = msg.ID
	}
	return msg, false, nil
}

func (s *Store) GetMessage(_ context.Context, sessionID string, messageID int64) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return chat.Message{}, apperr.New(apperr.NotFound, "session not found")
	}
	if messageID < 1 || messageID > int64(len(rec.messages)) {
		return chat.Message{}, apperr.New(apperr.NotFound, "message not found")
	}
	return rec.messages[messageID-1], nil
}

func (s *Store) MarkRead(_ context.Context, sessionID string, messageID int64) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return chat.Message{}, apperr.New(apperr.NotFound, "session not found")
	}
	if messageID < 1 || messageID > int64(len(rec.messages)) {
		return chat.Message{}, apperr.New(apperr.NotFound, "message not found")
	}
	rec.messages[messageID-1].ReadByAdmin = true
	return rec.messages[messageID-1], nil
}

// GetTranscript returns a copy of the messages in append order.
func (s *Store) GetTranscript(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	copied := make([]chat.Message, len(rec.messages))
	copy(copied, rec.messages)
	return copied, nil
}

var _ store.Store = (*Store)(nil)
