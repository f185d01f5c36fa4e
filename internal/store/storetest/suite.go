// Package storetest holds behavioural checks every store.Store implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("create and find open session", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("second create conflicts", func(t *testing.T) { testCreateConflict(t, newStore(t)) })
	t.Run("concurrent creates leave one open session", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("close frees the open slot", func(t *testing.T) { testCloseFreesSlot(t, newStore(t)) })
	t.Run("append preserves order", func(t *testing.T) { testAppendOrder(t, newStore(t)) })
	t.Run("append to closed session fails", func(t *testing.T) { testAppendClosed(t, newStore(t)) })
	t.Run("append to missing session fails", func(t *testing.T) { testAppendMissing(t, newStore(t)) })
	t.Run("correlation id deduplicates", func(t *testing.T) { testCorrelationDedup(t, newStore(t)) })
	t.Run("mark read is idempotent", func(t *testing.T) { testMarkRead(t, newStore(t)) })
	t.Run("list filters by status", func(t *testing.T) { testList(t, newStore(t)) })
}

func testCreateAndFind(t *testing.T, s store.Store) {
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, chat.StatusOpen, created.Status)
	assert.Nil(t, created.ClosedAt)

	found, err := s.FindOpenSession(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	transcript, err := s.GetTranscript(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, transcript)

	_, err = s.FindOpenSession(ctx, "user-b")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)

	_, err = s.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func testCreateConflict(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, "user-a")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)
}

func testConcurrentCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	const attempts = 16

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreateSession(ctx, "user-race"); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	open, err := s.ListSessions(ctx, store.SessionFilter{Status: chat.StatusOpen, UserID: "user-race"})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func testCloseFreesSlot(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)

	closedAt := time.Now().UTC()
	closed, err := s.CloseSession(ctx, first.ID, closedAt)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	_, err = s.CloseSession(ctx, first.ID, closedAt)
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "got %v", err)

	_, err = s.FindOpenSession(ctx, "user-a")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)

	second, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func testAppendOrder(t *testing.T, s store.Store) {
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)

	var appended []chat.Message
	for i := 0; i < 5; i++ {
		sender := chat.SenderUser
		if i%2 == 1 {
			sender = chat.SenderAdmin
		}
		msg, _, err := s.AppendMessage(ctx, session.ID, chat.Message{Sender: sender, SenderID: "x", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		assert.False(t, msg.Timestamp.IsZero())

		// read-after-write: the message is visible immediately
		transcript, err := s.GetTranscript(ctx, session.ID)
		require.NoError(t, err)
		require.NotEmpty(t, transcript)
		assert.Equal(t, msg.ID, transcript[len(transcript)-1].ID)

		appended = append(appended, msg)
	}

	transcript, err := s.GetTranscript(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, len(appended))
	for i := range appended {
		assert.Equal(t, appended[i].ID, transcript[i].ID)
		assert.Equal(t, appended[i].Text, transcript[i].Text)
		if i > 0 {
			assert.Greater(t, transcript[i].ID, transcript[i-1].ID)
		}
	}

	got, err := s.GetMessage(ctx, session.ID, appended[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "m2", got.Text)
}

func testAppendClosed(t *testing.T, s store.Store) {
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)
	_, err = s.CloseSession(ctx, session.ID, time.Now())
	require.NoError(t, err)

	_, _, err = s.AppendMessage(ctx, session.ID, chat.Message{Sender: chat.SenderUser, SenderID: "user-a", Text: "late"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidState), "got %v", err)

	transcript, err := s.GetTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, transcript)
}

func testAppendMissing(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, _, err := s.AppendMessage(ctx, "missing", chat.Message{Sender: chat.SenderUser, Text: "hi"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)

	_, err = s.GetTranscript(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)

	_, err = s.MarkRead(ctx, "missing", 1)
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func testCorrelationDedup(t *testing.T, s store.Store) {
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)

	first, replayed, err := s.AppendMessage(ctx, session.ID, chat.Message{Sender: chat.SenderUser, SenderID: "user-a", Text: "hello", CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.False(t, replayed)
	retry, replayed, err := s.AppendMessage(ctx, session.ID, chat.Message{Sender: chat.SenderUser, SenderID: "user-a", Text: "hello", CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, retry.ID)

	transcript, err := s.GetTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, transcript, 1)
}

func testMarkRead(t *testing.T, s store.Store) {
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)
	msg, _, err := s.AppendMessage(ctx, session.ID, chat.Message{Sender: chat.SenderUser, SenderID: "user-a", Text: "help"})
	require.NoError(t, err)
	assert.False(t, msg.ReadByAdmin)

	once, err := s.MarkRead(ctx, session.ID, msg.ID)
	require.NoError(t, err)
	assert.True(t, once.ReadByAdmin)

	twice, err := s.MarkRead(ctx, session.ID, msg.ID)
	require.NoError(t, err)
	assert.True(t, twice.ReadByAdmin)

	transcript, err := s.GetTranscript(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.True(t, transcript[0].ReadByAdmin)

	_, err = s.MarkRead(ctx, session.ID, msg.ID+10)
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()

	a, err := s.CreateSession(ctx, "user-a")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "user-b")
	require.NoError(t, err)
	_, err = s.CloseSession(ctx, a.ID, time.Now())
	require.NoError(t, err)

	open, err := s.ListSessions(ctx, store.SessionFilter{Status: chat.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "user-b", open[0].UserID)

	all, err := s.ListSessions(ctx, store.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
