package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/store"
	"github.com/zhouzirui/livedesk/backend/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestListSessionsNewestFirstWithLimit(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	ctx := context.Background()
	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := s.CreateSession(ctx, user)
		require.NoError(t, err)
	}

	got, err := s.ListSessions(ctx, store.SessionFilter{Status: chat.StatusOpen, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u3", got[0].UserID)
	assert.Equal(t, "u2", got[1].UserID)
}

func TestGetTranscriptReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	_, _, err = s.AppendMessage(ctx, session.ID, chat.Message{Sender: chat.SenderUser, SenderID: "u1", Text: "original"})
	require.NoError(t, err)

	transcript, err := s.GetTranscript(ctx, session.ID)
	require.NoError(t, err)
	transcript[0].Text = "mutated"

	again, err := s.GetTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Text)
}
