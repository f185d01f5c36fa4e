package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/store"
	"github.com/zhouzirui/livedesk/backend/internal/store/memory"
)

var (
	alice    = auth.Identity{UserID: "alice", Name: "Alice"}
	bob      = auth.Identity{UserID: "bob"}
	operator = auth.Identity{UserID: "op-1", Roles: []string{"admin"}, Operator: true}
)

type recordingChannel struct {
	mu        sync.Mutex
	published []chat.Event
	closed    []string
}

func (c *recordingChannel) Publish(_ string, event chat.Event, _ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, event)
	return 1
}

func (c *recordingChannel) CloseTopic(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, sessionID)
	return 1
}

// racingStore makes the first FindOpenSession miss even though another
// caller already holds the open slot.
type racingStore struct {
	store.Store
	once sync.Once
}

func (r *racingStore) FindOpenSession(ctx context.Context, userID string) (chat.Session, error) {
	missed := false
	r.once.Do(func() { missed = true })
	if missed {
		return chat.Session{}, apperr.New(apperr.NotFound, "no open session")
	}
	return r.Store.FindOpenSession(ctx, userID)
}

func newManager() (*Manager, *memory.Store, *recordingChannel) {
	st := memory.New()
	ch := &recordingChannel{}
	return NewManager(st, ch), st, ch
}

func TestStartCreatesThenResumes(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	first, created, err := m.Start(ctx, alice)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, chat.StatusOpen, first.Status)
	assert.Equal(t, "alice", first.UserID)

	again, created, err := m.Start(ctx, alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)
}

func TestStartRequiresIdentity(t *testing.T) {
	m, _, _ := newManager()
	_, _, err := m.Start(context.Background(), auth.Identity{})
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestStartResolvesCreateRace(t *testing.T) {
	st := memory.New()
	winner, err := st.CreateSession(context.Background(), "alice")
	require.NoError(t, err)

	m := NewManager(&racingStore{Store: st}, nil)
	got, created, err := m.Start(context.Background(), alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, got.ID)
}

func TestConcurrentStartYieldsOneSession(t *testing.T) {
	m, st, _ := newManager()
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := m.Start(ctx, alice)
			if err == nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	open, err := st.ListSessions(ctx, store.SessionFilter{Status: chat.StatusOpen, UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCloseByOwner(t *testing.T) {
	m, _, ch := newManager()
	ctx := context.Background()

	var hooked []string
	m.OnClose(func(s chat.Session) { hooked = append(hooked, s.ID) })

	s, _, err := m.Start(ctx, alice)
	require.NoError(t, err)

	closed, err := m.Close(ctx, s.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	require.Len(t, ch.published, 1)
	assert.Equal(t, chat.EventSessionClosed, ch.published[0].Type)
	assert.Equal(t, []string{s.ID}, ch.closed)
	assert.Equal(t, []string{s.ID}, hooked)

	_, err = m.Close(ctx, s.ID, alice)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCloseByOperatorAndForbidden(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	s, _, err := m.Start(ctx, alice)
	require.NoError(t, err)

	_, err = m.Close(ctx, s.ID, bob)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = m.Close(ctx, s.ID, operator)
	assert.NoError(t, err)

	_, err = m.Close(ctx, "missing", operator)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStartAfterCloseCreatesFreshSession(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	first, _, err := m.Start(ctx, alice)
	require.NoError(t, err)
	_, err = m.Close(ctx, first.ID, alice)
	require.NoError(t, err)

	second, created, err := m.Start(ctx, alice)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCloseOpenForUser(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	_, closed, err := m.CloseOpenForUser(ctx, alice)
	require.NoError(t, err)
	assert.False(t, closed)

	s, _, err := m.Start(ctx, alice)
	require.NoError(t, err)

	got, closed, err := m.CloseOpenForUser(ctx, alice)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, s.ID, got.ID)
}

func TestAuthorizeAndTranscript(t *testing.T) {
	m, st, _ := newManager()
	ctx := context.Background()

	s, _, err := m.Start(ctx, alice)
	require.NoError(t, err)
	_, _, err = st.AppendMessage(ctx, s.ID, chat.Message{Sender: chat.SenderUser, SenderID: "alice", Text: "hello"})
	require.NoError(t, err)

	msgs, err := m.Transcript(ctx, s.ID, alice)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = m.Transcript(ctx, s.ID, operator)
	assert.NoError(t, err)

	_, err = m.Transcript(ctx, s.ID, bob)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = m.Authorize(ctx, "missing", alice)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListOperatorsOnly(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	_, _, err := m.Start(ctx, alice)
	require.NoError(t, err)
	_, _, err = m.Start(ctx, bob)
	require.NoError(t, err)

	_, err = m.List(ctx, alice, store.SessionFilter{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = m.List(ctx, operator, store.SessionFilter{Status: "weird"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	all, err := m.List(ctx, operator, store.SessionFilter{Status: chat.StatusOpen})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
