package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	chatService "github.com/zhouzirui/livedesk/backend/internal/service/chat"
	"github.com/zhouzirui/livedesk/backend/internal/service/delivery"
	sessionService "github.com/zhouzirui/livedesk/backend/internal/service/session"
	"github.com/zhouzirui/livedesk/backend/internal/store/memory"
)

var identities = map[string]auth.Identity{
	"learner":  {UserID: "learner-1", Name: "Lin"},
	"stranger": {UserID: "learner-2"},
	"agent":    {UserID: "agent-1", Roles: []string{"admin"}, Operator: true},
}

type testServer struct {
	*httptest.Server
	sessions *sessionService.Manager
	store    *memory.Store
	hub      *delivery.Hub
	handler  *WebSocketHandler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.New()
	hub := delivery.NewHub(8)
	sessions := sessionService.NewManager(st, hub)
	router := chatService.NewRouter(st, hub, nil, chatService.Config{})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := identities[req.URL.Query().Get("as")]
			next.ServeHTTP(w, req.WithContext(auth.WithIdentity(req.Context(), id)))
		})
	})
	handler := NewWebSocketHandler(sessions, router, hub)
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
	})
	return &testServer{Server: srv, sessions: sessions, store: st, hub: hub, handler: handler}
}

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func (s *testServer) dial(t *testing.T, sessionID, as string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/sessions/" + sessionID + "/ws?as=" + as
	return websocket.DefaultDialer.Dial(url, nil)
}

func (s *testServer) connect(t *testing.T, sessionID, as string) *websocket.Conn {
	t.Helper()
	conn, _, err := s.dial(t, sessionID, as)
	if err != nil {
		t.Fatalf("dial as %s: %v", as, err)
	}
	t.Cleanup(func() { conn.Close() })

	if f := readFrame(t, conn); f.Type != "connected" {
		t.Fatalf("expected connected frame, got %s", f.Type)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(inboundMessage{Type: typ, Data: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMessageFanOutAndReadReceipt(t *testing.T) {
	srv := newTestServer(t)
	session, _, err := srv.sessions.Start(context.Background(), identities["learner"])
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	user := srv.connect(t, session.ID, "learner")
	operator := srv.connect(t, session.ID, "agent")

	send(t, user, "message", TextMessage{Text: "payment failed", ClientCorrelationID: "c-1"})

	sent := readFrame(t, user)
	if sent.Type != "sent" {
		t.Fatalf("expected sent, got %s: %s", sent.Type, sent.Data)
	}
	var msg chat.Message
	if err := json.Unmarshal(sent.Data, &msg); err != nil {
		t.Fatalf("decode sent: %v", err)
	}
	if msg.ID != 1 || msg.Sender != chat.SenderUser || msg.CorrelationID != "c-1" {
		t.Fatalf("unexpected message %+v", msg)
	}

	delivered := readFrame(t, operator)
	if delivered.Type != string(chat.EventMessage) || delivered.SessionID != session.ID {
		t.Fatalf("expected message event, got %+v", delivered)
	}

	send(t, operator, "read", ReadMessage{MessageID: msg.ID})
	for _, conn := range []*websocket.Conn{user, operator} {
		f := readFrame(t, conn)
		if f.Type != string(chat.EventReadReceipt) {
			t.Fatalf("expected read receipt, got %s", f.Type)
		}
		var receipt chat.ReadReceipt
		if err := json.Unmarshal(f.Data, &receipt); err != nil {
			t.Fatalf("decode receipt: %v", err)
		}
		if receipt.MessageID != msg.ID || receipt.ReadBy != "agent-1" {
			t.Fatalf("unexpected receipt %+v", receipt)
		}
	}
}

func TestErrorFrames(t *testing.T) {
	srv := newTestServer(t)
	session, _, err := srv.sessions.Start(context.Background(), identities["learner"])
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	user := srv.connect(t, session.ID, "learner")

	tests := []struct {
		name string
		typ  string
		data any
		code string
	}{
		{"blank text", "message", TextMessage{Text: " "}, "INVALID_ARGUMENT"},
		{"learner ack", "read", ReadMessage{MessageID: 1}, "FORBIDDEN"},
		{"unknown type", "typing", map[string]string{}, "INVALID_ARGUMENT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			send(t, user, tc.typ, tc.data)
			f := readFrame(t, user)
			if f.Type != "error" {
				t.Fatalf("expected error frame, got %s", f.Type)
			}
			var body map[string]string
			if err := json.Unmarshal(f.Data, &body); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if body["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body)
			}
		})
	}
}

func TestCloseSessionEndsStream(t *testing.T) {
	srv := newTestServer(t)
	learner := identities["learner"]
	session, _, err := srv.sessions.Start(context.Background(), learner)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	user := srv.connect(t, session.ID, "learner")

	if _, err := srv.sessions.Close(context.Background(), session.ID, learner); err != nil {
		t.Fatalf("close: %v", err)
	}

	if f := readFrame(t, user); f.Type != string(chat.EventSessionClosed) {
		t.Fatalf("expected session_closed, got %s", f.Type)
	}

	user.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = user.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if reason := err.(*websocket.CloseError).Text; reason != "session closed" {
		t.Fatalf("unexpected close reason %q", reason)
	}
}

func TestReplacedTabIsToldWhy(t *testing.T) {
	srv := newTestServer(t)
	learner := identities["learner"]
	session, _, err := srv.sessions.Start(context.Background(), learner)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	oldTab := srv.connect(t, session.ID, "learner")
	srv.connect(t, session.ID, "learner")

	oldTab.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = oldTab.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if reason := err.(*websocket.CloseError).Text; reason != "replaced by another connection" {
		t.Fatalf("unexpected close reason %q", reason)
	}
}

func TestSubscribeAbandonsSessionClosedMeanwhile(t *testing.T) {
	srv := newTestServer(t)
	learner := identities["learner"]
	session, _, err := srv.sessions.Start(context.Background(), learner)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	// the close commits after the handshake check but before the topic exists,
	// so its CloseTopic has nothing to end
	if _, err := srv.store.CloseSession(context.Background(), session.ID, time.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}

	client := delivery.ClientRef{ID: "late-tab", UserID: learner.UserID, Role: chat.SenderUser}
	sub, _, err := srv.handler.subscribe(context.Background(), session.ID, learner, client)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if sub != nil {
		t.Fatal("expected no subscription")
	}
	if n := srv.hub.SubscriberCount(session.ID); n != 0 {
		t.Fatalf("expected empty topic, got %d subscribers", n)
	}
}

func TestHandshakeRejections(t *testing.T) {
	srv := newTestServer(t)
	learner := identities["learner"]
	session, _, err := srv.sessions.Start(context.Background(), learner)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	_, resp, err := srv.dial(t, session.ID, "stranger")
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %v", resp)
	}

	_, resp, err = srv.dial(t, "missing", "learner")
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %v", resp)
	}

	if _, err := srv.sessions.Close(context.Background(), session.ID, learner); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, resp, err = srv.dial(t, session.ID, "learner")
	if err == nil || resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for closed session, got %v", resp)
	}
}
