package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	chatService "github.com/zhouzirui/livedesk/backend/internal/service/chat"
	"github.com/zhouzirui/livedesk/backend/internal/service/delivery"
	sessionService "github.com/zhouzirui/livedesk/backend/internal/service/session"
	"github.com/zhouzirui/livedesk/backend/internal/store/memory"
)

func setupRouter(t *testing.T) (http.Handler, *auth.JWTAuthenticator) {
	t.Helper()
	authenticator, err := auth.NewJWTAuthenticator(auth.JWTConfig{Secret: []byte("test-secret"), Issuer: "livedesk"})
	require.NoError(t, err)

	st := memory.New()
	hub := delivery.NewHub(8)
	t.Cleanup(hub.Shutdown)
	sessions := sessionService.NewManager(st, hub)
	router := chatService.NewRouter(st, hub, nil, chatService.Config{})

	return NewRouter(Dependencies{
		Auth:     authenticator,
		Sessions: sessions,
		Chat:     router,
		Hub:      hub,
	}), authenticator
}

func TestHealthz(t *testing.T) {
	r, _ := setupRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
}

func TestSessionRoutesRequireToken(t *testing.T) {
	r, _ := setupRouter(t)

	for _, path := range []string{"/api/sessions", "/api/logout"} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusUnauthorized, resp.Code, path)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestStartSessionWithBearerToken(t *testing.T) {
	r, authenticator := setupRouter(t)
	token, err := authenticator.IssueToken(auth.Identity{UserID: "learner-1", Name: "Lin"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Origin", "https://help.example.com")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Equal(t, "https://help.example.com", resp.Header().Get("Access-Control-Allow-Origin"))

	var session chat.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &session))
	assert.Equal(t, "learner-1", session.UserID)
	assert.Equal(t, chat.StatusOpen, session.Status)
}

func TestAssistantUnavailableWithoutModel(t *testing.T) {
	r, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/assistant", strings.NewReader(`{"query":"hi"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
