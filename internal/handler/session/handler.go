package session

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	chatService "github.com/zhouzirui/livedesk/backend/internal/service/chat"
	sessionService "github.com/zhouzirui/livedesk/backend/internal/service/session"
	"github.com/zhouzirui/livedesk/backend/internal/store"
	"github.com/zhouzirui/livedesk/backend/pkg/utils"
)

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 64 << 10

// Handler 会话与消息的 REST 处理器
type Handler struct {
	sessions *sessionService.Manager
	router   *chatService.Router
}

// New 创建会话处理器
func New(sessions *sessionService.Manager, router *chatService.Router) *Handler {
	return &Handler{sessions: sessions, router: router}
}

// RegisterRoutes 注册会话相关路由，调用方负责挂载认证中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleStartSession)
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Post("/sessions/{sessionID}/messages", h.handleSendMessage)
	r.Post("/sessions/{sessionID}/messages/{messageID}/read", h.handleAcknowledgeRead)
	r.Get("/sessions/{sessionID}/transcript", h.handleTranscript)
	r.Post("/sessions/{sessionID}/close", h.handleCloseSession)
	r.Post("/logout", h.handleLogout)
}

type transcriptResponse struct {
	SessionID string         `json:"sessionId"`
	Messages  []chat.Message `json:"messages"`
}

type sendMessageRequest struct {
	Text                string `json:"text"`
	ClientCorrelationID string `json:"clientCorrelationId"`
}

// handleStartSession 创建或恢复当前用户的会话
func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	session, created, err := h.sessions.Start(r.Context(), id)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	utils.RespondJSON(w, status, session)
}

// handleListSessions 客服查看会话列表
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	q := r.URL.Query()
	filter := store.SessionFilter{
		Status: chat.Status(q.Get("status")),
		UserID: q.Get("userId"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	sessions, err := h.sessions.List(r.Context(), id, filter)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	session, err := h.sessions.Authorize(r.Context(), chi.URLParam(r, "sessionID"), id)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleSendMessage 发送消息，发送角色由会话归属决定。
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var payload sendMessageRequest
	if err := decodeBody(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.router.SendMessage(r.Context(), chatService.SendRequest{
		SessionID:     sessionID,
		Sender:        id,
		Text:          payload.Text,
		CorrelationID: payload.ClientCorrelationID,
	})
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleAcknowledgeRead(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil || messageID < 1 {
		utils.RespondError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := h.router.AcknowledgeRead(r.Context(), chi.URLParam(r, "sessionID"), messageID, id)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msg)
}

// handleTranscript 返回完整消息记录，客户端断线重连后用于补齐状态。
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.sessions.Transcript(r.Context(), sessionID, id)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, transcriptResponse{SessionID: sessionID, Messages: messages})
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	session, err := h.sessions.Close(r.Context(), chi.URLParam(r, "sessionID"), id)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleLogout 关闭当前用户仍处于打开状态的会话
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	if _, _, err := h.sessions.CloseOpenForUser(r.Context(), id); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return utils.DecodeJSON(r.Body, v)
}
