package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	chatService "github.com/zhouzirui/livedesk/backend/internal/service/chat"
	"github.com/zhouzirui/livedesk/backend/internal/service/delivery"
	sessionService "github.com/zhouzirui/livedesk/backend/internal/service/session"
	"github.com/zhouzirui/livedesk/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	outboundSize = 16
)

// WebSocketHandler 会话实时通道：推送会话事件，并接收客户端发送的消息与已读回执。
type WebSocketHandler struct {
	sessions *sessionService.Manager
	router   *chatService.Router
	hub      *delivery.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(sessions *sessionService.Manager, router *chatService.Router, hub *delivery.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		router:   router,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由，调用方负责挂载认证中间件。
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// TextMessage 客户端发送的聊天消息
type TextMessage struct {
	Text                string `json:"text"`
	ClientCorrelationID string `json:"clientCorrelationId"`
}

// ReadMessage 客服确认已读
type ReadMessage struct {
	MessageID int64 `json:"messageId"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type connection struct {
	conn     *websocket.Conn
	session  chat.Session
	identity auth.Identity
	role     chat.Sender
	clientID string
	outbound chan outgoingMessage
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	id, _ := auth.IdentityFrom(r.Context())

	session, err := h.sessions.Authorize(r.Context(), sessionID, id)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if !session.IsOpen() {
		utils.RespondAppError(w, apperr.New(apperr.InvalidState, "session is closed"))
		return
	}

	clientID := uuid.NewString()
	role := chatService.RoleFor(session, id)
	sub, session, err := h.subscribe(r.Context(), sessionID, id, delivery.ClientRef{ID: clientID, UserID: id.UserID, Role: role})
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := &connection{
		conn:     conn,
		session:  session,
		identity: id,
		role:     role,
		clientID: clientID,
		outbound: make(chan outgoingMessage, outboundSize),
	}

	log.Printf("[websocket] client=%s user=%s role=%s joined session=%s", c.clientID, id.UserID, c.role, sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, cancel, c, sub)
	}()

	c.reply(ctx, outgoingMessage{Type: "connected", Data: map[string]any{
		"clientId": c.clientID,
		"role":     c.role,
		"session":  session,
	}})

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	h.readLoop(ctx, c)

	cancel()
	<-writerDone
	log.Printf("[websocket] client=%s left session=%s", c.clientID, sessionID)
}

// subscribe 订阅后再确认一次会话状态：关闭若发生在首次检查与订阅之间，
// 新建的主题不会再被关闭，因此必须放弃该订阅。
func (h *WebSocketHandler) subscribe(ctx context.Context, sessionID string, id auth.Identity, client delivery.ClientRef) (*delivery.Subscription, chat.Session, error) {
	sub := h.hub.Subscribe(sessionID, client)

	session, err := h.sessions.Authorize(ctx, sessionID, id)
	if err != nil {
		sub.Unsubscribe()
		return nil, chat.Session{}, err
	}
	if !session.IsOpen() {
		sub.Unsubscribe()
		return nil, chat.Session{}, apperr.New(apperr.InvalidState, "session is closed")
	}
	return sub, session, nil
}

func (h *WebSocketHandler) readLoop(ctx context.Context, c *connection) {
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msg.SessionID != "" && msg.SessionID != c.session.ID {
			c.sendError(ctx, apperr.New(apperr.InvalidArgument, "session mismatch"), "")
			continue
		}

		h.handleMessage(ctx, c, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, c *connection, msg *inboundMessage) {
	switch msg.Type {
	case "message":
		var payload TextMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.sendError(ctx, apperr.New(apperr.InvalidArgument, "invalid message payload"), "")
			return
		}

		sent, err := h.router.SendMessage(ctx, chatService.SendRequest{
			SessionID:      c.session.ID,
			Sender:         c.identity,
			Role:           c.role,
			Text:           payload.Text,
			CorrelationID:  payload.ClientCorrelationID,
			OriginClientID: c.clientID,
		})
		if err != nil {
			c.sendError(ctx, err, payload.ClientCorrelationID)
			return
		}
		c.reply(ctx, outgoingMessage{Type: "sent", Data: sent})

	case "read":
		var payload ReadMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.MessageID < 1 {
			c.sendError(ctx, apperr.New(apperr.InvalidArgument, "invalid read payload"), "")
			return
		}
		// 回执通过会话主题广播，发起方同样会收到
		if _, err := h.router.AcknowledgeRead(ctx, c.session.ID, payload.MessageID, c.identity); err != nil {
			c.sendError(ctx, err, "")
		}

	default:
		c.sendError(ctx, apperr.New(apperr.InvalidArgument, "unsupported message type: "+msg.Type), "")
	}
}

// writeLoop 是连接上唯一的写入方：转发会话事件、直接回复与心跳。
func (h *WebSocketHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, c *connection, sub *delivery.Subscription) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	// 写端退出后取消上下文并关闭底层连接，唤醒阻塞中的读取与处理
	defer cancel()
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason(sub)))
				return
			}
			if err := c.write(outgoingMessage{
				Type:      string(event.Type),
				SessionID: event.SessionID,
				Data:      event.Payload,
				Timestamp: time.Now().Unix(),
			}); err != nil {
				log.Printf("[websocket] write event failed: %v", err)
				return
			}
		case msg := <-c.outbound:
			if err := c.write(msg); err != nil {
				log.Printf("[websocket] write reply failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeReason(sub *delivery.Subscription) string {
	if sub.Replaced() {
		return "replaced by another connection"
	}
	return "session closed"
}

func (c *connection) write(msg outgoingMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *connection) reply(ctx context.Context, msg outgoingMessage) {
	msg.SessionID = c.session.ID
	msg.Timestamp = time.Now().Unix()
	select {
	case c.outbound <- msg:
	case <-ctx.Done():
	}
}

func (c *connection) sendError(ctx context.Context, err error, correlationID string) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		log.Printf("[websocket] session=%s request failed: %v", c.session.ID, err)
	}
	data := map[string]string{
		"code":    string(apperr.CodeOf(err)),
		"message": apperr.Reason(err),
	}
	if correlationID != "" {
		data["clientCorrelationId"] = correlationID
	}
	c.reply(ctx, outgoingMessage{Type: "error", Data: data})
}
