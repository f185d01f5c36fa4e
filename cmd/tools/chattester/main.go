package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/config"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
)

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatal("需要在本地配置 AUTH_JWT_SECRET 才能签发测试令牌")
	}

	server := flag.String("server", "http://localhost:8080", "服务地址")
	text := flag.String("text", "", "发送的消息内容")
	user := flag.String("user", "chattester", "测试用户 ID")
	operator := flag.Bool("operator", false, "以客服身份连接")
	session := flag.String("session", "", "加入已有会话，留空则创建或恢复当前用户的会话")
	timeout := flag.Duration("timeout", 30*time.Second, "等待事件的时间")

	flag.Parse()

	authenticator, err := auth.NewJWTAuthenticator(auth.JWTConfig{
		Secret:       []byte(cfg.Auth.JWTSecret),
		Issuer:       cfg.Auth.Issuer,
		OperatorRole: cfg.Auth.OperatorRole,
	})
	if err != nil {
		log.Fatalf("初始化认证失败: %v", err)
	}

	id := auth.Identity{UserID: *user, Name: *user}
	if *operator {
		id.Roles = []string{cfg.Auth.OperatorRole}
	}
	token, err := authenticator.IssueToken(id, time.Hour)
	if err != nil {
		log.Fatalf("签发令牌失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sessionID := *session
	if sessionID == "" {
		s, err := startSession(ctx, *server, token)
		if err != nil {
			log.Fatalf("创建会话失败: %v", err)
		}
		sessionID = s.ID
	}
	log.Printf("使用会话: session=%s user=%s operator=%t", sessionID, *user, *operator)

	if err := runSession(ctx, *server, token, sessionID, *text); err != nil {
		log.Fatalf("会话测试失败: %v", err)
	}
}

func startSession(ctx context.Context, server, token string) (chat.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/sessions", nil)
	if err != nil {
		return chat.Session{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return chat.Session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return chat.Session{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var s chat.Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return chat.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func runSession(ctx context.Context, server, token, sessionID, text string) error {
	wsURL, err := websocketURL(server, sessionID, token)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if strings.TrimSpace(text) != "" {
		data, _ := json.Marshal(map[string]string{
			"text":                text,
			"clientCorrelationId": fmt.Sprintf("chattester-%d", time.Now().UnixNano()),
		})
		if err := conn.WriteJSON(frame{Type: "message", SessionID: sessionID, Data: data, Timestamp: time.Now().Unix()}); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Println("连接结束")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		log.Printf("收到事件: type=%s data=%s", f.Type, f.Data)
	}
}

func websocketURL(server, sessionID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/sessions/" + url.PathEscape(sessionID) + "/ws"
	u.RawQuery = url.Values{"access_token": {token}}.Encode()
	return u.String(), nil
}
