package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	Store  StoreConfig
	Chat   ChatConfig
	AI     AIConfig
	Notify NotifyConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	st, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Auth:   auth,
		Store:  st,
		Chat:   chat,
		AI:     ai,
		Notify: loadNotifyConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown}, nil
}

// AuthConfig 描述 bearer token 校验配置。
type AuthConfig struct {
	// JWTSecret 为空时从 SSM 参数 JWTSecretParam 读取。
	JWTSecret      string
	JWTSecretParam string
	Issuer         string
	OperatorRole   string
}

func loadAuthConfig() (AuthConfig, error) {
	cfg := AuthConfig{
		JWTSecret:      strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		JWTSecretParam: strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET_PARAM")),
		Issuer:         strings.TrimSpace(os.Getenv("AUTH_JWT_ISSUER")),
		OperatorRole:   getEnvOrDefault("AUTH_OPERATOR_ROLE", "admin"),
	}
	if cfg.JWTSecret == "" && cfg.JWTSecretParam == "" {
		return AuthConfig{}, fmt.Errorf("AUTH_JWT_SECRET or AUTH_JWT_SECRET_PARAM is required")
	}
	return cfg, nil
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// StoreConfig 选择会话记录的持久化后端。
type StoreConfig struct {
	Backend     string
	DatabaseURL string
	AutoMigrate bool
	DynamoTable string
}

func loadStoreConfig() (StoreConfig, error) {
	autoMigrate, err := parseBoolEnv("STORE_AUTO_MIGRATE", true)
	if err != nil {
		return StoreConfig{}, err
	}

	cfg := StoreConfig{
		Backend:     strings.ToLower(getEnvOrDefault("STORE_BACKEND", BackendMemory)),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AutoMigrate: autoMigrate,
		DynamoTable: strings.TrimSpace(os.Getenv("DYNAMO_TABLE")),
	}

	switch cfg.Backend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return StoreConfig{}, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", cfg.Backend)
		}
	case BackendDynamoDB:
		if cfg.DynamoTable == "" {
			return StoreConfig{}, fmt.Errorf("DYNAMO_TABLE is required when STORE_BACKEND=%s", cfg.Backend)
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_BACKEND value %q", cfg.Backend)
	}
	return cfg, nil
}

// DefaultNoAgentsNotice 在无客服在线时提示用户。
const DefaultNoAgentsNotice = "Thanks for reaching out! No agent is online right now. We have been notified and will reply here as soon as possible."

// ChatConfig 描述消息路由相关配置。
type ChatConfig struct {
	MaxTextLength    int
	PersistTimeout   time.Duration
	NoAgentsNotice   string
	SubscriberBuffer int
}

func loadChatConfig() (ChatConfig, error) {
	maxText, err := parsePositiveIntEnv("CHAT_MAX_TEXT_LENGTH", 2000)
	if err != nil {
		return ChatConfig{}, err
	}

	timeout, err := parseDurationEnv("CHAT_PERSIST_TIMEOUT", 5*time.Second)
	if err != nil {
		return ChatConfig{}, err
	}

	buffer, err := parsePositiveIntEnv("CHAT_SUBSCRIBER_BUFFER", 32)
	if err != nil {
		return ChatConfig{}, err
	}

	// 显式设置为空字符串表示关闭系统提示。
	notice, ok := os.LookupEnv("CHAT_NO_AGENTS_NOTICE")
	if !ok {
		notice = DefaultNoAgentsNotice
	}

	return ChatConfig{
		MaxTextLength:    maxText,
		PersistTimeout:   timeout,
		NoAgentsNotice:   strings.TrimSpace(notice),
		SubscriberBuffer: buffer,
	}, nil
}

// DefaultSystemPrompt 是客服助手的默认系统提示词。
const DefaultSystemPrompt = "You are the LiveDesk support assistant for an online course platform. " +
	"Answer questions about courses, enrollment, payments and account access briefly and politely. " +
	"If you cannot help, suggest the visitor log in and open a live chat with a human agent."

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	SystemPrompt   string
	HistoryLimit   int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	history, err := parsePositiveIntEnv("ASSISTANT_HISTORY_LIMIT", 10)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		SystemPrompt:   getEnvOrDefault("ASSISTANT_SYSTEM_PROMPT", DefaultSystemPrompt),
		HistoryLimit:   history,
	}, nil
}

// NotifyConfig 描述客服离线提醒的 webhook。
type NotifyConfig struct {
	SlackWebhookURL     string
	DiscordWebhookID    string
	DiscordWebhookToken string
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		SlackWebhookURL:     strings.TrimSpace(os.Getenv("SLACK_WEBHOOK_URL")),
		DiscordWebhookID:    strings.TrimSpace(os.Getenv("DISCORD_WEBHOOK_ID")),
		DiscordWebhookToken: strings.TrimSpace(os.Getenv("DISCORD_WEBHOOK_TOKEN")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parsePositiveIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < 1 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *val)
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
