// Package ai answers anonymous visitors with an LLM-backed support bot. It
// is stateless: the caller supplies the conversation so far on every
// request, and nothing is written to a chat transcript.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/livedesk/backend/internal/config"
)

const defaultHistoryLimit = 10

// ErrEmptyQuery is returned when the visitor sent nothing to answer.
var ErrEmptyQuery = errors.New("query is required")

// Turn is one prior exchange entry supplied by the client.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is a single assistant question.
type Request struct {
	Query   string `json:"query"`
	History []Turn `json:"history,omitempty"`
	// Page is the site section the visitor is on, used as a prompt hint.
	Page string `json:"page,omitempty"`
}

// Service encapsulates AI-powered support replies.
type Service struct {
	cfg   config.AIConfig
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the ark chat model from cfg and compiles the chain.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return newWithModel(ctx, chatModel, cfg)
}

func newWithModel(ctx context.Context, chatModel model.ChatModel, cfg config.AIConfig) (*Service, error) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = config.DefaultSystemPrompt
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile assistant chain: %w", err)
	}

	return &Service{cfg: cfg, chain: runnable}, nil
}

// StreamingEnabled 指示是否开启 SSE 流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// Reply returns the complete assistant answer.
func (s *Service) Reply(ctx context.Context, req Request) (*schema.Message, error) {
	input, err := s.buildChainInput(req)
	if err != nil {
		return nil, err
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run assistant chain: %w", err)
	}

	log.Printf("[ai] generated reply, history=%d, length=%d", len(req.History), len(response.Content))
	return response, nil
}

// Stream returns the answer as incremental chunks. The caller must close
// the reader.
func (s *Service) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}

	input, err := s.buildChainInput(req)
	if err != nil {
		return nil, err
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream assistant chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(req Request) (map[string]any, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	return map[string]any{
		"system":  s.buildSystemPrompt(req.Page),
		"history": s.buildHistoryMessages(req.History),
		"query":   query,
	}, nil
}

func (s *Service) buildSystemPrompt(page string) string {
	page = strings.TrimSpace(page)
	if page == "" {
		return s.cfg.SystemPrompt
	}
	return s.cfg.SystemPrompt + "\n\nThe visitor is currently viewing: " + page + "."
}

// buildHistoryMessages keeps the most recent turns and drops anything that
// is not a user or assistant entry.
func (s *Service) buildHistoryMessages(turns []Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	startIdx := 0
	if len(turns) > s.cfg.HistoryLimit {
		startIdx = len(turns) - s.cfg.HistoryLimit
	}

	history := make([]*schema.Message, 0, len(turns)-startIdx)
	for _, turn := range turns[startIdx:] {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		switch turn.Role {
		case "user":
			history = append(history, schema.UserMessage(content))
		case "assistant":
			history = append(history, schema.AssistantMessage(content, nil))
		}
	}
	return history
}
