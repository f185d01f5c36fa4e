package assistant

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	aiService "github.com/zhouzirui/livedesk/backend/internal/service/ai"
	"github.com/zhouzirui/livedesk/backend/pkg/utils"
)

const maxBodyBytes = 64 << 10

// Assistant is the AI support bot the handler streams from.
type Assistant interface {
	StreamingEnabled() bool
	Reply(ctx context.Context, req aiService.Request) (*schema.Message, error)
	Stream(ctx context.Context, req aiService.Request) (*schema.StreamReader[*schema.Message], error)
}

// Handler manages streaming assistant responses via Server-Sent Events
type Handler struct {
	assistant Assistant
}

// New creates a new assistant handler. A nil assistant answers 503.
func New(assistant Assistant) *Handler {
	return &Handler{assistant: assistant}
}

// RegisterRoutes 注册匿名访客可用的助手路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/assistant", h.handleAsk)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event    string `json:"event"`
	Content  string `json:"content,omitempty"`
	Finished bool   `json:"finished,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	if h.assistant == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "assistant unavailable")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req aiService.Request
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		utils.RespondError(w, http.StatusBadRequest, "query is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)

	utils.SendSSEChunk(w, flusher, StreamResponse{Event: "start"})

	response, err := h.dispatch(r.Context(), w, flusher, req)
	if err != nil {
		log.Printf("[assistant] generation failed: %v", err)
		utils.SendSSEChunk(w, flusher, StreamResponse{Event: "error", Error: "assistant generation failed"})
		return
	}

	utils.SendSSEChunk(w, flusher, StreamResponse{Event: "end", Finished: true})
	log.Printf("[assistant] completed response, length=%d", len(response.Content))
}

func (h *Handler) dispatch(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, req aiService.Request) (*schema.Message, error) {
	if h.assistant.StreamingEnabled() {
		return h.stream(ctx, w, flusher, req)
	}

	response, err := h.assistant.Reply(ctx, req)
	if err != nil {
		return nil, err
	}
	utils.SendSSEChunk(w, flusher, StreamResponse{Event: "message", Content: response.Content})
	return response, nil
}

func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, req aiService.Request) (*schema.Message, error) {
	stream, err := h.assistant.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content == "" {
			continue
		}
		if err := utils.SendSSEChunk(w, flusher, StreamResponse{Event: "delta", Content: chunk.Content}); err != nil {
			return nil, err
		}
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, err
	}
	utils.SendSSEChunk(w, flusher, StreamResponse{Event: "message", Content: response.Content})
	return response, nil
}
