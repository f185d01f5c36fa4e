package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
)

func TestRespondAppError(t *testing.T) {
	w := httptest.NewRecorder()
	RespondAppError(w, apperr.New(apperr.InvalidState, "session is closed"))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "INVALID_STATE" || body["error"] != "session is closed" {
		t.Fatalf("unexpected body %v", body)
	}

	w = httptest.NewRecorder()
	RespondAppError(w, errors.New("disk on fire"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for foreign error, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "disk on fire") {
		t.Fatalf("foreign error leaked to client: %s", w.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Text string `json:"text"`
	}
	if err := DecodeJSON(strings.NewReader(""), &v); err != nil {
		t.Fatalf("empty body should decode to zero value, got %v", err)
	}
	if err := DecodeJSON(strings.NewReader(`{"text":"hi"}`), &v); err != nil || v.Text != "hi" {
		t.Fatalf("unexpected decode result %q, %v", v.Text, err)
	}
	if err := DecodeJSON(strings.NewReader(`{"text":`), &v); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestSendSSEChunk(t *testing.T) {
	w := httptest.NewRecorder()
	SetupSSEHeaders(w)
	if err := SendSSEChunk(w, w, map[string]string{"event": "start"}); err != nil {
		t.Fatalf("send chunk: %v", err)
	}

	if got := w.Body.String(); got != "data: {\"event\":\"start\"}\n\n" {
		t.Fatalf("unexpected chunk %q", got)
	}
	if !w.Flushed {
		t.Fatal("expected chunk to be flushed")
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %s", ct)
	}
}
