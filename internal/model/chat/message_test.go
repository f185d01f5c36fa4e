package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMessageJSONReadFlagOnlyForUserMessages(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	userMsg := Message{ID: 1, SessionID: "s1", Sender: SenderUser, SenderID: "u1", Text: "hi", Timestamp: ts}
	data, err := json.Marshal(userMsg)
	if err != nil {
		t.Fatalf("marshal user message: %v", err)
	}
	if !strings.Contains(string(data), `"readByAdmin":false`) {
		t.Fatalf("expected readByAdmin in user message, got %s", data)
	}

	adminMsg := Message{ID: 2, SessionID: "s1", Sender: SenderAdmin, SenderID: "op", Text: "hello", Timestamp: ts, ReadByAdmin: true}
	data, err = json.Marshal(adminMsg)
	if err != nil {
		t.Fatalf("marshal admin message: %v", err)
	}
	if strings.Contains(string(data), "readByAdmin") {
		t.Fatalf("admin message must omit readByAdmin, got %s", data)
	}
	if !strings.Contains(string(data), `"messageId":2`) {
		t.Fatalf("expected messageId, got %s", data)
	}
}

func TestSenderValid(t *testing.T) {
	for _, s := range []Sender{SenderUser, SenderAdmin, SenderSystem} {
		if !s.Valid() {
			t.Fatalf("expected %s to be valid", s)
		}
	}
	if Sender("bot").Valid() {
		t.Fatal("unexpected valid sender")
	}
}
