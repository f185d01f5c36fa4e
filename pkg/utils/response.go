package utils

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}
// RespondAppError 将业务错误映射为HTTP状态码并输出 {"error", "code"}
func RespondAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[http] request failed: %v", err)
	}
	RespondJSON(w, status, map[string]string{
		"error": apperr.Reason(err),
		"code":  string(apperr.CodeOf(err)),
	})
}
