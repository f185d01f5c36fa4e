package auth

import (
	"net/http"
	"strings"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/pkg/utils"
)

// Middleware authenticates every request and stores the Identity in the
// request context. Browsers cannot set headers on WebSocket upgrades, so
// the access_token query parameter is accepted as a fallback.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), tokenFromRequest(r))
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, apperr.Reason(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
