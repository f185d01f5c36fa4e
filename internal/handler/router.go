package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/handler/assistant"
	"github.com/zhouzirui/livedesk/backend/internal/handler/realtime"
	"github.com/zhouzirui/livedesk/backend/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/livedesk/backend/internal/middleware"
	chatService "github.com/zhouzirui/livedesk/backend/internal/service/chat"
	"github.com/zhouzirui/livedesk/backend/internal/service/delivery"
	sessionService "github.com/zhouzirui/livedesk/backend/internal/service/session"
	"github.com/zhouzirui/livedesk/backend/pkg/utils"
)

// Dependencies are the services the HTTP layer is wired to.
type Dependencies struct {
	Auth     auth.Authenticator
	Sessions *sessionService.Manager
	Chat     *chatService.Router
	Hub      *delivery.Hub
	// Assistant is optional; nil answers the assistant route with 503.
	Assistant assistant.Assistant
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := session.New(deps.Sessions, deps.Chat)
	wsHandler := realtime.NewWebSocketHandler(deps.Sessions, deps.Chat, deps.Hub)
	assistantHandler := assistant.New(deps.Assistant)

	r.Route("/api", func(api chi.Router) {
		api.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// 匿名访客可用
		assistantHandler.RegisterRoutes(api)

		api.Group(func(authed chi.Router) {
			authed.Use(auth.Middleware(deps.Auth))
			sessionHandler.RegisterRoutes(authed)
			wsHandler.RegisterRoutes(authed)
		})
	})

	return r
}
