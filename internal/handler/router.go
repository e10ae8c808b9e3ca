package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	openaiHandler "github.com/cligate/cligate/internal/handler/openai"
	middlewarePkg "github.com/cligate/cligate/internal/middleware"
	chatService "github.com/cligate/cligate/internal/service/chat"
	modelService "github.com/cligate/cligate/internal/service/model"
	"github.com/cligate/cligate/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(orchestrator *chatService.Orchestrator, resolver *modelService.Resolver) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "cligate API server"})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	openaiH := openaiHandler.New(orchestrator, resolver)
	r.Route("/v1", func(v1 chi.Router) {
		openaiH.RegisterRoutes(v1)
	})

	return r
}
