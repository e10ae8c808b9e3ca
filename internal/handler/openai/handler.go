package openai

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	openaiModel "github.com/cligate/cligate/internal/model/openai"
	chatService "github.com/cligate/cligate/internal/service/chat"
	modelService "github.com/cligate/cligate/internal/service/model"
	"github.com/cligate/cligate/pkg/utils"
)

// SessionHeader carries the session identifier in both directions.
const SessionHeader = "X-Session-ID"

// Handler exposes the OpenAI-compatible chat completion surface.
type Handler struct {
	orchestrator *chatService.Orchestrator
	resolver     *modelService.Resolver
}

// New creates the OpenAI-compatible handler.
func New(orchestrator *chatService.Orchestrator, resolver *modelService.Resolver) *Handler {
	return &Handler{orchestrator: orchestrator, resolver: resolver}
}

// RegisterRoutes mounts the /v1 routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/completions", h.handleChatCompletions)
	r.Get("/models", h.handleListModels)
}

func respondOpenAIError(w http.ResponseWriter, status int, errType, message string) {
	utils.RespondJSON(w, status, openaiModel.ErrorResponse{
		Error: openaiModel.ErrorDetail{
			Message: message,
			Type:    errType,
		},
	})
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	suppliedSession := r.Header.Get(SessionHeader)

	var req openaiModel.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set(SessionHeader, suppliedSession)
		respondOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, suppliedSession, req)
		return
	}

	completion, err := h.orchestrator.Complete(r.Context(), suppliedSession, req)

	// The orchestrator reports the session it resolved or created even when
	// the backend failed afterwards; echo whatever we have.
	sessionID := completion.SessionID
	if sessionID == "" {
		sessionID = suppliedSession
	}
	w.Header().Set(SessionHeader, sessionID)

	if err != nil {
		status, errType := classifyError(err)
		respondOpenAIError(w, status, errType, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, completion.Response)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, suppliedSession string, req openaiModel.ChatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.Header().Set(SessionHeader, suppliedSession)
		respondOpenAIError(w, http.StatusInternalServerError, "internal_server_error", "streaming unsupported")
		return
	}

	streamer, sessionID, err := h.orchestrator.Stream(r.Context(), suppliedSession, req)
	if err != nil {
		// A session may have been resolved or created before the backend
		// failed; echo it so the caller never sees an invalid id back.
		if sessionID == "" {
			sessionID = suppliedSession
		}
		w.Header().Set(SessionHeader, sessionID)
		status, errType := classifyError(err)
		respondOpenAIError(w, status, errType, err.Error())
		return
	}

	w.Header().Set(SessionHeader, sessionID)
	utils.SetupSSEHeaders(w)
	flusher.Flush()

	writer := &sseChunkWriter{w: w, flusher: flusher}
	if err := streamer.Run(r.Context(), writer); err != nil {
		// Headers were committed when streaming began; failures have
		// already been surfaced inline as an error frame.
		log.Printf("[openai] stream for session=%s ended with error: %v", streamer.SessionID, err)
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, _ *http.Request) {
	names := h.resolver.List()
	models := make([]openaiModel.Model, 0, len(names))
	for _, name := range names {
		models = append(models, openaiModel.Model{
			ID:      name,
			Object:  "model",
			OwnedBy: "cligate",
		})
	}
	utils.RespondJSON(w, http.StatusOK, openaiModel.ModelList{Object: "list", Data: models})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, chatService.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, chatService.ErrUpstream):
		return http.StatusInternalServerError, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

// sseChunkWriter adapts an HTTP response into the translator's frame sink.
type sseChunkWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseChunkWriter) WriteChunk(payload any) error {
	return utils.SendSSEChunk(s.w, s.flusher, payload)
}

func (s *sseChunkWriter) WriteDone() error {
	return utils.SendSSERaw(s.w, s.flusher, "[DONE]")
}
