package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	chatModel "github.com/cligate/cligate/internal/model/chat"
	"github.com/cligate/cligate/internal/model/openai"
	"github.com/cligate/cligate/internal/service/backend"
	modelService "github.com/cligate/cligate/internal/service/model"
	"github.com/cligate/cligate/internal/store"
)

var (
	// ErrInvalidRequest marks failures surfaced before any backend or store
	// side effect: bad message lists, unsupported models.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUpstream marks backend invocation failures. The session is never
	// mutated when this is returned.
	ErrUpstream = errors.New("upstream backend failure")
)

// Completion is the outcome of a non-streaming call.
type Completion struct {
	SessionID string
	Response  openai.ChatCompletionResponse
}

// Orchestrator turns a caller request into a completed response or a
// streaming handle, guaranteeing the session history reflects exactly the
// messages sent for inference plus one resulting assistant turn.
type Orchestrator struct {
	store    store.SessionStore
	runner   backend.Runner
	resolver *modelService.Resolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator wires the conversation core over its collaborators.
func NewOrchestrator(st store.SessionStore, runner backend.Runner, resolver *modelService.Resolver) *Orchestrator {
	return &Orchestrator{
		store:    st,
		runner:   runner,
		resolver: resolver,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing calls against one session id.
// Cross-session calls proceed fully in parallel.
func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// validate rejects malformed message lists before any side effect.
func validate(req openai.ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range req.Messages {
		if !chatModel.ValidRole(m.Role) {
			return fmt.Errorf("%w: message %d has unrecognized role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

// resolveSession loads an existing session's history or creates a fresh
// session. A supplied id that is unknown or expired is treated the same as
// an absent one, never as an error.
func (o *Orchestrator) resolveSession(ctx context.Context, suppliedID string) (string, []chatModel.Message, error) {
	if suppliedID != "" {
		ok, err := o.store.Exists(ctx, suppliedID)
		if err != nil {
			return "", nil, err
		}
		if ok {
			history, err := o.store.History(ctx, suppliedID)
			if err == nil {
				return suppliedID, history, nil
			}
			// Expired between the existence check and the read.
			if !errors.Is(err, store.ErrSessionNotFound) {
				return "", nil, err
			}
		}
	}

	session, err := o.store.Create(ctx)
	if err != nil {
		return "", nil, err
	}
	return session.ID, nil, nil
}

// FlattenContext renders history plus the new messages as the role-prefixed
// textual prompt handed to the backend.
func FlattenContext(history []chatModel.Message, incoming []openai.ChatMessage) string {
	parts := make([]string, 0, len(history)+len(incoming))
	for _, m := range history {
		parts = append(parts, prefixFor(m.Role)+m.Content)
	}
	for _, m := range incoming {
		parts = append(parts, prefixFor(m.Role)+m.Content)
	}
	return strings.Join(parts, "\n\n")
}

func prefixFor(role string) string {
	switch role {
	case chatModel.RoleSystem:
		return "System: "
	case chatModel.RoleAssistant:
		return "Assistant: "
	default:
		return "User: "
	}
}

// newResponseID mints a chat-completion response identifier.
func newResponseID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "chatcmpl-" + hex[:29]
}

// turnMessages converts the caller's submitted messages to persisted form.
func turnMessages(sessionID string, incoming []openai.ChatMessage) []chatModel.Message {
	msgs := make([]chatModel.Message, 0, len(incoming)+1)
	for _, m := range incoming {
		msgs = append(msgs, chatModel.Message{
			SessionID: sessionID,
			Role:      m.Role,
			Content:   m.Content,
		})
	}
	return msgs
}

// Complete drives the non-streaming path: resolve session, merge history,
// invoke the backend once, then commit the turn.
func (o *Orchestrator) Complete(ctx context.Context, suppliedID string, req openai.ChatCompletionRequest) (Completion, error) {
	if err := validate(req); err != nil {
		return Completion{}, err
	}
	resolved, err := o.resolver.Resolve(req.Model)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	lockID := suppliedID
	if lockID == "" {
		lockID = uuid.NewString()
	}
	lock := o.lockFor(lockID)
	lock.Lock()
	defer func() { lock.Unlock() }()

	sessionID, history, err := o.resolveSession(ctx, suppliedID)
	if err != nil {
		return Completion{}, err
	}
	if sessionID != lockID {
		// Fresh session: move the critical section onto the real id so
		// follow-up calls with this id serialize against it.
		lock.Unlock()
		lock = o.lockFor(sessionID)
		lock.Lock()
	}

	prompt := FlattenContext(history, req.Messages)
	result, err := o.runner.Complete(ctx, prompt, resolved)
	if err != nil {
		return Completion{SessionID: sessionID}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	msgs := append(turnMessages(sessionID, req.Messages), chatModel.Message{
		SessionID: sessionID,
		Role:      chatModel.RoleAssistant,
		Content:   result.Text,
	})
	if err := o.store.Append(ctx, sessionID, msgs); err != nil {
		return Completion{SessionID: sessionID}, err
	}

	echo := req.Model
	if echo == "" {
		echo = resolved
	}
	return Completion{
		SessionID: sessionID,
		Response: openai.ChatCompletionResponse{
			ID:      newResponseID(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   echo,
			Choices: []openai.Choice{{
				Index: 0,
				Message: openai.ResponseMessage{
					Role:    chatModel.RoleAssistant,
					Content: result.Text,
				},
				FinishReason: "stop",
			}},
			Usage: openai.Usage{
				PromptTokens:     result.Usage.InputTokens,
				CompletionTokens: result.Usage.OutputTokens,
				TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
			},
		},
	}, nil
}

// Stream drives the streaming path up to the backend invocation and hands
// the event sequence to a Streamer. The per-session lock stays held until
// the Streamer finishes so concurrent calls serialize per session. The
// returned session id is valid whenever a session was resolved or created,
// even when the backend failed to start afterwards.
func (o *Orchestrator) Stream(ctx context.Context, suppliedID string, req openai.ChatCompletionRequest) (*Streamer, string, error) {
	if err := validate(req); err != nil {
		return nil, "", err
	}
	resolved, err := o.resolver.Resolve(req.Model)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	lockID := suppliedID
	if lockID == "" {
		lockID = uuid.NewString()
	}
	lock := o.lockFor(lockID)
	lock.Lock()

	sessionID, history, err := o.resolveSession(ctx, suppliedID)
	if err != nil {
		lock.Unlock()
		return nil, "", err
	}
	if sessionID != lockID {
		lock.Unlock()
		lock = o.lockFor(sessionID)
		lock.Lock()
	}

	prompt := FlattenContext(history, req.Messages)
	events, err := o.runner.Stream(ctx, prompt, resolved)
	if err != nil {
		lock.Unlock()
		return nil, sessionID, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	echo := req.Model
	if echo == "" {
		echo = resolved
	}

	var once sync.Once
	return newStreamer(streamerParams{
		sessionID: sessionID,
		model:     echo,
		events:    events,
		commit: func(ctx context.Context, assistantText string) error {
			msgs := append(turnMessages(sessionID, req.Messages), chatModel.Message{
				SessionID: sessionID,
				Role:      chatModel.RoleAssistant,
				Content:   assistantText,
			})
			if err := o.store.Append(ctx, sessionID, msgs); err != nil {
				log.Printf("[chat] failed to commit streamed turn for session=%s: %v", sessionID, err)
				return err
			}
			return nil
		},
		release: func() {
			once.Do(lock.Unlock)
		},
	}), sessionID, nil
}
