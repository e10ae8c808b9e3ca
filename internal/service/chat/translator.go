package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	chatModel "github.com/cligate/cligate/internal/model/chat"
	"github.com/cligate/cligate/internal/model/openai"
	"github.com/cligate/cligate/internal/service/backend"
)

// ChunkWriter delivers protocol frames to the caller. WriteChunk sends one
// JSON data frame; WriteDone sends the end-of-stream sentinel.
type ChunkWriter interface {
	WriteChunk(payload any) error
	WriteDone() error
}

// Streamer converts a backend event sequence into chat.completion.chunk
// frames, buffering assistant text so the completed turn can be persisted
// exactly once after the stream ends.
type Streamer struct {
	SessionID string

	respID  string
	created int64
	model   string
	events  <-chan backend.Event
	acc     strings.Builder
	commit  func(ctx context.Context, assistantText string) error
	release func()
}

type streamerParams struct {
	sessionID string
	model     string
	events    <-chan backend.Event
	commit    func(ctx context.Context, assistantText string) error
	release   func()
}

func newStreamer(p streamerParams) *Streamer {
	return &Streamer{
		SessionID: p.sessionID,
		respID:    newResponseID(),
		created:   time.Now().Unix(),
		model:     p.model,
		events:    p.events,
		commit:    p.commit,
		release:   p.release,
	}
}

func (s *Streamer) chunk(delta openai.StreamDelta, finish *string) openai.StreamResponse {
	return openai.StreamResponse{
		ID:      s.respID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.StreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

// Run pumps the event sequence until its terminal event, writing one frame
// per non-empty delta. On a successful terminal event it writes the final
// chunk plus the sentinel and commits the turn; on failure or cancellation
// nothing is persisted and the accumulated text is discarded.
func (s *Streamer) Run(ctx context.Context, w ChunkWriter) error {
	defer s.release()

	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				return errors.New("backend stream ended without a terminal event")
			}
			switch ev.Kind {
			case backend.EventDelta:
				s.acc.WriteString(ev.Text)
				if ev.Text == "" {
					continue
				}
				delta := openai.StreamDelta{Content: ev.Text}
				if first {
					delta.Role = chatModel.RoleAssistant
					first = false
				}
				if err := w.WriteChunk(s.chunk(delta, nil)); err != nil {
					return err
				}

			case backend.EventDone:
				finish := "stop"
				if err := w.WriteChunk(s.chunk(openai.StreamDelta{}, &finish)); err != nil {
					return err
				}
				if err := w.WriteDone(); err != nil {
					return err
				}
				// The turn completed even if the client is gone by now.
				return s.commit(context.WithoutCancel(ctx), s.acc.String())

			case backend.EventFailed:
				_ = w.WriteChunk(openai.ErrorResponse{
					Error: openai.ErrorDetail{
						Message: ev.Err.Error(),
						Type:    "upstream_error",
					},
				})
				return ev.Err
			}
		}
	}
}
