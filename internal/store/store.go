package store

import (
	"context"
	"errors"

	"github.com/cligate/cligate/internal/model/chat"
)

// ErrSessionNotFound signals that an identifier does not resolve to a live
// session, either because it was never created or because it expired. Callers
// treat it as "no existing session", not as a hard failure.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the durable, append-only log of conversation turns.
// Message order within a session equals commit order; messages are never
// edited or deleted in place.
type SessionStore interface {
	// Exists reports whether id resolves to a session that has not expired.
	Exists(ctx context.Context, id string) (bool, error)

	// Create allocates a fresh session with an empty message sequence.
	Create(ctx context.Context) (chat.Session, error)

	// History returns the full persisted message sequence in commit order.
	// Returns ErrSessionNotFound for absent or expired ids.
	History(ctx context.Context, id string) ([]chat.Message, error)

	// Append atomically extends the session's message sequence. Returns
	// ErrSessionNotFound under the same conditions as History.
	Append(ctx context.Context, id string, msgs []chat.Message) error

	// CleanupExpired removes sessions past their expiry along with their
	// messages, returning how many sessions were deleted.
	CleanupExpired(ctx context.Context) (int64, error)

	Close() error
}
