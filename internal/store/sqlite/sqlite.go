package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/cligate/cligate/internal/model/chat"
	"github.com/cligate/cligate/internal/store"
)

// Store persists sessions and messages in a local SQLite database.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// New opens (or creates) the database at path and ensures the schema exists.
// ttl is the session time-to-live measured from creation.
func New(ctx context.Context, path string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	// modernc's driver is not safe for concurrent writers on one connection
	// pool entry; a single connection serializes statements.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, ttl: ttl}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			created_at    TIMESTAMP NOT NULL,
			last_accessed TIMESTAMP NOT NULL,
			expires_at    TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

// Exists reports whether id resolves to a session that has not expired.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ? AND expires_at > ?`,
		id, time.Now().UTC(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "query session existence")
	}
	return true, nil
}

// Create allocates a fresh session with an empty message sequence.
func (s *Store) Create(ctx context.Context) (chat.Session, error) {
	now := time.Now().UTC()
	session := chat.Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(s.ttl),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_accessed, expires_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.CreatedAt, session.LastAccessed, session.ExpiresAt,
	)
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "insert session")
	}
	return session, nil
}

// History returns the persisted message sequence for id in commit order.
func (s *Store) History(ctx context.Context, id string) ([]chat.Message, error) {
	if err := s.touch(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, m)
	}
	return messages, errors.Wrap(rows.Err(), "iterate messages")
}

// Append atomically extends the session's message sequence.
func (s *Store) Append(ctx context.Context, id string, msgs []chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_accessed = ? WHERE id = ? AND expires_at > ?`,
		now, id, now,
	)
	if err != nil {
		return errors.Wrap(err, "touch session")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "touch session")
	}
	if affected == 0 {
		return store.ErrSessionNotFound
	}

	for _, m := range msgs {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			id, m.Role, m.Content, created,
		); err != nil {
			return errors.Wrap(err, "insert message")
		}
	}

	return errors.Wrap(tx.Commit(), "commit append")
}

// CleanupExpired removes expired sessions and their messages.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	// The cascade only fires with foreign_keys on, which is per-connection;
	// delete messages explicitly so cleanup does not depend on pragma state.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE expires_at <= ?)`,
		now,
	); err != nil {
		return 0, errors.Wrap(err, "delete expired messages")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired sessions")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "count expired sessions")
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// touch bumps last_accessed, failing with ErrSessionNotFound for dead ids.
func (s *Store) touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed = ? WHERE id = ? AND expires_at > ?`,
		now, id, now,
	)
	if err != nil {
		return errors.Wrap(err, "touch session")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "touch session")
	}
	if affected == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}
