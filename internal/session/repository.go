package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a session or message lookup matches nothing.
var ErrNotFound = errors.New("session not found")

// Repository provides CRUD over sessions and messages against PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateSession inserts a new session, setting ID and timestamps.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	q := `
		INSERT INTO sessions (id, channel, user_ref, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.db.Exec(ctx, q, s.ID, s.Channel, s.UserRef, s.Title, s.CreatedAt, s.UpdatedAt); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	q := `SELECT id, channel, user_ref, title, created_at, updated_at FROM sessions WHERE id = $1`
	var s Session
	err := r.db.QueryRow(ctx, q, id).Scan(&s.ID, &s.Channel, &s.UserRef, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// FindSession retrieves the most recent session for a channel/user pair.
func (r *Repository) FindSession(ctx context.Context, channel, userRef string) (*Session, error) {
	q := `
		SELECT id, channel, user_ref, title, created_at, updated_at
		FROM sessions
		WHERE channel = $1 AND user_ref = $2
		ORDER BY updated_at DESC
		LIMIT 1`
	var s Session
	err := r.db.QueryRow(ctx, q, channel, userRef).Scan(&s.ID, &s.Channel, &s.UserRef, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &s, nil
}

// SetTitle sets a session's title.
func (r *Repository) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	_, err := r.db.Exec(ctx, `UPDATE sessions SET title = $2 WHERE id = $1`, id, title)
	return err
}

// TouchSession bumps a session's updated_at.
func (r *Repository) TouchSession(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE sessions SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	return err
}

// DeleteSession removes a session and, via the schema's cascade, its
// messages.
func (r *Repository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message, setting ID and CreatedAt.
func (r *Repository) AppendMessage(ctx context.Context, m *Message) error {
	m.ID = uuid.New()
	m.CreatedAt = time.Now().UTC()

	q := `
		INSERT INTO messages (id, session_id, role, content, tool_name, embedded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.Exec(ctx, q, m.ID, m.SessionID, m.Role, m.Content, m.ToolName, m.Embedded, m.CreatedAt); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// History returns the most recent limit messages of a session in
// chronological order.
func (r *Repository) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	q := `
		SELECT id, session_id, role, content, tool_name, embedded, created_at
		FROM (
			SELECT id, session_id, role, content, tool_name, embedded, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnembeddedMessages returns up to limit user and assistant messages not
// yet indexed for recall, oldest first.
func (r *Repository) UnembeddedMessages(ctx context.Context, limit int) ([]Message, error) {
	q := `
		SELECT id, session_id, role, content, tool_name, embedded, created_at
		FROM messages
		WHERE embedded = false AND role IN ('user', 'assistant')
		ORDER BY created_at ASC
		LIMIT $1`
	rows, err := r.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("unembedded messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkEmbedded flags messages as indexed for recall.
func (r *Repository) MarkEmbedded(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE messages SET embedded = true WHERE id = ANY($1)`, ids)
	return err
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ToolName, &m.Embedded, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
