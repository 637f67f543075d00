package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence surface the service needs. *Repository
// implements it; tests substitute an in-memory stub.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	FindSession(ctx context.Context, channel, userRef string) (*Session, error)
	SetTitle(ctx context.Context, id uuid.UUID, title string) error
	TouchSession(ctx context.Context, id uuid.UUID) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	AppendMessage(ctx context.Context, m *Message) error
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error)
	UnembeddedMessages(ctx context.Context, limit int) ([]Message, error)
	MarkEmbedded(ctx context.Context, ids []uuid.UUID) error
}

// defaultHistoryLimit bounds how much history is replayed into a prompt.
const defaultHistoryLimit = 50

// Service wraps the store with conversation-level operations.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// GetOrCreate returns the current session for a channel/user pair,
// creating one on first contact.
func (s *Service) GetOrCreate(ctx context.Context, channel, userRef string) (*Session, error) {
	if channel == "" || userRef == "" {
		return nil, fmt.Errorf("session: channel and user_ref are required")
	}

	sess, err := s.store.FindSession(ctx, channel, userRef)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sess = &Session{Channel: channel, UserRef: userRef}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID.String()),
		zap.String("channel", channel),
	)
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.store.GetSession(ctx, id)
}

// Append records one turn and bumps the session's recency.
func (s *Service) Append(ctx context.Context, sessionID uuid.UUID, role, content, toolName string) (*Message, error) {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return nil, fmt.Errorf("session: unknown role %q", role)
	}

	m := &Message{SessionID: sessionID, Role: role, Content: content, ToolName: toolName}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := s.store.TouchSession(ctx, sessionID); err != nil {
		s.logger.Warn("touch session", zap.Error(err))
	}
	if role == RoleUser {
		s.maybeTitle(ctx, sessionID, content)
	}
	return m, nil
}

// maybeTitle titles an untitled session from its first user message.
// Best effort; a failure costs the title, not the turn.
func (s *Service) maybeTitle(ctx context.Context, sessionID uuid.UUID, content string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess.Title != "" {
		return
	}
	if err := s.store.SetTitle(ctx, sessionID, Title(content)); err != nil {
		s.logger.Warn("set session title", zap.Error(err))
	}
}

// History returns the most recent turns of a session, oldest first.
func (s *Service) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.store.History(ctx, sessionID, limit)
}

// Delete removes a session and its messages.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteSession(ctx, id)
}

// Title derives a short session title from the first user message,
// truncating on a rune boundary so multibyte input stays valid UTF-8.
func Title(content string) string {
	content = strings.TrimSpace(content)
	if len(content) > 80 {
		cut := 80
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	return content
}
