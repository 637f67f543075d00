// Package session persists conversations: one Session per chat thread and
// an append-only list of Messages inside it. Storage is PostgreSQL through
// a thin repository; the service layer carries the little logic there is.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Message roles as stored. These mirror the model provider's roles so a
// history can be replayed into a prompt without translation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Session is one conversation thread, keyed by the external channel and
// user that own it.
type Session struct {
	ID        uuid.UUID `json:"id"`
	Channel   string    `json:"channel"`
	UserRef   string    `json:"user_ref"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn in a session. ToolName is set only for role "tool"
// records and holds the namespaced tool that produced the content.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	Embedded  bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
