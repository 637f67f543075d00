// Package agent runs the conversation loop: it assembles a prompt from
// session history and recalled context, lets the model call broker tools
// for a bounded number of rounds, and persists every turn.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyon-chat/halcyon/internal/llm"
	"github.com/halcyon-chat/halcyon/internal/memory"
	"github.com/halcyon-chat/halcyon/internal/recall"
	"github.com/halcyon-chat/halcyon/internal/session"
	"github.com/halcyon-chat/halcyon/internal/toolserver"
)

const defaultSystemPrompt = "You are Halcyon, a helpful assistant. Use the available tools when they help answer the user."

// Broker is the tool surface the agent uses.
type Broker interface {
	ListTools() []toolserver.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (*toolserver.ToolResult, error)
}

// Completer is the model surface the agent uses.
type Completer interface {
	Chat(ctx context.Context, messages []llm.ChatMessage, tools []llm.Tool) (*llm.Completion, error)
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Sessions is the persistence surface the agent uses. *session.Service
// satisfies it.
type Sessions interface {
	GetOrCreate(ctx context.Context, channel, userRef string) (*session.Session, error)
	Append(ctx context.Context, sessionID uuid.UUID, role, content, toolName string) (*session.Message, error)
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.Message, error)
}

// Recaller searches the local vector index. *recall.Store satisfies it.
type Recaller interface {
	Search(vector []float32, topK int) []recall.Hit
}

// LongTermMemory is the external memory service. *memory.Client satisfies
// it; a nil client disables it.
type LongTermMemory interface {
	Search(ctx context.Context, query string, limit int) ([]memory.Item, error)
	Store(ctx context.Context, text string, metadata map[string]string) (string, error)
}

// Options tunes the agent.
type Options struct {
	SystemPrompt string
	// MaxToolRounds bounds how many consecutive tool-calling rounds the
	// model gets before it is forced to answer in text.
	MaxToolRounds int
	RecallTopK    int
	HistoryLimit  int
}

// Reply is one completed assistant turn.
type Reply struct {
	SessionID uuid.UUID `json:"session_id"`
	Content   string    `json:"content"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
}

// Agent orchestrates one assistant.
type Agent struct {
	completer Completer
	broker    Broker
	sessions  Sessions
	recaller  Recaller
	memory    LongTermMemory
	opts      Options
	logger    *zap.Logger
}

// New creates an Agent. recaller and mem may be nil.
func New(completer Completer, broker Broker, sessions Sessions, recaller Recaller, mem LongTermMemory, opts Options, logger *zap.Logger) *Agent {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 8
	}
	if opts.RecallTopK <= 0 {
		opts.RecallTopK = 5
	}
	return &Agent{
		completer: completer,
		broker:    broker,
		sessions:  sessions,
		recaller:  recaller,
		memory:    mem,
		opts:      opts,
		logger:    logger,
	}
}

// Respond handles one user turn end to end.
func (a *Agent) Respond(ctx context.Context, channel, userRef, input string) (*Reply, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("agent: empty input")
	}

	sess, err := a.sessions.GetOrCreate(ctx, channel, userRef)
	if err != nil {
		return nil, fmt.Errorf("agent: session: %w", err)
	}
	if _, err := a.sessions.Append(ctx, sess.ID, session.RoleUser, input, ""); err != nil {
		return nil, fmt.Errorf("agent: persist user turn: %w", err)
	}

	messages, err := a.buildPrompt(ctx, sess.ID, input)
	if err != nil {
		return nil, err
	}
	tools := capabilityTools(a.broker.ListTools())

	var toolsUsed []string
	for round := 0; round < a.opts.MaxToolRounds; round++ {
		completion, err := a.completer.Chat(ctx, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("agent: completion: %w", err)
		}
		if !completion.HasToolCalls() {
			return a.finish(ctx, sess.ID, input, completion.Message.Content, toolsUsed)
		}

		messages = append(messages, completion.Message)
		for _, call := range completion.Message.ToolCalls {
			output := a.execToolCall(ctx, call)
			toolsUsed = append(toolsUsed, call.Function.Name)
			messages = append(messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
			if _, err := a.sessions.Append(ctx, sess.ID, session.RoleTool, output, call.Function.Name); err != nil {
				a.logger.Warn("persist tool turn", zap.Error(err))
			}
		}
	}

	// Round budget spent: ask once more without tools so the model must
	// answer in text.
	completion, err := a.completer.Chat(ctx, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: final completion: %w", err)
	}
	return a.finish(ctx, sess.ID, input, completion.Message.Content, toolsUsed)
}

func (a *Agent) finish(ctx context.Context, sessionID uuid.UUID, input, answer string, toolsUsed []string) (*Reply, error) {
	if _, err := a.sessions.Append(ctx, sessionID, session.RoleAssistant, answer, ""); err != nil {
		return nil, fmt.Errorf("agent: persist assistant turn: %w", err)
	}
	a.remember(ctx, sessionID, input, answer)
	return &Reply{SessionID: sessionID, Content: answer, ToolsUsed: toolsUsed}, nil
}

// buildPrompt assembles the system prompt, recalled context, and recent
// history. Only user and assistant turns are replayed; tool transcripts
// stay in the store for audit but would bloat the prompt.
func (a *Agent) buildPrompt(ctx context.Context, sessionID uuid.UUID, input string) ([]llm.ChatMessage, error) {
	system := a.opts.SystemPrompt
	if ctxBlock := a.recallContext(ctx, input); ctxBlock != "" {
		system += "\n\nContext that may be relevant:\n" + ctxBlock
	}

	history, err := a.sessions.History(ctx, sessionID, a.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("agent: history: %w", err)
	}

	messages := make([]llm.ChatMessage, 0, len(history)+1)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		if m.Role != session.RoleUser && m.Role != session.RoleAssistant {
			continue
		}
		messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return messages, nil
}

// recallContext gathers context lines from the local index and the
// external memory service. Both are best effort; a failure costs context,
// not the turn.
func (a *Agent) recallContext(ctx context.Context, input string) string {
	var lines []string

	if a.recaller != nil {
		vectors, err := a.completer.Embed(ctx, []string{input})
		if err != nil {
			a.logger.Warn("embed recall query", zap.Error(err))
		} else if len(vectors) == 1 {
			for _, hit := range a.recaller.Search(vectors[0], a.opts.RecallTopK) {
				lines = append(lines, "- "+hit.Entry.Text)
			}
		}
	}

	if a.memory != nil {
		items, err := a.memory.Search(ctx, input, a.opts.RecallTopK)
		if err != nil {
			a.logger.Warn("memory search", zap.Error(err))
		} else {
			for _, item := range items {
				lines = append(lines, "- "+item.Text)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// remember writes the finished exchange to the external memory service.
func (a *Agent) remember(ctx context.Context, sessionID uuid.UUID, input, answer string) {
	if a.memory == nil {
		return
	}
	text := "user: " + input + "\nassistant: " + answer
	if _, err := a.memory.Store(ctx, text, map[string]string{"session_id": sessionID.String()}); err != nil {
		a.logger.Warn("memory store", zap.Error(err))
	}
}

// execToolCall runs one tool call and renders its outcome as text for the
// model. Failures are reported back to the model rather than aborting the
// turn, so it can recover or explain.
func (a *Agent) execToolCall(ctx context.Context, call llm.ToolCall) string {
	args := json.RawMessage(call.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	result, err := a.broker.Call(ctx, call.Function.Name, args)
	if err != nil {
		a.logger.Warn("tool call failed",
			zap.String("tool", call.Function.Name),
			zap.Error(err),
		)
		return fmt.Sprintf("tool %s failed: %v", call.Function.Name, err)
	}
	text := result.Text()
	if result.IsError {
		return fmt.Sprintf("tool %s reported an error: %s", call.Function.Name, text)
	}
	return text
}
