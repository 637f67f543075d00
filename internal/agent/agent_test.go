package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyon-chat/halcyon/internal/llm"
	"github.com/halcyon-chat/halcyon/internal/memory"
	"github.com/halcyon-chat/halcyon/internal/recall"
	"github.com/halcyon-chat/halcyon/internal/session"
	"github.com/halcyon-chat/halcyon/internal/toolserver"
)

// ── Fakes ───────────────────────────────────────────────────────────────

type chatCall struct {
	messages []llm.ChatMessage
	tools    []llm.Tool
}

// scriptedCompleter replays a fixed sequence of completions and records
// every request it sees.
type scriptedCompleter struct {
	script     []*llm.Completion
	calls      []chatCall
	embedCalls int
}

func (s *scriptedCompleter) Chat(_ context.Context, messages []llm.ChatMessage, tools []llm.Tool) (*llm.Completion, error) {
	s.calls = append(s.calls, chatCall{messages: messages, tools: tools})
	if len(s.script) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next, nil
}

func (s *scriptedCompleter) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	s.embedCalls++
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func answer(text string) *llm.Completion {
	return &llm.Completion{
		Message:      llm.ChatMessage{Role: llm.RoleAssistant, Content: text},
		FinishReason: "stop",
	}
}

func toolRound(calls ...llm.ToolCall) *llm.Completion {
	return &llm.Completion{
		Message:      llm.ChatMessage{Role: llm.RoleAssistant, ToolCalls: calls},
		FinishReason: "tool_calls",
	}
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

type brokerCall struct {
	name string
	args string
}

type fakeBroker struct {
	tools   []toolserver.Tool
	calls   []brokerCall
	results map[string]*toolserver.ToolResult
	errs    map[string]error
}

func (b *fakeBroker) ListTools() []toolserver.Tool { return b.tools }

func (b *fakeBroker) Call(_ context.Context, name string, args json.RawMessage) (*toolserver.ToolResult, error) {
	b.calls = append(b.calls, brokerCall{name: name, args: string(args)})
	if err := b.errs[name]; err != nil {
		return nil, err
	}
	if r := b.results[name]; r != nil {
		return r, nil
	}
	return &toolserver.ToolResult{Content: []toolserver.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	turns    map[uuid.UUID][]session.Message
}

func newMemSessions() *memSessions {
	return &memSessions{
		sessions: make(map[string]*session.Session),
		turns:    make(map[uuid.UUID][]session.Message),
	}
}

func (m *memSessions) GetOrCreate(_ context.Context, channel, userRef string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := channel + "/" + userRef
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s := &session.Session{ID: uuid.New(), Channel: channel, UserRef: userRef}
	m.sessions[key] = s
	return s, nil
}

func (m *memSessions) Append(_ context.Context, sessionID uuid.UUID, role, content, toolName string) (*session.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := session.Message{ID: uuid.New(), SessionID: sessionID, Role: role, Content: content, ToolName: toolName}
	m.turns[sessionID] = append(m.turns[sessionID], msg)
	return &msg, nil
}

func (m *memSessions) History(_ context.Context, sessionID uuid.UUID, _ int) ([]session.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Message(nil), m.turns[sessionID]...), nil
}

func (m *memSessions) roles(sessionID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.turns[sessionID] {
		out = append(out, t.Role)
	}
	return out
}

type fixedRecaller struct{ hits []recall.Hit }

func (f *fixedRecaller) Search([]float32, int) []recall.Hit { return f.hits }

type fakeMemory struct {
	stored []string
	items  []memory.Item
}

func (f *fakeMemory) Search(context.Context, string, int) ([]memory.Item, error) {
	return f.items, nil
}

func (f *fakeMemory) Store(_ context.Context, text string, _ map[string]string) (string, error) {
	f.stored = append(f.stored, text)
	return "mem_1", nil
}

func newAgent(completer Completer, broker Broker, sessions Sessions, opts Options) *Agent {
	return New(completer, broker, sessions, nil, nil, opts, zap.NewNop())
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestRespondPlainAnswer(t *testing.T) {
	completer := &scriptedCompleter{script: []*llm.Completion{answer("hello there")}}
	sessions := newMemSessions()
	a := newAgent(completer, &fakeBroker{}, sessions, Options{})

	reply, err := a.Respond(context.Background(), "api", "u1", "hi")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Content != "hello there" || len(reply.ToolsUsed) != 0 {
		t.Fatalf("reply = %+v", reply)
	}

	roles := sessions.roles(reply.SessionID)
	want := []string{session.RoleUser, session.RoleAssistant}
	if len(roles) != len(want) || roles[0] != want[0] || roles[1] != want[1] {
		t.Fatalf("persisted roles = %v, want %v", roles, want)
	}
}

func TestRespondRunsToolRound(t *testing.T) {
	completer := &scriptedCompleter{script: []*llm.Completion{
		toolRound(toolCall("call_1", "github__search", `{"query":"halcyon"}`)),
		answer("found it"),
	}}
	broker := &fakeBroker{
		tools: []toolserver.Tool{{Name: "github__search", Server: "github", RawName: "search"}},
		results: map[string]*toolserver.ToolResult{
			"github__search": {Content: []toolserver.ContentBlock{{Type: "text", Text: "3 repos"}}},
		},
	}
	sessions := newMemSessions()
	a := newAgent(completer, broker, sessions, Options{})

	reply, err := a.Respond(context.Background(), "api", "u1", "search github for halcyon")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Content != "found it" {
		t.Fatalf("content = %q", reply.Content)
	}
	if len(reply.ToolsUsed) != 1 || reply.ToolsUsed[0] != "github__search" {
		t.Fatalf("tools used = %v", reply.ToolsUsed)
	}

	if len(broker.calls) != 1 || broker.calls[0].name != "github__search" {
		t.Fatalf("broker calls = %+v", broker.calls)
	}

	// The second request must carry the tool result keyed to the call id.
	second := completer.calls[1]
	last := second.messages[len(second.messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" || last.Content != "3 repos" {
		t.Fatalf("tool message = %+v", last)
	}

	roles := sessions.roles(reply.SessionID)
	want := []string{session.RoleUser, session.RoleTool, session.RoleAssistant}
	if len(roles) != 3 || roles[1] != session.RoleTool {
		t.Fatalf("persisted roles = %v, want %v", roles, want)
	}
}

func TestRespondToolFailureFedBackToModel(t *testing.T) {
	completer := &scriptedCompleter{script: []*llm.Completion{
		toolRound(toolCall("call_1", "github__search", `{}`)),
		answer("the tool is unavailable"),
	}}
	broker := &fakeBroker{errs: map[string]error{"github__search": toolserver.ErrNotConnected}}
	a := newAgent(completer, broker, newMemSessions(), Options{})

	reply, err := a.Respond(context.Background(), "api", "u1", "try the tool")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Content != "the tool is unavailable" {
		t.Fatalf("content = %q", reply.Content)
	}

	second := completer.calls[1]
	last := second.messages[len(second.messages)-1]
	if !strings.Contains(last.Content, "failed") {
		t.Fatalf("tool failure not reported to model: %q", last.Content)
	}
}

func TestRespondRoundBudgetForcesTextAnswer(t *testing.T) {
	completer := &scriptedCompleter{script: []*llm.Completion{
		toolRound(toolCall("c1", "github__search", `{}`)),
		toolRound(toolCall("c2", "github__search", `{}`)),
		answer("best effort"),
	}}
	broker := &fakeBroker{}
	a := newAgent(completer, broker, newMemSessions(), Options{MaxToolRounds: 2})

	reply, err := a.Respond(context.Background(), "api", "u1", "loop forever")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Content != "best effort" {
		t.Fatalf("content = %q", reply.Content)
	}
	if len(completer.calls) != 3 {
		t.Fatalf("chat calls = %d, want 3", len(completer.calls))
	}
	if completer.calls[2].tools != nil {
		t.Fatal("final forced completion still offered tools")
	}
}

func TestRecallAndMemoryFoldedIntoSystemPrompt(t *testing.T) {
	completer := &scriptedCompleter{script: []*llm.Completion{answer("ok")}}
	recaller := &fixedRecaller{hits: []recall.Hit{
		{Entry: recall.Entry{Text: "user lives in Lisbon"}, Score: 0.9},
	}}
	mem := &fakeMemory{items: []memory.Item{{Text: "user prefers short answers"}}}
	a := New(completer, &fakeBroker{}, newMemSessions(), recaller, mem, Options{}, zap.NewNop())

	if _, err := a.Respond(context.Background(), "api", "u1", "where am I based?"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if completer.embedCalls != 1 {
		t.Fatalf("embed calls = %d", completer.embedCalls)
	}

	system := completer.calls[0].messages[0]
	if system.Role != llm.RoleSystem {
		t.Fatalf("first message role = %s", system.Role)
	}
	if !strings.Contains(system.Content, "user lives in Lisbon") ||
		!strings.Contains(system.Content, "user prefers short answers") {
		t.Fatalf("context not folded in: %q", system.Content)
	}

	// The finished exchange lands in long-term memory.
	if len(mem.stored) != 1 || !strings.Contains(mem.stored[0], "where am I based?") {
		t.Fatalf("memory stored = %v", mem.stored)
	}
}

func TestRespondRejectsEmptyInput(t *testing.T) {
	a := newAgent(&scriptedCompleter{}, &fakeBroker{}, newMemSessions(), Options{})
	if _, err := a.Respond(context.Background(), "api", "u1", "   "); err == nil {
		t.Fatal("blank input accepted")
	}
}

func TestCapabilityToolsNamespaceAndSchema(t *testing.T) {
	catalog := []toolserver.Tool{
		{Name: "github__search", Description: "search repos", InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`)},
		{Name: "clock__now"},
	}
	tools := capabilityTools(catalog)
	if len(tools) != 2 {
		t.Fatalf("tools = %d", len(tools))
	}
	if tools[0].Type != "function" || tools[0].Function.Name != "github__search" {
		t.Fatalf("tools[0] = %+v", tools[0])
	}
	if !strings.Contains(string(tools[0].Function.Parameters), "query") {
		t.Fatalf("schema not passed through: %s", tools[0].Function.Parameters)
	}
	if string(tools[1].Function.Parameters) != string(emptySchema) {
		t.Fatalf("missing schema not defaulted: %s", tools[1].Function.Parameters)
	}
	if capabilityTools(nil) != nil {
		t.Fatal("empty catalog should produce no tools")
	}
}
