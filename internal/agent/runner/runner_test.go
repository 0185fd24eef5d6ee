package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/protocol"
)

// scriptProvider plays one scripted event sequence per Stream call.
type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]ai.StreamEvent
	err     error
	reqs    []*ai.ChatRequest
}

func (p *scriptProvider) ID() string { return "script" }

func (p *scriptProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	var events []ai.StreamEvent
	if len(p.scripts) > 0 {
		events = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	ch := make(chan ai.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

func (p *scriptProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *scriptProvider) request(i int) *ai.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[i]
}

// panicProvider blows up inside the loop goroutine.
type panicProvider struct{}

func (panicProvider) ID() string { return "panic" }

func (panicProvider) Stream(context.Context, *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	panic("boom")
}

type echoInput struct {
	Text string `json:"text"`
}

// echoTool records executions and returns a canned reply.
type echoTool struct {
	mu     sync.Mutex
	inputs []string
	onExec func()
}

func (e *echoTool) Name() string           { return "echo" }
func (e *echoTool) Description() string    { return "Echoes text back." }
func (e *echoTool) RiskLevel() string      { return tools.RiskLow }
func (e *echoTool) RequiresApproval() bool { return false }
func (e *echoTool) BuiltIn() bool          { return false }

func (e *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}

func (e *echoTool) Execute(_ context.Context, input json.RawMessage) (*tools.ToolResult, error) {
	var in echoInput
	_ = json.Unmarshal(input, &in)
	e.mu.Lock()
	e.inputs = append(e.inputs, in.Text)
	e.mu.Unlock()
	if e.onExec != nil {
		e.onExec()
	}
	return &tools.ToolResult{Content: "echo: " + in.Text}, nil
}

func (e *echoTool) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inputs...)
}

type runnerFixture struct {
	t       *testing.T
	store   *db.Store
	user    *db.User
	scout   *db.Agent
	chef    *db.Agent
	convID  string
	frameID string
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	logging.Disable()
	t.Cleanup(logging.Enable)

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()

	user := &db.User{Username: "sam", DisplayName: "Sam"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	scout := &db.Agent{UserID: user.ID, Name: "Scout", SystemPrompt: "You scout locations.", ModelName: "llama3"}
	if err := store.CreateAgent(ctx, scout); err != nil {
		t.Fatal(err)
	}
	chef := &db.Agent{UserID: user.ID, Name: "Chef", SystemPrompt: "You plan food.", ModelName: "llama3"}
	if err := store.CreateAgent(ctx, chef); err != nil {
		t.Fatal(err)
	}

	conv := &db.Conversation{UserID: user.ID, Title: "Picnic"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	frame := &db.Frame{ConversationID: conv.ID}
	if err := store.CreateFrame(ctx, frame); err != nil {
		t.Fatal(err)
	}
	seed := &db.Message{FrameID: frame.ID, Role: db.RoleUser, Content: "Plan a picnic for Saturday"}
	if err := store.AppendMessage(ctx, seed); err != nil {
		t.Fatal(err)
	}

	return &runnerFixture{t: t, store: store, user: user, scout: scout, chef: chef, convID: conv.ID, frameID: frame.ID}
}

func (f *runnerFixture) turn(agent *db.Agent, registry *tools.Registry) *Turn {
	f.t.Helper()
	history, err := f.store.ListFrameMessages(context.Background(), f.frameID)
	if err != nil {
		f.t.Fatal(err)
	}
	return &Turn{
		Agent:          agent,
		User:           f.user,
		History:        history,
		ConversationID: f.convID,
		FrameID:        f.frameID,
		Registry:       registry,
	}
}

// rows returns every persisted message after the seeded user prompt.
func (f *runnerFixture) rows() []db.Message {
	f.t.Helper()
	msgs, err := f.store.ListFrameMessages(context.Background(), f.frameID)
	if err != nil {
		f.t.Fatal(err)
	}
	return msgs[1:]
}

func collect(t *testing.T, ch <-chan protocol.ServerEvent) []protocol.ServerEvent {
	t.Helper()
	var events []protocol.ServerEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func chunksOf(events []protocol.ServerEvent) []*protocol.StreamChunk {
	var out []*protocol.StreamChunk
	for _, ev := range events {
		if c, ok := ev.(*protocol.StreamChunk); ok {
			out = append(out, c)
		}
	}
	return out
}

func textEvent(s string) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.EventTypeText, Text: s}
}

func thinkingEvent(s string) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.EventTypeThinking, Text: s}
}

func toolCallEvent(id, name, args string) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}}
}

func errorEvent(err error) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.EventTypeError, Error: err}
}

func doneEvent() ai.StreamEvent {
	return ai.StreamEvent{Type: ai.EventTypeDone}
}

func TestProcessStreamsAndPersistsAssistantTurn(t *testing.T) {
	f := newRunnerFixture(t)
	f.scout.Think = true

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{{
		thinkingEvent("Let me think."),
		textEvent("Hello "),
		textEvent("there."),
		doneEvent(),
	}}}
	r := New(provider, f.store)

	events := collect(t, r.Process(context.Background(), f.turn(f.scout, tools.NewRegistry())))

	chunks := chunksOf(events)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	first := chunks[0]
	if first.Thinking != "Let me think." || first.Content != "" {
		t.Errorf("first chunk = %q / thinking %q, want thinking only", first.Content, first.Thinking)
	}
	if first.Role != protocol.RoleAssistant || first.AgentID != f.scout.ID || first.Name != "Scout" {
		t.Errorf("chunk attribution = %s/%s/%s", first.Role, first.AgentID, first.Name)
	}
	if first.ConversationID != f.convID || first.FrameID != f.frameID {
		t.Errorf("chunk ids = %s/%s", first.ConversationID, first.FrameID)
	}
	if first.EventID == "" || first.Type != protocol.TypeStreamChunk {
		t.Errorf("chunk envelope = %q/%q", first.Type, first.EventID)
	}
	if chunks[1].Content != "Hello " || chunks[2].Content != "there." {
		t.Errorf("content chunks = %q, %q", chunks[1].Content, chunks[2].Content)
	}

	rows := f.rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted row, got %d", len(rows))
	}
	row := rows[0]
	if row.Role != db.RoleAssistant || row.Name != "Scout" || row.AgentID != f.scout.ID {
		t.Errorf("row attribution = %s/%s/%s", row.Role, row.Name, row.AgentID)
	}
	if row.Content != "Hello there." || row.Thinking != "Let me think." {
		t.Errorf("row content = %q / thinking %q", row.Content, row.Thinking)
	}
	if row.RawInput != "" || row.RawOutput != "" {
		t.Errorf("raw payloads persisted without DebugRaw")
	}

	req := provider.request(0)
	if req.Model != "llama3" || !req.EnableThinking {
		t.Errorf("request = model %q thinking %v", req.Model, req.EnableThinking)
	}
	if req.Messages[0].Role != db.RoleSystem || !strings.Contains(req.Messages[0].Content, "You are Scout.") {
		t.Errorf("system message = %q", req.Messages[0].Content)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != db.RoleUser || last.Content != "[User]: Plan a picnic for Saturday" {
		t.Errorf("last message = %s %q", last.Role, last.Content)
	}
}

func TestProcessRunsToolRoundsSerially(t *testing.T) {
	f := newRunnerFixture(t)

	echo := &echoTool{}
	registry := tools.NewRegistry()
	registry.Register(echo)

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{
		{
			textEvent("Checking."),
			toolCallEvent("call-1", "echo", `{"text":"first"}`),
			toolCallEvent("call-2", "echo", `{"text":"second"}`),
		},
		{textEvent("Both done.")},
	}}
	r := New(provider, f.store)

	events := collect(t, r.Process(context.Background(), f.turn(f.scout, registry)))

	chunks := chunksOf(events)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "Checking." || chunks[0].Role != protocol.RoleAssistant {
		t.Errorf("chunk 0 = %s %q", chunks[0].Role, chunks[0].Content)
	}
	for i, want := range []string{"echo: first", "echo: second"} {
		c := chunks[i+1]
		if c.Role != protocol.RoleTool || c.Name != "echo" || c.Content != want {
			t.Errorf("tool chunk %d = %s/%s %q", i, c.Role, c.Name, c.Content)
		}
		if c.AgentID != "" {
			t.Errorf("tool chunk %d carries agent id %q", i, c.AgentID)
		}
	}
	if chunks[3].Content != "Both done." {
		t.Errorf("final chunk = %q", chunks[3].Content)
	}

	if got := echo.executed(); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("executions = %v", got)
	}

	rows := f.rows()
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if rows[0].Content != "Checking." || rows[3].Content != "Both done." {
		t.Errorf("assistant rows = %q, %q", rows[0].Content, rows[3].Content)
	}
	for i, want := range []string{"echo: first", "echo: second"} {
		row := rows[i+1]
		if row.Role != db.RoleTool || row.Name != "echo" || row.Content != want {
			t.Errorf("tool row %d = %s/%s %q", i, row.Role, row.Name, row.Content)
		}
	}

	msgs := provider.request(1).Messages
	tail := msgs[len(msgs)-3:]
	if tail[0].Role != db.RoleAssistant || len(tail[0].ToolCalls) != 2 {
		t.Errorf("follow-up assistant message has %d tool calls", len(tail[0].ToolCalls))
	}
	if tail[1].Role != db.RoleTool || tail[1].ToolResults[0].ToolCallID != "call-1" {
		t.Errorf("follow-up tool message 1 = %+v", tail[1])
	}
	if tail[2].Content != "echo: second" || tail[2].ToolResults[0].ToolCallID != "call-2" {
		t.Errorf("follow-up tool message 2 = %+v", tail[2])
	}
}

func TestProcessStopsAtRoundBudget(t *testing.T) {
	f := newRunnerFixture(t)

	echo := &echoTool{}
	registry := tools.NewRegistry()
	registry.Register(echo)

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{
		{toolCallEvent("call-1", "echo", `{"text":"one"}`)},
		{toolCallEvent("call-2", "echo", `{"text":"two"}`)},
	}}
	r := New(provider, f.store)

	turn := f.turn(f.scout, registry)
	turn.Budget = NewBudget(2)

	events := collect(t, r.Process(context.Background(), turn))

	if provider.calls() != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls())
	}
	for _, c := range chunksOf(events) {
		if strings.HasPrefix(c.Content, "Error:") {
			t.Errorf("budget exhaustion produced error chunk %q", c.Content)
		}
	}
	if got := echo.executed(); len(got) != 2 {
		t.Errorf("executions = %v", got)
	}
}

func TestProcessStreamSetupErrorEmitsErrorChunk(t *testing.T) {
	f := newRunnerFixture(t)

	provider := &scriptProvider{err: fmt.Errorf("model offline")}
	r := New(provider, f.store)

	events := collect(t, r.Process(context.Background(), f.turn(f.scout, tools.NewRegistry())))

	chunks := chunksOf(events)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Content != "Error: model offline" || chunks[0].Role != protocol.RoleAssistant {
		t.Errorf("chunk = %s %q", chunks[0].Role, chunks[0].Content)
	}

	rows := f.rows()
	if len(rows) != 1 || rows[0].Content != "Error: model offline" || rows[0].AgentID != f.scout.ID {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestProcessMidStreamErrorKeepsPartialContent(t *testing.T) {
	f := newRunnerFixture(t)

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{{
		textEvent("partial "),
		errorEvent(fmt.Errorf("connection reset")),
	}}}
	r := New(provider, f.store)

	events := collect(t, r.Process(context.Background(), f.turn(f.scout, tools.NewRegistry())))

	chunks := chunksOf(events)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "partial " || chunks[1].Content != "Error: connection reset" {
		t.Errorf("chunks = %q, %q", chunks[0].Content, chunks[1].Content)
	}

	rows := f.rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Content != "partial " || rows[1].Content != "Error: connection reset" {
		t.Errorf("rows = %q, %q", rows[0].Content, rows[1].Content)
	}
}

func TestProcessCancelledBeforeStart(t *testing.T) {
	f := newRunnerFixture(t)

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{{textEvent("never sent")}}}
	r := New(provider, f.store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := collect(t, r.Process(ctx, f.turn(f.scout, tools.NewRegistry())))

	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
	if provider.calls() != 0 {
		t.Errorf("provider called %d times", provider.calls())
	}
	if rows := f.rows(); len(rows) != 0 {
		t.Errorf("persisted %d rows", len(rows))
	}
}

func TestProcessDiscardsToolResultAfterCancel(t *testing.T) {
	f := newRunnerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	echo := &echoTool{onExec: cancel}
	registry := tools.NewRegistry()
	registry.Register(echo)

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{{
		textEvent("Working."),
		toolCallEvent("call-1", "echo", `{"text":"late"}`),
	}}}
	r := New(provider, f.store)

	events := collect(t, r.Process(ctx, f.turn(f.scout, registry)))

	chunks := chunksOf(events)
	if len(chunks) != 1 || chunks[0].Content != "Working." {
		t.Fatalf("chunks = %+v", chunks)
	}

	// The streamed fragment survives; the post-cancel tool result does not.
	rows := f.rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Role != db.RoleAssistant || rows[0].Content != "Working." {
		t.Errorf("row = %s %q", rows[0].Role, rows[0].Content)
	}
	if got := echo.executed(); len(got) != 1 {
		t.Errorf("executions = %v", got)
	}
}

func TestProcessDelegationStreamsChildInline(t *testing.T) {
	f := newRunnerFixture(t)

	delegateName := DelegatePrefix + f.chef.ID
	provider := &scriptProvider{scripts: [][]ai.StreamEvent{
		{toolCallEvent("call-1", delegateName, `{"reason":"food question"}`)},
		{textEvent("Sandwiches packed.")},
		{textEvent("All set.")},
	}}
	r := New(provider, f.store)

	turn := f.turn(f.scout, tools.NewRegistry())
	turn.Delegate = true
	turn.Peers = []db.Agent{*f.chef}

	events := collect(t, r.Process(context.Background(), turn))

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	sw, ok := events[0].(*protocol.AgentSwitch)
	if !ok {
		t.Fatalf("event 0 = %T, want agent switch", events[0])
	}
	if sw.FromAgentID != f.scout.ID || sw.ToAgentID != f.chef.ID || sw.Reason != "food question" {
		t.Errorf("switch = %s to %s (%q)", sw.FromAgentName, sw.ToAgentName, sw.Reason)
	}

	child := events[1].(*protocol.StreamChunk)
	if child.Content != "Sandwiches packed." || child.AgentID != f.chef.ID || child.Name != "Chef" {
		t.Errorf("child chunk = %q from %s/%s", child.Content, child.AgentID, child.Name)
	}

	result := events[2].(*protocol.StreamChunk)
	if result.Role != protocol.RoleTool || result.Name != delegateName || result.Content != "Delegated to Chef." {
		t.Errorf("result chunk = %s/%s %q", result.Role, result.Name, result.Content)
	}

	resumed := events[3].(*protocol.StreamChunk)
	if resumed.Content != "All set." || resumed.AgentID != f.scout.ID {
		t.Errorf("resumed chunk = %q from %s", resumed.Content, resumed.AgentID)
	}

	if provider.calls() != 3 {
		t.Fatalf("provider called %d times, want 3", provider.calls())
	}
	childReq := provider.request(1)
	system := childReq.Messages[0].Content
	if !strings.Contains(system, "You are Chef.") || !strings.Contains(system, "- Scout:") {
		t.Errorf("child system message = %q", system)
	}

	rows := f.rows()
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if rows[1].Name != "Chef" || rows[1].Content != "Sandwiches packed." {
		t.Errorf("child row = %s %q", rows[1].Name, rows[1].Content)
	}
	if rows[2].Role != db.RoleTool || rows[2].Content != "Delegated to Chef." {
		t.Errorf("tool row = %s %q", rows[2].Role, rows[2].Content)
	}
	if rows[3].Name != "Scout" || rows[3].Content != "All set." {
		t.Errorf("resumed row = %s %q", rows[3].Name, rows[3].Content)
	}
}

func TestProcessDelegationSharesRoundBudget(t *testing.T) {
	f := newRunnerFixture(t)

	delegateName := DelegatePrefix + f.chef.ID
	provider := &scriptProvider{scripts: [][]ai.StreamEvent{
		{toolCallEvent("call-1", delegateName, `{"reason":"quick one"}`)},
		{textEvent("Quick answer.")},
	}}
	r := New(provider, f.store)

	turn := f.turn(f.scout, tools.NewRegistry())
	turn.Delegate = true
	turn.Peers = []db.Agent{*f.chef}
	turn.Budget = NewBudget(2)

	events := collect(t, r.Process(context.Background(), turn))

	// Delegator spent round one, the child spent round two; the
	// delegator gets no further round after the handoff returns.
	if provider.calls() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.calls())
	}
	last := events[len(events)-1]
	c, ok := last.(*protocol.StreamChunk)
	if !ok || c.Role != protocol.RoleTool || c.Name != delegateName {
		t.Errorf("last event = %#v, want delegation result chunk", last)
	}
	for _, c := range chunksOf(events) {
		if strings.HasPrefix(c.Content, "Error:") {
			t.Errorf("unexpected error chunk %q", c.Content)
		}
	}
}

func TestProcessRecoversFromPanic(t *testing.T) {
	f := newRunnerFixture(t)

	r := New(panicProvider{}, f.store)
	events := collect(t, r.Process(context.Background(), f.turn(f.scout, tools.NewRegistry())))

	chunks := chunksOf(events)
	if len(chunks) != 1 || chunks[0].Content != "Error: boom" {
		t.Fatalf("chunks = %+v", chunks)
	}
	rows := f.rows()
	if len(rows) != 1 || rows[0].Content != "Error: boom" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestProcessHidesExcludedTools(t *testing.T) {
	f := newRunnerFixture(t)
	f.scout.ExcludedTools = []string{"echo"}

	registry := tools.NewRegistry()
	registry.Register(&echoTool{})

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{{textEvent("No tools needed.")}}}
	r := New(provider, f.store)

	collect(t, r.Process(context.Background(), f.turn(f.scout, registry)))

	if got := provider.request(0).Tools; len(got) != 0 {
		t.Errorf("exposed tools = %v", got)
	}
}

func TestProcessModelOverride(t *testing.T) {
	f := newRunnerFixture(t)

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{{textEvent("ok")}}}
	r := New(provider, f.store)

	turn := f.turn(f.scout, tools.NewRegistry())
	turn.Model = "qwen3:14b"

	collect(t, r.Process(context.Background(), turn))

	if got := provider.request(0).Model; got != "qwen3:14b" {
		t.Errorf("model = %q", got)
	}
}

func TestProcessDebugRawPersistsPayloads(t *testing.T) {
	f := newRunnerFixture(t)

	provider := &scriptProvider{scripts: [][]ai.StreamEvent{{textEvent("raw please")}}}
	r := New(provider, f.store)

	turn := f.turn(f.scout, tools.NewRegistry())
	turn.DebugRaw = true

	collect(t, r.Process(context.Background(), turn))

	rows := f.rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if !strings.Contains(rows[0].RawInput, `"model"`) {
		t.Errorf("raw input = %q", rows[0].RawInput)
	}
	if !strings.Contains(rows[0].RawOutput, "raw please") {
		t.Errorf("raw output = %q", rows[0].RawOutput)
	}
}

func TestBudgetTake(t *testing.T) {
	b := NewBudget(2)
	if !b.Take() || !b.Take() {
		t.Fatal("first two takes should succeed")
	}
	if b.Take() {
		t.Fatal("third take should fail")
	}
	if b.Take() {
		t.Fatal("budget must stay spent")
	}
}
