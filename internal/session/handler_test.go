package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/agent/view"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/schedule"
)

// scriptProvider plays one scripted event sequence per Stream call.
type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]ai.StreamEvent
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

func (p *scriptProvider) load(scripts ...[]ai.StreamEvent) {
	p.mu.Lock()
	p.scripts = scripts
	p.mu.Unlock()
}

// panicProvider blows up on the first stream.
type panicProvider struct{}

func (panicProvider) ID() string { return "panic" }

func (panicProvider) Stream(context.Context, *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	panic("boom")
}

// fakePool hands every lookup the same provider.
type fakePool struct {
	provider ai.Provider
	err      error
	model    string
}

func (p *fakePool) ProviderFor(string) (ai.Provider, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.provider, nil
}

func (p *fakePool) DefaultModel() string { return p.model }
func (p *fakePool) SummaryModel() string { return p.model }

// gatedTool requires approval and records what it ran with.
type gatedTool struct {
	mu     sync.Mutex
	inputs []string
}

type gatedInput struct {
	Path string `json:"path"`
}

func (g *gatedTool) Name() string           { return "wipe_cache" }
func (g *gatedTool) Description() string    { return "Clears a cache directory." }
func (g *gatedTool) RiskLevel() string      { return tools.RiskHigh }
func (g *gatedTool) RequiresApproval() bool { return true }
func (g *gatedTool) BuiltIn() bool          { return false }

func (g *gatedTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
}

func (g *gatedTool) Execute(_ context.Context, input json.RawMessage) (*tools.ToolResult, error) {
	var in gatedInput
	_ = json.Unmarshal(input, &in)
	g.mu.Lock()
	g.inputs = append(g.inputs, in.Path)
	g.mu.Unlock()
	return &tools.ToolResult{Content: "cleared " + in.Path}, nil
}

func (g *gatedTool) executed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.inputs...)
}

type sessionFixture struct {
	t            *testing.T
	cfg          *config.Config
	store        *db.Store
	provider     *scriptProvider
	postProvider *scriptProvider
	registry     *tools.Registry
	user         *db.User
	d            *deps
	h            *Handler
	socket       *fakeSocket
}

func newSessionFixture(t *testing.T, scripts ...[]ai.StreamEvent) *sessionFixture {
	t.Helper()
	logging.Disable()
	t.Cleanup(logging.Enable)

	dir := t.TempDir()
	store, err := db.NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.DataDir = dir

	user := &db.User{Username: "sam", DisplayName: "Sam"}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	f := &sessionFixture{
		t:            t,
		cfg:          cfg,
		store:        store,
		provider:     &scriptProvider{scripts: scripts},
		postProvider: &scriptProvider{},
		registry:     tools.NewRegistry(),
		user:         user,
	}
	f.d = &deps{
		cfg:       cfg,
		store:     store,
		providers: &fakePool{provider: f.provider, model: "llama3"},
		tools:     f.registry,
		post:      newPostTurn(store, &fakePool{provider: f.postProvider, model: "llama3"}),
	}
	f.h = newHandler(user.ID, f.d)
	t.Cleanup(f.h.Close)
	f.socket = &fakeSocket{}
	f.h.Attach(f.socket)
	return f
}

func (f *sessionFixture) addAgent(name string) *db.Agent {
	f.t.Helper()
	a := &db.Agent{UserID: f.user.ID, Name: name, SystemPrompt: "You are " + name + ".", ModelName: "llama3"}
	if err := f.store.CreateAgent(context.Background(), a); err != nil {
		f.t.Fatal(err)
	}
	return a
}

func clientEnvelope(eventType string) protocol.Envelope {
	return protocol.Envelope{Type: eventType, EventID: "evt-test", Timestamp: time.Now().UTC()}
}

// send feeds one client event to the handler the way the socket would.
func (f *sessionFixture) send(ev protocol.ClientEvent) {
	f.t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		f.t.Fatal(err)
	}
	f.h.HandleFrame(data)
}

func (f *sessionFixture) chat(req *protocol.ChatRequest) {
	f.t.Helper()
	req.Envelope = clientEnvelope(protocol.TypeChatRequest)
	f.send(req)
}

func (f *sessionFixture) answer(approvalID string, approved bool, modified json.RawMessage) {
	f.t.Helper()
	f.send(&protocol.ToolApprovalResponse{
		Envelope:     clientEnvelope(protocol.TypeToolApprovalResponse),
		ApprovalID:   approvalID,
		Approved:     approved,
		ModifiedArgs: modified,
	})
}

// awaitApproval blocks until a tool_approval_request lands on the
// socket and returns it.
func (f *sessionFixture) awaitApproval() wireEvent {
	f.t.Helper()
	evs := f.socket.waitFor(f.t, "approval request", func(evs []wireEvent) bool {
		for _, ev := range evs {
			if ev.Type == protocol.TypeToolApprovalRequest {
				return true
			}
		}
		return false
	})
	for _, ev := range evs {
		if ev.Type == protocol.TypeToolApprovalRequest {
			return ev
		}
	}
	return wireEvent{}
}

// waitIdle blocks until no turn is running. The turn's events are
// already buffered by then.
func (f *sessionFixture) waitIdle() {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.h.Active() {
		if time.Now().After(deadline) {
			f.t.Fatal("turn never finished")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *sessionFixture) frameMessages(frameID string) []db.Message {
	f.t.Helper()
	msgs, err := f.store.ListFrameMessages(context.Background(), frameID)
	if err != nil {
		f.t.Fatal(err)
	}
	return msgs
}

func textEvent(s string) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.EventTypeText, Text: s}
}

func toolCallEvent(id, name, args string) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}}
}

func errorEvent(err error) ai.StreamEvent {
	return ai.StreamEvent{Type: ai.EventTypeError, Error: err}
}

func routeTo(name, reason string) ai.StreamEvent {
	args, _ := json.Marshal(map[string]string{"agent_name": name, "reason": reason})
	return toolCallEvent("route", tools.RouteToAgentName, string(args))
}

func routeToUser() ai.StreamEvent {
	return toolCallEvent("route", tools.RouteToUserName, `{}`)
}

func TestSingleAgentTurnStreamsAndPersists(t *testing.T) {
	f := newSessionFixture(t, []ai.StreamEvent{textEvent("Hi Sam.")})
	scout := f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "Hello there"})
	evs := f.socket.waitDone(t, 1)

	if len(evs) != 2 {
		t.Fatalf("got %d events, want chunk+done: %+v", len(evs), evs)
	}
	c := evs[0]
	if c.Type != protocol.TypeStreamChunk || c.Content != "Hi Sam." {
		t.Errorf("chunk = %s %q", c.Type, c.Content)
	}
	if c.Role != protocol.RoleAssistant || c.Name != "Scout" || c.AgentID != scout.ID {
		t.Errorf("chunk attribution = %s/%s/%s", c.Role, c.Name, c.AgentID)
	}
	done := evs[1]
	if done.ConversationID == "" || done.FrameID == "" {
		t.Fatalf("done ids = %q/%q", done.ConversationID, done.FrameID)
	}
	if c.ConversationID != done.ConversationID || c.FrameID != done.FrameID {
		t.Errorf("chunk ids %q/%q differ from done", c.ConversationID, c.FrameID)
	}

	// One agent selects itself; no routing call is spent.
	if f.provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", f.provider.calls())
	}

	convs, err := f.store.ListConversations(context.Background(), f.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Title != "Hello there" {
		t.Fatalf("conversations = %+v", convs)
	}
	msgs := f.frameMessages(done.FrameID)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d rows, want 2", len(msgs))
	}
	if msgs[0].Role != db.RoleUser || msgs[0].Content != "Hello there" {
		t.Errorf("user row = %s %q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != db.RoleAssistant || msgs[1].Content != "Hi Sam." || msgs[1].Name != "Scout" {
		t.Errorf("assistant row = %s %q by %s", msgs[1].Role, msgs[1].Content, msgs[1].Name)
	}
}

func TestTitleExcerpt(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Plan the team offsite\nsomewhere warm", "Plan the team offsite"},
		{"  padded  ", "padded"},
		{strings.Repeat("x", 70), strings.Repeat("x", 59) + "…"},
	}
	for _, tc := range cases {
		if got := titleExcerpt(tc.in); got != tc.want {
			t.Errorf("titleExcerpt(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRoutingConsultsAdministratorBetweenSpeakers(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{routeTo("Scout", "maps")},
		[]ai.StreamEvent{textEvent("On it.")},
		[]ai.StreamEvent{routeToUser()},
	)
	f.addAgent("Scout")
	f.addAgent("Chef")

	f.chat(&protocol.ChatRequest{Text: "Where should we go?"})
	evs := f.socket.waitDone(t, 1)

	wantTypes := []string{protocol.TypeStreamChunk, protocol.TypeStreamChunk, protocol.TypeStreamChunk, protocol.TypeDone}
	if len(evs) != len(wantTypes) {
		t.Fatalf("got %d events: %+v", len(evs), evs)
	}
	if evs[0].Role != protocol.RoleTool || evs[0].Name != tools.RouteToAgentName || evs[0].Content != "Routing to Scout: maps" {
		t.Errorf("routing chunk = %s/%s %q", evs[0].Role, evs[0].Name, evs[0].Content)
	}
	if evs[1].Name != "Scout" || evs[1].Content != "On it." {
		t.Errorf("agent chunk = %s %q", evs[1].Name, evs[1].Content)
	}
	if evs[2].Name != tools.RouteToUserName || evs[2].Content != "Routing to user" {
		t.Errorf("closing chunk = %s %q", evs[2].Name, evs[2].Content)
	}

	if f.provider.calls() != 3 {
		t.Fatalf("provider called %d times, want 3", f.provider.calls())
	}
	admin := f.provider.request(0)
	if len(admin.Tools) != 2 {
		t.Errorf("routing request exposes %d tools", len(admin.Tools))
	}
	if admin.Model != "llama3" {
		t.Errorf("routing model = %q", admin.Model)
	}
	system := admin.Messages[0].Content
	if !strings.Contains(system, "- Scout:") || !strings.Contains(system, "- Chef:") {
		t.Errorf("routing system prompt = %q", system)
	}
}

func TestPreRoutedQueueDrainsBeforeNewDecision(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{routeTo("Scout", "first"), routeTo("Chef", "second")},
		[]ai.StreamEvent{textEvent("Scout speaking.")},
		[]ai.StreamEvent{textEvent("Chef speaking.")},
		[]ai.StreamEvent{routeToUser()},
	)
	f.addAgent("Scout")
	f.addAgent("Chef")

	f.chat(&protocol.ChatRequest{Text: "Plan dinner"})
	evs := f.socket.waitDone(t, 1)

	want := []string{
		"Routing to Scout: first",
		"Routing to Chef: second",
		"Scout speaking.",
		"Chef speaking.",
		"Routing to user",
		"",
	}
	if len(evs) != len(want) {
		t.Fatalf("got %d events: %+v", len(evs), evs)
	}
	for i, content := range want[:5] {
		if evs[i].Content != content {
			t.Errorf("event %d = %q, want %q", i, evs[i].Content, content)
		}
	}

	// Both queued speakers ran off one decision; the Administrator was
	// consulted exactly twice.
	if f.provider.calls() != 4 {
		t.Errorf("provider called %d times, want 4", f.provider.calls())
	}
}

func TestUnknownRouteTargetReturnsToUser(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{routeTo("Ghost", ""), routeTo("Scout", "backup")},
	)
	f.addAgent("Scout")
	f.addAgent("Chef")

	f.chat(&protocol.ChatRequest{Text: "Ask Ghost"})
	evs := f.socket.waitDone(t, 1)

	if evs[0].Content != "Agent 'Ghost' not found." {
		t.Errorf("first chunk = %q", evs[0].Content)
	}
	if evs[len(evs)-1].Type != protocol.TypeDone {
		t.Errorf("last event = %s", evs[len(evs)-1].Type)
	}
	// The failed route ends the turn before the queued backup speaks.
	if f.provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", f.provider.calls())
	}
}

func TestAgentPinBypassesRouting(t *testing.T) {
	f := newSessionFixture(t, []ai.StreamEvent{textEvent("Pinned.")})
	scout := f.addAgent("Scout")
	f.addAgent("Chef")

	f.chat(&protocol.ChatRequest{Text: "Scout only", AgentID: scout.ID})
	evs := f.socket.waitDone(t, 1)

	if len(evs) != 2 || evs[0].Name != "Scout" || evs[0].Content != "Pinned." {
		t.Fatalf("events = %+v", evs)
	}
	if f.provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", f.provider.calls())
	}
}

func TestUnknownAgentPinFails(t *testing.T) {
	f := newSessionFixture(t)
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "hi", AgentID: "ghost"})
	evs := f.socket.waitDone(t, 1)

	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Type != protocol.TypeError || evs[0].Code != protocol.CodeNotFound || !strings.Contains(evs[0].Error, "ghost") {
		t.Errorf("error event = %s %s %q", evs[0].Type, evs[0].Code, evs[0].Error)
	}
	if f.provider.calls() != 0 {
		t.Errorf("provider called %d times", f.provider.calls())
	}
}

func TestNoAgentsStreamsNotice(t *testing.T) {
	f := newSessionFixture(t)

	f.chat(&protocol.ChatRequest{Text: "anyone?"})
	evs := f.socket.waitDone(t, 1)

	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Content != noAgentsNotice || evs[0].Name != view.AdministratorName {
		t.Errorf("notice = %q from %s", evs[0].Content, evs[0].Name)
	}
	if f.provider.calls() != 0 {
		t.Errorf("provider called %d times", f.provider.calls())
	}
}

func TestConversationNotFound(t *testing.T) {
	f := newSessionFixture(t)
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "hi", ConversationID: "missing"})
	evs := f.socket.waitDone(t, 1)

	if evs[0].Code != protocol.CodeNotFound || !strings.Contains(evs[0].Error, "missing") {
		t.Errorf("error = %s %q", evs[0].Code, evs[0].Error)
	}
	done := evs[len(evs)-1]
	if done.ConversationID != "" || done.FrameID != "" {
		t.Errorf("done ids = %q/%q, want empty", done.ConversationID, done.FrameID)
	}
}

func TestForeignConversationReadsAsMissing(t *testing.T) {
	f := newSessionFixture(t)
	f.addAgent("Scout")

	other := &db.User{Username: "eve"}
	if err := f.store.CreateUser(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	conv := &db.Conversation{UserID: other.ID, Title: "theirs"}
	if err := f.store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	f.chat(&protocol.ChatRequest{Text: "peek", ConversationID: conv.ID})
	evs := f.socket.waitDone(t, 1)

	if evs[0].Code != protocol.CodeNotFound {
		t.Errorf("error code = %s, want NOT_FOUND", evs[0].Code)
	}
}

func TestEmptyRequestRejected(t *testing.T) {
	f := newSessionFixture(t)
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "   "})

	evs := f.socket.events(t)
	if len(evs) != 1 || evs[0].Type != protocol.TypeError || evs[0].Code != protocol.CodeValidation {
		t.Fatalf("events = %+v", evs)
	}
	if f.h.Active() {
		t.Error("rejected request started a turn")
	}
}

func TestMalformedFrameAnswersBadEvent(t *testing.T) {
	f := newSessionFixture(t)

	f.h.HandleFrame([]byte(`{"type":"mystery"}`))
	f.h.HandleFrame([]byte(`{broken`))

	evs := f.socket.events(t)
	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	for i, ev := range evs {
		if ev.Type != protocol.TypeError || ev.Code != protocol.CodeBadEvent {
			t.Errorf("event %d = %s %s", i, ev.Type, ev.Code)
		}
	}
	if !strings.Contains(evs[0].Error, "mystery") {
		t.Errorf("unknown-type error = %q", evs[0].Error)
	}
}

func TestApprovalApproveRunsTool(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{toolCallEvent("t1", "wipe_cache", `{"path":"/tmp/x"}`)},
		[]ai.StreamEvent{textEvent("Cache cleared.")},
	)
	g := &gatedTool{}
	f.registry.Register(g)
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "clear the cache"})
	req := f.awaitApproval()

	if req.ToolName != "wipe_cache" || req.Name != "Scout" || req.RiskLevel != tools.RiskHigh {
		t.Errorf("approval request = %s by %s risk %s", req.ToolName, req.Name, req.RiskLevel)
	}
	if req.ApprovalID == "" || req.ApprovalID == "t1" {
		t.Errorf("approval id = %q, want a fresh id", req.ApprovalID)
	}

	f.answer(req.ApprovalID, true, nil)
	evs := f.socket.waitDone(t, 1)

	if len(evs) != 4 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[1].Role != protocol.RoleTool || evs[1].Name != "wipe_cache" || evs[1].Content != "cleared /tmp/x" {
		t.Errorf("tool chunk = %s/%s %q", evs[1].Role, evs[1].Name, evs[1].Content)
	}
	if evs[2].Content != "Cache cleared." {
		t.Errorf("final chunk = %q", evs[2].Content)
	}
	if got := g.executed(); len(got) != 1 || got[0] != "/tmp/x" {
		t.Errorf("executions = %v", got)
	}
}

func TestApprovalDenialSkipsTool(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{toolCallEvent("t1", "wipe_cache", `{"path":"/tmp/x"}`)},
		[]ai.StreamEvent{textEvent("Understood.")},
	)
	g := &gatedTool{}
	f.registry.Register(g)
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "clear the cache"})
	req := f.awaitApproval()
	f.answer(req.ApprovalID, false, nil)
	evs := f.socket.waitDone(t, 1)

	if evs[1].Content != "Tool execution denied by user: wipe_cache" {
		t.Errorf("tool chunk = %q", evs[1].Content)
	}
	if got := g.executed(); len(got) != 0 {
		t.Errorf("denied tool ran: %v", got)
	}
}

func TestApprovalModifiedArgs(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{toolCallEvent("t1", "wipe_cache", `{"path":"/tmp/x"}`)},
		[]ai.StreamEvent{textEvent("Done.")},
	)
	g := &gatedTool{}
	f.registry.Register(g)
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "clear the cache"})
	req := f.awaitApproval()
	f.answer(req.ApprovalID, true, json.RawMessage(`{"path":"/var/y"}`))
	f.socket.waitDone(t, 1)

	if got := g.executed(); len(got) != 1 || got[0] != "/var/y" {
		t.Errorf("executions = %v, want the modified args", got)
	}
}

func TestApprovalTimeoutDenies(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{toolCallEvent("t1", "wipe_cache", `{"path":"/tmp/x"}`)},
		[]ai.StreamEvent{textEvent("Moving on.")},
	)
	f.cfg.Chat.ApprovalTimeout = 1
	g := &gatedTool{}
	f.registry.Register(g)
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "clear the cache"})
	evs := f.socket.waitDone(t, 1)

	denied := false
	for _, ev := range evs {
		if ev.Content == "Tool execution denied by user: wipe_cache" {
			denied = true
		}
	}
	if !denied {
		t.Errorf("no denial chunk in %+v", evs)
	}
	if got := g.executed(); len(got) != 0 {
		t.Errorf("timed-out tool ran: %v", got)
	}
}

func TestUnmatchedApprovalResponseIgnored(t *testing.T) {
	f := newSessionFixture(t)

	f.answer("no-such-id", true, nil)

	if n := f.socket.len(); n != 0 {
		t.Errorf("stray approval produced %d events", n)
	}
}

func TestCancelDuringApprovalEndsTurn(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{toolCallEvent("t1", "wipe_cache", `{"path":"/tmp/x"}`)},
	)
	g := &gatedTool{}
	f.registry.Register(g)
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "clear the cache"})
	f.awaitApproval()
	f.send(&protocol.Cancel{Envelope: clientEnvelope(protocol.TypeCancel)})

	evs := f.socket.waitDone(t, 1)
	if len(evs) != 3 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[1].Type != protocol.TypeError || evs[1].Code != protocol.CodeCancelled {
		t.Errorf("event 1 = %s %s, want CANCELLED error", evs[1].Type, evs[1].Code)
	}
	if evs[2].Type != protocol.TypeDone {
		t.Errorf("last event = %s", evs[2].Type)
	}
	if got := g.executed(); len(got) != 0 {
		t.Errorf("cancelled tool ran: %v", got)
	}
}

func TestNewRequestSupersedesRunningTurn(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{toolCallEvent("t1", "wipe_cache", `{"path":"/tmp/x"}`)},
		[]ai.StreamEvent{textEvent("Second answer.")},
	)
	f.registry.Register(&gatedTool{})
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "first"})
	f.awaitApproval()
	f.chat(&protocol.ChatRequest{Text: "second"})

	evs := f.socket.waitDone(t, 2)
	wantTypes := []string{
		protocol.TypeToolApprovalRequest,
		protocol.TypeError,
		protocol.TypeDone,
		protocol.TypeStreamChunk,
		protocol.TypeDone,
	}
	if len(evs) != len(wantTypes) {
		t.Fatalf("got %d events: %+v", len(evs), evs)
	}
	for i, want := range wantTypes {
		if evs[i].Type != want {
			t.Errorf("event %d = %s, want %s", i, evs[i].Type, want)
		}
	}
	if evs[1].Code != protocol.CodeCancelled {
		t.Errorf("superseded turn ended with %s", evs[1].Code)
	}
	if evs[3].Content != "Second answer." {
		t.Errorf("second turn chunk = %q", evs[3].Content)
	}
	if evs[2].ConversationID == evs[4].ConversationID {
		t.Errorf("both turns share conversation %q", evs[2].ConversationID)
	}
}

func TestReconnectReplaysUndelivered(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{toolCallEvent("t1", "wipe_cache", `{"path":"/tmp/x"}`)},
		[]ai.StreamEvent{textEvent("Done now.")},
	)
	f.registry.Register(&gatedTool{})
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "clear the cache"})
	req := f.awaitApproval()

	// The socket drops; the answer arrives over a new one before it
	// attaches for replay.
	f.h.Detach(f.socket)
	f.answer(req.ApprovalID, true, nil)
	f.waitIdle()

	replacement := &fakeSocket{}
	f.h.Attach(replacement)
	evs := replacement.waitDone(t, 1)

	want := []string{"cleared /tmp/x", "Done now.", ""}
	if len(evs) != len(want) {
		t.Fatalf("replayed %d events: %+v", len(evs), evs)
	}
	for i, content := range want[:2] {
		if evs[i].Content != content {
			t.Errorf("replayed %d = %q, want %q", i, evs[i].Content, content)
		}
	}
	if evs[2].Type != protocol.TypeDone {
		t.Errorf("replay ends with %s", evs[2].Type)
	}
	if n := f.socket.len(); n != 1 {
		t.Errorf("old socket holds %d frames, want just the approval request", n)
	}
}

func TestTurnCapStopsRouting(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{routeTo("Scout", "")},
		[]ai.StreamEvent{textEvent("a")},
		[]ai.StreamEvent{routeTo("Scout", "")},
		[]ai.StreamEvent{textEvent("b")},
		[]ai.StreamEvent{routeTo("Scout", "")},
	)
	f.cfg.Chat.MaxTurns = 2
	f.addAgent("Scout")
	f.addAgent("Chef")

	f.chat(&protocol.ChatRequest{Text: "loop forever"})
	evs := f.socket.waitDone(t, 1)

	if f.provider.calls() != 5 {
		t.Errorf("provider called %d times, want 5", f.provider.calls())
	}
	spoke := 0
	for _, ev := range evs {
		if ev.Name == "Scout" && ev.Role == protocol.RoleAssistant {
			spoke++
		}
	}
	if spoke != 2 {
		t.Errorf("agent spoke %d times, want 2", spoke)
	}
}

func TestProviderLookupFailureEndsTurn(t *testing.T) {
	f := newSessionFixture(t)
	f.addAgent("Scout")
	f.d.providers = &fakePool{err: &ai.ProviderError{Code: "authentication_error", Message: "api key not configured"}}

	f.chat(&protocol.ChatRequest{Text: "hi"})
	evs := f.socket.waitDone(t, 1)

	if evs[0].Code != protocol.CodeProvider || !strings.Contains(evs[0].Error, "api key") {
		t.Errorf("error = %s %q", evs[0].Code, evs[0].Error)
	}
}

func TestRoutingStreamErrorSurfaces(t *testing.T) {
	f := newSessionFixture(t, []ai.StreamEvent{errorEvent(errors.New("model offline"))})
	f.addAgent("Scout")
	f.addAgent("Chef")

	f.chat(&protocol.ChatRequest{Text: "hi"})
	evs := f.socket.waitDone(t, 1)

	if evs[0].Type != protocol.TypeError || evs[0].Code != protocol.CodeInternal {
		t.Errorf("event 0 = %s %s", evs[0].Type, evs[0].Code)
	}
	if !strings.Contains(evs[0].Error, "model offline") {
		t.Errorf("error = %q", evs[0].Error)
	}

	// The user message survives the failed turn.
	done := evs[len(evs)-1]
	msgs := f.frameMessages(done.FrameID)
	if len(msgs) != 1 || msgs[0].Role != db.RoleUser {
		t.Errorf("rows = %+v", msgs)
	}
}

func TestRoutingPanicRecovered(t *testing.T) {
	f := newSessionFixture(t)
	f.addAgent("Scout")
	f.addAgent("Chef")
	f.d.providers = &fakePool{provider: panicProvider{}, model: "llama3"}

	f.chat(&protocol.ChatRequest{Text: "hi"})
	evs := f.socket.waitDone(t, 1)

	if evs[0].Type != protocol.TypeError || evs[0].Code != protocol.CodeInternal || !strings.Contains(evs[0].Error, "boom") {
		t.Errorf("event 0 = %s %s %q", evs[0].Type, evs[0].Code, evs[0].Error)
	}
	if evs[len(evs)-1].Type != protocol.TypeDone {
		t.Errorf("last event = %s", evs[len(evs)-1].Type)
	}
}

func TestImageRefsAppendedToUserRow(t *testing.T) {
	f := newSessionFixture(t, []ai.StreamEvent{textEvent("nice pictures")})
	f.addAgent("Scout")

	first, second := db.NewID(), db.NewID()
	f.chat(&protocol.ChatRequest{
		Text:   "look",
		Images: []string{first, "not-an-upload-id", second},
	})
	evs := f.socket.waitDone(t, 1)

	msgs := f.frameMessages(evs[len(evs)-1].FrameID)
	want := "look\n![img](/images/" + first + ")\n![img](/images/" + second + ")"
	if msgs[0].Content != want {
		t.Errorf("user row = %q, want %q", msgs[0].Content, want)
	}
}

func TestScheduledTurnRunsWhenIdle(t *testing.T) {
	f := newSessionFixture(t, []ai.StreamEvent{textEvent("Reminder handled.")})
	f.addAgent("Scout")

	conv := &db.Conversation{UserID: f.user.ID, Title: "Reminders"}
	if err := f.store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	if !f.h.tryScheduledTurn(conv.ID, "Time to stretch", "") {
		t.Fatal("idle handler refused the scheduled turn")
	}
	evs := f.socket.waitDone(t, 1)

	if evs[0].Content != "Reminder handled." {
		t.Errorf("chunk = %q", evs[0].Content)
	}
	msgs := f.frameMessages(evs[len(evs)-1].FrameID)
	if msgs[0].Role != db.RoleUser || msgs[0].Content != "Time to stretch" {
		t.Errorf("user row = %s %q", msgs[0].Role, msgs[0].Content)
	}
}

func TestScheduledTurnRefusedWhileBusy(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{toolCallEvent("t1", "wipe_cache", `{"path":"/tmp/x"}`)},
	)
	f.registry.Register(&gatedTool{})
	f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "busy work"})
	f.awaitApproval()

	if f.h.tryScheduledTurn("conv", "now?", "") {
		t.Error("busy handler accepted a scheduled turn")
	}
}

func TestSessionFrameRotation(t *testing.T) {
	f := newSessionFixture(t,
		[]ai.StreamEvent{textEvent("first answer")},
		[]ai.StreamEvent{textEvent("second answer")},
		[]ai.StreamEvent{textEvent("fresh frame answer")},
	)
	scout := f.addAgent("Scout")

	f.chat(&protocol.ChatRequest{Text: "hello"})
	evs := f.socket.waitDone(t, 1)
	convID := evs[len(evs)-1].ConversationID
	frame1 := evs[len(evs)-1].FrameID

	// The same session keeps writing to its frame.
	f.chat(&protocol.ChatRequest{Text: "again", ConversationID: convID})
	evs = f.socket.waitDone(t, 2)
	if got := evs[len(evs)-1].FrameID; got != frame1 {
		t.Fatalf("second turn moved to frame %s", got)
	}

	// A new session on a lived-in conversation starts a fresh frame and
	// hands the old one to the summary pass.
	f.postProvider.load(
		[]ai.StreamEvent{textEvent("Old frame wrapped.")},
		[]ai.StreamEvent{textEvent("Knows the drill.")},
	)

	h2 := newHandler(f.user.ID, f.d)
	t.Cleanup(h2.Close)
	s2 := &fakeSocket{}
	h2.Attach(s2)

	data, err := json.Marshal(&protocol.ChatRequest{
		Envelope:       clientEnvelope(protocol.TypeChatRequest),
		Text:           "new session",
		ConversationID: convID,
	})
	if err != nil {
		t.Fatal(err)
	}
	h2.HandleFrame(data)
	evs = s2.waitDone(t, 1)

	frame2 := evs[len(evs)-1].FrameID
	if frame2 == frame1 {
		t.Fatal("new session reused the old frame")
	}
	frames, err := f.store.ListFrames(context.Background(), convID)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("conversation has %d frames, want 2", len(frames))
	}

	f.d.post.Wait()
	old, err := f.store.GetFrame(context.Background(), frame1)
	if err != nil {
		t.Fatal(err)
	}
	if old.Summary != "Old frame wrapped." {
		t.Errorf("old frame summary = %q", old.Summary)
	}
	got, err := f.store.GetAgent(context.Background(), scout.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Memory != "Knows the drill." {
		t.Errorf("agent memory = %q", got.Memory)
	}
}

func TestDeliverScheduledPersistsWithoutSession(t *testing.T) {
	f := newSessionFixture(t)
	m := &Manager{deps: f.d, sessions: make(map[string]*binding)}

	m.DeliverScheduled(schedule.Trigger{
		ScheduleID: "s1",
		UserID:     f.user.ID,
		Name:       "Standup",
		Message:    "Post your update",
	})

	convs, err := f.store.ListConversations(context.Background(), f.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Title != "Standup" {
		t.Fatalf("conversations = %+v", convs)
	}
	frame, err := f.store.LatestFrame(context.Background(), convs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	msgs := f.frameMessages(frame.ID)
	if len(msgs) != 1 || msgs[0].Role != db.RoleUser || msgs[0].Content != "Post your update" {
		t.Fatalf("rows = %+v", msgs)
	}

	// A second firing into the same conversation appends.
	m.DeliverScheduled(schedule.Trigger{
		ScheduleID:     "s1",
		UserID:         f.user.ID,
		ConversationID: convs[0].ID,
		Message:        "Second ping",
	})
	if msgs = f.frameMessages(frame.ID); len(msgs) != 2 {
		t.Fatalf("rows after second firing = %+v", msgs)
	}
}

func TestDeliverScheduledRefusesForeignConversation(t *testing.T) {
	f := newSessionFixture(t)
	m := &Manager{deps: f.d, sessions: make(map[string]*binding)}

	other := &db.User{Username: "eve"}
	if err := f.store.CreateUser(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	conv := &db.Conversation{UserID: other.ID, Title: "theirs"}
	if err := f.store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	m.DeliverScheduled(schedule.Trigger{
		ScheduleID:     "s1",
		UserID:         f.user.ID,
		ConversationID: conv.ID,
		Message:        "sneaky",
	})

	if _, err := f.store.LatestFrame(context.Background(), conv.ID); err == nil {
		t.Error("foreign conversation gained a frame")
	}
}

func TestDeliverScheduledUsesLiveIdleSession(t *testing.T) {
	f := newSessionFixture(t, []ai.StreamEvent{textEvent("Stretch break logged.")})
	f.addAgent("Scout")

	conv := &db.Conversation{UserID: f.user.ID, Title: "Reminders"}
	if err := f.store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	m := &Manager{deps: f.d, sessions: map[string]*binding{f.user.ID: {handler: f.h}}}
	m.DeliverScheduled(schedule.Trigger{
		ScheduleID:     "s1",
		UserID:         f.user.ID,
		ConversationID: conv.ID,
		Message:        "stretch",
	})

	evs := f.socket.waitDone(t, 1)
	if evs[0].Content != "Stretch break logged." {
		t.Errorf("chunk = %q", evs[0].Content)
	}
	if got := evs[len(evs)-1].ConversationID; got != conv.ID {
		t.Errorf("turn ran in conversation %q", got)
	}
}
