// Package session drives turns. A Handler owns one user's chat
// session: it parses client events, runs the Administrator/agent loop,
// buffers the outbound stream so a reconnect can replay it, and
// resolves tool approvals. The Manager keeps at most one handler per
// user and swaps sockets underneath a running turn.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent/admin"
	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/agent/runner"
	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/agent/view"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/mcp/bridge"
	mcpclient "github.com/parleyhq/parley/internal/mcp/client"
	"github.com/parleyhq/parley/internal/protocol"
)

const (
	// DefaultMaxTurns caps Administrator and agent cycles per turn.
	DefaultMaxTurns = 10

	// DefaultApprovalTimeout is how long a tool approval may stay
	// unanswered before it reads as denied.
	DefaultApprovalTimeout = 300 * time.Second

	// noAgentsNotice is streamed when a turn starts with no agents
	// configured.
	noAgentsNotice = "→ No agents available"

	// titleLen bounds the conversation title taken from the opening
	// message.
	titleLen = 60
)

// providerPool is the slice of the LM registry the session layer
// needs. *ai.Registry satisfies it.
type providerPool interface {
	ProviderFor(baseURLOverride string) (ai.Provider, error)
	DefaultModel() string
	SummaryModel() string
}

// deps bundles what every handler borrows from the process.
type deps struct {
	cfg       *config.Config
	store     *db.Store
	providers providerPool
	tools     *tools.Registry
	mcp       *mcpclient.Orchestrator
	post      *postTurn
}

// Handler owns one user's session: at most one running turn, the
// outbound event buffer, and the pending approval futures.
type Handler struct {
	userID string
	deps   *deps

	out       *outbox
	approvals *approvals

	// ctx spans the handler's lifetime; every turn derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	turn   *turnState
	frames map[string]string // conversation id -> frame picked this session
	closed bool
}

// turnState tracks one running turn.
type turnState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newHandler(userID string, d *deps) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		userID:    userID,
		deps:      d,
		out:       &outbox{},
		approvals: newApprovals(),
		ctx:       ctx,
		cancel:    cancel,
		frames:    make(map[string]string),
	}
}

// Attach points the event stream at a new socket and replays whatever
// the previous one did not get.
func (h *Handler) Attach(c sender) { h.out.attach(c) }

// Detach drops the socket if it is still the attached one.
func (h *Handler) Detach(c sender) { h.out.detach(c) }

// Active reports whether a turn is running.
func (h *Handler) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turn != nil
}

// Close cancels any running turn and waits for it to unwind.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	t := h.turn
	h.mu.Unlock()

	h.cancel()
	if t != nil {
		<-t.done
	}
}

// HandleFrame parses one inbound socket frame and dispatches it.
// Parse failures answer with a BAD_EVENT error; the socket survives.
func (h *Handler) HandleFrame(data []byte) {
	ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		h.out.emit(protocol.NewError(protocol.CodeBadEvent, err.Error()))
		return
	}

	switch ev := ev.(type) {
	case *protocol.ChatRequest:
		h.startTurn(ev)
	case *protocol.ToolApprovalResponse:
		decision := tools.Decision{Approved: ev.Approved, ModifiedArgs: ev.ModifiedArgs}
		if !h.approvals.resolve(ev.ApprovalID, decision) {
			logging.Debugf("session: approval %s has no pending request", ev.ApprovalID)
		}
	case *protocol.Cancel:
		h.cancelTurn()
	}
}

// startTurn begins a turn for a chat request. A turn already running is
// cancelled and waited out first, so its CANCELLED error and done land
// before the new turn's events.
func (h *Handler) startTurn(req *protocol.ChatRequest) {
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		h.out.emit(protocol.NewError(protocol.CodeValidation, "chat_request needs text or images"))
		return
	}

	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		if h.turn == nil {
			tctx, tcancel := context.WithCancel(h.ctx)
			t := &turnState{cancel: tcancel, done: make(chan struct{})}
			h.turn = t
			h.mu.Unlock()
			h.out.reset()
			go h.runTurn(tctx, t, req)
			return
		}
		prev := h.turn
		h.mu.Unlock()
		prev.cancel()
		<-prev.done
	}
}

// tryScheduledTurn starts a turn for a scheduled message when the
// handler is idle. A busy handler reports false and the caller persists
// the message without a turn.
func (h *Handler) tryScheduledTurn(conversationID, text, agentID string) bool {
	h.mu.Lock()
	if h.closed || h.turn != nil {
		h.mu.Unlock()
		return false
	}
	tctx, tcancel := context.WithCancel(h.ctx)
	t := &turnState{cancel: tcancel, done: make(chan struct{})}
	h.turn = t
	h.mu.Unlock()

	h.out.reset()
	go h.runTurn(tctx, t, &protocol.ChatRequest{
		Text:           text,
		ConversationID: conversationID,
		AgentID:        agentID,
	})
	return true
}

// cancelTurn requests cooperative cancellation of the running turn.
func (h *Handler) cancelTurn() {
	h.mu.Lock()
	t := h.turn
	h.mu.Unlock()
	if t != nil {
		t.cancel()
	}
}

func (h *Handler) finishTurn(t *turnState) {
	h.mu.Lock()
	if h.turn == t {
		h.turn = nil
	}
	h.mu.Unlock()
	close(t.done)
}

// runTurn executes one turn end to end. done is always the turn's last
// event, whatever happened before it.
func (h *Handler) runTurn(ctx context.Context, t *turnState, req *protocol.ChatRequest) {
	defer h.finishTurn(t)

	var conversationID, frameID string
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("session: turn panic: %v", r)
			h.out.emit(protocol.NewError(protocol.CodeInternal, fmt.Sprintf("%v", r)))
		}
		if ctx.Err() != nil {
			h.out.emit(protocol.NewError(protocol.CodeCancelled, "turn cancelled"))
		}
		h.out.emit(protocol.NewDone(conversationID, frameID))
		if conversationID != "" && frameID != "" {
			if err := h.deps.store.TouchTimestamps(context.WithoutCancel(ctx), conversationID, frameID); err != nil {
				logging.Errorf("session: touching timestamps: %v", err)
			}
		}
	}()

	store := h.deps.store

	user, err := store.GetUser(ctx, h.userID)
	if err != nil {
		h.fail(ctx, protocol.CodeInternal, fmt.Errorf("loading user: %w", err))
		return
	}
	provider, err := h.deps.providers.ProviderFor(user.LMBaseURL)
	if err != nil {
		h.fail(ctx, protocol.CodeProvider, err)
		return
	}

	conv, err := h.resolveConversation(ctx, req)
	if errors.Is(err, sql.ErrNoRows) {
		h.fail(ctx, protocol.CodeNotFound, fmt.Errorf("conversation %s not found", req.ConversationID))
		return
	}
	if err != nil {
		h.fail(ctx, protocol.CodeInternal, err)
		return
	}
	conversationID = conv.ID

	frame, closedFrame, err := h.sessionFrame(ctx, conv.ID)
	if err != nil {
		h.fail(ctx, protocol.CodeInternal, err)
		return
	}
	frameID = frame.ID
	if closedFrame != "" {
		h.deps.post.CloseFrame(user, closedFrame)
	}

	content := req.Text
	for _, ref := range imageRefs(req.Images) {
		content += "\n![img](" + ref + ")"
	}
	if err := store.AppendMessage(ctx, &db.Message{
		FrameID: frame.ID,
		Role:    db.RoleUser,
		Content: content,
	}); err != nil {
		h.fail(ctx, protocol.CodeInternal, fmt.Errorf("persisting user message: %w", err))
		return
	}

	agents, err := store.ListAgents(ctx, h.userID)
	if err != nil {
		h.fail(ctx, protocol.CodeInternal, err)
		return
	}
	if req.AgentID != "" {
		target := agentByID(agents, req.AgentID)
		if target == nil {
			h.fail(ctx, protocol.CodeNotFound, fmt.Errorf("agent %s not found", req.AgentID))
			return
		}
		agents = []db.Agent{*target}
	}
	if len(agents) == 0 {
		h.out.emit(protocol.NewStreamChunk(noAgentsNotice, "", protocol.RoleAssistant, "", view.AdministratorName, conv.ID, frame.ID))
		return
	}

	registry := h.toolSurface(ctx)

	administrator := admin.New(provider, store)
	adminReq := &admin.Request{
		User:           user,
		Agents:         agents,
		ConversationID: conv.ID,
		FrameID:        frame.ID,
		Model:          h.adminModel(req.ModelName),
	}
	if adminReq.History, err = store.ListFrameMessages(ctx, frame.ID); err != nil {
		h.fail(ctx, protocol.CodeInternal, err)
		return
	}

	queue, err := administrator.InitialSelection(ctx, adminReq, h.out.emit)
	if err != nil {
		h.fail(ctx, errCode(err), err)
		return
	}

	for cycle := 0; len(queue) > 0 && cycle < h.maxTurns(); cycle++ {
		next := queue[0]
		queue = queue[1:]
		if next.ToUser {
			break
		}

		agent := agentByID(agents, next.AgentID)
		if agent == nil {
			continue
		}
		h.driveAgent(ctx, provider, registry, user, agents, agent, req.ModelName, conv.ID, frame.ID)
		if ctx.Err() != nil {
			return
		}

		// Pre-routed speakers go first; the Administrator is consulted
		// again once the queue runs dry.
		if len(queue) > 0 {
			continue
		}
		if adminReq.History, err = store.ListFrameMessages(ctx, frame.ID); err != nil {
			h.fail(ctx, protocol.CodeInternal, err)
			return
		}
		decision, err := administrator.DecideRouting(ctx, adminReq, h.out.emit)
		if err != nil {
			h.fail(ctx, errCode(err), err)
			return
		}
		if len(decision) == 0 || decision[0].ToUser {
			break
		}
		queue = append(queue, decision...)
	}
}

// driveAgent streams one agent's process into the outbox. Loop
// failures surface as error chunks inside the stream, so there is
// nothing to propagate.
func (h *Handler) driveAgent(ctx context.Context, provider ai.Provider, registry *tools.Registry, user *db.User, all []db.Agent, agent *db.Agent, model, conversationID, frameID string) {
	history, err := h.deps.store.ListFrameMessages(ctx, frameID)
	if err != nil {
		h.fail(ctx, protocol.CodeInternal, err)
		return
	}

	turn := &runner.Turn{
		Agent:          agent,
		Peers:          peersOf(all, agent.ID),
		User:           user,
		History:        history,
		ConversationID: conversationID,
		FrameID:        frameID,
		Model:          model,
		Registry:       registry,
		Approver:       h,
		Delegate:       strings.EqualFold(agent.Name, "main"),
		DebugRaw:       h.deps.cfg.Chat.DebugRaw,
	}

	for ev := range runner.New(provider, h.deps.store).Process(ctx, turn) {
		h.out.emit(ev)
	}
}

// RequestApproval sends a tool_approval_request and blocks until the
// client answers, the turn dies, or the timeout passes. Everything but
// an explicit approval reads as denial.
func (h *Handler) RequestApproval(ctx context.Context, req tools.ApprovalRequest) tools.Decision {
	id, ch := h.approvals.create()
	defer h.approvals.drop(id)

	h.out.emit(protocol.NewToolApprovalRequest(id, req.ToolName, req.Args, req.AgentID, req.AgentName, req.Description, req.RiskLevel))

	timer := time.NewTimer(h.approvalTimeout())
	defer timer.Stop()

	select {
	case d := <-ch:
		return d
	case <-ctx.Done():
		return tools.Decision{}
	case <-timer.C:
		logging.Infof("session: approval %s for %s timed out", id, req.ToolName)
		return tools.Decision{}
	}
}

// resolveConversation loads the requested conversation or creates one
// titled after the opening message. Conversations of other users read
// as missing.
func (h *Handler) resolveConversation(ctx context.Context, req *protocol.ChatRequest) (*db.Conversation, error) {
	if req.ConversationID == "" {
		conv := &db.Conversation{UserID: h.userID, Title: titleExcerpt(req.Text)}
		if err := h.deps.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		return conv, nil
	}

	conv, err := h.deps.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != h.userID {
		return nil, sql.ErrNoRows
	}
	return conv, nil
}

// sessionFrame picks the frame this handler writes to. The first turn
// for a conversation starts a fresh frame when the latest one already
// holds messages from an earlier session; the old frame is reported
// back as closed so its summary work can run.
func (h *Handler) sessionFrame(ctx context.Context, conversationID string) (*db.Frame, string, error) {
	h.mu.Lock()
	id, ok := h.frames[conversationID]
	h.mu.Unlock()
	if ok {
		f, err := h.deps.store.GetFrame(ctx, id)
		if err == nil {
			return f, "", nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, "", err
		}
	}

	var frame *db.Frame
	var closed string
	latest, err := h.deps.store.LatestFrame(ctx, conversationID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		frame = &db.Frame{ConversationID: conversationID}
		if err := h.deps.store.CreateFrame(ctx, frame); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		n, err := h.deps.store.CountFrameMessages(ctx, latest.ID)
		if err != nil {
			return nil, "", err
		}
		if n == 0 {
			frame = latest
		} else {
			closed = latest.ID
			frame = &db.Frame{ConversationID: conversationID}
			if err := h.deps.store.CreateFrame(ctx, frame); err != nil {
				return nil, "", err
			}
		}
	}

	h.mu.Lock()
	h.frames[conversationID] = frame.ID
	h.mu.Unlock()
	return frame, closed, nil
}

// toolSurface builds the turn's tool registry: the process built-ins
// plus the user's external proxies. External listing failures cost the
// proxies, not the turn.
func (h *Handler) toolSurface(ctx context.Context) *tools.Registry {
	registry := h.deps.tools.Scope()
	if h.deps.mcp == nil {
		return registry
	}
	serverTools, err := h.deps.mcp.ListUserTools(ctx, h.userID)
	if err != nil {
		logging.Errorf("session: listing external tools: %v", err)
		return registry
	}
	for _, tool := range bridge.Proxies(serverTools, h.deps.mcp) {
		registry.Register(tool)
	}
	return registry
}

// imageRefs turns uploaded image ids into serving paths for the user
// row. Blobs never pass through here; clients upload them first and
// send the returned ids. Entries that are not upload ids are dropped.
func imageRefs(images []string) []string {
	refs := make([]string, 0, len(images))
	for _, img := range images {
		if _, err := uuid.Parse(img); err != nil {
			logging.Errorf("session: image ref %q is not an upload id", img)
			continue
		}
		refs = append(refs, "/images/"+img)
	}
	return refs
}

// fail emits an error event unless the turn is already cancelled, in
// which case the deferred CANCELLED/done pair covers it.
func (h *Handler) fail(ctx context.Context, code string, err error) {
	if ctx.Err() != nil {
		return
	}
	logging.Errorf("session: %s: %v", code, err)
	h.out.emit(protocol.NewError(code, err.Error()))
}

func (h *Handler) adminModel(override string) string {
	if override != "" {
		return override
	}
	return h.deps.providers.DefaultModel()
}

func (h *Handler) maxTurns() int {
	if h.deps.cfg != nil && h.deps.cfg.Chat.MaxTurns > 0 {
		return h.deps.cfg.Chat.MaxTurns
	}
	return DefaultMaxTurns
}

func (h *Handler) approvalTimeout() time.Duration {
	if h.deps.cfg != nil {
		if d := h.deps.cfg.ApprovalTimeoutDuration(); d > 0 {
			return d
		}
	}
	return DefaultApprovalTimeout
}

// errCode classifies a routing failure for the error event.
func errCode(err error) string {
	var perr *ai.ProviderError
	if errors.As(err, &perr) {
		return protocol.CodeProvider
	}
	return protocol.CodeInternal
}

func agentByID(agents []db.Agent, id string) *db.Agent {
	for i := range agents {
		if agents[i].ID == id {
			return &agents[i]
		}
	}
	return nil
}

func peersOf(agents []db.Agent, selfID string) []db.Agent {
	peers := make([]db.Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID != selfID {
			peers = append(peers, a)
		}
	}
	return peers
}

// titleExcerpt trims the opening message into a conversation title.
func titleExcerpt(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	runes := []rune(text)
	if len(runes) > titleLen {
		return string(runes[:titleLen-1]) + "…"
	}
	return text
}
