package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
	mcpclient "github.com/parleyhq/parley/internal/mcp/client"
	"github.com/parleyhq/parley/internal/realtime"
	"github.com/parleyhq/parley/internal/schedule"
)

// deliverTimeout bounds the persistence work for one scheduled firing.
const deliverTimeout = 30 * time.Second

// Manager owns the live sessions: at most one handler per user, the
// socket swap on reconnect, and delivery of scheduled messages into
// idle sessions.
type Manager struct {
	deps *deps

	mu       sync.Mutex
	sessions map[string]*binding
	closed   bool
}

// binding pairs a user's handler with its attached socket, if any.
type binding struct {
	client  *realtime.Client
	handler *Handler
}

// NewManager creates the session manager.
func NewManager(cfg *config.Config, store *db.Store, providers *ai.Registry, base *tools.Registry, orch *mcpclient.Orchestrator) *Manager {
	return &Manager{
		deps: &deps{
			cfg:       cfg,
			store:     store,
			providers: providers,
			tools:     base,
			mcp:       orch,
			post:      newPostTurn(store, providers),
		},
		sessions: make(map[string]*binding),
	}
}

// ServeClient binds an upgraded socket to the user's session and pumps
// it until the peer goes away. A handler mid-turn keeps running and
// gets the socket swapped under it; an idle one is replaced.
func (m *Manager) ServeClient(c *realtime.Client) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.Close()
		return
	}

	var oldClient *realtime.Client
	var oldHandler *Handler
	var h *Handler

	b := m.sessions[c.UserID]
	if b != nil && b.handler.Active() {
		oldClient = b.client
		b.client = c
		h = b.handler
	} else {
		if b != nil {
			oldClient = b.client
			oldHandler = b.handler
		}
		h = newHandler(c.UserID, m.deps)
		m.sessions[c.UserID] = &binding{client: c, handler: h}
	}
	m.mu.Unlock()

	if oldClient != nil && oldClient != c {
		oldClient.Close()
	}
	if oldHandler != nil {
		oldHandler.Close()
	}

	h.Attach(c)
	c.Run(h, m.release)
}

// release is the socket's close callback. The handler outlives its
// socket only while a turn is running; an idle one is torn down.
func (m *Manager) release(c *realtime.Client) {
	m.mu.Lock()
	var idle *Handler
	if b := m.sessions[c.UserID]; b != nil && b.client == c {
		b.client = nil
		b.handler.Detach(c)
		if !b.handler.Active() {
			idle = b.handler
			delete(m.sessions, c.UserID)
		}
	}
	m.mu.Unlock()

	if idle != nil {
		idle.Close()
	}
}

// Connected reports whether the user has a socket attached right now.
func (m *Manager) Connected(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.sessions[userID]
	return b != nil && b.client != nil
}

// DeliverScheduled handles one schedule firing: with an idle live
// session the message runs as a full turn streamed to the socket;
// otherwise it is appended to the conversation for the next session to
// pick up.
func (m *Manager) DeliverScheduled(t schedule.Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	conversationID, err := m.scheduledConversation(ctx, t)
	if err != nil {
		logging.Errorf("session: scheduled %s: %v", t.ScheduleID, err)
		return
	}

	m.mu.Lock()
	var h *Handler
	if b := m.sessions[t.UserID]; b != nil {
		h = b.handler
	}
	m.mu.Unlock()

	if h != nil && h.tryScheduledTurn(conversationID, t.Message, t.AgentID) {
		return
	}

	frame, err := m.deps.store.GetOrCreateFrame(ctx, conversationID)
	if err != nil {
		logging.Errorf("session: scheduled %s: %v", t.ScheduleID, err)
		return
	}
	err = m.deps.store.AppendMessage(ctx, &db.Message{
		FrameID: frame.ID,
		Role:    db.RoleUser,
		Content: t.Message,
	})
	if err != nil {
		logging.Errorf("session: scheduled %s: %v", t.ScheduleID, err)
	}
}

// scheduledConversation resolves the target conversation of a firing,
// creating one named after the schedule when none is configured.
func (m *Manager) scheduledConversation(ctx context.Context, t schedule.Trigger) (string, error) {
	if t.ConversationID != "" {
		conv, err := m.deps.store.GetConversation(ctx, t.ConversationID)
		if err != nil {
			return "", fmt.Errorf("conversation %s: %w", t.ConversationID, err)
		}
		if conv.UserID != t.UserID {
			return "", fmt.Errorf("conversation %s does not belong to %s", t.ConversationID, t.UserID)
		}
		return conv.ID, nil
	}

	title := t.Name
	if title == "" {
		title = "Scheduled messages"
	}
	conv := &db.Conversation{UserID: t.UserID, Title: title}
	if err := m.deps.store.CreateConversation(ctx, conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}

// Shutdown closes every session and drains background work.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	bindings := make([]*binding, 0, len(m.sessions))
	for _, b := range m.sessions {
		bindings = append(bindings, b)
	}
	m.sessions = make(map[string]*binding)
	m.mu.Unlock()

	for _, b := range bindings {
		b.handler.Close()
		if b.client != nil {
			b.client.Close()
		}
	}
	m.deps.post.Wait()
}
