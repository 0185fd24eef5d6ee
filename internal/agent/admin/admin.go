// Package admin implements the Administrator, the routing agent that
// decides who speaks next. Its only output is calls to the two routing
// tools; its stream is shown to the client but hidden from the agents
// it steers.
package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/agent/view"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/protocol"
)

// historyWindow caps how many recent rows the routing prompt quotes.
const historyWindow = 20

const systemPrompt = `You are the Administrator, the routing coordinator for a multi-agent conversation. You never answer the user yourself. Read the latest message and decide who should speak next by calling exactly one of your tools: route_to_agent hands the floor to a named agent, route_to_user ends the turn and returns the floor to the user. Call route_to_agent multiple times to queue several agents in order. Route to an agent only when its expertise clearly helps; when the conversation needs nothing more, call route_to_user.`

// Route is one routing decision, either a named agent or back to the
// user.
type Route struct {
	ToUser    bool
	AgentID   string
	AgentName string
	Reason    string
}

// Sink receives the Administrator's own stream as it happens. A nil
// sink gives the non-streaming variant of each operation.
type Sink func(protocol.ServerEvent)

// Request carries everything one routing decision needs.
type Request struct {
	User           *db.User
	Agents         []db.Agent
	History        []db.Message
	ConversationID string
	FrameID        string
	Model          string
}

// Administrator makes routing decisions against one provider.
type Administrator struct {
	provider ai.Provider
	store    *db.Store
	defs     []ai.ToolDefinition
}

// New creates an Administrator for the given provider and store.
func New(provider ai.Provider, store *db.Store) *Administrator {
	registry := tools.NewRegistry()
	registry.Register(tools.NewRouteToAgentTool())
	registry.Register(tools.NewRouteToUserTool())
	return &Administrator{
		provider: provider,
		store:    store,
		defs:     registry.Exposed(nil),
	}
}

// InitialSelection picks the opening speaker queue for a new user
// message. No agents routes straight to the user; exactly one selects
// it without a model call, and that fast path leaves no trace in the
// transcript.
func (a *Administrator) InitialSelection(ctx context.Context, req *Request, emit Sink) ([]Route, error) {
	switch len(req.Agents) {
	case 0:
		return []Route{{ToUser: true}}, nil
	case 1:
		ag := req.Agents[0]
		return []Route{{AgentID: ag.ID, AgentName: ag.Name}}, nil
	}
	return a.route(ctx, req, emit)
}

// DecideRouting picks the next speaker after an agent's turn. With one
// agent there is no choice to make, so the turn ends without a model
// call, mirroring the selection fast path.
func (a *Administrator) DecideRouting(ctx context.Context, req *Request, emit Sink) ([]Route, error) {
	if len(req.Agents) <= 1 {
		return []Route{{ToUser: true}}, nil
	}
	return a.route(ctx, req, emit)
}

func (a *Administrator) route(ctx context.Context, req *Request, emit Sink) ([]Route, error) {
	chat := &ai.ChatRequest{
		Messages: a.messages(req),
		Tools:    a.defs,
		Model:    req.Model,
	}

	events, err := a.provider.Stream(ctx, chat)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}

	var content, thinking strings.Builder
	var calls []ai.ToolCall
	var streamErr error

	for ev := range events {
		switch ev.Type {
		case ai.EventTypeThinking:
			thinking.WriteString(ev.Text)
			a.send(emit, protocol.NewStreamChunk("", ev.Text, protocol.RoleAssistant, "", view.AdministratorName, req.ConversationID, req.FrameID))
		case ai.EventTypeText:
			content.WriteString(ev.Text)
			a.send(emit, protocol.NewStreamChunk(ev.Text, "", protocol.RoleAssistant, "", view.AdministratorName, req.ConversationID, req.FrameID))
		case ai.EventTypeToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case ai.EventTypeError:
			streamErr = ev.Error
		}
	}

	if content.Len() > 0 || thinking.Len() > 0 || len(calls) > 0 {
		a.persist(ctx, &db.Message{
			FrameID:  req.FrameID,
			Role:     db.RoleAssistant,
			Name:     view.AdministratorName,
			Content:  content.String(),
			Thinking: thinking.String(),
		})
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if streamErr != nil {
		return nil, fmt.Errorf("routing: %w", streamErr)
	}

	var routes []Route
	for i := range calls {
		tc := &calls[i]
		route, result, ok := a.resolve(tc, req.Agents)
		a.send(emit, protocol.NewStreamChunk(result, "", protocol.RoleTool, "", tc.Name, req.ConversationID, req.FrameID))
		a.persist(ctx, &db.Message{
			FrameID: req.FrameID,
			Role:    db.RoleTool,
			Name:    tc.Name,
			Content: result,
		})
		if ok {
			routes = append(routes, route)
		}
	}
	if len(routes) == 0 {
		routes = []Route{{ToUser: true}}
	}
	return routes, nil
}

// resolve turns one routing call into a Route and the result text shown
// to the client. The text reflects the outcome, so naming a missing
// agent reads as the failure it is rather than a handoff.
func (a *Administrator) resolve(tc *ai.ToolCall, agents []db.Agent) (Route, string, bool) {
	switch tc.Name {
	case tools.RouteToAgentName:
		in, err := tools.ParseRouteToAgent(tc.Input)
		if err != nil {
			return Route{}, err.Error(), false
		}
		for i := range agents {
			if strings.EqualFold(agents[i].Name, in.AgentName) {
				route := Route{AgentID: agents[i].ID, AgentName: agents[i].Name, Reason: in.Reason}
				if in.Reason != "" {
					return route, fmt.Sprintf("Routing to %s: %s", agents[i].Name, in.Reason), true
				}
				return route, fmt.Sprintf("Routing to %s", agents[i].Name), true
			}
		}
		reason := fmt.Sprintf("Agent '%s' not found.", in.AgentName)
		return Route{ToUser: true, Reason: reason}, reason, true

	case tools.RouteToUserName:
		in, err := tools.ParseRouteToUser(tc.Input)
		if err != nil {
			return Route{}, err.Error(), false
		}
		if in.Reason != "" {
			return Route{ToUser: true, Reason: in.Reason}, fmt.Sprintf("Routing to user: %s", in.Reason), true
		}
		return Route{ToUser: true}, "Routing to user", true
	}
	return Route{}, fmt.Sprintf("Tool not available: %s", tc.Name), false
}

func (a *Administrator) messages(req *Request) []ai.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\nAvailable agents:\n")
	for _, ag := range req.Agents {
		fmt.Fprintf(&sb, "- %s: %s\n", ag.Name, view.PromptExcerpt(ag.SystemPrompt))
	}

	return []ai.Message{
		{Role: db.RoleSystem, Content: sb.String()},
		{Role: db.RoleUser, Content: transcript(req.History)},
	}
}

// transcript quotes the recent conversation with the latest message set
// apart, which is all the routing decision needs.
func transcript(history []db.Message) string {
	var lines []string
	for _, m := range history {
		switch m.Role {
		case db.RoleUser:
			speaker := m.Name
			if speaker == "" {
				speaker = "User"
			}
			lines = append(lines, fmt.Sprintf("[%s]: %s", speaker, m.Content))
		case db.RoleAssistant:
			lines = append(lines, fmt.Sprintf("[%s]: %s", m.Name, m.Content))
		}
	}
	if len(lines) > historyWindow {
		lines = lines[len(lines)-historyWindow:]
	}
	if len(lines) == 0 {
		return "Latest message:\n(none)"
	}

	var sb strings.Builder
	if len(lines) > 1 {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(strings.Join(lines[:len(lines)-1], "\n"))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Latest message:\n")
	sb.WriteString(lines[len(lines)-1])
	return sb.String()
}

func (a *Administrator) send(emit Sink, ev protocol.ServerEvent) {
	if emit != nil {
		emit(ev)
	}
}

func (a *Administrator) persist(ctx context.Context, m *db.Message) {
	if err := a.store.AppendMessage(context.WithoutCancel(ctx), m); err != nil {
		logging.Errorf("admin: persisting %s row: %v", m.Role, err)
	}
}
