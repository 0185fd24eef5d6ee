// Package runner drives one agent's tool-calling loop: stream a model
// response, execute the tool calls it returns, feed the results back,
// and repeat until the model answers in plain text or the round budget
// runs out.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/agent/view"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/protocol"
)

const (
	// MaxToolRounds bounds LM rounds per turn. A delegated agent draws
	// from the same budget as its delegator, so nesting cannot multiply
	// the work.
	MaxToolRounds = 10

	// eventBuffer sizes the per-turn event channel.
	eventBuffer = 100
)

// Budget is the shared round allowance for one turn.
type Budget struct {
	left atomic.Int64
}

// NewBudget creates a budget of the given number of rounds.
func NewBudget(rounds int) *Budget {
	b := &Budget{}
	b.left.Store(int64(rounds))
	return b
}

// Take consumes one round, reporting false once the budget is spent.
func (b *Budget) Take() bool {
	return b.left.Add(-1) >= 0
}

// Turn is everything one agent needs to speak once.
type Turn struct {
	Agent          *db.Agent
	Peers          []db.Agent
	User           *db.User
	History        []db.Message
	ConversationID string
	FrameID        string

	// Model overrides the agent's configured model when set.
	Model string

	// Registry is the turn's tool surface, usually a Scope copy with
	// routing or proxy tools already registered.
	Registry *tools.Registry

	// Approver resolves approval-gated tools. Nil denies them.
	Approver tools.Approver

	// Budget is the shared round allowance. Nil gets a fresh one.
	Budget *Budget

	// Delegate registers delegate_to_<id> tools for each peer.
	Delegate bool

	// DebugRaw persists the raw LM request and response with each row.
	DebugRaw bool
}

// Runner executes turns against one provider.
type Runner struct {
	provider ai.Provider
	store    *db.Store
}

// New creates a runner for the given provider and store.
func New(provider ai.Provider, store *db.Store) *Runner {
	return &Runner{provider: provider, store: store}
}

// Process runs the loop and streams events as they happen. The channel
// closes once this agent's part of the turn is over. Failures inside
// the loop surface as a single "Error: …" assistant chunk, never as a
// panic or a silent stop.
func (r *Runner) Process(ctx context.Context, turn *Turn) <-chan protocol.ServerEvent {
	out := make(chan protocol.ServerEvent, eventBuffer)
	go func() {
		defer close(out)
		defer func() {
			if rec := recover(); rec != nil {
				r.failTurn(ctx, turn, out, fmt.Errorf("%v", rec))
			}
		}()
		r.loop(ctx, turn, out)
	}()
	return out
}

func (r *Runner) loop(ctx context.Context, turn *Turn, out chan<- protocol.ServerEvent) {
	if turn.Budget == nil {
		turn.Budget = NewBudget(MaxToolRounds)
	}

	registry := turn.Registry
	if turn.Delegate && len(turn.Peers) > 0 {
		registry = registry.Scope()
		for i := range turn.Peers {
			registry.Register(&delegateTool{runner: r, turn: turn, target: &turn.Peers[i], out: out})
		}
	}

	prepared := view.Build(turn.History, view.Options{
		Agent: turn.Agent,
		Peers: turn.Peers,
		User:  turn.User,
	})
	exposed := registry.Exposed(turn.Agent.ExcludedTools)

	model := turn.Model
	if model == "" {
		model = turn.Agent.ModelName
	}

	for turn.Budget.Take() {
		if ctx.Err() != nil {
			return
		}

		req := &ai.ChatRequest{
			Messages:       prepared,
			Tools:          exposed,
			Model:          model,
			EnableThinking: turn.Agent.Think,
		}

		events, err := r.provider.Stream(ctx, req)
		if err != nil {
			r.failTurn(ctx, turn, out, err)
			return
		}

		var content, thinking strings.Builder
		var calls []ai.ToolCall
		var streamErr error

		for ev := range events {
			switch ev.Type {
			case ai.EventTypeThinking:
				thinking.WriteString(ev.Text)
				emit(ctx, out, r.chunk(turn, "", ev.Text, protocol.RoleAssistant, turn.Agent.ID, turn.Agent.Name))
			case ai.EventTypeText:
				content.WriteString(ev.Text)
				emit(ctx, out, r.chunk(turn, ev.Text, "", protocol.RoleAssistant, turn.Agent.ID, turn.Agent.Name))
			case ai.EventTypeToolCall:
				if ev.ToolCall != nil {
					calls = append(calls, *ev.ToolCall)
				}
			case ai.EventTypeError:
				streamErr = ev.Error
			}
		}

		// Whatever streamed is persisted, even a cancelled fragment.
		if content.Len() > 0 || thinking.Len() > 0 || len(calls) > 0 {
			row := &db.Message{
				FrameID:  turn.FrameID,
				Role:     db.RoleAssistant,
				Name:     turn.Agent.Name,
				Content:  content.String(),
				Thinking: thinking.String(),
				AgentID:  turn.Agent.ID,
			}
			if turn.DebugRaw {
				row.RawInput = rawJSON(req)
				row.RawOutput = rawJSON(map[string]any{
					"content":    content.String(),
					"thinking":   thinking.String(),
					"tool_calls": calls,
				})
			}
			r.persist(ctx, row)
		}

		if ctx.Err() != nil {
			return
		}
		if streamErr != nil {
			r.failTurn(ctx, turn, out, streamErr)
			return
		}
		if len(calls) == 0 {
			return
		}

		prepared = append(prepared, ai.Message{
			Role:      db.RoleAssistant,
			Name:      turn.Agent.Name,
			Content:   content.String(),
			ToolCalls: calls,
		})

		for i := range calls {
			tc := &calls[i]
			result := registry.Execute(ctx, tc, tools.ExecOptions{
				UserID:         turn.userID(),
				AgentID:        turn.Agent.ID,
				AgentName:      turn.Agent.Name,
				ConversationID: turn.ConversationID,
				Excluded:       turn.Agent.ExcludedTools,
				Approver:       turn.Approver,
			})
			if ctx.Err() != nil {
				// The execution raced a cancel; its result is discarded.
				return
			}

			emit(ctx, out, r.chunk(turn, result, "", protocol.RoleTool, "", tc.Name))
			r.persist(ctx, &db.Message{
				FrameID: turn.FrameID,
				Role:    db.RoleTool,
				Name:    tc.Name,
				Content: result,
			})
			prepared = append(prepared, ai.Message{
				Role:    db.RoleTool,
				Name:    tc.Name,
				Content: result,
				ToolResults: []ai.ToolResult{{
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Content:    result,
				}},
			})
		}
	}
}

// failTurn reports a loop failure to the client and the transcript.
func (r *Runner) failTurn(ctx context.Context, turn *Turn, out chan<- protocol.ServerEvent, err error) {
	logging.Errorf("runner: %s: %v", turn.Agent.Name, err)
	text := fmt.Sprintf("Error: %v", err)
	emit(ctx, out, r.chunk(turn, text, "", protocol.RoleAssistant, turn.Agent.ID, turn.Agent.Name))
	r.persist(ctx, &db.Message{
		FrameID: turn.FrameID,
		Role:    db.RoleAssistant,
		Name:    turn.Agent.Name,
		Content: text,
		AgentID: turn.Agent.ID,
	})
}

// persist writes a row even when the turn is already cancelled, so
// partial content survives a cancel.
func (r *Runner) persist(ctx context.Context, m *db.Message) {
	if err := r.store.AppendMessage(context.WithoutCancel(ctx), m); err != nil {
		logging.Errorf("runner: persisting %s row: %v", m.Role, err)
	}
}

func (r *Runner) chunk(turn *Turn, content, thinking, role, agentID, name string) *protocol.StreamChunk {
	return protocol.NewStreamChunk(content, thinking, role, agentID, name, turn.ConversationID, turn.FrameID)
}

func (t *Turn) userID() string {
	if t.User == nil {
		return ""
	}
	return t.User.ID
}

// emit delivers an event unless the turn is cancelled and the consumer
// has stopped draining.
func emit(ctx context.Context, out chan<- protocol.ServerEvent, ev protocol.ServerEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func rawJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
