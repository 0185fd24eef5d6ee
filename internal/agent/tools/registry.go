// Package tools holds the tool registry and the built-in tools every
// agent can call. Built-ins are always exposed and never approval
// gated; everything else is filtered per agent and may require a user
// approval round-trip before running.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/logging"
)

// Risk levels surfaced in approval requests.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is implemented by everything the registry can execute.
type Tool interface {
	// Name returns the tool's unique name.
	Name() string

	// Description returns a description for the model.
	Description() string

	// Schema returns the JSON schema for the tool's input.
	Schema() json.RawMessage

	// RiskLevel classifies the tool for approval prompts.
	RiskLevel() string

	// RequiresApproval reports whether execution needs user consent.
	RequiresApproval() bool

	// BuiltIn tools ignore agent exclusion sets.
	BuiltIn() bool

	// Execute runs the tool with the given input.
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// ConversationAware is implemented by tools whose args should carry the
// active conversation id.
type ConversationAware interface {
	ConversationAware() bool
}

// builtin carries the fixed policy surface shared by every built-in
// tool.
type builtin struct{}

func (builtin) BuiltIn() bool          { return true }
func (builtin) RiskLevel() string      { return RiskLow }
func (builtin) RequiresApproval() bool { return false }

// ApprovalRequest asks the user to allow one tool execution.
type ApprovalRequest struct {
	ID          string
	ToolName    string
	Args        json.RawMessage
	AgentID     string
	AgentName   string
	Description string
	RiskLevel   string
}

// Decision is the user's answer to an approval request.
type Decision struct {
	Approved     bool
	ModifiedArgs json.RawMessage
}

// Approver delivers approval requests to the user and blocks until a
// decision arrives or the wait times out, which reads as a denial.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) Decision
}

// ExecOptions scope one execution to an agent acting for a user.
type ExecOptions struct {
	UserID         string
	AgentID        string
	AgentName      string
	ConversationID string

	// Excluded is the calling agent's exclusion set. Built-ins ignore it.
	Excluded []string

	// Approver handles approval-gated tools. Nil denies them.
	Approver Approver
}

// Registry maps tool names to implementations. Later registrations
// shadow earlier ones under the same name, and listing follows
// registration order so shadowing stays deterministic.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. A name collision replaces the earlier tool and
// moves the name to the end of the ordering.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, ok := r.tools[name]; ok {
		logging.Debugf("tools: %q re-registered, earlier tool shadowed", name)
		r.removeFromOrder(name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	r.removeFromOrder(name)
}

func (r *Registry) removeFromOrder(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Scope returns an independent copy of the registry. Turn-scoped tools
// (routing, delegation) register on the copy without touching the
// parent.
func (r *Registry) Scope() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	child := &Registry{
		tools: make(map[string]Tool, len(r.tools)),
		order: append([]string(nil), r.order...),
	}
	for name, tool := range r.tools {
		child.tools[name] = tool
	}
	return child
}

// Exposed returns the schema list an agent with the given exclusion set
// sees: every built-in plus every non-excluded tool.
func (r *Registry) Exposed(excluded []string) []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		if !tool.BuiltIn() && contains(excluded, name) {
			continue
		}
		defs = append(defs, ai.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// Execute runs one tool call and always produces the string for the
// tool message; failures never propagate as errors.
func (r *Registry) Execute(ctx context.Context, call *ai.ToolCall, opts ExecOptions) string {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok || (!tool.BuiltIn() && contains(opts.Excluded, call.Name)) {
		return fmt.Sprintf("Tool not available: %s", call.Name)
	}

	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	if tool.RequiresApproval() {
		if opts.Approver == nil {
			return fmt.Sprintf("Tool execution denied by user: %s", call.Name)
		}
		decision := opts.Approver.RequestApproval(ctx, ApprovalRequest{
			ID:          call.ID,
			ToolName:    call.Name,
			Args:        args,
			AgentID:     opts.AgentID,
			AgentName:   opts.AgentName,
			Description: tool.Description(),
			RiskLevel:   tool.RiskLevel(),
		})
		if !decision.Approved {
			return fmt.Sprintf("Tool execution denied by user: %s", call.Name)
		}
		if len(decision.ModifiedArgs) > 0 {
			args = decision.ModifiedArgs
		}
	}

	if ca, aware := tool.(ConversationAware); aware && ca.ConversationAware() && opts.ConversationID != "" {
		args = injectConversationID(args, opts.ConversationID)
	}

	ctx = withCallScope(ctx, CallScope{
		UserID:         opts.UserID,
		AgentID:        opts.AgentID,
		AgentName:      opts.AgentName,
		ConversationID: opts.ConversationID,
	})

	return runTool(ctx, tool, args)
}

// runTool isolates the executor: panics and errors become result text.
func runTool(ctx context.Context, tool Tool, args json.RawMessage) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Errorf("tools: %s panicked: %v", tool.Name(), rec)
			out = fmt.Sprintf("Tool execution failed: %v", rec)
		}
	}()

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("Tool execution failed: %v", err)
	}
	if result == nil {
		return ""
	}
	if result.IsError {
		return fmt.Sprintf("Tool execution failed: %s", result.Content)
	}
	return result.Content
}

// injectConversationID sets conversation_id on a JSON object argument.
// Anything that does not parse as an object is left alone.
func injectConversationID(args json.RawMessage, conversationID string) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return args
	}
	if m == nil {
		m = make(map[string]any)
	}
	m["conversation_id"] = conversationID
	out, err := json.Marshal(m)
	if err != nil {
		return args
	}
	return out
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

// CallScope carries the caller's identity through ctx so tools can read
// it without widening their Execute signature.
type CallScope struct {
	UserID         string
	AgentID        string
	AgentName      string
	ConversationID string
}

type callScopeKey struct{}

func withCallScope(ctx context.Context, cs CallScope) context.Context {
	return context.WithValue(ctx, callScopeKey{}, cs)
}

// ScopeFrom returns the caller identity for the current execution.
func ScopeFrom(ctx context.Context) CallScope {
	cs, _ := ctx.Value(callScopeKey{}).(CallScope)
	return cs
}
