// Package bridge exposes tools advertised by external servers to the
// agent runtime. Each advertised tool is wrapped in a proxy that
// forwards execution to the owning server.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/mcp/client"
)

// Caller forwards one tool invocation to an external server.
type Caller interface {
	CallTool(ctx context.Context, serverID, name string, args map[string]any) (string, bool, error)
}

// Proxies wraps advertised tools in registry-ready proxies. Tools keep
// their advertised names, so registering the slice in order makes a
// later server shadow an earlier one on a name collision.
func Proxies(serverTools []client.ServerTool, caller Caller) []tools.Tool {
	out := make([]tools.Tool, 0, len(serverTools))
	for _, st := range serverTools {
		out = append(out, &proxyTool{meta: st, caller: caller})
	}
	return out
}

// proxyTool forwards execution to an external tool server. External
// tools are always approval gated.
type proxyTool struct {
	meta   client.ServerTool
	caller Caller
}

func (t *proxyTool) Name() string            { return t.meta.Name }
func (t *proxyTool) Description() string     { return t.meta.Description }
func (t *proxyTool) RiskLevel() string       { return tools.RiskMedium }
func (t *proxyTool) RequiresApproval() bool  { return true }
func (t *proxyTool) BuiltIn() bool           { return false }
func (t *proxyTool) ConversationAware() bool { return true }

func (t *proxyTool) Schema() json.RawMessage {
	if len(t.meta.InputSchema) > 0 {
		return t.meta.InputSchema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (t *proxyTool) Execute(ctx context.Context, input json.RawMessage) (*tools.ToolResult, error) {
	args, err := normalizeArgs(input)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", t.meta.Name, err)
	}
	text, isErr, err := t.caller.CallTool(ctx, t.meta.ServerID, t.meta.Name, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s on %s: %w", t.meta.Name, t.meta.ServerName, err)
	}
	return &tools.ToolResult{Content: text, IsError: isErr}, nil
}

// normalizeArgs coerces model-produced input into an argument object.
// Models sometimes double-encode arguments as a JSON string, so a
// string payload gets decoded once more before giving up.
func normalizeArgs(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}
	var nested string
	if err := json.Unmarshal(input, &nested); err == nil {
		if nested == "" {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal([]byte(nested), &args); err == nil && args != nil {
			return args, nil
		}
	}
	return nil, fmt.Errorf("arguments are not a JSON object")
}
