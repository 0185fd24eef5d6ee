package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// RouteToAgentName and RouteToUserName are the tool names the
// Administrator steers with.
const (
	RouteToAgentName = "route_to_agent"
	RouteToUserName  = "route_to_user"
)

// RouteToAgentInput is the argument shape of a route_to_agent call.
type RouteToAgentInput struct {
	AgentName string `json:"agent_name"`
	Reason    string `json:"reason,omitempty"`
}

// RouteToUserInput is the argument shape of a route_to_user call.
type RouteToUserInput struct {
	Reason string `json:"reason,omitempty"`
}

// ParseRouteToAgent decodes route_to_agent arguments.
func ParseRouteToAgent(input json.RawMessage) (RouteToAgentInput, error) {
	var in RouteToAgentInput
	if err := json.Unmarshal(input, &in); err != nil {
		return in, fmt.Errorf("invalid route_to_agent input: %w", err)
	}
	if in.AgentName == "" {
		return in, fmt.Errorf("agent_name is required")
	}
	return in, nil
}

// ParseRouteToUser decodes route_to_user arguments.
func ParseRouteToUser(input json.RawMessage) (RouteToUserInput, error) {
	var in RouteToUserInput
	if err := json.Unmarshal(input, &in); err != nil {
		return in, fmt.Errorf("invalid route_to_user input: %w", err)
	}
	return in, nil
}

// RouteToAgentTool hands the floor to a named agent. The call itself is
// the signal; executing it just records the decision.
type RouteToAgentTool struct {
	builtin
}

func NewRouteToAgentTool() *RouteToAgentTool { return &RouteToAgentTool{} }

func (*RouteToAgentTool) Name() string { return RouteToAgentName }

func (*RouteToAgentTool) Description() string {
	return "Route the conversation to a specific agent. The named agent speaks next. Call this multiple times to queue several agents in order."
}

func (*RouteToAgentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent_name": {
				"type": "string",
				"description": "Name of the agent that should speak next"
			},
			"reason": {
				"type": "string",
				"description": "Short reason for choosing this agent"
			}
		},
		"required": ["agent_name"]
	}`)
}

func (*RouteToAgentTool) Execute(_ context.Context, input json.RawMessage) (*ToolResult, error) {
	in, err := ParseRouteToAgent(input)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if in.Reason != "" {
		return &ToolResult{Content: fmt.Sprintf("Routing to %s: %s", in.AgentName, in.Reason)}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Routing to %s", in.AgentName)}, nil
}

// RouteToUserTool ends the turn and hands the conversation back to the
// user.
type RouteToUserTool struct {
	builtin
}

func NewRouteToUserTool() *RouteToUserTool { return &RouteToUserTool{} }

func (*RouteToUserTool) Name() string { return RouteToUserName }

func (*RouteToUserTool) Description() string {
	return "End the turn and return the conversation to the user. Call this when no agent needs to speak."
}

func (*RouteToUserTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"reason": {
				"type": "string",
				"description": "Short reason for ending the turn"
			}
		}
	}`)
}

func (*RouteToUserTool) Execute(_ context.Context, input json.RawMessage) (*ToolResult, error) {
	in, err := ParseRouteToUser(input)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if in.Reason != "" {
		return &ToolResult{Content: fmt.Sprintf("Routing to user: %s", in.Reason)}, nil
	}
	return &ToolResult{Content: "Routing to user"}, nil
}
