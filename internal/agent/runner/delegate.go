package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/protocol"
)

// DelegatePrefix starts every delegation tool name; the suffix is the
// target agent's id.
const DelegatePrefix = "delegate_to_"

// delegateTool hands the rest of the turn to a peer agent. The peer's
// stream goes inline into the delegator's event channel, and both draw
// rounds from the same budget.
type delegateTool struct {
	runner *Runner
	turn   *Turn
	target *db.Agent
	out    chan<- protocol.ServerEvent
}

type delegateInput struct {
	Reason string `json:"reason,omitempty"`
}

func (d *delegateTool) Name() string { return DelegatePrefix + d.target.ID }

func (d *delegateTool) Description() string {
	return fmt.Sprintf("Delegate the current request to %s. They answer the user directly; use this when their expertise fits better than yours.", d.target.Name)
}

func (d *delegateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"reason": {
				"type": "string",
				"description": "Short reason for handing this off"
			}
		}
	}`)
}

func (d *delegateTool) RiskLevel() string      { return tools.RiskLow }
func (d *delegateTool) RequiresApproval() bool { return false }
func (d *delegateTool) BuiltIn() bool          { return false }

func (d *delegateTool) Execute(ctx context.Context, input json.RawMessage) (*tools.ToolResult, error) {
	var in delegateInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return &tools.ToolResult{Content: fmt.Sprintf("invalid delegation input: %v", err), IsError: true}, nil
		}
	}

	emit(ctx, d.out, protocol.NewAgentSwitch(d.turn.Agent.ID, d.turn.Agent.Name, d.target.ID, d.target.Name, in.Reason))

	// The delegator's tool-call row has not landed yet, but everything
	// streamed so far has. Reload so the peer sees it.
	history, err := d.runner.store.ListFrameMessages(ctx, d.turn.FrameID)
	if err != nil {
		logging.Errorf("runner: delegation history reload: %v", err)
		history = d.turn.History
	}

	child := &Turn{
		Agent:          d.target,
		Peers:          d.peersForTarget(),
		User:           d.turn.User,
		History:        history,
		ConversationID: d.turn.ConversationID,
		FrameID:        d.turn.FrameID,
		Model:          d.turn.Model,
		Registry:       d.turn.Registry,
		Approver:       d.turn.Approver,
		Budget:         d.turn.Budget,
		DebugRaw:       d.turn.DebugRaw,
	}

	for ev := range d.runner.Process(ctx, child) {
		emit(ctx, d.out, ev)
	}

	return &tools.ToolResult{Content: fmt.Sprintf("Delegated to %s.", d.target.Name)}, nil
}

// peersForTarget swaps the delegator into the peer list in place of the
// target, so the peer's view names everyone else in the room.
func (d *delegateTool) peersForTarget() []db.Agent {
	peers := []db.Agent{*d.turn.Agent}
	for _, p := range d.turn.Peers {
		if p.ID != d.target.ID {
			peers = append(peers, p)
		}
	}
	return peers
}
