// Package protocol defines the JSON events exchanged over the chat socket.
// Every event is a flat JSON object carrying a type tag, a unique event id,
// and a timestamp alongside its payload fields.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client to server event types.
const (
	TypeChatRequest          = "chat_request"
	TypeToolApprovalResponse = "tool_approval_response"
	TypeCancel               = "cancel"
)

// Server to client event types.
const (
	TypeStreamChunk         = "stream_chunk"
	TypeToolApprovalRequest = "tool_approval_request"
	TypeAgentSwitch         = "agent_switch"
	TypeDone                = "done"
	TypeError               = "error"
)

// Error codes carried by error events.
const (
	CodeBadEvent   = "BAD_EVENT"
	CodeValidation = "VALIDATION"
	CodeAuth       = "AUTH"
	CodeNotFound   = "NOT_FOUND"
	CodeProvider   = "PROVIDER"
	CodeCancelled  = "CANCELLED"
	CodeInternal   = "INTERNAL_ERROR"
)

// Roles carried by stream chunks.
const (
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Envelope holds the fields common to every event. Payload structs embed it
// so the wire format stays a single flat object.
type Envelope struct {
	Type      string    `json:"type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType returns the type tag.
func (e Envelope) EventType() string { return e.Type }

func newEnvelope(t string) Envelope {
	return Envelope{
		Type:      t,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// ChatRequest asks the server to run a turn. Images are the ids of
// previously uploaded blobs.
type ChatRequest struct {
	Envelope
	Text           string   `json:"text"`
	ModelName      string   `json:"model_name,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`
	Images         []string `json:"images,omitempty"`
}

// ToolApprovalResponse answers a pending tool approval request.
type ToolApprovalResponse struct {
	Envelope
	ApprovalID   string          `json:"approval_id"`
	Approved     bool            `json:"approved"`
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
}

// Cancel aborts the running turn, if any.
type Cancel struct {
	Envelope
}

// StreamChunk carries a piece of streamed output from an agent or tool.
type StreamChunk struct {
	Envelope
	Content        string `json:"content"`
	Thinking       string `json:"thinking,omitempty"`
	Role           string `json:"role"`
	AgentID        string `json:"agent_id,omitempty"`
	Name           string `json:"name"`
	ConversationID string `json:"conversation_id"`
	FrameID        string `json:"frame_id"`
}

// ToolApprovalRequest asks the user to approve a tool invocation.
type ToolApprovalRequest struct {
	Envelope
	ApprovalID  string          `json:"approval_id"`
	ToolName    string          `json:"tool_name"`
	ToolArgs    json.RawMessage `json:"tool_args"`
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	RiskLevel   string          `json:"risk_level"`
}

// AgentSwitch announces that the turn moved to a different agent.
type AgentSwitch struct {
	Envelope
	FromAgentID   string `json:"from_agent_id"`
	FromAgentName string `json:"from_agent_name"`
	ToAgentID     string `json:"to_agent_id"`
	ToAgentName   string `json:"to_agent_name"`
	Reason        string `json:"reason"`
}

// Done marks the end of a turn. It is always the last event of a turn.
type Done struct {
	Envelope
	ConversationID string `json:"conversation_id"`
	FrameID        string `json:"frame_id"`
}

// ErrorEvent reports a failure to the client.
type ErrorEvent struct {
	Envelope
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewStreamChunk builds a stream_chunk event.
func NewStreamChunk(content, thinking, role, agentID, name, conversationID, frameID string) *StreamChunk {
	return &StreamChunk{
		Envelope:       newEnvelope(TypeStreamChunk),
		Content:        content,
		Thinking:       thinking,
		Role:           role,
		AgentID:        agentID,
		Name:           name,
		ConversationID: conversationID,
		FrameID:        frameID,
	}
}

// NewToolApprovalRequest builds a tool_approval_request event.
func NewToolApprovalRequest(approvalID, toolName string, toolArgs json.RawMessage, agentID, name, description, riskLevel string) *ToolApprovalRequest {
	return &ToolApprovalRequest{
		Envelope:    newEnvelope(TypeToolApprovalRequest),
		ApprovalID:  approvalID,
		ToolName:    toolName,
		ToolArgs:    toolArgs,
		AgentID:     agentID,
		Name:        name,
		Description: description,
		RiskLevel:   riskLevel,
	}
}

// NewAgentSwitch builds an agent_switch event.
func NewAgentSwitch(fromID, fromName, toID, toName, reason string) *AgentSwitch {
	return &AgentSwitch{
		Envelope:      newEnvelope(TypeAgentSwitch),
		FromAgentID:   fromID,
		FromAgentName: fromName,
		ToAgentID:     toID,
		ToAgentName:   toName,
		Reason:        reason,
	}
}

// NewDone builds a done event.
func NewDone(conversationID, frameID string) *Done {
	return &Done{
		Envelope:       newEnvelope(TypeDone),
		ConversationID: conversationID,
		FrameID:        frameID,
	}
}

// NewError builds an error event.
func NewError(code, message string) *ErrorEvent {
	return &ErrorEvent{
		Envelope: newEnvelope(TypeError),
		Error:    message,
		Code:     code,
	}
}

// Marshal encodes an event for the wire.
func Marshal(ev any) ([]byte, error) {
	return json.Marshal(ev)
}

// ClientEvent is one of ChatRequest, ToolApprovalResponse, or Cancel.
type ClientEvent interface {
	EventType() string
}

// ServerEvent is any event the server pushes to the client: StreamChunk,
// ToolApprovalRequest, AgentSwitch, Done, or ErrorEvent.
type ServerEvent interface {
	EventType() string
}

// UnknownTypeError is returned by ParseClientEvent for unrecognized type
// tags. The session handler reports it as a BAD_EVENT error.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// ParseClientEvent decodes a raw frame from the client into a typed event.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	switch env.Type {
	case TypeChatRequest:
		var ev ChatRequest
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed chat_request: %w", err)
		}
		return &ev, nil
	case TypeToolApprovalResponse:
		var ev ToolApprovalResponse
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed tool_approval_response: %w", err)
		}
		return &ev, nil
	case TypeCancel:
		var ev Cancel
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed cancel: %w", err)
		}
		return &ev, nil
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}
