package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/db"
)

// conversationTool carries the shared plumbing for built-ins that read
// conversation history. All of them take conversation_id from injected
// args and check the conversation belongs to the calling user.
type conversationTool struct {
	builtin
	store *db.Store
}

func (conversationTool) ConversationAware() bool { return true }

// ownedConversation loads a conversation and verifies ownership.
func (t conversationTool) ownedConversation(ctx context.Context, conversationID string) (*db.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("no active conversation")
	}
	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation not found")
	}
	if scope := ScopeFrom(ctx); scope.UserID != "" && conv.UserID != scope.UserID {
		return nil, fmt.Errorf("conversation not found")
	}
	return conv, nil
}

func speakerLabel(m *db.Message) string {
	if m.Name != "" {
		return m.Name
	}
	return m.Role
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04")
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// SearchMessagesTool finds past messages in the active conversation.
type SearchMessagesTool struct {
	conversationTool
}

func NewSearchMessagesTool(store *db.Store) *SearchMessagesTool {
	return &SearchMessagesTool{conversationTool{store: store}}
}

func (*SearchMessagesTool) Name() string { return "search_messages" }

func (*SearchMessagesTool) Description() string {
	return "Search earlier messages in this conversation by text. Returns matching messages newest first."
}

func (*SearchMessagesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "Text to search for"
			},
			"limit": {
				"type": "integer",
				"description": "Maximum number of matches (default: 10)"
			}
		},
		"required": ["query"]
	}`)
}

func (t *SearchMessagesTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		Query          string `json:"query"`
		Limit          int    `json:"limit"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Invalid input: %v", err), IsError: true}, nil
	}
	if in.Query == "" {
		return &ToolResult{Content: "Error: 'query' is required", IsError: true}, nil
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}

	if _, err := t.ownedConversation(ctx, in.ConversationID); err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}

	matches, err := t.store.SearchMessages(ctx, in.ConversationID, in.Query, in.Limit)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &ToolResult{Content: "No messages found matching: " + in.Query}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d message(s) matching %q:\n\n", len(matches), in.Query)
	for _, m := range matches {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", formatTimestamp(m.CreatedAt), speakerLabel(&m), excerpt(m.Content, 300))
	}
	return &ToolResult{Content: sb.String()}, nil
}

// ConversationInfoTool reports metadata about the active conversation.
type ConversationInfoTool struct {
	conversationTool
}

func NewConversationInfoTool(store *db.Store) *ConversationInfoTool {
	return &ConversationInfoTool{conversationTool{store: store}}
}

func (*ConversationInfoTool) Name() string { return "get_conversation_info" }

func (*ConversationInfoTool) Description() string {
	return "Get metadata about this conversation: title, age, number of frames and messages."
}

func (*ConversationInfoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ConversationInfoTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Invalid input: %v", err), IsError: true}, nil
	}

	conv, err := t.ownedConversation(ctx, in.ConversationID)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}

	frames, err := t.store.ListFrames(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	var messages int64
	for _, f := range frames {
		n, err := t.store.CountFrameMessages(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		messages += n
	}

	title := conv.Title
	if title == "" {
		title = "(untitled)"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\n", title)
	fmt.Fprintf(&sb, "Created: %s UTC\n", formatTimestamp(conv.CreatedAt))
	fmt.Fprintf(&sb, "Last activity: %s UTC\n", formatTimestamp(conv.UpdatedAt))
	fmt.Fprintf(&sb, "Frames: %d\n", len(frames))
	fmt.Fprintf(&sb, "Messages: %d\n", messages)
	return &ToolResult{Content: sb.String()}, nil
}

// FrameSummariesTool lists the frames of the active conversation with
// their summaries.
type FrameSummariesTool struct {
	conversationTool
}

func NewFrameSummariesTool(store *db.Store) *FrameSummariesTool {
	return &FrameSummariesTool{conversationTool{store: store}}
}

func (*FrameSummariesTool) Name() string { return "get_frame_summaries" }

func (*FrameSummariesTool) Description() string {
	return "List this conversation's frames with their ids and summaries. Use get_frame_messages to read a frame in full."
}

func (*FrameSummariesTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *FrameSummariesTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Invalid input: %v", err), IsError: true}, nil
	}

	conv, err := t.ownedConversation(ctx, in.ConversationID)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}

	frames, err := t.store.ListFrames(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return &ToolResult{Content: "This conversation has no frames yet."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Frames (%d):\n\n", len(frames))
	for i, f := range frames {
		summary := f.Summary
		if summary == "" {
			summary = "(no summary yet)"
		}
		fmt.Fprintf(&sb, "%d. %s (started %s UTC)\n   %s\n", i+1, f.ID, formatTimestamp(f.CreatedAt), excerpt(summary, 500))
	}
	return &ToolResult{Content: sb.String()}, nil
}

// FrameMessagesTool reads a frame's transcript.
type FrameMessagesTool struct {
	conversationTool
}

func NewFrameMessagesTool(store *db.Store) *FrameMessagesTool {
	return &FrameMessagesTool{conversationTool{store: store}}
}

func (*FrameMessagesTool) Name() string { return "get_frame_messages" }

func (*FrameMessagesTool) Description() string {
	return "Read the messages of one frame of this conversation, oldest first. Get frame ids from get_frame_summaries."
}

func (*FrameMessagesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"frame_id": {
				"type": "string",
				"description": "Frame to read"
			},
			"limit": {
				"type": "integer",
				"description": "Maximum number of messages (default: 50)"
			}
		},
		"required": ["frame_id"]
	}`)
}

func (t *FrameMessagesTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		FrameID        string `json:"frame_id"`
		Limit          int    `json:"limit"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Invalid input: %v", err), IsError: true}, nil
	}
	if in.FrameID == "" {
		return &ToolResult{Content: "Error: 'frame_id' is required", IsError: true}, nil
	}
	if in.Limit <= 0 {
		in.Limit = 50
	}

	frame, err := t.store.GetFrame(ctx, in.FrameID)
	if err != nil {
		return &ToolResult{Content: "Frame not found", IsError: true}, nil
	}
	if _, err := t.ownedConversation(ctx, frame.ConversationID); err != nil {
		return &ToolResult{Content: "Frame not found", IsError: true}, nil
	}

	messages, err := t.store.ListFrameMessages(ctx, in.FrameID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return &ToolResult{Content: "This frame has no messages."}, nil
	}
	if len(messages) > in.Limit {
		messages = messages[len(messages)-in.Limit:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Frame %s (%d message(s)):\n\n", in.FrameID, len(messages))
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", formatTimestamp(m.CreatedAt), speakerLabel(&m), excerpt(m.Content, 500))
	}
	return &ToolResult{Content: sb.String()}, nil
}
