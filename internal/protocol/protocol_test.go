package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseChatRequest(t *testing.T) {
	raw := `{
		"type": "chat_request",
		"event_id": "e1",
		"timestamp": "2026-01-02T15:04:05Z",
		"text": "hello",
		"model_name": "qwen3:4b",
		"conversation_id": "c1",
		"agent_id": "a1"
	}`
	ev, err := ParseClientEvent([]byte(raw))
	if err != nil {
		t.Fatalf("ParseClientEvent failed: %v", err)
	}
	req, ok := ev.(*ChatRequest)
	if !ok {
		t.Fatalf("expected *ChatRequest, got %T", ev)
	}
	if req.Text != "hello" {
		t.Errorf("expected text hello, got %q", req.Text)
	}
	if req.ModelName != "qwen3:4b" {
		t.Errorf("expected model qwen3:4b, got %q", req.ModelName)
	}
	if req.ConversationID != "c1" || req.AgentID != "a1" {
		t.Errorf("unexpected ids: conv=%q agent=%q", req.ConversationID, req.AgentID)
	}
	if req.EventType() != TypeChatRequest {
		t.Errorf("unexpected event type %q", req.EventType())
	}
}

func TestParseApprovalResponse(t *testing.T) {
	raw := `{
		"type": "tool_approval_response",
		"approval_id": "ap1",
		"approved": true,
		"modified_args": {"q": "changed"}
	}`
	ev, err := ParseClientEvent([]byte(raw))
	if err != nil {
		t.Fatalf("ParseClientEvent failed: %v", err)
	}
	resp, ok := ev.(*ToolApprovalResponse)
	if !ok {
		t.Fatalf("expected *ToolApprovalResponse, got %T", ev)
	}
	if !resp.Approved {
		t.Error("expected approved")
	}
	var args map[string]string
	if err := json.Unmarshal(resp.ModifiedArgs, &args); err != nil {
		t.Fatalf("modified_args did not round-trip: %v", err)
	}
	if args["q"] != "changed" {
		t.Errorf("expected modified arg, got %v", args)
	}
}

func TestParseCancel(t *testing.T) {
	ev, err := ParseClientEvent([]byte(`{"type": "cancel"}`))
	if err != nil {
		t.Fatalf("ParseClientEvent failed: %v", err)
	}
	if _, ok := ev.(*Cancel); !ok {
		t.Fatalf("expected *Cancel, got %T", ev)
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := ParseClientEvent([]byte(`{"type": "teleport"}`))
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknown.Type != "teleport" {
		t.Errorf("expected type teleport, got %q", unknown.Type)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := ParseClientEvent([]byte(`{"type": "chat_request"`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	var unknown *UnknownTypeError
	if errors.As(err, &unknown) {
		t.Fatal("malformed JSON should not be reported as unknown type")
	}
}

func TestServerEventsCarryEnvelope(t *testing.T) {
	chunk := NewStreamChunk("hi", "", RoleAssistant, "a1", "Echo", "c1", "f1")
	if chunk.Type != TypeStreamChunk {
		t.Errorf("expected type stream_chunk, got %q", chunk.Type)
	}
	if chunk.EventID == "" {
		t.Error("expected event id")
	}
	if chunk.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}

	data, err := Marshal(chunk)
	if err != nil {
		t.Fatal(err)
	}

	// Envelope and payload fields share one flat object.
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"type", "event_id", "timestamp", "content", "role", "name", "conversation_id", "frame_id"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if _, ok := m["thinking"]; ok {
		t.Error("empty thinking should be omitted")
	}
}

func TestErrorEvent(t *testing.T) {
	ev := NewError(CodeBadEvent, "unknown event type")
	data, err := Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["code"] != CodeBadEvent {
		t.Errorf("expected code BAD_EVENT, got %v", m["code"])
	}
	if m["error"] != "unknown event type" {
		t.Errorf("expected error message, got %v", m["error"])
	}
}

func TestDoneEvent(t *testing.T) {
	ev := NewDone("c9", "f9")
	if ev.ConversationID != "c9" || ev.FrameID != "f9" {
		t.Errorf("unexpected done payload: %+v", ev)
	}
	if ev.Type != TypeDone {
		t.Errorf("expected type done, got %q", ev.Type)
	}
}
