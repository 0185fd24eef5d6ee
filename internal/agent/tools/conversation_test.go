package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
)

type convFixture struct {
	store   *db.Store
	userID  string
	convID  string
	frameID string
}

func newConvFixture(t *testing.T) *convFixture {
	t.Helper()
	logging.Disable()
	t.Cleanup(logging.Enable)

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()

	user := &db.User{Username: "sam", DisplayName: "Sam"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}

	conv := &db.Conversation{UserID: user.ID, Title: "Picnic plans"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	frame := &db.Frame{ConversationID: conv.ID}
	if err := store.CreateFrame(ctx, frame); err != nil {
		t.Fatal(err)
	}

	msgs := []db.Message{
		{FrameID: frame.ID, Role: "user", Content: "Let's plan the picnic for Saturday"},
		{FrameID: frame.ID, Role: "assistant", Name: "Scout", Content: "How about Saturday afternoon at the lake?"},
		{FrameID: frame.ID, Role: "user", Content: "The lake works for me"},
	}
	for i := range msgs {
		if err := store.AppendMessage(ctx, &msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	return &convFixture{store: store, userID: user.ID, convID: conv.ID, frameID: frame.ID}
}

func (f *convFixture) ctx() context.Context {
	return withCallScope(context.Background(), CallScope{
		UserID:         f.userID,
		AgentID:        "agent-1",
		AgentName:      "Scout",
		ConversationID: f.convID,
	})
}

func (f *convFixture) args(extra string) json.RawMessage {
	if extra == "" {
		return json.RawMessage(fmt.Sprintf(`{"conversation_id":%q}`, f.convID))
	}
	return json.RawMessage(fmt.Sprintf(`{%s,"conversation_id":%q}`, extra, f.convID))
}

func TestSearchMessagesFindsMatches(t *testing.T) {
	f := newConvFixture(t)
	tool := NewSearchMessagesTool(f.store)

	res, err := tool.Execute(f.ctx(), f.args(`"query":"Saturday"`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "Found 2 message(s)") {
		t.Errorf("expected two matches, got: %q", res.Content)
	}
	if !strings.Contains(res.Content, "Scout:") {
		t.Errorf("assistant rows should be labeled by agent name, got: %q", res.Content)
	}

	res, err = tool.Execute(f.ctx(), f.args(`"query":"sushi"`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "No messages found matching: sushi") {
		t.Errorf("expected no-match text, got: %q", res.Content)
	}
}

func TestSearchMessagesRequiresQuery(t *testing.T) {
	f := newConvFixture(t)
	tool := NewSearchMessagesTool(f.store)

	res, err := tool.Execute(f.ctx(), f.args(""))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "'query' is required") {
		t.Fatalf("expected validation error, got: %+v", res)
	}
}

func TestSearchMessagesOwnership(t *testing.T) {
	f := newConvFixture(t)
	tool := NewSearchMessagesTool(f.store)

	intruder := &db.User{Username: "mallory"}
	if err := f.store.CreateUser(context.Background(), intruder); err != nil {
		t.Fatal(err)
	}
	ctx := withCallScope(context.Background(), CallScope{UserID: intruder.ID, ConversationID: f.convID})

	res, err := tool.Execute(ctx, f.args(`"query":"Saturday"`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Content != "conversation not found" {
		t.Fatalf("foreign conversations must read as missing, got: %+v", res)
	}

	// Without an injected conversation id there is nothing to search.
	res, err = tool.Execute(f.ctx(), json.RawMessage(`{"query":"Saturday"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Content != "no active conversation" {
		t.Fatalf("expected no-active-conversation error, got: %+v", res)
	}
}

func TestConversationInfo(t *testing.T) {
	f := newConvFixture(t)
	tool := NewConversationInfoTool(f.store)

	res, err := tool.Execute(f.ctx(), f.args(""))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	for _, want := range []string{"Title: Picnic plans", "Frames: 1", "Messages: 3"} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("missing %q in: %q", want, res.Content)
		}
	}
}

func TestFrameSummaries(t *testing.T) {
	f := newConvFixture(t)
	tool := NewFrameSummariesTool(f.store)

	res, err := tool.Execute(f.ctx(), f.args(""))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "Frames (1):") {
		t.Errorf("expected frame count, got: %q", res.Content)
	}
	if !strings.Contains(res.Content, "(no summary yet)") {
		t.Errorf("open frames show a placeholder, got: %q", res.Content)
	}

	if err := f.store.UpdateFrameSummary(context.Background(), f.frameID, "Agreed on a lakeside picnic."); err != nil {
		t.Fatal(err)
	}
	res, err = tool.Execute(f.ctx(), f.args(""))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "Agreed on a lakeside picnic.") {
		t.Errorf("expected summary text, got: %q", res.Content)
	}
}

func TestFrameMessages(t *testing.T) {
	f := newConvFixture(t)
	tool := NewFrameMessagesTool(f.store)

	res, err := tool.Execute(f.ctx(), f.args(fmt.Sprintf(`"frame_id":%q`, f.frameID)))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	first := strings.Index(res.Content, "Let's plan the picnic")
	last := strings.Index(res.Content, "The lake works for me")
	if first == -1 || last == -1 || first > last {
		t.Errorf("messages should appear oldest first, got: %q", res.Content)
	}

	// Limit keeps the newest messages.
	res, err = tool.Execute(f.ctx(), f.args(fmt.Sprintf(`"frame_id":%q,"limit":2`, f.frameID)))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Content, "Let's plan the picnic") {
		t.Errorf("limit should drop the oldest message, got: %q", res.Content)
	}
	if !strings.Contains(res.Content, "The lake works for me") {
		t.Errorf("limit should keep the newest message, got: %q", res.Content)
	}
}

func TestFrameMessagesOwnership(t *testing.T) {
	f := newConvFixture(t)
	tool := NewFrameMessagesTool(f.store)

	res, err := tool.Execute(f.ctx(), f.args(`"frame_id":"missing"`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Content != "Frame not found" {
		t.Fatalf("unknown frame should read as missing, got: %+v", res)
	}

	intruder := &db.User{Username: "mallory"}
	if err := f.store.CreateUser(context.Background(), intruder); err != nil {
		t.Fatal(err)
	}
	ctx := withCallScope(context.Background(), CallScope{UserID: intruder.ID, ConversationID: f.convID})

	res, err = tool.Execute(ctx, f.args(fmt.Sprintf(`"frame_id":%q`, f.frameID)))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Content != "Frame not found" {
		t.Fatalf("foreign frames must read as missing, got: %+v", res)
	}
}
