package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/agent/skills"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
)

func newSkillFixture(t *testing.T) (*db.Store, *skills.Loader, string) {
	t.Helper()
	logging.Disable()
	t.Cleanup(logging.Enable)

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	user := &db.User{Username: "sam"}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	packRoot := t.TempDir()
	packDir := filepath.Join(packRoot, "meeting-notes")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `---
name: meeting-notes
description: Structured meeting notes
---

# Meeting Notes

Capture decisions and action items.
`
	if err := os.WriteFile(filepath.Join(packDir, skills.SkillFileName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := skills.NewLoader(packRoot)
	if err := loader.LoadAll(); err != nil {
		t.Fatal(err)
	}

	return store, loader, user.ID
}

func skillCtx(userID string) context.Context {
	return withCallScope(context.Background(), CallScope{UserID: userID})
}

func TestSkillInstructionsCatalog(t *testing.T) {
	store, loader, userID := newSkillFixture(t)
	if err := store.CreateSkill(context.Background(), &db.Skill{
		UserID:       userID,
		Name:         "summarize",
		Instructions: "Summarize in three bullets.\nKeep it short.",
	}); err != nil {
		t.Fatal(err)
	}

	tool := NewSkillInstructionsTool(store, loader)
	res, err := tool.Execute(skillCtx(userID), json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(res.Content, "Available skills:") {
		t.Fatalf("got %q", res.Content)
	}
	if !strings.Contains(res.Content, "summarize: Summarize in three bullets.") {
		t.Errorf("database skill missing from catalog: %q", res.Content)
	}
	if !strings.Contains(res.Content, "meeting-notes: Structured meeting notes") {
		t.Errorf("file pack missing from catalog: %q", res.Content)
	}
}

func TestSkillInstructionsDatabaseWinsOverPack(t *testing.T) {
	store, loader, userID := newSkillFixture(t)
	if err := store.CreateSkill(context.Background(), &db.Skill{
		UserID:       userID,
		Name:         "meeting-notes",
		Instructions: "Use the numbered format from the team wiki.",
	}); err != nil {
		t.Fatal(err)
	}

	tool := NewSkillInstructionsTool(store, loader)
	res, err := tool.Execute(skillCtx(userID), json.RawMessage(`{"name":"meeting-notes"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "Use the numbered format from the team wiki." {
		t.Fatalf("database skill should shadow the pack, got %q", res.Content)
	}
}

func TestSkillInstructionsPackFallback(t *testing.T) {
	store, loader, userID := newSkillFixture(t)

	tool := NewSkillInstructionsTool(store, loader)
	res, err := tool.Execute(skillCtx(userID), json.RawMessage(`{"name":"meeting-notes"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "# Meeting Notes") {
		t.Fatalf("pack instructions expected, got %q", res.Content)
	}
}

func TestSkillInstructionsNotFound(t *testing.T) {
	store, loader, userID := newSkillFixture(t)

	tool := NewSkillInstructionsTool(store, loader)
	res, err := tool.Execute(skillCtx(userID), json.RawMessage(`{"name":"nope"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, `Skill "nope" not found`) {
		t.Fatalf("got %+v", res)
	}
}

func TestSkillInstructionsEmptyCatalog(t *testing.T) {
	store, _, userID := newSkillFixture(t)

	tool := NewSkillInstructionsTool(store, nil)
	res, err := tool.Execute(skillCtx(userID), json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "No skills available." {
		t.Fatalf("got %q", res.Content)
	}
}
