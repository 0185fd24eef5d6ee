package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/agent/skills"
	"github.com/parleyhq/parley/internal/db"
)

// SkillInstructionsTool loads skill instructions into an agent's
// context. User-authored skills in the database take precedence over
// file-based skill packs under the same name.
type SkillInstructionsTool struct {
	builtin
	store  *db.Store
	loader *skills.Loader
}

func NewSkillInstructionsTool(store *db.Store, loader *skills.Loader) *SkillInstructionsTool {
	return &SkillInstructionsTool{store: store, loader: loader}
}

func (*SkillInstructionsTool) Name() string { return "get_skill_instructions" }

func (*SkillInstructionsTool) Description() string {
	return "Load the instructions of a named skill. Call without a name to list available skills."
}

func (*SkillInstructionsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"description": "Skill name. Omit to list available skills."
			}
		}
	}`)
}

func (t *SkillInstructionsTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Invalid input: %v", err), IsError: true}, nil
	}

	userID := ScopeFrom(ctx).UserID

	if in.Name == "" {
		return t.catalog(ctx, userID)
	}

	if userID != "" {
		if skill, err := t.store.GetSkillByName(ctx, userID, in.Name); err == nil {
			return &ToolResult{Content: skill.Instructions}, nil
		}
	}

	if t.loader != nil {
		if pack, ok := t.loader.Get(in.Name); ok {
			return &ToolResult{Content: pack.Instructions}, nil
		}
	}

	return &ToolResult{
		Content: fmt.Sprintf("Skill %q not found. Call get_skill_instructions without a name to list available skills.", in.Name),
		IsError: true,
	}, nil
}

func (t *SkillInstructionsTool) catalog(ctx context.Context, userID string) (*ToolResult, error) {
	var sb strings.Builder
	listed := make(map[string]bool)

	if userID != "" {
		owned, err := t.store.ListSkills(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, sk := range owned {
			fmt.Fprintf(&sb, "- %s: %s\n", sk.Name, excerpt(firstLine(sk.Instructions), 120))
			listed[sk.Name] = true
		}
	}

	if t.loader != nil {
		for _, pack := range t.loader.List() {
			if listed[pack.Name] {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s\n", pack.Name, excerpt(pack.Description, 120))
		}
	}

	if sb.Len() == 0 {
		return &ToolResult{Content: "No skills available."}, nil
	}
	return &ToolResult{Content: "Available skills:\n" + sb.String()}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
