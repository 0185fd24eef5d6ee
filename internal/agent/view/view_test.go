package view

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/db"
)

func testAgent(name, prompt string) *db.Agent {
	return &db.Agent{ID: name + "-id", Name: name, SystemPrompt: prompt}
}

func msg(role, name, content string) db.Message {
	return db.Message{Role: role, Name: name, Content: content}
}

// sharedHistory is one multi-agent exchange: the user asks, the
// Administrator routes, Scout answers with a tool call, Chef follows.
func sharedHistory() []db.Message {
	return []db.Message{
		msg(db.RoleSystem, "", "bootstrap note"),
		msg(db.RoleUser, "", "Plan a picnic for Saturday"),
		msg(db.RoleAssistant, AdministratorName, "Scout knows the area."),
		msg(db.RoleTool, "route_to_agent", "Routing to Scout: knows the area"),
		msg(db.RoleAssistant, "Scout", "Let me check what we discussed."),
		msg(db.RoleTool, "search_messages", "Found 2 message(s) matching \"picnic\""),
		msg(db.RoleAssistant, "Scout", "The lake park worked well last time."),
		msg(db.RoleAssistant, "Chef", "I can pack sandwiches and lemonade."),
		msg(db.RoleUser, "", "Sounds good to me"),
	}
}

func TestBuildScoutView(t *testing.T) {
	out := Build(sharedHistory(), Options{Agent: testAgent("Scout", "You scout locations.")})
	require.NotEmpty(t, out)

	require.Equal(t, db.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "You are Scout.")

	var gotRoles []string
	var gotContent []string
	for _, m := range out[1:] {
		gotRoles = append(gotRoles, m.Role)
		gotContent = append(gotContent, m.Content)
	}
	require.Equal(t, []string{
		db.RoleUser,      // the user's ask
		db.RoleAssistant, // Scout's tool-calling turn
		db.RoleTool,      // Scout's own tool result
		db.RoleAssistant, // Scout's answer
		db.RoleUser,      // Chef, folded into a labeled user message
		db.RoleUser,      // the user's reply
	}, gotRoles)

	assert.Equal(t, "[User]: Plan a picnic for Saturday", gotContent[0])
	assert.Equal(t, "Let me check what we discussed.", gotContent[1])
	assert.Equal(t, "Found 2 message(s) matching \"picnic\"", gotContent[2])
	assert.Equal(t, "[Chef]: I can pack sandwiches and lemonade.", gotContent[4])
	assert.Equal(t, "[User]: Sounds good to me", gotContent[5])
}

func TestBuildChefView(t *testing.T) {
	out := Build(sharedHistory(), Options{Agent: testAgent("Chef", "You handle food.")})

	var gotRoles []string
	for _, m := range out[1:] {
		gotRoles = append(gotRoles, m.Role)
	}
	require.Equal(t, []string{
		db.RoleUser,      // the user's ask
		db.RoleUser,      // Scout's tool-calling turn, labeled
		db.RoleUser,      // Scout's tool result, labeled
		db.RoleUser,      // Scout's answer, labeled
		db.RoleAssistant, // Chef's own turn
		db.RoleUser,      // the user's reply
	}, gotRoles)

	assert.Equal(t, "[Scout]: Let me check what we discussed.", out[2].Content)
	assert.Equal(t, "[search_messages]: Found 2 message(s) matching \"picnic\"", out[3].Content)
	assert.Equal(t, "I can pack sandwiches and lemonade.", out[5].Content)
}

func TestBuildHidesAdministrator(t *testing.T) {
	for _, viewer := range []string{"Scout", "Chef"} {
		out := Build(sharedHistory(), Options{Agent: testAgent(viewer, "")})
		for _, m := range out {
			assert.NotContains(t, m.Content, "Scout knows the area.", "viewer %s", viewer)
			assert.NotContains(t, m.Content, "Routing to Scout", "viewer %s", viewer)
		}
	}
}

func TestBuildDropsSystemRows(t *testing.T) {
	out := Build(sharedHistory(), Options{Agent: testAgent("Scout", "")})
	for i, m := range out {
		if i == 0 {
			continue
		}
		assert.NotEqual(t, db.RoleSystem, m.Role)
		assert.NotContains(t, m.Content, "bootstrap note")
	}
}

func TestBuildToolOwnershipFollowsSpeaker(t *testing.T) {
	// A tool row belongs to whichever assistant spoke last, not to
	// whichever agent is viewing.
	history := []db.Message{
		msg(db.RoleAssistant, "Chef", "Checking the pantry."),
		msg(db.RoleTool, "search_messages", "Found 1 message(s)"),
	}

	chef := Build(history, Options{Agent: testAgent("Chef", "")})
	require.Len(t, chef, 3)
	assert.Equal(t, db.RoleTool, chef[2].Role)

	scout := Build(history, Options{Agent: testAgent("Scout", "")})
	require.Len(t, scout, 3)
	assert.Equal(t, db.RoleUser, scout[2].Role)
	assert.Equal(t, "[search_messages]: Found 1 message(s)", scout[2].Content)
}

func TestBuildAdministratorToolRowsStayHidden(t *testing.T) {
	// Owner-aware: a routing tool row is dropped because the
	// Administrator spoke last, even though the tool name is a
	// built-in every agent can call.
	history := []db.Message{
		msg(db.RoleAssistant, AdministratorName, ""),
		msg(db.RoleTool, "route_to_agent", "Routing to Scout: next up"),
		msg(db.RoleAssistant, "Scout", "On it."),
		msg(db.RoleTool, "route_to_agent", "Routing to Chef: handoff"),
	}
	out := Build(history, Options{Agent: testAgent("Chef", "")})

	var contents []string
	for _, m := range out[1:] {
		contents = append(contents, m.Content)
	}
	assert.NotContains(t, contents, "[route_to_agent]: Routing to Scout: next up")
	// Scout's routing call survives because Scout owns it.
	assert.Contains(t, contents, "[route_to_agent]: Routing to Chef: handoff")
}

func TestBuildKeepsOwnThinking(t *testing.T) {
	history := []db.Message{
		{Role: db.RoleAssistant, Name: "Scout", Content: "The lake.", Thinking: "weighing options"},
	}

	own := Build(history, Options{Agent: testAgent("Scout", "")})
	require.Len(t, own, 2)
	assert.Equal(t, "weighing options", own[1].Thinking)

	other := Build(history, Options{Agent: testAgent("Chef", "")})
	require.Len(t, other, 2)
	assert.Empty(t, other[1].Thinking, "another agent's thinking must not leak")
}

func TestPreambleFull(t *testing.T) {
	longPrompt := strings.Repeat("plan routes and weather checks ", 10) // well past the excerpt cap
	opts := Options{
		Agent: testAgent("Scout", "You scout locations."),
		Peers: []db.Agent{
			{Name: "Chef", SystemPrompt: longPrompt},
			{Name: "Med", SystemPrompt: "First aid.\nAlways calm."},
		},
		User: &db.User{SystemPrompt: "Keep answers short.", DisplayName: "Sam"},
		Now:  time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC),
	}
	p := Preamble(opts)

	assert.True(t, strings.HasPrefix(p, "You are Scout."))
	assert.Contains(t, p, "You scout locations.")
	assert.Contains(t, p, "Keep answers short.")
	assert.Contains(t, p, "The user prefers to be called: Sam")
	assert.Contains(t, p, "Current time: 2026-08-25 12:30 UTC")
	assert.Contains(t, p, "Focus on your own response; a separate system handles turn-taking.")

	// Peer prompts are excerpted to 150 chars on a single line.
	for _, line := range strings.Split(p, "\n") {
		if strings.HasPrefix(line, "- Chef: ") {
			assert.Len(t, strings.TrimPrefix(line, "- Chef: "), 150)
		}
		if strings.HasPrefix(line, "- Med: ") {
			assert.Equal(t, "- Med: First aid. Always calm.", line)
		}
	}
}

func TestPreambleMinimal(t *testing.T) {
	p := Preamble(Options{
		Agent: testAgent("Solo", ""),
		Now:   time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "You are Solo.\n\nCurrent time: 2026-08-25 09:00 UTC", p)
	assert.NotContains(t, p, "prefers to be called")
	assert.NotContains(t, p, "turn-taking")
}

func TestPreambleNoPeersNoDirective(t *testing.T) {
	p := Preamble(Options{Agent: testAgent("Solo", "Prompt."), User: &db.User{}})
	assert.NotContains(t, p, "Other agents in this conversation")
	assert.NotContains(t, p, "turn-taking")
}
