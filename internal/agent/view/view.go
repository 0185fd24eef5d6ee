// Package view rewrites shared conversation history into the
// first-person view a single agent sees. Chat models know one
// assistant role, so an agent's own turns stay role=assistant while
// every other speaker is folded into labeled user messages. The
// Administrator's routing traffic never reaches sub-agents.
package view

import (
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/db"
)

// AdministratorName is the reserved speaker name of the routing agent.
const AdministratorName = "Administrator"

// peerExcerptLen bounds how much of a peer's prompt the preamble quotes.
const peerExcerptLen = 150

// Options carries the viewer and its surroundings.
type Options struct {
	// Agent is the viewer.
	Agent *db.Agent

	// Peers are the other agents in the conversation, viewer excluded.
	Peers []db.Agent

	// User owns the conversation; its custom prompt and preferred name
	// land in the preamble.
	User *db.User

	// Now stamps the preamble. Zero means the current time.
	Now time.Time
}

// Build rewrites raw history (oldest first) into the message list the
// viewing agent is sent. The synthesized preamble comes first; system
// rows and the Administrator's turns are dropped; tool rows follow
// their owning assistant turn, so ownership is tracked across the walk
// rather than read off the tool name.
func Build(history []db.Message, opts Options) []ai.Message {
	out := make([]ai.Message, 0, len(history)+1)
	out = append(out, ai.Message{Role: db.RoleSystem, Content: Preamble(opts)})

	lastAssistantSpeaker := ""
	for _, m := range history {
		switch m.Role {
		case db.RoleSystem:
			continue

		case db.RoleAssistant:
			lastAssistantSpeaker = m.Name
			if m.Name == AdministratorName {
				continue
			}
			if m.Name == opts.Agent.Name {
				out = append(out, ai.Message{
					Role:     db.RoleAssistant,
					Name:     m.Name,
					Content:  m.Content,
					Thinking: m.Thinking,
				})
				continue
			}
			out = append(out, ai.Message{Role: db.RoleUser, Content: label(m.Name, m.Content)})

		case db.RoleTool:
			if lastAssistantSpeaker == AdministratorName {
				continue
			}
			if lastAssistantSpeaker == opts.Agent.Name {
				out = append(out, ai.Message{Role: db.RoleTool, Name: m.Name, Content: m.Content})
				continue
			}
			out = append(out, ai.Message{Role: db.RoleUser, Content: label(m.Name, m.Content)})

		default:
			out = append(out, ai.Message{Role: db.RoleUser, Content: label("User", m.Content)})
		}
	}
	return out
}

// Preamble synthesizes the system message the viewer reads first.
func Preamble(opts Options) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("You are %s.", opts.Agent.Name))

	if opts.Agent.SystemPrompt != "" {
		parts = append(parts, opts.Agent.SystemPrompt)
	}
	if opts.User != nil {
		if opts.User.SystemPrompt != "" {
			parts = append(parts, opts.User.SystemPrompt)
		}
		if opts.User.DisplayName != "" {
			parts = append(parts, "The user prefers to be called: "+opts.User.DisplayName)
		}
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	parts = append(parts, "Current time: "+now.UTC().Format("2006-01-02 15:04")+" UTC")

	if len(opts.Peers) > 0 {
		var sb strings.Builder
		sb.WriteString("Other agents in this conversation:\n")
		for _, p := range opts.Peers {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", p.Name, PromptExcerpt(p.SystemPrompt)))
		}
		sb.WriteString("\nFocus on your own response; a separate system handles turn-taking.")
		parts = append(parts, sb.String())
	}

	return strings.Join(parts, "\n\n")
}

func label(speaker, content string) string {
	if speaker == "" {
		speaker = "User"
	}
	return fmt.Sprintf("[%s]: %s", speaker, content)
}

// PromptExcerpt flattens a prompt onto one line and keeps the head, so
// agent rosters stay readable bullet lists.
func PromptExcerpt(prompt string) string {
	flat := strings.Join(strings.Fields(prompt), " ")
	if len(flat) <= peerExcerptLen {
		return flat
	}
	return flat[:peerExcerptLen]
}
