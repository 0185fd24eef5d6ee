package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
)

const (
	// summaryTranscriptCap bounds the transcript quoted to the
	// summarizer; older lines fall off the front.
	summaryTranscriptCap = 8 * 1024

	// memoryCap is the hard cap on an agent's rewritten memory.
	memoryCap = 4 * 1024

	// postTurnTimeout bounds one background pass over a closed frame.
	postTurnTimeout = 2 * time.Minute
)

// postTurn runs the asynchronous work owed when a frame closes: the
// frame summary and agent-memory consolidation. Both are best effort;
// failures are logged and never reach a turn. Concurrent writers are
// resolved last-writer-wins.
type postTurn struct {
	store     *db.Store
	providers providerPool

	wg sync.WaitGroup
}

func newPostTurn(store *db.Store, providers providerPool) *postTurn {
	return &postTurn{store: store, providers: providers}
}

// CloseFrame schedules summary and memory work for a closed frame.
func (p *postTurn) CloseFrame(user *db.User, frameID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), postTurnTimeout)
		defer cancel()
		p.run(ctx, user, frameID)
	}()
}

// Wait blocks until all scheduled work has drained.
func (p *postTurn) Wait() { p.wg.Wait() }

func (p *postTurn) run(ctx context.Context, user *db.User, frameID string) {
	msgs, err := p.store.ListFrameMessages(ctx, frameID)
	if err != nil {
		logging.Errorf("postturn: loading frame %s: %v", frameID, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	provider, err := p.providers.ProviderFor(user.LMBaseURL)
	if err != nil {
		logging.Errorf("postturn: provider: %v", err)
		return
	}
	model := user.SummaryModel
	if model == "" {
		model = p.providers.SummaryModel()
	}

	transcript := joinTranscript(msgs)
	p.summarize(ctx, provider, model, frameID, transcript)
	p.consolidate(ctx, provider, model, msgs, transcript)
}

// summarize writes a short third-person summary onto the frame.
func (p *postTurn) summarize(ctx context.Context, provider ai.Provider, model, frameID, transcript string) {
	prompt := fmt.Sprintf(`Summarize this conversation segment in 2-4 sentences. Write in third person and capture decisions made and threads left open.

%s

Summary:`, transcript)

	summary, err := ai.GenerateText(ctx, provider, model, prompt)
	if err != nil {
		logging.Errorf("postturn: summarizing frame %s: %v", frameID, err)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}
	if err := p.store.UpdateFrameSummary(ctx, frameID, summary); err != nil {
		logging.Errorf("postturn: saving summary for frame %s: %v", frameID, err)
	}
}

// consolidate rewrites the memory of every agent that spoke in the
// frame. Agents deleted since the frame closed are skipped.
func (p *postTurn) consolidate(ctx context.Context, provider ai.Provider, model string, msgs []db.Message, transcript string) {
	seen := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != db.RoleAssistant || m.AgentID == "" || seen[m.AgentID] {
			continue
		}
		seen[m.AgentID] = true

		agent, err := p.store.GetAgent(ctx, m.AgentID)
		if err != nil {
			logging.Debugf("postturn: agent %s: %v", m.AgentID, err)
			continue
		}

		prompt := fmt.Sprintf(`You maintain the long-term memory of the agent %q.

Agent instructions:
%s

Current memory:
%s

Recent conversation:
%s

Rewrite the memory. Merge duplicate facts, drop facts the conversation corrected, keep only what matters across conversations, and stay under %d characters. Output the memory text only.`,
			agent.Name, agent.SystemPrompt, agent.Memory, transcript, memoryCap)

		memory, err := ai.GenerateText(ctx, provider, model, prompt)
		if err != nil {
			logging.Errorf("postturn: consolidating memory for %s: %v", agent.Name, err)
			continue
		}
		memory = clampRunes(strings.TrimSpace(memory), memoryCap)
		if memory == "" {
			continue
		}
		if err := p.store.UpdateAgentMemory(ctx, agent.ID, memory); err != nil {
			logging.Errorf("postturn: saving memory for %s: %v", agent.Name, err)
		}
	}
}

// joinTranscript renders messages as "[speaker]: text" lines, keeping
// the most recent summaryTranscriptCap characters.
func joinTranscript(msgs []db.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		speaker := m.Name
		switch {
		case m.Role == db.RoleUser:
			speaker = "User"
		case speaker == "":
			speaker = m.Role
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}

	s := sb.String()
	if len(s) <= summaryTranscriptCap {
		return s
	}
	s = s[len(s)-summaryTranscriptCap:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}

// clampRunes cuts s to at most n bytes without splitting a rune.
func clampRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
