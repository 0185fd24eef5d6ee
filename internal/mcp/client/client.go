// Package client maintains sessions to a user's external tool servers
// and caches the tool lists they advertise. Sessions are established on
// demand, reused across calls, and recycled when they age out or the
// transport drops.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
)

const (
	// toolListTTL bounds how long a user's flattened tool list is served
	// from cache before the servers are asked again.
	toolListTTL = 30 * time.Second

	// maxSessionAge forces a reconnect for long-lived sessions so server
	// restarts and rotated credentials are picked up.
	maxSessionAge = 30 * time.Minute

	// maxCallAttempts bounds retries for a single tool call. A turn is
	// waiting on the result, so failures surface instead of backing off
	// indefinitely.
	maxCallAttempts = 3
)

// ServerTool is one tool advertised by an external server, tagged with
// the server it belongs to.
type ServerTool struct {
	ServerID    string
	ServerName  string
	Name        string
	Description string
	InputSchema json.RawMessage
}

// session is the slice of mcp.ClientSession the orchestrator uses.
type session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Wait() error
	Close() error
}

type sessionEntry struct {
	session   session
	userID    string
	createdAt time.Time
}

type listEntry struct {
	tools     []ServerTool
	fetchedAt time.Time
}

// Orchestrator connects to the tool servers each user has registered
// and exposes their tools to the agent runtime.
type Orchestrator struct {
	store   *db.Store
	connect func(ctx context.Context, ts *db.ToolServer) (session, error)
	now     func() time.Time

	// connectMu serializes dials so concurrent callers do not open
	// duplicate sessions to the same server.
	connectMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*sessionEntry // tool server id -> live session
	lists    map[string]*listEntry    // user id -> flattened tool list
}

// New creates an orchestrator backed by the given store.
func New(store *db.Store) *Orchestrator {
	return &Orchestrator{
		store:    store,
		connect:  connectSession,
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
		lists:    make(map[string]*listEntry),
	}
}

// ListUserTools returns every tool advertised by the user's enabled
// servers, in server creation order. A server that cannot be reached is
// logged and skipped so one dead endpoint does not hide the rest. The
// flattened list is cached briefly.
func (o *Orchestrator) ListUserTools(ctx context.Context, userID string) ([]ServerTool, error) {
	o.mu.Lock()
	if e, ok := o.lists[userID]; ok && o.now().Sub(e.fetchedAt) < toolListTTL {
		tools := append([]ServerTool(nil), e.tools...)
		o.mu.Unlock()
		return tools, nil
	}
	o.mu.Unlock()

	servers, err := o.store.ListEnabledToolServers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}

	var flat []ServerTool
	for i := range servers {
		ts := &servers[i]
		tools, err := o.listServerTools(ctx, ts)
		if err != nil {
			logging.Errorf("mcp: listing tools on %s: %v", ts.Name, err)
			continue
		}
		flat = append(flat, tools...)
	}

	o.mu.Lock()
	o.lists[userID] = &listEntry{tools: flat, fetchedAt: o.now()}
	o.mu.Unlock()
	return append([]ServerTool(nil), flat...), nil
}

// listServerTools queries one server, reconnecting once if the cached
// session has gone stale under us.
func (o *Orchestrator) listServerTools(ctx context.Context, ts *db.ToolServer) ([]ServerTool, error) {
	sess, err := o.getSession(ctx, ts)
	if err != nil {
		return nil, err
	}

	result, err := sess.ListTools(ctx, nil)
	if err != nil {
		logging.Warnf("mcp: list_tools on %s failed, reconnecting: %v", ts.Name, err)
		o.closeSession(ts.ID)
		sess, err = o.getSession(ctx, ts)
		if err != nil {
			return nil, err
		}
		result, err = sess.ListTools(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("list tools after reconnect: %w", err)
		}
	}

	out := make([]ServerTool, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, ServerTool{
			ServerID:    ts.ID,
			ServerName:  ts.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: marshalSchema(t.InputSchema),
		})
	}
	return out, nil
}

// CallTool invokes a tool on the given server. Transport failures drop
// the session and retry with backoff up to maxCallAttempts; the last
// error surfaces to the caller. Returns the text content of the result
// and whether the server flagged it as an error.
func (o *Orchestrator) CallTool(ctx context.Context, serverID, name string, args map[string]any) (string, bool, error) {
	ts, err := o.store.GetToolServer(ctx, serverID)
	if err != nil {
		return "", false, fmt.Errorf("tool server %s: %w", serverID, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxCallAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		sess, err := o.getSession(ctx, ts)
		if err != nil {
			lastErr = err
			continue
		}

		result, err := sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			lastErr = err
			o.closeSession(ts.ID)
			logging.Warnf("mcp: calling %s on %s (attempt %d): %v", name, ts.Name, attempt+1, err)
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			continue
		}
		return flattenText(result.Content), result.IsError, nil
	}
	return "", false, fmt.Errorf("call %s on %s: %w", name, ts.Name, lastErr)
}

// Invalidate drops the user's cached tool list and closes their live
// sessions. Call after the user's tool server config changes.
func (o *Orchestrator) Invalidate(userID string) {
	o.mu.Lock()
	delete(o.lists, userID)
	var closing []session
	for id, e := range o.sessions {
		if e.userID == userID {
			delete(o.sessions, id)
			closing = append(closing, e.session)
		}
	}
	o.mu.Unlock()
	for _, s := range closing {
		s.Close()
	}
}

// Close shuts down every live session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	entries := o.sessions
	o.sessions = make(map[string]*sessionEntry)
	o.lists = make(map[string]*listEntry)
	o.mu.Unlock()
	for _, e := range entries {
		e.session.Close()
	}
}

// getSession returns a live session for the server, dialing one if none
// is cached or the cached one has aged out.
func (o *Orchestrator) getSession(ctx context.Context, ts *db.ToolServer) (session, error) {
	if s := o.lookupSession(ts.ID); s != nil {
		return s, nil
	}

	o.connectMu.Lock()
	defer o.connectMu.Unlock()

	// Another caller may have connected while we waited on the lock.
	if s := o.lookupSession(ts.ID); s != nil {
		return s, nil
	}

	sess, err := o.connect(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ts.Name, err)
	}

	o.mu.Lock()
	o.sessions[ts.ID] = &sessionEntry{session: sess, userID: ts.UserID, createdAt: o.now()}
	o.mu.Unlock()
	logging.Infof("mcp: session established to %s", ts.Name)

	// Evict the cache entry when the transport drops so the next call
	// dials fresh instead of hitting a dead session.
	go func() {
		_ = sess.Wait()
		o.dropSession(ts.ID, sess)
	}()

	return sess, nil
}

// lookupSession returns the cached session if it is still fresh,
// closing and evicting it otherwise.
func (o *Orchestrator) lookupSession(serverID string) session {
	o.mu.Lock()
	e, ok := o.sessions[serverID]
	if ok && o.now().Sub(e.createdAt) <= maxSessionAge {
		s := e.session
		o.mu.Unlock()
		return s
	}
	if ok {
		delete(o.sessions, serverID)
	}
	o.mu.Unlock()
	if ok {
		e.session.Close()
	}
	return nil
}

// dropSession evicts the entry only if it still holds this session, so
// a watcher for a dead session cannot evict its replacement.
func (o *Orchestrator) dropSession(serverID string, s session) {
	o.mu.Lock()
	if e, ok := o.sessions[serverID]; ok && e.session == s {
		delete(o.sessions, serverID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) closeSession(serverID string) {
	o.mu.Lock()
	e, ok := o.sessions[serverID]
	if ok {
		delete(o.sessions, serverID)
	}
	o.mu.Unlock()
	if ok {
		e.session.Close()
	}
}

// connectSession dials the server over its configured transport.
func connectSession(ctx context.Context, ts *db.ToolServer) (session, error) {
	var transport mcp.Transport
	switch ts.Transport {
	case db.TransportStdio:
		if ts.Command == "" {
			return nil, fmt.Errorf("no command configured")
		}
		cmd := exec.Command(ts.Command, ts.Args...)
		cmd.Env = os.Environ()
		for k, v := range ts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcp.CommandTransport{Command: cmd}
	case db.TransportSSE:
		if ts.URL == "" {
			return nil, fmt.Errorf("no URL configured")
		}
		transport = &mcp.StreamableClientTransport{
			Endpoint:   ts.URL,
			HTTPClient: &http.Client{Timeout: 60 * time.Second},
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q", ts.Transport)
	}

	c := mcp.NewClient(
		&mcp.Implementation{Name: "parley", Version: "1.0.0"},
		&mcp.ClientOptions{KeepAlive: 30 * time.Second},
	)
	sess, err := c.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// backoffDelay grows exponentially from 100ms with jitter so retries
// against a struggling server spread out.
func backoffDelay(attempt int) time.Duration {
	delay := 100 * time.Millisecond << uint(attempt)
	jitter := time.Duration(rand.Int64N(int64(delay) / 2))
	return delay/2 + jitter
}

// flattenText joins the text blocks of a tool result.
func flattenText(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// marshalSchema normalizes a server-provided input schema to raw JSON,
// falling back to a bare object schema when absent or unmarshalable.
func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
