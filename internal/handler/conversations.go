package handler

import (
	"context"
	"database/sql"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/httputil"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/markdown"
	"github.com/parleyhq/parley/internal/middleware"
	"github.com/parleyhq/parley/internal/svc"
	"github.com/parleyhq/parley/internal/types"
)

func ListConversationsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		convs, err := svcCtx.Store.ListConversations(ctx, middleware.GetUserID(ctx))
		if err != nil {
			logging.Errorf("Failed to list conversations: %v", err)
			httputil.InternalError(w, "failed to list conversations")
			return
		}
		httputil.OkJSON(w, &types.ListConversationsResponse{Conversations: convs})
	}
}

func ConversationMessagesHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req types.ConversationMessagesRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Limit <= 0 {
			req.Limit = 100
		}
		if req.Limit > 500 {
			req.Limit = 500
		}

		conv, err := ownedConversation(ctx, svcCtx, req.ID)
		if err != nil {
			httputil.NotFound(w, "conversation not found")
			return
		}

		msgs, err := svcCtx.Store.ListConversationMessagesPage(ctx, conv.ID, req.Limit, req.Offset)
		if err != nil {
			logging.Errorf("Failed to list messages: %v", err)
			httputil.InternalError(w, "failed to list messages")
			return
		}
		total, err := svcCtx.Store.CountConversationMessages(ctx, conv.ID)
		if err != nil {
			logging.Errorf("Failed to count messages: %v", err)
			httputil.InternalError(w, "failed to list messages")
			return
		}

		httputil.OkJSON(w, &types.ConversationMessagesResponse{
			Messages: msgs,
			Total:    total,
		})
	}
}

func DeleteConversationHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		conv, err := ownedConversation(ctx, svcCtx, httputil.PathVar(r, "id"))
		if err != nil {
			httputil.NotFound(w, "conversation not found")
			return
		}
		if err := svcCtx.Store.DeleteConversation(ctx, conv.ID); err != nil {
			logging.Errorf("Failed to delete conversation: %v", err)
			httputil.InternalError(w, "failed to delete conversation")
			return
		}
		httputil.OkJSON(w, &types.StatusResponse{Status: "deleted"})
	}
}

// ExportConversationHandler renders the conversation as a standalone
// HTML document. Routing and tool rows are omitted; the export is the
// transcript a reader of the chat would have seen.
func ExportConversationHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		conv, err := ownedConversation(ctx, svcCtx, httputil.PathVar(r, "id"))
		if err != nil {
			httputil.NotFound(w, "conversation not found")
			return
		}

		msgs, err := svcCtx.Store.ListConversationMessages(ctx, conv.ID)
		if err != nil {
			logging.Errorf("Failed to load transcript: %v", err)
			httputil.InternalError(w, "failed to export conversation")
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", exportFilename(conv.Title)))
		w.Write([]byte(exportHTML(conv, msgs)))
	}
}

// exportHTML builds the export document. Message bodies go through the
// markdown renderer, so code blocks keep their highlighting.
func exportHTML(conv *db.Conversation, msgs []db.Message) string {
	var b strings.Builder
	title := conv.Title
	if title == "" {
		title = "Conversation"
	}

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<title>" + html.EscapeString(title) + "</title>\n")
	b.WriteString("<style>\n" + exportStyle + "</style>\n</head>\n<body>\n")
	b.WriteString("<h1>" + html.EscapeString(title) + "</h1>\n")

	for _, m := range msgs {
		if m.Role != db.RoleUser && m.Role != db.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		speaker := m.Name
		if m.Role == db.RoleUser {
			speaker = "You"
		}
		b.WriteString("<div class=\"message " + m.Role + "\">\n")
		b.WriteString("<div class=\"speaker\">" + html.EscapeString(speaker) + "</div>\n")
		b.WriteString("<div class=\"body\">" + markdown.Render(m.Content) + "</div>\n")
		b.WriteString("<div class=\"time\">" + m.CreatedAt.Format("2006-01-02 15:04") + "</div>\n")
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

const exportStyle = `body { font-family: -apple-system, system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; color: #1a1a1a; }
.message { margin: 1.25rem 0; padding: 0.75rem 1rem; border-radius: 8px; }
.message.user { background: #eef2ff; }
.message.assistant { background: #f6f6f6; }
.speaker { font-weight: 600; margin-bottom: 0.25rem; }
.time { font-size: 0.75rem; color: #888; margin-top: 0.5rem; }
pre { overflow-x: auto; padding: 0.75rem; border-radius: 6px; }
img { max-width: 100%; }
`

func exportFilename(title string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '-'
		default:
			return -1
		}
	}, title)
	if name == "" {
		name = "conversation"
	}
	return name + ".html"
}

// ownedConversation loads a conversation and verifies it belongs to the
// caller. Foreign conversations read as missing.
func ownedConversation(ctx context.Context, svcCtx *svc.ServiceContext, id string) (*db.Conversation, error) {
	if id == "" {
		return nil, sql.ErrNoRows
	}
	conv, err := svcCtx.Store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != middleware.GetUserID(ctx) {
		return nil, sql.ErrNoRows
	}
	return conv, nil
}
