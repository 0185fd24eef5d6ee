// Package server assembles the HTTP surface: REST API, image serving,
// and the chat WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parleyhq/parley/internal/handler"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/middleware"
	"github.com/parleyhq/parley/internal/svc"
)

// Run starts the HTTP server and the scheduler, then blocks until ctx
// is cancelled. The caller owns svcCtx and closes it after Run returns.
func Run(ctx context.Context, svcCtx *svc.ServiceContext) error {
	cfg := svcCtx.Config
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	if err := checkPortAvailable(addr); err != nil {
		return fmt.Errorf("port %d is already in use", cfg.Server.Port)
	}

	if err := svcCtx.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(corsMiddleware())

	r.Get("/health", handler.HealthCheckHandler(svcCtx))
	r.Get("/ws/chat", chatSocketHandler(svcCtx))
	r.Get("/images/{id}", handler.ServeImageHandler(svcCtx))

	r.Route("/api/v1", func(r chi.Router) {
		registerPublicRoutes(r, svcCtx)

		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTMiddleware(cfg.Auth.AccessSecret))
			registerProtectedRoutes(r, svcCtx)
		})
	})

	// ReadTimeout/WriteTimeout are intentionally omitted: they set
	// deadlines on the underlying net.Conn, which breaks hijacked
	// WebSocket connections. Keepalive is ping/pong in realtime.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     r,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("Server listening on http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func registerPublicRoutes(r chi.Router, svcCtx *svc.ServiceContext) {
	r.Get("/setup/status", handler.SetupStatusHandler(svcCtx))
	r.Post("/setup", handler.CreateUserHandler(svcCtx))
	r.Post("/auth/login", handler.LoginHandler(svcCtx))
	r.Post("/auth/refresh", handler.RefreshTokenHandler(svcCtx))
}

func registerProtectedRoutes(r chi.Router, svcCtx *svc.ServiceContext) {
	// Agents
	r.Get("/agents", handler.ListAgentsHandler(svcCtx))
	r.Post("/agents", handler.CreateAgentHandler(svcCtx))
	r.Get("/agents/{id}", handler.GetAgentHandler(svcCtx))
	r.Put("/agents/{id}", handler.UpdateAgentHandler(svcCtx))
	r.Delete("/agents/{id}", handler.DeleteAgentHandler(svcCtx))

	// Conversations
	r.Get("/conversations", handler.ListConversationsHandler(svcCtx))
	r.Get("/conversations/{id}/messages", handler.ConversationMessagesHandler(svcCtx))
	r.Get("/conversations/{id}/export", handler.ExportConversationHandler(svcCtx))
	r.Delete("/conversations/{id}", handler.DeleteConversationHandler(svcCtx))

	// Skills
	r.Get("/skills", handler.ListSkillsHandler(svcCtx))
	r.Post("/skills", handler.CreateSkillHandler(svcCtx))
	r.Get("/skills/{id}", handler.GetSkillHandler(svcCtx))
	r.Put("/skills/{id}", handler.UpdateSkillHandler(svcCtx))
	r.Delete("/skills/{id}", handler.DeleteSkillHandler(svcCtx))

	// Tool servers
	r.Get("/toolservers", handler.ListToolServersHandler(svcCtx))
	r.Post("/toolservers", handler.CreateToolServerHandler(svcCtx))
	r.Get("/toolservers/{id}", handler.GetToolServerHandler(svcCtx))
	r.Put("/toolservers/{id}", handler.UpdateToolServerHandler(svcCtx))
	r.Delete("/toolservers/{id}", handler.DeleteToolServerHandler(svcCtx))

	// Models
	r.Get("/models", handler.ListModelsHandler(svcCtx))
	r.Post("/models/pull", handler.PullModelHandler(svcCtx))

	// Images
	r.Post("/images", handler.UploadImageHandler(svcCtx))
}

// corsMiddleware allows localhost origins only; Parley is a local app
// and non-local origins get no CORS headers at all.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || localOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// localOrigin reports whether origin points at this machine, any port.
func localOrigin(origin string) bool {
	rest, ok := strings.CutPrefix(origin, "http://")
	if !ok {
		if rest, ok = strings.CutPrefix(origin, "https://"); !ok {
			return false
		}
	}
	host := rest
	if h, _, err := net.SplitHostPort(rest); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || host == "[::1]"
}

func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
