// Package svc wires the long-lived services every handler shares.
package svc

import (
	"fmt"
	"os"

	"github.com/parleyhq/parley/internal/agent/ai"
	"github.com/parleyhq/parley/internal/agent/skills"
	"github.com/parleyhq/parley/internal/agent/tools"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/keyring"
	"github.com/parleyhq/parley/internal/logging"
	mcpclient "github.com/parleyhq/parley/internal/mcp/client"
	"github.com/parleyhq/parley/internal/media"
	"github.com/parleyhq/parley/internal/schedule"
	"github.com/parleyhq/parley/internal/session"
)

// ServiceContext owns the services behind the REST and WebSocket
// surfaces. One instance per process; handlers never construct their
// own.
type ServiceContext struct {
	Config    *config.Config
	Store     *db.Store
	Providers *ai.Registry
	Tools     *tools.Registry
	Skills    *skills.Loader
	Media     *media.Registry
	MCP       *mcpclient.Orchestrator
	Scheduler *schedule.Scheduler
	Sessions  *session.Manager
}

// NewServiceContext opens the database and builds the service graph.
// The scheduler is registered but not started; the server starts it
// once it has a lifetime context.
func NewServiceContext(cfg *config.Config) (*ServiceContext, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure data dirs: %w", err)
	}

	store, err := db.NewSQLite(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	providers := ai.NewRegistry(lmDefaults(cfg))
	orch := mcpclient.New(store)

	loader := skills.NewLoader(cfg.SkillsDir())
	if err := loader.LoadAll(); err != nil {
		logging.Errorf("Failed to load skill packs: %v", err)
	}
	if err := loader.Watch(); err != nil {
		logging.Errorf("Failed to watch skills dir: %v", err)
	}

	players := media.NewRegistry(nil)
	scheduler := schedule.New(store)

	base := tools.NewRegistry()
	base.Register(tools.NewSearchMessagesTool(store))
	base.Register(tools.NewConversationInfoTool(store))
	base.Register(tools.NewFrameSummariesTool(store))
	base.Register(tools.NewFrameMessagesTool(store))
	base.Register(tools.NewSkillInstructionsTool(store, loader))
	base.Register(tools.NewMediaControlTool(players))
	base.Register(tools.NewScheduleMessageTool(store, scheduler))
	base.Register(tools.NewWebFetchTool())
	base.Register(tools.NewWebSearchTool(cfg.Search.GoogleAPIKey, cfg.Search.GoogleCX))

	sessions := session.NewManager(cfg, store, providers, base, orch)
	scheduler.SetHandler(sessions.DeliverScheduled)

	return &ServiceContext{
		Config:    cfg,
		Store:     store,
		Providers: providers,
		Tools:     base,
		Skills:    loader,
		Media:     players,
		MCP:       orch,
		Scheduler: scheduler,
		Sessions:  sessions,
	}, nil
}

// Close shuts the services down in dependency order: stop new firings,
// drain live sessions, then release connectors and the database.
func (s *ServiceContext) Close() {
	if s.Scheduler != nil {
		s.Scheduler.Close()
	}
	if s.Sessions != nil {
		s.Sessions.Shutdown()
	}
	if s.MCP != nil {
		s.MCP.Close()
	}
	if s.Skills != nil {
		s.Skills.Stop()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

// lmDefaults maps config onto provider registry defaults. API keys
// resolve config first, then the OS keychain, then the environment.
func lmDefaults(cfg *config.Config) ai.Defaults {
	useKeychain := cfg.LM.AnthropicAPIKey == "" || cfg.LM.OpenAIAPIKey == ""
	if useKeychain {
		useKeychain = keyring.Available()
	}

	resolve := func(configured, name, env string) string {
		if configured != "" {
			return configured
		}
		if useKeychain {
			if v, err := keyring.Get(name); err == nil && v != "" {
				return v
			}
		}
		return os.Getenv(env)
	}

	return ai.Defaults{
		Backend:         cfg.LM.Backend,
		BaseURL:         cfg.LM.BaseURL,
		DefaultModel:    cfg.LM.DefaultModel,
		SummaryModel:    cfg.LM.SummaryModel,
		AnthropicAPIKey: resolve(cfg.LM.AnthropicAPIKey, keyring.AnthropicAPIKey, "ANTHROPIC_API_KEY"),
		AnthropicModel:  cfg.LM.AnthropicModel,
		OpenAIAPIKey:    resolve(cfg.LM.OpenAIAPIKey, keyring.OpenAIAPIKey, "OPENAI_API_KEY"),
		OpenAIModel:     cfg.LM.OpenAIModel,
	}
}
