package ai

import (
	"fmt"
	"sync"
)

// Defaults carries the configured backend selection and credentials used
// to build providers.
type Defaults struct {
	Backend      string // "ollama", "anthropic", or "openai"
	BaseURL      string // Ollama endpoint
	DefaultModel string
	SummaryModel string

	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
}

// Registry is the LM client pool. Providers are cached per backend and
// endpoint, so every session of a user overriding the local endpoint shares
// one client, and everyone else shares the default.
type Registry struct {
	defaults Defaults

	mu      sync.RWMutex
	clients map[string]Provider
}

// NewRegistry creates a provider registry.
func NewRegistry(defaults Defaults) *Registry {
	if defaults.Backend == "" {
		defaults.Backend = "ollama"
	}
	return &Registry{
		defaults: defaults,
		clients:  make(map[string]Provider),
	}
}

// DefaultModel returns the model used when a request names none.
func (r *Registry) DefaultModel() string {
	switch r.defaults.Backend {
	case "anthropic":
		return r.defaults.AnthropicModel
	case "openai":
		return r.defaults.OpenAIModel
	default:
		return r.defaults.DefaultModel
	}
}

// SummaryModel returns the model used for frame summaries and memory
// consolidation, falling back to the default model.
func (r *Registry) SummaryModel() string {
	if r.defaults.SummaryModel != "" {
		return r.defaults.SummaryModel
	}
	return r.DefaultModel()
}

// BaseURL returns the effective Ollama endpoint for a user override.
func (r *Registry) BaseURL(override string) string {
	if override != "" {
		return override
	}
	return r.defaults.BaseURL
}

// ProviderFor returns the provider for a session. baseURLOverride is the
// user's optional local-backend endpoint; it is ignored for hosted
// backends.
func (r *Registry) ProviderFor(baseURLOverride string) (Provider, error) {
	key := r.defaults.Backend
	if r.defaults.Backend == "ollama" {
		key = "ollama|" + r.BaseURL(baseURLOverride)
	}

	r.mu.RLock()
	p, ok := r.clients[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.clients[key]; ok {
		return p, nil
	}

	p, err := r.build(baseURLOverride)
	if err != nil {
		return nil, err
	}
	r.clients[key] = p
	return p, nil
}

func (r *Registry) build(baseURLOverride string) (Provider, error) {
	switch r.defaults.Backend {
	case "ollama":
		return NewOllamaProvider(r.BaseURL(baseURLOverride), r.defaults.DefaultModel), nil
	case "anthropic":
		if r.defaults.AnthropicAPIKey == "" {
			return nil, &ProviderError{
				Code:    "authentication_error",
				Message: "anthropic API key not configured",
			}
		}
		return NewAnthropicProvider(r.defaults.AnthropicAPIKey, r.defaults.AnthropicModel), nil
	case "openai":
		if r.defaults.OpenAIAPIKey == "" {
			return nil, &ProviderError{
				Code:    "authentication_error",
				Message: "openai API key not configured",
			}
		}
		return NewOpenAIProvider(r.defaults.OpenAIAPIKey, r.defaults.OpenAIModel), nil
	default:
		return nil, fmt.Errorf("unknown LM backend %q", r.defaults.Backend)
	}
}
