package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration.
type Config struct {
	DataDir string       `yaml:"data_dir"` // ~/.parley
	Server  ServerConfig `yaml:"server"`
	Auth    AuthConfig   `yaml:"auth"`
	LM      LMConfig     `yaml:"lm"`
	Chat    ChatConfig   `yaml:"chat"`
	Search  SearchConfig `yaml:"search"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig holds token signing settings. AccessExpire and RefreshExpire
// are in seconds.
type AuthConfig struct {
	AccessSecret  string `yaml:"access_secret"`
	AccessExpire  int64  `yaml:"access_expire"`
	RefreshExpire int64  `yaml:"refresh_expire"`
}

// LMConfig selects the language-model backend and its models.
type LMConfig struct {
	// Backend is "ollama", "anthropic", or "openai".
	Backend string `yaml:"backend"`
	// BaseURL is the Ollama endpoint. Users may override it per account.
	BaseURL string `yaml:"base_url"`
	// DefaultModel is used when a chat request names no model.
	DefaultModel string `yaml:"default_model"`
	// SummaryModel is used for frame summaries and memory consolidation.
	SummaryModel string `yaml:"summary_model"`
	// AnthropicAPIKey / OpenAIAPIKey fall back to the OS keychain when empty.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`
	OpenAIModel     string `yaml:"openai_model"`
}

// ChatConfig bounds the turn loop.
type ChatConfig struct {
	MaxTurns        int  `yaml:"max_turns"`        // administrator/agent cycles per turn
	MaxToolRounds   int  `yaml:"max_tool_rounds"`  // model/tool rounds per agent invocation
	ApprovalTimeout int  `yaml:"approval_timeout"` // seconds before an approval auto-denies
	DebugRaw        bool `yaml:"debug_raw"`        // persist raw LM input/output on messages
}

// SearchConfig configures the web_search tool.
type SearchConfig struct {
	GoogleAPIKey string `yaml:"google_api_key"`
	GoogleCX     string `yaml:"google_cx"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Auth: AuthConfig{
			AccessExpire:  86400,
			RefreshExpire: 30 * 86400,
		},
		LM: LMConfig{
			Backend:      "ollama",
			BaseURL:      "http://localhost:11434",
			DefaultModel: "qwen3:4b",
			SummaryModel: "qwen3:4b",
		},
		Chat: ChatConfig{
			MaxTurns:        10,
			MaxToolRounds:   10,
			ApprovalTimeout: 300,
		},
	}
}

// DefaultDataDir returns the default data directory (~/.parley).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley")
}

// Load reads the config from PARLEY_CONFIG or ~/.parley/config.yaml,
// falling back to defaults when the file is absent.
func Load() (*Config, error) {
	if path := os.Getenv("PARLEY_CONFIG"); path != "" {
		return LoadFrom(path)
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expandEnv()
	return cfg, nil
}

// LoadFrom reads the config from a specific path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expandEnv()
	return cfg, nil
}

// Save writes the config to <data_dir>/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0600)
}

func (c *Config) expandEnv() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.Auth.AccessSecret = os.ExpandEnv(c.Auth.AccessSecret)
	c.LM.BaseURL = os.ExpandEnv(c.LM.BaseURL)
	c.LM.AnthropicAPIKey = os.ExpandEnv(c.LM.AnthropicAPIKey)
	c.LM.OpenAIAPIKey = os.ExpandEnv(c.LM.OpenAIAPIKey)
	c.Search.GoogleAPIKey = os.ExpandEnv(c.Search.GoogleAPIKey)
	c.Search.GoogleCX = os.ExpandEnv(c.Search.GoogleCX)
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "parley.db")
}

// SkillsDir returns the file-based skill pack directory.
func (c *Config) SkillsDir() string {
	return filepath.Join(c.DataDir, "skills")
}

// ImagesDir returns the uploaded image blob directory.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.DataDir, "images")
}

// EnsureDirs creates the data directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, filepath.Dir(c.DBPath()), c.SkillsDir(), c.ImagesDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ApprovalTimeoutDuration returns the approval timeout as a duration.
func (c *Config) ApprovalTimeoutDuration() time.Duration {
	if c.Chat.ApprovalTimeout <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Chat.ApprovalTimeout) * time.Second
}
