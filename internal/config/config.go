package config

import (
	"os"
	"path/filepath"
)

// Config is the root configuration for the Automate runtime.
type Config struct {
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Agents    []AgentProfile  `json:"agents,omitempty" yaml:"agents,omitempty"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Channels  ChannelsConfig  `json:"channels,omitempty" yaml:"channels,omitempty"`
	Browser   BrowserConfig   `json:"browser,omitempty" yaml:"browser,omitempty"`
	Skills    SkillsConfig    `json:"skills" yaml:"skills"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Cron      CronConfig      `json:"cron" yaml:"cron"`
	Tools     ToolsConfig     `json:"tools,omitempty" yaml:"tools,omitempty"`
	Webhooks  WebhooksConfig  `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
	Sessions  SessionsConfig  `json:"sessions" yaml:"sessions"`
	Canvas    CanvasConfig    `json:"canvas,omitempty" yaml:"canvas,omitempty"`
	Plugins   PluginsConfig   `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Tts       TtsConfig       `json:"tts,omitempty" yaml:"tts,omitempty"`
}

// AgentConfig holds base LLM agent settings shared by all agents.
type AgentConfig struct {
	Model        string  `json:"model,omitempty" yaml:"model,omitempty"`
	APIBase      string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey       string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	SystemPrompt string  `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// AgentProfile names an agent and carries optional overrides on top of the
// base AgentConfig. Channels are glob patterns over the session-key
// namespace; AllowFrom filters by user ID ("*" = everyone).
type AgentProfile struct {
	Name        string   `json:"name" yaml:"name"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	APIBase     string   `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey      string   `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MemoryDir   string   `json:"memoryDir,omitempty" yaml:"memoryDir,omitempty"`
	SessionsDir string   `json:"sessionsDir,omitempty" yaml:"sessionsDir,omitempty"`
	SkillsDir   string   `json:"skillsDir,omitempty" yaml:"skillsDir,omitempty"`
	ToolsAllow  []string `json:"toolsAllow,omitempty" yaml:"toolsAllow,omitempty"`
	ToolsDeny   []string `json:"toolsDeny,omitempty" yaml:"toolsDeny,omitempty"`
	Channels    []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	AllowFrom   []string `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

// GatewayConfig configures the WebSocket/HTTP gateway.
type GatewayConfig struct {
	Host         string `json:"host,omitempty" yaml:"host,omitempty"`
	Port         int    `json:"port,omitempty" yaml:"port,omitempty"`
	AuthToken    string `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	RateLimitRPM int    `json:"rateLimitRpm,omitempty" yaml:"rateLimitRpm,omitempty"`
}

// ChannelsConfig holds external channel transports. Only the keys the core
// consumes are modeled; transports interpret the rest.
type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord,omitempty" yaml:"discord,omitempty"`
}

// DiscordConfig configures the Discord transport (external collaborator).
type DiscordConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
}

// BrowserConfig is consumed by the external browser tool.
type BrowserConfig struct {
	Enabled  bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Headless bool `json:"headless,omitempty" yaml:"headless,omitempty"`
}

// SkillsConfig configures skill discovery.
type SkillsConfig struct {
	Directory string   `json:"directory,omitempty" yaml:"directory,omitempty"`
	ExtraDirs []string `json:"extraDirs,omitempty" yaml:"extraDirs,omitempty"`
}

// MemoryConfig configures the memory manager and vector index.
type MemoryConfig struct {
	Directory       string          `json:"directory,omitempty" yaml:"directory,omitempty"`
	SharedDirectory string          `json:"sharedDirectory,omitempty" yaml:"sharedDirectory,omitempty"`
	Embedding       EmbeddingConfig `json:"embedding,omitempty" yaml:"embedding,omitempty"`
	Citations       bool            `json:"citations,omitempty" yaml:"citations,omitempty"`
}

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	Enabled      *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil = enabled
	Model        string  `json:"model,omitempty" yaml:"model,omitempty"`
	APIBase      string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey       string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	ChunkSize    int     `json:"chunkSize,omitempty" yaml:"chunkSize,omitempty"`
	ChunkOverlap int     `json:"chunkOverlap,omitempty" yaml:"chunkOverlap,omitempty"`
	VectorWeight float64 `json:"vectorWeight,omitempty" yaml:"vectorWeight,omitempty"`
	BM25Weight   float64 `json:"bm25Weight,omitempty" yaml:"bm25Weight,omitempty"`
}

// IsEnabled reports whether embedding-backed indexing is on (default true).
func (e EmbeddingConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// CronConfig configures the scheduler.
type CronConfig struct {
	Enabled   *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil = enabled
	Directory string `json:"directory,omitempty" yaml:"directory,omitempty"`
}

// IsEnabled reports whether the scheduler should start (default true).
func (c CronConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ToolsConfig is the tool policy enforced by the external tool layer.
type ToolsConfig struct {
	Allow           []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny            []string `json:"deny,omitempty" yaml:"deny,omitempty"`
	RequireApproval []string `json:"requireApproval,omitempty" yaml:"requireApproval,omitempty"`
}

// WebhooksConfig is consumed by the external webhook layer.
type WebhooksConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Secret  string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	Directory     string  `json:"directory,omitempty" yaml:"directory,omitempty"`
	ContextLimit  int     `json:"contextLimit,omitempty" yaml:"contextLimit,omitempty"`
	CompactAt     float64 `json:"compactAt,omitempty" yaml:"compactAt,omitempty"`
	AutoResetHour *int    `json:"autoResetHour,omitempty" yaml:"autoResetHour,omitempty"` // nil = disabled, 0..23
}

// CanvasConfig is consumed by the external dashboard.
type CanvasConfig struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// PluginsConfig configures plugin discovery (external layer).
type PluginsConfig struct {
	Directory string `json:"directory,omitempty" yaml:"directory,omitempty"`
}

// HeartbeatConfig configures the heartbeat controller.
type HeartbeatConfig struct {
	Enabled         bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	IntervalMinutes int  `json:"intervalMinutes,omitempty" yaml:"intervalMinutes,omitempty"`
}

// TtsConfig is consumed by the external TTS layer.
type TtsConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Voice   string `json:"voice,omitempty" yaml:"voice,omitempty"`
}

// HomeDir is the conventional root for all runtime state.
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".automate")
}

// Default returns a Config with schema defaults applied.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:       "claude-sonnet-4-5",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18760,
			RateLimitRPM: 30,
		},
		Sessions: SessionsConfig{
			Directory:    "~/.automate/sessions",
			ContextLimit: 100000,
			CompactAt:    0.75,
		},
		Memory: MemoryConfig{
			Directory:       "~/.automate/memory",
			SharedDirectory: "~/.automate/shared-memory",
			Embedding: EmbeddingConfig{
				Model:        "text-embedding-3-small",
				ChunkSize:    1200,
				ChunkOverlap: 150,
				VectorWeight: 0.6,
				BM25Weight:   0.4,
			},
		},
		Cron: CronConfig{
			Directory: "~/.automate/cron",
		},
		Skills: SkillsConfig{
			Directory: "~/.automate/skills",
		},
		Plugins: PluginsConfig{
			Directory: "~/.automate/plugins",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         true,
			IntervalMinutes: 30,
		},
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(home, path[2:])
	}
	return home
}

// ResolvePaths expands ~ in all directory fields and creates the directories
// the core writes to.
func (c *Config) ResolvePaths() error {
	c.Sessions.Directory = ExpandHome(c.Sessions.Directory)
	c.Memory.Directory = ExpandHome(c.Memory.Directory)
	c.Memory.SharedDirectory = ExpandHome(c.Memory.SharedDirectory)
	c.Cron.Directory = ExpandHome(c.Cron.Directory)
	c.Skills.Directory = ExpandHome(c.Skills.Directory)
	c.Plugins.Directory = ExpandHome(c.Plugins.Directory)
	for i, d := range c.Skills.ExtraDirs {
		c.Skills.ExtraDirs[i] = ExpandHome(d)
	}

	for _, dir := range []string{
		c.Sessions.Directory,
		c.Memory.Directory,
		c.Memory.SharedDirectory,
		c.Cron.Directory,
		c.Skills.Directory,
		c.Plugins.Directory,
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// AgentDir returns the per-agent state root: ~/.automate/agents/<name>.
func AgentDir(name string) string {
	return filepath.Join(HomeDir(), "agents", name)
}
