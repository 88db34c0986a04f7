// Package config loads supervisor configuration from an optional JSON5
// file overlaid with AFK_* environment variables. Secrets come from the
// environment only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// TelegramConfig holds the chat control-plane credentials. Both fields
// are required when the Telegram surface is enabled.
type TelegramConfig struct {
	Token   string `json:"-"` // from env AFK_TELEGRAM_BOT_TOKEN only
	GroupID int64  `json:"group_id,omitempty"`
}

// Enabled reports whether the Telegram control plane can start.
func (t TelegramConfig) Enabled() bool { return t.Token != "" && t.GroupID != 0 }

// HTTPConfig holds the local web control-plane settings.
type HTTPConfig struct {
	Port int `json:"port,omitempty"`
}

// OpenAIConfig enables voice transcription and the remote research
// agent. A missing key disables both with a logged warning.
type OpenAIConfig struct {
	APIKey  string `json:"-"` // from env AFK_OPENAI_API_KEY / OPENAI_API_KEY only
	BaseURL string `json:"base_url,omitempty"`
}

// DeepResearchConfig tunes the polled remote research agent.
type DeepResearchConfig struct {
	Model        string `json:"model,omitempty"`
	MaxToolCalls int    `json:"max_tool_calls,omitempty"`
}

// Config is the root supervisor configuration.
type Config struct {
	DataDir  string `json:"data_dir,omitempty"`
	BasePath string `json:"base_path,omitempty"` // enables project auto-init
	Agent    string `json:"agent,omitempty"`     // default agent name

	// AutoApproveTools are tool names whose permission requests are
	// answered affirmatively without asking the operator.
	AutoApproveTools []string `json:"auto_approve_tools,omitempty"`

	Telegram     TelegramConfig     `json:"telegram"`
	HTTP         HTTPConfig         `json:"http"`
	OpenAI       OpenAIConfig       `json:"openai"`
	DeepResearch DeepResearchConfig `json:"deep_research"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:          "~/.afk",
		Agent:            "claude",
		AutoApproveTools: []string{"ExitPlanMode"},
		HTTP:             HTTPConfig{Port: 7777},
		DeepResearch:     DeepResearchConfig{MaxToolCalls: 40},
	}
}

// Load reads config from a JSON5 file (missing file is fine), then
// overlays env vars. A .env file in the working directory is loaded
// first so both sources see it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// optional
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.BasePath = expandHome(cfg.BasePath)
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("AFK_TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	if v := os.Getenv("AFK_TELEGRAM_GROUP_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.GroupID = id
		}
	}

	envInt("AFK_HTTP_PORT", &c.HTTP.Port)
	envStr("AFK_OPENAI_API_KEY", &c.OpenAI.APIKey)
	if c.OpenAI.APIKey == "" {
		envStr("OPENAI_API_KEY", &c.OpenAI.APIKey)
	}
	envStr("AFK_AGENT", &c.Agent)
	envStr("AFK_BASE_PATH", &c.BasePath)
	envStr("AFK_DATA_DIR", &c.DataDir)
	envStr("AFK_DEEP_RESEARCH_MODEL", &c.DeepResearch.Model)
	envInt("AFK_DEEP_RESEARCH_MAX_TOOL_CALLS", &c.DeepResearch.MaxToolCalls)

	c.Agent = strings.ToLower(c.Agent)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
