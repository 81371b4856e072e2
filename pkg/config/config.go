// Package config loads the krill runtime configuration: a YAML file with
// environment-variable overrides for secrets and deploy-time knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared across the runtime.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Bus     BusConfig     `yaml:"bus"`
	Plugins PluginsConfig `yaml:"plugins"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"KRILL_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"KRILL_LOG_PRETTY"`
}

// BusConfig controls the event bus.
type BusConfig struct {
	// HistoryCapacity bounds the in-memory event history ring.
	HistoryCapacity int `yaml:"history_capacity" env:"KRILL_BUS_HISTORY_CAPACITY"`

	// HandlerTimeout bounds each handler invocation. Zero disables it.
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"KRILL_BUS_HANDLER_TIMEOUT"`
}

// PluginsConfig holds per-plugin settings plus the activation list.
type PluginsConfig struct {
	// Enabled lists the plugins to load at startup, in load order. The
	// manager still enforces declared dependencies on top of this order.
	Enabled []string `yaml:"enabled" env:"KRILL_PLUGINS" envSeparator:","`

	Console   ConsoleConfig   `yaml:"console"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	AI        AIConfig        `yaml:"ai"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Firehose  FirehoseConfig  `yaml:"firehose"`
}

// ConsoleConfig configures the interactive console channel.
type ConsoleConfig struct {
	Prompt string `yaml:"prompt"`
}

// TelegramConfig configures the Telegram channel plugin.
type TelegramConfig struct {
	Token string `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
}

// DiscordConfig configures the Discord channel plugin.
type DiscordConfig struct {
	Token string `yaml:"token" env:"DISCORD_BOT_TOKEN"`
}

// SlackConfig configures the Slack notifier plugin.
type SlackConfig struct {
	Token   string `yaml:"token" env:"SLACK_BOT_TOKEN"`
	Channel string `yaml:"channel" env:"SLACK_CHANNEL"`
}

// AIConfig configures the AI responder plugin.
type AIConfig struct {
	Provider     string `yaml:"provider" env:"KRILL_AI_PROVIDER"` // openai, anthropic, or an OpenAI-compatible name
	Model        string `yaml:"model" env:"KRILL_AI_MODEL"`
	APIKey       string `yaml:"api_key" env:"KRILL_AI_API_KEY"`
	APIBase      string `yaml:"api_base" env:"KRILL_AI_API_BASE"`
	SystemPrompt string `yaml:"system_prompt"`
}

// ArchiveConfig configures the SQLite event archive plugin.
type ArchiveConfig struct {
	Path string `yaml:"path" env:"KRILL_ARCHIVE_PATH"`

	// Types lists the event types to archive. Empty archives the
	// message and AI taxonomies.
	Types []string `yaml:"types"`
}

// SchedulerConfig configures the cron scheduler plugin.
type SchedulerConfig struct {
	Jobs []CronJob `yaml:"jobs"`
}

// CronJob is one scheduled publication.
type CronJob struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message"`
	Channel string `yaml:"channel"`
	ChatID  string `yaml:"chat_id"`
}

// FirehoseConfig configures the WebSocket event stream plugin.
type FirehoseConfig struct {
	Addr string `yaml:"addr" env:"KRILL_FIREHOSE_ADDR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Pretty: true},
		Bus: BusConfig{
			HistoryCapacity: 1000,
		},
		Plugins: PluginsConfig{
			Enabled: []string{"console", "ai"},
			Console: ConsoleConfig{Prompt: "> "},
			AI: AIConfig{
				Provider: "openai",
			},
			Archive:  ArchiveConfig{Path: "krill.db"},
			Firehose: FirehoseConfig{Addr: "127.0.0.1:8791"},
		},
	}
}

// Load reads the YAML file at path (when non-empty; a missing file is not
// an error), then applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env is a valid setup.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Bus.HistoryCapacity < 1 {
		return fmt.Errorf("bus.history_capacity must be >= 1, got %d", c.Bus.HistoryCapacity)
	}
	if c.Bus.HandlerTimeout < 0 {
		return fmt.Errorf("bus.handler_timeout must not be negative")
	}
	seen := make(map[string]bool, len(c.Plugins.Enabled))
	for _, name := range c.Plugins.Enabled {
		if name == "" {
			return fmt.Errorf("plugins.enabled contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("plugins.enabled lists %q twice", name)
		}
		seen[name] = true
	}
	for _, job := range c.Plugins.Scheduler.Jobs {
		if job.Name == "" || job.Expr == "" {
			return fmt.Errorf("scheduler job needs both name and expr")
		}
	}
	return nil
}
