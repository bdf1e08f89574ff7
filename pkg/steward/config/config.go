// Package config defines and loads the steward configuration: a YAML file
// with environment variable expansion, .env layering and OS keyring
// resolution for the API key.
package config

// Config holds all steward configuration.
type Config struct {
	// Name is the assistant name shown in responses.
	Name string `yaml:"name"`

	// Trigger is the keyword that activates the bot in group chats
	// (e.g. "@steward"). Direct messages never require it.
	Trigger string `yaml:"trigger"`

	// Instructions are the base system prompt instructions.
	Instructions string `yaml:"instructions"`

	// Timezone is the user's timezone (e.g. "America/New_York").
	Timezone string `yaml:"timezone"`

	// DatabasePath is the SQLite database file path.
	DatabasePath string `yaml:"database_path"`

	// API configures the LLM API.
	API APIConfig `yaml:"api"`

	// Channels configures communication channels.
	Channels ChannelsConfig `yaml:"channels"`

	// Jobs configures background job execution.
	Jobs JobsConfig `yaml:"jobs"`

	// Scheduler configures the cron task scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// History configures the conversation history window.
	History HistoryConfig `yaml:"history"`

	// Tools configures builtin tool execution.
	Tools ToolsConfig `yaml:"tools"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the LLM API client.
type APIConfig struct {
	// APIKey is the Anthropic API key. Prefer ${STEWARD_API_KEY} or the
	// OS keyring over a plaintext value here.
	APIKey string `yaml:"api_key"`

	// Model is the model identifier.
	Model string `yaml:"model"`

	// MaxTokens is the per-response output token limit.
	MaxTokens int `yaml:"max_tokens"`

	// MaxRetries is the attempt cap for transient API failures.
	MaxRetries int `yaml:"max_retries"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`

	// AllowedChats restricts which chat ids may talk to the bot.
	// Empty means no restriction.
	AllowedChats []string `yaml:"allowed_chats"`
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Token        string   `yaml:"token"`
	AllowedChats []string `yaml:"allowed_chats"`
}

// JobsConfig configures delegated background jobs.
type JobsConfig struct {
	// Command is the subprocess invoked for a delegated task. The task
	// prompt is appended as the final argument.
	Command []string `yaml:"command"`

	// TimeoutSeconds is the wall-clock limit per job subprocess.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// WatchdogSeconds is the dispatcher watchdog tick interval.
	WatchdogSeconds int `yaml:"watchdog_seconds"`
}

// SchedulerConfig configures the cron task scheduler.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// TickSeconds is the poll interval for due tasks.
	TickSeconds int `yaml:"tick_seconds"`
}

// HistoryConfig configures the conversation history window.
type HistoryConfig struct {
	// WindowHours is the lookback TTL for loaded history.
	WindowHours int `yaml:"window_hours"`

	// MaxMessages is the row cap for loaded history.
	MaxMessages int `yaml:"max_messages"`
}

// ToolsConfig configures builtin tools.
type ToolsConfig struct {
	// Workdir is the working directory for bash and file tools.
	Workdir string `yaml:"workdir"`

	// BashTimeoutSeconds is the per-invocation limit for the bash tool.
	BashTimeoutSeconds int `yaml:"bash_timeout_seconds"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:         "Steward",
		Trigger:      "@steward",
		Timezone:     "UTC",
		DatabasePath: "steward.db",
		API: APIConfig{
			Model:      "claude-sonnet-4-5",
			MaxTokens:  4096,
			MaxRetries: 5,
		},
		Jobs: JobsConfig{
			Command:         []string{"claude", "-p", "--output-format", "stream-json", "--verbose"},
			TimeoutSeconds:  300,
			WatchdogSeconds: 60,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			TickSeconds: 30,
		},
		History: HistoryConfig{
			WindowHours: 6,
			MaxMessages: 80,
		},
		Tools: ToolsConfig{
			Workdir:            ".",
			BashTimeoutSeconds: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
