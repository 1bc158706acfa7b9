package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMConfig selects the model used by task loops.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OpenAICompatibleProvider is the model-name prefix registered for a compatible endpoint.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// TasksConfig bounds every autonomous run.
type TasksConfig struct {
	MaxSteps       int     `yaml:"max_steps"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature"`
	MaxSpawnDepth  int     `yaml:"max_spawn_depth"`

	// CompletionPhrases end a run when the model stops naturally and its
	// text contains one of them (case-insensitive).
	CompletionPhrases []string `yaml:"completion_phrases"`
	// MinCompletionChars is the text length at which a natural stop counts
	// as completion even without a phrase.
	MinCompletionChars int `yaml:"min_completion_chars"`
}

// DeliveryConfig throttles progress messages rendered to chat channels.
type DeliveryConfig struct {
	ProgressEverySteps int            `yaml:"progress_every_steps"`
	ProgressEveryMs    int            `yaml:"progress_every_ms"`
	PlatformLimits     map[string]int `yaml:"platform_limits"`
}

// ProgressInterval returns the time gate as a duration.
func (d DeliveryConfig) ProgressInterval() time.Duration {
	return time.Duration(d.ProgressEveryMs) * time.Millisecond
}

type ShellConfig struct {
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ToolsConfig struct {
	// Workspace is the root directory file tools are confined to.
	Workspace string      `yaml:"workspace"`
	Shell     ShellConfig `yaml:"shell"`
}

type TelegramConfig struct {
	Token         string  `yaml:"token"`
	AllowedIDs    []int64 `yaml:"allowed_ids"`
	Enabled       bool    `yaml:"enabled"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MaintenanceConfig drives the periodic housekeeping jobs.
type MaintenanceConfig struct {
	MailboxRetentionDays int    `yaml:"mailbox_retention_days"`
	RetentionSchedule    string `yaml:"retention_schedule"`
	OrphanReportSchedule string `yaml:"orphan_report_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	LLM         LLMConfig         `yaml:"llm"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Tools       ToolsConfig       `yaml:"tools"`
	OTel        OTelConfig        `yaml:"otel"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// DefaultMinCompletionChars is the text length at which a natural stop
// without a completion phrase still ends a task.
const DefaultMinCompletionChars = 200

// DefaultCompletionPhrases are the markers a model uses to announce it is done.
var DefaultCompletionPhrases = []string{
	"task complete",
	"task completed",
	"task is complete",
	"i have completed",
	"all done",
	"finished the task",
	"final answer",
}

// DefaultPlatformLimits are per-platform message length caps in characters.
var DefaultPlatformLimits = map[string]int{
	"telegram": 4096,
	"discord":  2000,
	"slack":    40000,
	"whatsapp": 4096,
	"sms":      1600,
	"default":  4000,
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.LLM.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns the configured endpoint override for provider.
func (c Config) ProviderBaseURL(provider string) string {
	if p, ok := c.LLM.Providers[provider]; ok {
		return p.BaseURL
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape task runs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "provider=%s|model=%s|steps=%d|timeout=%d|depth=%d|every=%d/%d",
		c.LLM.Provider, c.LLM.Model, c.Tasks.MaxSteps, c.Tasks.TimeoutSeconds,
		c.Tasks.MaxSpawnDepth, c.Delivery.ProgressEverySteps, c.Delivery.ProgressEveryMs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "google",
		},
		Tasks: TasksConfig{
			MaxSteps:           25,
			TimeoutSeconds:     int((10 * time.Minute).Seconds()),
			Temperature:        0.7,
			MaxSpawnDepth:      3,
			MinCompletionChars: DefaultMinCompletionChars,
		},
		Delivery: DeliveryConfig{
			ProgressEverySteps: 3,
			ProgressEveryMs:    10000,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{RatePerSecond: 1},
		},
		Tools: ToolsConfig{
			Shell: ShellConfig{
				SandboxImage:   "alpine:3.20",
				SandboxMemory:  256,
				SandboxNetwork: "none",
				TimeoutSeconds: 60,
			},
		},
		OTel: OTelConfig{
			Exporter:    "otlp",
			ServiceName: "autopilot",
			SampleRate:  1.0,
		},
		Maintenance: MaintenanceConfig{
			MailboxRetentionDays: 14,
			RetentionSchedule:    "@daily",
			OrphanReportSchedule: "@every 15m",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AUTOPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".autopilot")
}

// Load reads <home>/config.yaml, applies env overrides and fills defaults.
// A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create autopilot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "autopilot.db")
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModel(cfg.LLM.Provider)
	}
	if cfg.Tasks.MaxSteps <= 0 {
		cfg.Tasks.MaxSteps = 25
	}
	if cfg.Tasks.TimeoutSeconds <= 0 {
		cfg.Tasks.TimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Tasks.MaxSpawnDepth <= 0 {
		cfg.Tasks.MaxSpawnDepth = 3
	}
	if len(cfg.Tasks.CompletionPhrases) == 0 {
		cfg.Tasks.CompletionPhrases = append([]string(nil), DefaultCompletionPhrases...)
	}
	if cfg.Tasks.MinCompletionChars <= 0 {
		cfg.Tasks.MinCompletionChars = DefaultMinCompletionChars
	}
	if cfg.Delivery.ProgressEverySteps <= 0 {
		cfg.Delivery.ProgressEverySteps = 3
	}
	if cfg.Delivery.ProgressEveryMs <= 0 {
		cfg.Delivery.ProgressEveryMs = 10000
	}
	limits := make(map[string]int, len(DefaultPlatformLimits))
	for k, v := range DefaultPlatformLimits {
		limits[k] = v
	}
	for k, v := range cfg.Delivery.PlatformLimits {
		if v > 0 {
			limits[strings.ToLower(k)] = v
		}
	}
	cfg.Delivery.PlatformLimits = limits
	if cfg.Channels.Telegram.RatePerSecond <= 0 {
		cfg.Channels.Telegram.RatePerSecond = 1
	}
	if strings.TrimSpace(cfg.Tools.Workspace) == "" {
		cfg.Tools.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Tools.Shell.TimeoutSeconds <= 0 {
		cfg.Tools.Shell.TimeoutSeconds = 60
	}
	if cfg.Maintenance.MailboxRetentionDays <= 0 {
		cfg.Maintenance.MailboxRetentionDays = 14
	}
	if cfg.Maintenance.RetentionSchedule == "" {
		cfg.Maintenance.RetentionSchedule = "@daily"
	}
	if cfg.Maintenance.OrphanReportSchedule == "" {
		cfg.Maintenance.OrphanReportSchedule = "@every 15m"
	}
}

func validate(cfg Config) error {
	if cfg.Tasks.Temperature < 0 || cfg.Tasks.Temperature > 2 {
		return fmt.Errorf("tasks.temperature %.2f out of range [0, 2]", cfg.Tasks.Temperature)
	}
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible", "openrouter":
	default:
		return fmt.Errorf("unknown llm.provider %q", cfg.LLM.Provider)
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.enabled requires a token")
	}
	return nil
}

func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible", "openrouter":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AUTOPILOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AUTOPILOT_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AUTOPILOT_MAX_STEPS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Tasks.MaxSteps = v
		}
	}
	if raw := os.Getenv("AUTOPILOT_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Tasks.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AUTOPILOT_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("AUTOPILOT_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
