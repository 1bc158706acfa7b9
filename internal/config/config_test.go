package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-autopilot/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromAutopilotHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "ap")
	writeConfig(t, home, "tasks:\n  max_steps: 7\n  timeout_seconds: 120\n  max_spawn_depth: 2\n")
	t.Setenv("AUTOPILOT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.Tasks.MaxSteps != 7 || cfg.Tasks.TimeoutSeconds != 120 || cfg.Tasks.MaxSpawnDepth != 2 {
		t.Fatalf("unexpected tasks config: %+v", cfg.Tasks)
	}
	if cfg.DBPath != filepath.Join(home, "autopilot.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	t.Setenv("AUTOPILOT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Delivery.ProgressEverySteps != 3 {
		t.Fatalf("expected progress_every_steps=3, got %d", cfg.Delivery.ProgressEverySteps)
	}
	if cfg.Delivery.ProgressInterval() != 10*time.Second {
		t.Fatalf("expected 10s progress interval, got %s", cfg.Delivery.ProgressInterval())
	}
	if cfg.Delivery.PlatformLimits["telegram"] != 4096 || cfg.Delivery.PlatformLimits["discord"] != 2000 {
		t.Fatalf("unexpected platform limits: %v", cfg.Delivery.PlatformLimits)
	}
	if len(cfg.Tasks.CompletionPhrases) == 0 {
		t.Fatal("expected default completion phrases")
	}
	if cfg.LLM.Provider != "google" || cfg.LLM.Model == "" {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.Maintenance.MailboxRetentionDays != 14 {
		t.Fatalf("expected 14 day retention, got %d", cfg.Maintenance.MailboxRetentionDays)
	}
}

func TestLoad_PlatformLimitOverrideMerges(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "delivery:\n  platform_limits:\n    Telegram: 1000\n    matrix: 8000\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Delivery.PlatformLimits["telegram"]; got != 1000 {
		t.Fatalf("expected telegram override 1000, got %d", got)
	}
	if got := cfg.Delivery.PlatformLimits["matrix"]; got != 8000 {
		t.Fatalf("expected matrix 8000, got %d", got)
	}
	if got := cfg.Delivery.PlatformLimits["discord"]; got != 2000 {
		t.Fatalf("expected discord default kept, got %d", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")
	t.Setenv("AUTOPILOT_HOME", home)
	t.Setenv("AUTOPILOT_LOG_LEVEL", "debug")
	t.Setenv("AUTOPILOT_MAX_STEPS", "4")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.LogLevel)
	}
	if cfg.Tasks.MaxSteps != 4 {
		t.Fatalf("expected max_steps=4, got %d", cfg.Tasks.MaxSteps)
	}
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Fatalf("expected telegram token from env, got %q", cfg.Channels.Telegram.Token)
	}
}

func TestLoad_ProviderAPIKeyPrefersEnv(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "llm:\n  provider: anthropic\n  providers:\n    anthropic:\n      api_key: from-file\n      base_url: https://proxy.example\n")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-file" {
		t.Fatalf("expected file key, got %q", got)
	}
	if got := cfg.ProviderBaseURL("anthropic"); got != "https://proxy.example" {
		t.Fatalf("unexpected base url %q", got)
	}

	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-env" {
		t.Fatalf("expected env key, got %q", got)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"temperature": "tasks:\n  temperature: 3.5\n",
		"provider":    "llm:\n  provider: bogus\n",
		"telegram":    "channels:\n  telegram:\n    enabled: true\n",
		"yaml":        "tasks: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			t.Setenv("TELEGRAM_BOT_TOKEN", "")
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestFingerprint_ChangesWithTaskSettings(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Tasks.MaxSteps++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint %q", a.Fingerprint())
	}
}
