package config

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/internal/backpressure"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.General.Workspace != "~/.rigs" || cfg.General.LogLevel != "info" {
		t.Errorf("general = %+v", cfg.General)
	}
	if cfg.Routing.Strategy != "balanced" || cfg.Foreman.PollInterval.Std() != 5*time.Second || cfg.Foreman.MaxConcurrent != 1 {
		t.Errorf("defaults = %+v %+v", cfg.Routing, cfg.Foreman)
	}
	if got := cfg.EnabledProviders(); len(got) != 3 {
		t.Errorf("enabled providers = %v, want the execution providers", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Path != path || cfg.Foreman.MaxAttempts != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
[general]
workspace = "/custom/path"
log_level = "debug"

[providers.claude]
enabled = false
model = "claude-opus-4"

[providers.gemini]
tokens_per_window = 500000
threshold_yellow = 0.6

[foreman]
poll_interval = "10s"
max_concurrent = 3
max_attempts = 5

[routing.affinity.research]
claude = 1.5

[[review.checks]]
name = "no-todo"
type = "regex"
pattern = "TODO"
negate = true
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.General.Workspace != "/custom/path" || cfg.General.LogLevel != "debug" {
		t.Errorf("general = %+v", cfg.General)
	}
	claude, _ := cfg.Provider(types.ProviderClaude)
	if claude.IsEnabled() || claude.Model != "claude-opus-4" {
		t.Errorf("claude = %+v", claude)
	}
	if got := cfg.EnabledProviders(); len(got) != 1 || got[0] != types.ProviderGemini {
		t.Errorf("enabled = %v, want only gemini", got)
	}
	if cfg.Foreman.PollInterval.Std() != 10*time.Second || cfg.Foreman.MaxConcurrent != 3 {
		t.Errorf("foreman = %+v", cfg.Foreman)
	}
	if len(cfg.Review.Checks) != 1 || cfg.Review.Checks[0].Type != backpressure.CheckTypeRegex || !cfg.Review.Checks[0].Negate {
		t.Errorf("review = %+v", cfg.Review)
	}

	aff, err := cfg.Affinity()
	if err != nil {
		t.Fatalf("Affinity failed: %v", err)
	}
	if ranked := aff.Ranked(types.TaskTypeResearch); ranked[0] != types.ProviderClaude {
		t.Errorf("research ranking = %v, want claude first", ranked)
	}
}

func TestProviderLimitsMerge(t *testing.T) {
	cfg, err := Parse([]byte(`
[providers.gemini]
tokens_per_window = 500000
threshold_yellow = 0.6
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	l := cfg.ProviderLimits(types.ProviderGemini)
	def := types.ProviderGemini.DefaultLimits()
	if l.TokensPerWindow != 500_000 || l.YellowThreshold != 0.6 {
		t.Errorf("overrides not applied: %+v", l)
	}
	if l.WindowHours != def.WindowHours || l.RedThreshold != def.RedThreshold || l.DailyCap != def.DailyCap {
		t.Errorf("unset fields should keep defaults: %+v", l)
	}
	if _, ok := cfg.Provider(types.ProviderCodex); ok {
		t.Error("a file naming providers should configure only those")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("[foreman]\nmax_concurrant = 2\n"))
	if err == nil || !strings.Contains(err.Error(), "max_concurrant") {
		t.Errorf("Parse = %v, want unknown key error", err)
	}
	if _, err := Parse([]byte("[foreman]\npoll_interval = \"soon\"\n")); err == nil {
		t.Error("an invalid duration should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"thresholds out of order", func(c *Config) {
			pc := c.Providers["claude"]
			pc.ThresholdYellow, pc.ThresholdRed = 0.2, 0.5
			c.Providers["claude"] = pc
		}, "thresholds"},
		{"yellow above one", func(c *Config) {
			pc := c.Providers["codex"]
			pc.ThresholdYellow = 1.5
			c.Providers["codex"] = pc
		}, "thresholds"},
		{"unknown provider", func(c *Config) { c.Providers["skynet"] = ProviderConfig{} }, "providers.skynet"},
		{"zero poll interval", func(c *Config) { c.Foreman.PollInterval = 0 }, "poll_interval"},
		{"zero concurrency", func(c *Config) { c.Foreman.MaxConcurrent = 0 }, "max_concurrent"},
		{"unknown task type", func(c *Config) {
			c.Routing.Affinity = map[string]map[string]float64{"dancing": {"claude": 1}}
		}, "routing.affinity.dancing"},
		{"assayer provider in affinity", func(c *Config) {
			c.Routing.Affinity = map[string]map[string]float64{"review": {"ollama": 1}}
		}, "cannot execute"},
		{"unknown strategy", func(c *Config) { c.Routing.Strategy = "random" }, "routing.strategy"},
		{"bad database url", func(c *Config) { c.Database.URL = "postgres://x" }, "database.url"},
		{"bad log level", func(c *Config) { c.General.LogLevel = "loud" }, "log_level"},
		{"bad review check", func(c *Config) {
			c.Review.Checks = []backpressure.Check{{Name: "x", Type: backpressure.CheckTypeRegex, Pattern: "("}}
		}, "review"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.General.Workspace = "/srv/rigs"
	cfg.Foreman.PollInterval = Duration(15 * time.Second)
	cfg.RemoveProvider(types.ProviderCodex)
	cfg.SetProvider(types.ProviderDeepSeek, DefaultProvider(types.ProviderDeepSeek))
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read saved config: %v", err)
	}
	if !strings.Contains(string(data), `poll_interval = "15s"`) {
		t.Errorf("saved config does not write durations as strings:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.General.Workspace != "/srv/rigs" || loaded.Foreman.PollInterval.Std() != 15*time.Second {
		t.Errorf("loaded = %+v %+v", loaded.General, loaded.Foreman)
	}
	if _, ok := loaded.Provider(types.ProviderCodex); ok {
		t.Error("removed provider came back")
	}
	if got := loaded.ProviderLimits(types.ProviderDeepSeek); got.APIKeyEnv != "DEEPSEEK_API_KEY" {
		t.Errorf("deepseek limits = %+v", got)
	}
}

func TestDatabaseURLDefaultsToWorkspace(t *testing.T) {
	cfg := Default()
	cfg.General.Workspace = "/srv/rigs"
	if got := cfg.DatabaseURL(); got != "sqlite:///srv/rigs/db/rigs.db" {
		t.Errorf("DatabaseURL = %q", got)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("RIGS_CONFIG", "/etc/rigs.toml")
	if got := ResolvePath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Errorf("flag path = %q", got)
	}
	if got := ResolvePath(""); got != "/etc/rigs.toml" {
		t.Errorf("env path = %q", got)
	}
}

func TestSchema(t *testing.T) {
	data, err := SchemaJSON()
	if err != nil {
		t.Fatalf("SchemaJSON failed: %v", err)
	}
	for _, want := range []string{"Rigs Configuration", "poll_interval", "threshold_yellow", "checks"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeConfig(t, path, "[foreman]\nmax_concurrent = 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, log.New(io.Discard, "", 0), func(c *Config) { changes <- c })
	}()
	// Give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, path, "[foreman]\nmax_concurrent = oops\n")
	time.Sleep(400 * time.Millisecond)
	writeConfig(t, path, "[foreman]\nmax_concurrent = 4\n")

	select {
	case c := <-changes:
		if c.Foreman.MaxConcurrent != 4 {
			t.Errorf("reloaded max_concurrent = %d, want 4", c.Foreman.MaxConcurrent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
