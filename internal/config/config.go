// Package config handles Rigs configuration
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cloud-shuttle/rigs/internal/backpressure"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// FileName is the config file inside a workspace
const FileName = "config.toml"

// Config is the contents of config.toml
type Config struct {
	General   GeneralConfig             `toml:"general" json:"general"`
	Providers map[string]ProviderConfig `toml:"providers,omitempty" json:"providers,omitempty"`
	Assayer   AssayerConfig             `toml:"assayer" json:"assayer"`
	Routing   RoutingConfig             `toml:"routing" json:"routing"`
	Foreman   ForemanConfig             `toml:"foreman" json:"foreman"`
	Database  DatabaseConfig            `toml:"database" json:"database"`
	Telemetry TelemetryConfig           `toml:"telemetry" json:"telemetry"`
	Review    ReviewConfig              `toml:"review,omitempty" json:"review,omitempty"`

	// Path is the file the config was loaded from
	Path string `toml:"-" json:"-"`
}

// GeneralConfig holds workspace-wide settings
type GeneralConfig struct {
	// Workspace holds the database, lock and control socket. "~/" is expanded.
	Workspace string `toml:"workspace" json:"workspace"`
	// LogLevel is one of debug, info, warn, error
	LogLevel string `toml:"log_level" json:"log_level"`
	// BeadPrefix names generated bead ids: <prefix>-xxxxx
	BeadPrefix string `toml:"bead_prefix,omitempty" json:"bead_prefix,omitempty"`
}

// ProviderConfig configures one provider. Zero limit fields fall back to
// the provider's built-in limits.
type ProviderConfig struct {
	// Enabled defaults to true when omitted
	Enabled *bool `toml:"enabled,omitempty" json:"enabled,omitempty"`
	// Model passed to the provider CLI; empty uses the provider default
	Model string `toml:"model,omitempty" json:"model,omitempty"`
	// Command is the provider CLI; empty uses the provider name on PATH
	Command string `toml:"command,omitempty" json:"command,omitempty"`

	ThresholdYellow   float64 `toml:"threshold_yellow,omitempty" json:"threshold_yellow,omitempty"`
	ThresholdRed      float64 `toml:"threshold_red,omitempty" json:"threshold_red,omitempty"`
	FallbackModel     string  `toml:"fallback_model,omitempty" json:"fallback_model,omitempty"`
	APIKeyEnv         string  `toml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	TokensPerWindow   int64   `toml:"tokens_per_window,omitempty" json:"tokens_per_window,omitempty"`
	WindowHours       int     `toml:"window_hours,omitempty" json:"window_hours,omitempty"`
	RequestsPerMinute int     `toml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	DailyCap          int64   `toml:"daily_cap,omitempty" json:"daily_cap,omitempty"`
	WeeklyCap         int64   `toml:"weekly_cap,omitempty" json:"weekly_cap,omitempty"`
}

// IsEnabled reports whether the provider is enabled
func (pc ProviderConfig) IsEnabled() bool {
	return pc.Enabled == nil || *pc.Enabled
}

// AssayerConfig configures goal decomposition and prompt optimisation
type AssayerConfig struct {
	// Command is the planner CLI. It receives the planning prompt on stdin
	// and prints drafts as JSON lines.
	Command string   `toml:"command,omitempty" json:"command,omitempty"`
	Args    []string `toml:"args,omitempty" json:"args,omitempty"`
	// PlannerModel is exported to the planner as RIGS_MODEL
	PlannerModel string `toml:"planner_model" json:"planner_model"`
	// OptimizerCommand rewrites bead prompts before dispatch when set
	OptimizerCommand string   `toml:"optimizer_command,omitempty" json:"optimizer_command,omitempty"`
	OptimizerArgs    []string `toml:"optimizer_args,omitempty" json:"optimizer_args,omitempty"`
	OptimizerModel   string   `toml:"optimizer_model" json:"optimizer_model"`
	// FallbackToSingle plans a single bead when the planner fails
	FallbackToSingle bool     `toml:"fallback_to_single" json:"fallback_to_single"`
	Timeout          Duration `toml:"timeout" json:"timeout"`
}

// RoutingConfig tunes provider selection
type RoutingConfig struct {
	Strategy string `toml:"strategy" json:"strategy"`
	// Affinity overrides weights: affinity.<task_type>.<provider> = weight
	Affinity map[string]map[string]float64 `toml:"affinity,omitempty" json:"affinity,omitempty"`
}

// ForemanConfig tunes the scheduler
type ForemanConfig struct {
	PollInterval    Duration `toml:"poll_interval" json:"poll_interval"`
	MaxConcurrent   int      `toml:"max_concurrent" json:"max_concurrent"`
	MaxAttempts     int      `toml:"max_attempts" json:"max_attempts"`
	AutoStart       bool     `toml:"auto_start" json:"auto_start"`
	ExecutorTimeout Duration `toml:"executor_timeout" json:"executor_timeout"`
	// WorkDir is where provider CLIs run; empty uses the current directory
	WorkDir string `toml:"work_dir,omitempty" json:"work_dir,omitempty"`
	// DurableDatabaseURL enables durable execution on a Postgres system database
	DurableDatabaseURL string `toml:"durable_database_url,omitempty" json:"durable_database_url,omitempty"`
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	// URL is sqlite://<path> or mysql://<dsn>; empty uses the workspace database
	URL     string `toml:"url,omitempty" json:"url,omitempty"`
	WALMode bool   `toml:"wal_mode" json:"wal_mode"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	// OTLPEndpoint enables export when set, e.g. localhost:4318
	OTLPEndpoint string `toml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	ServiceName  string `toml:"service_name" json:"service_name"`
}

// ReviewConfig lists the checks a bead's output must pass
type ReviewConfig struct {
	Timeout Duration             `toml:"timeout,omitempty" json:"timeout,omitempty"`
	Checks  []backpressure.Check `toml:"checks,omitempty" json:"checks,omitempty"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	cfg := &Config{
		General: GeneralConfig{
			Workspace:  "~/.rigs",
			LogLevel:   "info",
			BeadPrefix: types.DefaultBeadPrefix,
		},
		Providers: make(map[string]ProviderConfig),
		Assayer: AssayerConfig{
			PlannerModel:     "deepseek-r1:7b",
			OptimizerModel:   "qwen3:8b",
			FallbackToSingle: true,
			Timeout:          Duration(5 * time.Minute),
		},
		Routing: RoutingConfig{Strategy: "balanced"},
		Foreman: ForemanConfig{
			PollInterval:    Duration(5 * time.Second),
			MaxConcurrent:   1,
			MaxAttempts:     3,
			ExecutorTimeout: Duration(30 * time.Minute),
		},
		Database:  DatabaseConfig{WALMode: true},
		Telemetry: TelemetryConfig{ServiceName: "rigs"},
	}
	for _, p := range types.ExecutionProviders {
		cfg.Providers[string(p)] = DefaultProvider(p)
	}
	return cfg
}

// DefaultProvider returns a provider section filled with built-in limits
func DefaultProvider(p types.Provider) ProviderConfig {
	l := p.DefaultLimits()
	enabled := true
	return ProviderConfig{
		Enabled:           &enabled,
		Model:             p.DefaultModel(),
		ThresholdYellow:   l.YellowThreshold,
		ThresholdRed:      l.RedThreshold,
		FallbackModel:     l.FallbackModel,
		APIKeyEnv:         l.APIKeyEnv,
		TokensPerWindow:   l.TokensPerWindow,
		WindowHours:       l.WindowHours,
		RequestsPerMinute: l.RequestsPerMinute,
		DailyCap:          l.DailyCap,
		WeeklyCap:         l.WeeklyCap,
	}
}

// ResolvePath picks the config file: the flag value, then RIGS_CONFIG,
// then ~/.rigs/config.toml
func ResolvePath(flag string) string {
	if flag != "" {
		return ExpandPath(flag)
	}
	if v := os.Getenv("RIGS_CONFIG"); v != "" {
		return ExpandPath(v)
	}
	return filepath.Join(ExpandPath(Default().General.Workspace), FileName)
}

// ExpandPath replaces a leading "~/" with the home directory
func ExpandPath(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Load reads the config at path. A missing file yields the defaults.
// Environment overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	default:
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.Path = path
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Providers = nil
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parsing config: unknown keys %s", strings.Join(keys, ", "))
	}
	if cfg.Providers == nil {
		cfg.Providers = Default().Providers
	}
	return cfg, nil
}

// Marshal encodes the config as TOML
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the config to path, replacing the file atomically
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("writing config file: %w", err)
	}
	c.Path = path
	return nil
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	beadPrefix = regexp.MustCompile(`^[a-z][a-z0-9]{0,9}$`)
)

// Validate checks the config for values the scheduler cannot use
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(logLevels, c.General.LogLevel) {
		errs = append(errs, fmt.Errorf("general.log_level %q: want one of %s", c.General.LogLevel, strings.Join(logLevels, ", ")))
	}
	if c.General.BeadPrefix != "" && !beadPrefix.MatchString(c.General.BeadPrefix) {
		errs = append(errs, fmt.Errorf("general.bead_prefix %q: want lowercase letters and digits", c.General.BeadPrefix))
	}

	for _, name := range c.providerNames() {
		p, err := types.ParseProvider(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("providers.%s: %w", name, err))
			continue
		}
		l := c.ProviderLimits(p)
		if l.RedThreshold < 0 || l.RedThreshold > l.YellowThreshold || l.YellowThreshold > 1 {
			errs = append(errs, fmt.Errorf("providers.%s: thresholds must satisfy 0 <= red (%v) <= yellow (%v) <= 1", name, l.RedThreshold, l.YellowThreshold))
		}
		pc := c.Providers[name]
		if pc.TokensPerWindow < 0 || pc.WindowHours < 0 || pc.RequestsPerMinute < 0 || pc.DailyCap < 0 || pc.WeeklyCap < 0 {
			errs = append(errs, fmt.Errorf("providers.%s: limits must not be negative", name))
		}
	}

	if c.Routing.Strategy != "balanced" {
		errs = append(errs, fmt.Errorf("routing.strategy %q: only balanced is supported", c.Routing.Strategy))
	}
	if _, err := c.Affinity(); err != nil {
		errs = append(errs, err)
	}

	if c.Foreman.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("foreman.poll_interval must be positive"))
	}
	if c.Foreman.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("foreman.max_concurrent must be positive"))
	}
	if c.Foreman.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("foreman.max_attempts must be positive"))
	}
	if c.Foreman.ExecutorTimeout < 0 {
		errs = append(errs, fmt.Errorf("foreman.executor_timeout must not be negative"))
	}

	if u := c.Database.URL; u != "" && !strings.HasPrefix(u, "sqlite://") && !strings.HasPrefix(u, "mysql://") {
		errs = append(errs, fmt.Errorf("database.url %q: want sqlite:// or mysql://", u))
	}
	if _, err := backpressure.NewGate(c.Review.Checks, 0, ""); err != nil {
		errs = append(errs, fmt.Errorf("review: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) providerNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkspaceDir returns the expanded workspace directory
func (c *Config) WorkspaceDir() string {
	return ExpandPath(c.General.Workspace)
}

// DatabaseURL returns the configured database, defaulting to
// <workspace>/db/rigs.db
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		if rest, ok := strings.CutPrefix(c.Database.URL, "sqlite://"); ok {
			return "sqlite://" + ExpandPath(rest)
		}
		return c.Database.URL
	}
	return "sqlite://" + filepath.Join(c.WorkspaceDir(), "db", "rigs.db")
}

// Provider returns the section of p and whether the config names it
func (c *Config) Provider(p types.Provider) (ProviderConfig, bool) {
	pc, ok := c.Providers[string(p)]
	return pc, ok
}

// SetProvider adds or replaces the section of p
func (c *Config) SetProvider(p types.Provider, pc ProviderConfig) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	c.Providers[string(p)] = pc
}

// RemoveProvider drops the section of p; reports whether it existed
func (c *Config) RemoveProvider(p types.Provider) bool {
	_, ok := c.Providers[string(p)]
	delete(c.Providers, string(p))
	return ok
}

// EnabledProviders returns configured and enabled providers in the
// canonical provider order
func (c *Config) EnabledProviders() []types.Provider {
	var out []types.Provider
	for _, p := range types.AllProviders {
		if pc, ok := c.Provider(p); ok && pc.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// ProviderLimits merges the section of p over its built-in limits
func (c *Config) ProviderLimits(p types.Provider) types.ProviderLimits {
	l := p.DefaultLimits()
	pc, ok := c.Provider(p)
	if !ok {
		return l
	}
	if pc.TokensPerWindow > 0 {
		l.TokensPerWindow = pc.TokensPerWindow
	}
	if pc.WindowHours > 0 {
		l.WindowHours = pc.WindowHours
	}
	if pc.RequestsPerMinute > 0 {
		l.RequestsPerMinute = pc.RequestsPerMinute
	}
	if pc.DailyCap > 0 {
		l.DailyCap = pc.DailyCap
	}
	if pc.WeeklyCap > 0 {
		l.WeeklyCap = pc.WeeklyCap
	}
	if pc.ThresholdYellow != 0 {
		l.YellowThreshold = pc.ThresholdYellow
	}
	if pc.ThresholdRed != 0 {
		l.RedThreshold = pc.ThresholdRed
	}
	if pc.FallbackModel != "" {
		l.FallbackModel = pc.FallbackModel
	}
	if pc.APIKeyEnv != "" {
		l.APIKeyEnv = pc.APIKeyEnv
	}
	return l
}

// Affinity returns the built-in affinity table with the routing
// overrides applied
func (c *Config) Affinity() (types.AffinityTable, error) {
	table := types.DefaultAffinity()
	taskTypes := make([]string, 0, len(c.Routing.Affinity))
	for tt := range c.Routing.Affinity {
		taskTypes = append(taskTypes, tt)
	}
	sort.Strings(taskTypes)

	for _, name := range taskTypes {
		tt, err := types.ParseTaskType(name)
		if err != nil {
			return nil, fmt.Errorf("routing.affinity.%s: %w", name, err)
		}
		weights := c.Routing.Affinity[name]
		providers := make([]string, 0, len(weights))
		for p := range weights {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		for _, pname := range providers {
			p, err := types.ParseProvider(pname)
			if err != nil {
				return nil, fmt.Errorf("routing.affinity.%s.%s: %w", name, pname, err)
			}
			if !p.IsExecution() {
				return nil, fmt.Errorf("routing.affinity.%s.%s: %s cannot execute beads", name, pname, p)
			}
			w := weights[pname]
			if w < 0 {
				return nil, fmt.Errorf("routing.affinity.%s.%s: weight must not be negative", name, pname)
			}
			table.Override(tt, p, w)
		}
	}
	return table, nil
}
