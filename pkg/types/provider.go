package types

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Provider is an LLM backend beads can be routed to
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderCodex    Provider = "codex"
	ProviderGemini   Provider = "gemini"
	ProviderDeepSeek Provider = "deepseek"
	ProviderOllama   Provider = "ollama"
)

// AllProviders lists every known provider
var AllProviders = []Provider{ProviderClaude, ProviderCodex, ProviderGemini, ProviderDeepSeek, ProviderOllama}

// ExecutionProviders run beads
var ExecutionProviders = []Provider{ProviderClaude, ProviderCodex, ProviderGemini}

// AssayerProviders decompose and optimize goals
var AssayerProviders = []Provider{ProviderDeepSeek, ProviderOllama}

// ParseProvider parses a provider name case-insensitively
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(AllProviders, p) {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// IsExecution reports whether the provider runs beads
func (p Provider) IsExecution() bool { return slices.Contains(ExecutionProviders, p) }

// IsAssayer reports whether the provider is used for planning
func (p Provider) IsAssayer() bool { return slices.Contains(AssayerProviders, p) }

// IsRemote reports whether the provider is a hosted API
func (p Provider) IsRemote() bool { return p != ProviderOllama }

// DisplayName returns the human-facing provider name
func (p Provider) DisplayName() string {
	switch p {
	case ProviderClaude:
		return "Claude"
	case ProviderCodex:
		return "Codex"
	case ProviderGemini:
		return "Gemini"
	case ProviderDeepSeek:
		return "DeepSeek"
	case ProviderOllama:
		return "Ollama"
	}
	return string(p)
}

// DefaultModel returns the model used when none is configured
func (p Provider) DefaultModel() string {
	switch p {
	case ProviderClaude:
		return "claude-sonnet-4-20250514"
	case ProviderCodex:
		return "codex"
	case ProviderGemini:
		return "gemini-2.5-pro"
	case ProviderDeepSeek:
		return "deepseek-chat"
	case ProviderOllama:
		return "deepseek-r1:7b"
	}
	return ""
}

// Unlimited is the capacity of providers without a token budget
const Unlimited int64 = math.MaxInt64

// ProviderLimits is the rate-limit template of a provider
type ProviderLimits struct {
	TokensPerWindow   int64   `json:"tokens_per_window" toml:"tokens_per_window"`
	WindowHours       int     `json:"window_hours" toml:"window_hours"`
	RequestsPerMinute int     `json:"requests_per_minute,omitempty" toml:"requests_per_minute"`
	DailyCap          int64   `json:"daily_cap,omitempty" toml:"daily_cap"`
	WeeklyCap         int64   `json:"weekly_cap,omitempty" toml:"weekly_cap"`
	YellowThreshold   float64 `json:"threshold_yellow" toml:"threshold_yellow"`
	RedThreshold      float64 `json:"threshold_red" toml:"threshold_red"`
	FallbackModel     string  `json:"fallback_model,omitempty" toml:"fallback_model"`
	APIKeyEnv         string  `json:"api_key_env,omitempty" toml:"api_key_env"`
}

// DefaultLimits returns the built-in limits for a provider
func (p Provider) DefaultLimits() ProviderLimits {
	switch p {
	case ProviderClaude:
		return ProviderLimits{
			TokensPerWindow: 88_000, WindowHours: 5, WeeklyCap: 500_000,
			YellowThreshold: 0.5, RedThreshold: 0.2,
			FallbackModel: "claude-haiku-4-20250514",
		}
	case ProviderCodex:
		return ProviderLimits{
			TokensPerWindow: 50_000, WindowHours: 5, RequestsPerMinute: 60,
			YellowThreshold: 0.4, RedThreshold: 0.15,
		}
	case ProviderGemini:
		return ProviderLimits{
			TokensPerWindow: 1_000_000, WindowHours: 24, RequestsPerMinute: 15, DailyCap: 1_000_000,
			YellowThreshold: 0.3, RedThreshold: 0.1,
			FallbackModel: "gemini-2.5-flash", APIKeyEnv: "GEMINI_API_KEY",
		}
	case ProviderDeepSeek:
		return ProviderLimits{
			TokensPerWindow: 10_000_000, WindowHours: 24, RequestsPerMinute: 60,
			YellowThreshold: 0.3, RedThreshold: 0.1,
			APIKeyEnv: "DEEPSEEK_API_KEY",
		}
	case ProviderOllama:
		return ProviderLimits{TokensPerWindow: Unlimited, WindowHours: 24}
	}
	return ProviderLimits{WindowHours: 24, YellowThreshold: DefaultYellowThreshold, RedThreshold: DefaultRedThreshold}
}

// AffinityEntry is one ranked provider for a task type
type AffinityEntry struct {
	Provider Provider `json:"provider"`
	Weight   float64  `json:"weight"`
}

// AffinityTable maps task types to providers ranked by weight descending
type AffinityTable map[TaskType][]AffinityEntry

// DefaultAffinity returns the static routing table
func DefaultAffinity() AffinityTable {
	return AffinityTable{
		TaskTypeImplementation: {{ProviderClaude, 1.0}, {ProviderCodex, 0.7}, {ProviderGemini, 0.5}},
		TaskTypeReview:         {{ProviderCodex, 1.0}, {ProviderClaude, 0.8}, {ProviderGemini, 0.5}},
		TaskTypeResearch:       {{ProviderGemini, 1.0}, {ProviderClaude, 0.6}, {ProviderCodex, 0.4}},
		TaskTypeRefactor:       {{ProviderClaude, 1.0}, {ProviderCodex, 0.8}, {ProviderGemini, 0.4}},
		TaskTypeTest:           {{ProviderCodex, 1.0}, {ProviderClaude, 0.7}, {ProviderGemini, 0.4}},
		TaskTypeDocumentation:  {{ProviderClaude, 1.0}, {ProviderGemini, 0.7}, {ProviderCodex, 0.5}},
		TaskTypeDebug:          {{ProviderCodex, 1.0}, {ProviderClaude, 0.9}, {ProviderGemini, 0.4}},
		TaskTypeDesign:         {{ProviderClaude, 1.0}, {ProviderGemini, 0.6}, {ProviderCodex, 0.4}},
	}
}

// Ranked returns the providers for a task type in descending weight order
func (t AffinityTable) Ranked(tt TaskType) []Provider {
	entries := t[tt]
	out := make([]Provider, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Provider)
	}
	return out
}

// Override sets the weight of (tt, p), adding the provider when absent,
// and keeps the list sorted by weight descending.
func (t AffinityTable) Override(tt TaskType, p Provider, weight float64) {
	entries := slices.Clone(t[tt])
	found := false
	for i := range entries {
		if entries[i].Provider == p {
			entries[i].Weight = weight
			found = true
		}
	}
	if !found {
		entries = append(entries, AffinityEntry{Provider: p, Weight: weight})
	}
	slices.SortStableFunc(entries, func(a, b AffinityEntry) int {
		switch {
		case a.Weight > b.Weight:
			return -1
		case a.Weight < b.Weight:
			return 1
		}
		return 0
	})
	t[tt] = entries
}
