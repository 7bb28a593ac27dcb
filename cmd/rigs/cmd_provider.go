package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/internal/config"
	"github.com/cloud-shuttle/rigs/internal/executor"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

func newProviderCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage LLM providers",
	}
	cmd.AddCommand(
		newProviderAddCmd(stdout),
		newProviderRemoveCmd(stdout),
		newProviderListCmd(stdout),
		newProviderTestCmd(stdout),
		newProviderToggleCmd(stdout, "enable", "Resume dispatch to a provider", true),
		newProviderToggleCmd(stdout, "disable", "Stop dispatch to a provider", false),
	)
	return cmd
}

// editConfig applies fn to the config file as written, without
// environment overrides, then validates and saves it
func editConfig(fn func(*config.Config) error) (*config.Config, error) {
	path := config.ResolvePath(configFlag)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("not initialized (no %s); run 'rigs init' first", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newProviderAddCmd(stdout io.Writer) *cobra.Command {
	var (
		model, command   string
		tokens           int64
		windowHours, rpm int
		yellow, red      float64
		disabled         bool
	)

	cmd := &cobra.Command{
		Use:   "add <provider>",
		Short: "Add a provider with its built-in limits",
		Long: `Add a provider to the config.

Known providers: claude, codex, gemini (execution), deepseek, ollama
(planning). Flags override the built-in limits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := types.ParseProvider(args[0])
			if err != nil {
				return err
			}
			_, err = editConfig(func(cfg *config.Config) error {
				if _, ok := cfg.Provider(p); ok {
					return fmt.Errorf("provider %s is already configured", p)
				}
				pc := config.DefaultProvider(p)
				if model != "" {
					pc.Model = model
				}
				pc.Command = command
				if tokens > 0 {
					pc.TokensPerWindow = tokens
				}
				if windowHours > 0 {
					pc.WindowHours = windowHours
				}
				if rpm > 0 {
					pc.RequestsPerMinute = rpm
				}
				if yellow > 0 {
					pc.ThresholdYellow = yellow
				}
				if red > 0 {
					pc.ThresholdRed = red
				}
				enabled := !disabled
				pc.Enabled = &enabled
				cfg.SetProvider(p, pc)
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✅ Added provider %s\n", p)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&command, "command", "", "path to the provider CLI (default: provider name)")
	cmd.Flags().Int64Var(&tokens, "tokens", 0, "tokens per window")
	cmd.Flags().IntVar(&windowHours, "window-hours", 0, "window length in hours")
	cmd.Flags().IntVar(&rpm, "rpm", 0, "requests per minute")
	cmd.Flags().Float64Var(&yellow, "yellow", 0, "yellow health threshold (ratio remaining)")
	cmd.Flags().Float64Var(&red, "red", 0, "red health threshold (ratio remaining)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the provider disabled")
	return cmd
}

func newProviderRemoveCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <provider>",
		Short: "Remove a provider from the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := types.ParseProvider(args[0])
			if err != nil {
				return err
			}
			_, err = editConfig(func(cfg *config.Config) error {
				if !cfg.RemoveProvider(p) {
					return fmt.Errorf("provider %s is not configured", p)
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "🗑️  Removed provider %s\n", p)
			return nil
		},
	}
}

func newProviderToggleCmd(stdout io.Writer, verb, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <provider>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := types.ParseProvider(args[0])
			if err != nil {
				return err
			}
			_, err = editConfig(func(cfg *config.Config) error {
				pc, ok := cfg.Provider(p)
				if !ok {
					return fmt.Errorf("provider %s is not configured", p)
				}
				pc.Enabled = &enable
				cfg.SetProvider(p, pc)
				return nil
			})
			if err != nil {
				return err
			}
			if enable {
				fmt.Fprintf(stdout, "▶️  Enabled %s\n", p)
			} else {
				fmt.Fprintf(stdout, "⏸️  Disabled %s\n", p)
			}
			return nil
		},
	}
}

// providerView is the listing shape of one configured provider
type providerView struct {
	Provider types.Provider       `json:"provider"`
	Enabled  bool                 `json:"enabled"`
	Model    string               `json:"model"`
	Command  string               `json:"command"`
	Limits   types.ProviderLimits `json:"limits"`
}

func newProviderListCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var views []providerView
			for _, p := range types.AllProviders {
				pc, ok := cfg.Provider(p)
				if !ok {
					continue
				}
				command := pc.Command
				if command == "" {
					command = string(p)
				}
				views = append(views, providerView{
					Provider: p,
					Enabled:  pc.IsEnabled(),
					Model:    pc.Model,
					Command:  command,
					Limits:   cfg.ProviderLimits(p),
				})
			}

			if jsonOutput() {
				return printJSON(stdout, views)
			}
			if len(views) == 0 {
				fmt.Fprintln(stdout, "No providers configured")
				return nil
			}
			for _, v := range views {
				state := "enabled"
				if !v.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(stdout, "%-8s %-8s model=%s  %s tokens / %dh\n",
					v.Provider, state, v.Model, formatTokens(v.Limits.TokensPerWindow), v.Limits.WindowHours)
			}
			return nil
		},
	}
}

func newProviderTestCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "test <provider>",
		Short: "Check that a provider's CLI is installed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := types.ParseProvider(args[0])
			if err != nil {
				return err
			}
			pc, ok := cfg.Provider(p)
			if !ok {
				return fmt.Errorf("provider %s is not configured", p)
			}
			exec := executor.NewCommandExecutor(map[types.Provider]executor.ProviderCommand{
				p: {Path: pc.Command, Model: pc.Model},
			}, 0, "")
			if err := exec.CheckInstalled(p); err != nil {
				fmt.Fprintf(stdout, "❌ %s: %v\n", p, err)
				return errExit
			}
			fmt.Fprintf(stdout, "✅ %s is installed\n", p)
			return nil
		},
	}
}
