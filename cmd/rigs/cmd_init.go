package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/internal/config"
)

func newInitCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Initialize a rigs workspace",
		Long: `Initialize a rigs workspace.

Creates the workspace directory (default ~/.rigs), writes config.toml with
the built-in provider limits and creates the bead database.

Without --config or RIGS_CONFIG, the config file is written inside the
workspace. Point RIGS_CONFIG at it when the workspace is not ~/.rigs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			path := config.ResolvePath(configFlag)
			if len(args) == 1 {
				ws, err := filepath.Abs(config.ExpandPath(args[0]))
				if err != nil {
					return err
				}
				cfg.General.Workspace = ws
				if configFlag == "" && os.Getenv("RIGS_CONFIG") == "" {
					path = filepath.Join(ws, config.FileName)
				}
			}

			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("already initialized: %s exists", path)
			}
			if err := os.MkdirAll(cfg.WorkspaceDir(), 0755); err != nil {
				return fmt.Errorf("creating workspace: %w", err)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			cfg.Path = path

			w, err := openWorkspaceWith(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			defer w.Close()

			fmt.Fprintf(stdout, "🐂 Initialized rigs in %s\n", cfg.WorkspaceDir())
			fmt.Fprintf(stdout, "   Config:   %s\n", path)
			fmt.Fprintf(stdout, "   Database: %s\n", cfg.DatabaseURL())
			fmt.Fprintln(stdout, "\nProviders:")
			for _, p := range cfg.EnabledProviders() {
				fmt.Fprintf(stdout, "  • %s (%s tokens / %dh)\n", p, formatTokens(cfg.ProviderLimits(p).TokensPerWindow), cfg.ProviderLimits(p).WindowHours)
			}
			fmt.Fprintln(stdout, "\nNext steps:")
			fmt.Fprintln(stdout, "  rigs goal plan \"Add OAuth login\"")
			fmt.Fprintln(stdout, "  rigs bead create \"Fix flaky test\" --type debug")
			fmt.Fprintln(stdout, "  rigs foreman start")
			return nil
		},
	}
}
