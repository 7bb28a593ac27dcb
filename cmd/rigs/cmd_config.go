package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/internal/config"
)

func newConfigCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of config.toml",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := config.SchemaJSON()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(stdout, string(data))
				return err
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Long: `Print the effective configuration: the config file with defaults
filled in and environment overrides applied.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(stdout, cfg)
				}
				data, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = stdout.Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if _, err := cfg.Affinity(); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "✅ %s is valid\n", cfg.Path)
				return nil
			},
		},
	)
	return cmd
}
