// rigs schedules LLM beads across rate-limited providers
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is returned by RunE functions that have already written their
// own error to stderr
var errExit = errors.New("exit")

// Persistent flag values
var (
	configFlag  string
	verboseFlag bool
	formatFlag  string
)

// run executes the rigs CLI with the given args and returns the exit code
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "Error: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "rigs",
		Short: "Rate-limit aware scheduler for LLM coding work",
		Long: `Rigs breaks goals into beads (small units of LLM work) and dispatches
them to Claude, Codex and Gemini while keeping every provider inside its
token window.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch formatFlag {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unknown --format %q (want text or json)", formatFlag)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "rigs: unknown command %q\n", args[0]) //nolint:errcheck // best-effort stderr
			return errExit
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default $RIGS_CONFIG or ~/.rigs/config.toml)")
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose logging and provider output")
	root.PersistentFlags().StringVar(&formatFlag, "format", "text", "output format: text or json")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newInitCmd(stdout),
		newProviderCmd(stdout),
		newTankCmd(stdout),
		newBeadCmd(stdout, stderr),
		newConvoyCmd(stdout),
		newForemanCmd(stdout, stderr),
		newGoalCmd(stdout, stderr),
		newConfigCmd(stdout),
		newStatusCmd(stdout),
	)
	return root
}
