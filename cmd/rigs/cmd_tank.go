package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

func newTankCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tank",
		Short: "Inspect and adjust provider token windows",
	}
	cmd.AddCommand(
		newTankListCmd(stdout),
		newTankStatusCmd(stdout),
		newTankRefreshCmd(stdout),
		newTankSetCmd(stdout),
		newTankHistoryCmd(stdout),
	)
	return cmd
}

func newTankListCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show every provider's tank",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			tanks := w.tanks.All()
			if jsonOutput() {
				return printJSON(stdout, tanks)
			}
			if len(tanks) == 0 {
				fmt.Fprintln(stdout, "No providers configured")
				return nil
			}
			fmt.Fprintln(stdout, headerStyle.Render("⛽ Tanks"))
			now := time.Now()
			for _, t := range tanks {
				line := renderTankLine(t, now)
				if !w.tanks.Enabled(t.Provider) {
					line += dimStyle.Render("  (disabled)")
				}
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}
}

func newTankStatusCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status <provider>",
		Short: "Show one provider's tank in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			p, err := types.ParseProvider(args[0])
			if err != nil {
				return err
			}
			t, ok := w.tanks.Snapshot(p)
			if !ok {
				return fmt.Errorf("provider %s is not configured", p)
			}
			if jsonOutput() {
				return printJSON(stdout, t)
			}

			limits, _ := w.tanks.Limits(p)
			now := time.Now()
			fmt.Fprintf(stdout, "%s %s\n", t.Health.Emoji(), headerStyle.Render(p.DisplayName()))
			fmt.Fprintf(stdout, "  %s\n", healthStyle(t.Health).Render(t.ProgressBar(progressWidth*2)))
			fmt.Fprintf(stdout, "  Health:      %s\n", t.Health)
			fmt.Fprintf(stdout, "  Remaining:   %s / %s\n", formatTokens(t.Remaining), formatTokens(t.Capacity))
			fmt.Fprintf(stdout, "  Window:      %s → %s (resets in %s)\n",
				t.WindowStart.Local().Format(time.DateTime), t.WindowEnd.Local().Format(time.DateTime), formatDuration(t.TimeUntilReset(now)))
			fmt.Fprintf(stdout, "  This window: %d requests, %s tokens\n", t.RequestsThisWindow, formatTokens(t.TokensThisWindow))
			fmt.Fprintf(stdout, "  Thresholds:  yellow ≤ %.0f%%, red ≤ %.0f%%\n", t.YellowThreshold*100, t.RedThreshold*100)
			if limits.RequestsPerMinute > 0 {
				fmt.Fprintf(stdout, "  Rate limit:  %d requests/minute\n", limits.RequestsPerMinute)
			}
			if limits.DailyCap > 0 {
				fmt.Fprintf(stdout, "  Daily cap:   %s tokens\n", formatTokens(limits.DailyCap))
			}
			if limits.WeeklyCap > 0 {
				fmt.Fprintf(stdout, "  Weekly cap:  %s tokens\n", formatTokens(limits.WeeklyCap))
			}
			if !w.tanks.Enabled(p) {
				fmt.Fprintln(stdout, dimStyle.Render("  Provider is disabled"))
			}
			return nil
		},
	}
}

func newTankRefreshCmd(stdout io.Writer) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "refresh [provider]",
		Short: "Start a new window, refilling the tank",
		Long: `Start a new window for a provider, refilling its tank.

Without a provider, only tanks whose window has already ended are
refreshed. --all refreshes every tank.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			command := "tank-refresh"
			switch {
			case len(args) == 1:
				command += " " + args[0]
			case all:
				command += " all"
			}
			reply, handled, err := w.control(command)
			if err != nil {
				return err
			}

			var refreshed []types.Provider
			switch {
			case handled:
				for _, name := range strings.Fields(strings.TrimPrefix(reply, "ok")) {
					refreshed = append(refreshed, types.Provider(name))
				}
			case len(args) == 1:
				p, err := types.ParseProvider(args[0])
				if err != nil {
					return err
				}
				if err := w.tanks.Refresh(cmd.Context(), p); err != nil {
					return err
				}
				refreshed = append(refreshed, p)
			case all:
				for _, p := range w.tanks.Providers() {
					if err := w.tanks.Refresh(cmd.Context(), p); err != nil {
						return err
					}
					refreshed = append(refreshed, p)
				}
			default:
				if refreshed, err = w.tanks.RefreshExpired(cmd.Context()); err != nil {
					return err
				}
			}

			if len(refreshed) == 0 {
				fmt.Fprintln(stdout, "No tanks needed a refresh")
				return nil
			}
			for _, p := range refreshed {
				fmt.Fprintf(stdout, "⛽ Refreshed %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "refresh every tank")
	return cmd
}

func newTankSetCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "set <provider> <remaining>",
		Short: "Override a tank's remaining tokens with a provider-reported value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			p, err := types.ParseProvider(args[0])
			if err != nil {
				return err
			}
			remaining, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid token count %q", args[1])
			}
			t, err := setTank(cmd.Context(), w, p, remaining)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s %s set to %s / %s (%s)\n",
				t.Health.Emoji(), p, formatTokens(t.Remaining), formatTokens(t.Capacity), t.Health)
			return nil
		},
	}
}

// setTank goes through the running foreman when there is one, whose
// registry would otherwise overwrite the new value with its cached tank
func setTank(ctx context.Context, w *workspace, p types.Provider, remaining int64) (*types.Tank, error) {
	reply, handled, err := w.control(fmt.Sprintf("tank-set %s %d", p, remaining))
	if err != nil {
		return nil, err
	}
	if handled {
		var t types.Tank
		if err := json.Unmarshal([]byte(reply), &t); err != nil {
			return nil, fmt.Errorf("parsing foreman reply: %w", err)
		}
		return &t, nil
	}
	if err := w.tanks.Set(ctx, p, remaining); err != nil {
		return nil, err
	}
	t, _ := w.tanks.Snapshot(p)
	return t, nil
}

func newTankHistoryCmd(stdout io.Writer) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "history [provider]",
		Short: "Show the tank usage ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			var p types.Provider
			if len(args) == 1 {
				if p, err = types.ParseProvider(args[0]); err != nil {
					return err
				}
			}
			records, err := w.tanks.History(cmd.Context(), p, time.Now().Add(-since))
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(stdout, "No usage recorded")
				return nil
			}
			for _, r := range records {
				bead := "-"
				if r.BeadID != "" {
					bead = string(r.BeadID)
				}
				fmt.Fprintf(stdout, "%s  %-8s %-9s %10s  %s\n",
					r.At.Local().Format(time.DateTime), r.Provider, r.Kind, formatTokens(r.Tokens), bead)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}
