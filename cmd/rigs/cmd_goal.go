package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/internal/assayer"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

func newGoalCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Decompose goals into convoys of beads",
	}
	cmd.AddCommand(
		newGoalPlanCmd(stdout, stderr),
		newGoalExecuteCmd(stdout, stderr),
	)
	return cmd
}

// planFlags are shared by plan and execute
type planFlags struct {
	planFile string
	priority string
}

func (pf *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&pf.planFile, "plan", "", "read the decomposition from a JSONL file instead of the planner")
	cmd.Flags().StringVar(&pf.priority, "priority", "", "priority for every bead (default: as planned)")
}

func (pf *planFlags) planner(w *workspace, stderr io.Writer) *assayer.Planner {
	logger := cliLogger(stderr, "[planner] ")
	planner := assayer.NewPlanner(buildAssayer(w.cfg, pf.planFile, logger), w.cfg.General.BeadPrefix)
	planner.SetLogger(logger)
	return planner
}

func (pf *planFlags) plan(ctx context.Context, planner *assayer.Planner, goal string) (*assayer.Plan, error) {
	var opts assayer.PlanOptions
	if pf.priority != "" {
		p, err := types.ParsePriority(pf.priority)
		if err != nil {
			return nil, err
		}
		opts.Priority = &p
	}
	return planner.Plan(ctx, goal, opts)
}

func newGoalPlanCmd(stdout, stderr io.Writer) *cobra.Command {
	var pf planFlags

	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Decompose a goal into beads without queuing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			goal := args[0]
			if !jsonOutput() {
				fmt.Fprintf(stdout, "Planning goal: %s\n\n", goal)
			}
			plan, err := pf.plan(cmd.Context(), pf.planner(w, stderr), goal)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, plan)
			}
			printPlan(stdout, w, plan)
			fmt.Fprintf(stdout, "\nRun `rigs goal execute %q` to execute this plan\n", goal)
			return nil
		},
	}
	pf.register(cmd)
	return cmd
}

// printPlan lists the plan's beads with their positions, estimates and
// the provider each would be routed to first
func printPlan(out io.Writer, w *workspace, plan *assayer.Plan) {
	affinity, err := w.cfg.Affinity()
	if err != nil {
		affinity = types.DefaultAffinity()
	}

	fmt.Fprintf(out, "Generated %d beads:\n\n", len(plan.Beads))
	for i, b := range plan.Beads {
		fmt.Fprintf(out, "  %d. %-16s %s\n", i+1, "["+string(b.TaskType)+"]", b.Title)
		provider := b.PreferredProvider
		if provider == "" {
			if ranked := affinity.Ranked(b.TaskType); len(ranked) > 0 {
				provider = ranked[0]
			}
		}
		fmt.Fprintf(out, "     Est. tokens: %s | Provider: %s\n", formatTokens(b.EstimatedTokens), provider.DisplayName())
		if len(b.Dependencies) > 0 {
			refs := make([]string, len(b.Dependencies))
			for j, dep := range b.Dependencies {
				if pos := plan.Position(dep); pos > 0 {
					refs[j] = fmt.Sprintf("#%d", pos)
				} else {
					refs[j] = string(dep)
				}
			}
			fmt.Fprintf(out, "     Depends on: %s\n", strings.Join(refs, ", "))
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Total estimated tokens: %s\n", formatTokens(plan.TotalTokens()))
}

func newGoalExecuteCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		pf      planFlags
		yes     bool
		runLoop bool
	)

	cmd := &cobra.Command{
		Use:   "execute <goal>",
		Short: "Decompose a goal and queue its beads as a convoy",
		Long: `Decompose a goal and queue its beads as a convoy.

The plan is shown first and queued after confirmation (skip it with
--yes). With --run the foreman is started in the foreground and stops
once the convoy has finished.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			w, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			goal := args[0]
			fmt.Fprintf(stdout, "Executing goal: %s\n", goal)
			if pf.priority != "" {
				fmt.Fprintf(stdout, "Priority: %s\n", pf.priority)
			}
			fmt.Fprintln(stdout)

			planner := pf.planner(w, stderr)
			plan, err := pf.plan(ctx, planner, goal)
			if err != nil {
				return err
			}
			printPlan(stdout, w, plan)

			if !yes && !confirm(cmd.InOrStdin(), stdout, "\nProceed? [y/N] ") {
				fmt.Fprintln(stdout, "Aborted")
				return nil
			}

			f, err := w.admin(stderr)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, "\nCreating convoy...")
			c, beads, err := planner.Materialize(ctx, plan, w.tracker, f)
			if c != nil {
				fmt.Fprintf(stdout, "✓ Convoy created: %s\n", c.ID)
			}
			if len(beads) > 0 {
				fmt.Fprintln(stdout, "\nQueuing beads...")
			}
			for _, b := range beads {
				fmt.Fprintf(stdout, "  ✓ %s queued (%s)\n", b.ID, b.TaskType)
			}
			if err != nil {
				return err
			}

			if !runLoop {
				fmt.Fprintf(stdout, "\nConvoy queued. Use `rigs convoy show %s` to track progress.\n", c.ID)
				return nil
			}
			fmt.Fprintln(stdout)
			go waitForConvoy(ctx, cancel, w, c.ID, w.cfg.Foreman.PollInterval.Std())
			if err := runForeman(ctx, cancel, w, stdout, stderr); err != nil {
				return err
			}
			s, err := w.tracker.Summary(context.WithoutCancel(ctx), c.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Convoy %s %s: %d/%d beads completed\n",
				convoyEmoji(s.Convoy.Status), c.ID, s.Convoy.Status, s.Counts.Completed, s.Counts.Total())
			return nil
		},
	}
	pf.register(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "queue without asking")
	cmd.Flags().BoolVar(&runLoop, "run", false, "run the foreman until the convoy finishes")
	return cmd
}

// waitForConvoy cancels ctx once the convoy reaches a terminal status
func waitForConvoy(ctx context.Context, cancel context.CancelFunc, w *workspace, convoyID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, err := w.store.GetConvoy(ctx, convoyID)
			if err != nil {
				continue
			}
			if c.Status.IsTerminal() {
				cancel()
				return
			}
		}
	}
}

// confirm asks a yes/no question on in; anything but y or yes is no
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
