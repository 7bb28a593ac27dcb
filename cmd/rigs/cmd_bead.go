package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/internal/assayer"
	"github.com/cloud-shuttle/rigs/internal/foreman"
	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

func newBeadCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bead",
		Short: "Create and manage beads",
	}
	cmd.AddCommand(
		newBeadCreateCmd(stdout, stderr),
		newBeadListCmd(stdout),
		newBeadShowCmd(stdout),
		newBeadEditCmd(stdout, stderr),
		newBeadControlCmd(stdout, stderr, "cancel", "Cancel a bead"),
		newBeadControlCmd(stdout, stderr, "retry", "Send a failed or deferred bead back to pending"),
	)
	return cmd
}

func newBeadCreateCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		draft     assayer.Draft
		dependsOn []string
		convoyID  string
	)

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Submit a new bead",
		Long: `Submit a new bead to the scheduler.

The bead starts pending and runs once its dependencies have completed and
a provider has capacity for its token estimate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			draft.Title = args[0]
			b, err := draft.Bead(time.Now())
			if err != nil {
				return err
			}
			b.ID = ""
			for _, dep := range dependsOn {
				id, err := w.parseBeadID(dep)
				if err != nil {
					return err
				}
				b.Dependencies = append(b.Dependencies, id)
			}
			b.ConvoyID = convoyID

			f, err := w.admin(stderr)
			if err != nil {
				return err
			}
			created, err := f.Submit(cmd.Context(), b)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, created)
			}
			fmt.Fprintf(stdout, "✅ Created %s: %s\n", created.ID, created.Title)
			fmt.Fprintf(stdout, "   %s, %s, est. %s tokens\n", created.TaskType, created.Priority, formatTokens(created.EstimatedTokens))
			if len(created.Dependencies) > 0 {
				fmt.Fprintf(stdout, "   Depends on: %s\n", joinIDs(created.Dependencies))
			}
			if created.ConvoyID != "" {
				fmt.Fprintf(stdout, "   Convoy: %s\n", created.ConvoyID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&draft.Description, "description", "d", "", "prompt sent to the provider (default: the title)")
	cmd.Flags().StringVarP(&draft.TaskType, "type", "t", "implementation", "task type")
	cmd.Flags().StringVarP(&draft.Priority, "priority", "p", "normal", "low, normal, high or critical")
	cmd.Flags().Int64Var(&draft.EstimatedTokens, "tokens", 0, "token estimate (default: from the prompt length)")
	cmd.Flags().StringVar(&draft.PreferredProvider, "provider", "", "preferred provider")
	cmd.Flags().StringArrayVar(&draft.AcceptanceCriteria, "criteria", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "bead ids this bead waits for")
	cmd.Flags().StringVar(&convoyID, "convoy", "", "convoy to join")
	return cmd
}

func newBeadListCmd(stdout io.Writer) *cobra.Command {
	var (
		status   string
		convoyID string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List beads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			filter := store.BeadFilter{ConvoyID: convoyID, Limit: limit}
			if status != "" {
				st, err := types.ParseBeadStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}
			beads, err := w.store.ListBeads(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, beads)
			}
			if len(beads) == 0 {
				fmt.Fprintln(stdout, "No beads")
				return nil
			}
			for _, b := range beads {
				fmt.Fprintf(stdout, "%s %s  %-11s %-8s %-14s %s\n",
					statusEmoji(b.Status), b.ID, b.Status, b.Priority, b.TaskType, truncate(b.Title, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only beads in this status")
	cmd.Flags().StringVar(&convoyID, "convoy", "", "only beads in this convoy")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of beads")
	return cmd
}

func newBeadShowCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "show <bead-id>",
		Short: "Show a bead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			id, err := w.parseBeadID(args[0])
			if err != nil {
				return err
			}
			b, err := w.store.GetBead(cmd.Context(), id)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, b)
			}
			printBead(stdout, b)
			return nil
		},
	}
}

func printBead(out io.Writer, b *types.Bead) {
	fmt.Fprintf(out, "%s %s\n", statusEmoji(b.Status), headerStyle.Render(string(b.ID)+": "+b.Title))
	fmt.Fprintf(out, "  Status:    %s\n", b.Status)
	fmt.Fprintf(out, "  Type:      %s\n", b.TaskType)
	fmt.Fprintf(out, "  Priority:  %s\n", b.Priority)
	fmt.Fprintf(out, "  Tokens:    %s estimated", formatTokens(b.EstimatedTokens))
	if b.ActualTokens > 0 {
		fmt.Fprintf(out, ", %s actual", formatTokens(b.ActualTokens))
	}
	fmt.Fprintln(out)
	if b.PreferredProvider != "" {
		fmt.Fprintf(out, "  Preferred: %s\n", b.PreferredProvider)
	}
	if b.AssignedProvider != "" {
		fmt.Fprintf(out, "  Assigned:  %s\n", b.AssignedProvider)
	}
	if b.Attempts > 0 {
		fmt.Fprintf(out, "  Attempts:  %d\n", b.Attempts)
	}
	if len(b.Dependencies) > 0 {
		fmt.Fprintf(out, "  Depends:   %s\n", joinIDs(b.Dependencies))
	}
	if b.ConvoyID != "" {
		fmt.Fprintf(out, "  Convoy:    %s\n", b.ConvoyID)
	}
	if b.DeferredUntil != nil {
		fmt.Fprintf(out, "  Deferred:  until %s\n", b.DeferredUntil.Local().Format(time.DateTime))
	}
	fmt.Fprintf(out, "  Created:   %s\n", b.CreatedAt.Local().Format(time.DateTime))
	if b.CompletedAt != nil {
		fmt.Fprintf(out, "  Finished:  %s\n", b.CompletedAt.Local().Format(time.DateTime))
	}
	if b.Description != "" {
		fmt.Fprintf(out, "\n%s\n", b.Description)
	}
	if len(b.AcceptanceCriteria) > 0 {
		fmt.Fprintln(out, "\nAcceptance criteria:")
		for _, c := range b.AcceptanceCriteria {
			fmt.Fprintf(out, "  - %s\n", c)
		}
	}
	if b.Error != "" {
		fmt.Fprintf(out, "\n%s %s (%s)\n", redStyle.Render("Error:"), b.Error, b.ErrorKind)
	}
	if b.Output != "" {
		fmt.Fprintf(out, "\nOutput:\n%s\n", b.Output)
	}
}

func newBeadEditCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		title, description, taskType string
		priority, provider           string
		tokens                       int64
		criteria                     []string
	)

	cmd := &cobra.Command{
		Use:   "edit <bead-id>",
		Short: "Change a bead that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			id, err := w.parseBeadID(args[0])
			if err != nil {
				return err
			}

			var patch foreman.Patch
			flags := cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("type") {
				tt, err := types.ParseTaskType(taskType)
				if err != nil {
					return err
				}
				patch.TaskType = &tt
			}
			if flags.Changed("priority") {
				p, err := types.ParsePriority(priority)
				if err != nil {
					return err
				}
				patch.Priority = &p
			}
			if flags.Changed("provider") {
				var p types.Provider
				if provider != "" {
					if p, err = types.ParseProvider(provider); err != nil {
						return err
					}
				}
				patch.PreferredProvider = &p
			}
			if flags.Changed("tokens") {
				patch.EstimatedTokens = &tokens
			}
			if flags.Changed("criteria") {
				patch.AcceptanceCriteria = criteria
			}

			b, err := editBead(cmd.Context(), w, stderr, id, patch)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, b)
			}
			fmt.Fprintf(stdout, "✏️  Updated %s: %s\n", b.ID, b.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "new task type")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "new priority")
	cmd.Flags().StringVar(&provider, "provider", "", "new preferred provider (empty clears it)")
	cmd.Flags().Int64Var(&tokens, "tokens", 0, "new token estimate")
	cmd.Flags().StringArrayVar(&criteria, "criteria", nil, "replacement acceptance criterion (repeatable)")
	return cmd
}

// editBead applies patch through the running foreman when there is one,
// so the edit cannot race a dispatch, and on the store directly otherwise
func editBead(ctx context.Context, w *workspace, stderr io.Writer, id types.BeadID, patch foreman.Patch) (*types.Bead, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	reply, handled, err := w.control("edit " + string(id) + " " + string(data))
	if err != nil {
		return nil, err
	}
	if handled {
		var b types.Bead
		if err := json.Unmarshal([]byte(reply), &b); err != nil {
			return nil, fmt.Errorf("parsing foreman reply: %w", err)
		}
		return &b, nil
	}

	f, err := w.admin(stderr)
	if err != nil {
		return nil, err
	}
	return f.Edit(ctx, id, patch)
}

// newBeadControlCmd builds cancel and retry. Both go through the running
// foreman's control socket when there is one, so an executing bead is
// signalled, and act on the store directly otherwise.
func newBeadControlCmd(stdout, stderr io.Writer, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <bead-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			id, err := w.parseBeadID(args[0])
			if err != nil {
				return err
			}

			reply, handled, err := w.control(verb + " " + string(id))
			if err != nil {
				return err
			}
			if handled {
				status := strings.TrimSpace(strings.TrimPrefix(reply, "ok"))
				printControlResult(stdout, verb, id, types.BeadStatus(status))
				return nil
			}

			f, err := w.admin(stderr)
			if err != nil {
				return err
			}
			var b *types.Bead
			if verb == "cancel" {
				b, err = f.Cancel(cmd.Context(), id)
			} else {
				b, err = f.Retry(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			printControlResult(stdout, verb, b.ID, b.Status)
			return nil
		},
	}
}

func printControlResult(out io.Writer, verb string, id types.BeadID, status types.BeadStatus) {
	if verb == "cancel" {
		fmt.Fprintf(out, "🛑 Cancelled %s\n", id)
		return
	}
	fmt.Fprintf(out, "🔄 %s is %s\n", id, status)
}

func joinIDs(ids []types.BeadID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
