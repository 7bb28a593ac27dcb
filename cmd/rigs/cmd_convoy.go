package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/internal/convoy"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

func newConvoyCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convoy",
		Short: "Group beads and track their progress",
	}
	cmd.AddCommand(
		newConvoyCreateCmd(stdout),
		newConvoyListCmd(stdout),
		newConvoyShowCmd(stdout),
		newConvoyMemberCmd(stdout, "add", "Add a bead to a convoy"),
		newConvoyMemberCmd(stdout, "remove", "Remove a bead from a convoy"),
		newConvoyStateCmd(stdout, "pause", "Stop dispatching a convoy's beads"),
		newConvoyStateCmd(stdout, "resume", "Resume dispatching a convoy's beads"),
	)
	return cmd
}

func newConvoyCreateCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty convoy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			c, err := w.tracker.Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, c)
			}
			fmt.Fprintf(stdout, "✅ Created convoy %s: %s\n", c.ID, c.Name)
			return nil
		},
	}
}

func newConvoyListCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List convoys with their progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			summaries, err := w.tracker.List(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(stdout, "No convoys")
				return nil
			}
			for _, s := range summaries {
				fmt.Fprintf(stdout, "%s %s  %-11s %s %3.0f%%  %d/%d  %s\n",
					convoyEmoji(s.Convoy.Status), s.Convoy.ID, s.Convoy.Status,
					progressBar(s.Progress, 10), s.Progress*100,
					s.Counts.Completed, s.Counts.Total(), s.Convoy.Name)
			}
			return nil
		},
	}
}

func newConvoyShowCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "show <convoy-id>",
		Short: "Show a convoy and its beads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			s, err := w.tracker.Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			beads, err := w.store.ListBeadsByConvoy(cmd.Context(), s.Convoy.ID)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, struct {
					*convoy.Summary
					Beads []*types.Bead `json:"beads"`
				}{s, beads})
			}

			c := s.Convoy
			fmt.Fprintf(stdout, "%s %s\n", convoyEmoji(c.Status), headerStyle.Render(c.ID+": "+c.Name))
			fmt.Fprintf(stdout, "  Status:   %s\n", c.Status)
			fmt.Fprintf(stdout, "  Progress: %s %.0f%%\n", greenStyle.Render(progressBar(s.Progress, progressWidth)), s.Progress*100)
			n := s.Counts
			fmt.Fprintf(stdout, "  Beads:    %d total, %d completed, %d in progress, %d pending, %d deferred, %d failed, %d cancelled\n",
				n.Total(), n.Completed, n.InProgress, n.Pending, n.Deferred, n.Failed, n.Cancelled)
			if c.Goal != "" && c.Goal != c.Name {
				fmt.Fprintf(stdout, "  Goal:     %s\n", c.Goal)
			}
			if len(beads) > 0 {
				fmt.Fprintln(stdout)
			}
			for _, b := range beads {
				fmt.Fprintf(stdout, "  %s %s  %-11s %s\n", statusEmoji(b.Status), b.ID, b.Status, truncate(b.Title, 60))
			}
			return nil
		},
	}
}

func newConvoyMemberCmd(stdout io.Writer, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <convoy-id> <bead-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			id, err := w.parseBeadID(args[1])
			if err != nil {
				return err
			}
			if verb == "add" {
				if err := w.tracker.Add(cmd.Context(), args[0], id); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "✅ Added %s to convoy %s\n", id, args[0])
				return nil
			}
			if err := w.tracker.Remove(cmd.Context(), args[0], id); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "🗑️  Removed %s from convoy %s\n", id, args[0])
			return nil
		},
	}
}

func newConvoyStateCmd(stdout io.Writer, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <convoy-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			var c *types.Convoy
			if verb == "pause" {
				c, err = w.tracker.Pause(cmd.Context(), args[0])
			} else {
				c, err = w.tracker.Resume(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Convoy %s is %s\n", convoyEmoji(c.Status), c.ID, c.Status)
			return nil
		},
	}
}
