package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/internal/convoy"
	"github.com/cloud-shuttle/rigs/internal/foreman"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// overview is the shape of "rigs status --format json"
type overview struct {
	Foreman foreman.Status     `json:"foreman"`
	Beads   types.StatusCounts `json:"beads"`
	Tanks   []*types.Tank      `json:"tanks"`
	Convoys []*convoy.Summary  `json:"convoys"`
}

func newStatusCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show beads, tanks, convoys and the foreman at a glance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			var ov overview
			if ov.Foreman, err = queryForeman(w.cfg); err != nil {
				return err
			}
			if ov.Beads, err = w.store.StatusSummary(cmd.Context()); err != nil {
				return err
			}
			ov.Tanks = w.tanks.All()
			summaries, err := w.tracker.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range summaries {
				if !s.Convoy.Status.IsTerminal() {
					ov.Convoys = append(ov.Convoys, s)
				}
			}

			if jsonOutput() {
				return printJSON(stdout, ov)
			}

			printForemanStatus(stdout, ov.Foreman)
			n := ov.Beads
			fmt.Fprintf(stdout, "\n📊 Beads: %d total\n", n.Total())
			fmt.Fprintf(stdout, "   Pending:     %d\n", n.Pending)
			fmt.Fprintf(stdout, "   In progress: %d\n", n.InProgress)
			fmt.Fprintf(stdout, "   Deferred:    %d\n", n.Deferred)
			fmt.Fprintf(stdout, "   Completed:   %d\n", n.Completed)
			fmt.Fprintf(stdout, "   Failed:      %d\n", n.Failed)
			fmt.Fprintf(stdout, "   Cancelled:   %d\n", n.Cancelled)
			if n.Total() > 0 {
				fmt.Fprintf(stdout, "   Progress:    %s %.1f%%\n", progressBar(n.Progress(), progressWidth), n.Progress()*100)
			}

			fmt.Fprintln(stdout, "\n⛽ Tanks:")
			now := time.Now()
			for _, t := range ov.Tanks {
				fmt.Fprintln(stdout, "   "+renderTankLine(t, now))
			}

			if len(ov.Convoys) > 0 {
				fmt.Fprintln(stdout, "\n📋 Active convoys:")
				for _, s := range ov.Convoys {
					fmt.Fprintf(stdout, "   %s %s %3.0f%%  %s\n", convoyEmoji(s.Convoy.Status), s.Convoy.ID, s.Progress*100, s.Convoy.Name)
				}
			}
			return nil
		},
	}
}
