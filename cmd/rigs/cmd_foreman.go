package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/rigs/internal/config"
	"github.com/cloud-shuttle/rigs/internal/events"
	"github.com/cloud-shuttle/rigs/internal/foreman"
	"github.com/cloud-shuttle/rigs/pkg/telemetry"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

func newForemanCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "foreman",
		Aliases: []string{"daemon"},
		Short:   "Run and control the scheduler",
	}
	cmd.AddCommand(
		newForemanStartCmd(stdout, stderr),
		newForemanSimpleCmd(stdout, "stop", "Stop the running foreman", "🛑 Foreman stopping"),
		newForemanSimpleCmd(stdout, "pause", "Pause dispatch (executing beads finish)", "⏸️  Foreman paused"),
		newForemanSimpleCmd(stdout, "resume", "Resume dispatch", "▶️  Foreman resumed"),
		newForemanStatusCmd(stdout),
		newForemanAttachCmd(stdout),
	)
	return cmd
}

func newForemanStartCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler in the foreground",
		Long: `Run the scheduler in the foreground until interrupted.

The foreman dispatches ready beads to providers with capacity, defers
beads that hit rate limits and refreshes tanks as their windows end.
Only one foreman runs per workspace. Other rigs commands reach it through
the control socket in the workspace directory.

Edits to the config file are picked up while running: provider
enablement, limits, poll interval and concurrency.

Durable execution:
- Set foreman.durable_database_url or DBOS_SYSTEM_DATABASE_URL to run each
  bead as a DBOS workflow that survives a crash of this process`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			w, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer w.Close()
			return runForeman(ctx, cancel, w, stdout, stderr)
		},
	}
}

// runForeman runs the loop with its control socket and config watcher
// until ctx ends, Stop is requested or a signal arrives
func runForeman(ctx context.Context, cancel context.CancelFunc, w *workspace, stdout, stderr io.Writer) error {
	dir := w.cfg.WorkspaceDir()
	lock, err := foreman.AcquireLock(dir)
	if err != nil {
		return err
	}
	defer lock.Unlock() //nolint:errcheck // released on exit anyway

	shutdownTelemetry, err := telemetry.Init(ctx, w.cfg.Telemetry.OTLPEndpoint, w.cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background()) //nolint:errcheck // best-effort flush

	logger := log.New(stderr, "[foreman] ", log.LstdFlags)
	exec, shutdownExec, err := buildExecutor(ctx, w.cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownExec()

	bus := events.NewBus()
	defer bus.Close() //nolint:errcheck // nothing to report

	f, err := w.newForeman(exec, logger, bus)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stdout, "\n🛑 Interrupt received, stopping foreman...")
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		if err := f.ServeControl(ctx, foreman.SocketPath(dir)); err != nil {
			logger.Printf("⚠️  Control socket unavailable: %v", err)
		}
	}()

	if _, err := os.Stat(w.cfg.Path); err == nil {
		go func() {
			err := config.Watch(ctx, w.cfg.Path, logger, func(next *config.Config) {
				applyReload(ctx, f, w, next, logger)
			})
			if err != nil {
				logger.Printf("⚠️  Config watcher stopped: %v", err)
			}
		}()
	}

	fmt.Fprintf(stdout, "🐂 Foreman running in %s (Ctrl+C to stop)\n", dir)
	for _, t := range w.tanks.All() {
		fmt.Fprintln(stdout, "   "+renderTankLine(t, time.Now()))
	}
	if err := f.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "✅ Foreman stopped")
	return nil
}

// applyReload pushes a reloaded config into the running foreman and its tanks
func applyReload(ctx context.Context, f *foreman.Foreman, w *workspace, next *config.Config, logger *log.Logger) {
	affinity, err := next.Affinity()
	if err != nil {
		logger.Printf("⚠️  Ignoring config reload: %v", err)
		telemetry.RecordConfigReload(ctx, next.Path, err)
		return
	}

	limits, enabled := providerLimits(next)
	for _, p := range w.tanks.Providers() {
		if _, ok := limits[p]; !ok {
			if err := w.tanks.SetEnabled(p, false); err != nil {
				logger.Printf("Error disabling %s: %v", p, err)
			}
		}
	}
	for _, p := range types.AllProviders {
		l, ok := limits[p]
		if !ok {
			continue
		}
		if err := w.tanks.Configure(ctx, p, l, enabled[p]); err != nil {
			logger.Printf("Error reconfiguring %s: %v", p, err)
		}
	}

	f.Reconfigure(foremanConfig(next), affinity)
	telemetry.RecordConfigReload(ctx, next.Path, nil)
	logger.Printf("🔄 Config reloaded (%d providers enabled)", len(next.EnabledProviders()))
}

func newForemanSimpleCmd(stdout io.Writer, command, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := foreman.Send(foreman.SocketPath(cfg.WorkspaceDir()), command); err != nil {
				return err
			}
			fmt.Fprintln(stdout, done)
			return nil
		},
	}
}

func newForemanStatusCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the foreman is running and what it is doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := queryForeman(cfg)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stdout, st)
			}
			printForemanStatus(stdout, st)
			return nil
		},
	}
}

// queryForeman asks a running foreman for its status. A foreman that is
// not running reports a zero Status.
func queryForeman(cfg *config.Config) (foreman.Status, error) {
	var st foreman.Status
	reply, err := foreman.Send(foreman.SocketPath(cfg.WorkspaceDir()), "status")
	if errors.Is(err, foreman.ErrNotRunning) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal([]byte(reply), &st); err != nil {
		return st, fmt.Errorf("decoding foreman status: %w", err)
	}
	return st, nil
}

func printForemanStatus(out io.Writer, st foreman.Status) {
	if !st.Running {
		fmt.Fprintln(out, "💤 Foreman is not running")
		return
	}
	state := "running"
	if st.Paused {
		state = "paused"
	}
	fmt.Fprintf(out, "🐂 Foreman %s (%d/%d in flight, limit %d)\n", state, len(st.InFlight), st.MaxConcurrent, st.ConcurrencyLimit)
	if !st.LastCycle.IsZero() {
		fmt.Fprintf(out, "   Last cycle: %s\n", st.LastCycle.Local().Format(time.DateTime))
	}
	if st.Exhausted {
		fmt.Fprintf(out, "   %s all providers exhausted until %s\n", redStyle.Render("⚠️"), st.EarliestReset.Local().Format(time.DateTime))
	}
	for _, fl := range st.InFlight {
		fmt.Fprintf(out, "   👷 %s on %s (%s tokens, %s)\n", fl.BeadID, fl.Provider, formatTokens(fl.Reserved), formatDuration(time.Since(fl.Since)))
	}
}

func newForemanAttachCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Stream the running foreman's events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sock := foreman.SocketPath(cfg.WorkspaceDir())
			if jsonOutput() {
				return foreman.Attach(ctx, sock, stdout)
			}
			pr, pw := io.Pipe()
			go func() {
				pw.CloseWithError(foreman.Attach(ctx, sock, pw))
			}()
			dec := json.NewDecoder(pr)
			for {
				var e events.Event
				if err := dec.Decode(&e); err != nil {
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				fmt.Fprintln(stdout, events.FormatEventCompact(&e))
			}
		},
	}
}
