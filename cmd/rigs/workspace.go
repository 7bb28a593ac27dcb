package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/cloud-shuttle/rigs/internal/assayer"
	"github.com/cloud-shuttle/rigs/internal/backpressure"
	"github.com/cloud-shuttle/rigs/internal/config"
	"github.com/cloud-shuttle/rigs/internal/convoy"
	"github.com/cloud-shuttle/rigs/internal/db"
	"github.com/cloud-shuttle/rigs/internal/events"
	"github.com/cloud-shuttle/rigs/internal/executor"
	"github.com/cloud-shuttle/rigs/internal/foreman"
	"github.com/cloud-shuttle/rigs/internal/tank"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// workspace is what most commands need: the loaded config, the open
// store and the tanks of the configured providers
type workspace struct {
	cfg     *config.Config
	store   *db.Store
	tanks   *tank.Registry
	tracker *convoy.Tracker
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.ResolvePath(configFlag))
}

// openWorkspace loads the config and opens its database. The config
// file must exist; run "rigs init" first.
func openWorkspace(ctx context.Context) (*workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("not initialized (no %s); run 'rigs init' first", cfg.Path)
	}
	return openWorkspaceWith(ctx, cfg)
}

func openWorkspaceWith(ctx context.Context, cfg *config.Config) (*workspace, error) {
	st, err := db.OpenWithOptions(cfg.DatabaseURL(), db.Options{WALMode: cfg.Database.WALMode})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}
	if err := st.MigrateSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	tanks := tank.NewRegistry(st, nil)
	limits, enabled := providerLimits(cfg)
	if err := tanks.Load(ctx, limits, enabled); err != nil {
		st.Close()
		return nil, fmt.Errorf("loading tanks: %w", err)
	}
	return &workspace{
		cfg:     cfg,
		store:   st,
		tanks:   tanks,
		tracker: convoy.NewTracker(st, st, nil),
	}, nil
}

func (w *workspace) Close() error {
	return w.store.Close()
}

// providerLimits returns the merged limits and enablement of every
// provider the config names
func providerLimits(cfg *config.Config) (map[types.Provider]types.ProviderLimits, map[types.Provider]bool) {
	limits := make(map[types.Provider]types.ProviderLimits)
	enabled := make(map[types.Provider]bool)
	for name, pc := range cfg.Providers {
		p, err := types.ParseProvider(name)
		if err != nil {
			continue
		}
		limits[p] = cfg.ProviderLimits(p)
		enabled[p] = pc.IsEnabled()
	}
	return limits, enabled
}

func foremanConfig(cfg *config.Config) foreman.Config {
	return foreman.Config{
		PollInterval:  cfg.Foreman.PollInterval.Std(),
		MaxConcurrent: cfg.Foreman.MaxConcurrent,
		MaxAttempts:   cfg.Foreman.MaxAttempts,
		BeadPrefix:    cfg.General.BeadPrefix,
	}
}

// newForeman builds a foreman over the workspace. exec may be nil for
// commands that only admit or edit beads.
func (w *workspace) newForeman(exec executor.Executor, logger *log.Logger, bus *events.Bus) (*foreman.Foreman, error) {
	affinity, err := w.cfg.Affinity()
	if err != nil {
		return nil, err
	}
	opts := []foreman.Option{
		foreman.WithLogger(logger),
		foreman.WithAffinity(affinity),
		foreman.WithTracker(w.tracker),
	}
	if bus != nil {
		opts = append(opts, foreman.WithBus(bus))
	}
	if len(w.cfg.Review.Checks) > 0 {
		gate, err := backpressure.NewGate(w.cfg.Review.Checks, w.cfg.Review.Timeout.Std(), w.cfg.Foreman.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("review checks: %w", err)
		}
		opts = append(opts, foreman.WithQualityGate(gate))
	}
	if w.cfg.Assayer.OptimizerCommand != "" {
		opts = append(opts, foreman.WithOptimizer(&assayer.CommandOptimizer{
			Command: w.cfg.Assayer.OptimizerCommand,
			Args:    w.cfg.Assayer.OptimizerArgs,
			Model:   w.cfg.Assayer.OptimizerModel,
			Timeout: w.cfg.Assayer.Timeout.Std(),
		}))
	}
	return foreman.New(foremanConfig(w.cfg), w.store, w.tanks, exec, opts...), nil
}

// admin returns a foreman for admission and bead edits outside the loop
func (w *workspace) admin(stderr io.Writer) (*foreman.Foreman, error) {
	return w.newForeman(nil, cliLogger(stderr, "[rigs] "), nil)
}

// cliLogger logs to stderr with --verbose and discards otherwise
func cliLogger(stderr io.Writer, prefix string) *log.Logger {
	if verboseFlag {
		return log.New(stderr, prefix, log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// buildExecutor returns the provider command executor, wrapped in a DBOS
// workflow when a durable database is configured. The returned func
// shuts DBOS down.
func buildExecutor(ctx context.Context, cfg *config.Config, logger *log.Logger) (executor.Executor, func(), error) {
	commands := make(map[types.Provider]executor.ProviderCommand)
	for _, p := range cfg.EnabledProviders() {
		pc, _ := cfg.Provider(p)
		commands[p] = executor.ProviderCommand{Path: pc.Command, Model: pc.Model}
	}
	ce := executor.NewCommandExecutor(commands, cfg.Foreman.ExecutorTimeout.Std(), cfg.Foreman.WorkDir)
	ce.SetVerbose(verboseFlag)

	if cfg.Foreman.DurableDatabaseURL == "" {
		return ce, func() {}, nil
	}

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		AppName:     "rigs",
		DatabaseURL: cfg.Foreman.DurableDatabaseURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing DBOS: %w", err)
	}
	durable := executor.NewDurable(dbosCtx, ce, logger)
	if err := durable.RegisterWorkflows(); err != nil {
		return nil, nil, fmt.Errorf("registering workflows: %w", err)
	}
	if err := dbos.Launch(dbosCtx); err != nil {
		return nil, nil, fmt.Errorf("launching DBOS: %w", err)
	}
	return durable, func() { dbos.Shutdown(dbosCtx, 5*time.Second) }, nil
}

// buildAssayer picks the goal decomposer: a JSONL plan file when given,
// else the configured planner command, else a single bead
func buildAssayer(cfg *config.Config, planFile string, logger *log.Logger) assayer.Assayer {
	if planFile != "" {
		return &assayer.JSONLAssayer{Path: planFile}
	}
	single := &assayer.SingleAssayer{TaskType: types.TaskTypeImplementation}
	if cfg.Assayer.Command == "" {
		return single
	}
	cmdAssayer := &assayer.CommandAssayer{
		Command: cfg.Assayer.Command,
		Args:    cfg.Assayer.Args,
		Model:   cfg.Assayer.PlannerModel,
		Timeout: cfg.Assayer.Timeout.Std(),
		WorkDir: cfg.Foreman.WorkDir,
		Verbose: verboseFlag,
	}
	if !cfg.Assayer.FallbackToSingle {
		return cmdAssayer
	}
	return &assayer.Fallback{Primary: cmdAssayer, Secondary: single, Logger: logger}
}

func jsonOutput() bool {
	return formatFlag == "json"
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseBeadID validates a bead id against the workspace prefix
func (w *workspace) parseBeadID(s string) (types.BeadID, error) {
	return types.ParseBeadIDWithPrefix(w.cfg.General.BeadPrefix, s)
}

// control sends command to the foreman running in this workspace. handled
// is false when none is listening and the caller should act on the store.
func (w *workspace) control(command string) (reply string, handled bool, err error) {
	reply, err = foreman.Send(foreman.SocketPath(w.cfg.WorkspaceDir()), command)
	if errors.Is(err, foreman.ErrNotRunning) {
		return "", false, nil
	}
	return reply, true, err
}
