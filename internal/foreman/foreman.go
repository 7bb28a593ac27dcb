// Package foreman is the scheduling loop. It picks ready beads, matches
// them to providers with capacity, hands them to the executor and applies
// the results. All bead and tank mutations driven by scheduling go
// through one lock, so executor results never race a dispatch.
package foreman

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cloud-shuttle/rigs/internal/backpressure"
	"github.com/cloud-shuttle/rigs/internal/convoy"
	"github.com/cloud-shuttle/rigs/internal/events"
	"github.com/cloud-shuttle/rigs/internal/executor"
	"github.com/cloud-shuttle/rigs/internal/retry"
	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/internal/tank"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

// Config holds the scheduling knobs
type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
	MaxAttempts   int
	BeadPrefix    string
}

// DefaultConfig returns the default scheduling configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		MaxConcurrent: 1,
		MaxAttempts:   retry.DefaultMaxAttempts,
		BeadPrefix:    types.DefaultBeadPrefix,
	}
}

// Optimizer rewrites a bead's prompt while it is Optimizing
type Optimizer interface {
	Optimize(ctx context.Context, b *types.Bead) (string, error)
}

// QualityGate judges a bead in Reviewing. A non-nil error rejects the
// bead with the error text as the reason.
type QualityGate interface {
	Review(ctx context.Context, b *types.Bead) error
}

// Foreman owns the scheduling state of one workspace
type Foreman struct {
	cfg       Config
	store     store.Store
	tanks     *tank.Registry
	exec      executor.Executor
	tracker   *convoy.Tracker
	bus       *events.Bus
	policy    retry.Policy
	affinity  types.AffinityTable
	optimizer Optimizer
	gate      QualityGate
	limiter   *backpressure.Controller
	logger    *log.Logger
	now       func() time.Time

	// mu serializes every scheduling mutation
	mu        sync.Mutex
	paused    bool
	running   bool
	stop      context.CancelFunc
	inFlight  map[types.BeadID]*flight
	// optimizing holds cancel funcs for optimizer calls still running
	optimizing map[types.BeadID]context.CancelFunc
	lastCycle  time.Time
	exhausted  *types.Error

	results chan outcome
	prompts chan optimized
	wake    chan struct{}
}

// flight is a bead currently held by the executor
type flight struct {
	bead     types.BeadID
	provider types.Provider
	reserved int64
	started  time.Time
	cancel   context.CancelFunc
}

// outcome is an executor result travelling back to the scheduling loop
type outcome struct {
	bead     types.BeadID
	provider types.Provider
	result   *executor.Result
	err      error
	// review is the quality gate verdict on a successful result
	review  error
	elapsed time.Duration
}

// optimized is an optimizer result travelling back to the scheduling loop
type optimized struct {
	bead   types.BeadID
	prompt string
	err    error
}

// Option configures a Foreman
type Option func(*Foreman)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(f *Foreman) { f.now = now }
}

// WithLogger sets the operational logger
func WithLogger(l *log.Logger) Option {
	return func(f *Foreman) { f.logger = l }
}

// WithBus publishes lifecycle events on bus
func WithBus(bus *events.Bus) Option {
	return func(f *Foreman) { f.bus = bus }
}

// WithOptimizer fills optimized prompts during Optimizing
func WithOptimizer(o Optimizer) Option {
	return func(f *Foreman) { f.optimizer = o }
}

// WithQualityGate reviews beads before they complete
func WithQualityGate(g QualityGate) Option {
	return func(f *Foreman) { f.gate = g }
}

// WithAffinity replaces the default routing table
func WithAffinity(a types.AffinityTable) Option {
	return func(f *Foreman) { f.affinity = a }
}

// WithPolicy replaces the retry policy. MaxAttempts from Config still wins when set.
func WithPolicy(p retry.Policy) Option {
	return func(f *Foreman) { f.policy = p }
}

// WithTracker shares a convoy tracker
func WithTracker(t *convoy.Tracker) Option {
	return func(f *Foreman) { f.tracker = t }
}

// New creates a foreman over the given store, tanks and executor
func New(cfg Config, st store.Store, tanks *tank.Registry, exec executor.Executor, opts ...Option) *Foreman {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BeadPrefix == "" {
		cfg.BeadPrefix = def.BeadPrefix
	}

	f := &Foreman{
		cfg:      cfg,
		store:    st,
		tanks:    tanks,
		exec:     exec,
		policy:   retry.DefaultPolicy(),
		affinity: types.DefaultAffinity(),
		logger:   log.New(os.Stderr, "[foreman] ", log.LstdFlags),
		now:      time.Now,
		inFlight:   make(map[types.BeadID]*flight),
		optimizing: make(map[types.BeadID]context.CancelFunc),
		results:    make(chan outcome, 256),
		prompts:    make(chan optimized, 256),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.policy.MaxAttempts = cfg.MaxAttempts
	if f.tracker == nil {
		f.tracker = convoy.NewTracker(st, st, f.now)
	}
	f.limiter = backpressure.NewController(backpressure.DefaultControllerConfig(cfg.MaxConcurrent), f.logger)
	return f
}

// Reconfigure applies reloaded settings. Poll interval changes take
// effect on the next tick.
func (f *Foreman) Reconfigure(cfg Config, affinity types.AffinityTable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.PollInterval > 0 {
		f.cfg.PollInterval = cfg.PollInterval
	}
	if cfg.MaxConcurrent > 0 {
		f.cfg.MaxConcurrent = cfg.MaxConcurrent
		f.limiter.SetMaxConcurrent(cfg.MaxConcurrent)
	}
	if cfg.MaxAttempts > 0 {
		f.cfg.MaxAttempts = cfg.MaxAttempts
		f.policy.MaxAttempts = cfg.MaxAttempts
	}
	if affinity != nil {
		f.affinity = affinity
	}
}

// Tracker returns the convoy tracker the foreman refreshes
func (f *Foreman) Tracker() *convoy.Tracker {
	return f.tracker
}

// Pause stops new dispatch. Beads already executing keep running.
func (f *Foreman) Pause(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		return
	}
	f.paused = true
	f.logger.Printf("⏸️  Foreman paused (%d beads still in flight)", len(f.inFlight))
	f.publish(ctx, events.NewEvent(events.EventForemanPaused, nil, f.now()))
}

// Resume re-enables dispatch from the next cycle
func (f *Foreman) Resume(ctx context.Context) {
	f.mu.Lock()
	if !f.paused {
		f.mu.Unlock()
		return
	}
	f.paused = false
	f.logger.Printf("▶️  Foreman resumed")
	f.publish(ctx, events.NewEvent(events.EventForemanResumed, nil, f.now()))
	f.mu.Unlock()
	f.poke()
}

// Paused reports whether dispatch is paused
func (f *Foreman) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// InFlight describes one executing bead
type InFlight struct {
	BeadID   types.BeadID   `json:"bead_id"`
	Provider types.Provider `json:"provider"`
	Reserved int64          `json:"reserved"`
	Since    time.Time      `json:"since"`
}

// Status is a point-in-time snapshot of the foreman
type Status struct {
	Running          bool       `json:"running"`
	Paused           bool       `json:"paused"`
	InFlight         []InFlight `json:"in_flight"`
	MaxConcurrent    int        `json:"max_concurrent"`
	ConcurrencyLimit int        `json:"concurrency_limit"`
	LastCycle        time.Time  `json:"last_cycle,omitempty"`
	Exhausted        bool       `json:"exhausted"`
	EarliestReset    time.Time  `json:"earliest_reset,omitempty"`
}

// Status returns a snapshot of the foreman
func (f *Foreman) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Status{
		Running:          f.running,
		Paused:           f.paused,
		MaxConcurrent:    f.cfg.MaxConcurrent,
		ConcurrencyLimit: f.limiter.Limit(),
		LastCycle:        f.lastCycle,
	}
	for _, fl := range f.inFlight {
		s.InFlight = append(s.InFlight, InFlight{BeadID: fl.bead, Provider: fl.provider, Reserved: fl.reserved, Since: fl.started})
	}
	sort.Slice(s.InFlight, func(i, j int) bool { return s.InFlight[i].BeadID < s.InFlight[j].BeadID })
	if f.exhausted != nil {
		s.Exhausted = true
		s.EarliestReset = f.exhausted.ResetAt
	}
	return s
}

// Run drives the loop until ctx is cancelled or Stop is called. It
// recovers orphaned beads first and requeues in-flight beads on the way out.
func (f *Foreman) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("foreman already running")
	}
	f.running = true
	f.stop = cancel
	interval := f.cfg.PollInterval
	f.logger.Printf("🐂 Starting foreman (max %d concurrent, polling every %v)", f.cfg.MaxConcurrent, interval)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running = false
		f.stop = nil
		f.mu.Unlock()
	}()

	if n, err := f.Recover(ctx); err != nil {
		return fmt.Errorf("recovering orphaned beads: %w", err)
	} else if n > 0 {
		f.logger.Printf("🔄 Recovered %d orphaned beads", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			f.shutdown(context.WithoutCancel(ctx))
			return nil
		case o := <-f.results:
			if err := f.apply(ctx, o); err != nil {
				f.logger.Printf("Error applying result for %s: %v", o.bead, err)
			}
			f.tick(ctx)
		case o := <-f.prompts:
			if err := f.applyPrompt(ctx, o); err != nil {
				f.logger.Printf("Error applying optimized prompt for %s: %v", o.bead, err)
			}
			f.tick(ctx)
		case <-f.wake:
			f.tick(ctx)
		case <-ticker.C:
			f.mu.Lock()
			if f.cfg.PollInterval != interval {
				interval = f.cfg.PollInterval
				ticker.Reset(interval)
			}
			f.mu.Unlock()
			f.tick(ctx)
		}
	}
}

// Stop ends a running loop
func (f *Foreman) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		f.stop()
	}
}

// tick refreshes expired tanks and runs one cycle. Failures are logged,
// never fatal to the loop.
func (f *Foreman) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := f.RefreshTanks(ctx); err != nil {
		f.logger.Printf("Error refreshing tanks: %v", err)
	}
	report, err := f.Cycle(ctx)
	if err != nil {
		f.logger.Printf("Error in scheduling cycle: %v", err)
		return
	}
	if len(report.Dispatched) > 0 || len(report.Deferred) > 0 {
		f.logger.Printf("📊 Cycle: %d dispatched, %d deferred, %d in flight",
			len(report.Dispatched), len(report.Deferred), report.InFlight)
	}
}

// RefreshTanks starts a new window for every tank whose window has ended
// and returns the providers it refilled
func (f *Foreman) RefreshTanks(ctx context.Context) ([]types.Provider, error) {
	refreshed, err := f.tanks.RefreshExpired(ctx)
	for _, p := range refreshed {
		f.logger.Printf("⛽ Tank %s refilled", p)
		e := events.NewEvent(events.EventTankRefreshed, nil, f.now())
		e.Provider = p
		f.publish(ctx, e)
	}
	if len(refreshed) > 0 {
		f.mu.Lock()
		f.exhausted = nil
		f.mu.Unlock()
	}
	return refreshed, err
}

// shutdown cancels executions still in flight and parks their beads as
// ready-now deferrals with their reservations refunded
func (f *Foreman) shutdown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, cancel := range f.optimizing {
		cancel()
		delete(f.optimizing, id)
		if err := f.unoptimize(ctx, id); err != nil {
			f.logger.Printf("Error requeueing %s: %v", id, err)
		}
	}

	f.logger.Printf("🛑 Foreman stopping, requeueing %d in-flight beads", len(f.inFlight))
	for id, fl := range f.inFlight {
		fl.cancel()
		delete(f.inFlight, id)
		b, err := f.store.GetBead(ctx, id)
		if err != nil {
			f.logger.Printf("Error loading %s during shutdown: %v", id, err)
			continue
		}
		if err := f.park(ctx, b, fl.provider, fl.reserved); err != nil {
			f.logger.Printf("Error requeueing %s: %v", id, err)
		}
	}
}

// park moves an interrupted bead to Deferred, ready immediately, and
// refunds its reservation. The attempt is not counted.
func (f *Foreman) park(ctx context.Context, b *types.Bead, p types.Provider, reserved int64) error {
	if p != "" && reserved > 0 {
		if err := f.tanks.Refund(ctx, p, b.ID, reserved); err != nil {
			f.logger.Printf("Error refunding %d tokens to %s: %v", reserved, p, err)
		}
	}
	now := f.now()
	if err := b.Transition(types.BeadStatusDeferred, now); err != nil {
		return err
	}
	b.DeferredUntil = &now
	b.StartedAt = nil
	return f.save(ctx, b)
}

// poke wakes a running loop without waiting for the next tick
func (f *Foreman) poke() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Foreman) publish(ctx context.Context, e *events.Event) {
	if f.bus == nil {
		return
	}
	if err := f.bus.Publish(ctx, e); err != nil {
		f.logger.Printf("Error publishing %s: %v", e.Type, err)
	}
}

func (f *Foreman) save(ctx context.Context, b *types.Bead) error {
	if err := f.store.UpdateBead(ctx, b); err != nil {
		return fmt.Errorf("updating bead %s: %w", b.ID, err)
	}
	return nil
}

// refreshConvoy recomputes the status of the bead's convoy, if any
func (f *Foreman) refreshConvoy(ctx context.Context, b *types.Bead) {
	if b.ConvoyID == "" {
		return
	}
	if _, err := f.tracker.Refresh(ctx, b.ConvoyID); err != nil {
		f.logger.Printf("Error refreshing convoy %s: %v", b.ConvoyID, err)
	}
}
